package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/metrics"
	"transfer-saga/internal/resilience"
)

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryingGateway retries transient gateway failures with exponential
// backoff behind a circuit breaker. Permanent failures and an open circuit
// return immediately.
type RetryingGateway struct {
	next      domain.PaymentGateway
	breaker   *resilience.Breaker
	policy    RetryPolicy
	collector metrics.Collector
	logger    *slog.Logger
}

var _ domain.PaymentGateway = (*RetryingGateway)(nil)

func NewRetryingGateway(next domain.PaymentGateway, breaker *resilience.Breaker, policy RetryPolicy, collector metrics.Collector, logger *slog.Logger) *RetryingGateway {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &RetryingGateway{
		next:      next,
		breaker:   breaker,
		policy:    policy,
		collector: collector,
		logger:    logger,
	}
}

func (g *RetryingGateway) ValidateDestination(ctx context.Context, destination string) (bool, error) {
	return call(ctx, g, "validate_destination", func(ctx context.Context) (bool, error) {
		return g.next.ValidateDestination(ctx, destination)
	})
}

func (g *RetryingGateway) CreateTransfer(ctx context.Context, req domain.GatewayTransferRequest) (*domain.GatewayTransfer, error) {
	return call(ctx, g, "create_transfer", func(ctx context.Context) (*domain.GatewayTransfer, error) {
		return g.next.CreateTransfer(ctx, req)
	})
}

func (g *RetryingGateway) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.policy.InitialInterval > 0 {
		b.InitialInterval = g.policy.InitialInterval
	}
	if g.policy.MaxInterval > 0 {
		b.MaxInterval = g.policy.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, g.policy.MaxRetries), ctx)
}

func call[T any](ctx context.Context, g *RetryingGateway, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	operation := func() error {
		attempt++
		start := time.Now()
		out, err := g.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return fn(ctx)
		})
		g.collector.RecordGatewayCall(err == nil, time.Since(start))
		if err != nil {
			if resilience.IsPermanent(err) || errors.Is(err, errors.ErrServiceUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		result, _ = out.(T)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Warn("Gateway call failed, retrying",
			"operation", op,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, g.backOff(ctx), notify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
