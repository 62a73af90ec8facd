package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"transfer-saga/internal/errors"
	"transfer-saga/internal/metrics"
)

// BreakerConfig controls when a dependency's circuit opens and how long it
// stays open before probing again.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a gobreaker circuit breaker for one downstream dependency.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *slog.Logger
}

func NewBreaker(name string, cfg BreakerConfig, collector metrics.Collector, logger *slog.Logger) *Breaker {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Business rejections from a healthy dependency do not count against it.
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			collector.RecordCircuitState(name, state)
		},
	}

	return &Breaker{
		cb:     gobreaker.NewCircuitBreaker(settings),
		name:   name,
		logger: logger,
	}
}

// Execute runs fn through the breaker. An open circuit surfaces as
// ErrServiceUnavailable.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		b.logger.Warn("circuit breaker rejected request", "breaker", b.name, "error", err)
		return nil, errors.ErrServiceUnavailable.WithDetails(b.name + ": " + err.Error())
	}
	return result, err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// permanentError marks a failure that retrying will not fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	for err != nil {
		if _, ok := err.(*permanentError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
