package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/metrics"
)

type OutboxConfig struct {
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
}

// OutboxService writes events in the caller's unit of work and delivers
// them afterwards. Delivery is at least once: an immediate best-effort
// publish after commit, then the drain worker for whatever is still PENDING.
type OutboxService struct {
	store     domain.Store
	publisher domain.EventPublisher
	collector metrics.Collector
	cfg       OutboxConfig
	logger    *slog.Logger
}

func NewOutboxService(store domain.Store, publisher domain.EventPublisher, collector metrics.Collector, cfg OutboxConfig, logger *slog.Logger) *OutboxService {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &OutboxService{
		store:     store,
		publisher: publisher,
		collector: collector,
		cfg:       cfg,
		logger:    logger,
	}
}

type transferEvent struct {
	TransactionID         string    `json:"transaction_id"`
	CorrelationID         string    `json:"correlation_id"`
	Type                  string    `json:"type"`
	Status                string    `json:"status"`
	SenderAccountNumber   string    `json:"sender_account_number"`
	ReceiverAccountNumber string    `json:"receiver_account_number"`
	Amount                string    `json:"amount"`
	GatewayTransferID     string    `json:"gateway_transfer_id,omitempty"`
	FailureReason         string    `json:"failure_reason,omitempty"`
	OccurredAt            time.Time `json:"occurred_at"`
}

var routingKeys = map[string]string{
	domain.EventTransferCompleted:         "transfer.completed",
	domain.EventTransferFailed:            "transfer.failed",
	domain.EventExternalTransferInitiated: "transfer.external_initiated",
	domain.EventTransferRolledBack:        "transfer.rolled_back",
	domain.EventTransferRollbackFailed:    "transfer.rollback_failed",
	domain.EventDepositCompleted:          "deposit.completed",
	domain.EventGatewayWebhookReceived:    "gateway.webhook_received",
}

func routingKey(eventType string) string {
	if key, ok := routingKeys[eventType]; ok {
		return key
	}
	return strings.ToLower(eventType)
}

// StageTransferEvent records eventType for tx in uow.
func (s *OutboxService) StageTransferEvent(ctx context.Context, uow domain.Store, tx *domain.Transaction, eventType string) (*domain.OutboxEvent, error) {
	payload := transferEvent{
		TransactionID:         tx.ID.String(),
		CorrelationID:         tx.CorrelationID.String(),
		Type:                  string(tx.Type),
		Status:                string(tx.Status),
		SenderAccountNumber:   tx.SenderAccountNumber,
		ReceiverAccountNumber: tx.ReceiverAccountNumber,
		Amount:                tx.Amount.StringFixed(2),
		GatewayTransferID:     tx.GatewayTransferID,
		FailureReason:         tx.FailureReason,
		OccurredAt:            time.Now().UTC(),
	}
	return s.Stage(ctx, uow, domain.AggregateTransaction, tx.ID.String(), eventType,
		domain.TopicTransactionEvents, routingKey(eventType), payload)
}

func (s *OutboxService) Stage(ctx context.Context, uow domain.Store, aggregateType, aggregateID, eventType, topic, key string, payload interface{}) (*domain.OutboxEvent, error) {
	event, err := domain.NewOutboxEvent(aggregateType, aggregateID, eventType, topic, key, payload)
	if err != nil {
		return nil, err
	}
	if err := uow.Outbox().CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Dispatch publishes committed events right away. Failures are left for the
// drain worker.
func (s *OutboxService) Dispatch(ctx context.Context, events ...*domain.OutboxEvent) {
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.collector.RecordOutboxPublish(false)
			s.logger.Warn("Immediate event publish failed, leaving for drain",
				"event_id", event.ID,
				"event_type", event.EventType,
				"error", err,
			)
			continue
		}
		s.collector.RecordOutboxPublish(true)
		if err := s.store.Outbox().MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			s.logger.Warn("Failed to mark event published", "event_id", event.ID, "error", err)
		}
	}
}

// DrainOnce claims one batch of PENDING events, publishes them and records
// the outcome. It returns how many were published.
func (s *OutboxService) DrainOnce(ctx context.Context) (int, error) {
	published := 0
	err := s.store.WithTransaction(ctx, func(uow domain.Store) error {
		events, err := uow.Outbox().ClaimPending(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := s.publisher.Publish(ctx, event); err != nil {
				s.collector.RecordOutboxPublish(false)
				s.logger.Error("Outbox publish failed",
					"event_id", event.ID,
					"event_type", event.EventType,
					"retry_count", event.RetryCount+1,
					"error", err,
				)
				if err := uow.Outbox().RecordFailure(ctx, event.ID, err.Error(), s.cfg.MaxRetries); err != nil {
					return err
				}
				continue
			}
			s.collector.RecordOutboxPublish(true)
			if err := uow.Outbox().MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if pending, err := s.store.Outbox().CountPending(ctx); err == nil {
		s.collector.RecordOutboxPending(pending)
	}
	return published, nil
}

// Run drains on every poll interval until ctx is cancelled.
func (s *OutboxService) Run(ctx context.Context) error {
	s.logger.Info("Outbox worker started", "poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Outbox worker stopped")
			return nil
		case <-ticker.C:
			n, err := s.DrainOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("Outbox drain failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("Outbox drained", "published", n)
			}
		}
	}
}
