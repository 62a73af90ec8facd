package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

const (
	AggregateTransaction    = "Transaction"
	AggregateGatewayWebhook = "GatewayWebhook"

	TopicTransactionEvents = "transaction.events"
	TopicGatewayWebhook    = "gateway.webhook"
)

const (
	EventTransferCompleted         = "TransferCompleted"
	EventTransferFailed            = "TransferFailed"
	EventExternalTransferInitiated = "ExternalTransferInitiated"
	EventTransferRolledBack        = "TransferRolledBack"
	EventTransferRollbackFailed    = "TransferRollbackFailed"
	EventDepositCompleted          = "DepositCompleted"
	EventGatewayWebhookReceived    = "GatewayWebhookReceived"
	EventWebhookTransferCompleted  = "TRANSFER_COMPLETED"
	EventWebhookTransferFailure    = "TRANSFER_FAILURE"
	EventWebhookTopupCompleted     = "TOPUP_COMPLETED"
)

type OutboxEvent struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Topic         string          `json:"topic"`
	RoutingKey    string          `json:"routing_key"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// NewOutboxEvent builds a PENDING event with payload marshalled to JSON.
func NewOutboxEvent(aggregateType, aggregateID, eventType, topic, routingKey string, payload interface{}) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		RoutingKey:    routingKey,
		Payload:       raw,
		Status:        OutboxPending,
	}, nil
}

type OutboxRepository interface {
	CreateEvent(ctx context.Context, event *OutboxEvent) error
	// ClaimPending locks up to limit PENDING rows, skipping rows locked elsewhere.
	ClaimPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordFailure bumps the retry count and flips the row to FAILED at maxRetries.
	RecordFailure(ctx context.Context, id uuid.UUID, lastError string, maxRetries int) error
	CountPending(ctx context.Context) (int64, error)
}

// EventPublisher delivers outbox events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, event *OutboxEvent) error
}
