// Package messaging delivers outbox events and OTP notifications to redis
// streams, or to the log when no broker is configured.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"transfer-saga/internal/domain"
)

const otpStream = "notifications.otp"

// StreamPublisher appends each message to a redis stream named after its topic.
type StreamPublisher struct {
	client       rueidis.Client
	streamPrefix string
	logger       *slog.Logger
}

var (
	_ domain.EventPublisher = (*StreamPublisher)(nil)
	_ domain.Notifier       = (*StreamPublisher)(nil)
)

func NewStreamPublisher(client rueidis.Client, streamPrefix string, logger *slog.Logger) *StreamPublisher {
	return &StreamPublisher{client: client, streamPrefix: streamPrefix, logger: logger}
}

func (p *StreamPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	cmd := p.client.B().Xadd().
		Key(p.streamPrefix + event.Topic).
		Id("*").
		FieldValue().
		FieldValue("event_id", event.ID.String()).
		FieldValue("aggregate_type", event.AggregateType).
		FieldValue("aggregate_id", event.AggregateID).
		FieldValue("event_type", event.EventType).
		FieldValue("routing_key", event.RoutingKey).
		FieldValue("payload", string(event.Payload)).
		Build()

	id, err := p.client.Do(ctx, cmd).ToString()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", event.Topic, err)
	}

	p.logger.Debug("Event published",
		"event_id", event.ID,
		"event_type", event.EventType,
		"topic", event.Topic,
		"stream_id", id,
	)
	return nil
}

func (p *StreamPublisher) SendOTP(ctx context.Context, n domain.OTPNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	cmd := p.client.B().Xadd().
		Key(p.streamPrefix + otpStream).
		Id("*").
		FieldValue().
		FieldValue("transaction_id", n.TransactionID).
		FieldValue("payload", string(payload)).
		Build()
	return p.client.Do(ctx, cmd).Error()
}

// LogPublisher writes messages to the logger instead of a broker.
type LogPublisher struct {
	logger *slog.Logger
}

var (
	_ domain.EventPublisher = (*LogPublisher)(nil)
	_ domain.Notifier       = (*LogPublisher)(nil)
)

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event *domain.OutboxEvent) error {
	p.logger.Info("Event published",
		"event_id", event.ID,
		"event_type", event.EventType,
		"topic", event.Topic,
		"routing_key", event.RoutingKey,
		"aggregate_id", event.AggregateID,
	)
	return nil
}

func (p *LogPublisher) SendOTP(_ context.Context, n domain.OTPNotification) error {
	p.logger.Info("OTP notification",
		"transaction_id", n.TransactionID,
		"user_id", n.UserID,
		"expires_at", n.ExpiresAt,
	)
	return nil
}
