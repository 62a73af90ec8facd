package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, topic, routing_key, payload, status, retry_count, last_error, created_at, published_at`

type outboxRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewOutboxRepository(db SQLExecutor, logger *slog.Logger) domain.OutboxRepository {
	return &outboxRepository{db: db, logger: logger}
}

func (r *outboxRepository) CreateEvent(ctx context.Context, event *domain.OutboxEvent) error {
	query := `INSERT INTO outbox_events (` + outboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if event.Status == "" {
		event.Status = domain.OutboxPending
	}
	event.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Topic,
		event.RoutingKey,
		string(event.Payload),
		string(event.Status),
		event.RetryCount,
		nullString(event.LastError),
		event.CreatedAt,
		event.PublishedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create outbox event", "event_type", event.EventType, "aggregate_id", event.AggregateID, "error", err)
		return errors.Internal("failed to create outbox event", err)
	}

	r.logger.Info("Outbox event recorded", "event_id", event.ID, "event_type", event.EventType, "aggregate_id", event.AggregateID)
	return nil
}

// ClaimPending must run inside a unit of work; the locks keep concurrent
// drainers from publishing the same rows.
func (r *outboxRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		r.logger.Error("Failed to claim outbox events", "error", err)
		return nil, errors.Internal("failed to claim outbox events", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var status string
		var payload []byte
		var lastError sql.NullString
		var publishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic, &e.RoutingKey,
			&payload, &status, &e.RetryCount, &lastError, &e.CreatedAt, &publishedAt); err != nil {
			return nil, errors.Internal("failed to scan outbox event", err)
		}
		e.Payload = payload
		e.Status = domain.OutboxStatus(status)
		e.LastError = lastError.String
		if publishedAt.Valid {
			t := publishedAt.Time
			e.PublishedAt = &t
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to claim outbox events", err)
	}
	return events, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE outbox_events SET status = 'PUBLISHED', published_at = $1, last_error = NULL WHERE id = $2 AND status = 'PENDING'`

	if _, err := r.db.ExecContext(ctx, query, at, id); err != nil {
		r.logger.Error("Failed to mark outbox event published", "event_id", id, "error", err)
		return errors.Internal("failed to mark outbox event published", err)
	}
	return nil
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id uuid.UUID, lastError string, maxRetries int) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
			last_error = $1,
			status = CASE WHEN retry_count + 1 >= $2 THEN 'FAILED' ELSE 'PENDING' END
		WHERE id = $3 AND status = 'PENDING'
	`

	if _, err := r.db.ExecContext(ctx, query, lastError, maxRetries, id); err != nil {
		r.logger.Error("Failed to record outbox failure", "event_id", id, "error", err)
		return errors.Internal("failed to record outbox failure", err)
	}
	return nil
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = 'PENDING'`).Scan(&n); err != nil {
		return 0, errors.Internal("failed to count outbox events", err)
	}
	return n, nil
}
