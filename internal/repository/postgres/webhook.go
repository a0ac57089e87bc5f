package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/saasops/adminservice/internal/domain"
)

type webhookLedger struct {
	store *Store
}

// Insert records the event id before side effects are applied. The unique
// constraint on event_id is the idempotency boundary.
func (l *webhookLedger) Insert(ctx context.Context, eventID, eventType string, payload []byte) error {
	_, err := l.store.db(ctx).Exec(ctx, `
		insert into webhook_events (event_id, event_type, payload, status, received_at)
		values ($1, $2, $3, $4, $5)
	`, eventID, eventType, payload, domain.WebhookEventProcessing, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyProcessed
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (l *webhookLedger) MarkApplied(ctx context.Context, eventID string) error {
	return l.mark(ctx, eventID, domain.WebhookEventApplied, "")
}

func (l *webhookLedger) MarkAppliedError(ctx context.Context, eventID, lastError string) error {
	return l.mark(ctx, eventID, domain.WebhookEventAppliedError, lastError)
}

// mark transitions an event out of processing. Applied events never move
// again.
func (l *webhookLedger) mark(ctx context.Context, eventID string, status domain.WebhookEventStatus, lastError string) error {
	tag, err := l.store.db(ctx).Exec(ctx, `
		update webhook_events set
			status = $1, last_error = $2, processed_at = $3
		where event_id = $4 and status = $5
	`, status, lastError, time.Now().UTC(), eventID, domain.WebhookEventProcessing)
	if err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewConflictError("webhook event is not processing", eventID)
	}
	return nil
}

func (l *webhookLedger) Get(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := l.store.db(ctx).QueryRow(ctx, `
		select event_id, event_type, payload, status, coalesce(last_error, ''),
			received_at, processed_at
		from webhook_events
		where event_id = $1
	`, eventID).Scan(&e.EventID, &e.EventType, &e.Payload, &e.Status,
		&e.LastError, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("webhook event", eventID)
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return &e, nil
}

func (l *webhookLedger) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.store.db(ctx).Query(ctx, `
		select event_id, event_type, payload, status, coalesce(last_error, ''),
			received_at, processed_at
		from webhook_events
		where status = $1 and received_at < $2
		order by received_at
		limit $3
	`, domain.WebhookEventProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck webhook events: %w", err)
	}
	defer rows.Close()

	var result []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Payload, &e.Status,
			&e.LastError, &e.ReceivedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
