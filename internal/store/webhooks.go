package store

import (
	"context"
	"time"

	"tradein-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateWebhookEvent inserts the first record for an event ID. A second
// insert for the same event ID fails with CodeDuplicate.
func (q queries) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	row := q.ext.QueryRowxContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, source, status, payload, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.EventID, e.EventType, e.Source, e.Status, jsonOrNull(e.Payload), e.RetryCount, e.CreatedAt, e.UpdatedAt)
	return translateError(row.Scan(&e.ID), "webhook_event", e.EventID)
}

// GetWebhookEvent retrieves an event by its external event ID
func (q queries) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	if err := sqlx.GetContext(ctx, q.ext, &e, "SELECT * FROM webhook_events WHERE event_id = $1", eventID); err != nil {
		return nil, translateError(err, "webhook_event", eventID)
	}
	return &e, nil
}

// UpdateWebhookEvent writes processing state in place
func (q queries) UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE webhook_events SET
			status = $1, retry_count = $2, next_retry_at = $3, last_error = $4,
			trade_in_id = $5, credit_note_id = $6, order_id = $7, processed_at = $8, updated_at = $9
		WHERE event_id = $10`,
		e.Status, e.RetryCount, e.NextRetryAt, e.LastError,
		e.TradeInID, e.CreditNoteID, e.OrderID, e.ProcessedAt, e.UpdatedAt, e.EventID)
	return translateError(err, "webhook_event", e.EventID)
}

// ListRetryableWebhookEvents returns FAILED events whose retry time has come
// and PENDING events last touched before staleBefore, which were abandoned
// mid-run.
func (q queries) ListRetryableWebhookEvents(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT * FROM webhook_events
		WHERE (status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2)
		   OR (status = $3 AND updated_at <= $4)
		ORDER BY COALESCE(next_retry_at, updated_at)
		LIMIT $5`, models.WebhookFailed, now, models.WebhookPending, staleBefore, limit)
	return out, err
}
