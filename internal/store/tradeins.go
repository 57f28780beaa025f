package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateTradeIn inserts a new trade-in at version 1
func (q queries) CreateTradeIn(ctx context.Context, t *models.TradeIn) error {
	query := `
		INSERT INTO trade_ins (public_id, owner_id, device_brand, device_model, imei, storage_gb,
			photos, proposed_value, status, version, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
		RETURNING id, version, created_at, updated_at`

	row := q.ext.QueryRowxContext(ctx, query,
		t.PublicID, t.OwnerID, t.DeviceBrand, t.DeviceModel, t.IMEI, t.StorageGB,
		t.Photos, t.ProposedValue, t.Status, t.SubmittedAt)
	if err := row.Scan(&t.ID, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return translateError(err, "trade_in", t.PublicID)
	}
	return nil
}

// GetTradeIn retrieves a trade-in by internal ID
func (q queries) GetTradeIn(ctx context.Context, id int64) (*models.TradeIn, error) {
	var t models.TradeIn
	if err := sqlx.GetContext(ctx, q.ext, &t, "SELECT * FROM trade_ins WHERE id = $1", id); err != nil {
		return nil, translateError(err, "trade_in", id)
	}
	return &t, nil
}

// GetTradeInByPublicID retrieves a trade-in by its customer-facing ID
func (q queries) GetTradeInByPublicID(ctx context.Context, publicID string) (*models.TradeIn, error) {
	var t models.TradeIn
	if err := sqlx.GetContext(ctx, q.ext, &t, "SELECT * FROM trade_ins WHERE public_id = $1", publicID); err != nil {
		return nil, translateError(err, "trade_in", publicID)
	}
	return &t, nil
}

// UpdateTradeIn writes all mutable columns if the version still matches,
// then bumps t.Version.
func (q queries) UpdateTradeIn(ctx context.Context, t *models.TradeIn) error {
	query := `
		UPDATE trade_ins SET
			ai_vendor = $1, ai_version = $2, ai_confidence = $3, ai_assessment = $4,
			auto_grade = $5, auto_offer = $6, offer_breakdown = $7,
			final_grade = $8, approved_offer = $9, admin_notes = $10, credit_note_id = $11,
			retry_count = $12, status = $13,
			processing_started_at = $14, assessed_at = $15, user_accepted_at = $16,
			admin_approved_at = $17, credit_issued_at = $18,
			version = version + 1, updated_at = NOW()
		WHERE id = $19 AND version = $20
		RETURNING version, updated_at`

	row := q.ext.QueryRowxContext(ctx, query,
		t.AIVendor, t.AIVersion, t.AIConfidence, jsonOrNull(t.AIAssessment),
		t.AutoGrade, t.AutoOffer, jsonOrNull(t.OfferBreakdown),
		t.FinalGrade, t.ApprovedOffer, t.AdminNotes, t.CreditNoteID,
		t.RetryCount, t.Status,
		t.ProcessingStartedAt, t.AssessedAt, t.UserAcceptedAt,
		t.AdminApprovedAt, t.CreditIssuedAt,
		t.ID, t.Version)
	if err := row.Scan(&t.Version, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Conflict("trade_in", t.PublicID)
		}
		return translateError(err, "trade_in", t.PublicID)
	}
	return nil
}

// ListTradeInsByStatus returns trade-ins in status last touched before updatedBefore
func (q queries) ListTradeInsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.TradeIn, error) {
	var out []models.TradeIn
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT * FROM trade_ins
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, status, updatedBefore, limit)
	return out, err
}
