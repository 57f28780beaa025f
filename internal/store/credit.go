package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// CreateCreditNote inserts a credit note at version 1
func (q queries) CreateCreditNote(ctx context.Context, n *models.CreditNote) error {
	row := q.ext.QueryRowxContext(ctx, `
		INSERT INTO credit_notes (code, owner_id, trade_in_id, amount, remaining, status, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING id, version, created_at, updated_at`,
		n.Code, n.OwnerID, n.TradeInID, n.Amount, n.Remaining, n.Status, n.ExpiresAt)
	return translateError(row.Scan(&n.ID, &n.Version, &n.CreatedAt, &n.UpdatedAt), "credit_note", n.Code)
}

// GetCreditNote retrieves a credit note by ID
func (q queries) GetCreditNote(ctx context.Context, id int64) (*models.CreditNote, error) {
	var n models.CreditNote
	if err := sqlx.GetContext(ctx, q.ext, &n, "SELECT * FROM credit_notes WHERE id = $1", id); err != nil {
		return nil, translateError(err, "credit_note", id)
	}
	return &n, nil
}

// GetCreditNoteByCode retrieves a credit note by code
func (q queries) GetCreditNoteByCode(ctx context.Context, code string) (*models.CreditNote, error) {
	var n models.CreditNote
	if err := sqlx.GetContext(ctx, q.ext, &n, "SELECT * FROM credit_notes WHERE code = $1", code); err != nil {
		return nil, translateError(err, "credit_note", code)
	}
	return &n, nil
}

// LockCreditNote selects a credit note FOR UPDATE
func (q queries) LockCreditNote(ctx context.Context, code string) (*models.CreditNote, error) {
	var n models.CreditNote
	if err := sqlx.GetContext(ctx, q.ext, &n, "SELECT * FROM credit_notes WHERE code = $1 FOR UPDATE", code); err != nil {
		return nil, translateError(err, "credit_note", code)
	}
	return &n, nil
}

// UpdateCreditNote writes balance and status if the version still matches
func (q queries) UpdateCreditNote(ctx context.Context, n *models.CreditNote) error {
	row := q.ext.QueryRowxContext(ctx, `
		UPDATE credit_notes SET
			remaining = $1, status = $2, consumed_in_order_id = $3, redeemed_at = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $5 AND version = $6
		RETURNING version, updated_at`,
		n.Remaining, n.Status, n.ConsumedInOrderID, n.RedeemedAt, n.ID, n.Version)
	if err := row.Scan(&n.Version, &n.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Conflict("credit_note", n.Code)
		}
		return translateError(err, "credit_note", n.Code)
	}
	return nil
}

// ListExpiredCreditNotes returns ACTIVE notes past their expiry
func (q queries) ListExpiredCreditNotes(ctx context.Context, now time.Time, limit int) ([]models.CreditNote, error) {
	var out []models.CreditNote
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT * FROM credit_notes
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`, models.CreditNoteActive, now, limit)
	return out, err
}

// CreateCheckoutSession inserts a checkout session at version 1
func (q queries) CreateCheckoutSession(ctx context.Context, s *models.CheckoutSession) error {
	row := q.ext.QueryRowxContext(ctx, `
		INSERT INTO checkout_sessions (id, owner_id, status, locked_amount, version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		RETURNING version`,
		s.ID, s.OwnerID, s.Status, s.LockedAmount, s.CreatedAt, s.ExpiresAt)
	return translateError(row.Scan(&s.Version), "checkout_session", s.ID)
}

// GetCheckoutSession retrieves a checkout session by ID
func (q queries) GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	var s models.CheckoutSession
	if err := sqlx.GetContext(ctx, q.ext, &s, "SELECT * FROM checkout_sessions WHERE id = $1", id); err != nil {
		return nil, translateError(err, "checkout_session", id)
	}
	return &s, nil
}

// UpdateCheckoutSession writes session state if the version still matches
func (q queries) UpdateCheckoutSession(ctx context.Context, s *models.CheckoutSession) error {
	row := q.ext.QueryRowxContext(ctx, `
		UPDATE checkout_sessions SET
			status = $1, applied_credit_code = $2, locked_amount = $3, order_id = $4,
			completed_at = $5, version = version + 1
		WHERE id = $6 AND version = $7
		RETURNING version`,
		s.Status, s.AppliedCreditCode, s.LockedAmount, s.OrderID, s.CompletedAt, s.ID, s.Version)
	if err := row.Scan(&s.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Conflict("checkout_session", s.ID)
		}
		return translateError(err, "checkout_session", s.ID)
	}
	return nil
}

// ListExpiredSessions returns ACTIVE sessions past their expiry
func (q queries) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error) {
	var out []models.CheckoutSession
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT * FROM checkout_sessions
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`, models.SessionActive, now, limit)
	return out, err
}

// CreateCreditNoteLock inserts a credit note lock
func (q queries) CreateCreditNoteLock(ctx context.Context, l *models.CreditNoteLock) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO credit_note_locks (id, session_id, credit_note_code, amount, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.SessionID, l.CreditNoteCode, l.Amount, l.Status, l.CreatedAt, l.ExpiresAt)
	return translateError(err, "credit_note_lock", l.ID)
}

// GetCreditNoteLock retrieves a lock by ID
func (q queries) GetCreditNoteLock(ctx context.Context, id string) (*models.CreditNoteLock, error) {
	var l models.CreditNoteLock
	if err := sqlx.GetContext(ctx, q.ext, &l, "SELECT * FROM credit_note_locks WHERE id = $1", id); err != nil {
		return nil, translateError(err, "credit_note_lock", id)
	}
	return &l, nil
}

// UpdateCreditNoteLock transitions a lock out of fromStatus
func (q queries) UpdateCreditNoteLock(ctx context.Context, l *models.CreditNoteLock, fromStatus string) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE credit_note_locks SET
			status = $1, order_id = $2, released_at = $3, consumed_at = $4
		WHERE id = $5 AND status = $6`,
		l.Status, l.OrderID, l.ReleasedAt, l.ConsumedAt, l.ID, fromStatus)
	if err != nil {
		return translateError(err, "credit_note_lock", l.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Conflict("credit_note_lock", l.ID)
	}
	return nil
}

// ListCreditNoteLocksBySession returns every credit lock owned by a session
func (q queries) ListCreditNoteLocksBySession(ctx context.Context, sessionID string) ([]models.CreditNoteLock, error) {
	var out []models.CreditNoteLock
	err := sqlx.SelectContext(ctx, q.ext, &out,
		"SELECT * FROM credit_note_locks WHERE session_id = $1 ORDER BY created_at", sessionID)
	return out, err
}

// SumActiveCreditNoteLocks sums the unexpired LOCKED amounts held against a code
func (q queries) SumActiveCreditNoteLocks(ctx context.Context, code string, now time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, q.ext, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_note_locks
		WHERE credit_note_code = $1 AND status = $2 AND expires_at > $3`,
		code, models.LockLocked, now)
	return sum, err
}

// CountActiveOwnerCreditLocks counts unexpired LOCKED locks on code held by any of the owner's sessions
func (q queries) CountActiveOwnerCreditLocks(ctx context.Context, ownerID int64, code string, now time.Time) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q.ext, &count, `
		SELECT COUNT(*) FROM credit_note_locks l
		JOIN checkout_sessions s ON s.id = l.session_id
		WHERE s.owner_id = $1 AND l.credit_note_code = $2 AND l.status = $3 AND l.expires_at > $4`,
		ownerID, code, models.LockLocked, now)
	return count, err
}

// CreateStockLock inserts a stock lock
func (q queries) CreateStockLock(ctx context.Context, l *models.StockLock) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO stock_locks (id, session_id, product_id, quantity, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.SessionID, l.ProductID, l.Quantity, l.Status, l.CreatedAt, l.ExpiresAt)
	return translateError(err, "stock_lock", l.ID)
}

// ListStockLocksBySession returns every stock lock owned by a session
func (q queries) ListStockLocksBySession(ctx context.Context, sessionID string) ([]models.StockLock, error) {
	var out []models.StockLock
	err := sqlx.SelectContext(ctx, q.ext, &out,
		"SELECT * FROM stock_locks WHERE session_id = $1 ORDER BY created_at", sessionID)
	return out, err
}

// UpdateStockLock writes stock lock status
func (q queries) UpdateStockLock(ctx context.Context, l *models.StockLock) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE stock_locks SET status = $1, released_at = $2 WHERE id = $3",
		l.Status, l.ReleasedAt, l.ID)
	return translateError(err, "stock_lock", l.ID)
}
