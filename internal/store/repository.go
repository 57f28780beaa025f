package store

import (
	"context"
	"time"

	"tradein-service/internal/models"

	"github.com/shopspring/decimal"
)

// Tx is the set of persistence operations available both inside and outside
// a transaction. Versioned updates (trade-ins, credit notes, sessions) fail
// with an apperrors CONCURRENCY_CONFLICT when the stored version moved on.
type Tx interface {
	CreateTradeIn(ctx context.Context, t *models.TradeIn) error
	GetTradeIn(ctx context.Context, id int64) (*models.TradeIn, error)
	GetTradeInByPublicID(ctx context.Context, publicID string) (*models.TradeIn, error)
	UpdateTradeIn(ctx context.Context, t *models.TradeIn) error
	ListTradeInsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.TradeIn, error)

	CreateCatalogEntry(ctx context.Context, e *models.DeviceCatalogEntry) error
	ListCatalogEntries(ctx context.Context) ([]models.DeviceCatalogEntry, error)
	CreateBasePrice(ctx context.Context, p *models.BasePrice) error
	GetLatestBasePrice(ctx context.Context, catalogEntryID int64) (*models.BasePrice, error)
	CreateAdjustmentRule(ctx context.Context, r *models.PriceAdjustmentRule) error
	ListActiveAdjustmentRules(ctx context.Context) ([]models.PriceAdjustmentRule, error)

	CreateCreditNote(ctx context.Context, n *models.CreditNote) error
	GetCreditNote(ctx context.Context, id int64) (*models.CreditNote, error)
	GetCreditNoteByCode(ctx context.Context, code string) (*models.CreditNote, error)
	// LockCreditNote loads a credit note and holds a row lock on it until the
	// surrounding transaction ends.
	LockCreditNote(ctx context.Context, code string) (*models.CreditNote, error)
	UpdateCreditNote(ctx context.Context, n *models.CreditNote) error
	ListExpiredCreditNotes(ctx context.Context, now time.Time, limit int) ([]models.CreditNote, error)

	CreateCheckoutSession(ctx context.Context, s *models.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	UpdateCheckoutSession(ctx context.Context, s *models.CheckoutSession) error
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error)

	CreateCreditNoteLock(ctx context.Context, l *models.CreditNoteLock) error
	GetCreditNoteLock(ctx context.Context, id string) (*models.CreditNoteLock, error)
	// UpdateCreditNoteLock persists l only if the stored status still equals fromStatus.
	UpdateCreditNoteLock(ctx context.Context, l *models.CreditNoteLock, fromStatus string) error
	ListCreditNoteLocksBySession(ctx context.Context, sessionID string) ([]models.CreditNoteLock, error)
	SumActiveCreditNoteLocks(ctx context.Context, code string, now time.Time) (decimal.Decimal, error)
	CountActiveOwnerCreditLocks(ctx context.Context, ownerID int64, code string, now time.Time) (int, error)

	CreateStockLock(ctx context.Context, l *models.StockLock) error
	ListStockLocksBySession(ctx context.Context, sessionID string) ([]models.StockLock, error)
	UpdateStockLock(ctx context.Context, l *models.StockLock) error

	CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	ListRetryableWebhookEvents(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.WebhookEvent, error)
}

// Repository is the persistence collaborator used by services and workers.
type Repository interface {
	Tx
	// WithTx runs fn in a transaction; any error from fn rolls it back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
