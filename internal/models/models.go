package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// TradeIn is a customer's device submission and everything derived from it.
type TradeIn struct {
	ID                  int64               `db:"id" json:"-"`
	PublicID            string              `db:"public_id" json:"id"`
	OwnerID             int64               `db:"owner_id" json:"owner_id"`
	DeviceBrand         string              `db:"device_brand" json:"device_brand"`
	DeviceModel         string              `db:"device_model" json:"device_model"`
	IMEI                string              `db:"imei" json:"imei,omitempty"`
	StorageGB           int                 `db:"storage_gb" json:"storage_gb,omitempty"`
	Photos              pq.StringArray      `db:"photos" json:"photos"`
	ProposedValue       decimal.NullDecimal `db:"proposed_value" json:"proposed_value,omitempty"`
	AIVendor            string              `db:"ai_vendor" json:"ai_vendor,omitempty"`
	AIVersion           string              `db:"ai_version" json:"ai_version,omitempty"`
	AIConfidence        float64             `db:"ai_confidence" json:"ai_confidence"`
	AIAssessment        types.JSONText      `db:"ai_assessment" json:"ai_assessment,omitempty"`
	AutoGrade           string              `db:"auto_grade" json:"auto_grade,omitempty"`
	AutoOffer           decimal.NullDecimal `db:"auto_offer" json:"auto_offer,omitempty"`
	OfferBreakdown      types.JSONText      `db:"offer_breakdown" json:"offer_breakdown,omitempty"`
	FinalGrade          string              `db:"final_grade" json:"final_grade,omitempty"`
	ApprovedOffer       decimal.NullDecimal `db:"approved_offer" json:"approved_offer,omitempty"`
	AdminNotes          string              `db:"admin_notes" json:"admin_notes,omitempty"`
	CreditNoteID        *int64              `db:"credit_note_id" json:"credit_note_id,omitempty"`
	RetryCount          int                 `db:"retry_count" json:"retry_count"`
	Status              string              `db:"status" json:"status"`
	Version             int64               `db:"version" json:"version"`
	SubmittedAt         time.Time           `db:"submitted_at" json:"submitted_at"`
	ProcessingStartedAt *time.Time          `db:"processing_started_at" json:"-"`
	AssessedAt          *time.Time          `db:"assessed_at" json:"assessed_at,omitempty"`
	UserAcceptedAt      *time.Time          `db:"user_accepted_at" json:"user_accepted_at,omitempty"`
	AdminApprovedAt     *time.Time          `db:"admin_approved_at" json:"admin_approved_at,omitempty"`
	CreditIssuedAt      *time.Time          `db:"credit_issued_at" json:"credit_issued_at,omitempty"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// Offer returns the amount the customer is offered: an admin-approved
// offer takes precedence over the automated one.
func (t *TradeIn) Offer() (decimal.Decimal, bool) {
	if t.ApprovedOffer.Valid {
		return t.ApprovedOffer.Decimal, true
	}
	if t.AutoOffer.Valid {
		return t.AutoOffer.Decimal, true
	}
	return decimal.Zero, false
}

// Grade returns the admin grade when set, otherwise the automated grade.
func (t *TradeIn) Grade() string {
	if t.FinalGrade != "" {
		return t.FinalGrade
	}
	return t.AutoGrade
}

// DeviceCatalogEntry is a canonical device model that can be priced.
type DeviceCatalogEntry struct {
	ID          int64     `db:"id" json:"id"`
	Brand       string    `db:"brand" json:"brand"`
	Model       string    `db:"model" json:"model"`
	DeviceType  string    `db:"device_type" json:"device_type"`
	ReleaseYear int       `db:"release_year" json:"release_year"`
	StorageGB   int       `db:"storage_gb" json:"storage_gb,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// BasePrice is a price snapshot for a catalog entry; the latest AsOf wins.
type BasePrice struct {
	ID             int64           `db:"id" json:"id"`
	CatalogEntryID int64           `db:"catalog_entry_id" json:"catalog_entry_id"`
	Price          decimal.Decimal `db:"price" json:"price"`
	AsOf           time.Time       `db:"as_of" json:"as_of"`
}

// PriceAdjustmentRule is a catalog-level pricing rule. Empty filters match
// everything.
type PriceAdjustmentRule struct {
	ID             int64               `db:"id" json:"id"`
	Name           string              `db:"name" json:"name"`
	Multiplier     decimal.NullDecimal `db:"multiplier" json:"multiplier,omitempty"`
	FlatAmount     decimal.Decimal     `db:"flat_amount" json:"flat_amount"`
	Brand          string              `db:"brand" json:"brand,omitempty"`
	DeviceType     string              `db:"device_type" json:"device_type,omitempty"`
	MinReleaseYear int                 `db:"min_release_year" json:"min_release_year,omitempty"`
	Active         bool                `db:"active" json:"active"`
}

// CreditNote is a store-credit instrument issued from an accepted trade-in.
type CreditNote struct {
	ID                int64           `db:"id" json:"id"`
	Code              string          `db:"code" json:"code"`
	OwnerID           int64           `db:"owner_id" json:"owner_id"`
	TradeInID         *int64          `db:"trade_in_id" json:"trade_in_id,omitempty"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Remaining         decimal.Decimal `db:"remaining" json:"remaining"`
	Status            string          `db:"status" json:"status"`
	ExpiresAt         time.Time       `db:"expires_at" json:"expires_at"`
	ConsumedInOrderID *string         `db:"consumed_in_order_id" json:"consumed_in_order_id,omitempty"`
	RedeemedAt        *time.Time      `db:"redeemed_at" json:"redeemed_at,omitempty"`
	Version           int64           `db:"version" json:"version"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// CheckoutSession groups the temporary reservations of one checkout attempt.
type CheckoutSession struct {
	ID                string          `db:"id" json:"id"`
	OwnerID           int64           `db:"owner_id" json:"owner_id"`
	Status            string          `db:"status" json:"status"`
	AppliedCreditCode *string         `db:"applied_credit_code" json:"applied_credit_code,omitempty"`
	LockedAmount      decimal.Decimal `db:"locked_amount" json:"locked_amount"`
	OrderID           *string         `db:"order_id" json:"order_id,omitempty"`
	Version           int64           `db:"version" json:"version"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt         time.Time       `db:"expires_at" json:"expires_at"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// StockLock reserves a quantity of an externally managed product.
type StockLock struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"session_id"`
	ProductID  int64      `db:"product_id" json:"product_id"`
	Quantity   int        `db:"quantity" json:"quantity"`
	Status     string     `db:"status" json:"status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	ReleasedAt *time.Time `db:"released_at" json:"released_at,omitempty"`
}

// CreditNoteLock reserves part of a credit note's remaining balance.
type CreditNoteLock struct {
	ID             string          `db:"id" json:"id"`
	SessionID      string          `db:"session_id" json:"session_id"`
	CreditNoteCode string          `db:"credit_note_code" json:"credit_note_code"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Status         string          `db:"status" json:"status"`
	OrderID        *string         `db:"order_id" json:"order_id,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expires_at"`
	ReleasedAt     *time.Time      `db:"released_at" json:"released_at,omitempty"`
	ConsumedAt     *time.Time      `db:"consumed_at" json:"consumed_at,omitempty"`
}

// WebhookEvent records one externally delivered event, keyed by EventID.
type WebhookEvent struct {
	ID           int64          `db:"id" json:"id"`
	EventID      string         `db:"event_id" json:"event_id"`
	EventType    string         `db:"event_type" json:"event_type"`
	Source       string         `db:"source" json:"source"`
	Status       string         `db:"status" json:"status"`
	Payload      types.JSONText `db:"payload" json:"payload"`
	RetryCount   int            `db:"retry_count" json:"retry_count"`
	NextRetryAt  *time.Time     `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError    string         `db:"last_error" json:"last_error,omitempty"`
	TradeInID    *int64         `db:"trade_in_id" json:"trade_in_id,omitempty"`
	CreditNoteID *int64         `db:"credit_note_id" json:"credit_note_id,omitempty"`
	OrderID      *string        `db:"order_id" json:"order_id,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	ProcessedAt  *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}

// Credit note statuses
const (
	CreditNoteActive    = "ACTIVE"
	CreditNoteConsumed  = "CONSUMED"
	CreditNoteExpired   = "EXPIRED"
	CreditNoteCancelled = "CANCELLED"
)

// Checkout session statuses
const (
	SessionActive    = "ACTIVE"
	SessionCompleted = "COMPLETED"
	SessionExpired   = "EXPIRED"
	SessionCancelled = "CANCELLED"
)

// Lock statuses, shared by stock and credit-note locks
const (
	LockLocked   = "LOCKED"
	LockReleased = "RELEASED"
	LockConsumed = "CONSUMED"
)

// Webhook processing statuses
const (
	WebhookPending   = "PENDING"
	WebhookProcessed = "PROCESSED"
	WebhookFailed    = "FAILED"
)

// Webhook event types
const (
	WebhookEvaluationCompleted = "evaluation-completed"
	WebhookOfferAccepted       = "offer-accepted"
	WebhookCreditNoteIssued    = "credit-note-issued"
)
