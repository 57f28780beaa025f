package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeTradeInSubmitted  = "TRADEIN_SUBMITTED"
	EventTypeTradeInAssessed   = "TRADEIN_ASSESSED"
	EventTypeTradeInRejected   = "TRADEIN_AI_REJECTED"
	EventTypeTradeInFailed     = "TRADEIN_AI_ERROR"
	EventTypeTradeInRetry      = "TRADEIN_RETRY_SCHEDULED"
	EventTypeTradeInEvaluated  = "TRADEIN_EVALUATED"
	EventTypeTradeInAccepted   = "TRADEIN_ACCEPTED"
	EventTypeTradeInDeclined   = "TRADEIN_REJECTED"
	EventTypeTradeInCancelled  = "TRADEIN_CANCELLED"
	EventTypeCreditNoteIssued  = "CREDIT_NOTE_ISSUED"
	EventTypeCreditNoteSpent   = "CREDIT_NOTE_CONSUMED"
	EventTypeCreditLockDenied  = "CREDIT_LOCK_REJECTED"
	EventTypeCreditNoteExpired = "CREDIT_NOTE_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeInEvent is published on trade-in lifecycle changes
type TradeInEvent struct {
	BaseEvent
	TradeInID  string           `json:"trade_in_id"`
	OwnerID    int64            `json:"owner_id"`
	Status     string           `json:"status"`
	Grade      string           `json:"grade,omitempty"`
	Offer      *decimal.Decimal `json:"offer,omitempty"`
	RetryCount int              `json:"retry_count,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// CreditNoteEvent is published on credit note issuance, consumption and lock contention
type CreditNoteEvent struct {
	BaseEvent
	Code      string          `json:"code"`
	OwnerID   int64           `json:"owner_id"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	SessionID string          `json:"session_id,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// WebhookEnvelope is an inbound event from a collaborating system, received
// over HTTP or the webhook topic.
type WebhookEnvelope struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type" validate:"required,oneof=evaluation-completed offer-accepted credit-note-issued"`
	Source    string          `json:"source" validate:"required"`
	CaseID    string          `json:"case_id" validate:"required"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WebhookPayload carries the fields used by the built-in webhook handlers.
type WebhookPayload struct {
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Grade          string           `json:"grade,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	OwnerID        int64            `json:"owner_id,omitempty"`
	CreditNoteID   int64            `json:"credit_note_id,omitempty"`
	CreditNoteCode string           `json:"credit_note_code,omitempty"`
	OrderID        string           `json:"order_id,omitempty"`
}

// NewBaseEvent stamps a fresh event ID and the current time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
