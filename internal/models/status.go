package models

import (
	"tradein-service/internal/apperrors"
)

// Trade-in statuses
const (
	TradeInSubmitted    = "SUBMITTED"
	TradeInAIProcessing = "AI_PROCESSING"
	TradeInAIAssessed   = "AI_ASSESSED"
	TradeInAIRejected   = "AI_REJECTED"
	TradeInAIError      = "AI_ERROR"
	TradeInEvaluated    = "EVALUATED"
	TradeInOfferSent    = "OFFER_SENT"
	TradeInAccepted     = "ACCEPTED"
	TradeInRejected     = "REJECTED"
	TradeInCompleted    = "COMPLETED"
	TradeInCancelled    = "CANCELLED"
	TradeInExpired      = "EXPIRED"
)

var tradeInTransitions = map[string][]string{
	TradeInSubmitted:    {TradeInAIProcessing, TradeInEvaluated, TradeInCancelled},
	TradeInAIProcessing: {TradeInAIAssessed, TradeInAIRejected, TradeInAIError, TradeInSubmitted, TradeInCancelled},
	TradeInAIAssessed:   {TradeInAccepted, TradeInRejected, TradeInEvaluated, TradeInCancelled, TradeInExpired},
	TradeInAIRejected:   {TradeInEvaluated, TradeInCancelled},
	TradeInAIError:      {TradeInEvaluated, TradeInSubmitted, TradeInCancelled},
	TradeInEvaluated:    {TradeInOfferSent, TradeInCancelled},
	TradeInOfferSent:    {TradeInAccepted, TradeInRejected, TradeInExpired, TradeInCancelled},
	TradeInAccepted:     {TradeInCompleted},
}

// CanTransition reports whether a trade-in may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range tradeInTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsFinal reports whether no further transition is possible.
func IsFinal(status string) bool {
	return len(tradeInTransitions[status]) == 0
}

// AwaitingAssessment reports whether the worker should (still) assess the record.
func (t *TradeIn) AwaitingAssessment() bool {
	return t.Status == TradeInSubmitted || t.Status == TradeInAIProcessing
}

// AwaitingCustomer reports whether the customer can accept or reject the offer.
func (t *TradeIn) AwaitingCustomer() bool {
	return t.Status == TradeInAIAssessed || t.Status == TradeInOfferSent
}

// TransitionTo moves the record to status or returns a state-conflict error.
func (t *TradeIn) TransitionTo(status string) error {
	if !CanTransition(t.Status, status) {
		return apperrors.Newf(apperrors.CodeStateConflict,
			"trade-in %s cannot move from %s to %s", t.PublicID, t.Status, status)
	}
	t.Status = status
	return nil
}
