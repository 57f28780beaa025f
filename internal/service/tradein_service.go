package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/broker"
	"tradein-service/internal/models"
	"tradein-service/internal/queue"
	"tradein-service/internal/store"
	"tradein-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Actor roles
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
	RoleSystem   = "system"
)

// Actor is the caller of a service operation.
type Actor struct {
	ID   int64
	Role string
}

// SystemActor acts on behalf of integrations such as webhooks.
var SystemActor = Actor{Role: RoleSystem}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// TradeInService owns the trade-in lifecycle outside of AI assessment.
type TradeInService struct {
	repo      store.Repository
	queue     queue.Queue
	credit    *CreditService
	publisher broker.Publisher
	validate  *validator.Validate
	newID     func() string
	now       func() time.Time
	logger    *zap.Logger
}

// NewTradeInService creates a new trade-in service
func NewTradeInService(repo store.Repository, q queue.Queue, credit *CreditService, publisher broker.Publisher) (*TradeInService, error) {
	newID, err := nanoid.Standard(15)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	return &TradeInService{
		repo:      repo,
		queue:     q,
		credit:    credit,
		publisher: publisher,
		validate:  validator.New(),
		newID:     newID,
		now:       time.Now,
		logger:    util.ComponentLogger("tradein-service"),
	}, nil
}

// SubmitRequest represents a request to submit a device for trade-in
type SubmitRequest struct {
	OwnerID       int64            `json:"-" validate:"required,gt=0"`
	DeviceBrand   string           `json:"device_brand" validate:"required,max=64"`
	DeviceModel   string           `json:"device_model" validate:"required,max=128"`
	IMEI          string           `json:"imei" validate:"omitempty,numeric,len=15"`
	StorageGB     int              `json:"storage_gb" validate:"gte=0"`
	Photos        []string         `json:"photos" validate:"required,min=1,max=10,dive,required"`
	ProposedValue *decimal.Decimal `json:"proposed_value,omitempty"`
}

// Submit creates a SUBMITTED trade-in and queues it for assessment.
func (s *TradeInService) Submit(ctx context.Context, req *SubmitRequest) (*models.TradeIn, error) {
	ctx, span := util.StartSpan(ctx, "TradeInService.Submit")
	defer span.End()

	req.DeviceBrand = strings.TrimSpace(req.DeviceBrand)
	req.DeviceModel = strings.TrimSpace(req.DeviceModel)
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid trade-in submission")
	}
	if req.ProposedValue != nil && req.ProposedValue.IsNegative() {
		return nil, apperrors.New(apperrors.CodeValidation, "proposed value must not be negative")
	}

	now := s.now()
	t := &models.TradeIn{
		PublicID:    s.newID(),
		OwnerID:     req.OwnerID,
		DeviceBrand: req.DeviceBrand,
		DeviceModel: req.DeviceModel,
		IMEI:        req.IMEI,
		StorageGB:   req.StorageGB,
		Photos:      req.Photos,
		Status:      models.TradeInSubmitted,
		SubmittedAt: now,
	}
	if req.ProposedValue != nil {
		t.ProposedValue = decimal.NewNullDecimal(*req.ProposedValue)
	}

	if err := s.repo.CreateTradeIn(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create trade-in: %w", err)
	}
	span.SetAttributes(attribute.String("tradein.id", t.PublicID))
	util.TradeInsSubmittedTotal.Inc()
	s.logger.Info("Trade-in submitted",
		zap.String("trade_in_id", t.PublicID),
		zap.Int64("owner_id", t.OwnerID),
		zap.Int("photos", len(t.Photos)))

	s.enqueue(ctx, t, queue.PriorityNormal)
	s.publish(ctx, t, models.EventTypeTradeInSubmitted, "")
	return t, nil
}

func (s *TradeInService) enqueue(ctx context.Context, t *models.TradeIn, priority int) {
	added, err := s.queue.Enqueue(ctx, t.ID, priority, 0)
	if err != nil {
		// Recovery re-enqueues SUBMITTED records the queue does not know about.
		s.logger.Error("Failed to enqueue trade-in", zap.String("trade_in_id", t.PublicID), zap.Error(err))
		return
	}
	s.logger.Debug("Trade-in enqueued",
		zap.String("trade_in_id", t.PublicID),
		zap.Int("priority", priority),
		zap.Bool("added", added))
}

// Get returns a trade-in visible to actor.
func (s *TradeInService) Get(ctx context.Context, actor Actor, publicID string) (*models.TradeIn, error) {
	t, err := s.repo.GetTradeInByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !actor.IsSystem() && t.OwnerID != actor.ID {
		return nil, apperrors.New(apperrors.CodeForbidden, "trade-in belongs to another customer")
	}
	return t, nil
}

func customerOnly(actor Actor, t *models.TradeIn) error {
	if actor.IsSystem() {
		return nil
	}
	if actor.Role != RoleCustomer || actor.ID != t.OwnerID {
		return apperrors.New(apperrors.CodeForbidden, "only the owning customer may respond to an offer")
	}
	return nil
}

func adminOnly(actor Actor) error {
	if actor.IsAdmin() || actor.IsSystem() {
		return nil
	}
	return apperrors.New(apperrors.CodeForbidden, "admin role required")
}

// AcceptResult is a completed trade-in with the credit note it produced.
type AcceptResult struct {
	TradeIn    *models.TradeIn    `json:"trade_in"`
	CreditNote *models.CreditNote `json:"credit_note"`
}

// Accept records the customer's acceptance of the current offer, issues a
// credit note for it and completes the trade-in, all in one transaction.
func (s *TradeInService) Accept(ctx context.Context, actor Actor, publicID string) (res *AcceptResult, err error) {
	ctx, span := util.StartSpan(ctx, "TradeInService.Accept", attribute.String("tradein.id", publicID))
	defer func() { util.EndSpan(span, err) }()

	now := s.now()
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTradeInByPublicID(ctx, publicID)
		if err != nil {
			return err
		}
		if err := customerOnly(actor, t); err != nil {
			return err
		}
		note, err := s.acceptAndIssue(ctx, tx, t, now)
		if err != nil {
			return err
		}
		res = &AcceptResult{TradeIn: t, CreditNote: note}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Trade-in accepted",
		zap.String("trade_in_id", publicID),
		zap.String("credit_code", res.CreditNote.Code),
		zap.String("amount", res.CreditNote.Amount.String()))
	util.TradeInTransitionsTotal.WithLabelValues(models.TradeInAccepted).Inc()
	util.TradeInTransitionsTotal.WithLabelValues(models.TradeInCompleted).Inc()
	s.publish(ctx, res.TradeIn, models.EventTypeTradeInAccepted, "")
	s.credit.PublishIssued(ctx, res.CreditNote)
	return res, nil
}

func (s *TradeInService) acceptAndIssue(ctx context.Context, tx store.Tx, t *models.TradeIn, now time.Time) (*models.CreditNote, error) {
	offer, ok := t.Offer()
	if !ok || !offer.IsPositive() {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "trade-in %s has no offer to accept", t.PublicID)
	}
	if err := t.TransitionTo(models.TradeInAccepted); err != nil {
		return nil, err
	}
	t.UserAcceptedAt = &now
	if !t.ApprovedOffer.Valid {
		t.ApprovedOffer = decimal.NewNullDecimal(offer)
	}

	note, err := s.credit.Issue(ctx, tx, t, offer)
	if err != nil {
		return nil, err
	}
	t.CreditNoteID = &note.ID
	t.CreditIssuedAt = &now
	if err := t.TransitionTo(models.TradeInCompleted); err != nil {
		return nil, err
	}
	if err := tx.UpdateTradeIn(ctx, t); err != nil {
		return nil, err
	}
	return note, nil
}

// Reject records the customer declining the offer.
func (s *TradeInService) Reject(ctx context.Context, actor Actor, publicID string) (*models.TradeIn, error) {
	return s.transition(ctx, publicID, models.TradeInRejected, models.EventTypeTradeInDeclined, func(t *models.TradeIn) error {
		return customerOnly(actor, t)
	})
}

// EvaluateRequest is a manual grade and offer.
type EvaluateRequest struct {
	Grade string          `json:"grade" validate:"required,oneof=A B C D F"`
	Offer decimal.Decimal `json:"offer"`
	Notes string          `json:"notes" validate:"max=2000"`
}

// ForceEvaluate sets grade and offer directly, bypassing the AI result.
func (s *TradeInService) ForceEvaluate(ctx context.Context, actor Actor, publicID string, req *EvaluateRequest) (*models.TradeIn, error) {
	ctx, span := util.StartSpan(ctx, "TradeInService.ForceEvaluate", attribute.String("tradein.id", publicID))
	defer span.End()

	return s.evaluate(ctx, actor, publicID, req, models.TradeInEvaluated)
}

// ApplyExternalEvaluation applies an evaluation delivered by a collaborating
// system. The collaborator has already quoted the customer, so the record
// goes straight to OFFER_SENT and can be accepted.
func (s *TradeInService) ApplyExternalEvaluation(ctx context.Context, publicID string, req *EvaluateRequest) (*models.TradeIn, error) {
	ctx, span := util.StartSpan(ctx, "TradeInService.ApplyExternalEvaluation", attribute.String("tradein.id", publicID))
	defer span.End()

	return s.evaluate(ctx, SystemActor, publicID, req, models.TradeInOfferSent)
}

// evaluate records grade and offer, passing through EVALUATED when target is
// OFFER_SENT.
func (s *TradeInService) evaluate(ctx context.Context, actor Actor, publicID string, req *EvaluateRequest, target string) (*models.TradeIn, error) {
	if err := adminOnly(actor); err != nil {
		return nil, err
	}
	req.Grade = strings.ToUpper(strings.TrimSpace(req.Grade))
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid evaluation")
	}
	if !req.Offer.IsPositive() {
		return nil, apperrors.New(apperrors.CodeValidation, "offer must be positive")
	}

	return s.transition(ctx, publicID, target, models.EventTypeTradeInEvaluated, func(t *models.TradeIn) error {
		now := s.now()
		t.FinalGrade = req.Grade
		t.ApprovedOffer = decimal.NewNullDecimal(req.Offer.Round(2))
		t.AdminNotes = req.Notes
		t.AdminApprovedAt = &now
		if target != models.TradeInEvaluated {
			return t.TransitionTo(models.TradeInEvaluated)
		}
		return nil
	})
}

// SendOffer moves an EVALUATED trade-in to OFFER_SENT.
func (s *TradeInService) SendOffer(ctx context.Context, actor Actor, publicID string) (*models.TradeIn, error) {
	if err := adminOnly(actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, publicID, models.TradeInOfferSent, "", nil)
}

// Cancel cancels any trade-in that has not reached a final state.
func (s *TradeInService) Cancel(ctx context.Context, actor Actor, publicID, reason string) (*models.TradeIn, error) {
	if err := adminOnly(actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, publicID, models.TradeInCancelled, models.EventTypeTradeInCancelled, func(t *models.TradeIn) error {
		if reason != "" {
			t.AdminNotes = reason
		}
		return nil
	})
}

// Expire closes an outstanding offer.
func (s *TradeInService) Expire(ctx context.Context, actor Actor, publicID string) (*models.TradeIn, error) {
	if err := adminOnly(actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, publicID, models.TradeInExpired, "", func(t *models.TradeIn) error {
		if !t.AwaitingCustomer() {
			return apperrors.Newf(apperrors.CodeStateConflict, "trade-in %s has no outstanding offer", publicID)
		}
		return nil
	})
}

// Requeue sends an AI_ERROR trade-in back through assessment with a fresh
// retry budget and high priority.
func (s *TradeInService) Requeue(ctx context.Context, actor Actor, publicID string) (*models.TradeIn, error) {
	if err := adminOnly(actor); err != nil {
		return nil, err
	}
	t, err := s.transition(ctx, publicID, models.TradeInSubmitted, "", func(t *models.TradeIn) error {
		if t.Status != models.TradeInAIError {
			return apperrors.Newf(apperrors.CodeStateConflict, "only AI_ERROR trade-ins can be re-queued, %s is %s", publicID, t.Status)
		}
		t.RetryCount = 0
		t.ProcessingStartedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.enqueue(ctx, t, queue.PriorityHigh)
	return t, nil
}

// LinkCreditNote attaches an externally issued credit note to a trade-in and
// completes it. The note must exist and belong to the trade-in's owner.
func (s *TradeInService) LinkCreditNote(ctx context.Context, publicID string, creditNoteID int64) (*models.TradeIn, error) {
	now := s.now()
	var t *models.TradeIn
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		note, err := tx.GetCreditNote(ctx, creditNoteID)
		if err != nil {
			return err
		}
		t, err = tx.GetTradeInByPublicID(ctx, publicID)
		if err != nil {
			return err
		}
		if t.CreditNoteID != nil {
			if *t.CreditNoteID == creditNoteID {
				return nil
			}
			return apperrors.Newf(apperrors.CodeStateConflict, "trade-in %s already has credit note %d", publicID, *t.CreditNoteID)
		}
		if note.OwnerID != t.OwnerID {
			return apperrors.Newf(apperrors.CodeValidation, "credit note %d belongs to another customer", creditNoteID)
		}

		if t.AwaitingCustomer() {
			if err := t.TransitionTo(models.TradeInAccepted); err != nil {
				return err
			}
			t.UserAcceptedAt = &now
		}
		if err := t.TransitionTo(models.TradeInCompleted); err != nil {
			return err
		}
		if !t.ApprovedOffer.Valid {
			t.ApprovedOffer = decimal.NewNullDecimal(note.Amount)
		}
		t.CreditNoteID = &note.ID
		t.CreditIssuedAt = &now
		return tx.UpdateTradeIn(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	util.TradeInTransitionsTotal.WithLabelValues(t.Status).Inc()
	s.logger.Info("Credit note linked", zap.String("trade_in_id", publicID), zap.Int64("credit_note_id", creditNoteID))
	return t, nil
}

// transition loads the trade-in, runs mutate, moves it to status and persists
// it under the version check.
func (s *TradeInService) transition(ctx context.Context, publicID, status, eventType string, mutate func(t *models.TradeIn) error) (*models.TradeIn, error) {
	var t *models.TradeIn
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.GetTradeInByPublicID(ctx, publicID)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(t); err != nil {
				return err
			}
		}
		if err := t.TransitionTo(status); err != nil {
			return err
		}
		return tx.UpdateTradeIn(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	util.TradeInTransitionsTotal.WithLabelValues(status).Inc()
	s.logger.Info("Trade-in status changed", zap.String("trade_in_id", publicID), zap.String("status", status))
	if eventType != "" {
		s.publish(ctx, t, eventType, "")
	}
	return t, nil
}

func (s *TradeInService) publish(ctx context.Context, t *models.TradeIn, eventType, reason string) {
	if s.publisher == nil {
		return
	}
	event := &models.TradeInEvent{
		BaseEvent:  models.NewBaseEvent(eventType),
		TradeInID:  t.PublicID,
		OwnerID:    t.OwnerID,
		Status:     t.Status,
		Grade:      t.Grade(),
		RetryCount: t.RetryCount,
		Reason:     reason,
	}
	if offer, ok := t.Offer(); ok {
		event.Offer = &offer
	}
	if err := s.publisher.PublishTradeInEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish trade-in event",
			zap.String("type", eventType),
			zap.String("trade_in_id", t.PublicID),
			zap.Error(err))
	}
}
