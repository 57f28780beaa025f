package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"
	"tradein-service/internal/store"
	"tradein-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HandlerFunc applies a webhook event. It may record references (trade-in,
// credit note, order) on the event; they are persisted with the outcome.
// Returning false or an error marks the event FAILED.
type HandlerFunc func(ctx context.Context, event *models.WebhookEvent) (bool, error)

// WebhookInput is one delivery of an external event.
type WebhookInput struct {
	EventID   string
	EventType string
	Source    string
	Payload   json.RawMessage
}

// Outcome is the recorded result for an event id.
type Outcome struct {
	EventID     string     `json:"event_id"`
	Status      string     `json:"status"`
	Duplicate   bool       `json:"duplicate"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Succeeded reports whether the event has been applied.
func (o *Outcome) Succeeded() bool {
	return o.Status == models.WebhookProcessed
}

func outcomeOf(e *models.WebhookEvent, duplicate bool) *Outcome {
	return &Outcome{
		EventID:     e.EventID,
		Status:      e.Status,
		Duplicate:   duplicate,
		RetryCount:  e.RetryCount,
		NextRetryAt: e.NextRetryAt,
		Error:       e.LastError,
	}
}

// defaultPendingTimeout is how long a PENDING event may go untouched before
// its run is presumed lost and the event may be claimed again.
const defaultPendingTimeout = 10 * time.Minute

// WebhookService records inbound events by id so each is applied at most once.
type WebhookService struct {
	repo           store.Repository
	tradeIns       *TradeInService
	validate       *validator.Validate
	maxRetries     int
	pendingTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(repo store.Repository, tradeIns *TradeInService, maxRetries int) *WebhookService {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &WebhookService{
		repo:           repo,
		tradeIns:       tradeIns,
		validate:       validator.New(),
		maxRetries:     maxRetries,
		pendingTimeout: defaultPendingTimeout,
		now:            time.Now,
		logger:         util.ComponentLogger("webhook-service"),
	}
}

// DedupKey derives an event id for deliveries that carry none.
func DedupKey(source, caseID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", source, caseID, ts.UTC().Unix())
}

// Process applies handler to the event at most once per event id. A replay of
// a PROCESSED event returns the recorded outcome without calling handler. A
// FAILED event is re-run only once its next retry time has passed.
func (s *WebhookService) Process(ctx context.Context, in WebhookInput, handler HandlerFunc) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.Process",
		attribute.String("webhook.event_id", in.EventID),
		attribute.String("webhook.type", in.EventType))
	defer span.End()

	if in.EventID == "" || in.EventType == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "event id and type are required")
	}

	event, claimed, err := s.claim(ctx, in)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.logger.Info("Duplicate webhook delivery",
			zap.String("event_id", in.EventID),
			zap.String("status", event.Status))
		util.WebhookEventsTotal.WithLabelValues(in.EventType, "duplicate").Inc()
		return outcomeOf(event, true), nil
	}
	return s.run(ctx, event, handler)
}

// claim creates the PENDING record, or takes over a FAILED one that is due
// for retry or a PENDING one whose run was abandoned. It reports false when
// the event must not be run now.
func (s *WebhookService) claim(ctx context.Context, in WebhookInput) (*models.WebhookEvent, bool, error) {
	var (
		event   *models.WebhookEvent
		claimed bool
	)
	now := s.now()
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetWebhookEvent(ctx, in.EventID)
		switch {
		case err == nil:
			event = existing
			switch {
			case existing.Status == models.WebhookFailed:
				if existing.NextRetryAt == nil || existing.NextRetryAt.After(now) {
					return nil
				}
			case existing.Status == models.WebhookPending:
				if !s.abandoned(existing, now) {
					return nil
				}
				// The interrupted run counts as a failed attempt.
				existing.RetryCount++
				existing.LastError = "processing interrupted"
				if existing.RetryCount >= s.maxRetries {
					existing.Status = models.WebhookFailed
					existing.NextRetryAt = nil
					existing.UpdatedAt = now
					return tx.UpdateWebhookEvent(ctx, existing)
				}
				s.logger.Warn("Reclaiming abandoned webhook event",
					zap.String("event_id", existing.EventID),
					zap.Int("retry_count", existing.RetryCount))
			default:
				return nil
			}
			existing.Status = models.WebhookPending
			existing.UpdatedAt = now
			claimed = true
			return tx.UpdateWebhookEvent(ctx, existing)
		case !apperrors.Is(err, apperrors.CodeNotFound):
			return err
		}

		event = &models.WebhookEvent{
			EventID:   in.EventID,
			EventType: in.EventType,
			Source:    in.Source,
			Status:    models.WebhookPending,
			Payload:   types.JSONText(in.Payload),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if len(event.Payload) == 0 {
			event.Payload = types.JSONText("{}")
		}
		claimed = true
		return tx.CreateWebhookEvent(ctx, event)
	})
	if apperrors.Is(err, apperrors.CodeDuplicate) {
		// Lost a race with a concurrent delivery of the same id.
		existing, getErr := s.repo.GetWebhookEvent(ctx, in.EventID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return event, claimed, nil
}

func (s *WebhookService) run(ctx context.Context, event *models.WebhookEvent, handler HandlerFunc) (*Outcome, error) {
	ok, err := safeHandle(ctx, event, handler)
	now := s.now()
	event.UpdatedAt = now
	if ok && err == nil {
		event.Status = models.WebhookProcessed
		event.ProcessedAt = &now
		event.NextRetryAt = nil
		event.LastError = ""
	} else {
		event.Status = models.WebhookFailed
		event.RetryCount++
		event.LastError = "handler reported failure"
		if err != nil {
			event.LastError = err.Error()
		}
		event.NextRetryAt = nil
		if event.RetryCount < s.maxRetries {
			next := now.Add(webhookBackoff(event.RetryCount))
			event.NextRetryAt = &next
		}
	}

	if updateErr := s.repo.UpdateWebhookEvent(ctx, event); updateErr != nil {
		return nil, fmt.Errorf("failed to record webhook outcome: %w", updateErr)
	}

	util.WebhookEventsTotal.WithLabelValues(event.EventType, event.Status).Inc()
	if event.Status == models.WebhookFailed {
		fields := []zap.Field{
			zap.String("event_id", event.EventID),
			zap.String("type", event.EventType),
			zap.Int("retry_count", event.RetryCount),
			zap.String("error", event.LastError),
		}
		if event.NextRetryAt != nil {
			fields = append(fields, zap.Time("next_retry_at", *event.NextRetryAt))
		}
		s.logger.Warn("Webhook handler failed", fields...)
	} else {
		s.logger.Info("Webhook processed", zap.String("event_id", event.EventID), zap.String("type", event.EventType))
	}
	return outcomeOf(event, false), nil
}

func safeHandle(ctx context.Context, event *models.WebhookEvent, handler HandlerFunc) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (s *WebhookService) abandoned(e *models.WebhookEvent, now time.Time) bool {
	touched := e.UpdatedAt
	if touched.IsZero() {
		touched = e.CreatedAt
	}
	return !touched.After(now.Add(-s.pendingTimeout))
}

// webhookBackoff is 2^retry minutes.
func webhookBackoff(retry int) time.Duration {
	return time.Duration(math.Pow(2, float64(retry))) * time.Minute
}

// Dispatch validates an envelope and processes it with the built-in handler
// for its type.
func (s *WebhookService) Dispatch(ctx context.Context, env *models.WebhookEnvelope) (*Outcome, error) {
	if err := s.validate.Struct(env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid webhook envelope")
	}
	eventID := env.EventID
	if eventID == "" {
		eventID = DedupKey(env.Source, env.CaseID, env.Timestamp)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return s.Process(ctx, WebhookInput{
		EventID:   eventID,
		EventType: env.Type,
		Source:    env.Source,
		Payload:   raw,
	}, s.handlerFor(env.Type))
}

// RetryFailed re-runs FAILED events whose next retry time has passed and
// PENDING events abandoned by a run that never recorded its outcome.
func (s *WebhookService) RetryFailed(ctx context.Context) (int, error) {
	now := s.now()
	events, err := s.repo.ListRetryableWebhookEvents(ctx, now, now.Add(-s.pendingTimeout), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable webhooks: %w", err)
	}
	retried := 0
	for _, e := range events {
		outcome, err := s.Process(ctx, WebhookInput{
			EventID:   e.EventID,
			EventType: e.EventType,
			Source:    e.Source,
			Payload:   json.RawMessage(e.Payload),
		}, s.handlerFor(e.EventType))
		if err != nil {
			s.logger.Warn("Webhook retry failed", zap.String("event_id", e.EventID), zap.Error(err))
			continue
		}
		if !outcome.Duplicate {
			retried++
		}
	}
	return retried, nil
}

// GetEvent returns the recorded state of an event.
func (s *WebhookService) GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	return s.repo.GetWebhookEvent(ctx, eventID)
}

func (s *WebhookService) handlerFor(eventType string) HandlerFunc {
	switch eventType {
	case models.WebhookEvaluationCompleted:
		return s.handleEvaluationCompleted
	case models.WebhookOfferAccepted:
		return s.handleOfferAccepted
	case models.WebhookCreditNoteIssued:
		return s.handleCreditNoteIssued
	}
	return func(context.Context, *models.WebhookEvent) (bool, error) {
		return false, apperrors.Newf(apperrors.CodeValidation, "unsupported webhook type %q", eventType)
	}
}

func decodeEnvelope(event *models.WebhookEvent) (*models.WebhookEnvelope, *models.WebhookPayload, error) {
	var env models.WebhookEnvelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeValidation, err, "malformed webhook payload")
	}
	var payload models.WebhookPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.CodeValidation, err, "malformed webhook payload")
		}
	}
	return &env, &payload, nil
}

func (s *WebhookService) handleEvaluationCompleted(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	env, payload, err := decodeEnvelope(event)
	if err != nil {
		return false, err
	}
	if payload.Amount == nil {
		return false, apperrors.New(apperrors.CodeValidation, "evaluation amount is required")
	}
	t, err := s.tradeIns.ApplyExternalEvaluation(ctx, env.CaseID, &EvaluateRequest{
		Grade: payload.Grade,
		Offer: *payload.Amount,
		Notes: payload.Notes,
	})
	if err != nil {
		return false, err
	}
	event.TradeInID = &t.ID
	return true, nil
}

func (s *WebhookService) handleOfferAccepted(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	env, _, err := decodeEnvelope(event)
	if err != nil {
		return false, err
	}
	res, err := s.tradeIns.Accept(ctx, SystemActor, env.CaseID)
	if err != nil {
		return false, err
	}
	event.TradeInID = &res.TradeIn.ID
	event.CreditNoteID = &res.CreditNote.ID
	return true, nil
}

func (s *WebhookService) handleCreditNoteIssued(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	env, payload, err := decodeEnvelope(event)
	if err != nil {
		return false, err
	}
	if payload.CreditNoteID <= 0 {
		return false, apperrors.New(apperrors.CodeValidation, "credit note id is required")
	}
	t, err := s.tradeIns.LinkCreditNote(ctx, env.CaseID, payload.CreditNoteID)
	if err != nil {
		return false, err
	}
	event.TradeInID = &t.ID
	event.CreditNoteID = &payload.CreditNoteID
	if payload.OrderID != "" {
		event.OrderID = &payload.OrderID
	}
	return true, nil
}
