package worker

import (
	"context"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/broker"
	"tradein-service/internal/models"
	"tradein-service/internal/service"
	"tradein-service/internal/util"

	"go.uber.org/zap"
)

// Dispatcher applies a webhook envelope exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *models.WebhookEnvelope) (*service.Outcome, error)
}

// WebhookWorker consumes webhook envelopes from the webhook topic
type WebhookWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	dispatcher   Dispatcher
	logger       *zap.Logger
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(consumer *broker.Consumer, dispatcher Dispatcher) *WebhookWorker {
	w := &WebhookWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		dispatcher:   dispatcher,
		logger:       util.ComponentLogger("webhook-worker"),
	}
	w.eventHandler.OnWebhook(w.HandleEnvelope)
	return w
}

// HandleEnvelope dispatches one envelope. Invalid envelopes and handler
// failures are acknowledged: the former can never succeed and the latter are
// recorded for the retry sweep. Only storage errors leave the message
// uncommitted.
func (w *WebhookWorker) HandleEnvelope(ctx context.Context, env *models.WebhookEnvelope) error {
	out, err := w.dispatcher.Dispatch(ctx, env)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeValidation) {
			w.logger.Warn("Dropping invalid webhook",
				zap.String("type", env.Type),
				zap.String("case_id", env.CaseID),
				zap.Error(err))
			return nil
		}
		return err
	}
	if !out.Succeeded() {
		w.logger.Warn("Webhook handler failed",
			zap.String("event_id", out.EventID),
			zap.Int("retry_count", out.RetryCount),
			zap.String("error", out.Error))
	}
	return nil
}

// Start starts the worker
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}
