package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"tradein-service/internal/models"
	"tradein-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the notification sink for domain events.
type Publisher interface {
	PublishTradeInEvent(ctx context.Context, event *models.TradeInEvent) error
	PublishCreditNoteEvent(ctx context.Context, event *models.CreditNoteEvent) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishTradeInEvent publishes a trade-in lifecycle event keyed by trade-in
func (ep *EventPublisher) PublishTradeInEvent(ctx context.Context, event *models.TradeInEvent) error {
	key := fmt.Sprintf("tradein-%s", event.TradeInID)
	return ep.producer.PublishEvent(ctx, key, event.BaseEvent, event)
}

// PublishCreditNoteEvent publishes a credit note event keyed by code
func (ep *EventPublisher) PublishCreditNoteEvent(ctx context.Context, event *models.CreditNoteEvent) error {
	key := fmt.Sprintf("credit-%s", event.Code)
	return ep.producer.PublishEvent(ctx, key, event.BaseEvent, event)
}

// LogPublisher writes events to the log only. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.ComponentLogger("events")}
}

func (lp *LogPublisher) PublishTradeInEvent(_ context.Context, event *models.TradeInEvent) error {
	lp.logger.Info("Trade-in event",
		zap.String("type", event.EventType),
		zap.String("trade_in_id", event.TradeInID),
		zap.String("status", event.Status))
	return nil
}

func (lp *LogPublisher) PublishCreditNoteEvent(_ context.Context, event *models.CreditNoteEvent) error {
	lp.logger.Info("Credit note event",
		zap.String("type", event.EventType),
		zap.String("code", event.Code),
		zap.String("remaining", event.Remaining.String()))
	return nil
}

// EventHandler decodes webhook envelopes delivered over Kafka
type EventHandler struct {
	onWebhook func(context.Context, *models.WebhookEnvelope) error
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("webhook-consumer")}
}

// OnWebhook registers the handler for webhook envelopes
func (eh *EventHandler) OnWebhook(handler func(context.Context, *models.WebhookEnvelope) error) {
	eh.onWebhook = handler
}

// HandleMessage routes messages to the registered handler. Undecodable
// messages are logged and skipped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var envelope models.WebhookEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		eh.logger.Error("Dropping undecodable webhook message",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if envelope.EventID == "" {
		envelope.EventID = HeaderValue(msg, headerEventID)
	}

	eh.logger.Debug("Handling webhook",
		zap.String("event_id", envelope.EventID),
		zap.String("type", envelope.Type),
		zap.String("source", envelope.Source),
		zap.String("case_id", envelope.CaseID))

	if eh.onWebhook == nil {
		eh.logger.Warn("No webhook handler registered", zap.String("type", envelope.Type))
		return nil
	}
	return eh.onWebhook(ctx, &envelope)
}
