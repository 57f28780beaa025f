package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"tradein-service/internal/models"
	"tradein-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerEventType = "event-type"
	headerEventID   = "event-id"

	defaultHandlerAttempts = 3
	defaultHandlerBackoff  = 500 * time.Millisecond
)

// Producer writes domain events to a single topic.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer, logger: util.ComponentLogger("kafka-producer")}
}

// PublishEvent writes one event keyed by aggregate. The event type and id
// travel as headers so consumers can route without decoding the body.
func (p *Producer) PublishEvent(ctx context.Context, key string, meta models.BaseEvent, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", meta.EventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  meta.Timestamp,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(meta.EventType)},
			{Key: headerEventID, Value: []byte(meta.EventID)},
		},
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		util.EventsPublishedTotal.WithLabelValues(meta.EventType, "error").Inc()
		return fmt.Errorf("failed to write %s event to kafka: %w", meta.EventType, err)
	}

	util.EventsPublishedTotal.WithLabelValues(meta.EventType, "ok").Inc()
	p.logger.Debug("Published event",
		zap.String("key", key),
		zap.String("type", meta.EventType),
		zap.String("event_id", meta.EventID))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader   *kafka.Reader
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		reader:   reader,
		attempts: defaultHandlerAttempts,
		backoff:  defaultHandlerBackoff,
		logger:   util.ComponentLogger("kafka-consumer"),
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming fetches messages until ctx is cancelled or the reader is
// closed. A failing handler is retried in place; after the last attempt the
// message is committed and dropped so one poison message cannot stall the
// partition.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	topic := c.reader.Config().Topic
	c.logger.Info("Starting Kafka consumer", zap.String("topic", topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Info("Consumer stopping", zap.String("topic", topic))
				return ctx.Err()
			}
			c.logger.Warn("Error fetching message", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		if err := handleWithRetry(ctx, msg, handler, c.attempts, c.backoff); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.ConsumerDroppedTotal.WithLabelValues(topic).Inc()
			c.logger.Error("Dropping message after repeated handler failures",
				zap.String("topic", topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.String("event_id", HeaderValue(msg, headerEventID)),
				zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("Error committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// handleWithRetry calls handler up to attempts times, doubling the wait
// between calls. It returns the last handler error, or ctx.Err() if the
// context ends while waiting.
func handleWithRetry(ctx context.Context, msg kafka.Message, handler MessageHandler, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleepCtx(ctx, backoff<<i) {
			return ctx.Err()
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// HeaderValue returns the value of the first header named key, or "".
func HeaderValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
