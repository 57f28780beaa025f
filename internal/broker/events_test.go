package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradein-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHandler_RoutesEnvelope(t *testing.T) {
	h := NewEventHandler()

	var got *models.WebhookEnvelope
	h.OnWebhook(func(_ context.Context, env *models.WebhookEnvelope) error {
		got = env
		return nil
	})

	msg := kafka.Message{Value: []byte(`{
		"type": "offer-accepted",
		"source": "crm",
		"case_id": "T-1",
		"timestamp": "2024-03-01T10:00:00Z",
		"payload": {"owner_id": 7}
	}`)}
	require.NoError(t, h.HandleMessage(context.Background(), msg))

	require.NotNil(t, got)
	assert.Equal(t, models.WebhookOfferAccepted, got.Type)
	assert.Equal(t, "T-1", got.CaseID)
	assert.JSONEq(t, `{"owner_id": 7}`, string(got.Payload))
}

func TestEventHandler_PropagatesHandlerError(t *testing.T) {
	h := NewEventHandler()
	boom := errors.New("boom")
	h.OnWebhook(func(context.Context, *models.WebhookEnvelope) error { return boom })

	err := h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"type":"offer-accepted"}`)})
	assert.ErrorIs(t, err, boom)
}

func TestEventHandler_SkipsUndecodable(t *testing.T) {
	h := NewEventHandler()
	called := false
	h.OnWebhook(func(context.Context, *models.WebhookEnvelope) error {
		called = true
		return nil
	})

	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
	assert.False(t, called)
}

func TestEventHandler_EventIDFromHeader(t *testing.T) {
	h := NewEventHandler()

	var got *models.WebhookEnvelope
	h.OnWebhook(func(_ context.Context, env *models.WebhookEnvelope) error {
		got = env
		return nil
	})

	msg := kafka.Message{
		Value:   []byte(`{"type":"offer-accepted","source":"crm","case_id":"T-1"}`),
		Headers: []kafka.Header{{Key: headerEventID, Value: []byte("crm-42")}},
	}
	require.NoError(t, h.HandleMessage(context.Background(), msg))
	require.NotNil(t, got)
	assert.Equal(t, "crm-42", got.EventID)

	msg.Value = []byte(`{"event_id":"body-1","type":"offer-accepted"}`)
	require.NoError(t, h.HandleMessage(context.Background(), msg))
	assert.Equal(t, "body-1", got.EventID)
}

func TestHandleWithRetry(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("store unavailable")

	calls := 0
	flaky := func(context.Context, kafka.Message) error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	}
	require.NoError(t, handleWithRetry(ctx, kafka.Message{}, flaky, 3, time.Millisecond))
	assert.Equal(t, 3, calls)

	calls = 0
	failing := func(context.Context, kafka.Message) error {
		calls++
		return boom
	}
	assert.ErrorIs(t, handleWithRetry(ctx, kafka.Message{}, failing, 2, time.Millisecond), boom)
	assert.Equal(t, 2, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	calls = 0
	assert.ErrorIs(t, handleWithRetry(cancelled, kafka.Message{}, failing, 3, time.Hour), context.Canceled)
	assert.Equal(t, 1, calls)
}
