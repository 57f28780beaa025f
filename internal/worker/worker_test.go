package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/broker"
	"tradein-service/internal/models"
	"tradein-service/internal/queue"
	"tradein-service/internal/service"
	"tradein-service/internal/store"
	"tradein-service/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_RequeuesStaleAndOrphaned(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	q := queue.NewMemoryQueue()

	create := func(publicID, status string) *models.TradeIn {
		tradeIn := &models.TradeIn{
			PublicID:    publicID,
			OwnerID:     1,
			DeviceBrand: "Apple",
			DeviceModel: "iPhone 13",
			Photos:      []string{"a.jpg"},
			Status:      status,
			SubmittedAt: time.Now(),
		}
		require.NoError(t, repo.CreateTradeIn(ctx, tradeIn))
		return tradeIn
	}

	stuck := create("TI-STUCK", models.TradeInAIProcessing)
	orphan := create("TI-ORPHAN", models.TradeInSubmitted)
	queued := create("TI-QUEUED", models.TradeInSubmitted)
	create("TI-DONE", models.TradeInAIAssessed)

	_, err := q.Enqueue(ctx, queued.ID, queue.PriorityNormal, 0)
	require.NoError(t, err)

	r := NewReconciler(repo, q, 10*time.Minute)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := repo.GetTradeIn(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInSubmitted, stored.Status)

	for _, id := range []int64{stuck.ID, orphan.ID, queued.ID} {
		ok, err := q.IsQueued(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Stale record goes first.
	id, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stuck.ID, id)

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "dequeued record is queued again")
}

func TestReconcile_LeavesFreshProcessingAlone(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	q := queue.NewMemoryQueue()

	tradeIn := &models.TradeIn{PublicID: "TI-1", OwnerID: 1, Status: models.TradeInAIProcessing}
	require.NoError(t, repo.CreateTradeIn(ctx, tradeIn))

	n, err := NewReconciler(repo, q, time.Hour).Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := repo.GetTradeIn(ctx, tradeIn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInAIProcessing, stored.Status)
}

func TestSweeper_RunsTasksUntilCancelled(t *testing.T) {
	var runs int32
	s := NewSweeper(
		Task{Name: "count", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
			atomic.AddInt32(&runs, 1)
			return 1, nil
		}},
		Task{Name: "broken", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
			return 0, errors.New("database unavailable")
		}},
		Task{Name: "disabled"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestSweeper_RunTaskRecoversPanic(t *testing.T) {
	s := NewSweeper()
	assert.NotPanics(t, func() {
		s.RunTask(context.Background(), Task{Name: "panics", Run: func(context.Context) (int, error) {
			panic("nil map")
		}})
	})
}

func TestSweeper_CountsExpiredOncePerTask(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	credit, err := service.NewCreditService(repo, broker.NewLogPublisher(), service.CreditConfig{SessionDuration: time.Millisecond})
	require.NoError(t, err)

	for owner := int64(1); owner <= 2; owner++ {
		_, err := credit.OpenSession(ctx, owner)
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)

	task := Task{Name: "checkout_sessions_once", Run: credit.ExpireSessions}
	before := counterValue(t, util.SweepExpiredTotal.WithLabelValues(task.Name))

	NewSweeper().RunTask(ctx, task)

	assert.Equal(t, 2.0, counterValue(t, util.SweepExpiredTotal.WithLabelValues(task.Name))-before)
	assert.Zero(t, counterValue(t, util.SweepExpiredTotal.WithLabelValues("checkout_session")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type fakeDispatcher struct {
	envelopes []*models.WebhookEnvelope
	outcome   *service.Outcome
	err       error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, env *models.WebhookEnvelope) (*service.Outcome, error) {
	d.envelopes = append(d.envelopes, env)
	return d.outcome, d.err
}

func TestWebhookWorker_HandleMessage(t *testing.T) {
	d := &fakeDispatcher{outcome: &service.Outcome{EventID: "evt-1", Status: models.WebhookProcessed}}
	w := NewWebhookWorker(nil, d)

	raw, err := json.Marshal(models.WebhookEnvelope{
		EventID:   "evt-1",
		Type:      models.WebhookOfferAccepted,
		Source:    "crm",
		CaseID:    "TI-1",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	require.Len(t, d.envelopes, 1)
	assert.Equal(t, "TI-1", d.envelopes[0].CaseID)

	// Undecodable messages are skipped.
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
	assert.Len(t, d.envelopes, 1)
}

func TestWebhookWorker_HandleEnvelopeErrors(t *testing.T) {
	env := &models.WebhookEnvelope{Type: "unknown", Source: "crm", CaseID: "TI-1"}

	d := &fakeDispatcher{err: apperrors.New(apperrors.CodeValidation, "bad envelope")}
	assert.NoError(t, NewWebhookWorker(nil, d).HandleEnvelope(context.Background(), env))

	d = &fakeDispatcher{outcome: &service.Outcome{EventID: "evt-2", Status: models.WebhookFailed, Error: "boom"}}
	assert.NoError(t, NewWebhookWorker(nil, d).HandleEnvelope(context.Background(), env))

	d = &fakeDispatcher{err: errors.New("connection refused")}
	assert.Error(t, NewWebhookWorker(nil, d).HandleEnvelope(context.Background(), env))
}
