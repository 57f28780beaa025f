package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"
	"tradein-service/internal/queue"
	"tradein-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	tradeIns []models.TradeInEvent
	credits  []models.CreditNoteEvent
}

func (p *recordingPublisher) PublishTradeInEvent(_ context.Context, e *models.TradeInEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradeIns = append(p.tradeIns, *e)
	return nil
}

func (p *recordingPublisher) PublishCreditNoteEvent(_ context.Context, e *models.CreditNoteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credits = append(p.credits, *e)
	return nil
}

func (p *recordingPublisher) tradeInTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tradeIns))
	for _, e := range p.tradeIns {
		out = append(out, e.EventType)
	}
	return out
}

func (p *recordingPublisher) creditTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.credits))
	for _, e := range p.credits {
		out = append(out, e.EventType)
	}
	return out
}

type testEnv struct {
	repo      *store.MemoryStore
	queue     *queue.MemoryQueue
	publisher *recordingPublisher
	credit    *CreditService
	tradeIns  *TradeInService
	webhooks  *WebhookService
	clock     *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T, cfg CreditConfig) *testEnv {
	t.Helper()

	repo := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	pub := &recordingPublisher{}
	clock := &testClock{now: time.Now()}

	credit, err := NewCreditService(repo, pub, cfg)
	require.NoError(t, err)
	credit.now = clock.Now

	tradeIns, err := NewTradeInService(repo, q, credit, pub)
	require.NoError(t, err)
	tradeIns.now = clock.Now

	webhooks := NewWebhookService(repo, tradeIns, 5)
	webhooks.now = clock.Now

	return &testEnv{
		repo:      repo,
		queue:     q,
		publisher: pub,
		credit:    credit,
		tradeIns:  tradeIns,
		webhooks:  webhooks,
		clock:     clock,
	}
}

func (e *testEnv) issueNote(t *testing.T, ownerID int64, amount string) *models.CreditNote {
	t.Helper()
	var note *models.CreditNote
	err := e.repo.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		note, err = e.credit.Issue(context.Background(), tx, &models.TradeIn{OwnerID: ownerID}, decimal.RequireFromString(amount))
		return err
	})
	require.NoError(t, err)
	return note
}

func (e *testEnv) submit(t *testing.T, ownerID int64) *models.TradeIn {
	t.Helper()
	tradeIn, err := e.tradeIns.Submit(context.Background(), &SubmitRequest{
		OwnerID:     ownerID,
		DeviceBrand: "Apple",
		DeviceModel: "iPhone 13",
		StorageGB:   128,
		Photos:      []string{"https://cdn.example.com/front.jpg", "https://cdn.example.com/back.jpg"},
	})
	require.NoError(t, err)
	return tradeIn
}

// setOffer forces a trade-in into an offer state as the worker would.
func (e *testEnv) setOffer(t *testing.T, publicID, status, amount string) *models.TradeIn {
	t.Helper()
	ctx := context.Background()
	tradeIn, err := e.repo.GetTradeInByPublicID(ctx, publicID)
	require.NoError(t, err)
	tradeIn.Status = status
	tradeIn.AutoGrade = "B"
	if amount != "" {
		tradeIn.AutoOffer = decimal.NewNullDecimal(decimal.RequireFromString(amount))
	}
	require.NoError(t, e.repo.UpdateTradeIn(ctx, tradeIn))
	return tradeIn
}

func requireCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, apperrors.Is(err, code), "expected %s, got %v", code, err)
}
