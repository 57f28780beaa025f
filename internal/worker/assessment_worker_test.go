package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradein-service/internal/assessment"
	"tradein-service/internal/cache"
	"tradein-service/internal/models"
	"tradein-service/internal/pricing"
	"tradein-service/internal/queue"
	"tradein-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	result *models.AssessmentResult
	err    error
	onCall func()
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Version() string { return "fake-1" }

func (p *fakeProvider) Analyze(_ context.Context, _ []string, _ assessment.Context) (*models.AssessmentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.onCall != nil {
		p.onCall()
	}
	if p.err != nil {
		return nil, p.err
	}
	r := *p.result
	return &r, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) PublishTradeInEvent(_ context.Context, e *models.TradeInEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.EventType)
	return nil
}

func (p *recordingPublisher) PublishCreditNoteEvent(context.Context, *models.CreditNoteEvent) error {
	return nil
}

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo      *store.MemoryStore
	queue     *queue.MemoryQueue
	provider  *fakeProvider
	publisher *recordingPublisher
	clock     *clock
	worker    *AssessmentWorker
	seq       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := store.NewMemoryStore()
	entry := &models.DeviceCatalogEntry{Brand: "Apple", Model: "iPhone 13", DeviceType: "phone", ReleaseYear: 2021, StorageGB: 128}
	require.NoError(t, repo.CreateCatalogEntry(ctx, entry))
	require.NoError(t, repo.CreateBasePrice(ctx, &models.BasePrice{
		CatalogEntryID: entry.ID, Price: decimal.NewFromInt(12000), AsOf: time.Now(),
	}))

	c := &clock{now: time.Now()}
	q := queue.NewMemoryQueue().WithClock(c.Now)
	provider := &fakeProvider{result: &models.AssessmentResult{
		DetectedBrand:            "Apple",
		DetectedModel:            "iPhone 13",
		IdentificationConfidence: 0.9,
		OverallConditionScore:    0.95,
		ModelVersion:             "fake-1",
	}}
	pub := &recordingPublisher{}

	w := NewAssessmentWorker(repo, q, provider, pricing.NewEngine(repo, decimal.NewFromInt(300)), nil, pub, AssessmentConfig{
		MaxRetries:        3,
		RetryBase:         5 * time.Minute,
		MinConditionScore: 0.2,
		PollInterval:      10 * time.Millisecond,
		ErrorCooldown:     10 * time.Millisecond,
	})
	w.now = c.Now

	return &fixture{repo: repo, queue: q, provider: provider, publisher: pub, clock: c, worker: w}
}

func (f *fixture) submit(t *testing.T, photos ...string) *models.TradeIn {
	t.Helper()
	ctx := context.Background()
	f.seq++
	if photos == nil {
		photos = []string{"https://cdn.example.com/front.jpg", "https://cdn.example.com/back.jpg"}
	}
	tradeIn := &models.TradeIn{
		PublicID:    fmt.Sprintf("TI-%04d", f.seq),
		OwnerID:     7,
		DeviceBrand: "Apple",
		DeviceModel: "iPhone 13",
		StorageGB:   128,
		Photos:      photos,
		Status:      models.TradeInSubmitted,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, f.repo.CreateTradeIn(ctx, tradeIn))
	_, err := f.queue.Enqueue(ctx, tradeIn.ID, queue.PriorityNormal, 0)
	require.NoError(t, err)
	return tradeIn
}

func (f *fixture) load(t *testing.T, id int64) *models.TradeIn {
	t.Helper()
	tradeIn, err := f.repo.GetTradeIn(context.Background(), id)
	require.NoError(t, err)
	return tradeIn
}

func TestRunOnce_AssessesAndPrices(t *testing.T) {
	f := newFixture(t)
	tradeIn := f.submit(t)

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIAssessed, stored.Status)
	require.True(t, stored.AutoOffer.Valid)
	assert.True(t, stored.AutoOffer.Decimal.Equal(decimal.NewFromInt(13800)), "got %s", stored.AutoOffer.Decimal)
	assert.Equal(t, "A", stored.AutoGrade)
	assert.Equal(t, "fake", stored.AIVendor)
	assert.NotNil(t, stored.AssessedAt)
	assert.Nil(t, stored.ProcessingStartedAt)

	var quote pricing.Quote
	require.NoError(t, json.Unmarshal(stored.OfferBreakdown, &quote))
	assert.Equal(t, "iPhone 13", quote.Model)

	assert.True(t, f.publisher.has(models.EventTypeTradeInAssessed))

	processed, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcess_UnidentifiedDeviceFallsBackToDeclared(t *testing.T) {
	f := newFixture(t)
	f.provider.result.DetectedBrand = models.UnknownDevice
	f.provider.result.DetectedModel = models.UnknownDevice
	tradeIn := f.submit(t)

	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIAssessed, stored.Status)
	assert.True(t, stored.AutoOffer.Valid)
}

func TestProcess_UnknownModelIsRejected(t *testing.T) {
	f := newFixture(t)
	f.provider.result.DetectedModel = "Nokia 3310"
	f.provider.result.DetectedBrand = "Nokia"
	tradeIn := f.submit(t)

	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIRejected, stored.Status)
	assert.False(t, stored.AutoOffer.Valid)
	assert.True(t, f.publisher.has(models.EventTypeTradeInRejected))
}

func TestProcess_PoorConditionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.provider.result.OverallConditionScore = 0.1
	tradeIn := f.submit(t)

	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIRejected, stored.Status)
	assert.Equal(t, "F", stored.AutoGrade)
}

func TestProcess_NoPhotosFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	tradeIn := f.submit(t, []string{}...)

	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIError, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.Zero(t, f.provider.callCount())

	var failure failureRecord
	require.NoError(t, json.Unmarshal(stored.AIAssessment, &failure))
	assert.False(t, failure.Retryable)
	assert.Contains(t, failure.Error, "no photos")
}

func TestProcess_RetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	f.provider.err = &assessment.ProviderError{Kind: assessment.KindUnavailable, Provider: "fake", StatusCode: 503}
	tradeIn := f.submit(t)
	ctx := context.Background()

	processed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInSubmitted, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.True(t, f.publisher.has(models.EventTypeTradeInRetry))

	// First backoff is five minutes.
	f.clock.Advance(4 * time.Minute)
	processed, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Hour)
		if _, err := f.worker.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	stored = f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIError, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, 4, f.provider.callCount())
	assert.True(t, f.publisher.has(models.EventTypeTradeInFailed))

	var failure failureRecord
	require.NoError(t, json.Unmarshal(stored.AIAssessment, &failure))
	assert.True(t, failure.Retryable)
	assert.Equal(t, 4, failure.Attempts)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcess_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.provider.err = &assessment.ProviderError{Kind: assessment.KindAuth, Provider: "fake", StatusCode: 401}
	tradeIn := f.submit(t)

	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInAIError, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestProcess_SkipsRecordsNotAwaitingAssessment(t *testing.T) {
	f := newFixture(t)
	tradeIn := f.submit(t)

	stored := f.load(t, tradeIn.ID)
	require.NoError(t, stored.TransitionTo(models.TradeInCancelled))
	require.NoError(t, f.repo.UpdateTradeIn(context.Background(), stored))

	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))
	assert.Zero(t, f.provider.callCount())
	assert.Equal(t, models.TradeInCancelled, f.load(t, tradeIn.ID).Status)

	require.NoError(t, f.worker.Process(context.Background(), 99999))
}

func TestProcess_UsesCachedAssessment(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.CacheTTL = time.Hour
	f.worker.WithCache(cache.NewMemoryCache())

	photos := []string{"s3://bucket/a.jpg", "s3://bucket/b.jpg"}
	first := f.submit(t, photos...)
	require.NoError(t, f.worker.Process(context.Background(), first.ID))

	second := f.submit(t, photos[1], photos[0])
	require.NoError(t, f.worker.Process(context.Background(), second.ID))

	assert.Equal(t, 1, f.provider.callCount())
	assert.Equal(t, models.TradeInAIAssessed, f.load(t, second.ID).Status)
}

type fakeLocker struct {
	held map[string]string
}

func (l *fakeLocker) AcquireLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = token
	return true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func TestProcess_SkipsWhenLockedElsewhere(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{held: map[string]string{}}
	f.worker.WithLocker(locker)
	tradeIn := f.submit(t)

	locker.held["lock:tradein:"+tradeIn.PublicID] = "other-worker"
	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))
	assert.Zero(t, f.provider.callCount())

	delete(locker.held, "lock:tradein:"+tradeIn.PublicID)
	require.NoError(t, f.worker.Process(context.Background(), tradeIn.ID))
	assert.Equal(t, 1, f.provider.callCount())
	assert.Empty(t, locker.held)
}

func TestProcess_ShutdownResetsRecord(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.provider.onCall = cancel
	f.provider.err = context.Canceled
	tradeIn := f.submit(t)
	_, _, _ = f.queue.Dequeue(context.Background())

	require.NoError(t, f.worker.Process(ctx, tradeIn.ID))

	stored := f.load(t, tradeIn.ID)
	assert.Equal(t, models.TradeInSubmitted, stored.Status)
	assert.Zero(t, stored.RetryCount)

	queued, err := f.queue.IsQueued(context.Background(), tradeIn.ID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Start(ctx) }()

	tradeIn := f.submit(t)
	require.Eventually(t, func() bool {
		return f.load(t, tradeIn.ID).Status == models.TradeInAIAssessed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestAcceptable(t *testing.T) {
	r := &models.AssessmentResult{OverallConditionScore: 0.5}
	assert.False(t, Acceptable(nil, r, 0.2))
	assert.False(t, Acceptable(&pricing.Quote{FinalPrice: decimal.Zero}, r, 0.2))
	assert.True(t, Acceptable(&pricing.Quote{FinalPrice: decimal.NewFromInt(1)}, r, 0.2))
	assert.False(t, Acceptable(&pricing.Quote{FinalPrice: decimal.NewFromInt(1)}, r, 0.5))
}
