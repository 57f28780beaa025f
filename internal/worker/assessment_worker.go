package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/assessment"
	"tradein-service/internal/broker"
	"tradein-service/internal/cache"
	"tradein-service/internal/models"
	"tradein-service/internal/photos"
	"tradein-service/internal/pricing"
	"tradein-service/internal/queue"
	"tradein-service/internal/store"
	"tradein-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Quoter prices an assessment.
type Quoter interface {
	Quote(ctx context.Context, r *models.AssessmentResult, expectedStorageGB int) (*pricing.Quote, error)
}

// Locker guards a trade-in against concurrent assessment by several
// processes sharing one queue.
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// AssessmentConfig tunes the worker loop and its retry policy.
type AssessmentConfig struct {
	MaxRetries        int
	RetryBase         time.Duration
	MinConditionScore float64
	PollInterval      time.Duration
	ErrorCooldown     time.Duration
	CacheTTL          time.Duration
	LockTTL           time.Duration
}

func (c *AssessmentConfig) defaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = 5 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
}

// AssessmentWorker drains the assessment queue: it analyzes photos, prices
// the result and records the outcome on the trade-in.
type AssessmentWorker struct {
	repo      store.Repository
	queue     queue.Queue
	provider  assessment.Provider
	pricing   Quoter
	photos    photos.Resolver
	cache     cache.Cache
	locker    Locker
	publisher broker.Publisher
	cfg       AssessmentConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewAssessmentWorker creates a new assessment worker
func NewAssessmentWorker(
	repo store.Repository,
	q queue.Queue,
	provider assessment.Provider,
	quoter Quoter,
	resolver photos.Resolver,
	publisher broker.Publisher,
	cfg AssessmentConfig,
) *AssessmentWorker {
	cfg.defaults()
	if resolver == nil {
		resolver = photos.Passthrough{}
	}
	return &AssessmentWorker{
		repo:      repo,
		queue:     q,
		provider:  provider,
		pricing:   quoter,
		photos:    resolver,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.ComponentLogger("assessment-worker"),
	}
}

// WithCache enables result caching keyed by provider and photo set.
func (w *AssessmentWorker) WithCache(c cache.Cache) *AssessmentWorker {
	w.cache = c
	return w
}

// WithLocker enables cross-process single-flight per trade-in.
func (w *AssessmentWorker) WithLocker(l Locker) *AssessmentWorker {
	w.locker = l
	return w
}

// Start runs the loop until ctx is cancelled. Errors and panics in one
// iteration are logged and followed by a cooldown.
func (w *AssessmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting assessment worker",
		zap.String("provider", w.provider.Name()),
		zap.Int("max_retries", w.cfg.MaxRetries))

	for {
		if ctx.Err() != nil {
			w.logger.Info("Assessment worker stopping")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			w.logger.Error("Assessment iteration failed", zap.Error(err))
			wait = w.cfg.ErrorCooldown
		case !processed:
			wait = w.cfg.PollInterval
		}
		if wait == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Assessment worker stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunOnce dequeues and processes at most one trade-in. It reports whether an
// item was dequeued.
func (w *AssessmentWorker) RunOnce(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assessment worker panic: %v", r)
		}
	}()

	id, ok, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if depth, err := w.queue.Len(ctx); err == nil {
		util.QueueDepth.Set(float64(depth))
	}
	if !ok {
		return false, nil
	}
	return true, w.Process(ctx, id)
}

// Process assesses one trade-in by internal id.
func (w *AssessmentWorker) Process(ctx context.Context, id int64) error {
	ctx, span := util.StartSpan(ctx, "AssessmentWorker.Process", attribute.Int64("tradein.internal_id", id))
	defer span.End()

	t, err := w.repo.GetTradeIn(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			w.logger.Warn("Dequeued unknown trade-in", zap.Int64("id", id))
			return nil
		}
		return fmt.Errorf("failed to load trade-in %d: %w", id, err)
	}
	if !t.AwaitingAssessment() {
		w.logger.Info("Skipping trade-in no longer awaiting assessment",
			zap.String("trade_in_id", t.PublicID),
			zap.String("status", t.Status))
		return nil
	}

	if w.locker != nil {
		key := "lock:tradein:" + t.PublicID
		token := uuid.New().String()
		acquired, err := w.locker.AcquireLock(ctx, key, token, w.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire lock for %s: %w", t.PublicID, err)
		}
		if !acquired {
			w.logger.Info("Trade-in is being assessed elsewhere", zap.String("trade_in_id", t.PublicID))
			return nil
		}
		defer func() {
			if err := w.locker.ReleaseLock(context.Background(), key, token); err != nil {
				w.logger.Warn("Failed to release lock", zap.String("trade_in_id", t.PublicID), zap.Error(err))
			}
		}()
	}

	if err := w.markProcessing(ctx, t); err != nil {
		if apperrors.Is(err, apperrors.CodeConcurrency) {
			w.logger.Info("Trade-in changed before processing", zap.String("trade_in_id", t.PublicID))
			return nil
		}
		return err
	}

	result, quote, err := w.assess(ctx, t)
	if err != nil {
		return w.handleFailure(ctx, t, result, err)
	}
	return w.complete(ctx, t, result, quote)
}

func (w *AssessmentWorker) markProcessing(ctx context.Context, t *models.TradeIn) error {
	if t.Status != models.TradeInAIProcessing {
		if err := t.TransitionTo(models.TradeInAIProcessing); err != nil {
			return err
		}
	}
	now := w.now()
	t.ProcessingStartedAt = &now
	if err := w.repo.UpdateTradeIn(ctx, t); err != nil {
		return err
	}
	util.TradeInTransitionsTotal.WithLabelValues(models.TradeInAIProcessing).Inc()
	return nil
}

func (w *AssessmentWorker) assess(ctx context.Context, t *models.TradeIn) (*models.AssessmentResult, *pricing.Quote, error) {
	urls, err := w.photos.Resolve(ctx, t.Photos)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve photos: %w", err)
	}
	if len(urls) == 0 {
		return nil, nil, &assessment.NoPhotosError{TradeInID: t.PublicID}
	}

	result, err := w.analyze(ctx, t, urls)
	if err != nil {
		return result, nil, err
	}

	input := *result
	if !input.Identified() {
		input.DetectedBrand = t.DeviceBrand
		input.DetectedModel = t.DeviceModel
	}
	quote, err := w.pricing.Quote(ctx, &input, t.StorageGB)
	if err != nil {
		return result, nil, fmt.Errorf("failed to price assessment: %w", err)
	}
	return result, quote, nil
}

func (w *AssessmentWorker) analyze(ctx context.Context, t *models.TradeIn, urls []string) (*models.AssessmentResult, error) {
	provider := w.provider.Name()
	key := w.cacheKey(t)

	if w.cache != nil {
		var cached models.AssessmentResult
		hit, err := cache.GetJSON(ctx, w.cache, key, &cached)
		if err != nil {
			w.logger.Warn("Assessment cache read failed", zap.Error(err))
		}
		if hit {
			util.AssessmentCacheHitsTotal.Inc()
			w.logger.Debug("Assessment served from cache", zap.String("trade_in_id", t.PublicID))
			return &cached, nil
		}
	}

	start := time.Now()
	result, err := w.provider.Analyze(ctx, urls, assessment.Context{
		TradeInID:   t.PublicID,
		DeviceBrand: t.DeviceBrand,
		DeviceModel: t.DeviceModel,
		StorageGB:   t.StorageGB,
	})
	util.AssessmentLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		return result, err
	}
	if result == nil {
		return nil, fmt.Errorf("provider %s returned no result", provider)
	}
	result.Clamp()

	if w.cache != nil && w.cfg.CacheTTL > 0 {
		if err := cache.SetJSON(ctx, w.cache, key, result, w.cfg.CacheTTL); err != nil {
			w.logger.Warn("Assessment cache write failed", zap.Error(err))
		}
	}
	return result, nil
}

// cacheKey identifies a provider run over a photo set, independent of order.
func (w *AssessmentWorker) cacheKey(t *models.TradeIn) string {
	refs := append([]string(nil), t.Photos...)
	sort.Strings(refs)
	sum := sha256.Sum256([]byte(strings.Join(refs, "\n")))
	return fmt.Sprintf("assessment:%s:%s:%s", w.provider.Name(), w.provider.Version(), hex.EncodeToString(sum[:]))
}

// Acceptable reports whether a quote may be offered: it must exist, be
// positive and come from a condition above the floor.
func Acceptable(q *pricing.Quote, r *models.AssessmentResult, minConditionScore float64) bool {
	return q != nil && q.FinalPrice.IsPositive() && r.OverallConditionScore > minConditionScore
}

func (w *AssessmentWorker) complete(ctx context.Context, t *models.TradeIn, result *models.AssessmentResult, quote *pricing.Quote) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	now := w.now()
	t.AIVendor = w.provider.Name()
	t.AIVersion = result.ModelVersion
	if t.AIVersion == "" {
		t.AIVersion = w.provider.Version()
	}
	t.AIConfidence = result.IdentificationConfidence
	t.AIAssessment = types.JSONText(raw)
	t.AssessedAt = &now
	t.ProcessingStartedAt = nil
	t.AutoGrade = pricing.GradeFor(result.OverallConditionScore)
	t.AutoOffer = decimal.NullDecimal{}
	t.OfferBreakdown = nil

	if quote != nil {
		breakdown, err := json.Marshal(quote)
		if err != nil {
			return fmt.Errorf("failed to encode quote: %w", err)
		}
		t.AutoGrade = quote.Grade
		t.AutoOffer = decimal.NewNullDecimal(quote.FinalPrice)
		t.OfferBreakdown = types.JSONText(breakdown)
	}

	status, eventType, reason := models.TradeInAIAssessed, models.EventTypeTradeInAssessed, ""
	if !Acceptable(quote, result, w.cfg.MinConditionScore) {
		status, eventType = models.TradeInAIRejected, models.EventTypeTradeInRejected
		reason = rejectionReason(quote, result, w.cfg.MinConditionScore)
	}
	if err := t.TransitionTo(status); err != nil {
		return err
	}
	if err := w.repo.UpdateTradeIn(ctx, t); err != nil {
		if apperrors.Is(err, apperrors.CodeConcurrency) {
			w.logger.Warn("Trade-in changed during assessment, result dropped", zap.String("trade_in_id", t.PublicID))
			return nil
		}
		return fmt.Errorf("failed to persist assessment: %w", err)
	}

	util.AssessmentsTotal.WithLabelValues(w.provider.Name(), strings.ToLower(status)).Inc()
	util.TradeInTransitionsTotal.WithLabelValues(status).Inc()
	fields := []zap.Field{
		zap.String("trade_in_id", t.PublicID),
		zap.String("status", status),
		zap.String("grade", t.AutoGrade),
		zap.Float64("condition", result.OverallConditionScore),
	}
	if quote != nil {
		fields = append(fields, zap.String("offer", quote.FinalPrice.String()))
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	w.logger.Info("Trade-in assessed", fields...)
	w.publish(ctx, t, eventType, reason)
	return nil
}

func rejectionReason(q *pricing.Quote, r *models.AssessmentResult, floor float64) string {
	switch {
	case q == nil:
		return "device could not be priced"
	case !q.FinalPrice.IsPositive():
		return "quote is not positive"
	default:
		return fmt.Sprintf("condition %.2f is not above %.2f", r.OverallConditionScore, floor)
	}
}

// failureRecord is stored as the assessment payload of a failed trade-in.
type failureRecord struct {
	Error     string                   `json:"error"`
	Retryable bool                     `json:"retryable"`
	Attempts  int                      `json:"attempts"`
	Degraded  *models.AssessmentResult `json:"degraded_result,omitempty"`
}

func (w *AssessmentWorker) handleFailure(ctx context.Context, t *models.TradeIn, result *models.AssessmentResult, cause error) error {
	provider := w.provider.Name()

	// Shutdown mid-call: hand the record back untouched so it is picked up again.
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		return w.resetForShutdown(t)
	}

	retryable := assessment.IsRetryable(cause)
	if retryable && t.RetryCount < w.cfg.MaxRetries {
		delay := w.cfg.RetryBase * time.Duration(1<<uint(t.RetryCount))
		t.RetryCount++
		t.ProcessingStartedAt = nil
		if err := t.TransitionTo(models.TradeInSubmitted); err != nil {
			return err
		}
		if err := w.repo.UpdateTradeIn(ctx, t); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		if _, err := w.queue.Enqueue(ctx, t.ID, queue.PriorityHigh, delay); err != nil {
			w.logger.Error("Failed to re-enqueue trade-in", zap.String("trade_in_id", t.PublicID), zap.Error(err))
		}

		util.AssessmentsTotal.WithLabelValues(provider, "retry").Inc()
		util.AssessmentRetriesTotal.Inc()
		w.logger.Warn("Assessment failed, retry scheduled",
			zap.String("trade_in_id", t.PublicID),
			zap.Int("attempt", t.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(cause))
		w.publish(ctx, t, models.EventTypeTradeInRetry, cause.Error())
		return nil
	}

	raw, err := json.Marshal(failureRecord{
		Error:     cause.Error(),
		Retryable: retryable,
		Attempts:  t.RetryCount + 1,
		Degraded:  result,
	})
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	t.AIVendor = provider
	t.AIVersion = w.provider.Version()
	t.AIAssessment = types.JSONText(raw)
	t.ProcessingStartedAt = nil
	if err := t.TransitionTo(models.TradeInAIError); err != nil {
		return err
	}
	if err := w.repo.UpdateTradeIn(ctx, t); err != nil {
		return fmt.Errorf("failed to record assessment failure: %w", err)
	}

	util.AssessmentsTotal.WithLabelValues(provider, "error").Inc()
	util.TradeInTransitionsTotal.WithLabelValues(models.TradeInAIError).Inc()
	w.logger.Error("Assessment failed permanently",
		zap.String("trade_in_id", t.PublicID),
		zap.Bool("retryable", retryable),
		zap.Int("retries", t.RetryCount),
		zap.Error(cause))
	w.publish(ctx, t, models.EventTypeTradeInFailed, cause.Error())
	return nil
}

func (w *AssessmentWorker) resetForShutdown(t *models.TradeIn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.ProcessingStartedAt = nil
	if err := t.TransitionTo(models.TradeInSubmitted); err != nil {
		return err
	}
	if err := w.repo.UpdateTradeIn(ctx, t); err != nil {
		return fmt.Errorf("failed to reset %s on shutdown: %w", t.PublicID, err)
	}
	if _, err := w.queue.Enqueue(ctx, t.ID, queue.PriorityHigh, 0); err != nil {
		w.logger.Warn("Failed to re-enqueue on shutdown", zap.String("trade_in_id", t.PublicID), zap.Error(err))
	}
	w.logger.Info("Assessment interrupted by shutdown, trade-in reset", zap.String("trade_in_id", t.PublicID))
	return nil
}

func (w *AssessmentWorker) publish(ctx context.Context, t *models.TradeIn, eventType, reason string) {
	if w.publisher == nil {
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
	if err := w.publisher.PublishTradeInEvent(ctx, event); err != nil {
		w.logger.Warn("Failed to publish trade-in event",
			zap.String("type", eventType),
			zap.String("trade_in_id", t.PublicID),
			zap.Error(err))
	}
}
