package worker

import (
	"context"
	"fmt"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"
	"tradein-service/internal/queue"
	"tradein-service/internal/store"
	"tradein-service/internal/util"

	"go.uber.org/zap"
)

const reconcileBatchSize = 200

// Reconciler puts trade-ins back on the queue after a crash or restart.
type Reconciler struct {
	repo       store.Repository
	queue      queue.Queue
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler creates a reconciler. Records stuck in AI_PROCESSING for
// longer than staleAfter are considered abandoned.
func NewReconciler(repo store.Repository, q queue.Queue, staleAfter time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Reconciler{
		repo:       repo,
		queue:      q,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     util.ComponentLogger("reconciler"),
	}
}

// Reconcile resets abandoned AI_PROCESSING records to SUBMITTED and enqueues
// every SUBMITTED record missing from the queue. It returns how many were
// enqueued.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile")
	defer span.End()

	now := r.now()
	enqueued := 0

	stale, err := r.repo.ListTradeInsByStatus(ctx, models.TradeInAIProcessing, now.Add(-r.staleAfter), reconcileBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale trade-ins: %w", err)
	}
	for i := range stale {
		t := &stale[i]
		if err := t.TransitionTo(models.TradeInSubmitted); err != nil {
			return enqueued, err
		}
		t.ProcessingStartedAt = nil
		if err := r.repo.UpdateTradeIn(ctx, t); err != nil {
			if apperrors.Is(err, apperrors.CodeConcurrency) {
				continue
			}
			return enqueued, fmt.Errorf("failed to reset %s: %w", t.PublicID, err)
		}
		added, err := r.queue.Enqueue(ctx, t.ID, queue.PriorityHigh, 0)
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue %s: %w", t.PublicID, err)
		}
		if added {
			enqueued++
		}
		r.logger.Warn("Recovered stale assessment", zap.String("trade_in_id", t.PublicID))
	}

	pending, err := r.repo.ListTradeInsByStatus(ctx, models.TradeInSubmitted, now, reconcileBatchSize)
	if err != nil {
		return enqueued, fmt.Errorf("failed to list submitted trade-ins: %w", err)
	}
	for _, t := range pending {
		queued, err := r.queue.IsQueued(ctx, t.ID)
		if err != nil {
			return enqueued, err
		}
		if queued {
			continue
		}
		added, err := r.queue.Enqueue(ctx, t.ID, queue.PriorityNormal, 0)
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue %s: %w", t.PublicID, err)
		}
		if added {
			enqueued++
		}
	}

	if enqueued > 0 {
		r.logger.Info("Reconciled assessment queue", zap.Int("enqueued", enqueued))
	}
	return enqueued, nil
}
