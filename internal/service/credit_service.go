package service

import (
	"context"
	"fmt"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/broker"
	"tradein-service/internal/models"
	"tradein-service/internal/store"
	"tradein-service/internal/util"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	creditCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	creditCodeLength   = 12
	sweepBatchSize     = 100
)

// CreditConfig holds the credit note and checkout policy knobs.
type CreditConfig struct {
	ExpiryDays      int
	SessionDuration time.Duration
	// AllowStacked permits one owner to hold locks on the same note from
	// several sessions at once.
	AllowStacked bool
}

// CreditService issues credit notes and runs the checkout locking protocol.
// Every operation touching a note's balance runs in one transaction that
// holds the note's row lock, so per-code operations serialize.
type CreditService struct {
	repo      store.Repository
	publisher broker.Publisher
	cfg       CreditConfig
	newCode   func() string
	now       func() time.Time
	logger    *zap.Logger
}

// NewCreditService creates a new credit service
func NewCreditService(repo store.Repository, publisher broker.Publisher, cfg CreditConfig) (*CreditService, error) {
	newCode, err := nanoid.CustomASCII(creditCodeAlphabet, creditCodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create code generator: %w", err)
	}
	if cfg.ExpiryDays <= 0 {
		cfg.ExpiryDays = 365
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 15 * time.Minute
	}
	return &CreditService{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		newCode:   newCode,
		now:       time.Now,
		logger:    util.ComponentLogger("credit-service"),
	}, nil
}

// Issue creates an ACTIVE credit note for an accepted trade-in inside the
// caller's transaction.
func (s *CreditService) Issue(ctx context.Context, tx store.Tx, t *models.TradeIn, amount decimal.Decimal) (*models.CreditNote, error) {
	if !amount.IsPositive() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "credit amount must be positive, got %s", amount)
	}
	tradeInID := t.ID
	note := &models.CreditNote{
		Code:      s.newCode(),
		OwnerID:   t.OwnerID,
		TradeInID: &tradeInID,
		Amount:    amount,
		Remaining: amount,
		Status:    models.CreditNoteActive,
		ExpiresAt: s.now().AddDate(0, 0, s.cfg.ExpiryDays),
	}
	if err := tx.CreateCreditNote(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to create credit note: %w", err)
	}
	return note, nil
}

// PublishIssued announces a committed credit note.
func (s *CreditService) PublishIssued(ctx context.Context, note *models.CreditNote) {
	util.CreditNotesIssuedTotal.Inc()
	s.logger.Info("Credit note issued",
		zap.String("code", note.Code),
		zap.Int64("owner_id", note.OwnerID),
		zap.String("amount", note.Amount.String()))
	s.publish(ctx, models.EventTypeCreditNoteIssued, note, "", "", "")
}

// GetCreditNote returns a note by code. Customers may only read their own notes.
func (s *CreditService) GetCreditNote(ctx context.Context, actor Actor, code string) (*models.CreditNote, error) {
	note, err := s.repo.GetCreditNoteByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && note.OwnerID != actor.ID {
		return nil, apperrors.New(apperrors.CodeForbidden, "credit note belongs to another customer")
	}
	return note, nil
}

// Validation is the outcome of checking a code against a requested amount.
type Validation struct {
	Code       string          `json:"code"`
	Remaining  decimal.Decimal `json:"remaining"`
	Available  decimal.Decimal `json:"available"`
	Applicable decimal.Decimal `json:"applicable_amount"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Validate checks that code is usable and computes the applicable amount:
// min(remaining, requested). Available additionally nets out active locks.
func (s *CreditService) Validate(ctx context.Context, code string, requested decimal.Decimal) (*Validation, error) {
	ctx, span := util.StartSpan(ctx, "CreditService.Validate", attribute.String("credit.code", code))
	defer span.End()

	if requested.IsNegative() {
		return nil, apperrors.New(apperrors.CodeValidation, "requested amount must not be negative")
	}
	note, err := s.repo.GetCreditNoteByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := usable(note, now); err != nil {
		return nil, err
	}
	held, err := s.repo.SumActiveCreditNoteLocks(ctx, code, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sum locks: %w", err)
	}
	return &Validation{
		Code:       note.Code,
		Remaining:  note.Remaining,
		Available:  decimal.Max(note.Remaining.Sub(held), decimal.Zero),
		Applicable: decimal.Min(note.Remaining, requested),
		ExpiresAt:  note.ExpiresAt,
	}, nil
}

func usable(note *models.CreditNote, now time.Time) error {
	if note.Status != models.CreditNoteActive {
		return apperrors.Newf(apperrors.CodeStateConflict, "credit note %s is %s", note.Code, note.Status)
	}
	if !note.ExpiresAt.After(now) {
		return apperrors.Newf(apperrors.CodeStateConflict, "credit note %s has expired", note.Code)
	}
	return nil
}

// OpenSession starts a checkout session for ownerID.
func (s *CreditService) OpenSession(ctx context.Context, ownerID int64) (*models.CheckoutSession, error) {
	if ownerID <= 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "owner is required")
	}
	now := s.now()
	session := &models.CheckoutSession{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Status:       models.SessionActive,
		LockedAmount: decimal.Zero,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionDuration),
	}
	if err := s.repo.CreateCheckoutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Debug("Checkout session opened", zap.String("session_id", session.ID), zap.Int64("owner_id", ownerID))
	return session, nil
}

// GetSession returns a session owned by ownerID.
func (s *CreditService) GetSession(ctx context.Context, ownerID int64, sessionID string) (*models.CheckoutSession, error) {
	session, err := s.repo.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := ownsSession(session, ownerID); err != nil {
		return nil, err
	}
	return session, nil
}

func ownsSession(session *models.CheckoutSession, ownerID int64) error {
	if ownerID != 0 && session.OwnerID != ownerID {
		return apperrors.New(apperrors.CodeForbidden, "checkout session belongs to another customer")
	}
	return nil
}

func openSession(session *models.CheckoutSession, now time.Time) error {
	if session.Status != models.SessionActive {
		return apperrors.Newf(apperrors.CodeStateConflict, "checkout session %s is %s", session.ID, session.Status)
	}
	if !session.ExpiresAt.After(now) {
		return apperrors.Newf(apperrors.CodeStateConflict, "checkout session %s has expired", session.ID)
	}
	return nil
}

// Lock reserves amount of the note's balance for a session. It succeeds only
// if amount <= remaining - sum(active locks on the code).
func (s *CreditService) Lock(ctx context.Context, ownerID int64, sessionID, code string, amount decimal.Decimal) (lock *models.CreditNoteLock, err error) {
	ctx, span := util.StartSpan(ctx, "CreditService.Lock",
		attribute.String("credit.code", code),
		attribute.String("session.id", sessionID))
	defer func() { util.EndSpan(span, err) }()

	if !amount.IsPositive() {
		return nil, apperrors.New(apperrors.CodeValidation, "lock amount must be positive")
	}

	now := s.now()
	var available decimal.Decimal
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		session, err := tx.GetCheckoutSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := ownsSession(session, ownerID); err != nil {
			return err
		}
		if err := openSession(session, now); err != nil {
			return err
		}

		note, err := tx.LockCreditNote(ctx, code)
		if err != nil {
			return err
		}
		if note.OwnerID != session.OwnerID {
			return apperrors.New(apperrors.CodeForbidden, "credit note belongs to another customer")
		}
		if err := usable(note, now); err != nil {
			return err
		}

		if !s.cfg.AllowStacked {
			count, err := tx.CountActiveOwnerCreditLocks(ctx, session.OwnerID, code, now)
			if err != nil {
				return fmt.Errorf("failed to count owner locks: %w", err)
			}
			if count > 0 {
				return apperrors.Newf(apperrors.CodeStateConflict,
					"credit note %s already has an active lock for this customer", code)
			}
		}

		held, err := tx.SumActiveCreditNoteLocks(ctx, code, now)
		if err != nil {
			return fmt.Errorf("failed to sum locks: %w", err)
		}
		available = note.Remaining.Sub(held)
		if amount.GreaterThan(available) {
			return apperrors.Newf(apperrors.CodeInsufficientBalance,
				"credit note %s has %s available, requested %s", code, decimal.Max(available, decimal.Zero), amount)
		}

		lock = &models.CreditNoteLock{
			ID:             uuid.New().String(),
			SessionID:      session.ID,
			CreditNoteCode: code,
			Amount:         amount,
			Status:         models.LockLocked,
			CreatedAt:      now,
			ExpiresAt:      session.ExpiresAt,
		}
		if err := tx.CreateCreditNoteLock(ctx, lock); err != nil {
			return fmt.Errorf("failed to create lock: %w", err)
		}

		session.AppliedCreditCode = &code
		session.LockedAmount = session.LockedAmount.Add(amount)
		if err := tx.UpdateCheckoutSession(ctx, session); err != nil {
			return err
		}
		// Bump the note version so a concurrent locker on the same code
		// fails instead of reading a stale lock sum.
		return tx.UpdateCreditNote(ctx, note)
	})
	if err != nil {
		s.recordLockFailure(ctx, ownerID, sessionID, code, amount, err)
		return nil, err
	}

	util.CreditLockAttemptsTotal.WithLabelValues("locked").Inc()
	s.logger.Info("Credit locked",
		zap.String("code", code),
		zap.String("session_id", sessionID),
		zap.String("lock_id", lock.ID),
		zap.String("amount", amount.String()))
	return lock, nil
}

func (s *CreditService) recordLockFailure(ctx context.Context, ownerID int64, sessionID, code string, amount decimal.Decimal, err error) {
	outcome := "error"
	switch {
	case apperrors.Is(err, apperrors.CodeInsufficientBalance):
		outcome = "insufficient_balance"
	case apperrors.Is(err, apperrors.CodeConcurrency):
		outcome = "conflict"
	case apperrors.Is(err, apperrors.CodeStateConflict):
		outcome = "rejected"
	}
	util.CreditLockAttemptsTotal.WithLabelValues(outcome).Inc()
	s.logger.Warn("Credit lock rejected",
		zap.String("code", code),
		zap.String("session_id", sessionID),
		zap.String("amount", amount.String()),
		zap.String("outcome", outcome),
		zap.Error(err))

	if outcome == "insufficient_balance" || outcome == "conflict" {
		s.publishEvent(ctx, &models.CreditNoteEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeCreditLockDenied),
			Code:      code,
			OwnerID:   ownerID,
			Amount:    amount,
			SessionID: sessionID,
			Reason:    outcome,
		})
	}
}

// Release frees a LOCKED lock's capacity. Releasing an already released lock
// is a no-op; releasing a consumed one is a state conflict.
func (s *CreditService) Release(ctx context.Context, ownerID int64, lockID string) (*models.CreditNoteLock, error) {
	ctx, span := util.StartSpan(ctx, "CreditService.Release", attribute.String("lock.id", lockID))
	defer span.End()

	var lock *models.CreditNoteLock
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		lock, err = tx.GetCreditNoteLock(ctx, lockID)
		if err != nil {
			return err
		}
		session, err := tx.GetCheckoutSession(ctx, lock.SessionID)
		if err != nil {
			return err
		}
		if err := ownsSession(session, ownerID); err != nil {
			return err
		}
		switch lock.Status {
		case models.LockReleased:
			return nil
		case models.LockConsumed:
			return apperrors.Newf(apperrors.CodeStateConflict, "lock %s was already consumed", lockID)
		}
		return s.releaseLock(ctx, tx, session, lock, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Credit lock released", zap.String("lock_id", lockID), zap.String("code", lock.CreditNoteCode))
	return lock, nil
}

func (s *CreditService) releaseLock(ctx context.Context, tx store.Tx, session *models.CheckoutSession, lock *models.CreditNoteLock, now time.Time) error {
	note, err := tx.LockCreditNote(ctx, lock.CreditNoteCode)
	if err != nil {
		return err
	}
	lock.Status = models.LockReleased
	lock.ReleasedAt = &now
	if err := tx.UpdateCreditNoteLock(ctx, lock, models.LockLocked); err != nil {
		return err
	}
	session.LockedAmount = decimal.Max(session.LockedAmount.Sub(lock.Amount), decimal.Zero)
	if session.LockedAmount.IsZero() {
		session.AppliedCreditCode = nil
	}
	if err := tx.UpdateCheckoutSession(ctx, session); err != nil {
		return err
	}
	return tx.UpdateCreditNote(ctx, note)
}

// ConsumeResult reports the state after a lock was consumed.
type ConsumeResult struct {
	Lock    *models.CreditNoteLock  `json:"lock"`
	Note    *models.CreditNote      `json:"credit_note"`
	Session *models.CheckoutSession `json:"session"`
}

// Consume applies a lock to a completed order: the note's remaining balance
// drops by the locked amount, the lock becomes CONSUMED and the session
// completes. Repeating the call with the same order is idempotent.
func (s *CreditService) Consume(ctx context.Context, ownerID int64, lockID, orderID string) (res *ConsumeResult, err error) {
	ctx, span := util.StartSpan(ctx, "CreditService.Consume",
		attribute.String("lock.id", lockID),
		attribute.String("order.id", orderID))
	defer func() { util.EndSpan(span, err) }()

	if orderID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "order id is required")
	}

	replay := false
	now := s.now()
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		lock, err := tx.GetCreditNoteLock(ctx, lockID)
		if err != nil {
			return err
		}
		session, err := tx.GetCheckoutSession(ctx, lock.SessionID)
		if err != nil {
			return err
		}
		if err := ownsSession(session, ownerID); err != nil {
			return err
		}

		if lock.Status == models.LockConsumed {
			if lock.OrderID == nil || *lock.OrderID != orderID {
				return apperrors.Newf(apperrors.CodeStateConflict, "lock %s was consumed by another order", lockID)
			}
			note, err := tx.GetCreditNoteByCode(ctx, lock.CreditNoteCode)
			if err != nil {
				return err
			}
			replay = true
			res = &ConsumeResult{Lock: lock, Note: note, Session: session}
			return nil
		}
		if err := openSession(session, now); err != nil {
			return err
		}

		note, err := s.consumeLock(ctx, tx, lock, orderID, now)
		if err != nil {
			return err
		}
		if err := s.completeSession(ctx, tx, session, orderID, now); err != nil {
			return err
		}
		res = &ConsumeResult{Lock: lock, Note: note, Session: session}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		s.afterConsume(ctx, res.Note, res.Lock, orderID)
	}
	return res, nil
}

// CompleteSession finishes a checkout for orderID: any LOCKED credit lock is
// consumed and stock locks are marked consumed.
func (s *CreditService) CompleteSession(ctx context.Context, ownerID int64, sessionID, orderID string) (*models.CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "CreditService.CompleteSession", attribute.String("session.id", sessionID))
	defer span.End()

	if orderID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "order id is required")
	}

	type consumed struct {
		note *models.CreditNote
		lock *models.CreditNoteLock
	}
	var (
		session *models.CheckoutSession
		spent   []consumed
	)
	now := s.now()
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		session, err = tx.GetCheckoutSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := ownsSession(session, ownerID); err != nil {
			return err
		}
		if session.Status == models.SessionCompleted && session.OrderID != nil && *session.OrderID == orderID {
			return nil
		}
		if err := openSession(session, now); err != nil {
			return err
		}

		locks, err := tx.ListCreditNoteLocksBySession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to list locks: %w", err)
		}
		for i := range locks {
			if locks[i].Status != models.LockLocked {
				continue
			}
			note, err := s.consumeLock(ctx, tx, &locks[i], orderID, now)
			if err != nil {
				return err
			}
			spent = append(spent, consumed{note: note, lock: &locks[i]})
		}
		return s.completeSession(ctx, tx, session, orderID, now)
	})
	if err != nil {
		return nil, err
	}
	for _, c := range spent {
		s.afterConsume(ctx, c.note, c.lock, orderID)
	}
	return session, nil
}

func (s *CreditService) consumeLock(ctx context.Context, tx store.Tx, lock *models.CreditNoteLock, orderID string, now time.Time) (*models.CreditNote, error) {
	if lock.Status != models.LockLocked {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "lock %s is %s", lock.ID, lock.Status)
	}
	if !lock.ExpiresAt.After(now) {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "lock %s has expired", lock.ID)
	}

	note, err := tx.LockCreditNote(ctx, lock.CreditNoteCode)
	if err != nil {
		return nil, err
	}
	if note.Status != models.CreditNoteActive {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "credit note %s is %s", note.Code, note.Status)
	}
	if lock.Amount.GreaterThan(note.Remaining) {
		return nil, apperrors.Newf(apperrors.CodeInsufficientBalance,
			"credit note %s has %s remaining, lock holds %s", note.Code, note.Remaining, lock.Amount)
	}

	note.Remaining = note.Remaining.Sub(lock.Amount)
	if note.Remaining.IsZero() {
		note.Status = models.CreditNoteConsumed
		note.ConsumedInOrderID = &orderID
		note.RedeemedAt = &now
	}
	if err := tx.UpdateCreditNote(ctx, note); err != nil {
		return nil, err
	}

	lock.Status = models.LockConsumed
	lock.OrderID = &orderID
	lock.ConsumedAt = &now
	if err := tx.UpdateCreditNoteLock(ctx, lock, models.LockLocked); err != nil {
		return nil, err
	}
	return note, nil
}

func (s *CreditService) completeSession(ctx context.Context, tx store.Tx, session *models.CheckoutSession, orderID string, now time.Time) error {
	locks, err := tx.ListCreditNoteLocksBySession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}
	for i := range locks {
		if locks[i].Status == models.LockLocked {
			if err := s.releaseLock(ctx, tx, session, &locks[i], now); err != nil {
				return err
			}
		}
	}
	if err := s.settleStock(ctx, tx, session.ID, models.LockConsumed, now); err != nil {
		return err
	}
	session.Status = models.SessionCompleted
	session.OrderID = &orderID
	session.CompletedAt = &now
	return tx.UpdateCheckoutSession(ctx, session)
}

func (s *CreditService) afterConsume(ctx context.Context, note *models.CreditNote, lock *models.CreditNoteLock, orderID string) {
	amount, _ := lock.Amount.Float64()
	util.CreditConsumedAmount.Add(amount)
	s.logger.Info("Credit consumed",
		zap.String("code", note.Code),
		zap.String("lock_id", lock.ID),
		zap.String("order_id", orderID),
		zap.String("remaining", note.Remaining.String()))
	s.publish(ctx, models.EventTypeCreditNoteSpent, note, lock.SessionID, orderID, "")
}

// LockStock records a stock reservation for the session.
func (s *CreditService) LockStock(ctx context.Context, ownerID int64, sessionID string, productID int64, quantity int) (*models.StockLock, error) {
	if productID <= 0 || quantity <= 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "product and a positive quantity are required")
	}
	var lock *models.StockLock
	now := s.now()
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		session, err := tx.GetCheckoutSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := ownsSession(session, ownerID); err != nil {
			return err
		}
		if err := openSession(session, now); err != nil {
			return err
		}
		lock = &models.StockLock{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			ProductID: productID,
			Quantity:  quantity,
			Status:    models.LockLocked,
			CreatedAt: now,
			ExpiresAt: session.ExpiresAt,
		}
		return tx.CreateStockLock(ctx, lock)
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *CreditService) settleStock(ctx context.Context, tx store.Tx, sessionID, status string, now time.Time) error {
	locks, err := tx.ListStockLocksBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list stock locks: %w", err)
	}
	for i := range locks {
		if locks[i].Status != models.LockLocked {
			continue
		}
		locks[i].Status = status
		locks[i].ReleasedAt = &now
		if err := tx.UpdateStockLock(ctx, &locks[i]); err != nil {
			return err
		}
	}
	return nil
}

// CancelSession abandons a checkout and returns all held capacity.
func (s *CreditService) CancelSession(ctx context.Context, ownerID int64, sessionID string) (*models.CheckoutSession, error) {
	var session *models.CheckoutSession
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		session, err = tx.GetCheckoutSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := ownsSession(session, ownerID); err != nil {
			return err
		}
		if session.Status != models.SessionActive {
			return apperrors.Newf(apperrors.CodeStateConflict, "checkout session %s is %s", sessionID, session.Status)
		}
		return s.closeSession(ctx, tx, session, models.SessionCancelled, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Checkout session cancelled", zap.String("session_id", sessionID))
	return session, nil
}

func (s *CreditService) closeSession(ctx context.Context, tx store.Tx, session *models.CheckoutSession, status string, now time.Time) error {
	locks, err := tx.ListCreditNoteLocksBySession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}
	for i := range locks {
		if locks[i].Status != models.LockLocked {
			continue
		}
		if err := s.releaseLock(ctx, tx, session, &locks[i], now); err != nil {
			return err
		}
	}
	if err := s.settleStock(ctx, tx, session.ID, models.LockReleased, now); err != nil {
		return err
	}
	session.Status = status
	return tx.UpdateCheckoutSession(ctx, session)
}

// ExpireSessions moves ACTIVE sessions past their expiry to EXPIRED and
// releases their locks. It returns the number of sessions expired.
func (s *CreditService) ExpireSessions(ctx context.Context) (int, error) {
	now := s.now()
	sessions, err := s.repo.ListExpiredSessions(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	expired := 0
	for _, candidate := range sessions {
		closed := false
		err := s.repo.WithTx(ctx, func(tx store.Tx) error {
			session, err := tx.GetCheckoutSession(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if session.Status != models.SessionActive || session.ExpiresAt.After(now) {
				return nil
			}
			closed = true
			return s.closeSession(ctx, tx, session, models.SessionExpired, now)
		})
		if err != nil {
			s.logger.Warn("Failed to expire session", zap.String("session_id", candidate.ID), zap.Error(err))
			continue
		}
		if closed {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("Expired checkout sessions", zap.Int("count", expired))
	}
	return expired, nil
}

// ExpireCreditNotes flips ACTIVE notes past their expiry to EXPIRED.
func (s *CreditService) ExpireCreditNotes(ctx context.Context) (int, error) {
	now := s.now()
	notes, err := s.repo.ListExpiredCreditNotes(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired credit notes: %w", err)
	}

	var expired []*models.CreditNote
	for _, candidate := range notes {
		var note *models.CreditNote
		err := s.repo.WithTx(ctx, func(tx store.Tx) error {
			var err error
			note, err = tx.LockCreditNote(ctx, candidate.Code)
			if err != nil {
				return err
			}
			if note.Status != models.CreditNoteActive || note.ExpiresAt.After(now) {
				note = nil
				return nil
			}
			note.Status = models.CreditNoteExpired
			return tx.UpdateCreditNote(ctx, note)
		})
		if err != nil {
			s.logger.Warn("Failed to expire credit note", zap.String("code", candidate.Code), zap.Error(err))
			continue
		}
		if note != nil {
			expired = append(expired, note)
		}
	}

	for _, note := range expired {
		s.publish(ctx, models.EventTypeCreditNoteExpired, note, "", "", "expired")
	}
	if len(expired) > 0 {
		s.logger.Info("Expired credit notes", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// CancelCreditNote voids an ACTIVE note that has no active locks.
func (s *CreditService) CancelCreditNote(ctx context.Context, actor Actor, code string) (*models.CreditNote, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.New(apperrors.CodeForbidden, "only an admin may cancel a credit note")
	}
	var note *models.CreditNote
	now := s.now()
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		note, err = tx.LockCreditNote(ctx, code)
		if err != nil {
			return err
		}
		if note.Status != models.CreditNoteActive {
			return apperrors.Newf(apperrors.CodeStateConflict, "credit note %s is %s", code, note.Status)
		}
		held, err := tx.SumActiveCreditNoteLocks(ctx, code, now)
		if err != nil {
			return fmt.Errorf("failed to sum locks: %w", err)
		}
		if held.IsPositive() {
			return apperrors.Newf(apperrors.CodeStateConflict, "credit note %s has %s locked by checkouts", code, held)
		}
		note.Status = models.CreditNoteCancelled
		return tx.UpdateCreditNote(ctx, note)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Credit note cancelled", zap.String("code", code), zap.Int64("admin_id", actor.ID))
	return note, nil
}

func (s *CreditService) publish(ctx context.Context, eventType string, note *models.CreditNote, sessionID, orderID, reason string) {
	s.publishEvent(ctx, &models.CreditNoteEvent{
		BaseEvent: models.NewBaseEvent(eventType),
		Code:      note.Code,
		OwnerID:   note.OwnerID,
		Amount:    note.Amount,
		Remaining: note.Remaining,
		SessionID: sessionID,
		OrderID:   orderID,
		Reason:    reason,
	})
}

func (s *CreditService) publishEvent(ctx context.Context, event *models.CreditNoteEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishCreditNoteEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish credit note event",
			zap.String("type", event.EventType),
			zap.String("code", event.Code),
			zap.Error(err))
	}
}
