package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"

	"github.com/shopspring/decimal"
)

// MemoryStore implements Repository in process memory. Transactions are
// serialized and work on a copy of the state that replaces the live state
// only when the transaction function succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	nextID      int64
	tradeIns    map[int64]models.TradeIn
	catalog     map[int64]models.DeviceCatalogEntry
	prices      map[int64]models.BasePrice
	rules       map[int64]models.PriceAdjustmentRule
	notes       map[int64]models.CreditNote
	sessions    map[string]models.CheckoutSession
	creditLocks map[string]models.CreditNoteLock
	stockLocks  map[string]models.StockLock
	webhooks    map[int64]models.WebhookEvent
}

type memTx struct {
	state *memState
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now: time.Now,
		state: &memState{
			tradeIns:    map[int64]models.TradeIn{},
			catalog:     map[int64]models.DeviceCatalogEntry{},
			prices:      map[int64]models.BasePrice{},
			rules:       map[int64]models.PriceAdjustmentRule{},
			notes:       map[int64]models.CreditNote{},
			sessions:    map[string]models.CheckoutSession{},
			creditLocks: map[string]models.CreditNoteLock{},
			stockLocks:  map[string]models.StockLock{},
			webhooks:    map[int64]models.WebhookEvent{},
		},
	}
}

func (st *memState) clone() *memState {
	return &memState{
		nextID:      st.nextID,
		tradeIns:    maps.Clone(st.tradeIns),
		catalog:     maps.Clone(st.catalog),
		prices:      maps.Clone(st.prices),
		rules:       maps.Clone(st.rules),
		notes:       maps.Clone(st.notes),
		sessions:    maps.Clone(st.sessions),
		creditLocks: maps.Clone(st.creditLocks),
		stockLocks:  maps.Clone(st.stockLocks),
		webhooks:    maps.Clone(st.webhooks),
	}
}

func (st *memState) id() int64 {
	st.nextID++
	return st.nextID
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// WithTx runs fn against a private copy of the state and commits it on success
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(&memTx{state: draft, now: s.now}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func view[T any](s *MemoryStore, fn func(tx *memTx) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{state: s.state, now: s.now})
}

func (s *MemoryStore) write(ctx context.Context, fn func(tx *memTx) error) error {
	return s.WithTx(ctx, func(tx Tx) error { return fn(tx.(*memTx)) })
}

func (s *MemoryStore) CreateTradeIn(ctx context.Context, t *models.TradeIn) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateTradeIn(ctx, t) })
}

func (s *MemoryStore) GetTradeIn(ctx context.Context, id int64) (*models.TradeIn, error) {
	return view(s, func(tx *memTx) (*models.TradeIn, error) { return tx.GetTradeIn(ctx, id) })
}

func (s *MemoryStore) GetTradeInByPublicID(ctx context.Context, publicID string) (*models.TradeIn, error) {
	return view(s, func(tx *memTx) (*models.TradeIn, error) { return tx.GetTradeInByPublicID(ctx, publicID) })
}

func (s *MemoryStore) UpdateTradeIn(ctx context.Context, t *models.TradeIn) error {
	return s.write(ctx, func(tx *memTx) error { return tx.UpdateTradeIn(ctx, t) })
}

func (s *MemoryStore) ListTradeInsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.TradeIn, error) {
	return view(s, func(tx *memTx) ([]models.TradeIn, error) {
		return tx.ListTradeInsByStatus(ctx, status, updatedBefore, limit)
	})
}

func (s *MemoryStore) CreateCatalogEntry(ctx context.Context, e *models.DeviceCatalogEntry) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateCatalogEntry(ctx, e) })
}

func (s *MemoryStore) ListCatalogEntries(ctx context.Context) ([]models.DeviceCatalogEntry, error) {
	return view(s, func(tx *memTx) ([]models.DeviceCatalogEntry, error) { return tx.ListCatalogEntries(ctx) })
}

func (s *MemoryStore) CreateBasePrice(ctx context.Context, p *models.BasePrice) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateBasePrice(ctx, p) })
}

func (s *MemoryStore) GetLatestBasePrice(ctx context.Context, catalogEntryID int64) (*models.BasePrice, error) {
	return view(s, func(tx *memTx) (*models.BasePrice, error) { return tx.GetLatestBasePrice(ctx, catalogEntryID) })
}

func (s *MemoryStore) CreateAdjustmentRule(ctx context.Context, r *models.PriceAdjustmentRule) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateAdjustmentRule(ctx, r) })
}

func (s *MemoryStore) ListActiveAdjustmentRules(ctx context.Context) ([]models.PriceAdjustmentRule, error) {
	return view(s, func(tx *memTx) ([]models.PriceAdjustmentRule, error) { return tx.ListActiveAdjustmentRules(ctx) })
}

func (s *MemoryStore) CreateCreditNote(ctx context.Context, n *models.CreditNote) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateCreditNote(ctx, n) })
}

func (s *MemoryStore) GetCreditNote(ctx context.Context, id int64) (*models.CreditNote, error) {
	return view(s, func(tx *memTx) (*models.CreditNote, error) { return tx.GetCreditNote(ctx, id) })
}

func (s *MemoryStore) GetCreditNoteByCode(ctx context.Context, code string) (*models.CreditNote, error) {
	return view(s, func(tx *memTx) (*models.CreditNote, error) { return tx.GetCreditNoteByCode(ctx, code) })
}

func (s *MemoryStore) LockCreditNote(ctx context.Context, code string) (*models.CreditNote, error) {
	return s.GetCreditNoteByCode(ctx, code)
}

func (s *MemoryStore) UpdateCreditNote(ctx context.Context, n *models.CreditNote) error {
	return s.write(ctx, func(tx *memTx) error { return tx.UpdateCreditNote(ctx, n) })
}

func (s *MemoryStore) ListExpiredCreditNotes(ctx context.Context, now time.Time, limit int) ([]models.CreditNote, error) {
	return view(s, func(tx *memTx) ([]models.CreditNote, error) { return tx.ListExpiredCreditNotes(ctx, now, limit) })
}

func (s *MemoryStore) CreateCheckoutSession(ctx context.Context, cs *models.CheckoutSession) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateCheckoutSession(ctx, cs) })
}

func (s *MemoryStore) GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	return view(s, func(tx *memTx) (*models.CheckoutSession, error) { return tx.GetCheckoutSession(ctx, id) })
}

func (s *MemoryStore) UpdateCheckoutSession(ctx context.Context, cs *models.CheckoutSession) error {
	return s.write(ctx, func(tx *memTx) error { return tx.UpdateCheckoutSession(ctx, cs) })
}

func (s *MemoryStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error) {
	return view(s, func(tx *memTx) ([]models.CheckoutSession, error) { return tx.ListExpiredSessions(ctx, now, limit) })
}

func (s *MemoryStore) CreateCreditNoteLock(ctx context.Context, l *models.CreditNoteLock) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateCreditNoteLock(ctx, l) })
}

func (s *MemoryStore) GetCreditNoteLock(ctx context.Context, id string) (*models.CreditNoteLock, error) {
	return view(s, func(tx *memTx) (*models.CreditNoteLock, error) { return tx.GetCreditNoteLock(ctx, id) })
}

func (s *MemoryStore) UpdateCreditNoteLock(ctx context.Context, l *models.CreditNoteLock, fromStatus string) error {
	return s.write(ctx, func(tx *memTx) error { return tx.UpdateCreditNoteLock(ctx, l, fromStatus) })
}

func (s *MemoryStore) ListCreditNoteLocksBySession(ctx context.Context, sessionID string) ([]models.CreditNoteLock, error) {
	return view(s, func(tx *memTx) ([]models.CreditNoteLock, error) { return tx.ListCreditNoteLocksBySession(ctx, sessionID) })
}

func (s *MemoryStore) SumActiveCreditNoteLocks(ctx context.Context, code string, now time.Time) (decimal.Decimal, error) {
	return view(s, func(tx *memTx) (decimal.Decimal, error) { return tx.SumActiveCreditNoteLocks(ctx, code, now) })
}

func (s *MemoryStore) CountActiveOwnerCreditLocks(ctx context.Context, ownerID int64, code string, now time.Time) (int, error) {
	return view(s, func(tx *memTx) (int, error) { return tx.CountActiveOwnerCreditLocks(ctx, ownerID, code, now) })
}

func (s *MemoryStore) CreateStockLock(ctx context.Context, l *models.StockLock) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateStockLock(ctx, l) })
}

func (s *MemoryStore) ListStockLocksBySession(ctx context.Context, sessionID string) ([]models.StockLock, error) {
	return view(s, func(tx *memTx) ([]models.StockLock, error) { return tx.ListStockLocksBySession(ctx, sessionID) })
}

func (s *MemoryStore) UpdateStockLock(ctx context.Context, l *models.StockLock) error {
	return s.write(ctx, func(tx *memTx) error { return tx.UpdateStockLock(ctx, l) })
}

func (s *MemoryStore) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	return s.write(ctx, func(tx *memTx) error { return tx.CreateWebhookEvent(ctx, e) })
}

func (s *MemoryStore) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	return view(s, func(tx *memTx) (*models.WebhookEvent, error) { return tx.GetWebhookEvent(ctx, eventID) })
}

func (s *MemoryStore) UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	return s.write(ctx, func(tx *memTx) error { return tx.UpdateWebhookEvent(ctx, e) })
}

func (s *MemoryStore) ListRetryableWebhookEvents(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	return view(s, func(tx *memTx) ([]models.WebhookEvent, error) {
		return tx.ListRetryableWebhookEvents(ctx, now, staleBefore, limit)
	})
}

// memTx holds the actual in-memory logic

func (tx *memTx) CreateTradeIn(_ context.Context, t *models.TradeIn) error {
	for _, existing := range tx.state.tradeIns {
		if existing.PublicID == t.PublicID {
			return apperrors.Newf(apperrors.CodeDuplicate, "trade_in %s already exists", t.PublicID)
		}
	}
	now := tx.now()
	t.ID = tx.state.id()
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	tx.state.tradeIns[t.ID] = *t
	return nil
}

func (tx *memTx) GetTradeIn(_ context.Context, id int64) (*models.TradeIn, error) {
	t, ok := tx.state.tradeIns[id]
	if !ok {
		return nil, apperrors.NotFound("trade_in", id)
	}
	return &t, nil
}

func (tx *memTx) GetTradeInByPublicID(_ context.Context, publicID string) (*models.TradeIn, error) {
	for _, t := range tx.state.tradeIns {
		if t.PublicID == publicID {
			return &t, nil
		}
	}
	return nil, apperrors.NotFound("trade_in", publicID)
}

func (tx *memTx) UpdateTradeIn(_ context.Context, t *models.TradeIn) error {
	stored, ok := tx.state.tradeIns[t.ID]
	if !ok {
		return apperrors.NotFound("trade_in", t.PublicID)
	}
	if stored.Version != t.Version {
		return apperrors.Conflict("trade_in", t.PublicID)
	}
	t.Version++
	t.UpdatedAt = tx.now()
	tx.state.tradeIns[t.ID] = *t
	return nil
}

func (tx *memTx) ListTradeInsByStatus(_ context.Context, status string, updatedBefore time.Time, limit int) ([]models.TradeIn, error) {
	var out []models.TradeIn
	for _, t := range tx.state.tradeIns {
		if t.Status == status && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (tx *memTx) CreateCatalogEntry(_ context.Context, e *models.DeviceCatalogEntry) error {
	e.ID = tx.state.id()
	e.CreatedAt = tx.now()
	tx.state.catalog[e.ID] = *e
	return nil
}

func (tx *memTx) ListCatalogEntries(_ context.Context) ([]models.DeviceCatalogEntry, error) {
	out := make([]models.DeviceCatalogEntry, 0, len(tx.state.catalog))
	for _, e := range tx.state.catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) CreateBasePrice(_ context.Context, p *models.BasePrice) error {
	if _, ok := tx.state.catalog[p.CatalogEntryID]; !ok {
		return apperrors.NotFound("catalog_entry", p.CatalogEntryID)
	}
	p.ID = tx.state.id()
	tx.state.prices[p.ID] = *p
	return nil
}

func (tx *memTx) GetLatestBasePrice(_ context.Context, catalogEntryID int64) (*models.BasePrice, error) {
	var latest *models.BasePrice
	for _, p := range tx.state.prices {
		if p.CatalogEntryID != catalogEntryID {
			continue
		}
		if latest == nil || p.AsOf.After(latest.AsOf) || (p.AsOf.Equal(latest.AsOf) && p.ID > latest.ID) {
			p := p
			latest = &p
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("base_price", catalogEntryID)
	}
	return latest, nil
}

func (tx *memTx) CreateAdjustmentRule(_ context.Context, r *models.PriceAdjustmentRule) error {
	r.ID = tx.state.id()
	tx.state.rules[r.ID] = *r
	return nil
}

func (tx *memTx) ListActiveAdjustmentRules(_ context.Context) ([]models.PriceAdjustmentRule, error) {
	var out []models.PriceAdjustmentRule
	for _, r := range tx.state.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) CreateCreditNote(_ context.Context, n *models.CreditNote) error {
	for _, existing := range tx.state.notes {
		if existing.Code == n.Code {
			return apperrors.Newf(apperrors.CodeDuplicate, "credit_note %s already exists", n.Code)
		}
	}
	now := tx.now()
	n.ID = tx.state.id()
	n.Version = 1
	n.CreatedAt, n.UpdatedAt = now, now
	tx.state.notes[n.ID] = *n
	return nil
}

func (tx *memTx) GetCreditNote(_ context.Context, id int64) (*models.CreditNote, error) {
	n, ok := tx.state.notes[id]
	if !ok {
		return nil, apperrors.NotFound("credit_note", id)
	}
	return &n, nil
}

func (tx *memTx) GetCreditNoteByCode(_ context.Context, code string) (*models.CreditNote, error) {
	for _, n := range tx.state.notes {
		if n.Code == code {
			return &n, nil
		}
	}
	return nil, apperrors.NotFound("credit_note", code)
}

// LockCreditNote needs no row lock: memory transactions are already serialized.
func (tx *memTx) LockCreditNote(ctx context.Context, code string) (*models.CreditNote, error) {
	return tx.GetCreditNoteByCode(ctx, code)
}

func (tx *memTx) UpdateCreditNote(_ context.Context, n *models.CreditNote) error {
	stored, ok := tx.state.notes[n.ID]
	if !ok {
		return apperrors.NotFound("credit_note", n.Code)
	}
	if stored.Version != n.Version {
		return apperrors.Conflict("credit_note", n.Code)
	}
	if n.Remaining.IsNegative() || n.Remaining.GreaterThan(n.Amount) {
		return apperrors.Newf(apperrors.CodeValidation, "credit_note %s remaining %s outside [0, %s]",
			n.Code, n.Remaining, n.Amount)
	}
	n.Version++
	n.UpdatedAt = tx.now()
	tx.state.notes[n.ID] = *n
	return nil
}

func (tx *memTx) ListExpiredCreditNotes(_ context.Context, now time.Time, limit int) ([]models.CreditNote, error) {
	var out []models.CreditNote
	for _, n := range tx.state.notes {
		if n.Status == models.CreditNoteActive && !n.ExpiresAt.After(now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (tx *memTx) CreateCheckoutSession(_ context.Context, s *models.CheckoutSession) error {
	if _, ok := tx.state.sessions[s.ID]; ok {
		return apperrors.Newf(apperrors.CodeDuplicate, "checkout_session %s already exists", s.ID)
	}
	s.Version = 1
	tx.state.sessions[s.ID] = *s
	return nil
}

func (tx *memTx) GetCheckoutSession(_ context.Context, id string) (*models.CheckoutSession, error) {
	s, ok := tx.state.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("checkout_session", id)
	}
	return &s, nil
}

func (tx *memTx) UpdateCheckoutSession(_ context.Context, s *models.CheckoutSession) error {
	stored, ok := tx.state.sessions[s.ID]
	if !ok {
		return apperrors.NotFound("checkout_session", s.ID)
	}
	if stored.Version != s.Version {
		return apperrors.Conflict("checkout_session", s.ID)
	}
	s.Version++
	tx.state.sessions[s.ID] = *s
	return nil
}

func (tx *memTx) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]models.CheckoutSession, error) {
	var out []models.CheckoutSession
	for _, s := range tx.state.sessions {
		if s.Status == models.SessionActive && !s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (tx *memTx) CreateCreditNoteLock(_ context.Context, l *models.CreditNoteLock) error {
	if _, ok := tx.state.creditLocks[l.ID]; ok {
		return apperrors.Newf(apperrors.CodeDuplicate, "credit_note_lock %s already exists", l.ID)
	}
	tx.state.creditLocks[l.ID] = *l
	return nil
}

func (tx *memTx) GetCreditNoteLock(_ context.Context, id string) (*models.CreditNoteLock, error) {
	l, ok := tx.state.creditLocks[id]
	if !ok {
		return nil, apperrors.NotFound("credit_note_lock", id)
	}
	return &l, nil
}

func (tx *memTx) UpdateCreditNoteLock(_ context.Context, l *models.CreditNoteLock, fromStatus string) error {
	stored, ok := tx.state.creditLocks[l.ID]
	if !ok {
		return apperrors.NotFound("credit_note_lock", l.ID)
	}
	if stored.Status != fromStatus {
		return apperrors.Conflict("credit_note_lock", l.ID)
	}
	tx.state.creditLocks[l.ID] = *l
	return nil
}

func (tx *memTx) ListCreditNoteLocksBySession(_ context.Context, sessionID string) ([]models.CreditNoteLock, error) {
	var out []models.CreditNoteLock
	for _, l := range tx.state.creditLocks {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) SumActiveCreditNoteLocks(_ context.Context, code string, now time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, l := range tx.state.creditLocks {
		if l.CreditNoteCode == code && l.Status == models.LockLocked && l.ExpiresAt.After(now) {
			sum = sum.Add(l.Amount)
		}
	}
	return sum, nil
}

func (tx *memTx) CountActiveOwnerCreditLocks(_ context.Context, ownerID int64, code string, now time.Time) (int, error) {
	count := 0
	for _, l := range tx.state.creditLocks {
		if l.CreditNoteCode != code || l.Status != models.LockLocked || !l.ExpiresAt.After(now) {
			continue
		}
		if s, ok := tx.state.sessions[l.SessionID]; ok && s.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (tx *memTx) CreateStockLock(_ context.Context, l *models.StockLock) error {
	if _, ok := tx.state.stockLocks[l.ID]; ok {
		return apperrors.Newf(apperrors.CodeDuplicate, "stock_lock %s already exists", l.ID)
	}
	tx.state.stockLocks[l.ID] = *l
	return nil
}

func (tx *memTx) ListStockLocksBySession(_ context.Context, sessionID string) ([]models.StockLock, error) {
	var out []models.StockLock
	for _, l := range tx.state.stockLocks {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) UpdateStockLock(_ context.Context, l *models.StockLock) error {
	if _, ok := tx.state.stockLocks[l.ID]; !ok {
		return apperrors.NotFound("stock_lock", l.ID)
	}
	tx.state.stockLocks[l.ID] = *l
	return nil
}

func (tx *memTx) CreateWebhookEvent(_ context.Context, e *models.WebhookEvent) error {
	for _, existing := range tx.state.webhooks {
		if existing.EventID == e.EventID {
			return apperrors.Newf(apperrors.CodeDuplicate, "webhook_event %s already exists", e.EventID)
		}
	}
	e.ID = tx.state.id()
	tx.state.webhooks[e.ID] = *e
	return nil
}

func (tx *memTx) GetWebhookEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	for _, e := range tx.state.webhooks {
		if e.EventID == eventID {
			return &e, nil
		}
	}
	return nil, apperrors.NotFound("webhook_event", eventID)
}

func (tx *memTx) UpdateWebhookEvent(_ context.Context, e *models.WebhookEvent) error {
	for id, existing := range tx.state.webhooks {
		if existing.EventID == e.EventID {
			e.ID = id
			tx.state.webhooks[id] = *e
			return nil
		}
	}
	return apperrors.NotFound("webhook_event", e.EventID)
}

func (tx *memTx) ListRetryableWebhookEvents(_ context.Context, now, staleBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, e := range tx.state.webhooks {
		switch {
		case e.Status == models.WebhookFailed && e.NextRetryAt != nil && !e.NextRetryAt.After(now):
			out = append(out, e)
		case e.Status == models.WebhookPending && !e.UpdatedAt.After(staleBefore):
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return retryOrder(out[i]).Before(retryOrder(out[j])) })
	return truncate(out, limit), nil
}

func retryOrder(e models.WebhookEvent) time.Time {
	if e.NextRetryAt != nil {
		return *e.NextRetryAt
	}
	return e.UpdatedAt
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
