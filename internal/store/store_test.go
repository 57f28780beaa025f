package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTradeIn(publicID string) *models.TradeIn {
	return &models.TradeIn{
		PublicID:    publicID,
		OwnerID:     42,
		DeviceBrand: "Apple",
		DeviceModel: "iPhone 13",
		Photos:      []string{"front.jpg", "back.jpg"},
		Status:      models.TradeInSubmitted,
		SubmittedAt: time.Now(),
	}
}

func TestMemoryStore_TradeInVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ti := newTradeIn("abc123")
	require.NoError(t, store.CreateTradeIn(ctx, ti))
	assert.NotZero(t, ti.ID)
	assert.Equal(t, int64(1), ti.Version)

	first, err := store.GetTradeIn(ctx, ti.ID)
	require.NoError(t, err)
	second, err := store.GetTradeInByPublicID(ctx, "abc123")
	require.NoError(t, err)

	first.Status = models.TradeInAIProcessing
	require.NoError(t, store.UpdateTradeIn(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	// stale copy loses
	second.Status = models.TradeInCancelled
	err = store.UpdateTradeIn(ctx, second)
	assert.True(t, apperrors.Is(err, apperrors.CodeConcurrency))

	stored, err := store.GetTradeIn(ctx, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInAIProcessing, stored.Status)
}

func TestMemoryStore_GetReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ti := newTradeIn("copy")
	require.NoError(t, store.CreateTradeIn(ctx, ti))

	got, err := store.GetTradeIn(ctx, ti.ID)
	require.NoError(t, err)
	got.Status = models.TradeInCancelled

	again, err := store.GetTradeIn(ctx, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInSubmitted, again.Status)
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetTradeIn(ctx, 99)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	_, err = store.GetCreditNoteByCode(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateTradeIn(ctx, newTradeIn("rolled-back")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetTradeInByPublicID(ctx, "rolled-back")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.CreateTradeIn(ctx, newTradeIn("committed"))
	})
	require.NoError(t, err)
	_, err = store.GetTradeInByPublicID(ctx, "committed")
	assert.NoError(t, err)
}

func TestMemoryStore_CreditNoteBalanceBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	note := &models.CreditNote{
		Code:      "CN1",
		OwnerID:   1,
		Amount:    decimal.NewFromInt(1000),
		Remaining: decimal.NewFromInt(1000),
		Status:    models.CreditNoteActive,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateCreditNote(ctx, note))

	note.Remaining = decimal.NewFromInt(-1)
	err := store.UpdateCreditNote(ctx, note)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	note.Remaining = decimal.NewFromInt(400)
	require.NoError(t, store.UpdateCreditNote(ctx, note))

	stored, err := store.GetCreditNoteByCode(ctx, "CN1")
	require.NoError(t, err)
	assert.True(t, stored.Remaining.Equal(decimal.NewFromInt(400)))
}

func TestMemoryStore_ActiveLockSums(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateCheckoutSession(ctx, &models.CheckoutSession{
		ID: "s1", OwnerID: 7, Status: models.SessionActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	locks := []models.CreditNoteLock{
		{ID: "l1", SessionID: "s1", CreditNoteCode: "CN", Amount: decimal.NewFromInt(100), Status: models.LockLocked, ExpiresAt: now.Add(time.Minute)},
		{ID: "l2", SessionID: "s1", CreditNoteCode: "CN", Amount: decimal.NewFromInt(50), Status: models.LockReleased, ExpiresAt: now.Add(time.Minute)},
		{ID: "l3", SessionID: "s1", CreditNoteCode: "CN", Amount: decimal.NewFromInt(25), Status: models.LockLocked, ExpiresAt: now.Add(-time.Minute)},
		{ID: "l4", SessionID: "s1", CreditNoteCode: "OTHER", Amount: decimal.NewFromInt(10), Status: models.LockLocked, ExpiresAt: now.Add(time.Minute)},
	}
	for i := range locks {
		require.NoError(t, store.CreateCreditNoteLock(ctx, &locks[i]))
	}

	sum, err := store.SumActiveCreditNoteLocks(ctx, "CN", now)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(100)), "got %s", sum)

	count, err := store.CountActiveOwnerCreditLocks(ctx, 7, "CN", now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountActiveOwnerCreditLocks(ctx, 8, "CN", now)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore_CreditLockStatusGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	lock := &models.CreditNoteLock{ID: "l1", SessionID: "s1", CreditNoteCode: "CN", Status: models.LockLocked}
	require.NoError(t, store.CreateCreditNoteLock(ctx, lock))

	lock.Status = models.LockReleased
	require.NoError(t, store.UpdateCreditNoteLock(ctx, lock, models.LockLocked))

	lock.Status = models.LockConsumed
	err := store.UpdateCreditNoteLock(ctx, lock, models.LockLocked)
	assert.True(t, apperrors.Is(err, apperrors.CodeConcurrency))
}

func TestMemoryStore_WebhookEventDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	event := &models.WebhookEvent{EventID: "crm:1:100", EventType: models.WebhookOfferAccepted, Status: models.WebhookPending}
	require.NoError(t, store.CreateWebhookEvent(ctx, event))

	dup := &models.WebhookEvent{EventID: "crm:1:100", EventType: models.WebhookOfferAccepted, Status: models.WebhookPending}
	err := store.CreateWebhookEvent(ctx, dup)
	assert.True(t, apperrors.Is(err, apperrors.CodeDuplicate))

	retryAt := time.Now().Add(-time.Second)
	event.Status = models.WebhookFailed
	event.NextRetryAt = &retryAt
	require.NoError(t, store.UpdateWebhookEvent(ctx, event))

	due, err := store.ListRetryableWebhookEvents(ctx, time.Now(), time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "crm:1:100", due[0].EventID)
}

func TestMemoryStore_ListsStalePendingWebhooks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	stale := &models.WebhookEvent{EventID: "stale", EventType: models.WebhookOfferAccepted,
		Status: models.WebhookPending, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	fresh := &models.WebhookEvent{EventID: "fresh", EventType: models.WebhookOfferAccepted,
		Status: models.WebhookPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateWebhookEvent(ctx, stale))
	require.NoError(t, store.CreateWebhookEvent(ctx, fresh))

	due, err := store.ListRetryableWebhookEvents(ctx, now, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "stale", due[0].EventID)
}

func TestMemoryStore_LatestBasePrice(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry := &models.DeviceCatalogEntry{Brand: "Apple", Model: "iPhone 13", DeviceType: "phone", ReleaseYear: 2021}
	require.NoError(t, store.CreateCatalogEntry(ctx, entry))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.CreateBasePrice(ctx, &models.BasePrice{CatalogEntryID: entry.ID, Price: decimal.NewFromInt(11000), AsOf: old}))
	require.NoError(t, store.CreateBasePrice(ctx, &models.BasePrice{CatalogEntryID: entry.ID, Price: decimal.NewFromInt(12000), AsOf: time.Now()}))

	latest, err := store.GetLatestBasePrice(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(12000)))

	err = store.CreateBasePrice(ctx, &models.BasePrice{CatalogEntryID: 999, Price: decimal.NewFromInt(1)})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestPostgresStore_TradeInLifecycle(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Integration test - requires database")
	}

	store, err := NewStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))

	ti := newTradeIn("pg-" + time.Now().Format("150405.000000"))
	require.NoError(t, store.CreateTradeIn(ctx, ti))
	assert.NotZero(t, ti.ID)

	stale := *ti
	ti.Status = models.TradeInAIProcessing
	require.NoError(t, store.UpdateTradeIn(ctx, ti))

	stale.Status = models.TradeInCancelled
	err = store.UpdateTradeIn(ctx, &stale)
	assert.True(t, apperrors.Is(err, apperrors.CodeConcurrency))

	// Second insert with the same public ID violates the unique constraint
	err = store.CreateTradeIn(ctx, newTradeIn(ti.PublicID))
	assert.True(t, apperrors.Is(err, apperrors.CodeDuplicate))
}
