package service

import (
	"context"
	"fmt"
	"testing"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_QueuesAndPublishes(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()

	tradeIn := env.submit(t, 7)
	assert.Equal(t, models.TradeInSubmitted, tradeIn.Status)
	assert.Len(t, tradeIn.PublicID, 15)
	assert.Equal(t, int64(1), tradeIn.Version)

	queued, err := env.queue.IsQueued(ctx, tradeIn.ID)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, []string{models.EventTypeTradeInSubmitted}, env.publisher.tradeInTypes())
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})

	tooMany := make([]string, 11)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("tradeins/photo-%d.jpg", i)
	}

	cases := map[string]*SubmitRequest{
		"no photos":   {OwnerID: 7, DeviceBrand: "Apple", DeviceModel: "iPhone 13"},
		"blank photo": {OwnerID: 7, DeviceBrand: "Apple", DeviceModel: "iPhone 13", Photos: []string{""}},
		"too many":    {OwnerID: 7, DeviceBrand: "Apple", DeviceModel: "iPhone 13", Photos: tooMany},
		"no model":    {OwnerID: 7, DeviceBrand: "Apple", DeviceModel: "  ", Photos: []string{"a.jpg"}},
		"no owner":    {DeviceBrand: "Apple", DeviceModel: "iPhone 13", Photos: []string{"a.jpg"}},
		"bad imei":    {OwnerID: 7, DeviceBrand: "Apple", DeviceModel: "iPhone 13", IMEI: "12ab", Photos: []string{"a.jpg"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.tradeIns.Submit(context.Background(), req)
			requireCode(t, err, apperrors.CodeValidation)
		})
	}
}

func TestGet_OwnerOrAdmin(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()
	tradeIn := env.submit(t, 7)

	_, err := env.tradeIns.Get(ctx, Actor{ID: 7, Role: RoleCustomer}, tradeIn.PublicID)
	require.NoError(t, err)
	_, err = env.tradeIns.Get(ctx, Actor{ID: 1, Role: RoleAdmin}, tradeIn.PublicID)
	require.NoError(t, err)
	_, err = env.tradeIns.Get(ctx, Actor{ID: 8, Role: RoleCustomer}, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = env.tradeIns.Get(ctx, Actor{ID: 7, Role: RoleCustomer}, "missing")
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestAccept_IssuesCreditAndCompletes(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()
	tradeIn := env.submit(t, 7)
	env.setOffer(t, tradeIn.PublicID, models.TradeInAIAssessed, "9600")

	res, err := env.tradeIns.Accept(ctx, Actor{ID: 7, Role: RoleCustomer}, tradeIn.PublicID)
	require.NoError(t, err)

	assert.Equal(t, models.TradeInCompleted, res.TradeIn.Status)
	assert.NotNil(t, res.TradeIn.UserAcceptedAt)
	assert.NotNil(t, res.TradeIn.CreditIssuedAt)
	require.NotNil(t, res.TradeIn.CreditNoteID)
	assert.Equal(t, res.CreditNote.ID, *res.TradeIn.CreditNoteID)
	assert.True(t, res.TradeIn.ApprovedOffer.Decimal.Equal(dec("9600")))

	assert.True(t, res.CreditNote.Amount.Equal(dec("9600")))
	assert.True(t, res.CreditNote.Remaining.Equal(dec("9600")))
	assert.Equal(t, int64(7), res.CreditNote.OwnerID)
	require.NotNil(t, res.CreditNote.TradeInID)
	assert.Equal(t, tradeIn.ID, *res.CreditNote.TradeInID)

	assert.Contains(t, env.publisher.tradeInTypes(), models.EventTypeTradeInAccepted)
	assert.Contains(t, env.publisher.creditTypes(), models.EventTypeCreditNoteIssued)

	_, err = env.tradeIns.Accept(ctx, Actor{ID: 7, Role: RoleCustomer}, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeStateConflict)
}

func TestAccept_Guards(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()

	tradeIn := env.submit(t, 7)
	env.setOffer(t, tradeIn.PublicID, models.TradeInAIAssessed, "9600")

	_, err := env.tradeIns.Accept(ctx, Actor{ID: 8, Role: RoleCustomer}, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = env.tradeIns.Accept(ctx, Actor{ID: 7, Role: RoleAdmin}, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeForbidden)

	failed := env.submit(t, 7)
	env.setOffer(t, failed.PublicID, models.TradeInAIError, "")
	_, err = env.tradeIns.Accept(ctx, Actor{ID: 7, Role: RoleCustomer}, failed.PublicID)
	requireCode(t, err, apperrors.CodeStateConflict)

	stored, err := env.repo.GetTradeInByPublicID(ctx, failed.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInAIError, stored.Status)
	assert.Nil(t, stored.CreditNoteID)
}

func TestReject(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()
	tradeIn := env.submit(t, 7)
	env.setOffer(t, tradeIn.PublicID, models.TradeInAIAssessed, "100")

	rejected, err := env.tradeIns.Reject(ctx, Actor{ID: 7, Role: RoleCustomer}, tradeIn.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInRejected, rejected.Status)
	assert.Contains(t, env.publisher.tradeInTypes(), models.EventTypeTradeInDeclined)
}

func TestForceEvaluate_ThenOfferAndAccept(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()
	admin := Actor{ID: 1, Role: RoleAdmin}
	customer := Actor{ID: 7, Role: RoleCustomer}

	tradeIn := env.submit(t, 7)
	env.setOffer(t, tradeIn.PublicID, models.TradeInAIError, "")

	_, err := env.tradeIns.ForceEvaluate(ctx, customer, tradeIn.PublicID, &EvaluateRequest{Grade: "B", Offer: dec("5000")})
	requireCode(t, err, apperrors.CodeForbidden)

	_, err = env.tradeIns.ForceEvaluate(ctx, admin, tradeIn.PublicID, &EvaluateRequest{Grade: "Z", Offer: dec("5000")})
	requireCode(t, err, apperrors.CodeValidation)

	_, err = env.tradeIns.ForceEvaluate(ctx, admin, tradeIn.PublicID, &EvaluateRequest{Grade: "B", Offer: dec("0")})
	requireCode(t, err, apperrors.CodeValidation)

	evaluated, err := env.tradeIns.ForceEvaluate(ctx, admin, tradeIn.PublicID, &EvaluateRequest{Grade: "b", Offer: dec("5000"), Notes: "checked in store"})
	require.NoError(t, err)
	assert.Equal(t, models.TradeInEvaluated, evaluated.Status)
	assert.Equal(t, "B", evaluated.Grade())
	assert.NotNil(t, evaluated.AdminApprovedAt)

	// Not yet offered to the customer.
	_, err = env.tradeIns.Accept(ctx, customer, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeStateConflict)

	offered, err := env.tradeIns.SendOffer(ctx, admin, tradeIn.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInOfferSent, offered.Status)

	res, err := env.tradeIns.Accept(ctx, customer, tradeIn.PublicID)
	require.NoError(t, err)
	assert.True(t, res.CreditNote.Amount.Equal(dec("5000")))
}

func TestCancelAndExpire(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()
	admin := Actor{ID: 1, Role: RoleAdmin}

	tradeIn := env.submit(t, 7)
	_, err := env.tradeIns.Cancel(ctx, Actor{ID: 7, Role: RoleCustomer}, tradeIn.PublicID, "")
	requireCode(t, err, apperrors.CodeForbidden)

	// SUBMITTED has no outstanding offer.
	_, err = env.tradeIns.Expire(ctx, admin, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeStateConflict)

	cancelled, err := env.tradeIns.Cancel(ctx, admin, tradeIn.PublicID, "duplicate submission")
	require.NoError(t, err)
	assert.Equal(t, models.TradeInCancelled, cancelled.Status)
	assert.Equal(t, "duplicate submission", cancelled.AdminNotes)

	_, err = env.tradeIns.Cancel(ctx, admin, tradeIn.PublicID, "")
	requireCode(t, err, apperrors.CodeStateConflict)

	offered := env.submit(t, 7)
	env.setOffer(t, offered.PublicID, models.TradeInAIAssessed, "100")
	expired, err := env.tradeIns.Expire(ctx, admin, offered.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInExpired, expired.Status)
}

func TestRequeue(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()
	admin := Actor{ID: 1, Role: RoleAdmin}

	tradeIn := env.submit(t, 7)
	_, ok, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.tradeIns.Requeue(ctx, admin, tradeIn.PublicID)
	requireCode(t, err, apperrors.CodeStateConflict)

	failed, err := env.repo.GetTradeInByPublicID(ctx, tradeIn.PublicID)
	require.NoError(t, err)
	failed.Status = models.TradeInAIError
	failed.RetryCount = 3
	require.NoError(t, env.repo.UpdateTradeIn(ctx, failed))

	requeued, err := env.tradeIns.Requeue(ctx, admin, tradeIn.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInSubmitted, requeued.Status)
	assert.Zero(t, requeued.RetryCount)

	queued, err := env.queue.IsQueued(ctx, tradeIn.ID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestLinkCreditNote(t *testing.T) {
	env := newTestEnv(t, CreditConfig{})
	ctx := context.Background()

	tradeIn := env.submit(t, 7)
	env.setOffer(t, tradeIn.PublicID, models.TradeInAIAssessed, "700")

	_, err := env.tradeIns.LinkCreditNote(ctx, tradeIn.PublicID, 9999)
	requireCode(t, err, apperrors.CodeNotFound)

	foreign := env.issueNote(t, 8, "700")
	_, err = env.tradeIns.LinkCreditNote(ctx, tradeIn.PublicID, foreign.ID)
	requireCode(t, err, apperrors.CodeValidation)

	note := env.issueNote(t, 7, "700")
	linked, err := env.tradeIns.LinkCreditNote(ctx, tradeIn.PublicID, note.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeInCompleted, linked.Status)
	require.NotNil(t, linked.CreditNoteID)
	assert.Equal(t, note.ID, *linked.CreditNoteID)

	again, err := env.tradeIns.LinkCreditNote(ctx, tradeIn.PublicID, note.ID)
	require.NoError(t, err)
	assert.Equal(t, linked.Version, again.Version)
}
