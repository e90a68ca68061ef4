package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/settlement"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDealStore backs the transaction service with in-memory state, enforcing
// the same transition guards the SQL store enforces under its row locks.
type fakeDealStore struct {
	mu        sync.Mutex
	offers    map[uuid.UUID]*models.Offer
	txns      map[uuid.UUID]*models.Transaction
	assets    map[uuid.UUID]*models.Asset
	fees      map[uuid.UUID]*models.FeeStructure
	activity  []models.ActivityLog
	analytics []models.AnalyticsEvent
}

func newFakeDealStore() *fakeDealStore {
	return &fakeDealStore{
		offers: make(map[uuid.UUID]*models.Offer),
		txns:   make(map[uuid.UUID]*models.Transaction),
		assets: make(map[uuid.UUID]*models.Asset),
		fees:   make(map[uuid.UUID]*models.FeeStructure),
	}
}

func (f *fakeDealStore) CreateTransaction(_ context.Context, txn *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.txns {
		if t.OfferID == txn.OfferID {
			return apperr.New(apperr.Conflict, "a transaction already exists for offer %s", txn.OfferID)
		}
	}
	txn.CreatedAt = time.Now()
	txn.UpdatedAt = txn.CreatedAt
	f.txns[txn.ID] = txn
	return nil
}

func (f *fakeDealStore) GetTransactionByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeDealStore) GetTransactionByOfferID(_ context.Context, offerID uuid.UUID) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.txns {
		if t.OfferID == offerID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDealStore) advance(id uuid.UUID, target string, allowedFrom []string, mutate func(*models.Transaction)) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	allowed := false
	for _, s := range allowedFrom {
		if t.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, apperr.New(apperr.Conflict,
			"cannot transition transaction from %s to %s", t.Status, target)
	}
	t.Status = target
	if mutate != nil {
		mutate(t)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeDealStore) DepositEarnestTx(_ context.Context, id uuid.UUID, amount int64) (*models.Transaction, error) {
	now := time.Now()
	return f.advance(id, models.TransactionStatusEarnestDeposited,
		[]string{models.TransactionStatusPending},
		func(t *models.Transaction) {
			t.EarnestAmount = &amount
			t.EarnestDepositedAt = &now
		})
}

func (f *fakeDealStore) CompleteDueDiligenceTx(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	now := time.Now()
	return f.advance(id, models.TransactionStatusDueDiligence,
		[]string{models.TransactionStatusEarnestDeposited, models.TransactionStatusDueDiligence},
		func(t *models.Transaction) { t.DDCompletedAt = &now })
}

func (f *fakeDealStore) FundTransactionTx(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	return f.advance(id, models.TransactionStatusFunding,
		[]string{models.TransactionStatusDueDiligence}, nil)
}

func (f *fakeDealStore) CancelTransactionTx(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	return f.advance(id, models.TransactionStatusCancelled, []string{
		models.TransactionStatusPending,
		models.TransactionStatusEarnestDeposited,
		models.TransactionStatusDueDiligence,
	}, nil)
}

func (f *fakeDealStore) FailTransactionTx(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	return f.advance(id, models.TransactionStatusFailed,
		[]string{models.TransactionStatusFunding}, nil)
}

func (f *fakeDealStore) CloseTransactionTx(_ context.Context, id uuid.UUID, b settlement.Breakdown, statement json.RawMessage, closedAt time.Time) (*models.Transaction, error) {
	return f.advance(id, models.TransactionStatusClosed,
		[]string{models.TransactionStatusFunding},
		func(t *models.Transaction) {
			t.PlatformFee = b.PlatformFee
			t.IntegratorFee = b.IntegratorFee
			t.CreatorAmount = b.CreatorAmount
			t.NetProceeds = b.NetProceeds
			if t.SettlementStatement == nil {
				t.SettlementStatement = statement
			}
			t.ClosedAt = &closedAt
		})
}

func (f *fakeDealStore) GetOfferByID(_ context.Context, id uuid.UUID) (*models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "offer %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeDealStore) GetAsset(_ context.Context, id uuid.UUID) (*models.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeDealStore) AppendActivity(_ context.Context, entry *models.ActivityLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, *entry)
	return nil
}

func (f *fakeDealStore) RecordAnalytics(_ context.Context, ev *models.AnalyticsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analytics = append(f.analytics, *ev)
	return nil
}

func (f *fakeDealStore) GetFeeStructure(_ context.Context, orgID uuid.UUID) (*models.FeeStructure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.fees[orgID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "fee structure for organization %s not found", orgID)
	}
	cp := *fs
	return &cp, nil
}

type failingPublisher struct{}

func (failingPublisher) PublishNotification(context.Context, *models.NotificationEvent) error {
	return errors.New("broker unavailable")
}

func newTransactionFixture(t *testing.T) (*TransactionService, *fakeDealStore, *models.Offer) {
	t.Helper()
	store := newFakeDealStore()
	fees := NewFeeService(store, nil, 500, 100, time.Minute)
	svc := NewTransactionService(store, fees, NewNotifier(failingPublisher{}))

	asset := &models.Asset{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Category:       "A",
		Name:           "Unit 4B",
	}
	store.assets[asset.ID] = asset

	offer := &models.Offer{
		ID:        uuid.New(),
		AssetID:   asset.ID,
		BuyerID:   uuid.New(),
		SellerID:  uuid.New(),
		Amount:    100000,
		OfferType: "CASH",
		Status:    models.OfferStatusAccepted,
	}
	store.offers[offer.ID] = offer
	return svc, store, offer
}

func TestTransactionLifecycleHappyPath(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()
	buyer := offer.BuyerID

	txn, err := svc.Create(ctx, buyer, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusPending, txn.Status)

	// Fee rates default to 500/100 bps; the gross-up carve-out of 100000
	// yields 4717 + 943 + 94340.
	assert.Equal(t, int64(4717), txn.PlatformFee)
	assert.Equal(t, int64(943), txn.IntegratorFee)
	assert.Equal(t, int64(94340), txn.CreatorAmount)
	assert.Equal(t, txn.PurchasePrice, txn.PlatformFee+txn.IntegratorFee+txn.CreatorAmount)

	txn, err = svc.DepositEarnest(ctx, buyer, txn.ID, 5000)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusEarnestDeposited, txn.Status)
	require.NotNil(t, txn.EarnestAmount)
	assert.Equal(t, int64(5000), *txn.EarnestAmount)

	txn, err = svc.CompleteDueDiligence(ctx, buyer, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusDueDiligence, txn.Status)

	txn, err = svc.Fund(ctx, buyer, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFunding, txn.Status)

	txn, err = svc.Close(ctx, buyer, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusClosed, txn.Status)
	require.NotNil(t, txn.ClosedAt)
	require.NotNil(t, txn.SettlementStatement)

	var stmt settlement.Statement
	require.NoError(t, json.Unmarshal(txn.SettlementStatement, &stmt))
	assert.Equal(t, txn.ID, stmt.TransactionID)
	assert.Equal(t, int64(100000), stmt.PurchasePrice)
	assert.Equal(t, int64(4717), stmt.Fees.PlatformFee)
	assert.Equal(t, int64(5660), stmt.Fees.TotalFees)
	assert.Equal(t, int64(94340), stmt.Totals.NetProceeds)
}

func TestTransactionCloseWritesSideRecords(t *testing.T) {
	svc, store, offer := newTransactionFixture(t)
	ctx := context.Background()
	buyer := offer.BuyerID

	txn, err := svc.Create(ctx, buyer, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)
	_, err = svc.DepositEarnest(ctx, buyer, txn.ID, 5000)
	require.NoError(t, err)
	_, err = svc.CompleteDueDiligence(ctx, buyer, txn.ID)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, buyer, txn.ID)
	require.NoError(t, err)
	_, err = svc.Close(ctx, buyer, txn.ID)
	require.NoError(t, err)

	require.Len(t, store.activity, 1)
	assert.Equal(t, "closed", store.activity[0].Action)
	assert.Equal(t, txn.ID, store.activity[0].SubjectID)
	require.Len(t, store.analytics, 1)
	assert.Equal(t, "transaction_closed", store.analytics[0].Name)
}

func TestTransactionCreateRequiresAcceptedOffer(t *testing.T) {
	svc, store, offer := newTransactionFixture(t)
	ctx := context.Background()

	store.offers[offer.ID].Status = models.OfferStatusPending

	_, err := svc.Create(ctx, offer.BuyerID, &CreateTransactionRequest{OfferID: offer.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Contains(t, err.Error(), models.OfferStatusPending)
}

func TestTransactionCreateRejectsNonParty(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)

	_, err := svc.Create(context.Background(), uuid.New(), &CreateTransactionRequest{OfferID: offer.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))
}

func TestTransactionCreateDuplicateOffer(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, offer.BuyerID, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)

	_, err = svc.Create(ctx, offer.SellerID, &CreateTransactionRequest{OfferID: offer.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestTransactionActorGuards(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()

	txn, err := svc.Create(ctx, offer.BuyerID, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)

	// Only the buyer may deposit earnest.
	_, err = svc.DepositEarnest(ctx, offer.SellerID, txn.ID, 5000)
	require.Error(t, err)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))

	// An outsider may not transition anything.
	_, err = svc.Cancel(ctx, uuid.New(), txn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))

	got, err := svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusPending, got.Status)
}

func TestTransactionInvalidTransitionNamesBothStates(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()

	txn, err := svc.Create(ctx, offer.BuyerID, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)

	// Funding straight from PENDING skips two stages.
	_, err = svc.Fund(ctx, offer.BuyerID, txn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Contains(t, err.Error(), models.TransactionStatusPending)
	assert.Contains(t, err.Error(), models.TransactionStatusFunding)

	got, err := svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusPending, got.Status)
}

func TestTransactionCancelBeforeFundingOnly(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()
	buyer := offer.BuyerID

	txn, err := svc.Create(ctx, buyer, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)

	_, err = svc.DepositEarnest(ctx, buyer, txn.ID, 5000)
	require.NoError(t, err)
	_, err = svc.CompleteDueDiligence(ctx, buyer, txn.ID)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, buyer, txn.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, buyer, txn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestTransactionCloseIsTerminal(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()
	buyer := offer.BuyerID

	txn, err := svc.Create(ctx, buyer, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)
	_, err = svc.DepositEarnest(ctx, buyer, txn.ID, 5000)
	require.NoError(t, err)
	_, err = svc.CompleteDueDiligence(ctx, buyer, txn.ID)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, buyer, txn.ID)
	require.NoError(t, err)
	closed, err := svc.Close(ctx, buyer, txn.ID)
	require.NoError(t, err)
	firstStatement := closed.SettlementStatement

	// A second close must fail and leave the original statement intact.
	_, err = svc.Close(ctx, buyer, txn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	got, err := svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusClosed, got.Status)
	assert.Equal(t, string(firstStatement), string(got.SettlementStatement))
}

func TestTransactionFreeTierZeroFees(t *testing.T) {
	svc, store, offer := newTransactionFixture(t)
	ctx := context.Background()

	store.assets[offer.AssetID].Category = models.CategoryFreeTier

	txn, err := svc.Create(ctx, offer.BuyerID, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)
	assert.Zero(t, txn.PlatformFee)
	assert.Zero(t, txn.IntegratorFee)
	assert.Equal(t, txn.PurchasePrice, txn.CreatorAmount)
}

func TestTransactionUpdateStatusDelegates(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()
	buyer := offer.BuyerID

	txn, err := svc.Create(ctx, buyer, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)
	_, err = svc.DepositEarnest(ctx, buyer, txn.ID, 5000)
	require.NoError(t, err)

	got, err := svc.UpdateStatus(ctx, buyer, txn.ID, models.TransactionStatusDueDiligence)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusDueDiligence, got.Status)

	got, err = svc.UpdateStatus(ctx, buyer, txn.ID, models.TransactionStatusFunding)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFunding, got.Status)

	// Unknown targets are rejected naming both the current and the
	// attempted state.
	_, err = svc.UpdateStatus(ctx, buyer, txn.ID, "SOMETHING_ELSE")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), models.TransactionStatusFunding)
	assert.Contains(t, err.Error(), "SOMETHING_ELSE")

	// Earnest deposits carry an amount, so the generic endpoint points the
	// caller at the dedicated one.
	_, err = svc.UpdateStatus(ctx, buyer, txn.ID, models.TransactionStatusEarnestDeposited)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), models.TransactionStatusFunding)
	assert.Contains(t, err.Error(), "earnest")
}

func TestTransactionFailFromFundingOnly(t *testing.T) {
	svc, _, offer := newTransactionFixture(t)
	ctx := context.Background()
	buyer := offer.BuyerID

	txn, err := svc.Create(ctx, buyer, &CreateTransactionRequest{OfferID: offer.ID})
	require.NoError(t, err)

	_, err = svc.Fail(ctx, txn.ID, "reverted")
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	_, err = svc.DepositEarnest(ctx, buyer, txn.ID, 5000)
	require.NoError(t, err)
	_, err = svc.CompleteDueDiligence(ctx, buyer, txn.ID)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, buyer, txn.ID)
	require.NoError(t, err)

	failed, err := svc.Fail(ctx, txn.ID, "reverted")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, failed.Status)
}
