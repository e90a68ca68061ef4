package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReconcilerStore records saga writes in memory.
type fakeReconcilerStore struct {
	mu            sync.Mutex
	processed     map[string]string
	contractAddrs map[uuid.UUID]string
	metadataCIDs  map[uuid.UUID]string
	txHashes      map[uuid.UUID]string
	statementCIDs map[uuid.UUID]string
	storageJobs   map[string]*models.StorageJob
	activity      []models.ActivityLog
	analytics     []models.AnalyticsEvent

	knownAssets map[uuid.UUID]bool
	knownTxns   map[uuid.UUID]bool

	contractDrifts []store.ContractDrift
	hashDrifts     []store.HashDrift
	pinDrifts      []store.PinDrift
}

func newFakeReconcilerStore() *fakeReconcilerStore {
	return &fakeReconcilerStore{
		processed:     make(map[string]string),
		contractAddrs: make(map[uuid.UUID]string),
		metadataCIDs:  make(map[uuid.UUID]string),
		txHashes:      make(map[uuid.UUID]string),
		statementCIDs: make(map[uuid.UUID]string),
		storageJobs:   make(map[string]*models.StorageJob),
		knownAssets:   make(map[uuid.UUID]bool),
		knownTxns:     make(map[uuid.UUID]bool),
	}
}

func (f *fakeReconcilerStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.processed[eventID]
	return ok, nil
}

func (f *fakeReconcilerStore) MarkEventProcessed(_ context.Context, eventID, eventKind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = eventKind
	return nil
}

func (f *fakeReconcilerStore) SetAssetContractAddress(_ context.Context, assetID uuid.UUID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.knownAssets[assetID] {
		return apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	f.contractAddrs[assetID] = address
	return nil
}

func (f *fakeReconcilerStore) SetAssetMetadataCID(_ context.Context, assetID uuid.UUID, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.knownAssets[assetID] {
		return apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	f.metadataCIDs[assetID] = cid
	return nil
}

func (f *fakeReconcilerStore) SetTransactionOnChainHash(_ context.Context, id uuid.UUID, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.knownTxns[id] {
		return apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	f.txHashes[id] = txHash
	return nil
}

func (f *fakeReconcilerStore) SetTransactionStatementCID(_ context.Context, id uuid.UUID, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.knownTxns[id] {
		return apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	f.statementCIDs[id] = cid
	return nil
}

func (f *fakeReconcilerStore) GetStorageJob(_ context.Context, jobID string) (*models.StorageJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.storageJobs[jobID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "storage job %s not found", jobID)
	}
	return job, nil
}

func (f *fakeReconcilerStore) AppendActivity(_ context.Context, entry *models.ActivityLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, *entry)
	return nil
}

func (f *fakeReconcilerStore) RecordAnalytics(_ context.Context, ev *models.AnalyticsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analytics = append(f.analytics, *ev)
	return nil
}

func (f *fakeReconcilerStore) FindDriftedContractAssets(context.Context) ([]store.ContractDrift, error) {
	return f.contractDrifts, nil
}

func (f *fakeReconcilerStore) FindDriftedTransactionHashes(context.Context) ([]store.HashDrift, error) {
	return f.hashDrifts, nil
}

func (f *fakeReconcilerStore) FindDriftedPinnedAssets(context.Context) ([]store.PinDrift, error) {
	return f.pinDrifts, nil
}

type capturingDLQ struct {
	mu      sync.Mutex
	entries []string
}

func (d *capturingDLQ) PublishDeadLetter(_ context.Context, kind, reason string, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, kind+": "+reason)
	return nil
}

type fakeFailer struct {
	mu     sync.Mutex
	failed []uuid.UUID
	err    error
}

func (f *fakeFailer) Fail(_ context.Context, id uuid.UUID, _ string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.failed = append(f.failed, id)
	return &models.Transaction{ID: id, Status: models.TransactionStatusFailed}, nil
}

func chainEvent(kind, jobID string, output interface{}) *models.ChainJobFinalizedEvent {
	raw, _ := json.Marshal(output)
	return &models.ChainJobFinalizedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventKind: kind,
			Timestamp: time.Now(),
		},
		JobID:       jobID,
		FinalStatus: models.JobStatusConfirmed,
		Output:      raw,
	}
}

func TestReconcilerContractDeployedAppliedOnce(t *testing.T) {
	st := newFakeReconcilerStore()
	dlq := &capturingDLQ{}
	rec := NewReconciler(st, &fakeFailer{}, dlq, nil)
	ctx := context.Background()

	assetID := uuid.New()
	st.knownAssets[assetID] = true

	event := chainEvent(models.EventKindContractDeployed, "job-1",
		models.ContractDeployedOutput{AssetID: assetID.String(), ContractAddress: "0xabc"})

	require.NoError(t, rec.HandleChainFinalized(ctx, event))
	assert.Equal(t, "0xabc", st.contractAddrs[assetID])
	assert.Len(t, st.activity, 1)
	assert.Len(t, st.analytics, 1)

	// Redelivery of the same event is a no-op.
	st.contractAddrs[assetID] = "tampered"
	require.NoError(t, rec.HandleChainFinalized(ctx, event))
	assert.Equal(t, "tampered", st.contractAddrs[assetID])
	assert.Len(t, st.activity, 1)
	assert.Empty(t, dlq.entries)
}

func TestReconcilerMissingOutputDeadLetters(t *testing.T) {
	st := newFakeReconcilerStore()
	dlq := &capturingDLQ{}
	rec := NewReconciler(st, &fakeFailer{}, dlq, nil)
	ctx := context.Background()

	event := chainEvent(models.EventKindContractDeployed, "job-2", map[string]string{})

	// Unprocessable events are dead-lettered and acked, not retried.
	require.NoError(t, rec.HandleChainFinalized(ctx, event))
	require.Len(t, dlq.entries, 1)
	assert.Contains(t, dlq.entries[0], "asset_id")

	processed, err := st.IsEventProcessed(ctx, event.DedupKey())
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestReconcilerSettlementConfirmed(t *testing.T) {
	st := newFakeReconcilerStore()
	rec := NewReconciler(st, &fakeFailer{}, &capturingDLQ{}, nil)
	ctx := context.Background()

	txnID := uuid.New()
	st.knownTxns[txnID] = true

	event := chainEvent(models.EventKindSettlementConfirmed, "job-3",
		models.SettlementConfirmedOutput{TransactionID: txnID.String(), TxHash: "0xhash", BlockNumber: 42})

	require.NoError(t, rec.HandleChainFinalized(ctx, event))
	assert.Equal(t, "0xhash", st.txHashes[txnID])
	assert.Len(t, st.activity, 1)
}

func TestReconcilerSettlementFailureFailsTransaction(t *testing.T) {
	st := newFakeReconcilerStore()
	failer := &fakeFailer{}
	rec := NewReconciler(st, failer, &capturingDLQ{}, nil)
	ctx := context.Background()

	txnID := uuid.New()
	event := chainEvent(models.EventKindSettlementConfirmed, "job-4",
		models.SettlementConfirmedOutput{TransactionID: txnID.String()})
	event.FinalStatus = models.JobStatusFailed
	event.Error = "reverted"

	require.NoError(t, rec.HandleChainFinalized(ctx, event))
	require.Len(t, failer.failed, 1)
	assert.Equal(t, txnID, failer.failed[0])
}

func TestReconcilerBenignSkipOnMissingTarget(t *testing.T) {
	st := newFakeReconcilerStore()
	rec := NewReconciler(st, &fakeFailer{}, &capturingDLQ{}, nil)
	ctx := context.Background()

	// Asset does not exist: the event is acked without applying anything.
	event := chainEvent(models.EventKindContractDeployed, "job-5",
		models.ContractDeployedOutput{AssetID: uuid.New().String(), ContractAddress: "0xdef"})

	require.NoError(t, rec.HandleChainFinalized(ctx, event))
	processed, err := st.IsEventProcessed(ctx, event.DedupKey())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, st.contractAddrs)
}

func TestReconcilerTransientErrorNotMarked(t *testing.T) {
	st := newFakeReconcilerStore()
	rec := NewReconciler(st, &fakeFailer{}, &capturingDLQ{}, nil)
	ctx := context.Background()

	// Storage job row not visible yet: the handler must surface an error so
	// the message is redelivered, and must not mark the event processed.
	event := &models.StorageJobDoneEvent{
		BaseEvent: models.BaseEvent{EventID: uuid.New().String()},
		JobID:     "job-missing",
	}

	err := rec.HandleStorageJobDone(ctx, event)
	require.Error(t, err)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))

	processed, perr := st.IsEventProcessed(ctx, event.DedupKey())
	require.NoError(t, perr)
	assert.False(t, processed)
}

func TestReconcilerStorageJobPinsMetadata(t *testing.T) {
	st := newFakeReconcilerStore()
	rec := NewReconciler(st, &fakeFailer{}, &capturingDLQ{}, nil)
	ctx := context.Background()

	assetID := uuid.New()
	st.knownAssets[assetID] = true
	st.storageJobs["job-6"] = &models.StorageJob{
		JobID:   "job-6",
		Kind:    models.EventKindAssetMetadataPinned,
		Status:  models.JobStatusCompleted,
		Payload: models.JSONMap{"asset_id": assetID.String()},
		Output:  models.JSONMap{"cid": "bafy123"},
	}

	event := &models.StorageJobDoneEvent{
		BaseEvent: models.BaseEvent{EventID: uuid.New().String()},
		JobID:     "job-6",
	}
	require.NoError(t, rec.HandleStorageJobDone(ctx, event))
	assert.Equal(t, "bafy123", st.metadataCIDs[assetID])

	// Same job id without an event id dedups on the job key.
	dup := &models.StorageJobDoneEvent{JobID: "job-6"}
	st.metadataCIDs[assetID] = "tampered"
	require.NoError(t, rec.HandleStorageJobDone(ctx, dup))
	assert.Equal(t, "tampered", st.metadataCIDs[assetID])
}

func TestReconcilerStorageJobPinsStatement(t *testing.T) {
	st := newFakeReconcilerStore()
	rec := NewReconciler(st, &fakeFailer{}, &capturingDLQ{}, nil)
	ctx := context.Background()

	txnID := uuid.New()
	st.knownTxns[txnID] = true
	st.storageJobs["job-7"] = &models.StorageJob{
		JobID:   "job-7",
		Kind:    models.EventKindStatementPinned,
		Status:  models.JobStatusCompleted,
		Payload: models.JSONMap{"transaction_id": txnID.String()},
		Output:  models.JSONMap{"cid": "bafy456"},
	}

	event := &models.StorageJobDoneEvent{
		BaseEvent: models.BaseEvent{EventID: uuid.New().String()},
		JobID:     "job-7",
	}
	require.NoError(t, rec.HandleStorageJobDone(ctx, event))
	assert.Equal(t, "bafy456", st.statementCIDs[txnID])
}

func TestReconcilerSweepDriftRepairs(t *testing.T) {
	st := newFakeReconcilerStore()
	rec := NewReconciler(st, &fakeFailer{}, &capturingDLQ{}, nil)
	ctx := context.Background()

	assetA := uuid.New()
	assetB := uuid.New()
	txnID := uuid.New()
	st.knownAssets[assetA] = true
	st.knownAssets[assetB] = true
	st.knownTxns[txnID] = true

	st.contractDrifts = []store.ContractDrift{{AssetID: assetA, ContractAddress: "0xrepair"}}
	st.hashDrifts = []store.HashDrift{{TransactionID: txnID, TxHash: "0xhash"}}
	st.pinDrifts = []store.PinDrift{{AssetID: assetB, CID: "bafy789"}}

	rec.SweepDrift(ctx)

	assert.Equal(t, "0xrepair", st.contractAddrs[assetA])
	assert.Equal(t, "0xhash", st.txHashes[txnID])
	assert.Equal(t, "bafy789", st.metadataCIDs[assetB])
}
