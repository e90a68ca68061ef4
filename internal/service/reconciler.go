package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/store"
	"deal-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const driftSweepLock = "drift-sweep"

// ReconcilerStore is the persistence surface of the reconciliation saga.
type ReconcilerStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventKind string) error
	SetAssetContractAddress(ctx context.Context, assetID uuid.UUID, address string) error
	SetAssetMetadataCID(ctx context.Context, assetID uuid.UUID, cid string) error
	SetTransactionOnChainHash(ctx context.Context, id uuid.UUID, txHash string) error
	SetTransactionStatementCID(ctx context.Context, id uuid.UUID, cid string) error
	GetStorageJob(ctx context.Context, jobID string) (*models.StorageJob, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLog) error
	RecordAnalytics(ctx context.Context, ev *models.AnalyticsEvent) error
	FindDriftedContractAssets(ctx context.Context) ([]store.ContractDrift, error)
	FindDriftedTransactionHashes(ctx context.Context) ([]store.HashDrift, error)
	FindDriftedPinnedAssets(ctx context.Context) ([]store.PinDrift, error)
}

// DeadLetterPublisher routes unprocessable events to the DLQ topic.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, kind, reason string, original []byte) error
}

// SweepLocker keeps horizontally scaled sweep instances from racing.
type SweepLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// TransactionFailer moves a transaction to FAILED when settlement reports a
// final failure.
type TransactionFailer interface {
	Fail(ctx context.Context, id uuid.UUID, reason string) (*models.Transaction, error)
}

// Reconciler consumes job outcomes from the two external channels and patches
// the system of record. Every event is applied exactly once per dedup key;
// transient failures are surfaced for redelivery, permanent ones are routed
// to the dead-letter topic.
type Reconciler struct {
	store        ReconcilerStore
	transactions TransactionFailer
	dlq          DeadLetterPublisher
	locker       SweepLocker
	logger       *zap.Logger
}

// NewReconciler creates a new reconciler. locker may be nil in single-instance
// deployments.
func NewReconciler(st ReconcilerStore, transactions TransactionFailer, dlq DeadLetterPublisher, locker SweepLocker) *Reconciler {
	return &Reconciler{
		store:        st,
		transactions: transactions,
		dlq:          dlq,
		locker:       locker,
		logger:       util.NamedLogger("reconciler"),
	}
}

// HandleChainFinalized applies a blockchain job outcome. Returning an error
// leaves the message offset uncommitted so the broker redelivers it.
func (r *Reconciler) HandleChainFinalized(ctx context.Context, event *models.ChainJobFinalizedEvent) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleChainFinalized")
	defer span.End()

	key := event.DedupKey()
	processed, err := r.store.IsEventProcessed(ctx, key)
	if err != nil {
		return err
	}
	if processed {
		util.EventsProcessedTotal.WithLabelValues(event.EventKind, "duplicate").Inc()
		r.logger.Info("Skipping already-processed event",
			zap.String("dedup_key", key), zap.String("kind", event.EventKind))
		return nil
	}

	switch event.EventKind {
	case models.EventKindContractDeployed:
		err = r.applyContractDeployed(ctx, event)
	case models.EventKindSettlementConfirmed:
		err = r.applySettlementConfirmed(ctx, event)
	default:
		err = r.deadLetter(ctx, event, "unknown event kind "+event.EventKind)
	}

	switch {
	case err == nil:
		util.EventsProcessedTotal.WithLabelValues(event.EventKind, "applied").Inc()
	case apperr.KindOf(err) == apperr.NotFound:
		// The target record is gone; redelivery cannot help.
		util.EventsProcessedTotal.WithLabelValues(event.EventKind, "skipped").Inc()
		r.logger.Warn("Event target missing, skipping",
			zap.String("dedup_key", key), zap.Error(err))
	default:
		return err
	}

	return r.store.MarkEventProcessed(ctx, key, event.EventKind)
}

func (r *Reconciler) applyContractDeployed(ctx context.Context, event *models.ChainJobFinalizedEvent) error {
	var out models.ContractDeployedOutput
	if event.Output != nil {
		if err := json.Unmarshal(event.Output, &out); err != nil {
			return r.deadLetter(ctx, event, "malformed contract deployment output: "+err.Error())
		}
	}
	if out.AssetID == "" {
		// Failed deployments carry the asset id in the original payload.
		var payload struct {
			AssetID string `json:"asset_id"`
		}
		if event.OriginalPayload != nil {
			_ = json.Unmarshal(event.OriginalPayload, &payload)
		}
		out.AssetID = payload.AssetID
	}
	if out.AssetID == "" {
		return r.deadLetter(ctx, event, "contract deployment event missing asset_id")
	}
	assetID, err := uuid.Parse(out.AssetID)
	if err != nil {
		return r.deadLetter(ctx, event, "contract deployment event has invalid asset_id")
	}

	if event.FinalStatus == models.JobStatusFailed {
		r.logger.Warn("Contract deployment failed",
			zap.String("asset_id", out.AssetID),
			zap.String("job_id", event.JobID),
			zap.String("error", event.Error))
		return r.store.AppendActivity(ctx, &models.ActivityLog{
			SubjectType: "asset",
			SubjectID:   assetID,
			Action:      "contract_deployment_failed",
			Detail:      models.JSONMap{"job_id": event.JobID, "error": event.Error},
		})
	}

	if out.ContractAddress == "" {
		return r.deadLetter(ctx, event, "contract deployment output missing contract_address")
	}

	if err := r.store.SetAssetContractAddress(ctx, assetID, out.ContractAddress); err != nil {
		return err
	}

	return r.sideEffects(ctx,
		func(ctx context.Context) error {
			return r.store.AppendActivity(ctx, &models.ActivityLog{
				SubjectType: "asset",
				SubjectID:   assetID,
				Action:      "contract_deployed",
				Detail:      models.JSONMap{"contract_address": out.ContractAddress, "job_id": event.JobID},
			})
		},
		func(ctx context.Context) error {
			return r.store.RecordAnalytics(ctx, &models.AnalyticsEvent{
				Name:       "asset_contract_deployed",
				SubjectID:  assetID,
				Properties: models.JSONMap{"contract_address": out.ContractAddress},
			})
		},
	)
}

func (r *Reconciler) applySettlementConfirmed(ctx context.Context, event *models.ChainJobFinalizedEvent) error {
	var out models.SettlementConfirmedOutput
	if event.Output != nil {
		if err := json.Unmarshal(event.Output, &out); err != nil {
			return r.deadLetter(ctx, event, "malformed settlement confirmation output: "+err.Error())
		}
	}
	if out.TransactionID == "" {
		var payload struct {
			TransactionID string `json:"transaction_id"`
		}
		if event.OriginalPayload != nil {
			_ = json.Unmarshal(event.OriginalPayload, &payload)
		}
		out.TransactionID = payload.TransactionID
	}
	if out.TransactionID == "" {
		return r.deadLetter(ctx, event, "settlement event missing transaction_id")
	}
	txnID, err := uuid.Parse(out.TransactionID)
	if err != nil {
		return r.deadLetter(ctx, event, "settlement confirmation output has invalid transaction_id")
	}

	if event.FinalStatus == models.JobStatusFailed {
		_, err := r.transactions.Fail(ctx, txnID, event.Error)
		if apperr.KindOf(err) == apperr.Conflict {
			// Already out of FUNDING; the failure has been recorded elsewhere.
			r.logger.Info("Settlement failure for non-funding transaction, skipping",
				zap.String("transaction_id", out.TransactionID))
			return nil
		}
		return err
	}

	if out.TxHash == "" {
		return r.deadLetter(ctx, event, "settlement confirmation output missing tx_hash")
	}
	if err := r.store.SetTransactionOnChainHash(ctx, txnID, out.TxHash); err != nil {
		return err
	}

	return r.sideEffects(ctx,
		func(ctx context.Context) error {
			return r.store.AppendActivity(ctx, &models.ActivityLog{
				SubjectType: "transaction",
				SubjectID:   txnID,
				Action:      "settlement_confirmed",
				Detail:      models.JSONMap{"tx_hash": out.TxHash, "block_number": out.BlockNumber},
			})
		},
		func(ctx context.Context) error {
			return r.store.RecordAnalytics(ctx, &models.AnalyticsEvent{
				Name:       "transaction_settlement_confirmed",
				SubjectID:  txnID,
				Properties: models.JSONMap{"tx_hash": out.TxHash},
			})
		},
	)
}

// HandleStorageJobDone applies a pinning job outcome. The event carries only
// the job id; the job record is the source of truth.
func (r *Reconciler) HandleStorageJobDone(ctx context.Context, event *models.StorageJobDoneEvent) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleStorageJobDone")
	defer span.End()

	key := event.DedupKey()
	processed, err := r.store.IsEventProcessed(ctx, key)
	if err != nil {
		return err
	}
	if processed {
		util.EventsProcessedTotal.WithLabelValues("storage", "duplicate").Inc()
		return nil
	}

	job, err := r.store.GetStorageJob(ctx, event.JobID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			// The job row may not have replicated yet; let the broker retry.
			return apperr.Wrap(err, apperr.Transient,
				"storage job %s not visible yet", event.JobID)
		}
		return err
	}

	if job.Status == models.JobStatusFailed {
		r.logger.Warn("Storage job failed upstream, acking",
			zap.String("job_id", job.JobID), zap.String("kind", job.Kind))
		util.EventsProcessedTotal.WithLabelValues(job.Kind, "upstream_failed").Inc()
		return r.store.MarkEventProcessed(ctx, key, job.Kind)
	}

	switch job.Kind {
	case models.EventKindAssetMetadataPinned:
		err = r.applyPin(ctx, job, "asset_id", r.store.SetAssetMetadataCID)
	case models.EventKindStatementPinned:
		err = r.applyPin(ctx, job, "transaction_id", r.store.SetTransactionStatementCID)
	default:
		err = r.deadLetterJob(ctx, job, "unknown storage job kind "+job.Kind)
	}

	switch {
	case err == nil:
		util.EventsProcessedTotal.WithLabelValues(job.Kind, "applied").Inc()
	case apperr.KindOf(err) == apperr.NotFound:
		util.EventsProcessedTotal.WithLabelValues(job.Kind, "skipped").Inc()
		r.logger.Warn("Pin target missing, skipping",
			zap.String("job_id", job.JobID), zap.Error(err))
	default:
		return err
	}

	return r.store.MarkEventProcessed(ctx, key, job.Kind)
}

func (r *Reconciler) applyPin(ctx context.Context, job *models.StorageJob, idField string, apply func(context.Context, uuid.UUID, string) error) error {
	cid, _ := job.Output["cid"].(string)
	rawID, _ := job.Payload[idField].(string)
	if cid == "" || rawID == "" {
		return r.deadLetterJob(ctx, job, "pin job missing cid or "+idField)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return r.deadLetterJob(ctx, job, "pin job has invalid "+idField)
	}
	return apply(ctx, id, cid)
}

// deadLetter routes a chain event to the DLQ; the caller still marks it
// processed so it is not redelivered.
func (r *Reconciler) deadLetter(ctx context.Context, event *models.ChainJobFinalizedEvent, reason string) error {
	util.EventsDeadLetteredTotal.WithLabelValues(event.EventKind).Inc()
	r.logger.Error("Dead-lettering chain event",
		zap.String("dedup_key", event.DedupKey()),
		zap.String("kind", event.EventKind),
		zap.String("reason", reason))

	original, _ := json.Marshal(event)
	if err := r.dlq.PublishDeadLetter(ctx, event.EventKind, reason, original); err != nil {
		// Keep the event redeliverable rather than lose it.
		return apperr.Wrap(err, apperr.Transient, "failed to publish dead letter")
	}
	return nil
}

func (r *Reconciler) deadLetterJob(ctx context.Context, job *models.StorageJob, reason string) error {
	util.EventsDeadLetteredTotal.WithLabelValues(job.Kind).Inc()
	r.logger.Error("Dead-lettering storage job",
		zap.String("job_id", job.JobID),
		zap.String("kind", job.Kind),
		zap.String("reason", reason))

	original, _ := json.Marshal(job)
	if err := r.dlq.PublishDeadLetter(ctx, job.Kind, reason, original); err != nil {
		return apperr.Wrap(err, apperr.Transient, "failed to publish dead letter")
	}
	return nil
}

// sideEffects runs the given effects concurrently and waits for all of them.
// The first error wins; the event is not marked processed until every effect
// has finished.
func (r *Reconciler) sideEffects(ctx context.Context, effects ...func(context.Context) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(effects))
	for i, effect := range effects {
		wg.Add(1)
		go func(i int, effect func(context.Context) error) {
			defer wg.Done()
			errs[i] = effect(ctx)
		}(i, effect)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SweepDrift re-derives expected values from the job stores and repairs
// records whose confirmation event never landed. The Redis lock keeps
// replicas from sweeping concurrently.
func (r *Reconciler) SweepDrift(ctx context.Context) {
	ctx, span := util.StartSpan(ctx, "Reconciler.SweepDrift")
	defer span.End()

	if r.locker != nil {
		ok, err := r.locker.AcquireLock(ctx, driftSweepLock, time.Minute)
		if err != nil {
			r.logger.Warn("Drift sweep lock unavailable", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := r.locker.ReleaseLock(ctx, driftSweepLock); err != nil {
				r.logger.Warn("Failed to release drift sweep lock", zap.Error(err))
			}
		}()
	}

	contracts, err := r.store.FindDriftedContractAssets(ctx)
	if err != nil {
		r.logger.Error("Drift query failed for contract addresses", zap.Error(err))
	}
	for _, d := range contracts {
		if err := r.store.SetAssetContractAddress(ctx, d.AssetID, d.ContractAddress); err != nil {
			r.logger.Error("Failed to repair drifted contract address",
				zap.String("asset_id", d.AssetID.String()), zap.Error(err))
			continue
		}
		util.DriftCorrectionsTotal.WithLabelValues("contract_address").Inc()
		r.logger.Info("Repaired drifted contract address",
			zap.String("asset_id", d.AssetID.String()))
	}

	hashes, err := r.store.FindDriftedTransactionHashes(ctx)
	if err != nil {
		r.logger.Error("Drift query failed for settlement hashes", zap.Error(err))
	}
	for _, d := range hashes {
		if err := r.store.SetTransactionOnChainHash(ctx, d.TransactionID, d.TxHash); err != nil {
			r.logger.Error("Failed to repair drifted settlement hash",
				zap.String("transaction_id", d.TransactionID.String()), zap.Error(err))
			continue
		}
		util.DriftCorrectionsTotal.WithLabelValues("on_chain_tx_hash").Inc()
		r.logger.Info("Repaired drifted settlement hash",
			zap.String("transaction_id", d.TransactionID.String()))
	}

	pins, err := r.store.FindDriftedPinnedAssets(ctx)
	if err != nil {
		r.logger.Error("Drift query failed for metadata pins", zap.Error(err))
	}
	for _, d := range pins {
		if err := r.store.SetAssetMetadataCID(ctx, d.AssetID, d.CID); err != nil {
			r.logger.Error("Failed to repair drifted metadata pin",
				zap.String("asset_id", d.AssetID.String()), zap.Error(err))
			continue
		}
		util.DriftCorrectionsTotal.WithLabelValues("metadata_cid").Inc()
		r.logger.Info("Repaired drifted metadata pin",
			zap.String("asset_id", d.AssetID.String()))
	}
}
