package store

import (
	"context"
	"database/sql"

	"deal-service/internal/apperr"
	"deal-service/internal/models"

	"github.com/google/uuid"
)

// The methods in this file are the saga's only write paths into the catalog
// and the downstream systems of record: patch-by-id asset updates, the
// append-only activity log, and analytics rows.

// SetAssetContractAddress patches the confirmed contract address onto the
// asset record. Idempotent under repeated application.
func (s *Store) SetAssetContractAddress(ctx context.Context, assetID uuid.UUID, address string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE assets SET contract_address = $1, updated_at = NOW() WHERE id = $2",
		address, assetID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	return nil
}

// SetAssetMetadataCID patches the pinned metadata CID onto the asset record.
func (s *Store) SetAssetMetadataCID(ctx context.Context, assetID uuid.UUID, cid string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE assets SET metadata_cid = $1, updated_at = NOW() WHERE id = $2",
		cid, assetID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.NotFound, "asset %s not found", assetID)
	}
	return nil
}

// AppendActivity appends an immutable activity-log entry.
func (s *Store) AppendActivity(ctx context.Context, entry *models.ActivityLog) error {
	return s.db.GetContext(ctx, &entry.ID, `
		INSERT INTO activity_log (subject_type, subject_id, action, detail)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		entry.SubjectType, entry.SubjectID, entry.Action, entry.Detail)
}

// RecordAnalytics records an analytics row.
func (s *Store) RecordAnalytics(ctx context.Context, ev *models.AnalyticsEvent) error {
	return s.db.GetContext(ctx, &ev.ID, `
		INSERT INTO analytics_events (name, subject_id, properties, occurred_at)
		VALUES ($1, $2, $3, NOW()) RETURNING id`,
		ev.Name, ev.SubjectID, ev.Properties)
}

// GetStorageJob fetches the pinning service's job record for a channel-B
// follow-up read.
func (s *Store) GetStorageJob(ctx context.Context, jobID string) (*models.StorageJob, error) {
	var job models.StorageJob
	err := s.db.GetContext(ctx, &job, "SELECT * FROM storage_jobs WHERE job_id = $1", jobID)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "storage job %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetChainJob fetches the blockchain runner's job record.
func (s *Store) GetChainJob(ctx context.Context, jobID string) (*models.ChainJob, error) {
	var job models.ChainJob
	err := s.db.GetContext(ctx, &job, "SELECT * FROM chain_jobs WHERE job_id = $1", jobID)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "chain job %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ContractDrift is an asset whose confirmed contract address never landed.
type ContractDrift struct {
	AssetID         uuid.UUID `db:"asset_id"`
	ContractAddress string    `db:"contract_address"`
}

// FindDriftedContractAssets re-derives expected contract addresses from the
// chain job store and returns assets whose record has drifted.
func (s *Store) FindDriftedContractAssets(ctx context.Context) ([]ContractDrift, error) {
	var drifts []ContractDrift
	err := s.db.SelectContext(ctx, &drifts, `
		SELECT a.id AS asset_id, j.output->>'contract_address' AS contract_address
		FROM assets a
		JOIN chain_jobs j ON j.kind = 'CONTRACT_DEPLOYED'
			AND j.status = 'CONFIRMED'
			AND (j.payload->>'asset_id')::uuid = a.id
		WHERE a.contract_address IS NULL
			AND j.output->>'contract_address' IS NOT NULL`)
	return drifts, err
}

// HashDrift is a transaction whose confirmed settlement hash never landed.
type HashDrift struct {
	TransactionID uuid.UUID `db:"transaction_id"`
	TxHash        string    `db:"tx_hash"`
}

// FindDriftedTransactionHashes re-derives expected on-chain hashes from the
// chain job store and returns transactions whose record has drifted.
func (s *Store) FindDriftedTransactionHashes(ctx context.Context) ([]HashDrift, error) {
	var drifts []HashDrift
	err := s.db.SelectContext(ctx, &drifts, `
		SELECT t.id AS transaction_id, j.tx_hash
		FROM transactions t
		JOIN chain_jobs j ON j.kind = 'SETTLEMENT_CONFIRMED'
			AND j.status = 'CONFIRMED'
			AND (j.payload->>'transaction_id')::uuid = t.id
		WHERE t.on_chain_tx_hash IS NULL AND j.tx_hash IS NOT NULL`)
	return drifts, err
}

// PinDrift is an asset whose completed metadata pin never landed.
type PinDrift struct {
	AssetID uuid.UUID `db:"asset_id"`
	CID     string    `db:"cid"`
}

// FindDriftedPinnedAssets re-derives expected CIDs from the storage job store
// and returns assets whose record has drifted.
func (s *Store) FindDriftedPinnedAssets(ctx context.Context) ([]PinDrift, error) {
	var drifts []PinDrift
	err := s.db.SelectContext(ctx, &drifts, `
		SELECT a.id AS asset_id, j.output->>'cid' AS cid
		FROM assets a
		JOIN storage_jobs j ON j.kind = 'ASSET_METADATA_PINNED'
			AND j.status = 'COMPLETED'
			AND (j.payload->>'asset_id')::uuid = a.id
		WHERE a.metadata_cid IS NULL AND j.output->>'cid' IS NOT NULL`)
	return drifts, err
}
