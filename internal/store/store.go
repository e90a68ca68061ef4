package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

// GetIdempotencyRecord retrieves an idempotency record by key. Returns nil
// when the key has never been seen.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM idempotency_records WHERE key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertIdempotencyRecord persists the outcome of a first-sighted request.
// A concurrent duplicate insert loses to the unique index; the loss is
// reported so the caller can swallow it.
func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, user_id, method, path, request_hash, response_status, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Key, rec.UserID, rec.Method, rec.Path, rec.RequestHash,
		rec.ResponseStatus, rec.ResponseBody, rec.ExpiresAt)
	if err != nil && isUniqueViolation(err) {
		return apperr.Wrap(err, apperr.Conflict, "idempotency key %q already recorded", rec.Key)
	}
	return err
}

// DeleteIdempotencyRecord removes an expired record so the key can be reused.
func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_records WHERE key = $1", key)
	return err
}

// PurgeExpiredIdempotencyRecords garbage-collects records past their TTL.
func (s *Store) PurgeExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_records WHERE expires_at <= NOW()")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IsEventProcessed checks the durable dedup marker for an event.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed records the dedup marker. Safe to call twice.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventKind string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_kind) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventKind)
	return err
}

// GetFeeStructure retrieves the fee rates for an organization.
func (s *Store) GetFeeStructure(ctx context.Context, orgID uuid.UUID) (*models.FeeStructure, error) {
	var fs models.FeeStructure
	err := s.db.GetContext(ctx, &fs,
		"SELECT * FROM fee_structures WHERE organization_id = $1", orgID)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "fee structure not found for organization %s", orgID)
	}
	if err != nil {
		return nil, err
	}
	return &fs, nil
}

// GetAsset retrieves an asset by ID.
func (s *Store) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.GetContext(ctx, &asset, "SELECT * FROM assets WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "asset %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}
