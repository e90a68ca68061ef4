package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/settlement"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateTransaction inserts a new PENDING transaction. The unique index on
// offer_id rejects a second transaction for the same offer.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, offer_id, asset_id, buyer_id, seller_id,
			purchase_price, earnest_amount, dd_period_days, closing_date, status,
			platform_fee, integrator_fee, creator_amount, prorations, adjustments, net_proceeds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		txn.ID, txn.OfferID, txn.AssetID, txn.BuyerID, txn.SellerID,
		txn.PurchasePrice, txn.EarnestAmount, txn.DDPeriodDays, txn.ClosingDate,
		txn.Status, txn.PlatformFee, txn.IntegratorFee, txn.CreatorAmount,
		txn.Prorations, txn.Adjustments, txn.NetProceeds,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return apperr.Wrap(err, apperr.Conflict,
			"a transaction already exists for offer %s", txn.OfferID)
	}
	return err
}

// GetTransactionByID retrieves a transaction by ID.
func (s *Store) GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionByOfferID retrieves the transaction for an offer. Returns nil
// when none exists.
func (s *Store) GetTransactionByOfferID(ctx context.Context, offerID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE offer_id = $1", offerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func lockTransaction(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := tx.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// advanceTransaction runs a guarded status change: lock, allowed-from check,
// update via extra. extra receives the locked row and returns the SET clause
// assignments beyond status/updated_at.
func (s *Store) advanceTransaction(ctx context.Context, id uuid.UUID, target string, allowedFrom []string, mutate func(ctx context.Context, tx *sqlx.Tx, txn *models.Transaction) error) (*models.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := lockTransaction(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !contains(allowedFrom, txn.Status) {
		return nil, apperr.New(apperr.Conflict,
			"cannot transition transaction from %s to %s", txn.Status, target)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2", target, id); err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(ctx, tx, txn); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	txn.Status = target
	return txn, nil
}

// DepositEarnestTx moves PENDING to EARNEST_DEPOSITED recording the deposit.
func (s *Store) DepositEarnestTx(ctx context.Context, id uuid.UUID, amount int64) (*models.Transaction, error) {
	now := time.Now()
	return s.advanceTransaction(ctx, id, models.TransactionStatusEarnestDeposited,
		[]string{models.TransactionStatusPending},
		func(ctx context.Context, tx *sqlx.Tx, txn *models.Transaction) error {
			txn.EarnestAmount = &amount
			txn.EarnestDepositedAt = &now
			_, err := tx.ExecContext(ctx,
				"UPDATE transactions SET earnest_amount = $1, earnest_deposited_at = $2 WHERE id = $3",
				amount, now, id)
			return err
		})
}

// CompleteDueDiligenceTx moves EARNEST_DEPOSITED or DUE_DILIGENCE to
// DUE_DILIGENCE and stamps completion.
func (s *Store) CompleteDueDiligenceTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	now := time.Now()
	return s.advanceTransaction(ctx, id, models.TransactionStatusDueDiligence,
		[]string{models.TransactionStatusEarnestDeposited, models.TransactionStatusDueDiligence},
		func(ctx context.Context, tx *sqlx.Tx, txn *models.Transaction) error {
			txn.DDCompletedAt = &now
			_, err := tx.ExecContext(ctx,
				"UPDATE transactions SET dd_completed_at = $1 WHERE id = $2", now, id)
			return err
		})
}

// FundTransactionTx moves DUE_DILIGENCE to FUNDING.
func (s *Store) FundTransactionTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.advanceTransaction(ctx, id, models.TransactionStatusFunding,
		[]string{models.TransactionStatusDueDiligence}, nil)
}

// CancelTransactionTx moves any pre-funding status to CANCELLED.
func (s *Store) CancelTransactionTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.advanceTransaction(ctx, id, models.TransactionStatusCancelled,
		[]string{
			models.TransactionStatusPending,
			models.TransactionStatusEarnestDeposited,
			models.TransactionStatusDueDiligence,
		}, nil)
}

// FailTransactionTx moves FUNDING to FAILED, used when on-chain settlement
// reports a final failure.
func (s *Store) FailTransactionTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.advanceTransaction(ctx, id, models.TransactionStatusFailed,
		[]string{models.TransactionStatusFunding}, nil)
}

// CloseTransactionTx recomputes settlement fields and writes the immutable
// statement snapshot in the same transaction that moves FUNDING to CLOSED.
func (s *Store) CloseTransactionTx(ctx context.Context, id uuid.UUID, breakdown settlement.Breakdown, statement json.RawMessage, closedAt time.Time) (*models.Transaction, error) {
	return s.advanceTransaction(ctx, id, models.TransactionStatusClosed,
		[]string{models.TransactionStatusFunding},
		func(ctx context.Context, tx *sqlx.Tx, txn *models.Transaction) error {
			txn.PlatformFee = breakdown.PlatformFee
			txn.IntegratorFee = breakdown.IntegratorFee
			txn.CreatorAmount = breakdown.CreatorAmount
			txn.NetProceeds = breakdown.NetProceeds
			txn.SettlementStatement = statement
			txn.ClosedAt = &closedAt
			_, err := tx.ExecContext(ctx, `
				UPDATE transactions
				SET platform_fee = $1, integrator_fee = $2, creator_amount = $3,
					net_proceeds = $4, settlement_statement = $5, closed_at = $6
				WHERE id = $7 AND settlement_statement IS NULL`,
				breakdown.PlatformFee, breakdown.IntegratorFee, breakdown.CreatorAmount,
				breakdown.NetProceeds, []byte(statement), closedAt, id)
			return err
		})
}

// SetTransactionOnChainHash patches the confirmed settlement hash. Repeated
// application writes the same value, so it is naturally idempotent.
func (s *Store) SetTransactionOnChainHash(ctx context.Context, id uuid.UUID, txHash string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET on_chain_tx_hash = $1, updated_at = NOW() WHERE id = $2",
		txHash, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	return nil
}

// SetTransactionStatementCID patches the pinned statement CID.
func (s *Store) SetTransactionStatementCID(ctx context.Context, id uuid.UUID, cid string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET statement_cid = $1, updated_at = NOW() WHERE id = $2", cid, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.NotFound, "transaction %s not found", id)
	}
	return nil
}
