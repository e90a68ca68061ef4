package store

import (
	"context"
	"database/sql"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const offerColumns = `
	id, asset_id, buyer_id, seller_id, amount, earnest_money, dd_period_days,
	closing_date, offer_type, status, contingencies, terms, notes,
	decline_reason, parent_offer_id, expires_at, created_at, updated_at`

// CreateOffer persists a new PENDING offer. The partial unique index on
// (asset_id, buyer_id) for active statuses backstops the duplicate check.
func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) error {
	query := `
		INSERT INTO offers (id, asset_id, buyer_id, seller_id, amount, earnest_money,
			dd_period_days, closing_date, offer_type, status, contingencies, terms,
			notes, parent_offer_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		offer.ID, offer.AssetID, offer.BuyerID, offer.SellerID, offer.Amount,
		offer.EarnestMoney, offer.DDPeriodDays, offer.ClosingDate, offer.OfferType,
		offer.Status, offer.Contingencies, offer.Terms, offer.Notes,
		offer.ParentOfferID, offer.ExpiresAt,
	).Scan(&offer.CreatedAt, &offer.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return apperr.Wrap(err, apperr.Conflict,
			"buyer %s already has an active offer on asset %s", offer.BuyerID, offer.AssetID)
	}
	return err
}

// GetOfferByID retrieves an offer by ID.
func (s *Store) GetOfferByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.GetContext(ctx, &offer, "SELECT "+offerColumns+" FROM offers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "offer %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// HasActiveOffer reports whether the buyer already has a PENDING or
// UNDER_REVIEW offer on the asset.
func (s *Store) HasActiveOffer(ctx context.Context, assetID, buyerID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM offers
			WHERE asset_id = $1 AND buyer_id = $2 AND status IN ('PENDING', 'UNDER_REVIEW')
		)`, assetID, buyerID)
	return exists, err
}

// ListOffersByAsset retrieves all offers on an asset, newest first.
func (s *Store) ListOffersByAsset(ctx context.Context, assetID uuid.UUID) ([]models.Offer, error) {
	var offers []models.Offer
	err := s.db.SelectContext(ctx, &offers,
		"SELECT "+offerColumns+" FROM offers WHERE asset_id = $1 ORDER BY created_at DESC", assetID)
	return offers, err
}

// ListOffersByBuyer retrieves a buyer's offers, newest first.
func (s *Store) ListOffersByBuyer(ctx context.Context, buyerID uuid.UUID) ([]models.Offer, error) {
	var offers []models.Offer
	err := s.db.SelectContext(ctx, &offers,
		"SELECT "+offerColumns+" FROM offers WHERE buyer_id = $1 ORDER BY created_at DESC", buyerID)
	return offers, err
}

// SweepExpiredOffers marks every active offer past its deadline EXPIRED.
func (s *Store) SweepExpiredOffers(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = 'EXPIRED', updated_at = NOW()
		WHERE status IN ('PENDING', 'UNDER_REVIEW') AND expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// lockOffer loads an offer row under FOR UPDATE inside tx.
func lockOffer(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	err := tx.GetContext(ctx, &offer, "SELECT "+offerColumns+" FROM offers WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "offer %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// AcceptOfferTx atomically accepts an offer and declines every other active
// offer on the same asset. No observer can ever see two ACCEPTED offers on
// one asset or an acceptance without the sibling fan-out.
func (s *Store) AcceptOfferTx(ctx context.Context, offerID, sellerID uuid.UUID) (*models.Offer, int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	offer, err := lockOffer(ctx, tx, offerID)
	if err != nil {
		return nil, 0, err
	}
	if offer.SellerID != sellerID {
		return nil, 0, apperr.New(apperr.Authorization, "only the seller may accept offer %s", offerID)
	}
	if offer.Expired(time.Now()) {
		// Expiry wins over acceptance: mark it and report the conflict.
		if _, err := tx.ExecContext(ctx,
			"UPDATE offers SET status = 'EXPIRED', updated_at = NOW() WHERE id = $1", offerID); err != nil {
			return nil, 0, err
		}
		if err := tx.Commit(); err != nil {
			return nil, 0, err
		}
		return nil, 0, apperr.New(apperr.Conflict,
			"cannot transition offer from EXPIRED to ACCEPTED")
	}
	if !offer.Active() {
		return nil, 0, apperr.New(apperr.Conflict,
			"cannot transition offer from %s to ACCEPTED", offer.Status)
	}

	if err := tx.GetContext(ctx, &offer.UpdatedAt, `
		UPDATE offers SET status = 'ACCEPTED', updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`, offerID); err != nil {
		return nil, 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE offers SET status = 'DECLINED', decline_reason = 'another offer was accepted', updated_at = NOW()
		WHERE asset_id = $1 AND id <> $2 AND status IN ('PENDING', 'UNDER_REVIEW')`,
		offer.AssetID, offerID)
	if err != nil {
		return nil, 0, err
	}
	declined, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	offer.Status = models.OfferStatusAccepted
	return offer, declined, nil
}

// ReviewOfferTx moves a PENDING offer to UNDER_REVIEW.
func (s *Store) ReviewOfferTx(ctx context.Context, offerID, sellerID uuid.UUID) (*models.Offer, error) {
	return s.transitionOffer(ctx, offerID, models.OfferStatusUnderReview,
		[]string{models.OfferStatusPending},
		func(o *models.Offer) error {
			if o.SellerID != sellerID {
				return apperr.New(apperr.Authorization, "only the seller may review offer %s", offerID)
			}
			return nil
		}, "")
}

// DeclineOfferTx declines an active offer, recording the seller's reason.
func (s *Store) DeclineOfferTx(ctx context.Context, offerID, sellerID uuid.UUID, reason string) (*models.Offer, error) {
	return s.transitionOffer(ctx, offerID, models.OfferStatusDeclined,
		models.ActiveOfferStatuses,
		func(o *models.Offer) error {
			if o.SellerID != sellerID {
				return apperr.New(apperr.Authorization, "only the seller may decline offer %s", offerID)
			}
			return nil
		}, reason)
}

// WithdrawOfferTx withdraws an active offer. Terminal statuses stay put.
func (s *Store) WithdrawOfferTx(ctx context.Context, offerID, buyerID uuid.UUID) (*models.Offer, error) {
	return s.transitionOffer(ctx, offerID, models.OfferStatusWithdrawn,
		models.ActiveOfferStatuses,
		func(o *models.Offer) error {
			if o.BuyerID != buyerID {
				return apperr.New(apperr.Authorization, "only the buyer may withdraw offer %s", offerID)
			}
			return nil
		}, "")
}

// transitionOffer runs a guarded single-offer status change in one
// transaction: lock, actor check, allowed-from check, update.
func (s *Store) transitionOffer(ctx context.Context, offerID uuid.UUID, target string, allowedFrom []string, guard func(*models.Offer) error, declineReason string) (*models.Offer, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	offer, err := lockOffer(ctx, tx, offerID)
	if err != nil {
		return nil, err
	}
	if err := guard(offer); err != nil {
		return nil, err
	}
	if !contains(allowedFrom, offer.Status) {
		return nil, apperr.New(apperr.Conflict,
			"cannot transition offer from %s to %s", offer.Status, target)
	}

	if declineReason != "" {
		offer.DeclineReason = &declineReason
	}
	if err := tx.GetContext(ctx, &offer.UpdatedAt, `
		UPDATE offers SET status = $1, decline_reason = COALESCE($2, decline_reason), updated_at = NOW()
		WHERE id = $3 RETURNING updated_at`,
		target, offer.DeclineReason, offerID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	offer.Status = target
	return offer, nil
}

// CounterOfferTx atomically marks the parent COUNTERED and inserts the child
// PENDING offer linked by parent_offer_id.
func (s *Store) CounterOfferTx(ctx context.Context, parentID, sellerID uuid.UUID, child *models.Offer) (*models.Offer, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	parent, err := lockOffer(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.SellerID != sellerID {
		return nil, apperr.New(apperr.Authorization, "only the seller may counter offer %s", parentID)
	}
	if !parent.Active() {
		return nil, apperr.New(apperr.Conflict,
			"cannot transition offer from %s to COUNTERED", parent.Status)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE offers SET status = 'COUNTERED', updated_at = NOW() WHERE id = $1", parentID); err != nil {
		return nil, err
	}

	child.ParentOfferID = &parentID
	child.Status = models.OfferStatusPending
	if err := tx.QueryRowxContext(ctx, `
		INSERT INTO offers (id, asset_id, buyer_id, seller_id, amount, earnest_money,
			dd_period_days, closing_date, offer_type, status, contingencies, terms,
			notes, parent_offer_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		child.ID, child.AssetID, child.BuyerID, child.SellerID, child.Amount,
		child.EarnestMoney, child.DDPeriodDays, child.ClosingDate, child.OfferType,
		child.Status, child.Contingencies, child.Terms, child.Notes,
		child.ParentOfferID, child.ExpiresAt,
	).Scan(&child.CreatedAt, &child.UpdatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return child, nil
}

// CounterDepth walks the parent chain and returns the number of hops above
// the given offer. The chain is forward-only so this terminates.
func (s *Store) CounterDepth(ctx context.Context, offerID uuid.UUID, maxDepth int) (int, error) {
	depth := 0
	current := offerID
	for depth <= maxDepth {
		var parent *uuid.UUID
		err := s.db.GetContext(ctx, &parent,
			"SELECT parent_offer_id FROM offers WHERE id = $1", current)
		if err == sql.ErrNoRows {
			return depth, nil
		}
		if err != nil {
			return 0, err
		}
		if parent == nil {
			return depth, nil
		}
		current = *parent
		depth++
	}
	return depth, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
