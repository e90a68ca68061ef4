package service

import (
	"context"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OfferStore is the persistence surface the offer state machine needs. All
// *Tx methods run their guarded transition atomically under a row lock.
type OfferStore interface {
	CreateOffer(ctx context.Context, offer *models.Offer) error
	GetOfferByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	HasActiveOffer(ctx context.Context, assetID, buyerID uuid.UUID) (bool, error)
	ListOffersByAsset(ctx context.Context, assetID uuid.UUID) ([]models.Offer, error)
	ListOffersByBuyer(ctx context.Context, buyerID uuid.UUID) ([]models.Offer, error)
	SweepExpiredOffers(ctx context.Context) (int64, error)
	AcceptOfferTx(ctx context.Context, offerID, sellerID uuid.UUID) (*models.Offer, int64, error)
	ReviewOfferTx(ctx context.Context, offerID, sellerID uuid.UUID) (*models.Offer, error)
	DeclineOfferTx(ctx context.Context, offerID, sellerID uuid.UUID, reason string) (*models.Offer, error)
	WithdrawOfferTx(ctx context.Context, offerID, buyerID uuid.UUID) (*models.Offer, error)
	CounterOfferTx(ctx context.Context, parentID, sellerID uuid.UUID, child *models.Offer) (*models.Offer, error)
	CounterDepth(ctx context.Context, offerID uuid.UUID, maxDepth int) (int, error)
}

// OfferService owns the offer lifecycle.
type OfferService struct {
	store           OfferStore
	notifier        *Notifier
	maxCounterDepth int
	logger          *zap.Logger
}

// NewOfferService creates a new offer service.
func NewOfferService(store OfferStore, notifier *Notifier, maxCounterDepth int) *OfferService {
	return &OfferService{
		store:           store,
		notifier:        notifier,
		maxCounterDepth: maxCounterDepth,
		logger:          util.NamedLogger("offers"),
	}
}

// CreateOfferRequest carries the buyer's proposal.
type CreateOfferRequest struct {
	AssetID       uuid.UUID              `json:"asset_id" binding:"required"`
	SellerID      uuid.UUID              `json:"seller_id" binding:"required"`
	Amount        int64                  `json:"amount" binding:"required,min=1"`
	EarnestMoney  *int64                 `json:"earnest_money,omitempty"`
	DDPeriodDays  *int                   `json:"dd_period_days,omitempty"`
	ClosingDate   *time.Time             `json:"closing_date,omitempty"`
	OfferType     string                 `json:"offer_type" binding:"required"`
	Contingencies []models.Contingency   `json:"contingencies,omitempty"`
	Terms         map[string]interface{} `json:"terms,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
}

func (r *CreateOfferRequest) validate(buyerID uuid.UUID, now time.Time) error {
	if buyerID == r.SellerID {
		return apperr.New(apperr.Validation, "buyer and seller must be different parties")
	}
	return r.validateTerms(now)
}

// validateTerms checks the proposal fields shared by new offers and counters.
func (r *CreateOfferRequest) validateTerms(now time.Time) error {
	if r.Amount <= 0 {
		return apperr.New(apperr.Validation, "offer amount must be positive")
	}
	if r.EarnestMoney != nil && *r.EarnestMoney < 0 {
		return apperr.New(apperr.Validation, "earnest money cannot be negative")
	}
	if r.DDPeriodDays != nil && *r.DDPeriodDays < 0 {
		return apperr.New(apperr.Validation, "due diligence period cannot be negative")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return apperr.New(apperr.Validation, "expires_at must be in the future")
	}
	return nil
}

// Create validates and persists a new PENDING offer from the buyer.
func (s *OfferService) Create(ctx context.Context, buyerID uuid.UUID, req *CreateOfferRequest) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.Create")
	defer span.End()

	if err := req.validate(buyerID, time.Now()); err != nil {
		util.OffersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	exists, err := s.store.HasActiveOffer(ctx, req.AssetID, buyerID)
	if err != nil {
		return nil, err
	}
	if exists {
		util.OffersRejectedTotal.WithLabelValues("duplicate_active").Inc()
		return nil, apperr.New(apperr.Conflict,
			"buyer %s already has an active offer on asset %s", buyerID, req.AssetID)
	}

	offer := &models.Offer{
		ID:            uuid.New(),
		AssetID:       req.AssetID,
		BuyerID:       buyerID,
		SellerID:      req.SellerID,
		Amount:        req.Amount,
		EarnestMoney:  req.EarnestMoney,
		DDPeriodDays:  req.DDPeriodDays,
		ClosingDate:   req.ClosingDate,
		OfferType:     req.OfferType,
		Status:        models.OfferStatusPending,
		Contingencies: req.Contingencies,
		Terms:         req.Terms,
		Notes:         req.Notes,
		ExpiresAt:     req.ExpiresAt,
	}

	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	util.OffersCreatedTotal.Inc()
	s.logger.Info("Offer created",
		zap.String("offer_id", offer.ID.String()),
		zap.String("asset_id", offer.AssetID.String()),
		zap.Int64("amount", offer.Amount))

	s.notifier.Notify([]uuid.UUID{offer.SellerID},
		"New offer received", "A buyer has made an offer on your asset", "offer", offer.ID)

	return offer, nil
}

// Get retrieves an offer by ID.
func (s *OfferService) Get(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	return s.store.GetOfferByID(ctx, id)
}

// ListByAsset returns an asset's offers, expiring stale ones first.
func (s *OfferService) ListByAsset(ctx context.Context, assetID uuid.UUID) ([]models.Offer, error) {
	s.sweepExpired(ctx)
	return s.store.ListOffersByAsset(ctx, assetID)
}

// ListByBuyer returns a buyer's offers, expiring stale ones first.
func (s *OfferService) ListByBuyer(ctx context.Context, buyerID uuid.UUID) ([]models.Offer, error) {
	s.sweepExpired(ctx)
	return s.store.ListOffersByBuyer(ctx, buyerID)
}

func (s *OfferService) sweepExpired(ctx context.Context) {
	n, err := s.store.SweepExpiredOffers(ctx)
	if err != nil {
		s.logger.Warn("Expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		util.OffersExpiredTotal.Add(float64(n))
		s.logger.Info("Expired stale offers", zap.Int64("count", n))
	}
}

// SweepExpired runs the expiry sweep on demand (used by the periodic sweep).
func (s *OfferService) SweepExpired(ctx context.Context) {
	s.sweepExpired(ctx)
}

// Review moves a PENDING offer to UNDER_REVIEW.
func (s *OfferService) Review(ctx context.Context, sellerID, offerID uuid.UUID) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.Review")
	defer span.End()

	return s.store.ReviewOfferTx(ctx, offerID, sellerID)
}

// Accept accepts an offer and declines all sibling active offers on the same
// asset in one atomic unit.
func (s *OfferService) Accept(ctx context.Context, sellerID, offerID uuid.UUID) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.Accept")
	defer span.End()

	offer, declined, err := s.store.AcceptOfferTx(ctx, offerID, sellerID)
	if err != nil {
		return nil, err
	}

	util.OffersAcceptedTotal.Inc()
	if declined > 0 {
		util.OffersDeclinedTotal.Add(float64(declined))
	}
	s.logger.Info("Offer accepted",
		zap.String("offer_id", offerID.String()),
		zap.Int64("siblings_declined", declined))

	s.notifier.Notify([]uuid.UUID{offer.BuyerID, offer.SellerID},
		"Offer accepted", "The offer has been accepted", "offer", offer.ID)

	return offer, nil
}

// Decline declines an active offer with an optional reason.
func (s *OfferService) Decline(ctx context.Context, sellerID, offerID uuid.UUID, reason string) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.Decline")
	defer span.End()

	offer, err := s.store.DeclineOfferTx(ctx, offerID, sellerID, reason)
	if err != nil {
		return nil, err
	}

	util.OffersDeclinedTotal.Inc()
	s.notifier.Notify([]uuid.UUID{offer.BuyerID},
		"Offer declined", "Your offer was declined by the seller", "offer", offer.ID)

	return offer, nil
}

// Withdraw withdraws the buyer's own offer.
func (s *OfferService) Withdraw(ctx context.Context, buyerID, offerID uuid.UUID) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.Withdraw")
	defer span.End()

	offer, err := s.store.WithdrawOfferTx(ctx, offerID, buyerID)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify([]uuid.UUID{offer.SellerID},
		"Offer withdrawn", "The buyer withdrew their offer", "offer", offer.ID)

	return offer, nil
}

// Counter marks the parent offer COUNTERED and creates a linked PENDING
// child with the seller's terms. The parent chain is forward-only and capped.
func (s *OfferService) Counter(ctx context.Context, sellerID, parentID uuid.UUID, req *CreateOfferRequest) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.Counter")
	defer span.End()

	parent, err := s.store.GetOfferByID(ctx, parentID)
	if err != nil {
		return nil, err
	}

	if err := req.validateTerms(time.Now()); err != nil {
		return nil, err
	}

	depth, err := s.store.CounterDepth(ctx, parentID, s.maxCounterDepth)
	if err != nil {
		return nil, err
	}
	if depth >= s.maxCounterDepth {
		return nil, apperr.New(apperr.Validation,
			"counter-offer chain exceeds maximum depth of %d", s.maxCounterDepth)
	}

	child := &models.Offer{
		ID:            uuid.New(),
		AssetID:       parent.AssetID,
		BuyerID:       parent.BuyerID,
		SellerID:      parent.SellerID,
		Amount:        req.Amount,
		EarnestMoney:  req.EarnestMoney,
		DDPeriodDays:  req.DDPeriodDays,
		ClosingDate:   req.ClosingDate,
		OfferType:     parent.OfferType,
		Contingencies: req.Contingencies,
		Terms:         req.Terms,
		Notes:         req.Notes,
		ExpiresAt:     req.ExpiresAt,
	}

	child, err = s.store.CounterOfferTx(ctx, parentID, sellerID, child)
	if err != nil {
		return nil, err
	}

	util.OffersCreatedTotal.Inc()
	s.logger.Info("Counter-offer created",
		zap.String("parent_offer_id", parentID.String()),
		zap.String("offer_id", child.ID.String()))

	s.notifier.Notify([]uuid.UUID{child.BuyerID},
		"Counter-offer received", "The seller countered your offer", "offer", child.ID)

	return child, nil
}
