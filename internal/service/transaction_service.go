package service

import (
	"context"
	"encoding/json"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/settlement"
	"deal-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionStore is the persistence surface of the transaction state
// machine. The *Tx methods enforce their allowed-from guard under a row lock.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByOfferID(ctx context.Context, offerID uuid.UUID) (*models.Transaction, error)
	DepositEarnestTx(ctx context.Context, id uuid.UUID, amount int64) (*models.Transaction, error)
	CompleteDueDiligenceTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FundTransactionTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	CancelTransactionTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FailTransactionTx(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	CloseTransactionTx(ctx context.Context, id uuid.UUID, breakdown settlement.Breakdown, statement json.RawMessage, closedAt time.Time) (*models.Transaction, error)
	GetOfferByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLog) error
	RecordAnalytics(ctx context.Context, ev *models.AnalyticsEvent) error
}

// TransactionService owns the transaction lifecycle from acceptance through
// closing or failure.
type TransactionService struct {
	store    TransactionStore
	fees     *FeeService
	notifier *Notifier
	logger   *zap.Logger
}

// NewTransactionService creates a new transaction service.
func NewTransactionService(store TransactionStore, fees *FeeService, notifier *Notifier) *TransactionService {
	return &TransactionService{
		store:    store,
		fees:     fees,
		notifier: notifier,
		logger:   util.NamedLogger("transactions"),
	}
}

// CreateTransactionRequest opens a transaction from an accepted offer.
type CreateTransactionRequest struct {
	OfferID     uuid.UUID       `json:"offer_id" binding:"required"`
	Prorations  models.Int64Map `json:"prorations,omitempty"`
	Adjustments models.Int64Map `json:"adjustments,omitempty"`
}

// Create opens a PENDING transaction from an ACCEPTED offer, computing the
// initial settlement estimate from the organization's fee rates.
func (s *TransactionService) Create(ctx context.Context, actorID uuid.UUID, req *CreateTransactionRequest) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.Create")
	defer span.End()

	offer, err := s.store.GetOfferByID(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusAccepted {
		return nil, apperr.New(apperr.Conflict,
			"cannot open a transaction for offer in status %s; offer must be %s",
			offer.Status, models.OfferStatusAccepted)
	}
	if actorID != offer.BuyerID && actorID != offer.SellerID {
		return nil, apperr.New(apperr.Authorization, "actor is not a party to this offer")
	}

	asset, err := s.store.GetAsset(ctx, offer.AssetID)
	if err != nil {
		return nil, err
	}

	breakdown := s.compute(ctx, asset, offer.Amount, req.Prorations, req.Adjustments)

	txn := &models.Transaction{
		ID:            uuid.New(),
		OfferID:       offer.ID,
		AssetID:       offer.AssetID,
		BuyerID:       offer.BuyerID,
		SellerID:      offer.SellerID,
		PurchasePrice: offer.Amount,
		EarnestAmount: offer.EarnestMoney,
		DDPeriodDays:  offer.DDPeriodDays,
		ClosingDate:   offer.ClosingDate,
		Status:        models.TransactionStatusPending,
		PlatformFee:   breakdown.PlatformFee,
		IntegratorFee: breakdown.IntegratorFee,
		CreatorAmount: breakdown.CreatorAmount,
		Prorations:    req.Prorations,
		Adjustments:   req.Adjustments,
		NetProceeds:   breakdown.NetProceeds,
	}

	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	util.TransactionsCreatedTotal.Inc()
	s.logger.Info("Transaction created",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("offer_id", offer.ID.String()),
		zap.Int64("purchase_price", txn.PurchasePrice))

	s.notifier.Notify([]uuid.UUID{txn.BuyerID, txn.SellerID},
		"Transaction opened", "A transaction has been opened for the accepted offer", "transaction", txn.ID)

	return txn, nil
}

func (s *TransactionService) compute(ctx context.Context, asset *models.Asset, price int64, prorations, adjustments map[string]int64) settlement.Breakdown {
	start := time.Now()
	platformBps, integratorBps := s.fees.Rates(ctx, asset.OrganizationID)
	breakdown := settlement.Calculate(settlement.Input{
		PurchasePrice:    price,
		Category:         asset.Category,
		PlatformFeeBps:   platformBps,
		IntegratorFeeBps: integratorBps,
		Prorations:       prorations,
		Adjustments:      adjustments,
	})
	util.SettlementComputeLatency.Observe(time.Since(start).Seconds())
	return breakdown
}

// Get retrieves a transaction by ID.
func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.store.GetTransactionByID(ctx, id)
}

// requireParty loads the transaction and checks the actor against the
// permitted roles before any transition is attempted.
func (s *TransactionService) requireParty(ctx context.Context, id, actorID uuid.UUID, buyerOK, sellerOK bool) (*models.Transaction, error) {
	txn, err := s.store.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if buyerOK && actorID == txn.BuyerID {
		return txn, nil
	}
	if sellerOK && actorID == txn.SellerID {
		return txn, nil
	}
	return nil, apperr.New(apperr.Authorization, "actor is not permitted to perform this transition")
}

// DepositEarnest records the buyer's earnest deposit and moves the
// transaction to EARNEST_DEPOSITED.
func (s *TransactionService) DepositEarnest(ctx context.Context, actorID, id uuid.UUID, amount int64) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.DepositEarnest")
	defer span.End()

	if amount <= 0 {
		return nil, apperr.New(apperr.Validation, "earnest amount must be positive")
	}
	if _, err := s.requireParty(ctx, id, actorID, true, false); err != nil {
		return nil, err
	}

	txn, err := s.store.DepositEarnestTx(ctx, id, amount)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify([]uuid.UUID{txn.SellerID},
		"Earnest deposited", "The buyer has deposited earnest money", "transaction", txn.ID)
	return txn, nil
}

// CompleteDueDiligence marks the due diligence period complete.
func (s *TransactionService) CompleteDueDiligence(ctx context.Context, actorID, id uuid.UUID) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.CompleteDueDiligence")
	defer span.End()

	if _, err := s.requireParty(ctx, id, actorID, true, true); err != nil {
		return nil, err
	}

	txn, err := s.store.CompleteDueDiligenceTx(ctx, id)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify([]uuid.UUID{txn.BuyerID, txn.SellerID},
		"Due diligence complete", "Due diligence has been completed", "transaction", txn.ID)
	return txn, nil
}

// Fund moves the transaction into FUNDING once the buyer initiates payment.
func (s *TransactionService) Fund(ctx context.Context, actorID, id uuid.UUID) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.Fund")
	defer span.End()

	if _, err := s.requireParty(ctx, id, actorID, true, false); err != nil {
		return nil, err
	}

	txn, err := s.store.FundTransactionTx(ctx, id)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify([]uuid.UUID{txn.SellerID},
		"Funding initiated", "The buyer has initiated funding", "transaction", txn.ID)
	return txn, nil
}

// Cancel cancels a pre-funding transaction.
func (s *TransactionService) Cancel(ctx context.Context, actorID, id uuid.UUID) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.Cancel")
	defer span.End()

	if _, err := s.requireParty(ctx, id, actorID, true, true); err != nil {
		return nil, err
	}

	txn, err := s.store.CancelTransactionTx(ctx, id)
	if err != nil {
		return nil, err
	}

	util.TransactionsFailedTotal.WithLabelValues("cancelled").Inc()
	s.notifier.Notify([]uuid.UUID{txn.BuyerID, txn.SellerID},
		"Transaction cancelled", "The transaction has been cancelled", "transaction", txn.ID)
	return txn, nil
}

// Close recomputes the settlement from current fee rates and writes the
// write-once statement in the same database transaction that moves the deal
// to CLOSED.
func (s *TransactionService) Close(ctx context.Context, actorID, id uuid.UUID) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.Close")
	defer span.End()

	txn, err := s.requireParty(ctx, id, actorID, true, true)
	if err != nil {
		return nil, err
	}

	asset, err := s.store.GetAsset(ctx, txn.AssetID)
	if err != nil {
		return nil, err
	}

	breakdown := s.compute(ctx, asset, txn.PurchasePrice, txn.Prorations, txn.Adjustments)

	var earnest int64
	if txn.EarnestAmount != nil {
		earnest = *txn.EarnestAmount
	}
	now := time.Now()
	stmt := settlement.NewStatement(txn.ID, txn.AssetID,
		txn.BuyerID.String(), txn.SellerID.String(),
		txn.ClosingDate, txn.PurchasePrice, earnest,
		txn.Prorations, txn.Adjustments, breakdown, now)

	statementJSON, err := json.Marshal(stmt)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "failed to marshal settlement statement")
	}

	closed, err := s.store.CloseTransactionTx(ctx, id, breakdown, statementJSON, now)
	if err != nil {
		return nil, err
	}

	util.TransactionsClosedTotal.Inc()
	s.logger.Info("Transaction closed",
		zap.String("transaction_id", id.String()),
		zap.Int64("net_proceeds", breakdown.NetProceeds))

	// Side records are best-effort; the close itself has committed.
	if err := s.store.AppendActivity(ctx, &models.ActivityLog{
		SubjectType: "transaction",
		SubjectID:   closed.ID,
		Action:      "closed",
		Detail:      models.JSONMap{"net_proceeds": breakdown.NetProceeds, "purchase_price": closed.PurchasePrice},
	}); err != nil {
		s.logger.Warn("Failed to append close activity", zap.Error(err))
	}
	if err := s.store.RecordAnalytics(ctx, &models.AnalyticsEvent{
		Name:       "transaction_closed",
		SubjectID:  closed.ID,
		Properties: models.JSONMap{"purchase_price": closed.PurchasePrice},
	}); err != nil {
		s.logger.Warn("Failed to record close analytics", zap.Error(err))
	}

	s.notifier.Notify([]uuid.UUID{closed.BuyerID, closed.SellerID},
		"Transaction closed", "The transaction has closed; the settlement statement is available", "transaction", closed.ID)

	return closed, nil
}

// Fail moves a FUNDING transaction to FAILED. Called by the reconciliation
// path when on-chain settlement reports a final failure.
func (s *TransactionService) Fail(ctx context.Context, id uuid.UUID, reason string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionService.Fail")
	defer span.End()

	txn, err := s.store.FailTransactionTx(ctx, id)
	if err != nil {
		return nil, err
	}

	util.TransactionsFailedTotal.WithLabelValues("settlement_failed").Inc()
	s.logger.Warn("Transaction failed",
		zap.String("transaction_id", id.String()),
		zap.String("reason", reason))

	s.notifier.Notify([]uuid.UUID{txn.BuyerID, txn.SellerID},
		"Transaction failed", "On-chain settlement failed: "+reason, "transaction", txn.ID)
	return txn, nil
}

// UpdateStatus performs the transition to target via the matching typed
// operation. Earnest deposits need an amount and must use DepositEarnest
// directly.
func (s *TransactionService) UpdateStatus(ctx context.Context, actorID, id uuid.UUID, target string) (*models.Transaction, error) {
	switch target {
	case models.TransactionStatusDueDiligence:
		return s.CompleteDueDiligence(ctx, actorID, id)
	case models.TransactionStatusFunding:
		return s.Fund(ctx, actorID, id)
	case models.TransactionStatusClosed:
		return s.Close(ctx, actorID, id)
	case models.TransactionStatusCancelled:
		return s.Cancel(ctx, actorID, id)
	}

	txn, err := s.store.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch target {
	case models.TransactionStatusEarnestDeposited:
		return nil, apperr.New(apperr.Validation,
			"cannot transition transaction from %s to %s here: depositing earnest requires an amount, use the earnest endpoint", txn.Status, target)
	default:
		return nil, apperr.New(apperr.Validation,
			"cannot transition transaction from %s to %s", txn.Status, target)
	}
}
