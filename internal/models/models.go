package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Offer statuses
const (
	OfferStatusPending     = "PENDING"
	OfferStatusUnderReview = "UNDER_REVIEW"
	OfferStatusAccepted    = "ACCEPTED"
	OfferStatusDeclined    = "DECLINED"
	OfferStatusWithdrawn   = "WITHDRAWN"
	OfferStatusCountered   = "COUNTERED"
	OfferStatusExpired     = "EXPIRED"
)

// Transaction statuses
const (
	TransactionStatusPending          = "PENDING"
	TransactionStatusEarnestDeposited = "EARNEST_DEPOSITED"
	TransactionStatusDueDiligence     = "DUE_DILIGENCE"
	TransactionStatusFunding          = "FUNDING"
	TransactionStatusClosed           = "CLOSED"
	TransactionStatusCancelled        = "CANCELLED"
	TransactionStatusFailed           = "FAILED"
)

// ActiveOfferStatuses are the non-terminal offer statuses.
var ActiveOfferStatuses = []string{OfferStatusPending, OfferStatusUnderReview}

// JSONMap is a jsonb-backed map of opaque terms.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// Int64Map is a jsonb-backed map of labeled amounts in minor units.
type Int64Map map[string]int64

func (m Int64Map) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Int64Map) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// Contingency is a condition attached to an offer.
type Contingency struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// ContingencyList is a jsonb-backed list of contingencies.
type ContingencyList []Contingency

func (l ContingencyList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *ContingencyList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

// Offer represents a buyer's proposal to purchase an asset.
type Offer struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	AssetID       uuid.UUID       `db:"asset_id" json:"asset_id"`
	BuyerID       uuid.UUID       `db:"buyer_id" json:"buyer_id"`
	SellerID      uuid.UUID       `db:"seller_id" json:"seller_id"`
	Amount        int64           `db:"amount" json:"amount"`
	EarnestMoney  *int64          `db:"earnest_money" json:"earnest_money,omitempty"`
	DDPeriodDays  *int            `db:"dd_period_days" json:"dd_period_days,omitempty"`
	ClosingDate   *time.Time      `db:"closing_date" json:"closing_date,omitempty"`
	OfferType     string          `db:"offer_type" json:"offer_type"`
	Status        string          `db:"status" json:"status"`
	Contingencies ContingencyList `db:"contingencies" json:"contingencies"`
	Terms         JSONMap         `db:"terms" json:"terms"`
	Notes         string          `db:"notes" json:"notes,omitempty"`
	DeclineReason *string         `db:"decline_reason" json:"decline_reason,omitempty"`
	ParentOfferID *uuid.UUID      `db:"parent_offer_id" json:"parent_offer_id,omitempty"`
	ExpiresAt     *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Active reports whether the offer is still open for negotiation.
func (o *Offer) Active() bool {
	return o.Status == OfferStatusPending || o.Status == OfferStatusUnderReview
}

// Expired reports whether the offer's deadline has passed.
func (o *Offer) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Transaction is the binding deal created from an accepted offer.
type Transaction struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	OfferID             uuid.UUID       `db:"offer_id" json:"offer_id"`
	AssetID             uuid.UUID       `db:"asset_id" json:"asset_id"`
	BuyerID             uuid.UUID       `db:"buyer_id" json:"buyer_id"`
	SellerID            uuid.UUID       `db:"seller_id" json:"seller_id"`
	PurchasePrice       int64           `db:"purchase_price" json:"purchase_price"`
	EarnestAmount       *int64          `db:"earnest_amount" json:"earnest_amount,omitempty"`
	EarnestDepositedAt  *time.Time      `db:"earnest_deposited_at" json:"earnest_deposited_at,omitempty"`
	DDPeriodDays        *int            `db:"dd_period_days" json:"dd_period_days,omitempty"`
	DDCompletedAt       *time.Time      `db:"dd_completed_at" json:"dd_completed_at,omitempty"`
	ClosingDate         *time.Time      `db:"closing_date" json:"closing_date,omitempty"`
	Status              string          `db:"status" json:"status"`
	PlatformFee         int64           `db:"platform_fee" json:"platform_fee"`
	IntegratorFee       int64           `db:"integrator_fee" json:"integrator_fee"`
	CreatorAmount       int64           `db:"creator_amount" json:"creator_amount"`
	Prorations          Int64Map        `db:"prorations" json:"prorations"`
	Adjustments         Int64Map        `db:"adjustments" json:"adjustments"`
	NetProceeds         int64           `db:"net_proceeds" json:"net_proceeds"`
	SettlementStatement json.RawMessage `db:"settlement_statement" json:"settlement_statement,omitempty"`
	StatementCID        *string         `db:"statement_cid" json:"statement_cid,omitempty"`
	OnChainTxHash       *string         `db:"on_chain_tx_hash" json:"on_chain_tx_hash,omitempty"`
	ClosedAt            *time.Time      `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// IdempotencyRecord stores the outcome of a mutating request keyed by the
// client-supplied token. The unique index on key makes first-insert atomic.
type IdempotencyRecord struct {
	Key            string    `db:"key"`
	UserID         string    `db:"user_id"`
	Method         string    `db:"method"`
	Path           string    `db:"path"`
	RequestHash    string    `db:"request_hash"`
	ResponseStatus int       `db:"response_status"`
	ResponseBody   []byte    `db:"response_body"`
	ExpiresAt      time.Time `db:"expires_at"`
	CreatedAt      time.Time `db:"created_at"`
}

// ProcessedEvent is the durable dedup marker for reconciliation.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventKind   string    `db:"event_kind"`
	ProcessedAt time.Time `db:"processed_at"`
}

// CategoryFreeTier assets pay zero platform and integrator fees.
const CategoryFreeTier = "C"

// Asset is the catalog record patched by the reconciliation saga.
type Asset struct {
	ID              uuid.UUID `db:"id" json:"id"`
	OrganizationID  uuid.UUID `db:"organization_id" json:"organization_id"`
	Category        string    `db:"category" json:"category"`
	Name            string    `db:"name" json:"name"`
	ContractAddress *string   `db:"contract_address" json:"contract_address,omitempty"`
	MetadataCID     *string   `db:"metadata_cid" json:"metadata_cid,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// FeeStructure holds per-organization fee rates in basis points.
type FeeStructure struct {
	OrganizationID   uuid.UUID `db:"organization_id" json:"organization_id"`
	PlatformFeeBps   int64     `db:"platform_fee_bps" json:"platform_fee_bps"`
	IntegratorFeeBps int64     `db:"integrator_fee_bps" json:"integrator_fee_bps"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// ActivityLog is an append-only audit entry.
type ActivityLog struct {
	ID          int64     `db:"id" json:"id"`
	SubjectType string    `db:"subject_type" json:"subject_type"`
	SubjectID   uuid.UUID `db:"subject_id" json:"subject_id"`
	Action      string    `db:"action" json:"action"`
	Detail      JSONMap   `db:"detail" json:"detail"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// AnalyticsEvent is a downstream analytics row recorded by the saga.
type AnalyticsEvent struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	SubjectID  uuid.UUID `db:"subject_id" json:"subject_id"`
	Properties JSONMap   `db:"properties" json:"properties"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// External job statuses as reported by the job runners.
const (
	JobStatusPending   = "PENDING"
	JobStatusConfirmed = "CONFIRMED"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// ChainJob is the blockchain runner's job record (upstream source of truth
// for the drift sweep).
type ChainJob struct {
	JobID       string    `db:"job_id" json:"job_id"`
	Kind        string    `db:"kind" json:"kind"`
	Status      string    `db:"status" json:"status"`
	TxHash      *string   `db:"tx_hash" json:"tx_hash,omitempty"`
	BlockNumber *int64    `db:"block_number" json:"block_number,omitempty"`
	Payload     JSONMap   `db:"payload" json:"payload"`
	Output      JSONMap   `db:"output" json:"output"`
	Error       *string   `db:"error" json:"error,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// StorageJob is the pinning service's job record.
type StorageJob struct {
	JobID     string    `db:"job_id" json:"job_id"`
	Kind      string    `db:"kind" json:"kind"`
	Status    string    `db:"status" json:"status"`
	Payload   JSONMap   `db:"payload" json:"payload"`
	Output    JSONMap   `db:"output" json:"output"`
	Error     *string   `db:"error" json:"error,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
