// Package settlement computes the fee breakdown for a transaction. It is a
// pure function of its inputs: no state, no I/O.
package settlement

import (
	"time"

	"github.com/google/uuid"
)

// Input carries everything the calculator needs.
type Input struct {
	PurchasePrice    int64
	Category         string
	PlatformFeeBps   int64
	IntegratorFeeBps int64
	Prorations       map[string]int64
	Adjustments      map[string]int64
}

// Breakdown is the computed settlement split. PlatformFee + IntegratorFee +
// CreatorAmount always equals PurchasePrice exactly: the creator amount is the
// remainder rather than an independently rounded figure.
type Breakdown struct {
	PlatformFee      int64 `json:"platform_fee"`
	IntegratorFee    int64 `json:"integrator_fee"`
	CreatorAmount    int64 `json:"creator_amount"`
	TotalProrations  int64 `json:"total_prorations"`
	TotalAdjustments int64 `json:"total_adjustments"`
	GrossProceeds    int64 `json:"gross_proceeds"`
	NetProceeds      int64 `json:"net_proceeds"`
}

// FreeTierCategory pays zero fees; the full price goes to the creator.
const FreeTierCategory = "C"

// Calculate computes the settlement breakdown. Fees are carved out of the
// purchase price: each fee is bps of the creator amount, so
// price = creatorAmount * (10000 + platformBps + integratorBps) / 10000.
func Calculate(in Input) Breakdown {
	var platformFee, integratorFee int64

	if in.Category != FreeTierCategory {
		denom := 10000 + in.PlatformFeeBps + in.IntegratorFeeBps
		platformFee = roundDiv(in.PurchasePrice*in.PlatformFeeBps, denom)
		integratorFee = roundDiv(in.PurchasePrice*in.IntegratorFeeBps, denom)
	}

	creatorAmount := in.PurchasePrice - platformFee - integratorFee

	totalProrations := sum(in.Prorations)
	totalAdjustments := sum(in.Adjustments)

	net := creatorAmount - totalProrations - totalAdjustments
	if net < 0 {
		net = 0
	}

	return Breakdown{
		PlatformFee:      platformFee,
		IntegratorFee:    integratorFee,
		CreatorAmount:    creatorAmount,
		TotalProrations:  totalProrations,
		TotalAdjustments: totalAdjustments,
		GrossProceeds:    creatorAmount,
		NetProceeds:      net,
	}
}

// roundDiv divides with rounding half away from zero. Inputs are never
// negative: prices and bps rates are validated upstream.
func roundDiv(num, denom int64) int64 {
	if denom == 0 {
		return 0
	}
	return (num + denom/2) / denom
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

// Fees is the fee block of a settlement statement.
type Fees struct {
	PlatformFee   int64 `json:"platform_fee"`
	IntegratorFee int64 `json:"integrator_fee"`
	TotalFees     int64 `json:"total_fees"`
}

// Totals is the totals block of a settlement statement.
type Totals struct {
	TotalProrations  int64 `json:"total_prorations"`
	TotalAdjustments int64 `json:"total_adjustments"`
	GrossProceeds    int64 `json:"gross_proceeds"`
	NetProceeds      int64 `json:"net_proceeds"`
}

// Statement is the immutable closing statement snapshot. It is written once
// when a transaction closes and never updated afterwards.
type Statement struct {
	TransactionID uuid.UUID        `json:"transaction_id"`
	BuyerName     string           `json:"buyer_name"`
	SellerName    string           `json:"seller_name"`
	AssetID       uuid.UUID        `json:"asset_id"`
	ClosingDate   *time.Time       `json:"closing_date,omitempty"`
	GeneratedAt   time.Time        `json:"generated_at"`
	PurchasePrice int64            `json:"purchase_price"`
	EarnestAmount int64            `json:"earnest_amount"`
	Fees          Fees             `json:"fees"`
	Prorations    map[string]int64 `json:"prorations"`
	Adjustments   map[string]int64 `json:"adjustments"`
	Totals        Totals           `json:"totals"`
	Breakdown     Breakdown        `json:"breakdown"`
}

// NewStatement assembles a statement from a computed breakdown.
func NewStatement(txID, assetID uuid.UUID, buyerName, sellerName string, closingDate *time.Time, price, earnest int64, prorations, adjustments map[string]int64, b Breakdown, now time.Time) Statement {
	return Statement{
		TransactionID: txID,
		BuyerName:     buyerName,
		SellerName:    sellerName,
		AssetID:       assetID,
		ClosingDate:   closingDate,
		GeneratedAt:   now,
		PurchasePrice: price,
		EarnestAmount: earnest,
		Fees: Fees{
			PlatformFee:   b.PlatformFee,
			IntegratorFee: b.IntegratorFee,
			TotalFees:     b.PlatformFee + b.IntegratorFee,
		},
		Prorations:  prorations,
		Adjustments: adjustments,
		Totals: Totals{
			TotalProrations:  b.TotalProrations,
			TotalAdjustments: b.TotalAdjustments,
			GrossProceeds:    b.GrossProceeds,
			NetProceeds:      b.NetProceeds,
		},
		Breakdown: b,
	}
}
