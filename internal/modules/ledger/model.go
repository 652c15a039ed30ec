// README: Platform ledger: per-job money snapshot, refund adjustments, dispute adjustments.
package ledger

import (
	"time"

	"housecall/internal/types"
)

type FeePayer string

const (
	FeePayerClient   FeePayer = "client"
	FeePayerProvider FeePayer = "provider"
	FeePayerSplit    FeePayer = "split"
)

// AdjustmentType tags the typed dispute-resolution rows settlements aggregate.
type AdjustmentType string

const (
	AdjustClientRefund        AdjustmentType = "client_refund"
	AdjustProviderDeduction   AdjustmentType = "provider_deduction"
	AdjustPlatformFeeReversal AdjustmentType = "platform_fee_reversal"
)

// Entry is one ledger_entries row. The base row (is_adjustment=false) is
// unique per job; refund compensations are extra rows with is_adjustment=true
// and negated components.
type Entry struct {
	ID           types.ID
	JobID        types.ID
	SettlementID *types.ID

	Currency      string
	TaxRegionCode string

	GrossCents           int64
	TaxCents             int64
	FeeCents             int64
	NetProviderCents     int64
	PlatformRevenueCents int64
	FeePayer             FeePayer

	IsFinal         bool
	FinalizedAt     *time.Time
	FinalizedRunID  *string
	FinalizeVersion int

	RebuildCount      int
	LastRebuildAt     *time.Time
	LastRebuildRunID  *string
	LastRebuildReason *string

	IsAdjustment   bool
	AdjustmentKind *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adjustment is one typed delta against a base entry, written when a dispute
// resolves with a refund.
type Adjustment struct {
	ID            types.ID
	LedgerEntryID types.ID
	DisputeID     *types.ID
	SettlementID  *types.ID
	Type          AdjustmentType
	AmountCents   int64
	CreatedAt     time.Time
}

// Totals is the computed money breakdown before it lands in an entry.
type Totals struct {
	Currency      string
	TaxRegionCode string

	GrossCents           int64
	TaxCents             int64
	FeeCents             int64
	NetProviderCents     int64
	PlatformRevenueCents int64
	FeePayer             FeePayer
}

// Payment is one captured client payment for a job, keyed by the processor's
// external id for exactly-once webhook handling.
type Payment struct {
	ID          types.ID
	JobID       types.ID
	ExternalID  string
	Kind        string
	AmountCents int64
	Status      string
	CreatedAt   time.Time
}

// CreditNote records one processed refund; unique per external refund id.
type CreditNote struct {
	ID               types.ID
	JobID            types.ID
	PaymentID        types.ID
	AmountCents      int64
	Currency         string
	Reason           string
	ExternalRefundID string
	CreatedAt        time.Time
}
