// README: ProviderSettlement aggregate: one provider's frozen earnings for
// one weekly period, plus the single payment row that pays it out.
package settlement

import (
	"time"

	"housecall/internal/types"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusClosed    Status = "closed"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

type Settlement struct {
	ID                        types.ID
	ProviderID                types.ID
	PeriodStart               time.Time
	PeriodEnd                 time.Time
	Currency                  string
	TotalGrossCents           int64
	TotalTaxCents             int64
	TotalFeeCents             int64
	TotalNetProviderCents     int64
	TotalPlatformRevenueCents int64
	JobCount                  int
	Status                    Status
	ScheduledPayoutDate       *time.Time
	ApprovedAt                *time.Time
	PaidAt                    *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type Payment struct {
	ID                 types.ID
	SettlementID       types.ID
	ExecutedAt         time.Time
	ExecutedBy         string
	Reference          string
	AmountCents        int64
	ExternalTransferID *string
	ExternalStatus     string
}

// payout lag after the period ends; a Sunday period end lands the payout on
// the following Wednesday
const PayoutLag = 8 * 24 * time.Hour

// PreviousWeek returns the Monday–Sunday period immediately before now,
// truncated to dates in UTC.
func PreviousWeek(now time.Time) (start, end time.Time) {
	now = now.UTC().Truncate(24 * time.Hour)
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	thisMonday := now.AddDate(0, 0, -(weekday - 1))
	start = thisMonday.AddDate(0, 0, -7)
	end = thisMonday.AddDate(0, 0, -1)
	return start, end
}

func PayoutDateFor(periodEnd time.Time) time.Time {
	return periodEnd.Add(PayoutLag)
}
