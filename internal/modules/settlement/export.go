// README: CSV export of settlements for finance; one row per settlement.
package settlement

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
)

var exportHeader = []string{
	"settlement_id", "provider_id", "period_start", "period_end", "currency",
	"gross_cents", "tax_cents", "fee_cents", "net_provider_cents",
	"platform_revenue_cents", "job_count", "status", "scheduled_payout_date",
	"paid_at",
}

// ExportCSV writes up to limit settlements, newest first.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, limit int) (int, error) {
	list, err := s.store.List(ctx, limit)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	for _, st := range list {
		payout := ""
		if st.ScheduledPayoutDate != nil {
			payout = st.ScheduledPayoutDate.Format("2006-01-02")
		}
		paid := ""
		if st.PaidAt != nil {
			paid = st.PaidAt.Format("2006-01-02 15:04:05")
		}
		row := []string{
			string(st.ID), string(st.ProviderID),
			st.PeriodStart.Format("2006-01-02"), st.PeriodEnd.Format("2006-01-02"),
			st.Currency,
			fmt.Sprintf("%d", st.TotalGrossCents),
			fmt.Sprintf("%d", st.TotalTaxCents),
			fmt.Sprintf("%d", st.TotalFeeCents),
			fmt.Sprintf("%d", st.TotalNetProviderCents),
			fmt.Sprintf("%d", st.TotalPlatformRevenueCents),
			fmt.Sprintf("%d", st.JobCount),
			string(st.Status),
			payout, paid,
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(list), cw.Error()
}
