package settlement

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"housecall/internal/modules/ledger"
	"housecall/internal/modules/ticket"
	"housecall/internal/testdb"
	"housecall/internal/types"
)

func TestPreviousWeek(t *testing.T) {
	cases := []struct {
		name       string
		now        string
		start, end string
	}{
		{"wednesday", "2026-08-26", "2026-08-17", "2026-08-23"},
		{"monday", "2026-08-24", "2026-08-17", "2026-08-23"},
		{"sunday", "2026-08-23", "2026-08-10", "2026-08-16"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now, _ := time.Parse("2006-01-02", tc.now)
			start, end := PreviousWeek(now)
			if start.Format("2006-01-02") != tc.start || end.Format("2006-01-02") != tc.end {
				t.Fatalf("PreviousWeek(%s) = %s..%s, want %s..%s",
					tc.now, start.Format("2006-01-02"), end.Format("2006-01-02"), tc.start, tc.end)
			}
			if start.Weekday() != time.Monday || end.Weekday() != time.Sunday {
				t.Fatalf("period %s..%s is not Monday..Sunday", start.Weekday(), end.Weekday())
			}
		})
	}
}

func TestPayoutDateFor(t *testing.T) {
	end, _ := time.Parse("2006-01-02", "2026-08-23") // a Sunday
	payout := PayoutDateFor(end)
	if payout.Weekday() != time.Monday {
		// end+8d from Sunday is the Monday after next; the sweep itself
		// runs Wednesdays and simply finds the settlement due
		t.Fatalf("payout weekday = %s", payout.Weekday())
	}
	if payout.Sub(end) != 8*24*time.Hour {
		t.Fatalf("payout lag = %s, want 192h", payout.Sub(end))
	}
}

func setupSettlementTest(t *testing.T) *Service {
	t.Helper()
	db := testdb.Pool(t,
		"settlement_payments", "settlements",
		"ledger_adjustments", "credit_notes", "job_payments", "ledger_entries",
		"ticket_lines", "tickets", "invoice_sequences",
		"disputes", "job_assignments", "jobs", "providers",
	)
	tickets := ticket.NewStore(db)
	led := ledger.NewService(ledger.NewStore(db), tickets, false, t.TempDir())
	return NewService(NewStore(db), led, nil)
}

// seedFinalEntry inserts a provider, a confirmed job with an assignment, and
// a final ledger entry finalized inside the given period.
func seedFinalEntry(t *testing.T, svc *Service, providerID types.ID, finalizedAt time.Time, gross, tax, fee, net int64) types.ID {
	t.Helper()
	ctx := context.Background()
	pool := svc.Store().Pool()

	jobID := types.NewID()
	if _, err := pool.Exec(ctx, `
        INSERT INTO jobs (id, status, mode, client_id, region_code)
        VALUES ($1, 'confirmed', 'on_demand', $2, 'CA-QC')`,
		string(jobID), string(types.NewID())); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO job_assignments (id, job_id, provider_id, status, is_active)
        VALUES ($1, $2, $3, 'completed', TRUE)`,
		string(types.NewID()), string(jobID), string(providerID)); err != nil {
		t.Fatalf("insert assignment: %v", err)
	}
	entryID := types.NewID()
	if _, err := pool.Exec(ctx, `
        INSERT INTO ledger_entries (
            id, job_id, gross_cents, tax_cents, fee_cents,
            net_provider_cents, platform_revenue_cents, fee_payer,
            is_final, finalized_at, finalize_version
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, 'client', TRUE, $8, 1)`,
		string(entryID), string(jobID), gross, tax, fee, net, fee, finalizedAt); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	return entryID
}

func insertPayoutReadyProvider(t *testing.T, svc *Service) types.ID {
	t.Helper()
	id := types.NewID()
	_, err := svc.Store().Pool().Exec(context.Background(), `
        INSERT INTO providers (id, name, region_code, payout_account_id, payout_onboarded, payouts_enabled)
        VALUES ($1, 'p', 'CA-QC', 'acct_123', TRUE, TRUE)`, string(id))
	if err != nil {
		t.Fatalf("insert provider: %v", err)
	}
	return id
}

func TestGenerateForPeriod(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	provider := insertPayoutReadyProvider(t, svc)
	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	mid := start.Add(48 * time.Hour)

	seedFinalEntry(t, svc, provider, mid, 11000, 1000, 1000, 9000)
	seedFinalEntry(t, svc, provider, mid.Add(time.Hour), 5500, 500, 500, 4500)
	// outside the period: must not be picked up
	seedFinalEntry(t, svc, provider, start.Add(-time.Hour), 9999, 0, 0, 9999)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if st.TotalGrossCents != 16500 || st.TotalNetProviderCents != 13500 || st.JobCount != 2 {
		t.Fatalf("totals = gross %d net %d jobs %d, want 16500/13500/2",
			st.TotalGrossCents, st.TotalNetProviderCents, st.JobCount)
	}
	if st.ScheduledPayoutDate == nil || !st.ScheduledPayoutDate.Equal(end.Add(8*24*time.Hour)) {
		t.Fatalf("payout date = %v", st.ScheduledPayoutDate)
	}

	var linked int
	if err := svc.Store().Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE settlement_id = $1`,
		string(st.ID)).Scan(&linked); err != nil {
		t.Fatalf("count: %v", err)
	}
	if linked != 2 {
		t.Fatalf("linked entries = %d, want 2", linked)
	}

	// the period is settled exactly once
	if _, err := svc.GenerateForPeriod(ctx, provider, start, end); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("second generate: %v", err)
	}
	// a provider with nothing eligible errors cleanly
	if _, err := svc.GenerateForPeriod(ctx, types.NewID(), start, end); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("empty provider: %v", err)
	}
}

func TestApproveGates(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")

	// not payout-ready
	bare := types.NewID()
	if _, err := svc.Store().Pool().Exec(ctx,
		`INSERT INTO providers (id, name) VALUES ($1, 'bare')`, string(bare)); err != nil {
		t.Fatalf("insert provider: %v", err)
	}
	seedFinalEntry(t, svc, bare, start.Add(time.Hour), 1000, 0, 0, 1000)
	st, err := svc.GenerateForPeriod(ctx, bare, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Approve(ctx, st.ID); !errors.Is(err, ErrNotPayoutReady) {
		t.Fatalf("approve un-onboarded provider: %v", err)
	}

	// active dispute blocks
	ready := insertPayoutReadyProvider(t, svc)
	entryID := seedFinalEntry(t, svc, ready, start.Add(time.Hour), 2000, 0, 0, 2000)
	st2, err := svc.GenerateForPeriod(ctx, ready, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var jobID string
	if err := svc.Store().Pool().QueryRow(ctx,
		`SELECT job_id FROM ledger_entries WHERE id = $1`, string(entryID)).Scan(&jobID); err != nil {
		t.Fatalf("job id: %v", err)
	}
	if _, err := svc.Store().Pool().Exec(ctx, `
        INSERT INTO disputes (id, job_id, client_id, provider_id, status, reason)
        VALUES ($1, $2, $3, $4, 'open', 'bad work')`,
		string(types.NewID()), jobID, string(types.NewID()), string(ready)); err != nil {
		t.Fatalf("insert dispute: %v", err)
	}
	if _, err := svc.Approve(ctx, st2.ID); !errors.Is(err, ErrDisputesOpen) {
		t.Fatalf("approve with open dispute: %v", err)
	}

	if _, err := svc.Store().Pool().Exec(ctx,
		`UPDATE disputes SET status = 'resolved_provider'`); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	approved, err := svc.Approve(ctx, st2.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusClosed {
		t.Fatalf("status = %s, want closed", approved.Status)
	}
}

func TestExecutePaymentExactlyOnce(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	provider := insertPayoutReadyProvider(t, svc)
	seedFinalEntry(t, svc, provider, start.Add(time.Hour), 11000, 1000, 1000, 9000)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// paying a draft fails
	if _, err := svc.ExecutePayment(ctx, PayCommand{SettlementID: st.ID, Reference: "ref-1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pay draft: %v", err)
	}
	if _, err := svc.Approve(ctx, st.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	p, err := svc.ExecutePayment(ctx, PayCommand{SettlementID: st.ID, Reference: "ref-1", ExecutedBy: "ops"})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if p.AmountCents != 9000 {
		t.Fatalf("amount = %d, want 9000", p.AmountCents)
	}
	if _, err := svc.ExecutePayment(ctx, PayCommand{SettlementID: st.ID, Reference: "ref-2"}); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("second pay: %v", err)
	}
	// a paid settlement rejects every transition
	if _, err := svc.Approve(ctx, st.ID); !errors.Is(err, ErrImmutable) {
		t.Fatalf("approve paid: %v", err)
	}
	if _, err := svc.Cancel(ctx, st.ID); !errors.Is(err, ErrImmutable) {
		t.Fatalf("cancel paid: %v", err)
	}
}

func TestPayoutSweep(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	provider := insertPayoutReadyProvider(t, svc)
	seedFinalEntry(t, svc, provider, start.Add(time.Hour), 11000, 1000, 1000, 9000)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Approve(ctx, st.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// before the payout date nothing is due
	stats, err := svc.PayoutSweep(ctx, end.Add(24*time.Hour), 100, false)
	if err != nil || stats.Due != 0 {
		t.Fatalf("early sweep = %+v, %v", stats, err)
	}

	due := end.Add(9 * 24 * time.Hour)
	stats, err = svc.PayoutSweep(ctx, due, 100, true)
	if err != nil || stats.Due != 1 || stats.Paid != 0 {
		t.Fatalf("dry run = %+v, %v", stats, err)
	}
	stats, err = svc.PayoutSweep(ctx, due, 100, false)
	if err != nil || stats.Paid != 1 {
		t.Fatalf("sweep = %+v, %v", stats, err)
	}
	got, err := svc.Get(ctx, st.ID)
	if err != nil || got.Status != StatusPaid {
		t.Fatalf("settlement = %v, %v", got, err)
	}
	// a second sweep finds nothing
	stats, err = svc.PayoutSweep(ctx, due, 100, false)
	if err != nil || stats.Due != 0 {
		t.Fatalf("repeat sweep = %+v, %v", stats, err)
	}
}

func TestSweepSkipsDisputedSettlement(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	provider := insertPayoutReadyProvider(t, svc)
	entryID := seedFinalEntry(t, svc, provider, start.Add(time.Hour), 11000, 1000, 1000, 9000)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Approve(ctx, st.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// dispute lands after approval
	var jobID string
	if err := svc.Store().Pool().QueryRow(ctx,
		`SELECT job_id FROM ledger_entries WHERE id = $1`, string(entryID)).Scan(&jobID); err != nil {
		t.Fatalf("job id: %v", err)
	}
	if _, err := svc.Store().Pool().Exec(ctx, `
        INSERT INTO disputes (id, job_id, client_id, provider_id, status, reason)
        VALUES ($1, $2, $3, $4, 'open', 'late dispute')`,
		string(types.NewID()), jobID, string(types.NewID()), string(provider)); err != nil {
		t.Fatalf("insert dispute: %v", err)
	}

	stats, err := svc.PayoutSweep(ctx, end.Add(9*24*time.Hour), 100, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Skipped != 1 || stats.Paid != 0 {
		t.Fatalf("sweep = %+v, want skipped=1 paid=0", stats)
	}
}

func TestCancelDraft(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	provider := insertPayoutReadyProvider(t, svc)
	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	seedFinalEntry(t, svc, provider, start.Add(time.Hour), 1000, 0, 0, 1000)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// linked rows protect the draft
	if _, err := svc.Cancel(ctx, st.ID); !errors.Is(err, ErrHasLinkedRows) {
		t.Fatalf("cancel linked draft: %v", err)
	}
	if _, err := svc.Store().Pool().Exec(ctx,
		`UPDATE ledger_entries SET settlement_id = NULL WHERE settlement_id = $1`,
		string(st.ID)); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, st.ID)
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("cancel = %v, %v", cancelled, err)
	}
}

func TestExportCSV(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	provider := insertPayoutReadyProvider(t, svc)
	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	seedFinalEntry(t, svc, provider, start.Add(time.Hour), 11000, 1000, 1000, 9000)
	if _, err := svc.GenerateForPeriod(ctx, provider, start, end); err != nil {
		t.Fatalf("generate: %v", err)
	}

	var buf bytes.Buffer
	n, err := svc.ExportCSV(ctx, &buf, 100)
	if err != nil || n != 1 {
		t.Fatalf("export = %d, %v", n, err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header + 1", len(lines))
	}
	if !strings.Contains(lines[1], "9000") || !strings.Contains(lines[1], string(provider)) {
		t.Fatalf("csv row missing fields: %s", lines[1])
	}
}

func TestIntegrityCheckFindsDrift(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	provider := insertPayoutReadyProvider(t, svc)
	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	seedFinalEntry(t, svc, provider, start.Add(time.Hour), 11000, 1000, 1000, 9000)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	findings, err := svc.IntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("clean books flagged: %+v", findings)
	}

	// drift the settlement aggregate away from its linked rows
	if _, err := svc.Store().Pool().Exec(ctx,
		`UPDATE settlements SET total_gross_cents = total_gross_cents + 1 WHERE id = $1`,
		string(st.ID)); err != nil {
		t.Fatalf("drift: %v", err)
	}
	findings, err = svc.IntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 1 || findings[0].Check != "settlement_gross_parity" {
		t.Fatalf("findings = %+v, want one gross parity finding", findings)
	}
}

func TestPaidSettlementGuardedAtStore(t *testing.T) {
	svc := setupSettlementTest(t)
	ctx := context.Background()

	start, _ := time.Parse("2006-01-02", "2026-08-17")
	end, _ := time.Parse("2006-01-02", "2026-08-23")
	provider := insertPayoutReadyProvider(t, svc)
	seedFinalEntry(t, svc, provider, start.Add(time.Hour), 11000, 1000, 1000, 9000)

	st, err := svc.GenerateForPeriod(ctx, provider, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Approve(ctx, st.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.ExecutePayment(ctx, PayCommand{SettlementID: st.ID, Reference: "ref-g", ExecutedBy: "ops"}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	// a direct store write on the paid row is refused by the SQL guard
	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := svc.Store().UpdateStatusTx(ctx, tx, st.ID, StatusClosed, nil, nil); !errors.Is(err, ErrImmutable) {
		t.Fatalf("update paid row: err = %v, want ErrImmutable", err)
	}

	got, err := svc.Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
}
