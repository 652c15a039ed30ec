package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"housecall/internal/modules/assignment"
	"housecall/internal/modules/ledger"
	"housecall/internal/modules/ticket"
	"housecall/internal/testdb"
	"housecall/internal/types"
)

func TestRestrictionFor(t *testing.T) {
	cases := []struct {
		lost     int
		warn     bool
		restrict time.Duration
	}{
		{0, false, 0},
		{2, false, 0},
		{3, true, 0},
		{4, true, 0},
		{5, true, 30 * 24 * time.Hour},
		{6, true, 60 * 24 * time.Hour},
		{7, true, 60 * 24 * time.Hour},
		{8, true, 90 * 24 * time.Hour},
		{12, true, 90 * 24 * time.Hour},
	}
	for _, tc := range cases {
		warn, restrict := RestrictionFor(tc.lost)
		if warn != tc.warn || restrict != tc.restrict {
			t.Errorf("RestrictionFor(%d) = %v/%v, want %v/%v",
				tc.lost, warn, restrict, tc.warn, tc.restrict)
		}
	}
}

type fixture struct {
	svc     *Service
	led     *ledger.Service
	tickets *ticket.Service
}

func setupDisputeTest(t *testing.T) *fixture {
	t.Helper()
	db := testdb.Pool(t,
		"ledger_adjustments", "credit_notes", "job_payments",
		"settlement_payments", "settlements", "ledger_entries",
		"ticket_lines", "tickets", "invoice_sequences",
		"disputes", "assignment_fees", "job_assignments",
		"job_events", "jobs", "providers",
	)
	tickets := ticket.NewService(ticket.NewStore(db))
	led := ledger.NewService(ledger.NewStore(db), tickets.Store(), false, t.TempDir())
	svc := NewService(NewStore(db), assignment.NewStore(db), led, nil)
	return &fixture{svc: svc, led: led, tickets: tickets}
}

// seedCompletedJob builds a completed job with an active assignment, both
// tickets (10000 base, 1000 client fee), and a ledger base entry.
func (f *fixture) seedCompletedJob(t *testing.T, completedAgo time.Duration) (jobID, clientID, providerID types.ID) {
	t.Helper()
	ctx := context.Background()
	jobID, clientID, providerID = types.NewID(), types.NewID(), types.NewID()

	pool := f.svc.Store().Pool()
	if _, err := pool.Exec(ctx,
		`INSERT INTO providers (id, name, region_code) VALUES ($1, 'p', 'CA-QC')`,
		string(providerID)); err != nil {
		t.Fatalf("insert provider: %v", err)
	}
	completedAt := time.Now().UTC().Add(-completedAgo)
	if _, err := pool.Exec(ctx, `
        INSERT INTO jobs (id, status, mode, client_id, region_code, completed_at)
        VALUES ($1, 'completed', 'on_demand', $2, 'CA-QC', $3)`,
		string(jobID), string(clientID), completedAt); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO job_assignments (id, job_id, provider_id, status, is_active)
        VALUES ($1, $2, $3, 'completed', TRUE)`,
		string(types.NewID()), string(jobID), string(providerID)); err != nil {
		t.Fatalf("insert assignment: %v", err)
	}

	tx, err := f.tickets.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	for _, p := range []struct {
		t  ticket.PartyType
		id types.ID
	}{{ticket.PartyProvider, providerID}, {ticket.PartyClient, clientID}} {
		tk, _, err := f.tickets.EnsureTx(ctx, tx, ticket.EnsureCommand{
			PartyType: p.t, PartyID: p.id, RefType: "job", RefID: jobID, TaxRegion: "CA-QC",
		})
		if err != nil {
			t.Fatalf("ensure ticket: %v", err)
		}
		if _, err := f.tickets.EnsureBaseLineTx(ctx, tx, tk, "base service", 10000); err != nil {
			t.Fatalf("base line: %v", err)
		}
		if _, err := f.tickets.EnsureFeeLineTx(ctx, tx, tk, "platform fee", 1000); err != nil {
			t.Fatalf("fee line: %v", err)
		}
	}
	if _, err := f.led.UpsertTx(ctx, tx, jobID, false); err != nil {
		t.Fatalf("ledger upsert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return jobID, clientID, providerID
}

func TestOpenDisputeWindow(t *testing.T) {
	f := setupDisputeTest(t)
	ctx := context.Background()

	jobID, clientID, providerID := f.seedCompletedJob(t, time.Hour)

	if _, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: types.NewID(), Reason: "bad work"}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("stranger opened dispute: %v", err)
	}
	d, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: clientID, Reason: "bad work"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != StatusOpen || d.ProviderID != providerID {
		t.Fatalf("dispute = %s/%s", d.Status, d.ProviderID)
	}
	if _, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: clientID, Reason: "again"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second dispute: %v", err)
	}

	// past the window
	lateJob, lateClient, _ := f.seedCompletedJob(t, OpenWindow+time.Hour)
	if _, err := f.svc.Open(ctx, OpenCommand{JobID: lateJob, ClientID: lateClient, Reason: "too late"}); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("late open: %v", err)
	}
}

func TestResolveNoRefundKeepsJob(t *testing.T) {
	f := setupDisputeTest(t)
	ctx := context.Background()

	jobID, clientID, _ := f.seedCompletedJob(t, time.Hour)
	d, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: clientID, Reason: "bad work"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	d2, err := f.svc.Resolve(ctx, ResolveCommand{DisputeID: d.ID, Resolution: ResolutionNoRefund})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d2.Status != StatusResolvedProvider {
		t.Fatalf("status = %s, want resolved_provider", d2.Status)
	}

	var jobStatus string
	if err := f.svc.Store().Pool().QueryRow(ctx,
		`SELECT status FROM jobs WHERE id = $1`, string(jobID)).Scan(&jobStatus); err != nil {
		t.Fatalf("job status: %v", err)
	}
	if jobStatus != "completed" {
		t.Fatalf("job status = %s, want completed", jobStatus)
	}
	// resolving again is a no-op
	if _, err := f.svc.Resolve(ctx, ResolveCommand{DisputeID: d.ID, Resolution: ResolutionRefund100}); err != nil {
		t.Fatalf("resolve replay: %v", err)
	}
	d3, err := f.svc.Get(ctx, d.ID)
	if err != nil || d3.Status != StatusResolvedProvider {
		t.Fatalf("replay changed resolution: %v %s", err, d3.Status)
	}
}

func TestResolveClientWin(t *testing.T) {
	f := setupDisputeTest(t)
	ctx := context.Background()

	jobID, clientID, providerID := f.seedCompletedJob(t, time.Hour)
	d, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: clientID, Reason: "no show"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	d2, err := f.svc.Resolve(ctx, ResolveCommand{DisputeID: d.ID, Resolution: ResolutionRefund100})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d2.Status != StatusResolvedClient {
		t.Fatalf("status = %s, want resolved_client", d2.Status)
	}

	pool := f.svc.Store().Pool()
	var jobStatus string
	var cancelReason *string
	if err := pool.QueryRow(ctx,
		`SELECT status, cancel_reason FROM jobs WHERE id = $1`, string(jobID)).Scan(&jobStatus, &cancelReason); err != nil {
		t.Fatalf("job: %v", err)
	}
	if jobStatus != "cancelled" || cancelReason == nil || *cancelReason != "dispute_approved" {
		t.Fatalf("job = %s/%v, want cancelled/dispute_approved", jobStatus, cancelReason)
	}

	var active int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_assignments WHERE job_id = $1 AND is_active`,
		string(jobID)).Scan(&active); err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if active != 0 {
		t.Fatalf("assignment still active")
	}

	// three typed adjustment rows against the base entry
	var adjustments int
	if err := pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM ledger_adjustments la
        JOIN ledger_entries le ON le.id = la.ledger_entry_id
        WHERE le.job_id = $1 AND la.dispute_id = $2`,
		string(jobID), string(d.ID)).Scan(&adjustments); err != nil {
		t.Fatalf("adjustments: %v", err)
	}
	if adjustments != 3 {
		t.Fatalf("adjustment rows = %d, want 3", adjustments)
	}

	var lost int
	if err := pool.QueryRow(ctx,
		`SELECT disputes_lost_count FROM providers WHERE id = $1`,
		string(providerID)).Scan(&lost); err != nil {
		t.Fatalf("provider: %v", err)
	}
	if lost != 1 {
		t.Fatalf("disputes_lost_count = %d, want 1", lost)
	}
}

func TestAutoResolveSweep(t *testing.T) {
	f := setupDisputeTest(t)
	ctx := context.Background()

	jobID, clientID, _ := f.seedCompletedJob(t, time.Hour)
	d, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: clientID, Reason: "no show"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// fresh disputes are left alone
	stats, err := f.svc.AutoResolve(ctx, time.Now().UTC(), 100, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Checked != 0 {
		t.Fatalf("fresh dispute swept: %+v", stats)
	}

	later := time.Now().UTC().Add(ResponseWindow + time.Hour)

	// dry run reports without resolving
	stats, err = f.svc.AutoResolve(ctx, later, 100, true)
	if err != nil || stats.Checked != 1 || stats.Resolved != 0 {
		t.Fatalf("dry run = %+v, %v", stats, err)
	}
	d2, _ := f.svc.Get(ctx, d.ID)
	if d2.Status != StatusOpen {
		t.Fatalf("dry run resolved the dispute")
	}

	stats, err = f.svc.AutoResolve(ctx, later, 100, false)
	if err != nil || stats.Resolved != 1 {
		t.Fatalf("sweep = %+v, %v", stats, err)
	}
	d3, _ := f.svc.Get(ctx, d.ID)
	if d3.Status != StatusResolvedClient {
		t.Fatalf("status = %s, want resolved_client", d3.Status)
	}
}

func TestRespondStopsAutoResolve(t *testing.T) {
	f := setupDisputeTest(t)
	ctx := context.Background()

	jobID, clientID, providerID := f.seedCompletedJob(t, time.Hour)
	d, err := f.svc.Open(ctx, OpenCommand{JobID: jobID, ClientID: clientID, Reason: "no show"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.svc.Respond(ctx, RespondCommand{DisputeID: d.ID, ProviderID: types.NewID(), Response: "??"}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("stranger responded: %v", err)
	}
	d2, err := f.svc.Respond(ctx, RespondCommand{DisputeID: d.ID, ProviderID: providerID, Response: "work was done"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if d2.Status != StatusProviderResponded {
		t.Fatalf("status = %s, want provider_responded", d2.Status)
	}

	stats, err := f.svc.AutoResolve(ctx, time.Now().UTC().Add(ResponseWindow+time.Hour), 100, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Checked != 0 {
		t.Fatalf("responded dispute still swept: %+v", stats)
	}
}
