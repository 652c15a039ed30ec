package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"housecall/internal/modules/assignment"
	"housecall/internal/modules/ledger"
	"housecall/internal/modules/pricing"
	"housecall/internal/modules/ticket"
	"housecall/internal/testdb"
	"housecall/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusPosted, true},
		{StatusPosted, StatusHold, true},
		{StatusPosted, StatusAssigned, true},
		{StatusHold, StatusPendingClient, true},
		{StatusHold, StatusInProgress, false},
		{StatusWaitingProviders, StatusPendingClient, true},
		{StatusPendingClientDecide, StatusWaitingProviders, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusCompleted, StatusConfirmed, true},
		{StatusConfirmed, StatusCancelled, false},
		{StatusCancelled, StatusPosted, false},
		{StatusExpired, StatusPosted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusConfirmed, StatusCancelled, StatusExpired} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false", s)
		}
	}
	for _, s := range []Status{StatusPosted, StatusHold, StatusCompleted} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true", s)
		}
	}
}

// fakeFinder hands back a fixed ranking regardless of location.
type fakeFinder struct {
	ids []types.ID
}

func (f *fakeFinder) Nearby(_ context.Context, _ types.Point, limit int) ([]types.ID, error) {
	if limit > len(f.ids) {
		limit = len(f.ids)
	}
	return f.ids[:limit], nil
}

func setupJobTest(t *testing.T) *Service {
	t.Helper()
	db := testdb.Pool(t,
		"ledger_adjustments", "credit_notes", "job_payments", "ledger_entries",
		"ticket_lines", "tickets", "invoice_sequences",
		"assignment_fees", "job_assignments", "job_broadcast_attempts",
		"job_events", "jobs", "providers",
	)
	store := NewStore(db)
	tickets := ticket.NewService(ticket.NewStore(db))
	assignments := assignment.NewService(assignment.NewStore(db), store)
	led := ledger.NewService(ledger.NewStore(db), tickets.Store(), false, t.TempDir())
	prc := pricing.NewService(pricing.NewStore(db))
	return NewService(store, tickets, assignments, led, prc, nil, nil)
}

func insertProvider(t *testing.T, svc *Service) types.ID {
	t.Helper()
	id := types.NewID()
	_, err := svc.Store().Pool().Exec(context.Background(), `
        INSERT INTO providers (id, name, region_code) VALUES ($1, 'p', 'CA-QC')`,
		string(id))
	if err != nil {
		t.Fatalf("insert provider: %v", err)
	}
	return id
}

func createOnDemand(t *testing.T, svc *Service, provider *types.ID) *Job {
	t.Helper()
	lat, lng := 45.5, -73.6
	j, err := svc.Create(context.Background(), CreateCommand{
		ClientID:       types.NewID(),
		Mode:           ModeOnDemand,
		ServiceType:    "plumbing",
		Address:        "12 Main St",
		City:           "Montreal",
		RegionCode:     "CA-QC",
		Lat:            &lat,
		Lng:            &lng,
		BasePriceCents: 10000,
		ProviderID:     provider,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestCreateCollapsesNearSchedule(t *testing.T) {
	svc := setupJobTest(t)

	soon := time.Now().UTC().Add(12 * time.Hour)
	j, err := svc.Create(context.Background(), CreateCommand{
		ClientID:       types.NewID(),
		Mode:           ModeScheduled,
		ServiceType:    "cleaning",
		RegionCode:     "CA-ON",
		ScheduledAt:    &soon,
		BasePriceCents: 5000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Mode != ModeOnDemand || !j.IsASAP {
		t.Fatalf("mode/asap = %s/%v, want on_demand/true", j.Mode, j.IsASAP)
	}
	if j.ScheduledAt != nil {
		t.Fatalf("scheduled_at kept after ASAP collapse")
	}
	if j.NextAlertAt == nil {
		t.Fatalf("on-demand job has no first alert")
	}
}

func TestCreateCapsActiveJobs(t *testing.T) {
	svc := setupJobTest(t)
	clientID := types.NewID()

	cmd := CreateCommand{
		ClientID:       clientID,
		Mode:           ModeOnDemand,
		ServiceType:    "plumbing",
		RegionCode:     "CA-QC",
		BasePriceCents: 10000,
	}
	for i := 0; i < MaxActiveJobs; i++ {
		if _, err := svc.Create(context.Background(), cmd); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrTooManyActiveJobs) {
		t.Fatalf("err = %v, want ErrTooManyActiveJobs", err)
	}
}

func TestDirectRequestLifecycle(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	provider := insertProvider(t, svc)
	worker := types.NewID()
	j := createOnDemand(t, svc, &provider)
	if j.Status != StatusPendingProvider {
		t.Fatalf("status = %s, want pending_provider_confirmation", j.Status)
	}

	if _, err := svc.AcceptNormal(ctx, j.ID, types.NewID()); !errors.Is(err, ErrProviderNotAllowed) {
		t.Fatalf("accept by stranger: err = %v, want ErrProviderNotAllowed", err)
	}
	j2, err := svc.AcceptNormal(ctx, j.ID, provider)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if j2.Status != StatusPendingClient {
		t.Fatalf("status = %s, want pending_client_confirmation", j2.Status)
	}
	// accept replays cleanly
	if _, err := svc.AcceptNormal(ctx, j.ID, provider); err != nil {
		t.Fatalf("accept replay: %v", err)
	}

	if _, err := svc.ConfirmClient(ctx, j.ID, types.NewID()); !errors.Is(err, ErrClientNotAllowed) {
		t.Fatalf("confirm by stranger: err = %v, want ErrClientNotAllowed", err)
	}
	j3, err := svc.ConfirmClient(ctx, j.ID, j.ClientID)
	if err != nil {
		t.Fatalf("confirm client: %v", err)
	}
	if j3.Status != StatusAssigned {
		t.Fatalf("status = %s, want assigned", j3.Status)
	}

	j4, err := svc.Start(ctx, StartCommand{JobID: j.ID, ProviderID: provider, WorkerID: worker})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if j4.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", j4.Status)
	}

	j5, err := svc.Complete(ctx, CompleteCommand{JobID: j.ID, ProviderID: provider, WorkerID: worker})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j5.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", j5.Status)
	}

	j6, err := svc.ConfirmClosed(ctx, CloseCommand{JobID: j.ID, ClientID: j.ClientID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if j6.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", j6.Status)
	}
	// both tickets are frozen
	for _, party := range []ticket.PartyType{ticket.PartyProvider, ticket.PartyClient} {
		tx, err := svc.Store().Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		tk, err := svc.tickets.Store().GetByRefTx(ctx, tx, party, "job", j.ID, false)
		tx.Rollback(ctx)
		if err != nil || tk == nil {
			t.Fatalf("%s ticket: %v", party, err)
		}
		if tk.Status != ticket.StatusFinalized {
			t.Fatalf("%s ticket status = %s, want finalized", party, tk.Status)
		}
	}
	// closing again is a no-op
	if _, err := svc.ConfirmClosed(ctx, CloseCommand{JobID: j.ID, ClientID: j.ClientID}); err != nil {
		t.Fatalf("close replay: %v", err)
	}
}

func TestAddExtraMirrorsFee(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	provider := insertProvider(t, svc)
	worker := types.NewID()
	j := createOnDemand(t, svc, &provider)
	if _, err := svc.AcceptNormal(ctx, j.ID, provider); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.ConfirmClient(ctx, j.ID, j.ClientID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Start(ctx, StartCommand{JobID: j.ID, ProviderID: provider, WorkerID: worker}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.AddExtra(ctx, AddExtraCommand{
		JobID: j.ID, ProviderID: provider,
		Description: "extra valve", AmountCents: 2500,
	}); err != nil {
		t.Fatalf("add extra: %v", err)
	}

	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	for _, party := range []ticket.PartyType{ticket.PartyProvider, ticket.PartyClient} {
		tk, err := svc.tickets.Store().GetByRefTx(ctx, tx, party, "job", j.ID, false)
		if err != nil || tk == nil {
			t.Fatalf("%s ticket: %v", party, err)
		}
		fee, err := svc.tickets.Store().FirstLineOfTypeTx(ctx, tx, tk.ID, ticket.LineFee)
		if err != nil {
			t.Fatalf("%s fee line: %v", party, err)
		}
		// QC fee: 10% of the 12500 subtotal
		if fee == nil || fee.LineSubtotalCents != 1250 {
			t.Fatalf("%s fee = %+v, want 1250", party, fee)
		}
	}
}

func TestHoldProtocol(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	p1 := insertProvider(t, svc)
	p2 := insertProvider(t, svc)
	j := createOnDemand(t, svc, nil)

	res, err := svc.HoldUrgent(ctx, j.ID, p1)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if res.Job.Status != StatusHold || res.TotalCents != 10000 {
		t.Fatalf("hold = %s/%d, want hold/10000", res.Job.Status, res.TotalCents)
	}

	if _, err := svc.HoldUrgent(ctx, j.ID, p2); err == nil {
		t.Fatalf("second provider stole the hold")
	}
	res2, err := svc.HoldUrgent(ctx, j.ID, p1)
	if err != nil || !res2.Renewed {
		t.Fatalf("renew: %v renewed=%v", err, res2 != nil && res2.Renewed)
	}

	if _, err := svc.ConfirmHold(ctx, j.ID, p2); err == nil {
		t.Fatalf("stranger confirmed the hold")
	}
	j2, err := svc.ConfirmHold(ctx, j.ID, p1)
	if err != nil {
		t.Fatalf("confirm hold: %v", err)
	}
	if j2.Status != StatusPendingClient {
		t.Fatalf("status = %s, want pending_client_confirmation", j2.Status)
	}
	if j2.QuotedTotalCents == nil || *j2.QuotedTotalCents != 10000 {
		t.Fatalf("frozen quote lost on confirm")
	}
}

func TestReleaseExpiredHolds(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	p1 := insertProvider(t, svc)
	j := createOnDemand(t, svc, nil)
	if _, err := svc.HoldUrgent(ctx, j.ID, p1); err != nil {
		t.Fatalf("hold: %v", err)
	}

	n, err := svc.ReleaseExpiredHolds(ctx, time.Now().UTC().Add(2*HoldDuration))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d holds, want 1", n)
	}
	j2, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j2.Status != StatusPosted || j2.HoldProviderID != nil {
		t.Fatalf("job = %s/%v, want posted with no hold", j2.Status, j2.HoldProviderID)
	}

	// a live hold stays put
	if _, err := svc.HoldUrgent(ctx, j.ID, p1); err != nil {
		t.Fatalf("re-hold: %v", err)
	}
	n, err = svc.ReleaseExpiredHolds(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 0 {
		t.Fatalf("released a live hold")
	}
}

func TestOnDemandTickRetryWindow(t *testing.T) {
	svc := setupJobTest(t)
	svc.SetCandidateFinder(&fakeFinder{})
	ctx := context.Background()

	j := createOnDemand(t, svc, nil)
	now := time.Now().UTC()

	out, err := svc.ProcessOnDemandJob(ctx, j.ID, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if out != TickScheduled {
		t.Fatalf("outcome = %s, want scheduled", out)
	}

	// inside the retry window the wave is already dispatched
	out, err = svc.ProcessOnDemandJob(ctx, j.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if out != TickAlreadyDispatch {
		t.Fatalf("outcome = %s, want %s", out, TickAlreadyDispatch)
	}

	// past the retry window the tick runs again
	out, err = svc.ProcessOnDemandJob(ctx, j.ID, now.Add(RetryAfter+time.Second))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if out != TickScheduled {
		t.Fatalf("outcome = %s, want scheduled", out)
	}
}

func TestOnDemandExpiresAtMaxAttempts(t *testing.T) {
	svc := setupJobTest(t)
	svc.SetCandidateFinder(&fakeFinder{})
	ctx := context.Background()

	j := createOnDemand(t, svc, nil)
	_, err := svc.Store().Pool().Exec(ctx,
		`UPDATE jobs SET alert_attempts = $2 WHERE id = $1`,
		string(j.ID), MaxAlertAttempts)
	if err != nil {
		t.Fatalf("bump attempts: %v", err)
	}

	out, err := svc.ProcessOnDemandJob(ctx, j.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if out != TickExpired {
		t.Fatalf("outcome = %s, want expired", out)
	}
	j2, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j2.Status != StatusExpired || j2.NextAlertAt != nil {
		t.Fatalf("job = %s/%v, want expired with no next alert", j2.Status, j2.NextAlertAt)
	}
}

func TestBroadcastWaveContactsEligible(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	p1 := insertProvider(t, svc)
	p2 := insertProvider(t, svc)
	restricted := insertProvider(t, svc)
	_, err := svc.Store().Pool().Exec(ctx, `
        UPDATE providers SET marketplace_restricted_until = NOW() + INTERVAL '30 days'
        WHERE id = $1`, string(restricted))
	if err != nil {
		t.Fatalf("restrict: %v", err)
	}
	svc.SetCandidateFinder(&fakeFinder{ids: []types.ID{p1, restricted, p2}})

	j := createOnDemand(t, svc, nil)
	if out, err := svc.ProcessOnDemandJob(ctx, j.ID, time.Now().UTC()); err != nil || out != TickScheduled {
		t.Fatalf("tick = %s, %v", out, err)
	}

	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	attempted, err := svc.Store().AttemptedProviderIDsTx(ctx, tx, j.ID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if !attempted[p1] || !attempted[p2] {
		t.Fatalf("eligible providers not contacted: %v", attempted)
	}
	if attempted[restricted] {
		t.Fatalf("restricted provider contacted")
	}
}

func createScheduled(t *testing.T, svc *Service, lead time.Duration) *Job {
	t.Helper()
	lat, lng := 45.5, -73.6
	at := time.Now().UTC().Add(lead)
	j, err := svc.Create(context.Background(), CreateCommand{
		ClientID:       types.NewID(),
		Mode:           ModeScheduled,
		ServiceType:    "painting",
		RegionCode:     "CA-QC",
		Lat:            &lat,
		Lng:            &lng,
		ScheduledAt:    &at,
		BasePriceCents: 20000,
	})
	if err != nil {
		t.Fatalf("create scheduled job: %v", err)
	}
	return j
}

func TestMarketplaceSearchAndAccept(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p1 := insertProvider(t, svc)
	p2 := insertProvider(t, svc)
	svc.SetCandidateFinder(&fakeFinder{ids: []types.ID{p1, p2}})

	j := createScheduled(t, svc, 72*time.Hour)

	out, err := svc.ProcessMarketplaceJob(ctx, j.ID, now)
	if err != nil {
		t.Fatalf("wave: %v", err)
	}
	if out != MarketWaveSent {
		t.Fatalf("outcome = %s, want wave_sent", out)
	}
	j2, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j2.Status != StatusWaitingProviders || j2.MarketplaceSearchStartedAt == nil {
		t.Fatalf("job = %s, search started %v", j2.Status, j2.MarketplaceSearchStartedAt)
	}
	if j2.MarketplaceAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", j2.MarketplaceAttempts)
	}

	// a provider never contacted cannot accept
	stranger := insertProvider(t, svc)
	_, _, err = svc.AcceptOffer(ctx, j.ID, stranger)
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Code != CodeAttemptNotFound {
		t.Fatalf("stranger accept: %v", err)
	}

	j3, outcome, err := svc.AcceptOffer(ctx, j.ID, p1)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome != "accepted_waiting_client" || j3.Status != StatusPendingClient {
		t.Fatalf("accept = %s/%s", outcome, j3.Status)
	}
	// replay is idempotent for the same provider
	_, outcome, err = svc.AcceptOffer(ctx, j.ID, p1)
	if err != nil || outcome != CodeAlreadyAcceptedWaiting {
		t.Fatalf("accept replay = %s, %v", outcome, err)
	}
	// and a conflict for anyone else
	_, _, err = svc.AcceptOffer(ctx, j.ID, p2)
	if !errors.As(err, &ce) || ce.Code != CodeJobAlreadyAssigned {
		t.Fatalf("second accept: %v", err)
	}

	j4, err := svc.ConfirmProvider(ctx, j.ID, j.ClientID)
	if err != nil {
		t.Fatalf("confirm provider: %v", err)
	}
	if j4.Status != StatusAssigned {
		t.Fatalf("status = %s, want assigned", j4.Status)
	}
}

func TestMarketplaceShortLeadSkips(t *testing.T) {
	svc := setupJobTest(t)
	svc.SetCandidateFinder(&fakeFinder{})
	ctx := context.Background()

	j := createScheduled(t, svc, 72*time.Hour)
	// drift the clock instead of the schedule
	out, err := svc.ProcessMarketplaceJob(ctx, j.ID, time.Now().UTC().Add(50*time.Hour))
	if err != nil {
		t.Fatalf("wave: %v", err)
	}
	if out != MarketSkipShortLead {
		t.Fatalf("outcome = %s, want %s", out, MarketSkipShortLead)
	}
}

func TestClientConfirmationTimeoutReopensSearch(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p1 := insertProvider(t, svc)
	svc.SetCandidateFinder(&fakeFinder{ids: []types.ID{p1}})

	j := createScheduled(t, svc, 96*time.Hour)
	if _, err := svc.ProcessMarketplaceJob(ctx, j.ID, now); err != nil {
		t.Fatalf("wave: %v", err)
	}
	if _, _, err := svc.AcceptOffer(ctx, j.ID, p1); err != nil {
		t.Fatalf("accept: %v", err)
	}

	later := now.Add(ClientConfirmationWindow + 2*time.Minute)
	if err := svc.ProcessClientConfirmationTimeout(ctx, j.ID, later); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	j2, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j2.Status != StatusWaitingProviders || j2.SelectedProviderID != nil {
		t.Fatalf("job = %s/%v, want waiting with no provider", j2.Status, j2.SelectedProviderID)
	}
	if j2.NextMarketplaceAlertAt == nil {
		t.Fatalf("search not rescheduled after timeout")
	}
}

func TestClientDecisionSwitchToUrgent(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	j := createScheduled(t, svc, 72*time.Hour)
	_, err := svc.Store().Pool().Exec(ctx,
		`UPDATE jobs SET status = 'pending_client_decision' WHERE id = $1`, string(j.ID))
	if err != nil {
		t.Fatalf("park job: %v", err)
	}

	j2, err := svc.ClientDecision(ctx, ClientDecisionCommand{
		JobID: j.ID, ClientID: j.ClientID, Action: "switch_to_urgent",
	})
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if j2.Mode != ModeOnDemand || !j2.IsASAP || j2.Status != StatusPosted {
		t.Fatalf("job = %s/%s asap=%v, want on_demand/posted/true", j2.Mode, j2.Status, j2.IsASAP)
	}
	if j2.ScheduledAt != nil || j2.NextAlertAt == nil {
		t.Fatalf("urgent switch kept schedule or lost alert")
	}

	// the decision menu rejects unknown actions
	var ce *ConflictError
	_, err = svc.ClientDecision(ctx, ClientDecisionCommand{
		JobID: j.ID, ClientID: j.ClientID, Action: "shuffle",
	})
	if !errors.As(err, &ce) || ce.Code != CodeInvalidAction {
		t.Fatalf("unknown action: %v", err)
	}
}

func TestClientDecisionEditSchedule(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	j := createScheduled(t, svc, 72*time.Hour)
	var ce *ConflictError

	tooSoon := time.Now().UTC().Add(6 * time.Hour)
	_, err := svc.ClientDecision(ctx, ClientDecisionCommand{
		JobID: j.ID, ClientID: j.ClientID, Action: "edit_schedule_date", NewScheduledAt: &tooSoon,
	})
	if !errors.As(err, &ce) || ce.Code != CodeScheduleLessThan24h {
		t.Fatalf("short lead: %v", err)
	}

	newDate := time.Now().UTC().Add(120 * time.Hour)
	j2, err := svc.ClientDecision(ctx, ClientDecisionCommand{
		JobID: j.ID, ClientID: j.ClientID, Action: "edit_schedule_date", NewScheduledAt: &newDate,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if j2.Status != StatusWaitingProviders || j2.MarketplaceAttempts != 0 {
		t.Fatalf("job = %s attempts=%d, want waiting/0", j2.Status, j2.MarketplaceAttempts)
	}
	if j2.MarketplaceExpiresAt == nil || !j2.MarketplaceExpiresAt.Equal(newDate.Add(-MarketplaceExpireBuffer)) {
		t.Fatalf("expires_at not derived from the new date")
	}
}

func TestAutoConfirmSweep(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	provider := insertProvider(t, svc)
	worker := types.NewID()
	j := createOnDemand(t, svc, &provider)
	if _, err := svc.AcceptNormal(ctx, j.ID, provider); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.ConfirmClient(ctx, j.ID, j.ClientID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Start(ctx, StartCommand{JobID: j.ID, ProviderID: provider, WorkerID: worker}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Complete(ctx, CompleteCommand{JobID: j.ID, ProviderID: provider, WorkerID: worker}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// too fresh: nothing to confirm yet
	stats, err := svc.AutoConfirmCompleted(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Confirmed != 0 {
		t.Fatalf("fresh job auto-confirmed")
	}

	stats, err = svc.AutoConfirmCompleted(ctx, time.Now().UTC().Add(AutoConfirmTimeout+time.Hour), 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Checked != 1 || stats.Confirmed != 1 {
		t.Fatalf("sweep = %+v, want checked=1 confirmed=1", stats)
	}
	j2, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j2.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", j2.Status)
	}
}

func TestCancelClearsStateAndDeactivates(t *testing.T) {
	svc := setupJobTest(t)
	ctx := context.Background()

	provider := insertProvider(t, svc)
	j := createOnDemand(t, svc, &provider)
	if _, err := svc.AcceptNormal(ctx, j.ID, provider); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.ConfirmClient(ctx, j.ID, j.ClientID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	j2, err := svc.Cancel(ctx, CancelCommand{JobID: j.ID, ActorType: "client", Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if j2.Status != StatusCancelled || j2.CancelReason == nil {
		t.Fatalf("job = %s reason=%v", j2.Status, j2.CancelReason)
	}
	active, err := svc.assignments.Store().ActiveByJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatalf("assignment still active after cancel")
	}
	// cancel replays cleanly, terminal states stay terminal
	if _, err := svc.Cancel(ctx, CancelCommand{JobID: j.ID}); err != nil {
		t.Fatalf("cancel replay: %v", err)
	}
	if _, err := svc.Start(ctx, StartCommand{JobID: j.ID, ProviderID: provider, WorkerID: types.NewID()}); err == nil {
		t.Fatalf("started a cancelled job")
	}
}
