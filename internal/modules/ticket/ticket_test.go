package ticket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"housecall/internal/testdb"
	"housecall/internal/types"
)

func TestSnapshotHashStable(t *testing.T) {
	tk := &Ticket{
		SubtotalCents: 10000,
		TaxCents:      1498,
		TotalCents:    11498,
		Currency:      "CAD",
		TaxRegionCode: "CA-QC",
	}
	lines := []Line{
		{LineNo: 1, LineType: LineBase, Description: "base", Qty: 1, UnitPriceCents: 10000, LineSubtotalCents: 10000, TaxRateBps: 14975, TaxCents: 1498, LineTotalCents: 11498},
	}
	h1 := SnapshotHash(tk, lines)
	h2 := SnapshotHash(tk, lines)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Fatalf("expected 64-char lowercase hex, got %q", h1)
	}

	lines[0].LineTotalCents++
	if h3 := SnapshotHash(tk, lines); h3 == h1 {
		t.Fatal("hash unchanged after line mutation")
	}
}

func setupTestService(t *testing.T) *Service {
	t.Helper()
	db := testdb.Pool(t, "ticket_lines", "tickets", "invoice_sequences", "jobs", "job_events")
	return NewService(NewStore(db))
}

func ensureTicket(t *testing.T, svc *Service, partyType PartyType, partyID, refID types.ID) (*Ticket, bool) {
	t.Helper()
	ctx := context.Background()
	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	tk, created, err := svc.EnsureTx(ctx, tx, EnsureCommand{
		PartyType: partyType,
		PartyID:   partyID,
		RefType:   "job",
		RefID:     refID,
		TaxRegion: "CA-QC",
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return tk, created
}

func TestEnsureTicketIdempotent(t *testing.T) {
	svc := setupTestService(t)

	first, created := ensureTicket(t, svc, PartyClient, "c1", "job1")
	if !created {
		t.Fatal("expected first ensure to create")
	}
	if !strings.HasPrefix(first.TicketNo, "CLNT-c1-") {
		t.Fatalf("unexpected ticket number %q", first.TicketNo)
	}

	second, created := ensureTicket(t, svc, PartyClient, "c1", "job1")
	if created {
		t.Fatal("expected second ensure to reuse")
	}
	if second.ID != first.ID || second.TicketNo != first.TicketNo {
		t.Fatalf("ensure returned a different ticket: %v vs %v", second.ID, first.ID)
	}
}

func TestInvoiceNumbersUniqueUnderConcurrency(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		refID := types.ID(fmt.Sprintf("job_seq_%d", i))
		wg.Add(1)
		go func(ref types.ID) {
			defer wg.Done()
			tx, err := svc.Store().Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback(ctx)
			tk, _, err := svc.EnsureTx(ctx, tx, EnsureCommand{
				PartyType: PartyProvider,
				PartyID:   "prov_seq",
				RefType:   "job",
				RefID:     ref,
				TaxRegion: "CA-QC",
			})
			if err != nil {
				errs <- err
				return
			}
			if err := tx.Commit(ctx); err != nil {
				errs <- err
				return
			}
			numbers <- tk.TicketNo
		}(refID)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent ensure: %v", err)
	}
	seen := map[string]bool{}
	for no := range numbers {
		if seen[no] {
			t.Fatalf("duplicate invoice number %q", no)
		}
		seen[no] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct numbers, got %d", n, len(seen))
	}
}

func TestBaseLineAndTotals(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tk, _ := ensureTicket(t, svc, PartyClient, "c_totals", "job_totals")

	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	tk, err = svc.Store().GetForUpdateTx(ctx, tx, tk.ID)
	if err != nil {
		t.Fatalf("lock ticket: %v", err)
	}
	if _, err := svc.EnsureBaseLineTx(ctx, tx, tk, "Service base", 10000); err != nil {
		t.Fatalf("base line: %v", err)
	}
	// second call is a no-op
	if _, err := svc.EnsureBaseLineTx(ctx, tx, tk, "Service base", 99999); err != nil {
		t.Fatalf("base line repeat: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := svc.Store().Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// QC: 10000 * 14975bps = 1497.5 -> 1498
	if got.TaxCents != 1498 || got.TotalCents != 11498 || got.SubtotalCents != 10000 {
		t.Fatalf("totals = sub %d / tax %d / total %d", got.SubtotalCents, got.TaxCents, got.TotalCents)
	}

	lines, err := svc.Store().Lines(ctx, tk.ID)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 1 || lines[0].UnitPriceCents != 10000 {
		t.Fatalf("expected 1 base line at 10000, got %+v", lines)
	}
}

func TestFinalizedTicketIsImmutable(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tk, _ := ensureTicket(t, svc, PartyClient, "c_final", "job_final")

	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tk, err = svc.Store().GetForUpdateTx(ctx, tx, tk.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := svc.EnsureBaseLineTx(ctx, tx, tk, "base", 5000); err != nil {
		t.Fatalf("base line: %v", err)
	}
	if err := svc.FinalizeTx(ctx, tx, tk); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// re-finalize is a no-op
	if err := svc.FinalizeTx(ctx, tx, tk); err != nil {
		t.Fatalf("re-finalize: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := svc.Store().Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFinalized || got.Stage != StageFinal {
		t.Fatalf("status %s stage %s after finalize", got.Status, got.Stage)
	}
	if got.SnapshotHash == nil || len(*got.SnapshotHash) != 64 {
		t.Fatal("client ticket missing snapshot hash")
	}
	lines, err := svc.Store().Lines(ctx, got.ID)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if SnapshotHash(got, lines) != *got.SnapshotHash {
		t.Fatal("snapshot hash not re-derivable from frozen data")
	}

	tx2, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback(ctx)
	got, err = svc.Store().GetForUpdateTx(ctx, tx2, got.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := svc.AddExtraLineTx(ctx, tx2, got, "late extra", 100); err != ErrNotOpen {
		t.Fatalf("extra on finalized: expected ErrNotOpen, got %v", err)
	}
	if err := svc.RecalcTotalsTx(ctx, tx2, got); err != ErrImmutable {
		t.Fatalf("recalc on finalized: expected ErrImmutable, got %v", err)
	}
	if err := svc.DeleteLineTx(ctx, tx2, got, lines[0].ID); err != ErrImmutable {
		t.Fatalf("delete line on finalized: expected ErrImmutable, got %v", err)
	}
}

func TestAddExtraPairBothSides(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	pt, _ := ensureTicket(t, svc, PartyProvider, "prov_ex", "job_ex")
	ct, _ := ensureTicket(t, svc, PartyClient, "cli_ex", "job_ex")

	tx, err := svc.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	pt, err = svc.Store().GetForUpdateTx(ctx, tx, pt.ID)
	if err != nil {
		t.Fatalf("lock provider ticket: %v", err)
	}
	ct, err = svc.Store().GetForUpdateTx(ctx, tx, ct.ID)
	if err != nil {
		t.Fatalf("lock client ticket: %v", err)
	}
	if err := svc.AddExtraPairTx(ctx, tx, pt, ct, "Extra A", 2500); err != nil {
		t.Fatalf("extra pair: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for _, id := range []types.ID{pt.ID, ct.ID} {
		got, err := svc.Store().Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.TotalCents != 2500 {
			t.Fatalf("ticket %s total = %d, want 2500", id, got.TotalCents)
		}
	}
}
