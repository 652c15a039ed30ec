// README: Settlement engine: weekly per-provider batches of frozen ledger
// entries, approval gated on payout readiness and disputes, and an
// exactly-once payment execution step.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"housecall/internal/modules/ledger"
	"housecall/internal/notify"
	"housecall/internal/types"
)

var (
	ErrNotFound        = errors.New("settlement not found")
	ErrAlreadyExists   = errors.New("settlement already exists for period")
	ErrAlreadyPaid     = errors.New("settlement already paid")
	ErrNothingToSettle = errors.New("no eligible ledger entries")
	ErrInvalidState    = errors.New("invalid settlement state")
	ErrNotPayoutReady  = errors.New("provider not payout ready")
	ErrDisputesOpen    = errors.New("active disputes on settled jobs")
	ErrImmutable       = errors.New("paid settlement is immutable")
	ErrHasLinkedRows   = errors.New("settlement has linked ledger rows")
	ErrBadRequest      = errors.New("bad settlement request")
)

type Service struct {
	store     *Store
	ledger    *ledger.Service
	publisher notify.Publisher
}

func NewService(store *Store, led *ledger.Service, publisher notify.Publisher) *Service {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Service{store: store, ledger: led, publisher: publisher}
}

func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Settlement, error) {
	return s.store.Get(ctx, id)
}

// GenerateForPeriod batches one provider's final, unsettled ledger rows for
// the window into a draft settlement and links every selected row to it.
func (s *Service) GenerateForPeriod(ctx context.Context, providerID types.ID, start, end time.Time) (*Settlement, error) {
	if providerID == "" || !end.After(start) {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entries, err := s.store.EligibleEntriesTx(ctx, tx, providerID, start, end)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNothingToSettle
	}

	st := &Settlement{
		ID:          types.NewID(),
		ProviderID:  providerID,
		PeriodStart: start,
		PeriodEnd:   end,
		Currency:    entries[0].Currency,
		Status:      StatusDraft,
	}
	payout := PayoutDateFor(end)
	st.ScheduledPayoutDate = &payout

	entryIDs := make([]types.ID, 0, len(entries))
	jobs := make(map[types.ID]bool)
	for _, e := range entries {
		entryIDs = append(entryIDs, e.EntryID)
		st.TotalGrossCents += e.GrossCents
		st.TotalTaxCents += e.TaxCents
		st.TotalFeeCents += e.FeeCents
		st.TotalNetProviderCents += e.NetProviderCents
		st.TotalPlatformRevenueCents += e.PlatformRevenueCents
		if !e.IsAdjustment {
			jobs[e.JobID] = true
		}
	}
	st.JobCount = len(jobs)

	// dispute adjustments ride along with the entry they correct; the
	// client refund itself never touches the provider payout
	adjustments, err := s.store.UnsettledDisputeAdjustmentsTx(ctx, tx, entryIDs)
	if err != nil {
		return nil, err
	}
	adjIDs := make([]types.ID, 0, len(adjustments))
	for _, a := range adjustments {
		adjIDs = append(adjIDs, a.ID)
		switch ledger.AdjustmentType(a.Type) {
		case ledger.AdjustProviderDeduction:
			st.TotalNetProviderCents += a.AmountCents
		case ledger.AdjustPlatformFeeReversal:
			st.TotalFeeCents += a.AmountCents
			st.TotalPlatformRevenueCents += a.AmountCents
		}
	}

	if err := s.store.CreateTx(ctx, tx, st); err != nil {
		return nil, err
	}
	if err := s.store.LinkEntriesTx(ctx, tx, st.ID, entryIDs); err != nil {
		return nil, err
	}
	if err := s.store.LinkAdjustmentsTx(ctx, tx, st.ID, adjIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, notify.Event{
		Type: notify.EventSettlementCreated, ProviderID: providerID,
		Detail: map[string]string{
			"settlement_id": string(st.ID),
			"net_cents":     fmt.Sprintf("%d", st.TotalNetProviderCents),
		},
	})
	return st, nil
}

type WeeklyStats struct {
	Providers int
	Created   int
	Skipped   int
	Failed    int
}

// GenerateWeekly creates one settlement per provider for the previous
// Monday to Sunday. Providers whose period was already settled are skipped.
func (s *Service) GenerateWeekly(ctx context.Context, now time.Time) (WeeklyStats, error) {
	var stats WeeklyStats
	start, end := PreviousWeek(now)

	providers, err := s.store.ProvidersWithEligibleEntries(ctx, start, end)
	if err != nil {
		return stats, err
	}
	stats.Providers = len(providers)
	for _, pid := range providers {
		_, err := s.GenerateForPeriod(ctx, pid, start, end)
		switch {
		case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrNothingToSettle):
			stats.Skipped++
		case err != nil:
			stats.Failed++
			log.Printf("weekly settlement: provider %s: %v", pid, err)
		default:
			stats.Created++
		}
	}
	log.Printf("weekly settlement %s..%s: providers=%d created=%d skipped=%d failed=%d",
		start.Format("2006-01-02"), end.Format("2006-01-02"),
		stats.Providers, stats.Created, stats.Skipped, stats.Failed)
	return stats, nil
}

// Approve closes a draft settlement. The provider must be able to receive
// transfers and none of the settled jobs may have an active dispute.
func (s *Service) Approve(ctx context.Context, id types.ID) (*Settlement, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	st, err := s.store.GetForUpdateTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StatusDraft:
	case StatusPaid:
		return nil, ErrImmutable
	default:
		return nil, fmt.Errorf("approve settlement %s: status=%s: %w", id, st.Status, ErrInvalidState)
	}

	ready, err := s.store.ProviderPayoutReadyTx(ctx, tx, st.ProviderID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("approve settlement %s: provider %s: %w", id, st.ProviderID, ErrNotPayoutReady)
	}
	disputes, err := s.store.ActiveDisputeCountTx(ctx, tx, st.ID)
	if err != nil {
		return nil, err
	}
	if disputes > 0 {
		return nil, fmt.Errorf("approve settlement %s: %d active disputes: %w", id, disputes, ErrDisputesOpen)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateStatusTx(ctx, tx, st.ID, StatusClosed, &now, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	st.Status = StatusClosed
	st.ApprovedAt = &now
	return st, nil
}

type PayCommand struct {
	SettlementID types.ID
	Reference    string
	ExecutedBy   string
	// TransferID is the payout gateway's id when known at execution time.
	TransferID *string
}

// ExecutePayment creates the settlement's single payment row and flips it to
// paid in one transaction. The unique constraint on the payment row is what
// makes a double execution impossible, not this method's status check.
func (s *Service) ExecutePayment(ctx context.Context, cmd PayCommand) (*Payment, error) {
	if cmd.SettlementID == "" || cmd.Reference == "" {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	st, err := s.store.GetForUpdateTx(ctx, tx, cmd.SettlementID)
	if err != nil {
		return nil, err
	}
	if st.Status == StatusPaid {
		return nil, ErrAlreadyPaid
	}
	if st.Status != StatusClosed {
		return nil, fmt.Errorf("pay settlement %s: status=%s: %w", st.ID, st.Status, ErrInvalidState)
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:                 types.NewID(),
		SettlementID:       st.ID,
		ExecutedAt:         now,
		ExecutedBy:         cmd.ExecutedBy,
		Reference:          cmd.Reference,
		AmountCents:        st.TotalNetProviderCents,
		ExternalTransferID: cmd.TransferID,
		ExternalStatus:     "pending",
	}
	if err := s.store.CreatePaymentTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatusTx(ctx, tx, st.ID, StatusPaid, nil, &now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, notify.Event{
		Type: notify.EventSettlementPaid, ProviderID: st.ProviderID,
		Detail: map[string]string{
			"settlement_id": string(st.ID),
			"amount_cents":  fmt.Sprintf("%d", p.AmountCents),
			"reference":     p.Reference,
		},
	})
	return p, nil
}

type SweepStats struct {
	Due     int
	Paid    int
	Skipped int
	Failed  int
}

// PayoutSweep pays every closed settlement whose payout date has passed,
// skipping any with a live dispute. Dry-run reports without paying.
func (s *Service) PayoutSweep(ctx context.Context, now time.Time, limit int, dryRun bool) (SweepStats, error) {
	var stats SweepStats

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback(ctx)
	due, err := s.store.DuePayoutIDs(ctx, tx, now, limit)
	if err != nil {
		return stats, err
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, err
	}

	stats.Due = len(due)
	if dryRun {
		log.Printf("payout sweep (dry run): %d settlements due", len(due))
		return stats, nil
	}
	for _, id := range due {
		skip, err := s.sweepOne(ctx, id, now)
		switch {
		case err != nil:
			stats.Failed++
			log.Printf("payout sweep: settlement %s: %v", id, err)
		case skip:
			stats.Skipped++
		default:
			stats.Paid++
		}
	}
	log.Printf("payout sweep: due=%d paid=%d skipped=%d failed=%d",
		stats.Due, stats.Paid, stats.Skipped, stats.Failed)
	return stats, nil
}

func (s *Service) sweepOne(ctx context.Context, id types.ID, now time.Time) (skipped bool, err error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	hasDispute := false
	st, err := s.store.GetForUpdateTx(ctx, tx, id)
	if err == nil && st.Status == StatusClosed {
		var n int
		n, err = s.store.ActiveDisputeCountTx(ctx, tx, id)
		hasDispute = n > 0
	}
	tx.Rollback(ctx)
	if err != nil {
		return false, err
	}
	if st.Status != StatusClosed {
		return true, nil
	}
	if hasDispute {
		return true, nil
	}
	_, err = s.ExecutePayment(ctx, PayCommand{
		SettlementID: id,
		Reference:    fmt.Sprintf("sweep_%s", now.Format("20060102")),
		ExecutedBy:   "payout_sweep",
	})
	if errors.Is(err, ErrAlreadyPaid) {
		return true, nil
	}
	return false, err
}

// Cancel discards a draft settlement that holds no ledger rows.
func (s *Service) Cancel(ctx context.Context, id types.ID) (*Settlement, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	st, err := s.store.GetForUpdateTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StatusDraft:
	case StatusPaid:
		return nil, ErrImmutable
	default:
		return nil, fmt.Errorf("cancel settlement %s: status=%s: %w", id, st.Status, ErrInvalidState)
	}
	linked, err := s.store.LinkedEntryCountTx(ctx, tx, st.ID)
	if err != nil {
		return nil, err
	}
	if linked > 0 {
		return nil, ErrHasLinkedRows
	}
	if err := s.store.UpdateStatusTx(ctx, tx, st.ID, StatusCancelled, nil, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	st.Status = StatusCancelled
	return st, nil
}

// RecordPayoutStatus applies a payout webhook verdict to the settlement's
// payment row.
func (s *Service) RecordPayoutStatus(ctx context.Context, settlementID types.ID, transferID *string, status string) error {
	if settlementID == "" || status == "" {
		return ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	found, err := s.store.UpdatePaymentStatusTx(ctx, tx, settlementID, transferID, status)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
