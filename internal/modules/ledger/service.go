// README: Ledger engine: compute totals from tickets, freeze on confirm,
// guarded rebuild, refund credit notes with prorated compensation.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"housecall/internal/modules/ticket"
	"housecall/internal/types"
)

var (
	ErrNotFound          = errors.New("ledger entry not found")
	ErrAlreadyRecorded   = errors.New("already recorded")
	ErrInvalidState      = errors.New("invalid state for ledger operation")
	ErrRebuildBlocked    = errors.New("ledger rebuild blocked")
	ErrNoFinalTicket     = errors.New("no finalized client ticket")
	ErrRefundExceedsPaid = errors.New("refund exceeds total paid amount")
	ErrBadRequest        = errors.New("bad ledger request")
)

type Service struct {
	store        *Store
	tickets      *ticket.Store
	allowRebuild bool
	evidenceDir  string
}

func NewService(store *Store, tickets *ticket.Store, allowRebuild bool, evidenceDir string) *Service {
	return &Service{
		store:        store,
		tickets:      tickets,
		allowRebuild: allowRebuild,
		evidenceDir:  evidenceDir,
	}
}

func (s *Service) Store() *Store {
	return s.store
}

// ComputeTotalsTx derives the money breakdown from whatever tickets the job
// has. The client ticket is authoritative for gross and tax when present;
// otherwise the provider side is used. Fee nets are summed per side from fee
// lines (line total minus its tax) and the payer is inferred from where fee
// lines exist.
func (s *Service) ComputeTotalsTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (Totals, error) {
	ct, err := s.tickets.GetByRefTx(ctx, tx, ticket.PartyClient, "job", jobID, false)
	if err != nil {
		return Totals{}, err
	}
	pt, err := s.tickets.GetByRefTx(ctx, tx, ticket.PartyProvider, "job", jobID, false)
	if err != nil {
		return Totals{}, err
	}

	var clientLines, providerLines []ticket.Line
	if ct != nil {
		if clientLines, err = s.tickets.LinesTx(ctx, tx, ct.ID); err != nil {
			return Totals{}, err
		}
	}
	if pt != nil {
		if providerLines, err = s.tickets.LinesTx(ctx, tx, pt.ID); err != nil {
			return Totals{}, err
		}
	}

	clientGross, clientTax := sumGrossTax(clientLines)
	providerGross, providerTax := sumGrossTax(providerLines)

	gross, tax := clientGross, clientTax
	if clientGross == 0 && clientTax == 0 {
		gross, tax = providerGross, providerTax
	}

	currency := types.DefaultCurrency
	if ct != nil && ct.Currency != "" {
		currency = ct.Currency
	} else if pt != nil && pt.Currency != "" {
		currency = pt.Currency
	}

	region := firstRegion(clientLines)
	if region == "" && ct != nil {
		region = ct.TaxRegionCode
	}
	if region == "" {
		region = firstRegion(providerLines)
	}
	if region == "" && pt != nil {
		region = pt.TaxRegionCode
	}

	clientFeeNet := sumFeeNet(clientLines)
	providerFeeNet := sumFeeNet(providerLines)

	var payer FeePayer
	switch {
	case clientFeeNet > 0 && providerFeeNet > 0:
		payer = FeePayerSplit
	case providerFeeNet > 0:
		payer = FeePayerProvider
	default:
		payer = FeePayerClient
	}

	return Totals{
		Currency:             currency,
		TaxRegionCode:        region,
		GrossCents:           gross,
		TaxCents:             tax,
		FeeCents:             clientFeeNet + providerFeeNet,
		NetProviderCents:     (providerGross - providerTax) - providerFeeNet,
		PlatformRevenueCents: clientFeeNet + providerFeeNet,
		FeePayer:             payer,
	}, nil
}

func sumGrossTax(lines []ticket.Line) (gross, tax int64) {
	for _, l := range lines {
		gross += l.LineTotalCents
		tax += l.TaxCents
	}
	return gross, tax
}

func sumFeeNet(lines []ticket.Line) int64 {
	var net int64
	for _, l := range lines {
		if l.LineType == ticket.LineFee {
			net += l.LineTotalCents - l.TaxCents
		}
	}
	return net
}

func firstRegion(lines []ticket.Line) string {
	for _, l := range lines {
		if l.TaxRegionCode != "" {
			return l.TaxRegionCode
		}
	}
	return ""
}

// UpsertTx recomputes and writes the base entry. A final entry is returned
// untouched unless force is set.
func (s *Service) UpsertTx(ctx context.Context, tx pgx.Tx, jobID types.ID, force bool) (*Entry, error) {
	base, err := s.store.BaseForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if base != nil && base.IsFinal && !force {
		return base, nil
	}
	totals, err := s.ComputeTotalsTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	return s.store.UpsertBaseTx(ctx, tx, jobID, totals)
}

// FinalizeTx freezes the job's ledger. Idempotent; the job must already be
// completed or confirmed. The caller is expected to hold the job lock.
func (s *Service) FinalizeTx(ctx context.Context, tx pgx.Tx, jobID types.ID, runID string) (*Entry, error) {
	base, err := s.store.BaseForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if base != nil && base.IsFinal {
		return base, nil
	}

	status, err := s.store.JobStatusTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if status != "completed" && status != "confirmed" {
		return nil, fmt.Errorf("finalize ledger for job %s: status=%s: %w", jobID, status, ErrInvalidState)
	}

	entry, err := s.UpsertTx(ctx, tx, jobID, false)
	if err != nil {
		return nil, err
	}
	var run *string
	if runID != "" {
		run = &runID
	}
	if err := s.store.MarkFinalTx(ctx, tx, entry.ID, run); err != nil {
		return nil, err
	}
	entry.IsFinal = true
	entry.FinalizedRunID = run
	entry.FinalizeVersion = 1
	return entry, nil
}

// Finalize runs FinalizeTx in its own transaction and writes an evidence
// artifact afterwards, best effort.
func (s *Service) Finalize(ctx context.Context, jobID types.ID, runID string) (*Entry, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.FinalizeTx(ctx, tx, jobID, runID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.TryWriteEvidence(ctx, jobID, runID, "finalize")
	return entry, nil
}

// Rebuild force-recomputes a ledger with audit fields. Outside of the
// explicitly allowed mode, finalized or money-linked ledgers cannot be
// rebuilt: once a payment or settlement references the numbers they are
// history, not state.
func (s *Service) Rebuild(ctx context.Context, jobID types.ID, runID, reason string) (*Entry, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	status, err := s.store.JobStatusTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	base, err := s.store.BaseForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	if !s.allowRebuild {
		if base != nil && base.IsFinal {
			return nil, fmt.Errorf("ledger for job %s is finalized: %w", jobID, ErrRebuildBlocked)
		}
		paid, err := s.store.HasPaymentTx(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		settled, err := s.store.HasSettlementLinkTx(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if paid || settled {
			return nil, fmt.Errorf("ledger for job %s has payment or settlement: %w", jobID, ErrRebuildBlocked)
		}
	}

	switch status {
	case "posted", "assigned", "in_progress", "completed", "confirmed":
	default:
		return nil, fmt.Errorf("rebuild ledger for job %s: status=%s: %w", jobID, status, ErrInvalidState)
	}

	entry, err := s.UpsertTx(ctx, tx, jobID, true)
	if err != nil {
		return nil, err
	}
	var run, rsn *string
	if runID != "" {
		run = &runID
	}
	if reason != "" {
		if len(reason) > 255 {
			reason = reason[:255]
		}
		rsn = &reason
	}
	if err := s.store.MarkRebuiltTx(ctx, tx, entry.ID, run, rsn); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.TryWriteEvidence(ctx, jobID, runID, "rebuild")
	return s.store.Base(ctx, jobID)
}

// RecordPayment registers a captured client payment, exactly once per
// external id. The amount comes from the finalized client ticket.
func (s *Service) RecordPayment(ctx context.Context, jobID types.ID, externalID, kind string) (*Payment, error) {
	if externalID == "" {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ct, err := s.tickets.GetByRefTx(ctx, tx, ticket.PartyClient, "job", jobID, true)
	if err != nil {
		return nil, err
	}
	if ct == nil || ct.Status != ticket.StatusFinalized {
		return nil, ErrNoFinalTicket
	}
	if ct.TotalCents <= 0 {
		return nil, ErrBadRequest
	}

	p := &Payment{
		JobID:       jobID,
		ExternalID:  externalID,
		Kind:        kind,
		AmountCents: ct.TotalCents,
		Status:      "succeeded",
	}
	if err := s.store.InsertPaymentTx(ctx, tx, p); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			existing, gerr := s.store.PaymentByExternalTx(ctx, tx, externalID)
			if gerr != nil {
				return nil, gerr
			}
			if cerr := tx.Commit(ctx); cerr != nil {
				return nil, cerr
			}
			return existing, nil
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// RefundFromWebhook turns a processor refund into a credit note plus a
// compensating adjustment entry. Replays of the same refund id return the
// existing note.
func (s *Service) RefundFromWebhook(ctx context.Context, externalRefundID, paymentExternalID string, amountCents int64, reason string) (*CreditNote, error) {
	if externalRefundID == "" {
		return nil, ErrBadRequest
	}
	if amountCents <= 0 {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if existing, err := s.store.CreditNoteByExternalTx(ctx, tx, externalRefundID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	payment, err := s.store.PaymentByExternalTx(ctx, tx, paymentExternalID)
	if err != nil {
		return nil, err
	}

	ct, err := s.tickets.GetByRefTx(ctx, tx, ticket.PartyClient, "job", payment.JobID, true)
	if err != nil {
		return nil, err
	}
	if ct == nil || ct.Status != ticket.StatusFinalized {
		return nil, ErrNoFinalTicket
	}

	refunded, err := s.store.RefundedTotalTx(ctx, tx, payment.JobID)
	if err != nil {
		return nil, err
	}
	paid, err := s.store.PaidTotalTx(ctx, tx, payment.JobID)
	if err != nil {
		return nil, err
	}
	if paid <= 0 {
		paid = payment.AmountCents
	}
	if refunded+amountCents > paid {
		return nil, ErrRefundExceedsPaid
	}

	base, err := s.store.BaseForUpdateTx(ctx, tx, payment.JobID)
	if err != nil {
		return nil, err
	}
	if base == nil || !base.IsFinal {
		return nil, ErrNotFound
	}
	if base.GrossCents <= 0 {
		return nil, ErrBadRequest
	}

	providerPart := prorate(base.NetProviderCents, amountCents, base.GrossCents)
	platformPart := prorate(base.PlatformRevenueCents, amountCents, base.GrossCents)
	taxPart := prorate(base.TaxCents, amountCents, base.GrossCents)
	// Rounding residual is absorbed by the platform so the provider and tax
	// components stay exact.
	platformPart += amountCents - (providerPart + platformPart + taxPart)

	if reason == "" {
		reason = "refund"
	}
	note := &CreditNote{
		JobID:            payment.JobID,
		PaymentID:        payment.ID,
		AmountCents:      amountCents,
		Currency:         base.Currency,
		Reason:           reason,
		ExternalRefundID: externalRefundID,
	}
	if err := s.store.InsertCreditNoteTx(ctx, tx, note); err != nil {
		return nil, err
	}

	kind := "refund"
	runID := "CREDIT_NOTE_" + externalRefundID
	adj := &Entry{
		JobID:                payment.JobID,
		Currency:             base.Currency,
		TaxRegionCode:        base.TaxRegionCode,
		GrossCents:           -amountCents,
		TaxCents:             -taxPart,
		FeeCents:             -platformPart,
		NetProviderCents:     -providerPart,
		PlatformRevenueCents: -platformPart,
		FeePayer:             base.FeePayer,
		AdjustmentKind:       &kind,
		FinalizedRunID:       &runID,
	}
	if err := s.store.InsertAdjustmentEntryTx(ctx, tx, adj); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return note, nil
}

// prorate distributes component*amount/total with half-up rounding.
func prorate(component, amount, total int64) int64 {
	if component == 0 {
		return 0
	}
	num := component * amount
	q := num / total
	r := num % total
	if r < 0 {
		r = -r
	}
	if 2*r >= total {
		if num < 0 {
			q--
		} else {
			q++
		}
	}
	return q
}

// DisputeRefundTx writes the three typed adjustments of a full-refund dispute
// resolution against the job's base entry.
func (s *Service) DisputeRefundTx(ctx context.Context, tx pgx.Tx, jobID, disputeID types.ID) error {
	base, err := s.store.BaseForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if base == nil {
		return ErrNotFound
	}
	d := disputeID
	rows := []Adjustment{
		{LedgerEntryID: base.ID, DisputeID: &d, Type: AdjustClientRefund, AmountCents: base.GrossCents},
		{LedgerEntryID: base.ID, DisputeID: &d, Type: AdjustProviderDeduction, AmountCents: -base.NetProviderCents},
		{LedgerEntryID: base.ID, DisputeID: &d, Type: AdjustPlatformFeeReversal, AmountCents: -base.FeeCents},
	}
	for i := range rows {
		if err := s.store.InsertAdjustmentTx(ctx, tx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// Backfill creates missing base entries for already-closed jobs. Returns the
// job ids it touched.
func (s *Service) Backfill(ctx context.Context, limit int) ([]types.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.store.MissingBaseJobIDs(ctx, limit)
	if err != nil {
		return nil, err
	}
	var done []types.ID
	for _, id := range ids {
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return done, err
		}
		if _, err := s.UpsertTx(ctx, tx, id, false); err != nil {
			tx.Rollback(ctx)
			return done, fmt.Errorf("backfill job %s: %w", id, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

// Status returns the base entry with its dispute adjustments.
func (s *Service) Status(ctx context.Context, jobID types.ID) (*Entry, []Adjustment, error) {
	entry, err := s.store.Base(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	adjs, err := s.store.AdjustmentsForEntry(ctx, entry.ID)
	if err != nil {
		return nil, nil, err
	}
	return entry, adjs, nil
}
