// README: Ledger store; the base row is locked before every mutation so
// freeze, rebuild, and refund compensation serialize per job.
package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"housecall/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.Begin(ctx)
}

const entryColumns = `
        id, job_id, settlement_id, currency, tax_region_code,
        gross_cents, tax_cents, fee_cents, net_provider_cents, platform_revenue_cents,
        fee_payer, is_final, finalized_at, finalized_run_id, finalize_version,
        rebuild_count, last_rebuild_at, last_rebuild_run_id, last_rebuild_reason,
        is_adjustment, adjustment_kind, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.JobID, &e.SettlementID, &e.Currency, &e.TaxRegionCode,
		&e.GrossCents, &e.TaxCents, &e.FeeCents, &e.NetProviderCents, &e.PlatformRevenueCents,
		&e.FeePayer, &e.IsFinal, &e.FinalizedAt, &e.FinalizedRunID, &e.FinalizeVersion,
		&e.RebuildCount, &e.LastRebuildAt, &e.LastRebuildRunID, &e.LastRebuildReason,
		&e.IsAdjustment, &e.AdjustmentKind, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// BaseForUpdateTx locks the job's base entry. Returns (nil, nil) when the job
// has no ledger yet.
func (s *Store) BaseForUpdateTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (*Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `SELECT`+entryColumns+`
        FROM ledger_entries
        WHERE job_id = $1 AND NOT is_adjustment
        FOR UPDATE`, string(jobID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *Store) Base(ctx context.Context, jobID types.ID) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT`+entryColumns+`
        FROM ledger_entries
        WHERE job_id = $1 AND NOT is_adjustment`, string(jobID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// UpsertBaseTx writes the computed totals into the job's base entry, creating
// it on first use. The partial unique index is the conflict target.
func (s *Store) UpsertBaseTx(ctx context.Context, tx pgx.Tx, jobID types.ID, t Totals) (*Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `
        INSERT INTO ledger_entries (
            id, job_id, currency, tax_region_code,
            gross_cents, tax_cents, fee_cents, net_provider_cents, platform_revenue_cents,
            fee_payer, is_adjustment
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
        ON CONFLICT (job_id) WHERE NOT is_adjustment DO UPDATE SET
            currency = EXCLUDED.currency,
            tax_region_code = EXCLUDED.tax_region_code,
            gross_cents = EXCLUDED.gross_cents,
            tax_cents = EXCLUDED.tax_cents,
            fee_cents = EXCLUDED.fee_cents,
            net_provider_cents = EXCLUDED.net_provider_cents,
            platform_revenue_cents = EXCLUDED.platform_revenue_cents,
            fee_payer = EXCLUDED.fee_payer,
            updated_at = NOW()
        RETURNING`+entryColumns,
		string(types.NewID()), string(jobID), t.Currency, t.TaxRegionCode,
		t.GrossCents, t.TaxCents, t.FeeCents, t.NetProviderCents, t.PlatformRevenueCents,
		string(t.FeePayer)))
	return e, err
}

func (s *Store) MarkFinalTx(ctx context.Context, tx pgx.Tx, id types.ID, runID *string) error {
	_, err := tx.Exec(ctx, `
        UPDATE ledger_entries
        SET is_final = TRUE,
            finalized_at = NOW(),
            finalized_run_id = $2,
            finalize_version = 1,
            updated_at = NOW()
        WHERE id = $1 AND NOT is_final`, string(id), runID)
	return err
}

func (s *Store) MarkRebuiltTx(ctx context.Context, tx pgx.Tx, id types.ID, runID, reason *string) error {
	_, err := tx.Exec(ctx, `
        UPDATE ledger_entries
        SET rebuild_count = rebuild_count + 1,
            last_rebuild_at = NOW(),
            last_rebuild_run_id = $2,
            last_rebuild_reason = $3,
            updated_at = NOW()
        WHERE id = $1`, string(id), runID, reason)
	return err
}

// InsertAdjustmentEntryTx writes a negated compensating row next to the base
// entry. Adjustment rows are born final.
func (s *Store) InsertAdjustmentEntryTx(ctx context.Context, tx pgx.Tx, e *Entry) error {
	if e.ID == "" {
		e.ID = types.NewID()
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO ledger_entries (
            id, job_id, currency, tax_region_code,
            gross_cents, tax_cents, fee_cents, net_provider_cents, platform_revenue_cents,
            fee_payer, is_adjustment, adjustment_kind,
            is_final, finalized_at, finalized_run_id, finalize_version
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, TRUE, NOW(), $12, 1)`,
		string(e.ID), string(e.JobID), e.Currency, e.TaxRegionCode,
		e.GrossCents, e.TaxCents, e.FeeCents, e.NetProviderCents, e.PlatformRevenueCents,
		string(e.FeePayer), e.AdjustmentKind, e.FinalizedRunID)
	return err
}

func (s *Store) InsertAdjustmentTx(ctx context.Context, tx pgx.Tx, a *Adjustment) error {
	if a.ID == "" {
		a.ID = types.NewID()
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO ledger_adjustments (id, ledger_entry_id, dispute_id, settlement_id, adjustment_type, amount_cents)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(a.ID), string(a.LedgerEntryID), idPtr(a.DisputeID), idPtr(a.SettlementID),
		string(a.Type), a.AmountCents)
	return err
}

func (s *Store) AdjustmentsForEntry(ctx context.Context, entryID types.ID) ([]Adjustment, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, ledger_entry_id, dispute_id, settlement_id, adjustment_type, amount_cents, created_at
        FROM ledger_adjustments
        WHERE ledger_entry_id = $1
        ORDER BY id`, string(entryID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(&a.ID, &a.LedgerEntryID, &a.DisputeID, &a.SettlementID, &a.Type, &a.AmountCents, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// JobStatusTx reads the job row directly; the ledger only needs the status
// and does not depend on the job package.
func (s *Store) JobStatusTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`,
		string(jobID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func (s *Store) HasPaymentTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_payments WHERE job_id = $1)`,
		string(jobID)).Scan(&ok)
	return ok, err
}

func (s *Store) HasSettlementLinkTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM ledger_entries
            WHERE job_id = $1 AND settlement_id IS NOT NULL
        )`, string(jobID)).Scan(&ok)
	return ok, err
}

// PaidTotalTx sums captured payments for the job under lock.
func (s *Store) PaidTotalTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount_cents), 0)
        FROM job_payments
        WHERE job_id = $1 AND status IN ('succeeded', 'success', 'paid')`,
		string(jobID)).Scan(&total)
	return total, err
}

func (s *Store) RefundedTotalTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount_cents), 0)
        FROM credit_notes
        WHERE job_id = $1`, string(jobID)).Scan(&total)
	return total, err
}

func (s *Store) InsertPaymentTx(ctx context.Context, tx pgx.Tx, p *Payment) error {
	if p.ID == "" {
		p.ID = types.NewID()
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO job_payments (id, job_id, external_id, kind, amount_cents, status)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(p.ID), string(p.JobID), p.ExternalID, p.Kind, p.AmountCents, p.Status)
	if isUniqueViolation(err) {
		return ErrAlreadyRecorded
	}
	return err
}

func (s *Store) PaymentByExternalTx(ctx context.Context, tx pgx.Tx, externalID string) (*Payment, error) {
	var p Payment
	err := tx.QueryRow(ctx, `
        SELECT id, job_id, external_id, kind, amount_cents, status, created_at
        FROM job_payments
        WHERE external_id = $1
        FOR UPDATE`, externalID).Scan(
		&p.ID, &p.JobID, &p.ExternalID, &p.Kind, &p.AmountCents, &p.Status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreditNoteByExternalTx(ctx context.Context, tx pgx.Tx, externalRefundID string) (*CreditNote, error) {
	var n CreditNote
	err := tx.QueryRow(ctx, `
        SELECT id, job_id, payment_id, amount_cents, currency, reason, external_refund_id, created_at
        FROM credit_notes
        WHERE external_refund_id = $1
        FOR UPDATE`, externalRefundID).Scan(
		&n.ID, &n.JobID, &n.PaymentID, &n.AmountCents, &n.Currency, &n.Reason, &n.ExternalRefundID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) InsertCreditNoteTx(ctx context.Context, tx pgx.Tx, n *CreditNote) error {
	if n.ID == "" {
		n.ID = types.NewID()
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO credit_notes (id, job_id, payment_id, amount_cents, currency, reason, external_refund_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(n.ID), string(n.JobID), string(n.PaymentID), n.AmountCents, n.Currency, n.Reason, n.ExternalRefundID)
	if isUniqueViolation(err) {
		return ErrAlreadyRecorded
	}
	return err
}

// MissingBaseJobIDs lists confirmed jobs that never got a ledger row; used by
// the backfill command.
func (s *Store) MissingBaseJobIDs(ctx context.Context, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT j.id
        FROM jobs j
        WHERE j.status IN ('completed', 'confirmed')
          AND NOT EXISTS (
              SELECT 1 FROM ledger_entries e
              WHERE e.job_id = j.id AND NOT e.is_adjustment
          )
        ORDER BY j.created_at
        LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
