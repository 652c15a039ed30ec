// README: Settlement store; selects eligible ledger rows with locks and
// links them atomically.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

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
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return tx, nil
}

const settlementColumns = `
        id, provider_id, period_start, period_end, currency,
        total_gross_cents, total_tax_cents, total_fee_cents,
        total_net_provider_cents, total_platform_revenue_cents,
        job_count, status, scheduled_payout_date, approved_at, paid_at,
        created_at, updated_at`

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var st Settlement
	err := row.Scan(
		&st.ID, &st.ProviderID, &st.PeriodStart, &st.PeriodEnd, &st.Currency,
		&st.TotalGrossCents, &st.TotalTaxCents, &st.TotalFeeCents,
		&st.TotalNetProviderCents, &st.TotalPlatformRevenueCents,
		&st.JobCount, &st.Status, &st.ScheduledPayoutDate, &st.ApprovedAt, &st.PaidAt,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Settlement, error) {
	st, err := scanSettlement(s.db.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

func (s *Store) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id types.ID) (*Settlement, error) {
	st, err := scanSettlement(tx.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = $1 FOR UPDATE`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

func (s *Store) List(ctx context.Context, limit int) ([]Settlement, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, st *Settlement) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO settlements (
            id, provider_id, period_start, period_end, currency,
            total_gross_cents, total_tax_cents, total_fee_cents,
            total_net_provider_cents, total_platform_revenue_cents,
            job_count, status, scheduled_payout_date
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(st.ID), string(st.ProviderID), st.PeriodStart, st.PeriodEnd, st.Currency,
		st.TotalGrossCents, st.TotalTaxCents, st.TotalFeeCents,
		st.TotalNetProviderCents, st.TotalPlatformRevenueCents,
		st.JobCount, string(st.Status), st.ScheduledPayoutDate,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// UpdateStatusTx never touches a paid row; the guard backs up the service's
// checks at the storage layer.
func (s *Store) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, to Status, approvedAt, paidAt *time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE settlements SET
            status = $2,
            approved_at = COALESCE($3, approved_at),
            paid_at = COALESCE($4, paid_at),
            updated_at = NOW()
        WHERE id = $1 AND status <> 'paid'`,
		string(id), string(to), approvedAt, paidAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrImmutable
	}
	return nil
}

// EligibleEntry is one final, unlinked ledger row joined to its provider.
type EligibleEntry struct {
	EntryID              types.ID
	JobID                types.ID
	ProviderID           types.ID
	Currency             string
	GrossCents           int64
	TaxCents             int64
	FeeCents             int64
	NetProviderCents     int64
	PlatformRevenueCents int64
	IsAdjustment         bool
}

// EligibleEntriesTx locks the provider's final, not-yet-settled ledger rows
// finalized inside the period. Adjustment rows count by their own finalize
// time regardless of the original job's period.
func (s *Store) EligibleEntriesTx(ctx context.Context, tx pgx.Tx, providerID types.ID, start, end time.Time) ([]EligibleEntry, error) {
	rows, err := tx.Query(ctx, eligibleEntriesSQL+`
          AND a.provider_id = $3
        ORDER BY le.finalized_at
        FOR UPDATE OF le`,
		start, end.AddDate(0, 0, 1), string(providerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEligible(rows)
}

const eligibleEntriesSQL = `
        SELECT le.id, le.job_id, a.provider_id, le.currency,
               le.gross_cents, le.tax_cents, le.fee_cents,
               le.net_provider_cents, le.platform_revenue_cents, le.is_adjustment
        FROM ledger_entries le
        JOIN LATERAL (
            SELECT provider_id FROM job_assignments ja
            WHERE ja.job_id = le.job_id AND ja.provider_id IS NOT NULL
            ORDER BY ja.created_at DESC LIMIT 1
        ) a ON TRUE
        WHERE le.is_final
          AND le.settlement_id IS NULL
          AND le.finalized_at >= $1 AND le.finalized_at < $2`

func collectEligible(rows pgx.Rows) ([]EligibleEntry, error) {
	var out []EligibleEntry
	for rows.Next() {
		var e EligibleEntry
		var entryID, jobID, providerID string
		if err := rows.Scan(
			&entryID, &jobID, &providerID, &e.Currency,
			&e.GrossCents, &e.TaxCents, &e.FeeCents,
			&e.NetProviderCents, &e.PlatformRevenueCents, &e.IsAdjustment,
		); err != nil {
			return nil, err
		}
		e.EntryID = types.ID(entryID)
		e.JobID = types.ID(jobID)
		e.ProviderID = types.ID(providerID)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProvidersWithEligibleEntries lists providers owed something for the period.
func (s *Store) ProvidersWithEligibleEntries(ctx context.Context, start, end time.Time) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT DISTINCT a.provider_id
        FROM ledger_entries le
        JOIN LATERAL (
            SELECT provider_id FROM job_assignments ja
            WHERE ja.job_id = le.job_id AND ja.provider_id IS NOT NULL
            ORDER BY ja.created_at DESC LIMIT 1
        ) a ON TRUE
        WHERE le.is_final
          AND le.settlement_id IS NULL
          AND le.finalized_at >= $1 AND le.finalized_at < $2`,
		start, end.AddDate(0, 0, 1))
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

// LinkEntriesTx stamps the settlement onto the selected ledger rows.
func (s *Store) LinkEntriesTx(ctx context.Context, tx pgx.Tx, settlementID types.ID, entryIDs []types.ID) error {
	if len(entryIDs) == 0 {
		return nil
	}
	raw := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		raw[i] = string(id)
	}
	_, err := tx.Exec(ctx, `
        UPDATE ledger_entries SET settlement_id = $1, updated_at = NOW()
        WHERE id = ANY($2) AND settlement_id IS NULL`,
		string(settlementID), raw,
	)
	return err
}

// DisputeAdjustment is one typed dispute adjustment awaiting settlement.
type DisputeAdjustment struct {
	ID          types.ID
	Type        string
	AmountCents int64
}

// UnsettledDisputeAdjustmentsTx locks the dispute adjustment rows attached to
// the given ledger entries that no settlement has absorbed yet.
func (s *Store) UnsettledDisputeAdjustmentsTx(ctx context.Context, tx pgx.Tx, entryIDs []types.ID) ([]DisputeAdjustment, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	raw := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		raw[i] = string(id)
	}
	rows, err := tx.Query(ctx, `
        SELECT id, adjustment_type, amount_cents
        FROM ledger_adjustments
        WHERE ledger_entry_id = ANY($1) AND settlement_id IS NULL
        FOR UPDATE`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DisputeAdjustment
	for rows.Next() {
		var a DisputeAdjustment
		var id string
		if err := rows.Scan(&id, &a.Type, &a.AmountCents); err != nil {
			return nil, err
		}
		a.ID = types.ID(id)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) LinkAdjustmentsTx(ctx context.Context, tx pgx.Tx, settlementID types.ID, ids []types.ID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	_, err := tx.Exec(ctx, `
        UPDATE ledger_adjustments SET settlement_id = $1
        WHERE id = ANY($2) AND settlement_id IS NULL`,
		string(settlementID), raw,
	)
	return err
}

// LinkedEntryCountTx reports how many ledger rows a settlement holds.
func (s *Store) LinkedEntryCountTx(ctx context.Context, tx pgx.Tx, settlementID types.ID) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE settlement_id = $1`,
		string(settlementID)).Scan(&n)
	return n, err
}

// ActiveDisputeCountTx counts active disputes over the settlement's jobs.
func (s *Store) ActiveDisputeCountTx(ctx context.Context, tx pgx.Tx, settlementID types.ID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
        SELECT COUNT(DISTINCT d.id)
        FROM disputes d
        JOIN ledger_entries le ON le.job_id = d.job_id
        WHERE le.settlement_id = $1
          AND d.status IN ('open', 'under_review', 'provider_responded')`,
		string(settlementID)).Scan(&n)
	return n, err
}

// ProviderPayoutReadyTx reports whether the provider can receive transfers.
func (s *Store) ProviderPayoutReadyTx(ctx context.Context, tx pgx.Tx, providerID types.ID) (bool, error) {
	var ready bool
	err := tx.QueryRow(ctx, `
        SELECT payout_account_id IS NOT NULL AND payout_onboarded AND payouts_enabled
        FROM providers WHERE id = $1`,
		string(providerID)).Scan(&ready)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return ready, err
}

func (s *Store) CreatePaymentTx(ctx context.Context, tx pgx.Tx, p *Payment) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO settlement_payments (
            id, settlement_id, executed_at, executed_by, reference,
            amount_cents, external_transfer_id, external_status
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(p.ID), string(p.SettlementID), p.ExecutedAt, p.ExecutedBy, p.Reference,
		p.AmountCents, p.ExternalTransferID, p.ExternalStatus,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyPaid
	}
	return err
}

func (s *Store) PaymentBySettlement(ctx context.Context, settlementID types.ID) (*Payment, error) {
	var p Payment
	var id, sid string
	err := s.db.QueryRow(ctx, `
        SELECT id, settlement_id, executed_at, executed_by, reference,
               amount_cents, external_transfer_id, external_status
        FROM settlement_payments WHERE settlement_id = $1`,
		string(settlementID)).Scan(
		&id, &sid, &p.ExecutedAt, &p.ExecutedBy, &p.Reference,
		&p.AmountCents, &p.ExternalTransferID, &p.ExternalStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ID = types.ID(id)
	p.SettlementID = types.ID(sid)
	return &p, nil
}

// UpdatePaymentStatusTx records the payout gateway's verdict.
func (s *Store) UpdatePaymentStatusTx(ctx context.Context, tx pgx.Tx, settlementID types.ID, transferID *string, status string) (bool, error) {
	tag, err := tx.Exec(ctx, `
        UPDATE settlement_payments SET
            external_transfer_id = COALESCE($2, external_transfer_id),
            external_status = $3
        WHERE settlement_id = $1`,
		string(settlementID), transferID, status,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DuePayoutIDs scans closed settlements past their payout date. SKIP LOCKED
// lets concurrent sweeps shard the work instead of serializing on it.
func (s *Store) DuePayoutIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]types.ID, error) {
	rows, err := tx.Query(ctx, `
        SELECT id FROM settlements
        WHERE status = 'closed'
          AND scheduled_payout_date IS NOT NULL
          AND scheduled_payout_date <= $1
        ORDER BY scheduled_payout_date
        LIMIT $2
        FOR UPDATE SKIP LOCKED`, now, limit)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
