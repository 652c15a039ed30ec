// README: Dispute store; also owns the small slices of job, provider, and
// settlement SQL the resolution path needs.
package dispute

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

const disputeColumns = `
        id, job_id, client_id, provider_id, status, reason,
        provider_response, resolution, opened_at, responded_at, resolved_at`

func scanDispute(row pgx.Row) (*Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.JobID, &d.ClientID, &d.ProviderID, &d.Status, &d.Reason,
		&d.ProviderResponse, &d.Resolution, &d.OpenedAt, &d.RespondedAt, &d.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Dispute, error) {
	d, err := scanDispute(s.db.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id types.ID) (*Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ByJobTx returns the job's dispute, nil when none exists.
func (s *Store) ByJobTx(ctx context.Context, tx pgx.Tx, jobID types.ID, lock bool) (*Dispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM disputes WHERE job_id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	d, err := scanDispute(tx.QueryRow(ctx, q, string(jobID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, d *Dispute) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO disputes (id, job_id, client_id, provider_id, status, reason, opened_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(d.ID), string(d.JobID), string(d.ClientID), string(d.ProviderID),
		string(d.Status), d.Reason, d.OpenedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) UpdateTx(ctx context.Context, tx pgx.Tx, d *Dispute) error {
	_, err := tx.Exec(ctx, `
        UPDATE disputes SET
            status = $2, provider_response = $3, resolution = $4,
            responded_at = $5, resolved_at = $6
        WHERE id = $1`,
		string(d.ID), string(d.Status), d.ProviderResponse, d.Resolution,
		d.RespondedAt, d.ResolvedAt,
	)
	return err
}

// HasActiveTx implements the dispute gate the job lifecycle consults.
func (s *Store) HasActiveTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM disputes
            WHERE job_id = $1 AND status IN ('open', 'under_review', 'provider_responded')
        )`, string(jobID)).Scan(&exists)
	return exists, err
}

// OpenOlderThan lists open disputes past the provider response window.
func (s *Store) OpenOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM disputes
        WHERE status = 'open' AND opened_at <= $1
        ORDER BY opened_at
        LIMIT $2`, cutoff, limit)
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

// LockJobTx pulls the lifecycle fields the dispute rules need.
func (s *Store) LockJobTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (status string, clientID types.ID, completedAt *time.Time, err error) {
	var client string
	err = tx.QueryRow(ctx, `
        SELECT status, client_id, completed_at FROM jobs WHERE id = $1 FOR UPDATE`,
		string(jobID)).Scan(&status, &client, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil, ErrNotFound
	}
	return status, types.ID(client), completedAt, err
}

// CancelJobApprovedTx cancels the job as a dispute outcome, clearing the
// scheduling fields so no sweep picks it back up.
func (s *Store) CancelJobApprovedTx(ctx context.Context, tx pgx.Tx, jobID types.ID, from string) error {
	_, err := tx.Exec(ctx, `
        UPDATE jobs SET
            status = 'cancelled', cancel_reason = 'dispute_approved',
            next_alert_at = NULL, next_marketplace_alert_at = NULL,
            hold_provider_id = NULL, hold_expires_at = NULL,
            updated_at = NOW()
        WHERE id = $1`, string(jobID))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO job_events (job_id, from_status, to_status, actor_type, reason)
        VALUES ($1, $2, 'cancelled', 'system', 'dispute_approved')`,
		string(jobID), from)
	return err
}

// ActiveProviderTx reads the provider bound to the job's active assignment.
func (s *Store) ActiveProviderTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (*types.ID, error) {
	var provider *string
	err := tx.QueryRow(ctx, `
        SELECT provider_id FROM job_assignments
        WHERE job_id = $1 AND is_active
        ORDER BY created_at DESC LIMIT 1`, string(jobID)).Scan(&provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, nil
	}
	id := types.ID(*provider)
	return &id, nil
}

// LostCountLastYearTx counts the provider's client-won disputes inside the
// quality lookback window, including the one being resolved.
func (s *Store) LostCountLastYearTx(ctx context.Context, tx pgx.Tx, providerID types.ID, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
        SELECT COUNT(*) FROM disputes
        WHERE provider_id = $1 AND status = 'resolved_client' AND resolved_at >= $2`,
		string(providerID), since).Scan(&n)
	return n, err
}

// RecordProviderLossTx bumps the lifetime counter and applies the quality
// flags computed by the policy.
func (s *Store) RecordProviderLossTx(ctx context.Context, tx pgx.Tx, providerID types.ID, warn bool, restrictedUntil *time.Time) error {
	_, err := tx.Exec(ctx, `
        UPDATE providers SET
            disputes_lost_count = disputes_lost_count + 1,
            quality_warning = quality_warning OR $2,
            marketplace_restricted_until = GREATEST(COALESCE(marketplace_restricted_until, 'epoch'::timestamptz), COALESCE($3, 'epoch'::timestamptz))
        WHERE id = $1`,
		string(providerID), warn, restrictedUntil,
	)
	return err
}

// ReopenUnpaidSettlementsTx pushes any closed-but-unpaid settlement holding
// the job's ledger entry back to draft; a fresh dispute suspends the payout.
func (s *Store) ReopenUnpaidSettlementsTx(ctx context.Context, tx pgx.Tx, jobID types.ID) ([]types.ID, error) {
	rows, err := tx.Query(ctx, `
        UPDATE settlements s SET status = 'draft', approved_at = NULL, updated_at = NOW()
        WHERE s.status = 'closed'
          AND EXISTS (
              SELECT 1 FROM ledger_entries le
              WHERE le.settlement_id = s.id AND le.job_id = $1
          )
        RETURNING s.id`, string(jobID))
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
