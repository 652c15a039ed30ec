// README: Job store backed by PostgreSQL; transactional reads lock the row.
package job

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

const jobColumns = `
        id, status, mode, is_asap, client_id, selected_provider_id,
        service_type, address, city, region_code, lat, lng, scheduled_at,
        hold_provider_id, hold_expires_at,
        quoted_base_cents, quoted_fee_type, quoted_fee_value, quoted_total_cents,
        marketplace_search_started_at, next_marketplace_alert_at,
        marketplace_attempts, marketplace_expires_at, client_confirmation_started_at,
        next_alert_at, alert_attempts, tick_attempts,
        on_demand_tick_scheduled_at, on_demand_tick_dispatched_at,
        cancel_reason, completed_at, confirmed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Status, &j.Mode, &j.IsASAP, &j.ClientID, &j.SelectedProviderID,
		&j.ServiceType, &j.Address, &j.City, &j.RegionCode, &j.Lat, &j.Lng, &j.ScheduledAt,
		&j.HoldProviderID, &j.HoldExpiresAt,
		&j.QuotedBaseCents, &j.QuotedFeeType, &j.QuotedFeeValue, &j.QuotedTotalCents,
		&j.MarketplaceSearchStartedAt, &j.NextMarketplaceAlertAt,
		&j.MarketplaceAttempts, &j.MarketplaceExpiresAt, &j.ClientConfirmationStartedAt,
		&j.NextAlertAt, &j.AlertAttempts, &j.TickAttempts,
		&j.OnDemandTickScheduledAt, &j.OnDemandTickDispatchedAt,
		&j.CancelReason, &j.CompletedAt, &j.ConfirmedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, j *Job) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO jobs (
            id, status, mode, is_asap, client_id, selected_provider_id,
            service_type, address, city, region_code, lat, lng, scheduled_at,
            quoted_base_cents, quoted_fee_type, quoted_fee_value, quoted_total_cents,
            next_alert_at, next_marketplace_alert_at, on_demand_tick_scheduled_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		string(j.ID), string(j.Status), string(j.Mode), j.IsASAP, string(j.ClientID), idPtr(j.SelectedProviderID),
		j.ServiceType, j.Address, j.City, j.RegionCode, j.Lat, j.Lng, j.ScheduledAt,
		j.QuotedBaseCents, j.QuotedFeeType, j.QuotedFeeValue, j.QuotedTotalCents,
		j.NextAlertAt, j.NextMarketplaceAlertAt, j.OnDemandTickScheduledAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Job, error) {
	return scanJob(s.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, string(id)))
}

func (s *Store) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id types.ID) (*Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, string(id)))
}

// UpdateTx writes back every mutable field; callers hold the row lock.
func (s *Store) UpdateTx(ctx context.Context, tx pgx.Tx, j *Job) error {
	_, err := tx.Exec(ctx, `
        UPDATE jobs SET
            status = $2, mode = $3, is_asap = $4, selected_provider_id = $5,
            scheduled_at = $6,
            hold_provider_id = $7, hold_expires_at = $8,
            quoted_base_cents = $9, quoted_fee_type = $10, quoted_fee_value = $11, quoted_total_cents = $12,
            marketplace_search_started_at = $13, next_marketplace_alert_at = $14,
            marketplace_attempts = $15, marketplace_expires_at = $16, client_confirmation_started_at = $17,
            next_alert_at = $18, alert_attempts = $19, tick_attempts = $20,
            on_demand_tick_scheduled_at = $21, on_demand_tick_dispatched_at = $22,
            cancel_reason = $23, completed_at = $24, confirmed_at = $25,
            updated_at = NOW()
        WHERE id = $1`,
		string(j.ID), string(j.Status), string(j.Mode), j.IsASAP, idPtr(j.SelectedProviderID),
		j.ScheduledAt,
		idPtr(j.HoldProviderID), j.HoldExpiresAt,
		j.QuotedBaseCents, j.QuotedFeeType, j.QuotedFeeValue, j.QuotedTotalCents,
		j.MarketplaceSearchStartedAt, j.NextMarketplaceAlertAt,
		j.MarketplaceAttempts, j.MarketplaceExpiresAt, j.ClientConfirmationStartedAt,
		j.NextAlertAt, j.AlertAttempts, j.TickAttempts,
		j.OnDemandTickScheduledAt, j.OnDemandTickDispatchedAt,
		j.CancelReason, j.CompletedAt, j.ConfirmedAt,
	)
	return err
}

// LockJobTx implements assignment.JobAccessor.
func (s *Store) LockJobTx(ctx context.Context, tx pgx.Tx, id types.ID) (string, *types.ID, error) {
	var status string
	var provider *string
	err := tx.QueryRow(ctx, `
        SELECT status, selected_provider_id FROM jobs WHERE id = $1 FOR UPDATE`,
		string(id)).Scan(&status, &provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	var pid *types.ID
	if provider != nil {
		v := types.ID(*provider)
		pid = &v
	}
	return status, pid, nil
}

// UpdateJobStatusTx implements assignment.JobAccessor; timestamp columns
// follow the target status.
func (s *Store) UpdateJobStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, to string) error {
	_, err := tx.Exec(ctx, `
        UPDATE jobs
        SET status = $2,
            completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
            confirmed_at = CASE WHEN $2 = 'confirmed' THEN NOW() ELSE confirmed_at END,
            updated_at = NOW()
        WHERE id = $1`,
		string(id), to,
	)
	return err
}

// AppendJobEventTx implements assignment.JobAccessor.
func (s *Store) AppendJobEventTx(ctx context.Context, tx pgx.Tx, id types.ID, from, to, actorType string, actorID *types.ID, reason string) error {
	var r *string
	if reason != "" {
		r = &reason
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO job_events (job_id, from_status, to_status, actor_type, actor_id, reason)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(id), from, to, actorType, idPtr(actorID), r,
	)
	return err
}

func (s *Store) AppendEventTx(ctx context.Context, tx pgx.Tx, e *Event) error {
	var r *string
	if e.Reason != nil && *e.Reason != "" {
		r = e.Reason
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO job_events (job_id, from_status, to_status, actor_type, actor_id, reason)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.JobID), string(e.FromStatus), string(e.ToStatus), e.ActorType, idPtr(e.ActorID), r,
	)
	return err
}

// DueOnDemandJobIDs returns posted on-demand jobs whose alert is due.
func (s *Store) DueOnDemandJobIDs(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM jobs
        WHERE status = 'posted' AND mode = 'on_demand'
          AND (next_alert_at IS NULL OR next_alert_at <= $1)
        ORDER BY created_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// DueMarketplaceJobIDs returns scheduled jobs in a searchable status.
func (s *Store) DueMarketplaceJobIDs(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM jobs
        WHERE mode = 'scheduled'
          AND status IN ('posted', 'waiting_provider_response')
          AND (next_marketplace_alert_at IS NULL
               OR next_marketplace_alert_at <= $1
               OR marketplace_expires_at <= $1
               OR (marketplace_search_started_at IS NOT NULL
                   AND marketplace_search_started_at <= $1 - INTERVAL '24 hours'))
        ORDER BY scheduled_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// PendingClientConfirmationJobIDs returns marketplace jobs whose client
// confirmation window may have lapsed.
func (s *Store) PendingClientConfirmationJobIDs(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM jobs
        WHERE mode = 'scheduled' AND status = 'pending_client_confirmation'
          AND client_confirmation_started_at IS NOT NULL
          AND client_confirmation_started_at <= $1
        LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ExpiredHoldJobIDs returns jobs stuck in hold past their expiry.
func (s *Store) ExpiredHoldJobIDs(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM jobs
        WHERE status = 'hold' AND hold_expires_at IS NOT NULL AND hold_expires_at <= $1
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// AutoConfirmCandidateIDs returns completed jobs past the confirmation window.
func (s *Store) AutoConfirmCandidateIDs(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT j.id FROM jobs j
        WHERE j.status = 'completed'
          AND j.completed_at IS NOT NULL AND j.completed_at <= $1
          AND EXISTS (
              SELECT 1 FROM job_assignments a WHERE a.job_id = j.id AND a.is_active
          )
          AND NOT EXISTS (
              SELECT 1 FROM disputes d
              WHERE d.job_id = j.id AND d.status IN ('open', 'under_review', 'provider_responded')
          )
        ORDER BY j.completed_at
        LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// CountActiveByClient counts the client's not-yet-terminal jobs.
func (s *Store) CountActiveByClient(ctx context.Context, clientID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
        SELECT COUNT(*) FROM jobs
        WHERE client_id = $1
          AND status NOT IN ('confirmed', 'cancelled', 'expired')`,
		string(clientID)).Scan(&n)
	return n, err
}

// InsertBroadcastAttemptTx records one (job, provider) contact. The unique
// constraint makes repeats report created=false.
func (s *Store) InsertBroadcastAttemptTx(ctx context.Context, tx pgx.Tx, jobID, providerID types.ID, wave int) (bool, error) {
	tag, err := tx.Exec(ctx, `
        INSERT INTO job_broadcast_attempts (job_id, provider_id, wave)
        VALUES ($1, $2, $3)
        ON CONFLICT (job_id, provider_id) DO NOTHING`,
		string(jobID), string(providerID), wave,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AttemptedProviderIDsTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (map[types.ID]bool, error) {
	rows, err := tx.Query(ctx, `
        SELECT provider_id FROM job_broadcast_attempts WHERE job_id = $1`, string(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[types.ID]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[types.ID(id)] = true
	}
	return out, rows.Err()
}

// LatestAttemptAtTx returns the newest broadcast attempt time for the pair.
func (s *Store) LatestAttemptAtTx(ctx context.Context, tx pgx.Tx, jobID, providerID types.ID) (*time.Time, error) {
	var t time.Time
	err := tx.QueryRow(ctx, `
        SELECT created_at FROM job_broadcast_attempts
        WHERE job_id = $1 AND provider_id = $2
        ORDER BY created_at DESC LIMIT 1`,
		string(jobID), string(providerID)).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkDispatchedTx flips the dispatch marker only when unset, so a retried
// tick never double-counts a dispatch.
func (s *Store) MarkDispatchedTx(ctx context.Context, tx pgx.Tx, id types.ID, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
        UPDATE jobs SET on_demand_tick_dispatched_at = $2, updated_at = NOW()
        WHERE id = $1 AND on_demand_tick_dispatched_at IS NULL`,
		string(id), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// EligibleProviders filters candidate ids down to providers who may take
// more work: not marketplace-restricted and under the active-job cap.
func (s *Store) EligibleProviders(ctx context.Context, ids []types.ID, maxActive int) (map[types.ID]bool, error) {
	if len(ids) == 0 {
		return map[types.ID]bool{}, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
        SELECT p.id FROM providers p
        WHERE p.id = ANY($1)
          AND (p.marketplace_restricted_until IS NULL OR p.marketplace_restricted_until <= NOW())
          AND (SELECT COUNT(*) FROM job_assignments a
               WHERE a.provider_id = p.id AND a.is_active) < $2`,
		raw, maxActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ID]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[types.ID(id)] = true
	}
	return out, rows.Err()
}

// ReleaseExpiredHoldsBulk returns every expired urgent hold to the open
// pool in one statement.
func (s *Store) ReleaseExpiredHoldsBulk(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE jobs SET
            status = 'posted',
            hold_provider_id = NULL,
            hold_expires_at = NULL,
            quoted_total_cents = NULL,
            updated_at = NOW()
        WHERE status = 'hold' AND hold_expires_at IS NOT NULL AND hold_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordTick bumps the tick audit counter outside the tick's own
// transaction, so failed ticks still leave a trace.
func (s *Store) RecordTick(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx, `
        UPDATE jobs SET tick_attempts = tick_attempts + 1, updated_at = NOW()
        WHERE id = $1`,
		string(id),
	)
	return err
}

func collectIDs(rows pgx.Rows) ([]types.ID, error) {
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
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
