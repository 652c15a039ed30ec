// README: Assignment store; the partial unique index on (job_id) WHERE is_active
// is the final arbiter of "one active assignment per job".
package assignment

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

const assignmentColumns = `
        id, job_id, provider_id, worker_id, status, is_active,
        accepted_at, started_at, completed_at, created_at`

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(
			&a.ID, &a.JobID, &a.ProviderID, &a.WorkerID, &a.Status, &a.IsActive,
			&a.AcceptedAt, &a.StartedAt, &a.CompletedAt, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LockByJobTx locks every assignment row for the job and returns them.
func (s *Store) LockByJobTx(ctx context.Context, tx pgx.Tx, jobID types.ID) ([]Assignment, error) {
	rows, err := tx.Query(ctx, `SELECT`+assignmentColumns+`
        FROM job_assignments WHERE job_id = $1 ORDER BY created_at FOR UPDATE`, string(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (s *Store) ActiveByJob(ctx context.Context, jobID types.ID) (*Assignment, error) {
	rows, err := s.db.Query(ctx, `SELECT`+assignmentColumns+`
        FROM job_assignments WHERE job_id = $1 AND is_active`, string(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := collectAssignments(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// CreateActiveTx inserts the new active row; a partial-unique violation means
// another activation won the race.
func (s *Store) CreateActiveTx(ctx context.Context, tx pgx.Tx, a *Assignment) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO job_assignments (
            id, job_id, provider_id, worker_id, status, is_active, accepted_at
        ) VALUES ($1, $2, $3, $4, $5, TRUE, NOW())`,
		string(a.ID), string(a.JobID), idPtr(a.ProviderID), idPtr(a.WorkerID), string(a.Status),
	)
	if isUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

func (s *Store) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, to Status) error {
	_, err := tx.Exec(ctx, `
        UPDATE job_assignments
        SET status = $2,
            started_at = CASE WHEN $2 = 'in_progress' THEN NOW() ELSE started_at END,
            completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END
        WHERE id = $1`,
		string(id), string(to),
	)
	return err
}

func (s *Store) BindWorkerTx(ctx context.Context, tx pgx.Tx, id, workerID types.ID) error {
	_, err := tx.Exec(ctx, `
        UPDATE job_assignments SET worker_id = $2 WHERE id = $1 AND worker_id IS NULL`,
		string(id), string(workerID),
	)
	return err
}

// DeactivateForJobTx clears every active assignment on the job.
func (s *Store) DeactivateForJobTx(ctx context.Context, tx pgx.Tx, jobID types.ID, to Status) error {
	_, err := tx.Exec(ctx, `
        UPDATE job_assignments
        SET is_active = FALSE, status = $2
        WHERE job_id = $1 AND is_active`,
		string(jobID), string(to),
	)
	return err
}

func (s *Store) CreateFeeTx(ctx context.Context, tx pgx.Tx, f *Fee) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO assignment_fees (assignment_id, fee_model, fee_bps, fee_cents)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (assignment_id) DO NOTHING`,
		string(f.AssignmentID), f.FeeModel, f.FeeBps, f.FeeCents,
	)
	return err
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
