// README: Concurrency tests for the activation protocol (run with -race).
package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"

	"housecall/internal/testdb"
	"housecall/internal/types"
)

// sqlJobs is a minimal JobAccessor over the jobs table, enough to drive the
// activation protocol without pulling in the job package.
type sqlJobs struct {
	store *Store
}

func (s *sqlJobs) LockJobTx(ctx context.Context, tx pgx.Tx, id types.ID) (string, *types.ID, error) {
	var status string
	var provider *string
	err := tx.QueryRow(ctx, `
        SELECT status, selected_provider_id FROM jobs WHERE id = $1 FOR UPDATE`,
		string(id)).Scan(&status, &provider)
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

func (s *sqlJobs) UpdateJobStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, to string) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1`,
		string(id), to)
	return err
}

func (s *sqlJobs) AppendJobEventTx(ctx context.Context, tx pgx.Tx, id types.ID, from, to, actorType string, actorID *types.ID, reason string) error {
	var actor *string
	if actorID != nil {
		v := string(*actorID)
		actor = &v
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO job_events (job_id, from_status, to_status, actor_type, actor_id, reason)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(id), from, to, actorType, actor, reason)
	return err
}

func setupAssignmentTest(t *testing.T) *Service {
	t.Helper()
	db := testdb.Pool(t, "job_events", "job_assignments", "jobs")
	store := NewStore(db)
	return NewService(store, &sqlJobs{store: store})
}

func insertPostedJob(t *testing.T, svc *Service) types.ID {
	t.Helper()
	id := types.NewID()
	_, err := svc.Store().Pool().Exec(context.Background(), `
        INSERT INTO jobs (id, status, mode, client_id, service_type)
        VALUES ($1, 'posted', 'on_demand', $2, 'plumbing')`,
		string(id), string(types.NewID()))
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return id
}

func activate(ctx context.Context, svc *Service, jobID, providerID types.ID) (ActivateResult, error) {
	tx, err := svc.Store().Pool().Begin(ctx)
	if err != nil {
		return ActivateResult{}, err
	}
	defer tx.Rollback(ctx)
	res, err := svc.ActivateTx(ctx, tx, ActivateCommand{JobID: jobID, ProviderID: providerID})
	if err != nil {
		return ActivateResult{}, err
	}
	return res, tx.Commit(ctx)
}

func TestConcurrentActivateOneWinner(t *testing.T) {
	ctx := context.Background()
	svc := setupAssignmentTest(t)
	jobID := insertPostedJob(t, svc)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := activate(ctx, svc, jobID, types.NewID())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		var sc *StatusConflictError
		if !errors.As(err, &sc) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("successes = %d, want exactly 1", success)
	}

	var active int
	err := svc.Store().Pool().QueryRow(ctx, `
        SELECT COUNT(*) FROM job_assignments WHERE job_id = $1 AND is_active`,
		string(jobID)).Scan(&active)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 1 {
		t.Fatalf("active rows = %d, want 1", active)
	}
	var status string
	if err := svc.Store().Pool().QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`,
		string(jobID)).Scan(&status); err != nil {
		t.Fatalf("job status: %v", err)
	}
	if status != "assigned" {
		t.Fatalf("job status = %s, want assigned", status)
	}
}

func TestConcurrentActivateSameProviderIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := setupAssignmentTest(t)
	jobID := insertPostedJob(t, svc)
	provider := types.NewID()

	const n = 4
	var wg sync.WaitGroup
	results := make(chan error, n)
	created := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := activate(ctx, svc, jobID, provider)
			results <- err
			if err == nil {
				created <- res.Created
			}
		}()
	}
	wg.Wait()
	close(results)
	close(created)

	for err := range results {
		if err != nil {
			t.Fatalf("same-provider activate: %v", err)
		}
	}
	createdCount := 0
	for c := range created {
		if c {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("created = %d, want exactly 1", createdCount)
	}

	var active int
	err := svc.Store().Pool().QueryRow(ctx, `
        SELECT COUNT(*) FROM job_assignments WHERE job_id = $1 AND is_active`,
		string(jobID)).Scan(&active)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 1 {
		t.Fatalf("active rows = %d, want 1", active)
	}
}
