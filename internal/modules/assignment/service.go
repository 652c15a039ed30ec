// README: Assignment manager: activation protocol, start/complete with worker binding.
package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"housecall/internal/types"
)

var (
	ErrNotFound     = errors.New("assignment not found")
	ErrActiveExists = errors.New("active assignment exists")
	ErrConflict     = errors.New("assignment conflict")
	ErrBadRequest   = errors.New("bad assignment request")
)

// StatusConflictError carries the job's current status so callers can present
// a meaningful "job not available" message.
type StatusConflictError struct {
	JobStatus string
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("job not available (status=%s)", e.JobStatus)
}

func (e *StatusConflictError) Unwrap() error { return ErrConflict }

// JobAccessor is the slice of job persistence the activation protocol needs.
// The job store implements it; keeping it an interface avoids a package cycle.
type JobAccessor interface {
	LockJobTx(ctx context.Context, tx pgx.Tx, id types.ID) (status string, selectedProvider *types.ID, err error)
	UpdateJobStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, to string) error
	AppendJobEventTx(ctx context.Context, tx pgx.Tx, id types.ID, from, to, actorType string, actorID *types.ID, reason string) error
}

type Service struct {
	store *Store
	jobs  JobAccessor
}

func NewService(store *Store, jobs JobAccessor) *Service {
	return &Service{store: store, jobs: jobs}
}

func (s *Service) Store() *Store {
	return s.store
}

type ActivateCommand struct {
	JobID      types.ID
	ProviderID types.ID
	// FromStatuses lists the job statuses activation may run from; empty
	// means the broadcast default of just "posted".
	FromStatuses []string
}

type ActivateResult struct {
	Assignment *Assignment
	Created    bool
}

// ActivateTx runs the activation protocol inside the caller's transaction:
// lock assignment rows, lock the job, check status, then either return the
// idempotent success, a typed conflict, or the newly created active row. The
// partial unique index resolves true races; a violation converts to the same
// conflict the fast path reports.
func (s *Service) ActivateTx(ctx context.Context, tx pgx.Tx, cmd ActivateCommand) (ActivateResult, error) {
	if cmd.JobID == "" || cmd.ProviderID == "" {
		return ActivateResult{}, ErrBadRequest
	}

	existing, err := s.store.LockByJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return ActivateResult{}, err
	}
	status, _, err := s.jobs.LockJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return ActivateResult{}, err
	}

	for i := range existing {
		a := &existing[i]
		if !a.IsActive {
			continue
		}
		if a.ProviderID != nil && *a.ProviderID == cmd.ProviderID {
			// Same provider already holds the job; make sure the job
			// status reflects it and report idempotent success.
			if status != "assigned" {
				if err := s.jobs.UpdateJobStatusTx(ctx, tx, cmd.JobID, "assigned"); err != nil {
					return ActivateResult{}, err
				}
			}
			return ActivateResult{Assignment: a, Created: false}, nil
		}
		return ActivateResult{}, &StatusConflictError{JobStatus: status}
	}

	allowed := cmd.FromStatuses
	if len(allowed) == 0 {
		allowed = []string{"posted"}
	}
	ok := false
	for _, st := range allowed {
		if st == status {
			ok = true
			break
		}
	}
	if !ok {
		return ActivateResult{}, &StatusConflictError{JobStatus: status}
	}

	provider := cmd.ProviderID
	a := &Assignment{
		ID:         types.NewID(),
		JobID:      cmd.JobID,
		ProviderID: &provider,
		Status:     StatusAccepted,
		IsActive:   true,
	}
	if err := s.store.CreateActiveTx(ctx, tx, a); err != nil {
		if errors.Is(err, ErrActiveExists) {
			return ActivateResult{}, &StatusConflictError{JobStatus: status}
		}
		return ActivateResult{}, err
	}
	if err := s.jobs.UpdateJobStatusTx(ctx, tx, cmd.JobID, "assigned"); err != nil {
		return ActivateResult{}, err
	}
	if err := s.jobs.AppendJobEventTx(ctx, tx, cmd.JobID, status, "assigned", "provider", &provider, "job_accepted"); err != nil {
		return ActivateResult{}, err
	}
	return ActivateResult{Assignment: a, Created: true}, nil
}

type StartCommand struct {
	JobID      types.ID
	ProviderID types.ID
	WorkerID   types.ID
}

type StartResult struct {
	Assignment *Assignment
	Already    bool
}

// StartTx moves an assigned job into execution. Worker binding is
// first-start-wins: an unbound assignment takes the caller's worker, a bound
// one rejects a different worker.
func (s *Service) StartTx(ctx context.Context, tx pgx.Tx, cmd StartCommand) (StartResult, error) {
	if cmd.JobID == "" || cmd.ProviderID == "" {
		return StartResult{}, ErrBadRequest
	}
	rows, err := s.store.LockByJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return StartResult{}, err
	}
	a := activeOf(rows)
	if a == nil {
		return StartResult{}, ErrNotFound
	}
	if a.ProviderID == nil || *a.ProviderID != cmd.ProviderID {
		return StartResult{}, &StatusConflictError{JobStatus: "provider_mismatch"}
	}
	status, _, err := s.jobs.LockJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return StartResult{}, err
	}
	if status == "in_progress" && a.Status == StatusInProgress {
		return StartResult{Assignment: a, Already: true}, nil
	}
	if status != "assigned" {
		return StartResult{}, &StatusConflictError{JobStatus: status}
	}
	if cmd.WorkerID != "" {
		if a.WorkerID == nil {
			if err := s.store.BindWorkerTx(ctx, tx, a.ID, cmd.WorkerID); err != nil {
				return StartResult{}, err
			}
			w := cmd.WorkerID
			a.WorkerID = &w
		} else if *a.WorkerID != cmd.WorkerID {
			return StartResult{}, &StatusConflictError{JobStatus: status}
		}
	}
	if err := s.store.UpdateStatusTx(ctx, tx, a.ID, StatusInProgress); err != nil {
		return StartResult{}, err
	}
	if err := s.jobs.UpdateJobStatusTx(ctx, tx, cmd.JobID, "in_progress"); err != nil {
		return StartResult{}, err
	}
	if err := s.jobs.AppendJobEventTx(ctx, tx, cmd.JobID, status, "in_progress", "provider", &cmd.ProviderID, "job_started"); err != nil {
		return StartResult{}, err
	}
	a.Status = StatusInProgress
	return StartResult{Assignment: a}, nil
}

type CompleteCommand struct {
	JobID      types.ID
	ProviderID types.ID
	WorkerID   types.ID
}

type CompleteResult struct {
	Assignment *Assignment
	Already    bool
}

// CompleteTx finishes an in-progress assignment. The worker, when bound, must
// match the caller's.
func (s *Service) CompleteTx(ctx context.Context, tx pgx.Tx, cmd CompleteCommand) (CompleteResult, error) {
	if cmd.JobID == "" || cmd.ProviderID == "" {
		return CompleteResult{}, ErrBadRequest
	}
	rows, err := s.store.LockByJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return CompleteResult{}, err
	}
	a := activeOf(rows)
	if a == nil {
		return CompleteResult{}, ErrNotFound
	}
	if a.ProviderID == nil || *a.ProviderID != cmd.ProviderID {
		return CompleteResult{}, &StatusConflictError{JobStatus: "provider_mismatch"}
	}
	if cmd.WorkerID != "" && a.WorkerID != nil && *a.WorkerID != cmd.WorkerID {
		return CompleteResult{}, &StatusConflictError{JobStatus: "worker_mismatch"}
	}
	status, _, err := s.jobs.LockJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return CompleteResult{}, err
	}
	if status == "completed" && a.Status == StatusCompleted {
		return CompleteResult{Assignment: a, Already: true}, nil
	}
	if status != "in_progress" {
		return CompleteResult{}, &StatusConflictError{JobStatus: status}
	}
	if err := s.store.UpdateStatusTx(ctx, tx, a.ID, StatusCompleted); err != nil {
		return CompleteResult{}, err
	}
	if err := s.jobs.UpdateJobStatusTx(ctx, tx, cmd.JobID, "completed"); err != nil {
		return CompleteResult{}, err
	}
	if err := s.jobs.AppendJobEventTx(ctx, tx, cmd.JobID, status, "completed", "provider", &cmd.ProviderID, "job_completed"); err != nil {
		return CompleteResult{}, err
	}
	a.Status = StatusCompleted
	return CompleteResult{Assignment: a}, nil
}

func activeOf(rows []Assignment) *Assignment {
	for i := range rows {
		if rows[i].IsActive {
			return &rows[i]
		}
	}
	return nil
}
