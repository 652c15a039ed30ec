// README: JobAssignment aggregate; one execution attempt binding a job to a provider.
package assignment

import (
	"time"

	"housecall/internal/types"
)

type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

type Assignment struct {
	ID          types.ID
	JobID       types.ID
	ProviderID  *types.ID
	WorkerID    *types.ID
	Status      Status
	IsActive    bool
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Fee is the per-assignment commission snapshot, 1:1 with an assignment.
type Fee struct {
	AssignmentID types.ID
	FeeModel     string
	FeeBps       int64
	FeeCents     int64
	CreatedAt    time.Time
}
