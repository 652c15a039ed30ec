// README: Dispute lifecycle: open within the post-completion window,
// provider response, resolution with ledger adjustments and the provider
// quality policy, and the 24h auto-resolution sweep.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"housecall/internal/effects"
	"housecall/internal/modules/assignment"
	"housecall/internal/modules/ledger"
	"housecall/internal/notify"
	"housecall/internal/types"
)

var (
	ErrNotFound      = errors.New("dispute not found")
	ErrAlreadyExists = errors.New("dispute already exists")
	ErrWindowClosed  = errors.New("dispute_window_closed")
	ErrNotAllowed    = errors.New("dispute_actor_not_allowed")
	ErrInvalidState  = errors.New("invalid dispute state")
	ErrBadRequest    = errors.New("bad dispute request")
)

type Service struct {
	store       *Store
	assignments *assignment.Store
	ledger      *ledger.Service
	publisher   notify.Publisher
}

func NewService(store *Store, assignments *assignment.Store, led *ledger.Service, publisher notify.Publisher) *Service {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Service{store: store, assignments: assignments, ledger: led, publisher: publisher}
}

func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

type OpenCommand struct {
	JobID    types.ID
	ClientID types.ID
	Reason   string
}

// Open raises a dispute on a completed job inside the client window. A
// closed-but-unpaid settlement holding the job's earnings drops back to
// draft so the payout waits for the outcome.
func (s *Service) Open(ctx context.Context, cmd OpenCommand) (*Dispute, error) {
	if cmd.JobID == "" || cmd.ClientID == "" || cmd.Reason == "" {
		return nil, ErrBadRequest
	}
	now := time.Now().UTC()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	status, clientID, completedAt, err := s.store.LockJobTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if clientID != cmd.ClientID {
		return nil, ErrNotAllowed
	}
	if status != "completed" {
		return nil, fmt.Errorf("open dispute: job status %s: %w", status, ErrInvalidState)
	}
	if completedAt == nil || now.Sub(*completedAt) > OpenWindow {
		return nil, ErrWindowClosed
	}
	if existing, err := s.store.ByJobTx(ctx, tx, cmd.JobID, false); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyExists
	}

	provider, err := s.store.ActiveProviderTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, fmt.Errorf("open dispute: job %s has no active provider: %w", cmd.JobID, ErrInvalidState)
	}

	d := &Dispute{
		ID:         types.NewID(),
		JobID:      cmd.JobID,
		ClientID:   cmd.ClientID,
		ProviderID: *provider,
		Status:     StatusOpen,
		Reason:     cmd.Reason,
		OpenedAt:   now,
	}
	if err := s.store.CreateTx(ctx, tx, d); err != nil {
		return nil, err
	}

	reopened, err := s.store.ReopenUnpaidSettlementsTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	for _, sid := range reopened {
		s.publisher.Publish(ctx, notify.Event{
			Type: notify.EventSettlementReopened, JobID: cmd.JobID,
			ProviderID: d.ProviderID,
			Detail:     map[string]string{"settlement_id": string(sid)},
		})
	}
	return d, nil
}

type RespondCommand struct {
	DisputeID  types.ID
	ProviderID types.ID
	Response   string
}

// Respond records the provider's side of the story and takes the dispute out
// of the auto-resolution queue.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (*Dispute, error) {
	if cmd.DisputeID == "" || cmd.ProviderID == "" || cmd.Response == "" {
		return nil, ErrBadRequest
	}
	now := time.Now().UTC()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := s.store.GetForUpdateTx(ctx, tx, cmd.DisputeID)
	if err != nil {
		return nil, err
	}
	if d.ProviderID != cmd.ProviderID {
		return nil, ErrNotAllowed
	}
	if d.Status == StatusProviderResponded {
		return d, nil
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("respond: dispute status %s: %w", d.Status, ErrInvalidState)
	}

	d.Status = StatusProviderResponded
	d.ProviderResponse = &cmd.Response
	d.RespondedAt = &now
	if err := s.store.UpdateTx(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

type ResolveCommand struct {
	DisputeID  types.ID
	Resolution Resolution
	// ResolvedBy is recorded in the notification detail only.
	ResolvedBy string
}

// Resolve closes the dispute. A client win posts the three ledger
// adjustments, cancels the job, deactivates the assignment, and applies the
// provider quality policy; notifications fire only after commit.
func (s *Service) Resolve(ctx context.Context, cmd ResolveCommand) (*Dispute, error) {
	if cmd.DisputeID == "" {
		return nil, ErrBadRequest
	}
	switch cmd.Resolution {
	case ResolutionRefund100, ResolutionNoRefund:
	default:
		return nil, ErrBadRequest
	}
	now := time.Now().UTC()
	fx := effects.NewQueue()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := s.store.GetForUpdateTx(ctx, tx, cmd.DisputeID)
	if err != nil {
		return nil, err
	}
	if !Active(d.Status) {
		return d, nil
	}

	res := string(cmd.Resolution)
	d.Resolution = &res
	d.ResolvedAt = &now

	switch cmd.Resolution {
	case ResolutionNoRefund:
		d.Status = StatusResolvedProvider

	case ResolutionRefund100:
		d.Status = StatusResolvedClient

		if err := s.ledger.DisputeRefundTx(ctx, tx, d.JobID, d.ID); err != nil {
			return nil, err
		}
		jobStatus, _, _, err := s.store.LockJobTx(ctx, tx, d.JobID)
		if err != nil {
			return nil, err
		}
		if jobStatus != "cancelled" {
			if err := s.store.CancelJobApprovedTx(ctx, tx, d.JobID, jobStatus); err != nil {
				return nil, err
			}
		}
		if err := s.assignments.DeactivateForJobTx(ctx, tx, d.JobID, assignment.StatusCancelled); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateTx(ctx, tx, d); err != nil {
		return nil, err
	}

	if d.Status == StatusResolvedClient {
		lost, err := s.store.LostCountLastYearTx(ctx, tx, d.ProviderID, now.Add(-QualityLookback))
		if err != nil {
			return nil, err
		}
		warn, restrict := RestrictionFor(lost)
		var until *time.Time
		if restrict > 0 {
			t := now.Add(restrict)
			until = &t
		}
		if err := s.store.RecordProviderLossTx(ctx, tx, d.ProviderID, warn, until); err != nil {
			return nil, err
		}
		if warn {
			provider := d.ProviderID
			fx.Add(func() {
				s.publisher.Publish(context.Background(), notify.Event{
					Type: notify.EventQualityWarning, JobID: d.JobID, ProviderID: provider,
					Detail: map[string]string{"lost_disputes": fmt.Sprintf("%d", lost)},
				})
			})
		}
	}

	detail := map[string]string{"resolution": res}
	if cmd.ResolvedBy != "" {
		detail["resolved_by"] = cmd.ResolvedBy
	}
	fx.Add(func() {
		s.publisher.Publish(context.Background(), notify.Event{
			Type: notify.EventDisputeResolved, JobID: d.JobID,
			ProviderID: d.ProviderID, ClientID: d.ClientID, Detail: detail,
		})
	})
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	fx.Run()
	return d, nil
}

type AutoResolveStats struct {
	Checked  int
	Resolved int
	Failed   int
}

// AutoResolve rules for the client on every open dispute the provider left
// unanswered past the response window.
func (s *Service) AutoResolve(ctx context.Context, now time.Time, limit int, dryRun bool) (AutoResolveStats, error) {
	var stats AutoResolveStats

	ids, err := s.store.OpenOlderThan(ctx, now.Add(-ResponseWindow), limit)
	if err != nil {
		return stats, err
	}
	stats.Checked = len(ids)
	if dryRun {
		log.Printf("dispute auto-resolve (dry run): %d disputes past the response window", len(ids))
		return stats, nil
	}
	for _, id := range ids {
		if _, err := s.Resolve(ctx, ResolveCommand{
			DisputeID:  id,
			Resolution: ResolutionRefund100,
			ResolvedBy: "auto_resolve",
		}); err != nil {
			stats.Failed++
			log.Printf("dispute auto-resolve: %s: %v", id, err)
			continue
		}
		stats.Resolved++
	}
	log.Printf("dispute auto-resolve: checked %d, resolved %d, failed %d",
		stats.Checked, stats.Resolved, stats.Failed)
	return stats, nil
}
