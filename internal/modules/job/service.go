// README: Job lifecycle: create, direct accept, client confirm, start,
// complete, close, cancel, extras. Broadcast, marketplace, and hold flows
// live in their own files.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"housecall/internal/effects"
	"housecall/internal/modules/assignment"
	"housecall/internal/modules/ledger"
	"housecall/internal/modules/pricing"
	"housecall/internal/modules/ticket"
	"housecall/internal/notify"
	"housecall/internal/types"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrConflict           = errors.New("job conflict")
	ErrInvalidState       = errors.New("invalid job state")
	ErrBadRequest         = errors.New("bad job request")
	ErrProviderNotAllowed = errors.New("provider_not_allowed")
	ErrClientNotAllowed   = errors.New("client_not_allowed")
	ErrDisputeOpen        = errors.New("dispute_open")
	ErrTooManyActiveJobs  = errors.New("too_many_active_jobs")
)

// ConflictError carries a typed conflict code for the HTTP layer. Codes come
// from the marketplace/hold protocols (e.g. STALE_BROADCAST_ATTEMPT).
type ConflictError struct {
	Code string
}

func (e *ConflictError) Error() string { return e.Code }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// DisputeChecker is the slice of dispute persistence the lifecycle gates
// need; the dispute store implements it.
type DisputeChecker interface {
	HasActiveTx(ctx context.Context, tx pgx.Tx, jobID types.ID) (bool, error)
}

// CandidateFinder supplies provider ids ranked by distance to the job site.
type CandidateFinder interface {
	Nearby(ctx context.Context, p types.Point, limit int) ([]types.ID, error)
}

// RouteEstimator produces a best-effort travel estimate for broadcast
// notifications. Errors mean "no estimate".
type RouteEstimator interface {
	TravelEstimate(ctx context.Context, origin, destination string) (time.Duration, string, error)
}

type Service struct {
	store       *Store
	tickets     *ticket.Service
	assignments *assignment.Service
	ledger      *ledger.Service
	pricing     *pricing.Service
	disputes    DisputeChecker
	candidates  CandidateFinder
	routes      RouteEstimator
	publisher   notify.Publisher
}

func NewService(
	store *Store,
	tickets *ticket.Service,
	assignments *assignment.Service,
	led *ledger.Service,
	pricingSvc *pricing.Service,
	disputes DisputeChecker,
	publisher notify.Publisher,
) *Service {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Service{
		store:       store,
		tickets:     tickets,
		assignments: assignments,
		ledger:      led,
		pricing:     pricingSvc,
		disputes:    disputes,
		publisher:   publisher,
	}
}

func (s *Service) Store() *Store {
	return s.store
}

// SetCandidateFinder attaches the geo candidate pool used by broadcast waves.
func (s *Service) SetCandidateFinder(f CandidateFinder) {
	s.candidates = f
}

// SetRouteEstimator attaches the ETA source for broadcast notifications.
func (s *Service) SetRouteEstimator(r RouteEstimator) {
	s.routes = r
}

type CreateCommand struct {
	ClientID    types.ID
	Mode        Mode
	ServiceType string
	Address     string
	City        string
	RegionCode  string
	Lat         *float64
	Lng         *float64
	ScheduledAt *time.Time

	BasePriceCents int64

	// ProviderID requests a specific provider (normal flow); the job starts
	// in pending_provider_confirmation instead of the open pool.
	ProviderID *types.ID
}

// Create validates and persists a new job. A scheduled date inside the ASAP
// window collapses the job to on-demand; a missing date means on-demand.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Job, error) {
	if cmd.ClientID == "" || cmd.ServiceType == "" {
		return nil, ErrBadRequest
	}
	if cmd.BasePriceCents <= 0 {
		return nil, ErrBadRequest
	}
	now := time.Now().UTC()

	mode := cmd.Mode
	scheduledAt := cmd.ScheduledAt
	isASAP := false
	switch mode {
	case ModeScheduled:
		if scheduledAt == nil {
			return nil, ErrBadRequest
		}
		if scheduledAt.Before(now) {
			return nil, ErrBadRequest
		}
		if scheduledAt.Before(now.Add(ASAPWindow)) {
			mode = ModeOnDemand
			isASAP = true
			scheduledAt = nil
		}
	case ModeOnDemand, "":
		mode = ModeOnDemand
		if scheduledAt != nil {
			return nil, ErrBadRequest
		}
	default:
		return nil, ErrBadRequest
	}

	active, err := s.store.CountActiveByClient(ctx, cmd.ClientID)
	if err != nil {
		return nil, err
	}
	if active >= MaxActiveJobs {
		return nil, ErrTooManyActiveJobs
	}

	base := cmd.BasePriceCents
	j := &Job{
		ID:                 types.NewID(),
		Status:             StatusPosted,
		Mode:               mode,
		IsASAP:             isASAP,
		ClientID:           cmd.ClientID,
		SelectedProviderID: cmd.ProviderID,
		ServiceType:        cmd.ServiceType,
		Address:            cmd.Address,
		City:               cmd.City,
		RegionCode:         cmd.RegionCode,
		Lat:                cmd.Lat,
		Lng:                cmd.Lng,
		ScheduledAt:        scheduledAt,
		QuotedBaseCents:    &base,
	}
	if cmd.ProviderID != nil {
		j.Status = StatusPendingProvider
	}
	switch mode {
	case ModeOnDemand:
		t := now
		j.NextAlertAt = &t
	case ModeScheduled:
		t := now
		j.NextMarketplaceAlertAt = &t
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.store.CreateTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: StatusDraft, ToStatus: StatusPosted,
		ActorType: "client", ActorID: &cmd.ClientID,
	}); err != nil {
		return nil, err
	}
	if j.Status == StatusPendingProvider {
		reason := "direct_request"
		if err := s.store.AppendEventTx(ctx, tx, &Event{
			JobID: j.ID, FromStatus: StatusPosted, ToStatus: StatusPendingProvider,
			ActorType: "client", ActorID: &cmd.ClientID, Reason: &reason,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Job, error) {
	return s.store.Get(ctx, id)
}

// AcceptNormal is the provider's answer to a direct request: the selected
// provider moves the job to pending_client_confirmation. Idempotent for the
// same provider.
func (s *Service) AcceptNormal(ctx context.Context, jobID, providerID types.ID) (*Job, error) {
	if jobID == "" || providerID == "" {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.SelectedProviderID == nil || *j.SelectedProviderID != providerID {
		return nil, ErrProviderNotAllowed
	}
	if j.Status == StatusPendingClient {
		return j, nil
	}
	if j.Status != StatusPendingProvider {
		return nil, &ConflictError{Code: string(j.Status)}
	}

	now := time.Now().UTC()
	j.Status = StatusPendingClient
	j.ClientConfirmationStartedAt = &now
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: StatusPendingProvider, ToStatus: StatusPendingClient,
		ActorType: "provider", ActorID: &providerID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, notify.Event{
		Type: notify.EventClientDecision, JobID: j.ID,
		ProviderID: providerID, ClientID: j.ClientID,
	})
	return j, nil
}

// ConfirmClient is the client's acceptance of the pending provider: it runs
// the activation protocol and opens both tickets with the quoted base line.
func (s *Service) ConfirmClient(ctx context.Context, jobID, clientID types.ID) (*Job, error) {
	if jobID == "" || clientID == "" {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.ClientID != clientID {
		return nil, ErrClientNotAllowed
	}
	if j.SelectedProviderID == nil {
		return nil, &ConflictError{Code: "MISSING_SELECTED_PROVIDER"}
	}
	provider := *j.SelectedProviderID

	if _, err := s.assignments.ActivateTx(ctx, tx, assignment.ActivateCommand{
		JobID:        jobID,
		ProviderID:   provider,
		FromStatuses: []string{string(StatusPendingClient)},
	}); err != nil {
		var sc *assignment.StatusConflictError
		if errors.As(err, &sc) {
			return nil, &ConflictError{Code: sc.JobStatus}
		}
		return nil, err
	}

	if err := s.ensureTicketsTx(ctx, tx, j, provider); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, notify.Event{
		Type: notify.EventJobAssigned, JobID: j.ID,
		ProviderID: provider, ClientID: j.ClientID,
	})
	return s.store.Get(ctx, jobID)
}

// ensureTicketsTx opens both tickets for the job and puts the quoted base
// line on each side. Safe to call repeatedly.
func (s *Service) ensureTicketsTx(ctx context.Context, tx pgx.Tx, j *Job, provider types.ID) error {
	base := int64(0)
	if j.QuotedTotalCents != nil {
		base = *j.QuotedTotalCents
	} else if j.QuotedBaseCents != nil {
		base = *j.QuotedBaseCents
	}
	desc := fmt.Sprintf("%s base service", j.ServiceType)

	for _, party := range []struct {
		t  ticket.PartyType
		id types.ID
	}{
		{ticket.PartyProvider, provider},
		{ticket.PartyClient, j.ClientID},
	} {
		tk, _, err := s.tickets.EnsureTx(ctx, tx, ticket.EnsureCommand{
			PartyType: party.t,
			PartyID:   party.id,
			RefType:   "job",
			RefID:     j.ID,
			TaxRegion: j.RegionCode,
		})
		if err != nil {
			return err
		}
		if base > 0 {
			if _, err := s.tickets.EnsureBaseLineTx(ctx, tx, tk, desc, base); err != nil {
				return err
			}
		}
	}
	return nil
}

// activeProviderTx resolves the provider allowed to act on the job: the
// active assignment's provider, falling back to the selected provider.
func (s *Service) activeProviderTx(ctx context.Context, tx pgx.Tx, j *Job) (*types.ID, error) {
	rows, err := s.assignments.Store().LockByJobTx(ctx, tx, j.ID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].IsActive && rows[i].ProviderID != nil {
			return rows[i].ProviderID, nil
		}
	}
	return j.SelectedProviderID, nil
}

type StartCommand struct {
	JobID      types.ID
	ProviderID types.ID
	WorkerID   types.ID
}

// Start moves the job into execution, binds the worker, and makes sure the
// ticket pair (base line, on-demand fee) is in place before work begins.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	allowed, err := s.activeProviderTx(ctx, tx, j)
	if err != nil {
		return nil, err
	}
	if allowed == nil || *allowed != cmd.ProviderID {
		return nil, ErrProviderNotAllowed
	}

	if _, err := s.assignments.StartTx(ctx, tx, assignment.StartCommand{
		JobID:      cmd.JobID,
		ProviderID: cmd.ProviderID,
		WorkerID:   cmd.WorkerID,
	}); err != nil {
		var sc *assignment.StatusConflictError
		if errors.As(err, &sc) {
			return nil, &ConflictError{Code: sc.JobStatus}
		}
		return nil, err
	}

	if err := s.ensureTicketsTx(ctx, tx, j, cmd.ProviderID); err != nil {
		return nil, err
	}
	if j.Mode == ModeOnDemand {
		if _, err := s.RecomputeOnDemandFeeTx(ctx, tx, j); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, cmd.JobID)
}

type CompleteCommand struct {
	JobID      types.ID
	ProviderID types.ID
	WorkerID   types.ID
}

// Complete finishes the work. An active dispute blocks completion.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if s.disputes != nil {
		open, err := s.disputes.HasActiveTx(ctx, tx, j.ID)
		if err != nil {
			return nil, err
		}
		if open {
			return nil, ErrDisputeOpen
		}
	}

	if _, err := s.assignments.CompleteTx(ctx, tx, assignment.CompleteCommand{
		JobID:      cmd.JobID,
		ProviderID: cmd.ProviderID,
		WorkerID:   cmd.WorkerID,
	}); err != nil {
		var sc *assignment.StatusConflictError
		if errors.As(err, &sc) {
			return nil, &ConflictError{Code: sc.JobStatus}
		}
		return nil, err
	}

	// snapshot the ledger while the numbers are still open
	if _, err := s.ledger.UpsertTx(ctx, tx, j.ID, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, cmd.JobID)
}

type CloseCommand struct {
	JobID    types.ID
	ClientID types.ID
	// Source distinguishes the client's explicit confirm from the
	// auto-confirm sweep; it lands in the event reason.
	Source string
}

// ConfirmClosed is the client's final confirmation: both tickets freeze, the
// job moves to confirmed, and the ledger finalizes. Idempotent once the job
// is confirmed.
func (s *Service) ConfirmClosed(ctx context.Context, cmd CloseCommand) (*Job, error) {
	if cmd.JobID == "" {
		return nil, ErrBadRequest
	}
	fx := effects.NewQueue()
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if cmd.ClientID != "" && j.ClientID != cmd.ClientID {
		return nil, ErrClientNotAllowed
	}
	if j.Status == StatusConfirmed {
		return j, nil
	}
	if j.Status != StatusCompleted {
		return nil, &ConflictError{Code: string(j.Status)}
	}
	if s.disputes != nil {
		open, err := s.disputes.HasActiveTx(ctx, tx, j.ID)
		if err != nil {
			return nil, err
		}
		if open {
			return nil, ErrDisputeOpen
		}
	}

	provider, err := s.activeProviderTx(ctx, tx, j)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		if err := s.ensureTicketsTx(ctx, tx, j, *provider); err != nil {
			return nil, err
		}
	}
	for _, party := range []ticket.PartyType{ticket.PartyProvider, ticket.PartyClient} {
		tk, err := s.tickets.Store().GetByRefTx(ctx, tx, party, "job", j.ID, true)
		if err != nil {
			return nil, err
		}
		if tk == nil {
			continue
		}
		if err := s.tickets.FinalizeTx(ctx, tx, tk); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateJobStatusTx(ctx, tx, j.ID, string(StatusConfirmed)); err != nil {
		return nil, err
	}
	reason := cmd.Source
	if reason == "" {
		reason = "client_confirm"
	}
	actor := cmd.ClientID
	var actorID *types.ID
	if actor != "" {
		actorID = &actor
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: StatusCompleted, ToStatus: StatusConfirmed,
		ActorType: "client", ActorID: actorID, Reason: &reason,
	}); err != nil {
		return nil, err
	}

	runID := fmt.Sprintf("close_%s_%d", j.ID, time.Now().UTC().Unix())
	if _, err := s.ledger.FinalizeTx(ctx, tx, j.ID, runID); err != nil {
		return nil, err
	}
	fx.Add(func() {
		s.ledger.TryWriteEvidence(context.Background(), j.ID, runID, "finalize")
	})
	if cmd.Source == "auto_timeout" {
		pid := types.ID("")
		if provider != nil {
			pid = *provider
		}
		fx.Add(func() {
			s.publisher.Publish(context.Background(), notify.Event{
				Type: notify.EventJobAutoConfirmed, JobID: j.ID,
				ProviderID: pid, ClientID: j.ClientID,
			})
		})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	fx.Run()
	return s.store.Get(ctx, cmd.JobID)
}

type CancelCommand struct {
	JobID     types.ID
	ActorType string
	ActorID   *types.ID
	Reason    string
}

// Cancel moves the job to cancelled where the transition table allows it and
// deactivates any active assignment.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Job, error) {
	if cmd.JobID == "" {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.CancelTx(ctx, tx, cmd)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// CancelTx is Cancel inside the caller's transaction; dispute resolution
// reuses it.
func (s *Service) CancelTx(ctx context.Context, tx pgx.Tx, cmd CancelCommand) (*Job, error) {
	j, err := s.store.GetForUpdateTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusCancelled {
		return j, nil
	}
	if !CanTransition(j.Status, StatusCancelled) {
		return nil, &ConflictError{Code: string(j.Status)}
	}

	from := j.Status
	j.Status = StatusCancelled
	if cmd.Reason != "" {
		r := cmd.Reason
		j.CancelReason = &r
	}
	j.NextAlertAt = nil
	j.NextMarketplaceAlertAt = nil
	j.HoldProviderID = nil
	j.HoldExpiresAt = nil
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := s.assignments.Store().DeactivateForJobTx(ctx, tx, j.ID, assignment.StatusCancelled); err != nil {
		return nil, err
	}
	actorType := cmd.ActorType
	if actorType == "" {
		actorType = "system"
	}
	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: from, ToStatus: StatusCancelled,
		ActorType: actorType, ActorID: cmd.ActorID, Reason: reason,
	}); err != nil {
		return nil, err
	}
	return j, nil
}

type AddExtraCommand struct {
	JobID       types.ID
	ProviderID  types.ID
	Description string
	AmountCents int64
}

// AddExtra mirrors one extra line onto both tickets, re-derives the platform
// fee, and refreshes the ledger snapshot. Both tickets must still be open.
func (s *Service) AddExtra(ctx context.Context, cmd AddExtraCommand) (*Job, error) {
	if cmd.JobID == "" || cmd.ProviderID == "" {
		return nil, ErrBadRequest
	}
	if cmd.Description == "" || cmd.AmountCents <= 0 {
		return nil, ErrBadRequest
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case StatusAssigned, StatusInProgress, StatusCompleted:
	default:
		return nil, &ConflictError{Code: string(j.Status)}
	}
	allowed, err := s.activeProviderTx(ctx, tx, j)
	if err != nil {
		return nil, err
	}
	if allowed == nil || *allowed != cmd.ProviderID {
		return nil, ErrProviderNotAllowed
	}

	pt, err := s.tickets.Store().GetByRefTx(ctx, tx, ticket.PartyProvider, "job", j.ID, true)
	if err != nil {
		return nil, err
	}
	ct, err := s.tickets.Store().GetByRefTx(ctx, tx, ticket.PartyClient, "job", j.ID, true)
	if err != nil {
		return nil, err
	}
	if pt == nil || ct == nil {
		return nil, ticket.ErrNotOpen
	}
	if err := s.tickets.AddExtraPairTx(ctx, tx, pt, ct, cmd.Description, cmd.AmountCents); err != nil {
		return nil, err
	}
	if j.Mode == ModeOnDemand {
		if _, err := s.recomputeOnDemandFeeForTicketsTx(ctx, tx, pt, ct); err != nil {
			return nil, err
		}
	}
	if _, err := s.ledger.UpsertTx(ctx, tx, j.ID, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// RecomputeOnDemandFeeTx re-derives the platform fee from the provider-side
// subtotal and ensures the same fee line on both tickets.
func (s *Service) RecomputeOnDemandFeeTx(ctx context.Context, tx pgx.Tx, j *Job) (int64, error) {
	pt, err := s.tickets.Store().GetByRefTx(ctx, tx, ticket.PartyProvider, "job", j.ID, true)
	if err != nil {
		return 0, err
	}
	ct, err := s.tickets.Store().GetByRefTx(ctx, tx, ticket.PartyClient, "job", j.ID, true)
	if err != nil {
		return 0, err
	}
	if pt == nil || ct == nil {
		return 0, ticket.ErrNotOpen
	}
	return s.recomputeOnDemandFeeForTicketsTx(ctx, tx, pt, ct)
}

// recomputeOnDemandFeeForTicketsTx expects both tickets locked. The fee is
// computed on the provider subtotal excluding existing fee lines, with the
// region taken from the provider ticket falling back to the client ticket,
// and the resulting line is mirrored on both sides.
func (s *Service) recomputeOnDemandFeeForTicketsTx(ctx context.Context, tx pgx.Tx, pt, ct *ticket.Ticket) (int64, error) {
	if !pt.Open() || !ct.Open() {
		return 0, ticket.ErrNotOpen
	}

	region := pt.TaxRegionCode
	if region == "" {
		region = ct.TaxRegionCode
	}
	rule := s.pricing.FeeRule(ctx, region)

	providerSubtotal, err := s.subtotalExcludingFeesTx(ctx, tx, pt.ID)
	if err != nil {
		return 0, err
	}
	clientSubtotal, err := s.subtotalExcludingFeesTx(ctx, tx, ct.ID)
	if err != nil {
		return 0, err
	}
	if providerSubtotal != clientSubtotal {
		log.Printf("job %s: ticket subtotal mismatch provider=%d client=%d; using provider side",
			pt.RefID, providerSubtotal, clientSubtotal)
	}

	fee, err := pricing.ComputeFeeCents(providerSubtotal, rule)
	if err != nil {
		return 0, err
	}
	desc := pricing.FeeDescription(region, rule)
	if _, err := s.tickets.EnsureFeeLineTx(ctx, tx, pt, desc, fee); err != nil {
		return 0, err
	}
	if _, err := s.tickets.EnsureFeeLineTx(ctx, tx, ct, desc, fee); err != nil {
		return 0, err
	}
	return fee, nil
}

func (s *Service) subtotalExcludingFeesTx(ctx context.Context, tx pgx.Tx, ticketID types.ID) (int64, error) {
	lines, err := s.tickets.Store().LinesTx(ctx, tx, ticketID)
	if err != nil {
		return 0, err
	}
	var subtotal int64
	for _, l := range lines {
		if l.LineType == ticket.LineFee {
			continue
		}
		subtotal += l.LineSubtotalCents
	}
	return subtotal, nil
}
