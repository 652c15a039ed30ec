// README: Marketplace search for scheduled jobs: ranked provider waves every
// few hours, provider offers, client confirmation with a strict window, and
// the client decision menu when the search stalls.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"housecall/internal/modules/assignment"
	"housecall/internal/notify"
	"housecall/internal/types"
)

// Marketplace tick outcomes.
const (
	MarketNotEligible    = "job_not_eligible"
	MarketSkipShortLead  = "skip_less_than_24h"
	MarketSkipNotDue     = "not_due"
	MarketDecisionNeeded = "pending_client_decision"
	MarketExpired        = "expired"
	MarketWaveSent       = "wave_sent"
	MarketWaveEmpty      = "wave_empty"
)

// Accept/confirm/decision conflict codes surfaced to the HTTP layer.
const (
	CodeJobAlreadyAssigned      = "job_already_assigned"
	CodeAlreadyAcceptedWaiting  = "already_accepted_waiting_client"
	CodeInvalidStatusForAccept  = "INVALID_STATUS_FOR_ACCEPT"
	CodeSearchNotStarted        = "MARKETPLACE_SEARCH_NOT_STARTED"
	CodeSearchTimeout           = "MARKETPLACE_SEARCH_TIMEOUT"
	CodeAttemptNotFound         = "BROADCAST_ATTEMPT_NOT_FOUND"
	CodeStaleAttempt            = "STALE_BROADCAST_ATTEMPT"
	CodeConfirmationTimeout     = "CLIENT_CONFIRMATION_TIMEOUT"
	CodeInvalidModeMarketplace  = "INVALID_JOB_MODE_FOR_MARKETPLACE"
	CodeInvalidStatusForExtend  = "INVALID_STATUS_FOR_EXTEND"
	CodeScheduleLessThan24h     = "SCHEDULE_LESS_THAN_24H"
	CodeInvalidScheduledDate    = "INVALID_SCHEDULED_DATE"
	CodeInvalidStatusForEdit    = "INVALID_STATUS_FOR_EDIT_SCHEDULE"
	CodeInvalidStatusForUrgent  = "INVALID_STATUS_FOR_SWITCH_TO_URGENT"
	CodeInvalidStatusForCancel  = "INVALID_STATUS_FOR_CANCEL"
	CodeInvalidAction           = "INVALID_ACTION"
	CodeMissingSelectedProvider = "MISSING_SELECTED_PROVIDER"
)

type MarketplaceTickStats struct {
	Due                   int
	Waves                 int
	Expired               int
	Decision              int
	Skipped               int
	Failed                int
	TimedOutConfirmations int
}

// TickMarketplace drives one sweep: due scheduled jobs get their next wave,
// then stale client confirmations are rolled back into the search.
func (s *Service) TickMarketplace(ctx context.Context, now time.Time, limit int) (MarketplaceTickStats, error) {
	var stats MarketplaceTickStats

	ids, err := s.store.DueMarketplaceJobIDs(ctx, now, limit)
	if err != nil {
		return stats, err
	}
	stats.Due = len(ids)
	for _, id := range ids {
		outcome, err := s.ProcessMarketplaceJob(ctx, id, now)
		switch {
		case err != nil:
			stats.Failed++
			log.Printf("marketplace tick: job %s: %v", id, err)
		case outcome == MarketWaveSent:
			stats.Waves++
		case outcome == MarketExpired:
			stats.Expired++
		case outcome == MarketDecisionNeeded:
			stats.Decision++
		default:
			stats.Skipped++
		}
	}

	cutoff := now.Add(-ClientConfirmationWindow)
	pending, err := s.store.PendingClientConfirmationJobIDs(ctx, cutoff, limit)
	if err != nil {
		return stats, err
	}
	for _, id := range pending {
		if err := s.ProcessClientConfirmationTimeout(ctx, id, now); err != nil {
			stats.Failed++
			log.Printf("marketplace tick: job %s: confirmation timeout: %v", id, err)
			continue
		}
		stats.TimedOutConfirmations++
	}
	log.Printf("marketplace tick: due=%d waves=%d expired=%d decision=%d skipped=%d timeouts=%d failed=%d",
		stats.Due, stats.Waves, stats.Expired, stats.Decision, stats.Skipped,
		stats.TimedOutConfirmations, stats.Failed)
	return stats, nil
}

// ProcessMarketplaceJob runs one search step for a scheduled job: expire what
// is past saving, park long searches on the client, or send the next ranked
// wave.
func (s *Service) ProcessMarketplaceJob(ctx context.Context, jobID types.ID, now time.Time) (string, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return "", err
	}
	if j.Mode != ModeScheduled {
		return MarketNotEligible, nil
	}
	if j.Status != StatusPosted && j.Status != StatusWaitingProviders {
		return MarketNotEligible, nil
	}
	if j.ScheduledAt == nil {
		return MarketNotEligible, nil
	}
	if j.ScheduledAt.Sub(now) < MarketplaceMinLead {
		return MarketSkipShortLead, nil
	}
	if j.MarketplaceExpiresAt == nil {
		exp := j.ScheduledAt.Add(-MarketplaceExpireBuffer)
		j.MarketplaceExpiresAt = &exp
	}

	if j.MarketplaceSearchStartedAt != nil && now.Sub(*j.MarketplaceSearchStartedAt) > MarketplaceSearchTimeout {
		return s.parkOnClientTx(ctx, tx, j, "search_timeout")
	}
	if !now.Before(*j.MarketplaceExpiresAt) {
		return s.expireMarketplaceTx(ctx, tx, j, "marketplace_window_expired")
	}
	if j.NextMarketplaceAlertAt != nil && j.NextMarketplaceAlertAt.After(now) {
		return MarketSkipNotDue, nil
	}
	if j.MarketplaceAttempts >= MarketplaceMaxAttempts {
		return s.expireMarketplaceTx(ctx, tx, j, "marketplace_max_attempts")
	}

	attempt := j.MarketplaceAttempts + 1
	next := now.Add(MarketplaceRetryInterval)
	j.NextMarketplaceAlertAt = &next

	poolSize := attempt * MarketplaceBatchSize * 3
	if poolSize < MarketplaceBatchSize {
		poolSize = MarketplaceBatchSize
	}
	ranked, err := s.rankedCandidates(ctx, j, poolSize)
	if err != nil {
		return "", err
	}
	attempted, err := s.store.AttemptedProviderIDsTx(ctx, tx, j.ID)
	if err != nil {
		return "", err
	}
	wave := make([]types.ID, 0, MarketplaceBatchSize)
	for _, pid := range ranked {
		if attempted[pid] {
			continue
		}
		wave = append(wave, pid)
		if len(wave) == MarketplaceBatchSize {
			break
		}
	}

	if len(wave) == 0 {
		j.MarketplaceAttempts = attempt
		if err := s.store.UpdateTx(ctx, tx, j); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return MarketWaveEmpty, nil
	}

	created := 0
	contacted := make([]types.ID, 0, len(wave))
	for _, pid := range wave {
		ok, err := s.store.InsertBroadcastAttemptTx(ctx, tx, j.ID, pid, attempt)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		created++
		contacted = append(contacted, pid)
	}
	if created > 0 && j.MarketplaceSearchStartedAt == nil {
		t := now
		j.MarketplaceSearchStartedAt = &t
		from := j.Status
		j.Status = StatusWaitingProviders
		if from != StatusWaitingProviders {
			if err := s.store.AppendEventTx(ctx, tx, &Event{
				JobID: j.ID, FromStatus: from, ToStatus: StatusWaitingProviders,
				ActorType: "system",
			}); err != nil {
				return "", err
			}
		}
	}
	j.MarketplaceAttempts = attempt
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	for _, pid := range contacted {
		s.publisher.Publish(ctx, notify.Event{
			Type: notify.EventMarketplaceWave, JobID: j.ID,
			ProviderID: pid, ClientID: j.ClientID,
			Detail: map[string]string{"attempt": fmt.Sprintf("%d", attempt)},
		})
	}
	log.Printf("marketplace: job %s attempt %d contacted %d providers (%d duplicates skipped)",
		j.ID, attempt, created, len(wave)-created)
	return MarketWaveSent, nil
}

// parkOnClientTx moves a stalled search to pending_client_decision and
// commits. Wave scheduling stops until the client decides.
func (s *Service) parkOnClientTx(ctx context.Context, tx pgx.Tx, j *Job, reason string) (string, error) {
	from := j.Status
	j.Status = StatusPendingClientDecide
	j.NextMarketplaceAlertAt = nil
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return "", err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: from, ToStatus: StatusPendingClientDecide,
		ActorType: "system", Reason: &reason,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	s.publisher.Publish(ctx, notify.Event{
		Type: notify.EventClientDecision, JobID: j.ID, ClientID: j.ClientID,
		Detail: map[string]string{"reason": reason},
	})
	return MarketDecisionNeeded, nil
}

func (s *Service) expireMarketplaceTx(ctx context.Context, tx pgx.Tx, j *Job, reason string) (string, error) {
	from := j.Status
	j.Status = StatusExpired
	j.NextMarketplaceAlertAt = nil
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return "", err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: from, ToStatus: StatusExpired,
		ActorType: "system", Reason: &reason,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return MarketExpired, nil
}

// AcceptOffer is a provider answering a marketplace wave. The attempt must
// belong to the current search; stale attempts from before a schedule edit
// are rejected.
func (s *Service) AcceptOffer(ctx context.Context, jobID, providerID types.ID) (*Job, string, error) {
	if jobID == "" || providerID == "" {
		return nil, "", ErrBadRequest
	}
	now := time.Now().UTC()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, "", err
	}
	if j.Mode != ModeScheduled {
		return nil, "", &ConflictError{Code: CodeInvalidModeMarketplace}
	}
	if j.Status == StatusAssigned {
		return nil, "", &ConflictError{Code: CodeJobAlreadyAssigned}
	}
	if j.Status == StatusPendingClient {
		if j.SelectedProviderID != nil && *j.SelectedProviderID == providerID {
			return j, CodeAlreadyAcceptedWaiting, nil
		}
		return nil, "", &ConflictError{Code: CodeJobAlreadyAssigned}
	}
	if j.Status != StatusWaitingProviders {
		return nil, "", &ConflictError{Code: CodeInvalidStatusForAccept}
	}
	if j.MarketplaceSearchStartedAt == nil {
		return nil, "", &ConflictError{Code: CodeSearchNotStarted}
	}
	if now.Sub(*j.MarketplaceSearchStartedAt) > MarketplaceSearchTimeout {
		return nil, "", &ConflictError{Code: CodeSearchTimeout}
	}
	attemptAt, err := s.store.LatestAttemptAtTx(ctx, tx, j.ID, providerID)
	if err != nil {
		return nil, "", err
	}
	if attemptAt == nil {
		return nil, "", &ConflictError{Code: CodeAttemptNotFound}
	}
	if attemptAt.Before(*j.MarketplaceSearchStartedAt) {
		return nil, "", &ConflictError{Code: CodeStaleAttempt}
	}

	from := j.Status
	j.Status = StatusPendingClient
	j.SelectedProviderID = &providerID
	j.ClientConfirmationStartedAt = &now
	j.NextMarketplaceAlertAt = nil
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return nil, "", err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: from, ToStatus: StatusPendingClient,
		ActorType: "provider", ActorID: &providerID,
	}); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}
	s.publisher.Publish(ctx, notify.Event{
		Type: notify.EventClientDecision, JobID: j.ID,
		ProviderID: providerID, ClientID: j.ClientID,
		Detail: map[string]string{"action": "confirm_provider"},
	})
	return j, "accepted_waiting_client", nil
}

// ProcessClientConfirmationTimeout rolls an unanswered confirmation back into
// the search, or parks the job on the client when the search itself has also
// timed out.
func (s *Service) ProcessClientConfirmationTimeout(ctx context.Context, jobID types.ID, now time.Time) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusPendingClient {
		return tx.Commit(ctx)
	}
	if j.ClientConfirmationStartedAt == nil ||
		now.Sub(*j.ClientConfirmationStartedAt) < ClientConfirmationWindow {
		return tx.Commit(ctx)
	}

	from := j.Status
	j.SelectedProviderID = nil
	j.ClientConfirmationStartedAt = nil
	reason := "client_confirmation_timeout"

	searchTimedOut := j.MarketplaceSearchStartedAt != nil &&
		now.Sub(*j.MarketplaceSearchStartedAt) > MarketplaceSearchTimeout
	if searchTimedOut {
		j.Status = StatusPendingClientDecide
		j.NextMarketplaceAlertAt = nil
	} else {
		j.Status = StatusWaitingProviders
		t := now
		j.NextMarketplaceAlertAt = &t
	}
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: from, ToStatus: j.Status,
		ActorType: "system", Reason: &reason,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConfirmProvider is the client accepting a marketplace offer inside the
// confirmation window; it activates the assignment and opens the tickets.
func (s *Service) ConfirmProvider(ctx context.Context, jobID, clientID types.ID) (*Job, error) {
	if jobID == "" || clientID == "" {
		return nil, ErrBadRequest
	}
	now := time.Now().UTC()

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
	if j.Status == StatusAssigned {
		return j, nil
	}
	if j.Status != StatusPendingClient {
		return nil, &ConflictError{Code: string(j.Status)}
	}
	if j.SelectedProviderID == nil {
		return nil, &ConflictError{Code: CodeMissingSelectedProvider}
	}
	if j.ClientConfirmationStartedAt != nil &&
		now.Sub(*j.ClientConfirmationStartedAt) > ClientConfirmationWindow {
		return nil, &ConflictError{Code: CodeConfirmationTimeout}
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

	// the search is over; drop its bookkeeping
	j, err = s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	j.ClientConfirmationStartedAt = nil
	j.NextMarketplaceAlertAt = nil
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
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

type ClientDecisionCommand struct {
	JobID    types.ID
	ClientID types.ID
	Action   string
	// NewScheduledAt is required for edit_schedule_date.
	NewScheduledAt *time.Time
}

// ClientDecision executes one of the client's options when a search stalls:
// extend the search, move the date, switch to urgent, or cancel.
func (s *Service) ClientDecision(ctx context.Context, cmd ClientDecisionCommand) (*Job, error) {
	if cmd.JobID == "" || cmd.ClientID == "" {
		return nil, ErrBadRequest
	}
	now := time.Now().UTC()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if j.ClientID != cmd.ClientID {
		return nil, ErrClientNotAllowed
	}
	if j.Mode != ModeScheduled && cmd.Action != "switch_to_urgent" && cmd.Action != "cancel_job" {
		return nil, &ConflictError{Code: CodeInvalidModeMarketplace}
	}

	from := j.Status
	var reason string
	switch cmd.Action {
	case "extend_search_24h":
		if j.Status != StatusPendingClientDecide {
			return nil, &ConflictError{Code: CodeInvalidStatusForExtend}
		}
		if j.ScheduledAt == nil || j.ScheduledAt.Sub(now) < MarketplaceMinLead {
			return nil, &ConflictError{Code: CodeScheduleLessThan24h}
		}
		j.Status = StatusWaitingProviders
		t := now
		j.MarketplaceSearchStartedAt = &t
		j.NextMarketplaceAlertAt = &t
		reason = "extend_search_24h"

	case "edit_schedule_date":
		switch j.Status {
		case StatusPendingClientDecide, StatusPosted, StatusWaitingProviders:
		default:
			return nil, &ConflictError{Code: CodeInvalidStatusForEdit}
		}
		if cmd.NewScheduledAt == nil || !cmd.NewScheduledAt.After(now) {
			return nil, &ConflictError{Code: CodeInvalidScheduledDate}
		}
		if cmd.NewScheduledAt.Sub(now) < MarketplaceMinLead {
			return nil, &ConflictError{Code: CodeScheduleLessThan24h}
		}
		j.Status = StatusWaitingProviders
		sched := cmd.NewScheduledAt.UTC()
		j.ScheduledAt = &sched
		exp := sched.Add(-MarketplaceExpireBuffer)
		j.MarketplaceExpiresAt = &exp
		t := now
		j.MarketplaceSearchStartedAt = &t
		j.NextMarketplaceAlertAt = &t
		j.MarketplaceAttempts = 0
		reason = "edit_schedule_date"

	case "switch_to_urgent":
		if j.Status != StatusPendingClientDecide {
			return nil, &ConflictError{Code: CodeInvalidStatusForUrgent}
		}
		j.Mode = ModeOnDemand
		j.IsASAP = true
		j.Status = StatusPosted
		j.ScheduledAt = nil
		j.MarketplaceSearchStartedAt = nil
		j.NextMarketplaceAlertAt = nil
		j.MarketplaceExpiresAt = nil
		j.MarketplaceAttempts = 0
		j.SelectedProviderID = nil
		j.ClientConfirmationStartedAt = nil
		t := now
		j.NextAlertAt = &t
		j.AlertAttempts = 0
		reason = "switch_to_urgent"

	case "cancel_job":
		switch j.Status {
		case StatusPendingClientDecide, StatusPendingClient:
		default:
			return nil, &ConflictError{Code: CodeInvalidStatusForCancel}
		}
		j.Status = StatusCancelled
		j.SelectedProviderID = nil
		j.ClientConfirmationStartedAt = nil
		j.NextMarketplaceAlertAt = nil
		r := "client_decision"
		j.CancelReason = &r
		reason = "cancel_job"

	default:
		return nil, &ConflictError{Code: CodeInvalidAction}
	}

	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: from, ToStatus: j.Status,
		ActorType: "client", ActorID: &cmd.ClientID, Reason: &reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}
