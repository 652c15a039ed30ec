// README: On-demand broadcast engine: the periodic tick that alerts nearby
// providers about open urgent jobs until one takes the work or the job
// expires.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"housecall/internal/notify"
	"housecall/internal/types"
)

// Tick outcomes. Stable strings; they land in logs and audit events.
const (
	TickNotEligible      = "job_not_eligible"
	TickAlreadyDispatch  = "already_dispatched"
	TickWaitRetryWindow  = "already_scheduled_wait_retry_window"
	TickExpired          = "expired_max_attempts"
	TickScheduled        = "scheduled"
	TickScheduleFnFailed = "schedule_fn_failed"
)

// ErrRetriableTick marks outcomes a later tick should try again.
var ErrRetriableTick = errors.New("retriable tick failure")

type OnDemandTickStats struct {
	Due        int
	Dispatched int
	Expired    int
	Skipped    int
	Failed     int
}

// TickOnDemand drives one sweep of the on-demand pipeline: release expired
// urgent holds, then process every due job in isolation so one bad job never
// stalls the rest.
func (s *Service) TickOnDemand(ctx context.Context, now time.Time, limit int) (OnDemandTickStats, error) {
	var stats OnDemandTickStats

	released, err := s.ReleaseExpiredHolds(ctx, now)
	if err != nil {
		log.Printf("on-demand tick: release holds: %v", err)
	} else if released > 0 {
		log.Printf("on-demand tick: released %d expired holds", released)
	}

	ids, err := s.store.DueOnDemandJobIDs(ctx, now, limit)
	if err != nil {
		return stats, err
	}
	stats.Due = len(ids)
	for _, id := range ids {
		outcome, err := s.ProcessOnDemandJob(ctx, id, now)
		switch {
		case err != nil:
			stats.Failed++
			log.Printf("on-demand tick: job %s: %s: %v", id, outcome, err)
		case outcome == TickScheduled:
			stats.Dispatched++
		case outcome == TickExpired:
			stats.Expired++
		default:
			stats.Skipped++
		}
	}
	log.Printf("on-demand tick: due=%d dispatched=%d expired=%d skipped=%d failed=%d",
		stats.Due, stats.Dispatched, stats.Expired, stats.Skipped, stats.Failed)
	return stats, nil
}

// ProcessOnDemandJob runs one broadcast tick for a single job. The state
// update commits before the provider fan-out, and the dispatch marker flips
// only after the fan-out succeeds, so a crashed tick is retried rather than
// lost.
func (s *Service) ProcessOnDemandJob(ctx context.Context, jobID types.ID, now time.Time) (outcome string, err error) {
	defer func() {
		if auditErr := s.store.RecordTick(context.WithoutCancel(ctx), jobID); auditErr != nil {
			log.Printf("on-demand tick: job %s: record tick: %v", jobID, auditErr)
		}
	}()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	j, err := s.store.GetForUpdateTx(ctx, tx, jobID)
	if err != nil {
		return "", err
	}
	if j.Status != StatusPosted || j.Mode != ModeOnDemand {
		return TickNotEligible, nil
	}
	if j.HoldProviderID != nil && j.HoldExpiresAt != nil && j.HoldExpiresAt.After(now) {
		return TickNotEligible, nil
	}
	// the scheduled/dispatched pair guards one wave window: inside the
	// window a dispatched wave is done and an undispatched one is someone
	// else's retry; past the window the markers reset for the next wave
	if j.OnDemandTickScheduledAt != nil && now.Sub(*j.OnDemandTickScheduledAt) < RetryAfter {
		if j.OnDemandTickDispatchedAt != nil {
			return TickAlreadyDispatch, nil
		}
		return TickWaitRetryWindow, nil
	}
	t := now
	j.OnDemandTickScheduledAt = &t
	j.OnDemandTickDispatchedAt = nil

	if j.AlertAttempts >= MaxAlertAttempts {
		from := j.Status
		j.Status = StatusExpired
		j.NextAlertAt = nil
		if err := s.store.UpdateTx(ctx, tx, j); err != nil {
			return "", err
		}
		reason := TickExpired
		if err := s.store.AppendEventTx(ctx, tx, &Event{
			JobID: j.ID, FromStatus: from, ToStatus: StatusExpired,
			ActorType: "system", Reason: &reason,
		}); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return TickExpired, nil
	}

	if j.NextAlertAt == nil || !j.NextAlertAt.After(now) {
		next := now.Add(NextAlertDelay)
		j.NextAlertAt = &next
		j.AlertAttempts++
	}
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	if err := s.broadcastWave(ctx, j, now); err != nil {
		return TickScheduleFnFailed, fmt.Errorf("%w: %v", ErrRetriableTick, err)
	}

	mtx, err := s.store.Begin(ctx)
	if err != nil {
		return TickScheduled, err
	}
	defer mtx.Rollback(ctx)
	if _, err := s.store.MarkDispatchedTx(ctx, mtx, j.ID, now); err != nil {
		return TickScheduled, err
	}
	if err := mtx.Commit(ctx); err != nil {
		return TickScheduled, err
	}
	return TickScheduled, nil
}

// broadcastWave contacts the ranked candidate pool for one alert attempt.
// Providers reached within the cooldown window sit this wave out.
func (s *Service) broadcastWave(ctx context.Context, j *Job, now time.Time) error {
	candidates, err := s.rankedCandidates(ctx, j, MarketplaceBatchSize*3)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.Printf("broadcast: job %s: no candidates", j.ID)
		return nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	wave := j.AlertAttempts
	contacted := make([]types.ID, 0, MarketplaceBatchSize)
	for _, pid := range candidates {
		if len(contacted) >= MarketplaceBatchSize {
			break
		}
		last, err := s.store.LatestAttemptAtTx(ctx, tx, j.ID, pid)
		if err != nil {
			return err
		}
		if last != nil && now.Sub(*last) < BroadcastCooldown {
			continue
		}
		created, err := s.store.InsertBroadcastAttemptTx(ctx, tx, j.ID, pid, wave)
		if err != nil {
			return err
		}
		if !created {
			continue
		}
		contacted = append(contacted, pid)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, pid := range contacted {
		detail := map[string]string{"wave": fmt.Sprintf("%d", wave)}
		if eta := s.travelEstimate(ctx, pid, j); eta != "" {
			detail["eta"] = eta
		}
		s.publisher.Publish(ctx, notify.Event{
			Type: notify.EventJobBroadcast, JobID: j.ID,
			ProviderID: pid, ClientID: j.ClientID, Detail: detail,
		})
	}
	log.Printf("broadcast: job %s wave %d contacted %d providers", j.ID, wave, len(contacted))
	return nil
}

// rankedCandidates asks the geo pool for providers near the job site and
// keeps only those eligible to take more work.
func (s *Service) rankedCandidates(ctx context.Context, j *Job, limit int) ([]types.ID, error) {
	if s.candidates == nil || j.Lat == nil || j.Lng == nil {
		return nil, nil
	}
	ranked, err := s.candidates.Nearby(ctx, types.Point{Lat: *j.Lat, Lng: *j.Lng}, limit)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	eligible, err := s.store.EligibleProviders(ctx, ranked, MaxActiveJobs)
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, 0, len(ranked))
	for _, id := range ranked {
		if eligible[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// CandidateLocator is the optional half of a CandidateFinder that can report
// a provider's last known position.
type CandidateLocator interface {
	Location(ctx context.Context, providerID types.ID) (types.Point, bool, error)
}

// travelEstimate is best-effort; a missing estimator, an unknown provider
// position, or a failed lookup just drops the ETA from the notification.
func (s *Service) travelEstimate(ctx context.Context, providerID types.ID, j *Job) string {
	loc, ok := s.candidates.(CandidateLocator)
	if !ok || s.routes == nil || j.Lat == nil || j.Lng == nil {
		return ""
	}
	p, found, err := loc.Location(ctx, providerID)
	if err != nil || !found {
		return ""
	}
	origin := fmt.Sprintf("%f,%f", p.Lat, p.Lng)
	destination := fmt.Sprintf("%f,%f", *j.Lat, *j.Lng)
	dur, text, err := s.routes.TravelEstimate(ctx, origin, destination)
	if err != nil {
		log.Printf("broadcast: job %s: travel estimate: %v", j.ID, err)
		return ""
	}
	if text != "" {
		return text
	}
	return dur.Round(time.Minute).String()
}
