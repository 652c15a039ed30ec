// README: Urgent hold protocol: a provider reserves an on-demand job for a
// few minutes at a price frozen at hold time, then confirms to put the offer
// in front of the client.
package job

import (
	"context"
	"time"

	"housecall/internal/modules/pricing"
	"housecall/internal/types"
)

const (
	CodeJobOnHold            = "JOB_ON_HOLD"
	CodeHoldExpired          = "HOLD_EXPIRED"
	CodeHoldNotYours         = "HOLD_NOT_YOURS"
	CodeInvalidStatusForHold = "INVALID_STATUS_FOR_HOLD"
)

type HoldResult struct {
	Job        *Job
	TotalCents int64
	FeeCents   int64
	ExpiresAt  time.Time
	Renewed    bool
}

// HoldUrgent places or renews a short exclusive hold on an open on-demand
// job. The urgent price is computed once and frozen on the job so the later
// confirmation cannot drift.
func (s *Service) HoldUrgent(ctx context.Context, jobID, providerID types.ID) (*HoldResult, error) {
	if jobID == "" || providerID == "" {
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
	if j.Mode != ModeOnDemand {
		return nil, &ConflictError{Code: CodeInvalidStatusForHold}
	}
	switch j.Status {
	case StatusPosted, StatusHold:
	default:
		return nil, &ConflictError{Code: CodeInvalidStatusForHold}
	}

	renewed := false
	if j.HoldProviderID != nil && j.HoldExpiresAt != nil && j.HoldExpiresAt.After(now) {
		if *j.HoldProviderID != providerID {
			return nil, &ConflictError{Code: CodeJobOnHold}
		}
		renewed = true
	}
	// an expired hold from anyone is simply replaced

	base := int64(0)
	if j.QuotedBaseCents != nil {
		base = *j.QuotedBaseCents
	}
	feeValue := int64(0)
	if j.QuotedFeeValue != nil {
		feeValue = *j.QuotedFeeValue
	}
	total, fee, err := pricing.ComputeUrgentPrice(base, j.QuotedUrgentFeeType(), feeValue)
	if err != nil {
		return nil, ErrBadRequest
	}

	from := j.Status
	expires := now.Add(HoldDuration)
	j.Status = StatusHold
	j.HoldProviderID = &providerID
	j.HoldExpiresAt = &expires
	j.QuotedTotalCents = &total
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if from != StatusHold {
		reason := "urgent_hold"
		if err := s.store.AppendEventTx(ctx, tx, &Event{
			JobID: j.ID, FromStatus: from, ToStatus: StatusHold,
			ActorType: "provider", ActorID: &providerID, Reason: &reason,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &HoldResult{Job: j, TotalCents: total, FeeCents: fee, ExpiresAt: expires, Renewed: renewed}, nil
}

// ConfirmHold converts a live hold into an offer awaiting the client, at the
// price frozen when the hold was taken.
func (s *Service) ConfirmHold(ctx context.Context, jobID, providerID types.ID) (*Job, error) {
	if jobID == "" || providerID == "" {
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
	if j.Status == StatusPendingClient && j.SelectedProviderID != nil && *j.SelectedProviderID == providerID {
		return j, nil
	}
	if j.Status != StatusHold {
		return nil, &ConflictError{Code: CodeInvalidStatusForHold}
	}
	if j.HoldProviderID == nil || *j.HoldProviderID != providerID {
		return nil, &ConflictError{Code: CodeHoldNotYours}
	}
	if j.HoldExpiresAt == nil || !j.HoldExpiresAt.After(now) {
		return nil, &ConflictError{Code: CodeHoldExpired}
	}

	j.Status = StatusPendingClient
	j.SelectedProviderID = &providerID
	j.ClientConfirmationStartedAt = &now
	j.HoldProviderID = nil
	j.HoldExpiresAt = nil
	if err := s.store.UpdateTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := s.store.AppendEventTx(ctx, tx, &Event{
		JobID: j.ID, FromStatus: StatusHold, ToStatus: StatusPendingClient,
		ActorType: "provider", ActorID: &providerID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// ReleaseExpiredHolds returns lapsed holds to the open pool.
func (s *Service) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	return s.store.ReleaseExpiredHoldsBulk(ctx, now)
}
