// README: Dispute aggregate; one per job, opened by the client after
// completion.
package dispute

import (
	"time"

	"housecall/internal/types"
)

type Status string

const (
	StatusOpen              Status = "open"
	StatusUnderReview       Status = "under_review"
	StatusProviderResponded Status = "provider_responded"
	StatusResolvedClient    Status = "resolved_client"
	StatusResolvedProvider  Status = "resolved_provider"
)

// Active reports whether the dispute still blocks the job and its payout.
func Active(s Status) bool {
	switch s {
	case StatusOpen, StatusUnderReview, StatusProviderResponded:
		return true
	}
	return false
}

type Resolution string

const (
	ResolutionRefund100 Resolution = "refund_100"
	ResolutionNoRefund  Resolution = "no_refund"
)

type Dispute struct {
	ID               types.ID
	JobID            types.ID
	ClientID         types.ID
	ProviderID       types.ID
	Status           Status
	Reason           string
	ProviderResponse *string
	Resolution       *string
	OpenedAt         time.Time
	RespondedAt      *time.Time
	ResolvedAt       *time.Time
}

const (
	// client window after completion to raise a dispute
	OpenWindow = 72 * time.Hour
	// provider window to respond before auto-resolution favors the client
	ResponseWindow = 24 * time.Hour
	// rolling window for the quality policy's lost-dispute count
	QualityLookback = 365 * 24 * time.Hour
)

// RestrictionFor maps a provider's rolling lost-dispute count onto the
// quality policy: a warning first, then marketplace restrictions of
// increasing length.
func RestrictionFor(lost int) (warn bool, restrict time.Duration) {
	switch {
	case lost >= 8:
		return true, 90 * 24 * time.Hour
	case lost >= 6:
		return true, 60 * 24 * time.Hour
	case lost >= 5:
		return true, 30 * 24 * time.Hour
	case lost >= 3:
		return true, 0
	}
	return false, 0
}
