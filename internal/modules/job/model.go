// README: Job aggregate, status definitions, and the transition table.
package job

import (
	"time"

	"housecall/internal/modules/pricing"
	"housecall/internal/types"
)

type Status string

const (
	StatusNone                Status = "none"
	StatusDraft               Status = "draft"
	StatusPosted              Status = "posted"
	StatusPendingProvider     Status = "pending_provider_confirmation"
	StatusPendingClient       Status = "pending_client_confirmation"
	StatusWaitingProviders    Status = "waiting_provider_response"
	StatusPendingClientDecide Status = "pending_client_decision"
	StatusHold                Status = "hold"
	StatusAssigned            Status = "assigned"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusConfirmed           Status = "confirmed"
	StatusCancelled           Status = "cancelled"
	StatusExpired             Status = "expired"
)

type Mode string

const (
	ModeOnDemand  Mode = "on_demand"
	ModeScheduled Mode = "scheduled"
)

// AllowedTransitions represents the job state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusDraft:               {StatusPosted, StatusCancelled},
	StatusPosted:              {StatusPendingProvider, StatusWaitingProviders, StatusHold, StatusAssigned, StatusCancelled, StatusExpired},
	StatusPendingProvider:     {StatusPendingClient, StatusPosted, StatusCancelled, StatusExpired},
	StatusPendingClient:       {StatusAssigned, StatusWaitingProviders, StatusPendingClientDecide, StatusCancelled},
	StatusWaitingProviders:    {StatusPendingClient, StatusPendingClientDecide, StatusCancelled, StatusExpired},
	StatusPendingClientDecide: {StatusWaitingProviders, StatusPosted, StatusCancelled, StatusExpired},
	StatusHold:                {StatusPendingClient, StatusPosted, StatusCancelled},
	StatusAssigned:            {StatusInProgress, StatusCancelled},
	StatusInProgress:          {StatusCompleted, StatusCancelled},
	StatusCompleted:           {StatusConfirmed, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func Terminal(s Status) bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Job struct {
	ID                 types.ID
	Status             Status
	Mode               Mode
	IsASAP             bool
	ClientID           types.ID
	SelectedProviderID *types.ID
	ServiceType        string
	Address            string
	City               string
	RegionCode         string
	Lat                *float64
	Lng                *float64
	ScheduledAt        *time.Time

	HoldProviderID *types.ID
	HoldExpiresAt  *time.Time

	QuotedBaseCents  *int64
	QuotedFeeType    *string
	QuotedFeeValue   *int64
	QuotedTotalCents *int64

	MarketplaceSearchStartedAt  *time.Time
	NextMarketplaceAlertAt      *time.Time
	MarketplaceAttempts         int
	MarketplaceExpiresAt        *time.Time
	ClientConfirmationStartedAt *time.Time

	NextAlertAt              *time.Time
	AlertAttempts            int
	TickAttempts             int
	OnDemandTickScheduledAt  *time.Time
	OnDemandTickDispatchedAt *time.Time

	CancelReason *string
	CompletedAt  *time.Time
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (j *Job) QuotedUrgentFeeType() pricing.UrgentFeeType {
	if j.QuotedFeeType == nil {
		return pricing.UrgentFeeNone
	}
	return pricing.UrgentFeeType(*j.QuotedFeeType)
}

type Event struct {
	ID         int64
	JobID      types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	Reason     *string
	CreatedAt  time.Time
}

// BroadcastAttempt records one (job, provider) contact; unique per pair.
type BroadcastAttempt struct {
	ID         int64
	JobID      types.ID
	ProviderID types.ID
	Wave       int
	CreatedAt  time.Time
}

const (
	// on-demand broadcast
	RetryAfter        = 5 * time.Minute
	NextAlertDelay    = 2 * time.Minute
	BroadcastCooldown = 10 * time.Minute
	MaxAlertAttempts  = 10
	MaxActiveJobs     = 3

	// marketplace search
	MarketplaceBatchSize     = 10
	MarketplaceRetryInterval = 3 * time.Hour
	MarketplaceMinLead       = 24 * time.Hour
	MarketplaceExpireBuffer  = 6 * time.Hour
	MarketplaceSearchTimeout = 24 * time.Hour
	MarketplaceMaxAttempts   = 6
	ClientConfirmationWindow = 60 * time.Minute

	// urgent holds and closing
	HoldDuration       = 3 * time.Minute
	AutoConfirmTimeout = 72 * time.Hour
	// a scheduled date closer than this collapses to on-demand ASAP
	ASAPWindow = 48 * time.Hour
)
