// README: Notification publisher; domain events go out as JSON messages on a durable queue.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"housecall/internal/types"
)

const (
	EventJobBroadcast       = "job.broadcast"
	EventMarketplaceWave    = "job.marketplace_wave"
	EventClientDecision     = "job.client_decision_needed"
	EventJobAssigned        = "job.assigned"
	EventJobAutoConfirmed   = "job.auto_confirmed"
	EventDisputeResolved    = "dispute.resolved"
	EventQualityWarning     = "provider.quality_warning"
	EventSettlementCreated  = "settlement.created"
	EventSettlementPaid     = "settlement.paid"
	EventSettlementReopened = "settlement.reopened"
)

type Event struct {
	Type       string            `json:"type"`
	JobID      types.ID          `json:"job_id,omitempty"`
	ProviderID types.ID          `json:"provider_id,omitempty"`
	ClientID   types.ID          `json:"client_id,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher delivers events to the broker. Publish errors are logged and
// swallowed: notifications are best-effort and never fail the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type QueuePublisher struct {
	ch    *amqp.Channel
	queue string
}

func NewQueuePublisher(ch *amqp.Channel, queue string) *QueuePublisher {
	return &QueuePublisher{ch: ch, queue: queue}
}

func (p *QueuePublisher) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		log.Printf("notify: marshal %s: %v", e.Type, err)
		return
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		log.Printf("notify: publish %s: %v", e.Type, err)
	}
}

// NopPublisher drops all events. Used in tests and when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
