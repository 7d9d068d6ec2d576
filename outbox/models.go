// Package outbox records domain events in the same database transaction as the
// state change that produced them and relays them to the notification
// collaborator after commit.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TopicTransactionStatusChanged = "transaction.status_changed"
	TopicDisputeOpened            = "dispute.opened"
	TopicDisputeResolved          = "dispute.resolved"
)

// Status tracks delivery of an outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Event is a domain event waiting to be written to the outbox.
type Event struct {
	Topic   string
	Payload map[string]any
}

// StatusChanged builds a transaction.status_changed event.
func StatusChanged(transactionID, from, to string) Event {
	return Event{
		Topic: TopicTransactionStatusChanged,
		Payload: map[string]any{
			"id":   transactionID,
			"from": from,
			"to":   to,
		},
	}
}

// DisputeOpened builds a dispute.opened event.
func DisputeOpened(transactionID, disputeID string) Event {
	return Event{
		Topic: TopicDisputeOpened,
		Payload: map[string]any{
			"transactionId": transactionID,
			"disputeId":     disputeID,
		},
	}
}

// DisputeResolved builds a dispute.resolved event.
func DisputeResolved(disputeID, outcome string) Event {
	return Event{
		Topic: TopicDisputeResolved,
		Payload: map[string]any{
			"disputeId": disputeID,
			"outcome":   outcome,
		},
	}
}

// Message represents a stored outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    Status
	Attempts  int
	CreatedAt time.Time
}

// Encode marshals the event payload.
func (e Event) Encode() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal %s payload: %w", e.Topic, err)
	}
	return body, nil
}
