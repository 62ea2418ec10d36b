// Package events carries appointment lifecycle events from the request path
// to the message broker through a transactional outbox table.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	AppointmentBooked    = "appointment.booked"
	AppointmentUpdated   = "appointment.updated"
	AppointmentCancelled = "appointment.cancelled"
	AppointmentDeleted   = "appointment.deleted"
)

// Event is one row of outbox_events.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"event_type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// New builds an event with a JSON-encoded payload.
func New(eventType string, aggregateID uuid.UUID, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     body,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Enqueuer writes events to the outbox. Implementations join the
// transaction carried by ctx so the event commits with the business row.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *Event) error
}

// EnqueuerFunc adapts a function to Enqueuer.
type EnqueuerFunc func(ctx context.Context, e *Event) error

func (f EnqueuerFunc) Enqueue(ctx context.Context, e *Event) error { return f(ctx, e) }

// Discard drops every event. Used when no outbox is configured.
var Discard Enqueuer = EnqueuerFunc(func(context.Context, *Event) error { return nil })
