// Package events delivers domain notifications to downstream consumers. Delivery is
// best effort: callers never fail an operation because a notification was lost.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	TypeAppointmentCreated  = "appointment.created"
	TypeLedgerEventAppended = "ledger.event_appended"
	TypeHoldCreated         = "hold.created"
	TypeHoldCancelled       = "hold.cancelled"
	TypeHoldExpired         = "hold.expired"
)

type Event struct {
	Type       string      `json:"type"`
	TenantID   string      `json:"tenant_id"`
	ClinicID   string      `json:"clinic_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

const publishTimeout = 5 * time.Second

// PublishAsync hands e to p on its own goroutine and only logs failures.
func PublishAsync(p Publisher, e Event) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, e); err != nil {
			log.Warn().Err(err).Str("event_type", e.Type).Str("clinic_id", e.ClinicID).Msg("event publish failed")
		}
	}()
}

// LogPublisher writes events to the application log. Used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, e Event) error {
	log.Info().
		Str("event_type", e.Type).
		Str("tenant_id", e.TenantID).
		Str("clinic_id", e.ClinicID).
		Interface("payload", e.Payload).
		Msg("event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
