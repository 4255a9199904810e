// Package audit records lifecycle transitions of events and sessions.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EntityEvent   = "event"
	EntitySession = "session"
)

// Transition is one status change of an event or session.
type Transition struct {
	ID       uuid.UUID  `json:"id"`
	Entity   string     `json:"entity"`
	EntityID uuid.UUID  `json:"entityId"`
	EventID  uuid.UUID  `json:"eventId"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Actor    *uuid.UUID `json:"actor,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// Recorder persists transitions. Callers treat failures as non-fatal.
type Recorder interface {
	Record(ctx context.Context, t Transition) error
}

// LogRecorder writes transitions to the log. It is used when no archive bucket is configured.
type LogRecorder struct {
	Logger zerolog.Logger
}

func (r LogRecorder) Record(ctx context.Context, t Transition) error {
	ev := r.Logger.Info().
		Str("transition_id", t.ID.String()).
		Str("entity", t.Entity).
		Str("entity_id", t.EntityID.String()).
		Str("from", t.From).
		Str("to", t.To).
		Time("at", t.At)
	if t.Actor != nil {
		ev = ev.Str("actor", t.Actor.String())
	}
	if t.Reason != "" {
		ev = ev.Str("reason", t.Reason)
	}
	ev.Msg("lifecycle transition")
	return nil
}

// Fill assigns an id and timestamp when they are unset.
func (t *Transition) Fill(now time.Time) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.At.IsZero() {
		t.At = now.UTC()
	}
}
