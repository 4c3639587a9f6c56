// Package event carries session lifecycle notifications to the live monitor
// and to downstream consumers. Publishing is best-effort: it happens after
// the state change committed and never rolls it back.
package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names one lifecycle event. It doubles as the AMQP routing key.
type Type string

const (
	SessionStarted   Type = "session.started"
	SectionSubmitted Type = "section.submitted"
	SessionFinalized Type = "session.finalized"
	ResultsReleased  Type = "results.released"
	AutosaveFailed   Type = "autosave.failed"
)

// Event is the JSON body published for every Type.
type Event struct {
	Type         Type           `json:"type"`
	TestID       uuid.UUID      `json:"test_id"`
	SessionID    *uuid.UUID     `json:"session_id,omitempty"`
	StudentID    int            `json:"student_id"`
	SectionIndex *int           `json:"section_index,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
