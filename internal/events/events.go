// Package events announces booking changes to interested parties.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
)

const (
	TypeBooked    = "appointment.booked"
	TypeRelocated = "appointment.relocated"
)

type Event struct {
	Type     string         `json:"type"`
	Category string         `json:"category"`
	Booking  model.Booking  `json:"booking"`
	Previous *model.Booking `json:"previous,omitempty"` // set for relocations
	WorkerID string         `json:"worker_id"`
	At       time.Time      `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
