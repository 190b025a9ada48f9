package model

import (
	"fmt"
	"time"
)

// Urgency classes. Lower values are more urgent.
const (
	UrgencyCritical = 1
	UrgencyUrgent   = 2
	UrgencyRoutine  = 3

	LowestUrgency = UrgencyRoutine
)

const (
	SlotWidth  = 30 * time.Minute
	TailBuffer = time.Hour // a slot is only handed out if it ends at least this far before closing
)

type Requester struct {
	FirstName string `json:"first_name" yaml:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name"`
}

type Request struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Urgency     int       `json:"urgency"`
	Requester   Requester `json:"requester"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Resource struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	WorkingStart Clock  `json:"working_start"`
	WorkingEnd   Clock  `json:"working_end"`
}

// Opening returns the first slot of the resource on the given day.
func (r Resource) Opening(day time.Time) time.Time {
	return r.WorkingStart.On(day)
}

// Fits reports whether a slot starting at c lies inside working hours.
func (r Resource) Fits(c Clock) bool {
	return c >= r.WorkingStart && c < r.WorkingEnd
}

type Booking struct {
	ResourceID string    `json:"resource_id"`
	Date       time.Time `json:"date"`
	Slot       Clock     `json:"slot"`
	RequestID  string    `json:"request_id"`
	Urgency    int       `json:"urgency"`
	Requester  Requester `json:"requester"`

	// SubmittedAt is carried over from the request so a displaced booking
	// keeps its place in the queue when it has to be scheduled again.
	SubmittedAt time.Time `json:"submitted_at"`
}

func (b Booking) Start() time.Time {
	return b.Slot.On(b.Date)
}

func (b Booking) String() string {
	return fmt.Sprintf("%s@%s %s", b.ResourceID, b.Date.Format(DateLayout), b.Slot)
}

// BookingFor places req at the given resource, day and slot.
func BookingFor(req Request, resourceID string, day time.Time, slot Clock) Booking {
	return Booking{
		ResourceID:  resourceID,
		Date:        Day(day),
		Slot:        slot,
		RequestID:   req.ID,
		Urgency:     req.Urgency,
		Requester:   req.Requester,
		SubmittedAt: req.SubmittedAt,
	}
}

// AsRequest rebuilds the queued request a booking was made for. Used when a
// booking is displaced and has to be placed again.
func (b Booking) AsRequest(category string) Request {
	return Request{
		ID:          b.RequestID,
		Category:    category,
		Urgency:     b.Urgency,
		Requester:   b.Requester,
		SubmittedAt: b.SubmittedAt,
	}
}

type Claim struct {
	RequestID string    `json:"request_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// ValidUrgency reports whether u is one of the known urgency classes.
func ValidUrgency(u int) bool {
	return u >= UrgencyCritical && u <= LowestUrgency
}
