package schedclient

import "time"

// Submission is what a caller sends to enqueue a new appointment request.
type Submission struct {
	Category  string `json:"category"`
	Urgency   int    `json:"urgency"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type Requester struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Request is a pending appointment request as the server reports it.
type Request struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Urgency     int       `json:"urgency"`
	Requester   Requester `json:"requester"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Resource is a doctor. Working hours are "HH:MM" strings.
type Resource struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	WorkingStart string `json:"working_start"`
	WorkingEnd   string `json:"working_end"`
}

type Booking struct {
	ResourceID string    `json:"resource_id"`
	Date       time.Time `json:"date"`
	Slot       string    `json:"slot"`
	RequestID  string    `json:"request_id"`
	Urgency    int       `json:"urgency"`
	Requester  Requester `json:"requester"`
}

// Schedule is one resource's bookings for one day, ordered by slot.
type Schedule struct {
	ResourceID string    `json:"resource_id"`
	Date       string    `json:"date"`
	Bookings   []Booking `json:"bookings"`
}

type ClaimStatus struct {
	RequestID string `json:"request_id"`
	Claimed   bool   `json:"claimed"`
	WorkerID  string `json:"worker_id,omitempty"`
	ClaimedAt string `json:"claimed_at,omitempty"`
}

// RetryOptions controls SubmitWithRetry.
type RetryOptions struct {
	MaxRetries   int           // 0 => default 5
	MaxTotalWait time.Duration // 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // 0 => no jitter
}

// WaitOptions controls WaitBooked polling.
type WaitOptions struct {
	Interval time.Duration // default 200ms
}
