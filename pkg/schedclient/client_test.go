package schedclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWithRetry_SucceedsAfterUnavailable(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/requests" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt32(&calls, 1)

		w.Header().Set("Content-Type", "application/json")
		// First 2 calls: store unavailable
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"storage unavailable"}`))
			return
		}

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"id": "r-1",
			"category": "general",
			"urgency": 1,
			"requester": {"first_name": "Anna", "last_name": "Kowalska"},
			"submitted_at": "2024-03-01T12:00:00Z"
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, &http.Client{Timeout: 2 * time.Second})

	req, err := c.SubmitWithRetry(context.Background(), Submission{
		Category: "general", Urgency: 1, FirstName: "Anna", LastName: "Kowalska",
	}, RetryOptions{
		MaxRetries:   10,
		MaxTotalWait: 1 * time.Second,
		MinRetry:     5 * time.Millisecond,
		MaxRetry:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if req.ID != "r-1" || req.Requester.LastName != "Kowalska" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestSubmitWithRetry_DoesNotRetryBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unknown category"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.SubmitWithRetry(context.Background(), Submission{
		Category: "dermatology", Urgency: 2, FirstName: "A", LastName: "B",
	}, RetryOptions{MinRetry: time.Millisecond})

	var use *UnexpectedStatusError
	if !errors.As(err, &use) || use.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestSubmitOnce_RejectsInvalidUrgency(t *testing.T) {
	c := New("http://127.0.0.1:0", nil)
	if _, err := c.SubmitOnce(context.Background(), Submission{Category: "general", Urgency: 4, FirstName: "A", LastName: "B"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWaitBooked_ReturnsOnceRequestLeavesQueue(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/requests/r-7" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&polls, 1) < 3 {
			w.Write([]byte(`{"id":"r-7"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not pending"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.WaitBooked(ctx, "r-7", WaitOptions{Interval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("expected booked, got %v", err)
	}
	if got := atomic.LoadInt32(&polls); got != 3 {
		t.Fatalf("expected 3 polls, got %d", got)
	}
}

func TestWaitBooked_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"r-8"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := c.WaitBooked(ctx, "r-8", WaitOptions{Interval: 5 * time.Millisecond}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSchedule_DecodesBookings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/resources/1/schedule" || r.URL.Query().Get("date") != "2024-03-02" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"resource_id": "1",
			"date": "2024-03-02",
			"bookings": [{"resource_id":"1","date":"2024-03-02T00:00:00Z","slot":"08:00","request_id":"a","urgency":2}]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	s, err := c.Schedule(context.Background(), "1", time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(s.Bookings) != 1 || s.Bookings[0].Slot != "08:00" || s.Bookings[0].RequestID != "a" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
}
