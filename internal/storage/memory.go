package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
)

// MemoryStore is an in-process Store. With a non-zero lag every write only
// becomes visible to readers after the lag has passed, which is how the
// scheduler tests reproduce eventual consistency.
type MemoryStore struct {
	mu  sync.Mutex
	lag time.Duration
	now func() time.Time

	requests  *table[string, model.Request]
	resources *table[string, model.Resource]
	bookings  *table[slotKey, model.Booking]
	claims    *table[string, model.Claim]
}

var _ Store = (*MemoryStore)(nil)

type slotKey struct {
	resourceID string
	day        string
	slot       model.Clock
}

func keyOf(b model.Booking) slotKey {
	return slotKey{resourceID: b.ResourceID, day: model.Day(b.Date).Format(model.DateLayout), slot: b.Slot}
}

type MemoryOption func(*MemoryStore)

// WithLag delays the visibility of every write.
func WithLag(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lag = d }
}

func WithNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:       time.Now,
		requests:  newTable[string, model.Request](),
		resources: newTable[string, model.Resource](),
		bookings:  newTable[slotKey, model.Booking](),
		claims:    newTable[string, model.Claim](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

// visibleAt is the moment a write issued now becomes readable.
func (s *MemoryStore) visibleAt() time.Time {
	return s.now().Add(s.lag)
}

func (s *MemoryStore) InsertRequest(_ context.Context, req model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests.put(req.ID, req, s.visibleAt())
	return nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, req model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests.remove(req.ID, s.visibleAt())
	return nil
}

func (s *MemoryStore) SelectRequest(_ context.Context, requestID string) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests.get(requestID, s.now())
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) SelectPendingRequests(_ context.Context, category string, limit int) ([]model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Request
	s.requests.scan(s.now(), func(_ string, r model.Request) {
		if r.Category == category {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Urgency != b.Urgency {
			return a.Urgency < b.Urgency
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertResource(_ context.Context, res model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources.put(res.ID, res, s.visibleAt())
	return nil
}

func (s *MemoryStore) SelectResourcesByCategory(_ context.Context, category string) ([]model.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Resource
	s.resources.scan(s.now(), func(_ string, r model.Resource) {
		if r.Category == category {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertBooking(_ context.Context, b model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Date = model.Day(b.Date)
	s.bookings.put(keyOf(b), b, s.visibleAt())
	return nil
}

func (s *MemoryStore) UpdateBooking(ctx context.Context, b model.Booking) error {
	return s.InsertBooking(ctx, b)
}

func (s *MemoryStore) SelectLatestBooking(_ context.Context, resourceID string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Booking
	s.bookings.scan(s.now(), func(_ slotKey, b model.Booking) {
		if b.ResourceID != resourceID {
			return
		}
		if latest == nil || b.Start().After(latest.Start()) {
			b := b
			latest = &b
		}
	})
	return latest, nil
}

func (s *MemoryStore) SelectDaySchedule(_ context.Context, resourceID string, day time.Time) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := model.Day(day).Format(model.DateLayout)
	var out []model.Booking
	s.bookings.scan(s.now(), func(k slotKey, b model.Booking) {
		if k.resourceID == resourceID && k.day == want {
			out = append(out, b)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *MemoryStore) SelectSlot(_ context.Context, resourceID string, day time.Time, slot model.Clock) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := slotKey{resourceID: resourceID, day: model.Day(day).Format(model.DateLayout), slot: slot}
	b, ok := s.bookings.get(k, s.now())
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryStore) SelectBookingByRequest(_ context.Context, requestID string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first *model.Booking
	s.bookings.scan(s.now(), func(_ slotKey, b model.Booking) {
		if b.RequestID != requestID {
			return
		}
		if first == nil || b.Start().Before(first.Start()) {
			b := b
			first = &b
		}
	})
	return first, nil
}

func (s *MemoryStore) UpsertClaim(_ context.Context, c model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims.put(c.RequestID, c, s.visibleAt())
	return nil
}

func (s *MemoryStore) SelectClaim(_ context.Context, requestID string) (*model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims.get(requestID, s.now())
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) DeleteClaim(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims.remove(requestID, s.visibleAt())
	return nil
}

func (s *MemoryStore) SelectClaims(_ context.Context) ([]model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Claim
	s.claims.scan(s.now(), func(_ string, c model.Claim) { out = append(out, c) })
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out, nil
}

// table keeps, per key, the writes that are not yet superseded by a visible
// newer write. Versions are appended in write order.
type table[K comparable, T any] struct {
	rows map[K][]version[T]
}

type version[T any] struct {
	val       T
	deleted   bool
	visibleAt time.Time
}

func newTable[K comparable, T any]() *table[K, T] {
	return &table[K, T]{rows: make(map[K][]version[T])}
}

func (t *table[K, T]) put(k K, v T, at time.Time) {
	t.rows[k] = append(t.rows[k], version[T]{val: v, visibleAt: at})
}

func (t *table[K, T]) remove(k K, at time.Time) {
	t.rows[k] = append(t.rows[k], version[T]{deleted: true, visibleAt: at})
}

// get returns the newest visible version and drops the ones it supersedes.
func (t *table[K, T]) get(k K, now time.Time) (T, bool) {
	var zero T
	vs := t.rows[k]
	idx := -1
	for i := len(vs) - 1; i >= 0; i-- {
		if !vs[i].visibleAt.After(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return zero, false
	}
	if idx > 0 {
		vs = vs[idx:]
		t.rows[k] = vs
	}
	if vs[0].deleted {
		if len(vs) == 1 {
			delete(t.rows, k)
		}
		return zero, false
	}
	return vs[0].val, true
}

func (t *table[K, T]) scan(now time.Time, fn func(K, T)) {
	keys := make([]K, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if v, ok := t.get(k, now); ok {
			fn(k, v)
		}
	}
}
