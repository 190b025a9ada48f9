package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/janmaj/srds-przychodnia/internal/model"
)

// RedisStore keeps the scheduler state in plain redis keys. Multi-key writes
// go through a non-transactional pipeline so the backend behaves like the
// sqlite store: every write is an independent upsert.
//
// Layout (prefix omitted):
//
//	request:{id}            json request
//	pending:{category}      zset of request ids scored by urgency then age
//	resources:{category}    hash id -> json resource
//	schedule:{res}:{day}    hash "HH:MM" -> json booking
//	days:{res}              zset of booked days scored by unix time
//	booked:{id}             json of the last booking written for a request
//	claim:{id}              json claim
//	claims                  set of claimed request ids
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "clinic",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, opt *redis.Options, opts ...RedisOption) (*RedisStore, error) {
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("ping", err)
	}
	return NewRedisStore(rdb, opts...), nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func queueScore(req model.Request) float64 {
	return float64(req.Urgency)*1e13 + float64(req.SubmittedAt.UnixMilli())
}

func (s *RedisStore) InsertRequest(ctx context.Context, req model.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.key("request", req.ID), b, 0)
	pipe.ZAdd(ctx, s.key("pending", req.Category), redis.Z{Score: queueScore(req), Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("insert request", err)
	}
	return nil
}

func (s *RedisStore) DeleteRequest(ctx context.Context, req model.Request) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, s.key("pending", req.Category), req.ID)
	pipe.Del(ctx, s.key("request", req.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete request", err)
	}
	return nil
}

func (s *RedisStore) SelectRequest(ctx context.Context, requestID string) (*model.Request, error) {
	raw, err := s.rdb.Get(ctx, s.key("request", requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select request", err)
	}
	var r model.Request
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RedisStore) SelectPendingRequests(ctx context.Context, category string, limit int) ([]model.Request, error) {
	stop := int64(limit - 1)
	if limit <= 0 {
		stop = -1
	}
	ids, err := s.rdb.ZRange(ctx, s.key("pending", category), 0, stop).Result()
	if err != nil {
		return nil, unavailable("select pending", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("request", id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("select pending", err)
	}
	out := make([]model.Request, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry whose body is already gone
			continue
		}
		var r model.Request
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) InsertResource(ctx context.Context, res model.Resource) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.key("resources", res.Category), res.ID, b).Err(); err != nil {
		return unavailable("insert resource", err)
	}
	return nil
}

func (s *RedisStore) SelectResourcesByCategory(ctx context.Context, category string) ([]model.Resource, error) {
	m, err := s.rdb.HGetAll(ctx, s.key("resources", category)).Result()
	if err != nil {
		return nil, unavailable("select resources", err)
	}
	out := make([]model.Resource, 0, len(m))
	for _, raw := range m {
		var r model.Resource
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) scheduleKey(resourceID string, day time.Time) string {
	return s.key("schedule", resourceID, model.Day(day).Format(model.DateLayout))
}

func (s *RedisStore) writeBooking(ctx context.Context, op string, b model.Booking) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	day := model.Day(b.Date)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, s.scheduleKey(b.ResourceID, day), b.Slot.String(), raw)
	pipe.ZAdd(ctx, s.key("days", b.ResourceID), redis.Z{Score: float64(day.Unix()), Member: day.Format(model.DateLayout)})
	pipe.Set(ctx, s.key("booked", b.RequestID), raw, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *RedisStore) InsertBooking(ctx context.Context, b model.Booking) error {
	return s.writeBooking(ctx, "insert booking", b)
}

func (s *RedisStore) UpdateBooking(ctx context.Context, b model.Booking) error {
	return s.writeBooking(ctx, "update booking", b)
}

func (s *RedisStore) SelectDaySchedule(ctx context.Context, resourceID string, day time.Time) ([]model.Booking, error) {
	m, err := s.rdb.HGetAll(ctx, s.scheduleKey(resourceID, day)).Result()
	if err != nil {
		return nil, unavailable("select day schedule", err)
	}
	out := make([]model.Booking, 0, len(m))
	for _, raw := range m {
		var b model.Booking
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *RedisStore) SelectLatestBooking(ctx context.Context, resourceID string) (*model.Booking, error) {
	days, err := s.rdb.ZRevRange(ctx, s.key("days", resourceID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("select latest booking", err)
	}
	for _, d := range days {
		day, err := model.ParseDate(d)
		if err != nil {
			return nil, err
		}
		sched, err := s.SelectDaySchedule(ctx, resourceID, day)
		if err != nil {
			return nil, err
		}
		if len(sched) > 0 {
			latest := sched[len(sched)-1]
			return &latest, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) SelectSlot(ctx context.Context, resourceID string, day time.Time, slot model.Clock) (*model.Booking, error) {
	raw, err := s.rdb.HGet(ctx, s.scheduleKey(resourceID, day), slot.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select slot", err)
	}
	var b model.Booking
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SelectBookingByRequest follows the request's last written booking and
// returns it only if that slot still holds the request.
func (s *RedisStore) SelectBookingByRequest(ctx context.Context, requestID string) (*model.Booking, error) {
	raw, err := s.rdb.Get(ctx, s.key("booked", requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select booking by request", err)
	}
	var last model.Booking
	if err := json.Unmarshal([]byte(raw), &last); err != nil {
		return nil, err
	}
	cur, err := s.SelectSlot(ctx, last.ResourceID, last.Date, last.Slot)
	if err != nil || cur == nil || cur.RequestID != requestID {
		return nil, err
	}
	return cur, nil
}

func (s *RedisStore) UpsertClaim(ctx context.Context, c model.Claim) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.key("claim", c.RequestID), raw, 0)
	pipe.SAdd(ctx, s.key("claims"), c.RequestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("upsert claim", err)
	}
	return nil
}

func (s *RedisStore) SelectClaim(ctx context.Context, requestID string) (*model.Claim, error) {
	raw, err := s.rdb.Get(ctx, s.key("claim", requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select claim", err)
	}
	var c model.Claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) DeleteClaim(ctx context.Context, requestID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, s.key("claim", requestID))
	pipe.SRem(ctx, s.key("claims"), requestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete claim", err)
	}
	return nil
}

func (s *RedisStore) SelectClaims(ctx context.Context) ([]model.Claim, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("claims")).Result()
	if err != nil {
		return nil, unavailable("select claims", err)
	}
	out := make([]model.Claim, 0, len(ids))
	for _, id := range ids {
		c, err := s.SelectClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out, nil
}
