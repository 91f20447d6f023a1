package guard

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/y1jeong/perfdesign/apperror"
)

var ErrRateLimited = apperror.RateLimit("RATE_LIMITED", "too many requests, please try again later")

// CounterStore keeps fixed-window counters. Incr adds one to key, starting
// a new window of the given length when none is open, and returns the
// count and the time the current window ends.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)
}

// RateLimiter allows at most Max requests per identity in each window.
type RateLimiter struct {
	store  CounterStore
	max    int64
	window time.Duration
	prefix string
	now    func() time.Time
}

type LimiterOption func(*RateLimiter)

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// WithKeyPrefix separates counters of limiters that share a store.
func WithKeyPrefix(prefix string) LimiterOption {
	return func(l *RateLimiter) { l.prefix = prefix }
}

func NewRateLimiter(store CounterStore, max int, window time.Duration, opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{store: store, max: int64(max), window: window, prefix: "ratelimit", now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts the request against the caller's window. Requests without
// a principal are not limited.
func (l *RateLimiter) Allow(ctx context.Context, req Request) error {
	if req.Principal == nil || req.Principal.ID == "" {
		return nil
	}
	count, resetAt, err := l.store.Incr(ctx, l.prefix+":"+req.Principal.ID, l.window, l.now())
	if err != nil {
		return apperror.Internal(fmt.Errorf("rate limit counter: %w", err))
	}
	if count > l.max {
		retry := int64(math.Ceil(resetAt.Sub(l.now()).Seconds()))
		if retry < 0 {
			retry = 0
		}
		return ErrRateLimited.WithDetails(map[string]any{
			"limit":      l.max,
			"retryAfter": retry,
		})
	}
	return nil
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{windows: map[string]*window{}}
}

func (m *MemoryCounterStore) Incr(ctx context.Context, key string, length time.Duration, now time.Time) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(length)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Prune drops windows that ended before now.
func (m *MemoryCounterStore) Prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// RedisCounterStore shares counters between instances. Windows are
// enforced by key expiry on the Redis server, so the passed clock only
// sets the reported reset time.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// NewRedisClient parses a redis:// or rediss:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *RedisCounterStore) Incr(ctx context.Context, key string, length time.Duration, now time.Time) (int64, time.Time, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	ttl := pttl.Val()
	if ttl < 0 {
		// first hit of a window, or a key that lost its expiry
		if err := r.client.PExpire(ctx, key, length).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = length
	}
	return incr.Val(), now.Add(ttl), nil
}
