package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter bounds how many alerts leave the dispatcher per time window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// SlidingWindow is an in-process sliding-window limiter for single-instance
// deployments. Allow consumes a slot when it succeeds.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	now   func() time.Time
	times []time.Time
}

// NewSlidingWindow creates a limiter allowing limit sends per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether a send slot is available and takes it if so. The key
// is ignored; the window is global to the process.
func (l *SlidingWindow) Allow(_ context.Context, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	if len(l.times) >= l.limit {
		return false, nil
	}
	l.times = append(l.times, now)
	return true, nil
}

// NextAvailable returns when the next send slot opens up.
func (l *SlidingWindow) NextAvailable() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)
	if len(l.times) < l.limit {
		return now
	}
	return l.times[0].Add(l.window)
}

// InWindow returns how many sends the current window holds.
func (l *SlidingWindow) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.times)
}

func (l *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	l.times = l.times[i:]
}

func (l *SlidingWindow) Close() error { return nil }

// redisLimiter implements a shared sliding window over a Redis sorted set,
// for deployments running more than one consumer instance.
type redisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter connects to Redis and returns a shared limiter.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (Limiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
	}, nil
}

// Allow implements sliding window rate limiting using Redis
func (r *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	ttl := int64(r.window.Seconds()) + 1

	// Redis Lua script for atomic rate limiting
	script := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local ttl = tonumber(ARGV[4])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

		-- Count current entries
		local current = redis.call('ZCARD', key)

		if current < limit then
			-- Add new entry
			redis.call('ZADD', key, now, now)
			redis.call('EXPIRE', key, ttl)
			return 1
		else
			return 0
		end
	`

	result, err := r.client.Eval(ctx, script, []string{"alertlimit:" + key}, now, windowStart, r.limit, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return result == 1, nil
}

func (r *redisLimiter) Close() error {
	return r.client.Close()
}
