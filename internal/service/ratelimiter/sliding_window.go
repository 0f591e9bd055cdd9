// Package ratelimiter implements the per-user request limiter on Redis.
//
// The limiter keeps one counter per user per window (minute, hour, day). Keys
// embed the window start, so a new window naturally lands on a fresh key and
// old counters age out via TTL. All three windows are incremented and checked
// in a single Lua script, which keeps the check atomic across replicas.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// Window names reported in denial decisions and metrics.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// Limits holds the per-window request ceilings. A zero or negative limit
// disables that window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool
	// Window names the first window that denied, empty when allowed.
	Window string
	// RetryAfter is the time until the denying window rolls over.
	RetryAfter time.Duration
}

// Limiter is the rate limiting port consumed by the HTTP layer.
//
//go:generate mockery --name Limiter
type Limiter interface {
	Allow(ctx context.Context, userID string) (Decision, error)
}

// SlidingWindowLimiter implements Limiter on Redis.
type SlidingWindowLimiter struct {
	redis    *redis.Client
	limits   Limits
	failOpen bool
	script   *redis.Script
	mu       sync.RWMutex
	now      func() time.Time
}

// NewSlidingWindowLimiter constructs a limiter. With failOpen false (the
// default posture) a Redis outage denies requests rather than waving through
// unmetered traffic.
func NewSlidingWindowLimiter(rdb *redis.Client, limits Limits, failOpen bool) *SlidingWindowLimiter {
	if rdb == nil {
		return nil
	}
	return &SlidingWindowLimiter{
		redis:    rdb,
		limits:   limits,
		failOpen: failOpen,
		script:   redis.NewScript(luaWindowScript),
		now:      time.Now,
	}
}

// luaWindowScript increments all three counters, then reports the first window
// over its limit. Incrementing before comparing means denied requests still
// count against the window, so a client hammering a saturated limit does not
// sneak through the instant the window rolls.
const luaWindowScript = `
local denied = 0
for i = 1, 3 do
  local limit = tonumber(ARGV[i])
  if limit > 0 then
    local count = redis.call("INCR", KEYS[i])
    if count == 1 then
      redis.call("EXPIRE", KEYS[i], tonumber(ARGV[i + 3]))
    end
    if denied == 0 and count > limit then
      denied = i
    end
  end
end
return denied
`

var windowSpans = []struct {
	name string
	span time.Duration
}{
	{WindowMinute, time.Minute},
	{WindowHour, time.Hour},
	{WindowDay, 24 * time.Hour},
}

// Allow checks and records one request for userID across all windows.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, userID string) (Decision, error) {
	if l == nil || l.redis == nil {
		return Decision{Allowed: true}, nil
	}
	l.mu.RLock()
	limits := l.limits
	l.mu.RUnlock()

	now := l.now().UTC()
	keys := make([]string, 0, 3)
	args := make([]interface{}, 0, 6)
	for _, w := range windowSpans {
		start := now.Truncate(w.span)
		keys = append(keys, fmt.Sprintf("rl:%s:%s:%d", userID, w.name, start.Unix()))
	}
	args = append(args, limits.PerMinute, limits.PerHour, limits.PerDay)
	for _, w := range windowSpans {
		// TTL is twice the window so a counter outlives its own window but
		// never a successor's.
		args = append(args, int64((2 * w.span).Seconds()))
	}

	res, err := l.script.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		slog.Error("rate limiter script error",
			slog.String("user_id", userID),
			slog.Any("error", err))
		if l.failOpen {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false}, fmt.Errorf("op=ratelimiter.allow: %w", domain.ErrUpstreamUnavail)
	}

	denied := toInt64(res)
	if denied == 0 {
		return Decision{Allowed: true}, nil
	}

	w := windowSpans[denied-1]
	observability.RateLimitDenialsTotal.WithLabelValues(w.name).Inc()
	windowEnd := now.Truncate(w.span).Add(w.span)
	return Decision{
		Allowed:    false,
		Window:     w.name,
		RetryAfter: windowEnd.Sub(now),
	}, nil
}

// SetLimits replaces the per-window ceilings. Safe for concurrent use.
func (l *SlidingWindowLimiter) SetLimits(limits Limits) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
