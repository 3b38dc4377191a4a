// Package middleware provides rate limiting for connections and messages.
package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"beacon/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// ConnectionLimit caps connection attempts per peer address per minute.
	ConnectionLimit = 5
	// MessageLimit caps frames per user per minute.
	MessageLimit = 60
	// Window is the counting window for both limits.
	Window = time.Minute

	reapInterval = 30 * time.Second
)

// Limiter enforces per-key sliding-window limits. With a Redis client the
// counters are shared across instances; without one a local timestamp window
// is used. Exact accuracy under contention is not required.
type Limiter struct {
	rdb *redis.Client

	mu     sync.Mutex
	hits   map[string][]time.Time
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewLimiter creates a limiter. rdb may be nil.
func NewLimiter(rdb *redis.Client) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Stop terminates the reaper.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Allow records one hit against resource/id and reports whether the caller
// is within limit hits per window.
func (l *Limiter) Allow(ctx context.Context, resource, id string, limit int, window time.Duration) bool {
	allowed := l.check(ctx, resource, id, limit, window)
	if !allowed {
		observability.RateLimitRejections.WithLabelValues(resource).Inc()
	}
	return allowed
}

// AllowConnection gates a new socket by peer address.
func (l *Limiter) AllowConnection(ctx context.Context, addr string) bool {
	return l.Allow(ctx, "connect", "ip:"+addr, ConnectionLimit, Window)
}

// AllowMessage gates an inbound frame by user handle.
func (l *Limiter) AllowMessage(ctx context.Context, handle string) bool {
	return l.Allow(ctx, "message", "user:"+handle, MessageLimit, Window)
}

func (l *Limiter) check(ctx context.Context, resource, id string, limit int, window time.Duration) bool {
	if l.rdb != nil {
		key := fmt.Sprintf("rl:%s:%s", resource, id)
		cnt, err := l.rdb.Incr(ctx, key).Result()
		if err == nil {
			if cnt == 1 {
				l.rdb.Expire(ctx, key, window)
			}
			return cnt <= int64(limit)
		}
		// Redis unreachable: fall through to the local window.
	}

	now := l.now()
	cutoff := now.Add(-window)
	key := resource + ":" + id

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.hits[key]
	kept := prev[:0]
	for _, t := range prev {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// reapLoop drops idle keys so the local map stays bounded. Entries older
// than two windows cannot affect any future decision.
func (l *Limiter) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.reapOnce()
		}
	}
}

func (l *Limiter) reapOnce() {
	cutoff := l.now().Add(-2 * Window)
	l.mu.Lock()
	for key, hits := range l.hits {
		live := false
		for _, t := range hits {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
	l.mu.Unlock()
}

// ConnectionGate returns a Fiber middleware that applies the connection
// limit by client IP before the websocket upgrade.
func ConnectionGate(l *Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !l.AllowConnection(c.Context(), c.IP()) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}
