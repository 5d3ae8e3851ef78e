package boundary

import (
	"sync"
	"time"
)

// tokenBucket is a simple per-channel, per-direction message rate limiter.
// A limit <= 0 disables limiting entirely.
type tokenBucket struct {
	mu       sync.Mutex
	limit    float64
	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

func newTokenBucket(perSecond int) *tokenBucket {
	return &tokenBucket{
		limit:    float64(perSecond),
		tokens:   float64(perSecond),
		lastFill: time.Now(),
		now:      time.Now,
	}
}

func (t *tokenBucket) Allow() bool {
	if t.limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.lastFill).Seconds()
	t.tokens += elapsed * t.limit
	if t.tokens > t.limit {
		t.tokens = t.limit
	}
	t.lastFill = now

	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
