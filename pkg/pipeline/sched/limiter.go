package sched

import (
	"sync"
	"time"
)

// tokenBucket is a single bucket for one organization.
type tokenBucket struct {
	tokens     float64
	lastAccess time.Time
}

// Limiter is an in-memory token bucket per organization.
//
// Each organization gets an independent bucket with a configurable
// refill rate (tokens per second) and burst capacity. A background
// goroutine evicts stale entries every minute to bound memory.
type Limiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewLimiter creates a token bucket limiter.
//   - rate: sustained submissions per second per organization
//   - burst: maximum burst size (token bucket capacity)
//
// A background goroutine evicts organizations not seen in the last 10
// minutes. Call Close to stop it.
func NewLimiter(rate float64, burst int) *Limiter {
	l := &Limiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow consumes one token from the organization's bucket. Returns true
// if a token was available (submission should proceed), false otherwise
// (rate limited).
func (l *Limiter) Allow(orgID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[orgID]
	if !ok {
		// First submission for this organization: start with a full
		// bucket minus one token.
		l.buckets[orgID] = &tokenBucket{
			tokens:     l.burst - 1,
			lastAccess: now,
		}
		return true
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
