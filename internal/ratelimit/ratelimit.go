package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.tokens+tokensToAdd, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(t)
}

// Limiter throttles accepted connections globally and per remote host.
// A zero rate disables that dimension.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perRemote map[string]*TokenBucket
	rate      int
	burst     int
}

// NewLimiter returns nil when both limits are disabled so callers can skip the check.
func NewLimiter(globalPerSecond, perRemotePerSecond, burst int) *Limiter {
	if globalPerSecond <= 0 && perRemotePerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perRemote: make(map[string]*TokenBucket),
		rate:      perRemotePerSecond,
		burst:     burst,
	}
	if globalPerSecond > 0 {
		l.global = NewTokenBucket(globalPerSecond, burst)
	}
	return l
}

// AllowConnection reports whether a new connection from remote (host only) may proceed.
func (l *Limiter) AllowConnection(remote string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perRemote[remote]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.perRemote[remote] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// CleanupIdle drops per-remote buckets unused for longer than maxIdle and returns how many were removed.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for remote, b := range l.perRemote {
		if b.idleSince(cutoff) {
			delete(l.perRemote, remote)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of remotes with a live bucket.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perRemote)
}
