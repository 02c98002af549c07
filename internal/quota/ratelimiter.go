package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-client token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rpm     int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client, with a burst of rpm. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rpm:     rpm,
	}
}

// Enabled reports whether the limiter restricts anything.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.rpm > 0
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.rpm)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.rpm <= 0 {
		return true
	}
	return rl.bucketFor(key).limiter.Allow()
}

// RetryAfter returns the number of seconds until key gets its next token.
func (rl *RateLimiter) RetryAfter(key string) int {
	if rl.rpm <= 0 {
		return 0
	}
	b := rl.bucketFor(key)
	tokens := b.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}
	seconds := (1 - tokens) / float64(b.limiter.Limit())
	return int(seconds) + 1
}

// Cleanup removes buckets for clients that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}
