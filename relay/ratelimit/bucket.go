// Package ratelimit implements the layered RPM and TPM gate in front of
// upstream dispatch: one global limiter, one per provider account and one
// per access token, each backed by lazy-refill token buckets.
package ratelimit

import "time"

// bucket is a token bucket with lazy refill; no background goroutine.
// Refill math uses time.Time subtraction, which reads the monotonic
// clock, so wall-clock skew cannot produce negative elapsed intervals.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64) *bucket {
	return &bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0, // per-minute limit to per-second rate
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) bool {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// retryAfter returns seconds until n tokens will be available.
func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

func (b *bucket) available() int64 {
	return int64(b.tokens)
}

// adjust adds or removes tokens, clamped to [0, max].
func (b *bucket) adjust(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}
