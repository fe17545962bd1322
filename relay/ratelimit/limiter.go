package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the effective RPM and TPM limits for one key. A value of
// 0 means the corresponding bucket is unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Limiter pairs an RPM bucket with a TPM bucket for a single key.
type Limiter struct {
	mu       sync.Mutex
	rpm      *bucket // nil if RPM unlimited
	tpm      *bucket // nil if TPM unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM)
	}
	if limits.TPM > 0 {
		l.tpm = newBucket(limits.TPM)
	}
	return l
}

// Acquire pre-charges one request plus the estimated prompt tokens. The
// charge is all-or-nothing: a TPM denial rolls the RPM consumption back.
// On denial retryAfter reports seconds until the refusing bucket could
// admit the same charge.
func (l *Limiter) Acquire(estimate int64) (retryAfter float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.rpm != nil && !l.rpm.tryConsume(1, now) {
		return l.rpm.retryAfter(1), false
	}
	if l.tpm != nil && !l.tpm.tryConsume(float64(estimate), now) {
		if l.rpm != nil {
			l.rpm.adjust(1)
		}
		return l.tpm.retryAfter(float64(estimate)), false
	}
	return 0, true
}

// Release undoes a full pre-charge for an attempt that never executed.
func (l *Limiter) Release(estimate int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpm != nil {
		l.rpm.adjust(1)
	}
	if l.tpm != nil {
		l.tpm.adjust(float64(estimate))
	}
}

// AdjustTPM corrects the TPM bucket after completion by
// estimated minus actual: a positive delta refunds over-estimation, a
// negative delta charges the shortfall. The bucket never goes below zero.
func (l *Limiter) AdjustTPM(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpm != nil {
		l.tpm.adjust(float64(delta))
	}
}

// Available reports the remaining RPM and TPM tokens after a refill;
// -1 stands for an unlimited bucket.
func (l *Limiter) Available() (rpm int64, tpm int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	rpm, tpm = -1, -1
	if l.rpm != nil {
		l.rpm.refill(now)
		rpm = l.rpm.available()
	}
	if l.tpm != nil {
		l.tpm.refill(now)
		tpm = l.tpm.available()
	}
	return rpm, tpm
}

// registry manages per-key limiters, recreating one when its configured
// limits change.
type registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func newRegistry() *registry {
	return &registry{limiters: make(map[string]*Limiter)}
}

func (r *registry) getOrCreate(key string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[key] = l
	return l
}

func (r *registry) evictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
