package ratelimit

import (
	"fmt"
	"time"

	"github.com/fluxgate/fluxgate/common/config"
)

// Layer identifies which limiter refused a check. A token-layer or
// global denial fails the request; an account-layer denial only skips
// that account.
type Layer string

const (
	LayerGlobal  Layer = "global"
	LayerAccount Layer = "account"
	LayerToken   Layer = "token"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed bool
	// Layer is the refusing layer when Allowed is false.
	Layer Layer
	// RetryAfter is seconds until the refusing bucket could admit the
	// same charge.
	RetryAfter float64
}

// Charge tracks an admitted pre-charge across the layers so it can be
// reconciled with the actual token count or refunded wholesale.
type Charge struct {
	limiters []*Limiter
	estimate int64
}

// Reconcile corrects every charged TPM bucket with the actual prompt
// plus completion count observed after completion.
func (c *Charge) Reconcile(actualTokens int64) {
	delta := c.estimate - actualTokens
	for _, l := range c.limiters {
		l.AdjustTPM(delta)
	}
}

// Refund returns the full pre-charge for an attempt that never reached
// the upstream, or was cancelled before executing.
func (c *Charge) Refund() {
	for _, l := range c.limiters {
		l.Release(c.estimate)
	}
}

// Manager composes the three rate-limit layers in order: global,
// provider account, access token.
type Manager struct {
	global   *Limiter // nil when both global limits are 0
	accounts *registry
	tokens   *registry
}

func NewManager() *Manager {
	m := &Manager{
		accounts: newRegistry(),
		tokens:   newRegistry(),
	}
	if config.GlobalRPM > 0 || config.GlobalTPM > 0 {
		m.global = newLimiter(Limits{RPM: config.GlobalRPM, TPM: config.GlobalTPM})
	}
	return m
}

// Check runs the layered admission for one dispatch attempt. All layers
// must admit; on denial every already-charged layer is rolled back so a
// refused attempt leaves no residue. The returned Charge is non-nil only
// when the decision allows.
func (m *Manager) Check(accountId int, accountLimits Limits, tokenId int, tokenLimits Limits, estimate int64) (*Charge, Decision) {
	charge := &Charge{estimate: estimate}

	type layerCheck struct {
		layer   Layer
		limiter *Limiter
	}
	checks := []layerCheck{
		{LayerGlobal, m.global},
		{LayerAccount, m.accounts.getOrCreate(fmt.Sprintf("account:%d", accountId), accountLimits)},
		{LayerToken, m.tokens.getOrCreate(fmt.Sprintf("token:%d", tokenId), tokenLimits)},
	}

	for _, c := range checks {
		if c.limiter == nil {
			continue
		}
		retryAfter, ok := c.limiter.Acquire(estimate)
		if !ok {
			charge.Refund()
			return nil, Decision{Allowed: false, Layer: c.layer, RetryAfter: retryAfter}
		}
		charge.limiters = append(charge.limiters, c.limiter)
	}
	return charge, Decision{Allowed: true}
}

// EvictStale drops limiters idle longer than maxIdle and returns how
// many were removed.
func (m *Manager) EvictStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	return m.accounts.evictStale(cutoff) + m.tokens.evictStale(cutoff)
}

// EvictLoop periodically evicts stale limiters until stop is closed.
func (m *Manager) EvictLoop(stop <-chan struct{}, interval time.Duration, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.EvictStale(maxIdle)
		}
	}
}
