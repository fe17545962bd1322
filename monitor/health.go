// Package monitor tracks per-account upstream health and drives the
// healthy, degraded, unhealthy, banned state machine that account
// selection consults.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/common/message"
	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

type Status int

const (
	StatusHealthy Status = iota + 1
	StatusDegraded
	StatusUnhealthy
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusBanned:
		return "banned"
	}
	return "unknown"
}

type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// RiskOf derives the risk level from the status.
func RiskOf(s Status) Risk {
	switch s {
	case StatusDegraded:
		return RiskMedium
	case StatusUnhealthy:
		return RiskHigh
	case StatusBanned:
		return RiskCritical
	}
	return RiskLow
}

// Outcome classifies one finished dispatch attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuthFailed  Outcome = "auth_failed"
	OutcomeUpstream5xx Outcome = "upstream_5xx"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeClientError Outcome = "client_error"
)

// OutcomeForError maps a gateway error to the outcome the monitor
// records. Errors the upstream never saw count as client errors.
func OutcomeForError(err *relaymodel.GatewayError) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch err.Kind {
	case relaymodel.ErrRateLimited:
		return OutcomeRateLimited
	case relaymodel.ErrUpstreamAuthFailed:
		return OutcomeAuthFailed
	case relaymodel.ErrUpstream5xx:
		return OutcomeUpstream5xx
	case relaymodel.ErrUpstreamTimeout:
		return OutcomeTimeout
	}
	return OutcomeClientError
}

// Sliding window used for the recovery failure-rate check.
const (
	failureWindow       = 5 * time.Minute
	recoverFailureRate  = 0.5
	rateLimitRateWindow = time.Minute
)

type sample struct {
	at      time.Time
	failure bool
}

type accountHealth struct {
	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	rateLimitHits       []time.Time
	window              []sample
	lastErrorKind       string
	lastTransition      time.Time
	cooldownUntil       time.Time
}

// AccountHealth is a read-only snapshot for selection and the status
// endpoint.
type AccountHealth struct {
	AccountId           int       `json:"account_id"`
	Status              string    `json:"status"`
	Risk                Risk      `json:"risk"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	LastTransition      time.Time `json:"last_transition"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

type Monitor struct {
	mu       sync.RWMutex
	accounts map[int]*accountHealth
	now      func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		accounts: make(map[int]*accountHealth),
		now:      time.Now,
	}
}

func (m *Monitor) health(accountId int) *accountHealth {
	m.mu.RLock()
	h, ok := m.accounts[accountId]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.accounts[accountId]; ok {
		return h
	}
	h = &accountHealth{status: StatusHealthy, lastTransition: m.now()}
	m.accounts[accountId] = h
	return h
}

// Record folds one attempt outcome into the account's health state and
// persists the durable counters.
func (m *Monitor) Record(ctx context.Context, accountId int, outcome Outcome) {
	h := m.health(accountId)
	now := m.now()

	h.mu.Lock()
	h.prune(now)
	switch outcome {
	case OutcomeSuccess:
		h.consecutiveFailures = 0
		h.window = append(h.window, sample{at: now})
		if h.status == StatusDegraded && h.failureRate() < recoverFailureRate {
			h.transition(StatusHealthy, now, 0)
		}
	case OutcomeRateLimited:
		h.lastErrorKind = string(relaymodel.ErrRateLimited)
		h.rateLimitHits = append(h.rateLimitHits, now)
		h.window = append(h.window, sample{at: now, failure: true})
		if len(h.rateLimitHits) >= config.RateLimitDegradeThreshold && h.status == StatusHealthy {
			h.transition(StatusDegraded, now, config.RateLimitCooldown)
		}
	case OutcomeAuthFailed:
		h.lastErrorKind = string(relaymodel.ErrUpstreamAuthFailed)
		h.window = append(h.window, sample{at: now, failure: true})
		h.transition(StatusBanned, now, config.AuthBanDuration)
	case OutcomeUpstream5xx, OutcomeTimeout:
		if outcome == OutcomeTimeout {
			h.lastErrorKind = string(relaymodel.ErrUpstreamTimeout)
		} else {
			h.lastErrorKind = string(relaymodel.ErrUpstream5xx)
		}
		h.consecutiveFailures++
		h.window = append(h.window, sample{at: now, failure: true})
		switch {
		case h.consecutiveFailures >= config.BanAfter:
			h.transition(StatusBanned, now, config.FailureBanDuration)
		case h.consecutiveFailures >= config.UnhealthyAfter:
			h.transition(StatusUnhealthy, now, 0)
		case h.consecutiveFailures >= config.DegradeAfter:
			if h.status == StatusHealthy {
				h.transition(StatusDegraded, now, 0)
			}
		}
	case OutcomeClientError:
		// Counted for the window but never changes health.
		h.window = append(h.window, sample{at: now})
	}
	status := h.status
	h.mu.Unlock()

	m.persist(ctx, accountId, outcome, status)
}

func (m *Monitor) persist(ctx context.Context, accountId int, outcome Outcome, status Status) {
	var err error
	switch outcome {
	case OutcomeSuccess:
		err = model.ResetAccountFailures(ctx, accountId)
	case OutcomeRateLimited:
		err = model.BumpAccountFailure(ctx, accountId, true, false)
	case OutcomeAuthFailed:
		err = model.BumpAccountFailure(ctx, accountId, false, true)
		go notifyBan(accountId, "upstream rejected the account credential")
	case OutcomeUpstream5xx, OutcomeTimeout:
		err = model.BumpAccountFailure(ctx, accountId, false, false)
		if status == StatusBanned {
			go notifyBan(accountId, "too many consecutive upstream failures")
		}
	default:
		return
	}
	if err != nil {
		logger.Logger.Warn("failed to persist account health counters",
			zap.Int("account_id", accountId), zap.Error(err))
	}
}

func notifyBan(accountId int, reason string) {
	subject := fmt.Sprintf("%s: account #%d banned", config.SystemName, accountId)
	content := fmt.Sprintf("<p>Account #%d has been banned.</p><p>Reason: %s</p>", accountId, reason)
	if err := message.Notify(subject, content); err != nil {
		logger.Logger.Debug("ban notification not delivered",
			zap.Int("account_id", accountId), zap.Error(err))
	}
}

// transition must be called with h.mu held.
func (h *accountHealth) transition(to Status, now time.Time, cooldown time.Duration) {
	if h.status == to {
		if cooldown > 0 {
			h.cooldownUntil = now.Add(cooldown)
		}
		return
	}
	logger.Logger.Info("account health transition",
		zap.String("from", h.status.String()), zap.String("to", to.String()))
	h.status = to
	h.lastTransition = now
	if cooldown > 0 {
		h.cooldownUntil = now.Add(cooldown)
	} else {
		h.cooldownUntil = time.Time{}
	}
	if to == StatusHealthy {
		h.consecutiveFailures = 0
	}
}

// prune must be called with h.mu held.
func (h *accountHealth) prune(now time.Time) {
	cutoff := now.Add(-rateLimitRateWindow)
	hits := h.rateLimitHits[:0]
	for _, t := range h.rateLimitHits {
		if t.After(cutoff) {
			hits = append(hits, t)
		}
	}
	h.rateLimitHits = hits

	wcut := now.Add(-failureWindow)
	window := h.window[:0]
	for _, s := range h.window {
		if s.at.After(wcut) {
			window = append(window, s)
		}
	}
	h.window = window
}

// failureRate must be called with h.mu held after prune.
func (h *accountHealth) failureRate() float64 {
	if len(h.window) == 0 {
		return 0
	}
	failures := 0
	for _, s := range h.window {
		if s.failure {
			failures++
		}
	}
	return float64(failures) / float64(len(h.window))
}

// StatusOf returns the current status; unknown accounts are healthy.
func (m *Monitor) StatusOf(accountId int) Status {
	h := m.health(accountId)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Selectable reports whether an account may serve a request right now.
// An unhealthy account is selectable only as a last resort and only when
// the fallback is enabled; a banned account never is.
func (m *Monitor) Selectable(accountId int, lastResort bool) bool {
	switch m.StatusOf(accountId) {
	case StatusHealthy, StatusDegraded:
		return true
	case StatusUnhealthy:
		return lastResort && config.AllowUnhealthyFallback
	}
	return false
}

// Force applies an administrator-requested transition.
func (m *Monitor) Force(accountId int, to Status, cooldown time.Duration) {
	h := m.health(accountId)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(to, m.now(), cooldown)
}

// Sweep walks every account, expiring cooldowns and stepping accounts
// back toward healthy when their failure rate has decayed.
func (m *Monitor) Sweep() {
	m.mu.RLock()
	ids := make([]int, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, id := range ids {
		h := m.health(id)
		h.mu.Lock()
		h.prune(now)
		switch h.status {
		case StatusBanned:
			if !h.cooldownUntil.IsZero() && now.After(h.cooldownUntil) {
				h.transition(StatusUnhealthy, now, 0)
			}
		case StatusUnhealthy:
			if h.failureRate() < recoverFailureRate {
				h.transition(StatusDegraded, now, 0)
			}
		case StatusDegraded:
			cooldownOver := h.cooldownUntil.IsZero() || now.After(h.cooldownUntil)
			if cooldownOver && h.failureRate() < recoverFailureRate {
				h.transition(StatusHealthy, now, 0)
			}
		}
		h.mu.Unlock()
	}
}

// SweepLoop runs Sweep on the configured cadence until ctx is done.
func (m *Monitor) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(config.HealthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Summary snapshots every tracked account for the status endpoint.
func (m *Monitor) Summary() []AccountHealth {
	m.mu.RLock()
	ids := make([]int, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]AccountHealth, 0, len(ids))
	for _, id := range ids {
		h := m.health(id)
		h.mu.Lock()
		out = append(out, AccountHealth{
			AccountId:           id,
			Status:              h.status.String(),
			Risk:                RiskOf(h.status),
			ConsecutiveFailures: h.consecutiveFailures,
			LastErrorKind:       h.lastErrorKind,
			LastTransition:      h.lastTransition,
			CooldownUntil:       h.cooldownUntil,
		})
		h.mu.Unlock()
	}
	return out
}
