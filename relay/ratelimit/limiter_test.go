package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketConsumeAndRefill(t *testing.T) {
	b := newBucket(60) // 1 token per second
	now := time.Now()

	require.True(t, b.tryConsume(60, now))
	require.False(t, b.tryConsume(1, now))

	// Two seconds of refill admits a charge of 2.
	require.True(t, b.tryConsume(2, now.Add(2*time.Second)))
	require.False(t, b.tryConsume(1, now.Add(2*time.Second)))
}

func TestBucketRefillCapped(t *testing.T) {
	b := newBucket(60)
	now := time.Now()
	require.True(t, b.tryConsume(30, now))

	// A long idle period refills to max, never beyond.
	b.refill(now.Add(time.Hour))
	require.Equal(t, int64(60), b.available())
}

func TestBucketRetryAfter(t *testing.T) {
	b := newBucket(60)
	now := time.Now()
	require.True(t, b.tryConsume(60, now))

	// Empty bucket at 1 token/sec: 5 tokens need 5 seconds.
	require.InDelta(t, 5.0, b.retryAfter(5), 0.01)
	require.Zero(t, b.retryAfter(0))
}

func TestLimiterAllOrNothing(t *testing.T) {
	l := newLimiter(Limits{RPM: 10, TPM: 100})

	// Estimate above the TPM capacity is denied, and the RPM charge
	// taken before the TPM check must be rolled back.
	_, ok := l.Acquire(500)
	require.False(t, ok)

	rpm, _ := l.Available()
	require.Equal(t, int64(10), rpm)
}

func TestLimiterUnlimitedDimension(t *testing.T) {
	l := newLimiter(Limits{RPM: 2})

	_, ok := l.Acquire(1_000_000)
	require.True(t, ok)
	_, ok = l.Acquire(1_000_000)
	require.True(t, ok)
	retryAfter, ok := l.Acquire(1)
	require.False(t, ok)
	require.Greater(t, retryAfter, 0.0)

	rpm, tpm := l.Available()
	require.Equal(t, int64(0), rpm)
	require.Equal(t, int64(-1), tpm)
}

func TestLimiterRelease(t *testing.T) {
	l := newLimiter(Limits{RPM: 5, TPM: 100})
	_, ok := l.Acquire(40)
	require.True(t, ok)

	l.Release(40)
	rpm, tpm := l.Available()
	require.Equal(t, int64(5), rpm)
	require.Equal(t, int64(100), tpm)
}

func TestLimiterAdjustTPMClamps(t *testing.T) {
	l := newLimiter(Limits{TPM: 100})
	_, ok := l.Acquire(50)
	require.True(t, ok)

	// Actual usage exceeded the estimate by far more than remains; the
	// bucket clamps at zero instead of going negative.
	l.AdjustTPM(-1000)
	_, tpm := l.Available()
	require.Equal(t, int64(0), tpm)
}

func TestRegistryRecreatesOnLimitChange(t *testing.T) {
	r := newRegistry()
	a := r.getOrCreate("token:1", Limits{RPM: 10})
	b := r.getOrCreate("token:1", Limits{RPM: 10})
	require.Same(t, a, b)

	c := r.getOrCreate("token:1", Limits{RPM: 20})
	require.NotSame(t, a, c)
}

func TestManagerLayeredDenialLeavesNoResidue(t *testing.T) {
	m := &Manager{accounts: newRegistry(), tokens: newRegistry()}

	// Account admits, token refuses: the account charge must be rolled
	// back so a subsequent attempt on the same account is unaffected.
	charge, decision := m.Check(1, Limits{RPM: 1}, 7, Limits{TPM: 10}, 50)
	require.Nil(t, charge)
	require.False(t, decision.Allowed)
	require.Equal(t, LayerToken, decision.Layer)
	require.Greater(t, decision.RetryAfter, 0.0)

	charge, decision = m.Check(1, Limits{RPM: 1}, 8, Limits{}, 50)
	require.True(t, decision.Allowed)
	require.NotNil(t, charge)
}

func TestChargeReconcileRefundsOverestimate(t *testing.T) {
	m := &Manager{accounts: newRegistry(), tokens: newRegistry()}

	charge, decision := m.Check(1, Limits{TPM: 100}, 7, Limits{}, 80)
	require.True(t, decision.Allowed)

	// Only 30 tokens were actually used; 50 go back.
	charge.Reconcile(30)
	limiter := m.accounts.getOrCreate("account:1", Limits{TPM: 100})
	_, tpm := limiter.Available()
	require.Equal(t, int64(70), tpm)
}

func TestChargeRefund(t *testing.T) {
	m := &Manager{accounts: newRegistry(), tokens: newRegistry()}

	charge, decision := m.Check(1, Limits{RPM: 3, TPM: 100}, 7, Limits{}, 60)
	require.True(t, decision.Allowed)
	charge.Refund()

	limiter := m.accounts.getOrCreate("account:1", Limits{RPM: 3, TPM: 100})
	rpm, tpm := limiter.Available()
	require.Equal(t, int64(3), rpm)
	require.Equal(t, int64(100), tpm)
}

func TestManagerEvictStale(t *testing.T) {
	m := &Manager{accounts: newRegistry(), tokens: newRegistry()}
	_, decision := m.Check(1, Limits{RPM: 10}, 7, Limits{RPM: 10}, 1)
	require.True(t, decision.Allowed)

	require.Zero(t, m.EvictStale(time.Minute))
	require.Equal(t, 2, m.EvictStale(0))
}
