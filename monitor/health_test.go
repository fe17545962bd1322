package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

func TestMain(m *testing.M) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	if err := db.AutoMigrate(&model.Account{}); err != nil {
		panic(err)
	}
	model.DB = db
	m.Run()
}

// testMonitor returns a monitor on a controllable clock.
func testMonitor() (*Monitor, *time.Time) {
	now := time.Now()
	m := NewMonitor()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestOutcomeForError(t *testing.T) {
	require.Equal(t, OutcomeSuccess, OutcomeForError(nil))
	require.Equal(t, OutcomeRateLimited,
		OutcomeForError(relaymodel.NewError(relaymodel.ErrRateLimited, "x")))
	require.Equal(t, OutcomeAuthFailed,
		OutcomeForError(relaymodel.NewError(relaymodel.ErrUpstreamAuthFailed, "x")))
	require.Equal(t, OutcomeUpstream5xx,
		OutcomeForError(relaymodel.NewError(relaymodel.ErrUpstream5xx, "x")))
	require.Equal(t, OutcomeTimeout,
		OutcomeForError(relaymodel.NewError(relaymodel.ErrUpstreamTimeout, "x")))
	require.Equal(t, OutcomeClientError,
		OutcomeForError(relaymodel.NewError(relaymodel.ErrBadRequest, "x")))
}

func TestAuthFailureBansImmediately(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	m.Record(ctx, 1, OutcomeAuthFailed)
	require.Equal(t, StatusBanned, m.StatusOf(1))
	require.False(t, m.Selectable(1, true))
}

func TestConsecutiveFailureLadder(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	for i := 0; i < config.DegradeAfter; i++ {
		m.Record(ctx, 2, OutcomeUpstream5xx)
	}
	require.Equal(t, StatusDegraded, m.StatusOf(2))

	for i := config.DegradeAfter; i < config.UnhealthyAfter; i++ {
		m.Record(ctx, 2, OutcomeTimeout)
	}
	require.Equal(t, StatusUnhealthy, m.StatusOf(2))

	for i := config.UnhealthyAfter; i < config.BanAfter; i++ {
		m.Record(ctx, 2, OutcomeUpstream5xx)
	}
	require.Equal(t, StatusBanned, m.StatusOf(2))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	for i := 0; i < config.DegradeAfter-1; i++ {
		m.Record(ctx, 3, OutcomeUpstream5xx)
	}
	m.Record(ctx, 3, OutcomeSuccess)
	m.Record(ctx, 3, OutcomeUpstream5xx)
	require.Equal(t, StatusHealthy, m.StatusOf(3))
}

func TestRateLimitBurstDegrades(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	for i := 0; i < config.RateLimitDegradeThreshold; i++ {
		m.Record(ctx, 4, OutcomeRateLimited)
	}
	require.Equal(t, StatusDegraded, m.StatusOf(4))
}

func TestRateLimitHitsExpire(t *testing.T) {
	m, now := testMonitor()
	ctx := context.Background()

	// Spread the hits wider than the one-minute window so the count
	// never reaches the threshold.
	for i := 0; i < config.RateLimitDegradeThreshold; i++ {
		m.Record(ctx, 5, OutcomeRateLimited)
		*now = now.Add(2 * time.Minute)
	}
	require.Equal(t, StatusHealthy, m.StatusOf(5))
}

func TestDegradedRecoversThroughSuccesses(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	for i := 0; i < config.DegradeAfter; i++ {
		m.Record(ctx, 6, OutcomeUpstream5xx)
	}
	require.Equal(t, StatusDegraded, m.StatusOf(6))

	// Enough successes drop the window failure rate under the recovery
	// threshold, which flips degraded back to healthy.
	for i := 0; i < config.DegradeAfter+2; i++ {
		m.Record(ctx, 6, OutcomeSuccess)
	}
	require.Equal(t, StatusHealthy, m.StatusOf(6))
}

func TestSweepWalksBanBackToHealthy(t *testing.T) {
	m, now := testMonitor()
	ctx := context.Background()

	for i := 0; i < config.BanAfter; i++ {
		m.Record(ctx, 7, OutcomeUpstream5xx)
	}
	require.Equal(t, StatusBanned, m.StatusOf(7))

	// Ban cooldown expires, failure samples age out of the window.
	*now = now.Add(config.FailureBanDuration + failureWindow + time.Minute)
	m.Sweep()
	require.Equal(t, StatusUnhealthy, m.StatusOf(7))
	m.Sweep()
	require.Equal(t, StatusDegraded, m.StatusOf(7))
	m.Sweep()
	require.Equal(t, StatusHealthy, m.StatusOf(7))
}

func TestSelectableUnhealthyNeedsFallback(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	for i := 0; i < config.UnhealthyAfter; i++ {
		m.Record(ctx, 8, OutcomeUpstream5xx)
	}
	require.Equal(t, StatusUnhealthy, m.StatusOf(8))
	require.False(t, m.Selectable(8, false))

	orig := config.AllowUnhealthyFallback
	config.AllowUnhealthyFallback = true
	defer func() { config.AllowUnhealthyFallback = orig }()
	require.True(t, m.Selectable(8, true))
	require.False(t, m.Selectable(8, false))
}

func TestForceTransition(t *testing.T) {
	m, _ := testMonitor()

	m.Force(9, StatusBanned, time.Hour)
	require.Equal(t, StatusBanned, m.StatusOf(9))
	m.Force(9, StatusHealthy, 0)
	require.Equal(t, StatusHealthy, m.StatusOf(9))
}

func TestSummary(t *testing.T) {
	m, _ := testMonitor()
	ctx := context.Background()

	m.Record(ctx, 10, OutcomeSuccess)
	m.Record(ctx, 11, OutcomeAuthFailed)

	summary := m.Summary()
	byId := map[int]AccountHealth{}
	for _, h := range summary {
		byId[h.AccountId] = h
	}
	require.Equal(t, "healthy", byId[10].Status)
	require.Equal(t, RiskLow, byId[10].Risk)
	require.Equal(t, "banned", byId[11].Status)
	require.Equal(t, RiskCritical, byId[11].Risk)
	require.Equal(t, string(relaymodel.ErrUpstreamAuthFailed), byId[11].LastErrorKind)
}
