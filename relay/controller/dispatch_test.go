package controller

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/monitor"
	"github.com/fluxgate/fluxgate/relay/dialect"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
	"github.com/fluxgate/fluxgate/relay/ratelimit"
)

func TestEffectiveTokenLimits(t *testing.T) {
	token := &model.Token{RPMLimit: 10, TPMLimit: 1000}
	user := &model.User{RPMLimit: 20, TPMLimit: 2000}
	require.Equal(t, ratelimit.Limits{RPM: 10, TPM: 1000}, effectiveTokenLimits(token, user))

	// Zero token limits inherit the owner's defaults per dimension.
	token = &model.Token{TPMLimit: 1000}
	require.Equal(t, ratelimit.Limits{RPM: 20, TPM: 1000}, effectiveTokenLimits(token, user))

	// Both zero fall through to the instance defaults.
	origRPM, origTPM := config.DefaultUserRPM, config.DefaultUserTPM
	config.DefaultUserRPM, config.DefaultUserTPM = 60, 90000
	defer func() { config.DefaultUserRPM, config.DefaultUserTPM = origRPM, origTPM }()

	require.Equal(t, ratelimit.Limits{RPM: 60, TPM: 90000},
		effectiveTokenLimits(&model.Token{}, &model.User{}))
}

func TestRespondErrorRetryAfterRoundsUp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	codec := dialect.CodecFor(relaymodel.DialectOpenAI)

	header := func(retryAfter float64) string {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		gerr := relaymodel.NewError(relaymodel.ErrRateLimited, "rate limit exceeded")
		gerr.RetryAfter = retryAfter
		respondError(c, codec, gerr)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		return w.Header().Get("Retry-After")
	}

	// A sub-second wait must still tell the caller to back off.
	require.Equal(t, "1", header(0.3))
	require.Equal(t, "3", header(2.5))
	require.Equal(t, "2", header(2))
}

func resolvedFixture() []*model.ResolvedProvider {
	high := &model.Provider{Id: 1, Priority: 2, Weight: 1}
	low := &model.Provider{Id: 2, Priority: 1, Weight: 1}
	return []*model.ResolvedProvider{
		{Provider: high, Accounts: []*model.Account{{Id: 101}, {Id: 102}}},
		{Provider: low, Accounts: []*model.Account{{Id: 201}}},
	}
}

func TestNextCandidatePrefersTopTier(t *testing.T) {
	pick := nextCandidate(resolvedFixture(), map[int]bool{})
	require.NotNil(t, pick)
	require.Equal(t, 1, pick.Provider.Id)
}

func TestNextCandidateSkipsTried(t *testing.T) {
	tried := map[int]bool{101: true, 102: true}
	pick := nextCandidate(resolvedFixture(), tried)
	require.NotNil(t, pick)
	require.Equal(t, 201, pick.Account.Id)

	tried[201] = true
	require.Nil(t, nextCandidate(resolvedFixture(), tried))
}

func TestNextCandidateHealthRanking(t *testing.T) {
	// Degrade one top-tier account; the healthy sibling wins first.
	Health.Force(101, monitor.StatusDegraded, time.Minute)
	defer Health.Force(101, monitor.StatusHealthy, 0)

	pick := nextCandidate(resolvedFixture(), map[int]bool{})
	require.Equal(t, 102, pick.Account.Id)

	// With the healthy one tried, the degraded top-tier account still
	// beats dropping to the lower tier.
	pick = nextCandidate(resolvedFixture(), map[int]bool{102: true})
	require.Equal(t, 101, pick.Account.Id)
}

func TestNextCandidateTierWithLiveAccountShadowsLower(t *testing.T) {
	// A degraded account in the top tier keeps the lower tier out of the
	// race entirely.
	Health.Force(101, monitor.StatusDegraded, time.Minute)
	Health.Force(102, monitor.StatusDegraded, time.Minute)
	defer func() {
		Health.Force(101, monitor.StatusHealthy, 0)
		Health.Force(102, monitor.StatusHealthy, 0)
	}()

	pools := collectCandidates(resolvedFixture(), map[int]bool{})
	require.Empty(t, pools.healthy)
	require.Len(t, pools.degraded, 2)
	for _, c := range pools.degraded {
		require.Equal(t, 1, c.Provider.Id)
	}
}

func TestNextCandidateUnhealthyFallback(t *testing.T) {
	Health.Force(101, monitor.StatusUnhealthy, time.Minute)
	Health.Force(102, monitor.StatusUnhealthy, time.Minute)
	Health.Force(201, monitor.StatusUnhealthy, time.Minute)
	defer func() {
		Health.Force(101, monitor.StatusHealthy, 0)
		Health.Force(102, monitor.StatusHealthy, 0)
		Health.Force(201, monitor.StatusHealthy, 0)
	}()

	orig := config.AllowUnhealthyFallback
	config.AllowUnhealthyFallback = false
	defer func() { config.AllowUnhealthyFallback = orig }()

	require.Nil(t, nextCandidate(resolvedFixture(), map[int]bool{}))

	config.AllowUnhealthyFallback = true
	pick := nextCandidate(resolvedFixture(), map[int]bool{})
	require.NotNil(t, pick)
}
