package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickAccountStrategies(t *testing.T) {
	require.Nil(t, PickAccount(nil, StrategyWeightedRandom))

	provider := &Provider{Id: 1, Weight: 1}
	only := &AccountCandidate{Account: &Account{Id: 1}, Provider: provider}
	require.Same(t, only, PickAccount([]*AccountCandidate{only}, StrategyLeastUsed))

	candidates := []*AccountCandidate{
		{Account: &Account{Id: 1, LastUsedAt: 300, TotalRequests: 5}, Provider: provider},
		{Account: &Account{Id: 2, LastUsedAt: 100, TotalRequests: 9}, Provider: provider},
		{Account: &Account{Id: 3, LastUsedAt: 200, TotalRequests: 2}, Provider: provider},
	}
	require.Equal(t, 2, PickAccount(candidates, StrategyLeastRecentlyUsed).Account.Id)
	require.Equal(t, 3, PickAccount(candidates, StrategyLeastUsed).Account.Id)

	// Weighted random always lands on some candidate.
	picked := PickAccount(candidates, StrategyWeightedRandom)
	require.NotNil(t, picked)
}

func TestMarkAccountSelectedCAS(t *testing.T) {
	account := &Account{ProviderId: 900, Name: "cas", Enabled: true}
	require.NoError(t, account.Insert())

	ok, err := MarkAccountSelected(context.Background(), account.Id, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale previous timestamp means another dispatch won the swap.
	ok, err = MarkAccountSelected(context.Background(), account.Id, 0)
	require.NoError(t, err)
	require.False(t, ok)

	row, err := GetAccountById(account.Id)
	require.NoError(t, err)
	require.EqualValues(t, 1, row.TotalRequests)
	require.NotZero(t, row.LastUsedAt)
}

func TestFailureCounters(t *testing.T) {
	account := &Account{ProviderId: 901, Name: "counters", Enabled: true}
	require.NoError(t, account.Insert())
	ctx := context.Background()

	require.NoError(t, BumpAccountFailure(ctx, account.Id, false, false))
	require.NoError(t, BumpAccountFailure(ctx, account.Id, true, false))
	require.NoError(t, BumpAccountFailure(ctx, account.Id, false, true))

	row, err := GetAccountById(account.Id)
	require.NoError(t, err)
	require.EqualValues(t, 3, row.FailedRequests)
	require.EqualValues(t, 3, row.ConsecutiveFailures)
	require.EqualValues(t, 1, row.RateLimitErrors)
	require.EqualValues(t, 1, row.AuthErrors)

	require.NoError(t, ResetAccountFailures(ctx, account.Id))
	row, err = GetAccountById(account.Id)
	require.NoError(t, err)
	require.Zero(t, row.ConsecutiveFailures)
	// The lifetime counter stays.
	require.EqualValues(t, 3, row.FailedRequests)
}

func TestAccountUsageCounters(t *testing.T) {
	account := &Account{ProviderId: 902, Name: "usage", Enabled: true}
	require.NoError(t, account.Insert())
	ctx := context.Background()

	require.NoError(t, UpdateAccountUsage(ctx, account.Id, 12.5, 100))
	require.NoError(t, AddAccountCreditUsage(ctx, account.Id, 2.5))

	row, err := GetAccountById(account.Id)
	require.NoError(t, err)
	require.Equal(t, 15.0, row.UsageUsed)
	require.Equal(t, 100.0, row.UsageLimit)
}

func TestAccountCreatedDisabledStaysDisabled(t *testing.T) {
	account := &Account{ProviderId: 904, Name: "dark", Enabled: false}
	require.NoError(t, account.Insert())

	row, err := GetAccountById(account.Id)
	require.NoError(t, err)
	require.False(t, row.Enabled)

	accounts, err := GetEnabledAccountsByProvider(904)
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestGetEnabledAccountsByProvider(t *testing.T) {
	enabled := &Account{ProviderId: 903, Name: "on", Enabled: true}
	disabled := &Account{ProviderId: 903, Name: "off", Enabled: false}
	require.NoError(t, enabled.Insert())
	require.NoError(t, disabled.Insert())

	accounts, err := GetEnabledAccountsByProvider(903)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "on", accounts[0].Name)
}
