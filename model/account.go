package model

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/helper"
	"github.com/fluxgate/fluxgate/common/random"
)

// Account selection strategies.
const (
	StrategyWeightedRandom    = "weighted_random"
	StrategyLeastRecentlyUsed = "least_recently_used"
	StrategyLeastUsed         = "least_used"
)

// Account is one credential bound to a provider.
type Account struct {
	Id         int    `json:"id"`
	ProviderId int    `json:"provider_id" gorm:"index"`
	Name       string `json:"name" gorm:"index"`
	// Enabled deliberately has no column default; see Provider.Enabled.
	Enabled bool `json:"enabled" gorm:"index"`
	// APIKey is the bearer secret for header-auth providers.
	APIKey string `json:"-" gorm:"column:api_key;type:text"`
	// CredentialBundle holds the sealed device-flow material for providers
	// like kiro; see common.EncryptCredential.
	CredentialBundle string `json:"-" gorm:"type:text"`
	// RPMLimit / TPMLimit bound this account's own traffic; 0 disables the
	// corresponding bucket.
	RPMLimit int64 `json:"rpm_limit" gorm:"bigint;default:0"`
	TPMLimit int64 `json:"tpm_limit" gorm:"bigint;default:0"`
	// LastUsedAt is epoch-seconds of the last selection.
	LastUsedAt          int64 `json:"last_used_at" gorm:"bigint;default:0;index"`
	TotalRequests       int64 `json:"total_requests" gorm:"bigint;default:0"`
	FailedRequests      int64 `json:"failed_requests" gorm:"bigint;default:0"`
	ConsecutiveFailures int64 `json:"consecutive_failures" gorm:"bigint;default:0"`
	RateLimitErrors     int64 `json:"rate_limit_errors" gorm:"bigint;default:0"`
	AuthErrors          int64 `json:"auth_errors" gorm:"bigint;default:0"`
	// UsageUsed / UsageLimit mirror an upstream free-quota meter for
	// providers that expose one; both 0 when the provider does not.
	UsageUsed  float64 `json:"usage_used" gorm:"default:0"`
	UsageLimit float64 `json:"usage_limit" gorm:"default:0"`
	CreatedAt  int64   `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt  int64   `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

// SetCredentialBundle seals and stores device-flow material.
func (a *Account) SetCredentialBundle(plaintext []byte) error {
	sealed, err := common.EncryptCredential(plaintext)
	if err != nil {
		return errors.Wrapf(err, "seal credential of account %d", a.Id)
	}
	a.CredentialBundle = sealed
	return nil
}

// GetCredentialBundle opens the stored device-flow material.
func (a *Account) GetCredentialBundle() ([]byte, error) {
	if a.CredentialBundle == "" {
		return nil, errors.Errorf("account %d has no credential bundle", a.Id)
	}
	plaintext, err := common.DecryptCredential(a.CredentialBundle)
	return plaintext, errors.Wrapf(err, "open credential of account %d", a.Id)
}

func GetAccountById(id int) (*Account, error) {
	var account Account
	if err := DB.First(&account, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get account %d", id)
	}
	return &account, nil
}

// GetEnabledAccountsByProvider returns the provider's enabled accounts.
func GetEnabledAccountsByProvider(providerId int) ([]*Account, error) {
	var accounts []*Account
	err := DB.Where("provider_id = ? AND enabled = ?", providerId, true).
		Order("id asc").Find(&accounts).Error
	return accounts, errors.Wrapf(err, "list accounts of provider %d", providerId)
}

func GetAllAccounts() ([]*Account, error) {
	var accounts []*Account
	err := DB.Order("id asc").Find(&accounts).Error
	return accounts, errors.Wrap(err, "list accounts")
}

func (a *Account) Insert() error {
	return errors.Wrap(DB.Create(a).Error, "insert account")
}

func (a *Account) Update() error {
	return errors.Wrapf(DB.Model(a).Select("name", "enabled", "api_key", "credential_bundle",
		"rpm_limit", "tpm_limit", "usage_used", "usage_limit").Updates(a).Error,
		"update account %d", a.Id)
}

func (a *Account) Delete() error {
	if a.Id == 0 {
		return errors.New("id is empty")
	}
	return errors.Wrapf(DB.Delete(a).Error, "delete account %d", a.Id)
}

// MarkAccountSelected bumps last_used_at and the request counter with a
// compare-and-swap on the previous last_used_at. A false return means a
// concurrent dispatch won the account first; the caller may prefer a
// different candidate but using the account anyway is safe.
func MarkAccountSelected(ctx context.Context, id int, prevLastUsedAt int64) (bool, error) {
	var result *gorm.DB
	err := runWithSQLiteBusyRetry(ctx, func() error {
		result = DB.Model(&Account{}).
			Where("id = ? AND last_used_at = ?", id, prevLastUsedAt).
			Updates(map[string]any{
				"last_used_at":   helper.GetTimestamp(),
				"total_requests": gorm.Expr("total_requests + 1"),
			})
		return result.Error
	})
	if err != nil {
		return false, errors.Wrapf(err, "mark account %d selected", id)
	}
	return result.RowsAffected > 0, nil
}

// ResetAccountFailures persists the counter reset after a success.
func ResetAccountFailures(ctx context.Context, id int) error {
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&Account{}).Where("id = ?", id).
			Update("consecutive_failures", 0).Error
	})
	return errors.Wrapf(err, "reset failures of account %d", id)
}

// BumpAccountFailure persists one failed outcome. rateLimited and
// authFailed select which error counter moves alongside the failure
// counters.
func BumpAccountFailure(ctx context.Context, id int, rateLimited bool, authFailed bool) error {
	updates := map[string]any{
		"failed_requests":      gorm.Expr("failed_requests + 1"),
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
	}
	if rateLimited {
		updates["rate_limit_errors"] = gorm.Expr("rate_limit_errors + 1")
	}
	if authFailed {
		updates["auth_errors"] = gorm.Expr("auth_errors + 1")
	}
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&Account{}).Where("id = ?", id).Updates(updates).Error
	})
	return errors.Wrapf(err, "bump failure counters of account %d", id)
}

// UpdateAccountUsage stores a fresh usage/limit snapshot fetched from the
// upstream quota endpoint.
func UpdateAccountUsage(ctx context.Context, id int, used float64, limit float64) error {
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&Account{}).Where("id = ?", id).
			Updates(map[string]any{"usage_used": used, "usage_limit": limit}).Error
	})
	return errors.Wrapf(err, "update usage of account %d", id)
}

// AddAccountCreditUsage accumulates provider-reported credit spend.
func AddAccountCreditUsage(ctx context.Context, id int, delta float64) error {
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&Account{}).Where("id = ?", id).
			Update("usage_used", gorm.Expr("usage_used + ?", delta)).Error
	})
	return errors.Wrapf(err, "add credit usage of account %d", id)
}

// UpdateAccountCredentialBundle persists a refreshed sealed credential.
func UpdateAccountCredentialBundle(ctx context.Context, id int, sealed string) error {
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&Account{}).Where("id = ?", id).
			Update("credential_bundle", sealed).Error
	})
	return errors.Wrapf(err, "update credential bundle of account %d", id)
}

// AccountCandidate pairs an account with its owning provider for
// selection.
type AccountCandidate struct {
	Account  *Account
	Provider *Provider
}

// PickAccount selects one candidate per the configured strategy. The
// caller has already applied health ranking; candidates here are
// equally eligible.
func PickAccount(candidates []*AccountCandidate, strategy string) *AccountCandidate {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch strategy {
	case StrategyLeastRecentlyUsed:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Account.LastUsedAt < best.Account.LastUsedAt {
				best = c
			}
		}
		return best
	case StrategyLeastUsed:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Account.TotalRequests < best.Account.TotalRequests {
				best = c
			}
		}
		return best
	default: // weighted_random
		total := 0
		for _, c := range candidates {
			total += providerWeight(c.Provider)
		}
		n := random.RandRange(0, total)
		for _, c := range candidates {
			n -= providerWeight(c.Provider)
			if n < 0 {
				return c
			}
		}
		return candidates[len(candidates)-1]
	}
}

func providerWeight(p *Provider) int {
	if p == nil || p.Weight < 1 {
		return 1
	}
	return p.Weight
}

func randWeight(total int) int {
	return random.RandRange(0, total)
}
