package model

import (
	"context"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/fluxgate/fluxgate/common/helper"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/common/network"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

const (
	TokenStatusEnabled   = 1 // don't use 0, 0 is the default value!
	TokenStatusDisabled  = 2 // also don't use 0
	TokenStatusExpired   = 3
	TokenStatusExhausted = 4
)

// Token is an access token. Only the salted hash of the key is stored;
// the plaintext is shown once at creation time.
type Token struct {
	Id      int    `json:"id"`
	UserId  int    `json:"user_id" gorm:"index"`
	KeyHash string `json:"-" gorm:"type:char(64);uniqueIndex"`
	Status  int    `json:"status" gorm:"default:1"`
	Name    string `json:"name" gorm:"index"`
	// Group scopes candidate providers; empty matches every group.
	Group           string `json:"group" gorm:"index;default:''"`
	CrossGroupRetry bool   `json:"cross_group_retry" gorm:"default:false"`
	CreatedTime     int64  `json:"created_time" gorm:"bigint"`
	AccessedTime    int64  `json:"accessed_time" gorm:"bigint"`
	ExpiredTime     int64  `json:"expired_time" gorm:"bigint;default:-1"` // -1 means never expired
	// RemainQuota is in quota units (tokens); -1 means unlimited.
	RemainQuota int64 `json:"remain_quota" gorm:"bigint;default:0"`
	UsedQuota   int64 `json:"used_quota" gorm:"bigint;default:0"`
	// RPMLimit / TPMLimit of 0 inherit the owner's defaults.
	RPMLimit int64 `json:"rpm_limit" gorm:"bigint;default:0"`
	TPMLimit int64 `json:"tpm_limit" gorm:"bigint;default:0"`
	// Models is a comma-separated whitelist; nil or empty allows all.
	Models *string `json:"models" gorm:"type:text"`
	// Subnet is a comma-separated list of CIDRs or literal addresses.
	Subnet    *string `json:"subnet" gorm:"default:''"`
	CreatedAt int64   `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64   `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

// Unlimited reports whether the token has no quota ceiling.
func (t *Token) Unlimited() bool {
	return t.RemainQuota < 0
}

// GetModels returns the whitelist as a slice, nil when unrestricted.
func (t *Token) GetModels() []string {
	if t.Models == nil || *t.Models == "" {
		return nil
	}
	parts := strings.Split(*t.Models, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (t *Token) allowsModel(modelName string) bool {
	models := t.GetModels()
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == modelName {
			return true
		}
	}
	return false
}

// Authorize validates a presented key in the order: lookup, status,
// expiry, IP allowlist, model whitelist, quota. The expiry check flips a
// stale status to expired before failing so the stored row converges.
func Authorize(ctx context.Context, key string, clientIP string, modelName string, estimatedPromptTokens int64) (*Token, *User, *relaymodel.GatewayError) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "sk-")
	if key == "" {
		return nil, nil, relaymodel.NewError(relaymodel.ErrInvalidKey, "no access token provided")
	}

	token, err := CacheGetTokenByKey(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, relaymodel.NewError(relaymodel.ErrInvalidKey, "access token not found")
		}
		return nil, nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "look up access token")
	}

	switch token.Status {
	case TokenStatusEnabled:
	case TokenStatusDisabled:
		return nil, nil, relaymodel.NewError(relaymodel.ErrTokenDisabled, "token %s (#%d) is disabled", token.Name, token.Id)
	case TokenStatusExpired:
		return nil, nil, relaymodel.NewError(relaymodel.ErrTokenExpired, "token %s (#%d) has expired", token.Name, token.Id)
	case TokenStatusExhausted:
		return nil, nil, relaymodel.NewError(relaymodel.ErrTokenExhausted, "token %s (#%d) quota has been exhausted", token.Name, token.Id)
	default:
		return nil, nil, relaymodel.NewError(relaymodel.ErrTokenDisabled, "token %s (#%d) status %d is not usable", token.Name, token.Id, token.Status)
	}

	if token.ExpiredTime != -1 && token.ExpiredTime <= helper.GetTimestamp() {
		markTokenStatus(ctx, token, TokenStatusExpired)
		return nil, nil, relaymodel.NewError(relaymodel.ErrTokenExpired, "token %s (#%d) expired at %d", token.Name, token.Id, token.ExpiredTime)
	}

	if token.Subnet != nil && *token.Subnet != "" {
		if !network.IsIpAllowed(ctx, clientIP, *token.Subnet) {
			return nil, nil, relaymodel.NewError(relaymodel.ErrIpNotAllowed, "client address %s is not in the token allowlist", clientIP)
		}
	}

	if !token.allowsModel(modelName) {
		return nil, nil, relaymodel.NewError(relaymodel.ErrModelNotPermitted, "token %s (#%d) cannot access model %s", token.Name, token.Id, modelName)
	}

	if !token.Unlimited() {
		if token.RemainQuota <= 0 {
			markTokenStatus(ctx, token, TokenStatusExhausted)
			return nil, nil, relaymodel.NewError(relaymodel.ErrTokenExhausted, "token %s (#%d) quota has been used up", token.Name, token.Id)
		}
		if token.RemainQuota < estimatedPromptTokens {
			return nil, nil, relaymodel.NewError(relaymodel.ErrQuotaInsufficient, "token %s (#%d) has %d quota left, request needs about %d", token.Name, token.Id, token.RemainQuota, estimatedPromptTokens)
		}
	}

	user, err := GetUserById(token.UserId)
	if err != nil {
		return nil, nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "resolve token owner")
	}
	if user.Status != UserStatusEnabled {
		return nil, nil, relaymodel.NewError(relaymodel.ErrTokenDisabled, "owner of token %s (#%d) is disabled", token.Name, token.Id)
	}

	return token, user, nil
}

// markTokenStatus persists a status transition discovered during
// authorization. With Redis enabled the cached copy is dropped instead so
// the next fetch observes the new row.
func markTokenStatus(ctx context.Context, token *Token, status int) {
	token.Status = status
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&Token{}).Where("id = ?", token.Id).Update("status", status).Error
	})
	if err != nil {
		logger.Logger.Error("failed to update token status",
			zap.Int("token_id", token.Id), zap.Int("status", status), zap.Error(err))
	}
	clearTokenCache(ctx, token.KeyHash)
}

// CommitUsage atomically debits prompt+completion quota units from the
// token and reconciles the owner's counters. The debit may drive the
// remaining quota to zero or below, which flips the token to exhausted;
// it never fails the request that already completed.
func CommitUsage(ctx context.Context, tokenId int, promptTokens int, completionTokens int) error {
	total := int64(promptTokens + completionTokens)
	if total < 0 {
		return errors.Errorf("negative usage for token %d", tokenId)
	}

	token, err := GetTokenById(tokenId)
	if err != nil {
		return errors.Wrapf(err, "get token %d for usage commit", tokenId)
	}

	updates := map[string]any{
		"used_quota":    gorm.Expr("used_quota + ?", total),
		"accessed_time": helper.GetTimestamp(),
	}
	if !token.Unlimited() {
		updates["remain_quota"] = gorm.Expr("remain_quota - ?", total)
	}

	var result *gorm.DB
	err = runWithSQLiteBusyRetry(ctx, func() error {
		result = DB.Model(&Token{}).Where("id = ?", tokenId).Updates(updates)
		return result.Error
	})
	if err != nil {
		return errors.Wrapf(err, "commit usage for token %d", tokenId)
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("token %d vanished during usage commit", tokenId)
	}

	if !token.Unlimited() && token.RemainQuota-total <= 0 {
		markTokenStatus(ctx, token, TokenStatusExhausted)
	} else {
		clearTokenCache(ctx, token.KeyHash)
	}

	if err := chargeUserQuota(ctx, token.UserId, total); err != nil {
		logger.Logger.Error("failed to reconcile user quota",
			zap.Int("user_id", token.UserId), zap.Int64("quota", total), zap.Error(err))
	}
	return nil
}

func GetTokenById(id int) (*Token, error) {
	if id == 0 {
		return nil, errors.New("id is empty")
	}
	var token Token
	if err := DB.First(&token, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get token %d", id)
	}
	return &token, nil
}

func GetTokenByKeyHash(keyHash string) (*Token, error) {
	var token Token
	if err := DB.First(&token, "key_hash = ?", keyHash).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func GetUserTokens(userId int) ([]*Token, error) {
	var tokens []*Token
	err := DB.Where("user_id = ?", userId).Order("id desc").Find(&tokens).Error
	return tokens, errors.Wrapf(err, "list tokens of user %d", userId)
}

func (t *Token) Insert(ctx context.Context) error {
	if t.CreatedTime == 0 {
		t.CreatedTime = helper.GetTimestamp()
	}
	if err := DB.Create(t).Error; err != nil {
		return errors.Wrap(err, "insert token")
	}
	clearTokenCache(ctx, t.KeyHash)
	return nil
}

func (t *Token) Update(ctx context.Context) error {
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(t).Select("name", "group", "cross_group_retry", "expired_time",
			"remain_quota", "rpm_limit", "tpm_limit", "models", "subnet", "status").
			Updates(t).Error
	})
	if err != nil {
		return errors.Wrapf(err, "update token %d", t.Id)
	}
	clearTokenCache(ctx, t.KeyHash)
	return nil
}

func (t *Token) Delete(ctx context.Context) error {
	if t.Id == 0 {
		return errors.New("id is empty")
	}
	if err := DB.Delete(t).Error; err != nil {
		return errors.Wrapf(err, "delete token %d", t.Id)
	}
	clearTokenCache(ctx, t.KeyHash)
	return nil
}

func clearUserTokenCaches(ctx context.Context, userId int) {
	tokens, err := GetUserTokens(userId)
	if err != nil {
		logger.Logger.Warn("failed to list tokens for cache clearing",
			zap.Int("user_id", userId), zap.Error(err))
		return
	}
	for _, t := range tokens {
		clearTokenCache(ctx, t.KeyHash)
	}
}
