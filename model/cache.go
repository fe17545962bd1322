package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
)

var tokenCacheTTL = time.Duration(config.SyncFrequency) * time.Second

// tokenMemCache backs token lookups when Redis is not configured.
var tokenMemCache = gocache.New(tokenCacheTTL, 2*tokenCacheTTL)

func tokenCacheKey(keyHash string) string {
	return fmt.Sprintf("token:%s", keyHash)
}

// CacheGetTokenByKey resolves a plaintext key to its token row through
// the cache. Cached copies may lag the database by up to the sync
// frequency; every write path clears the entry.
func CacheGetTokenByKey(ctx context.Context, key string) (*Token, error) {
	keyHash := common.HashKey(key)

	if common.IsRedisEnabled() {
		if cached, err := common.RedisGet(ctx, tokenCacheKey(keyHash)); err == nil {
			var token Token
			if err = json.Unmarshal([]byte(cached), &token); err == nil {
				return &token, nil
			}
			logger.Logger.Warn("failed to decode cached token", zap.Error(err))
		} else if !common.RedisIsNil(err) {
			logger.Logger.Warn("failed to read token cache", zap.Error(err))
		}
	} else if cached, ok := tokenMemCache.Get(tokenCacheKey(keyHash)); ok {
		return cached.(*Token), nil
	}

	token, err := GetTokenByKeyHash(keyHash)
	if err != nil {
		return nil, err
	}

	if common.IsRedisEnabled() {
		if encoded, err := json.Marshal(token); err == nil {
			if err = common.RedisSet(ctx, tokenCacheKey(keyHash), string(encoded), tokenCacheTTL); err != nil {
				logger.Logger.Warn("failed to write token cache", zap.Error(err))
			}
		}
	} else {
		tokenMemCache.Set(tokenCacheKey(keyHash), token, tokenCacheTTL)
	}
	return token, nil
}

func clearTokenCache(ctx context.Context, keyHash string) {
	if common.IsRedisEnabled() {
		if ctx == nil {
			ctx = context.Background()
		}
		if err := common.RedisDel(ctx, tokenCacheKey(keyHash)); err != nil {
			logger.Logger.Warn("failed to clear token cache, continuing",
				zap.String("key_hash", keyHash), zap.Error(err))
		}
		return
	}
	tokenMemCache.Delete(tokenCacheKey(keyHash))
}

// ResolvedProvider is one emission of the resolution order: a provider
// and its enabled accounts.
type ResolvedProvider struct {
	Provider *Provider
	Accounts []*Account
}

// providerSnapshot is the copy-on-write view served to dispatchers. A
// request takes one snapshot reference at entry and uses it throughout.
type providerSnapshot struct {
	providers []*Provider
	accounts  map[int][]*Account
}

var (
	snapshotMu      sync.RWMutex
	currentSnapshot *providerSnapshot = &providerSnapshot{accounts: map[int][]*Account{}}
)

func getSnapshot() *providerSnapshot {
	snapshotMu.RLock()
	defer snapshotMu.RUnlock()
	return currentSnapshot
}

// RefreshProviderSnapshot rebuilds the in-memory provider/account view
// from the database.
func RefreshProviderSnapshot() error {
	providers, err := GetAllProviders()
	if err != nil {
		return errors.Wrap(err, "load providers for snapshot")
	}
	next := &providerSnapshot{accounts: make(map[int][]*Account, len(providers))}
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		accounts, err := GetEnabledAccountsByProvider(p.Id)
		if err != nil {
			return errors.Wrapf(err, "load accounts of provider %d for snapshot", p.Id)
		}
		if len(accounts) == 0 {
			continue
		}
		next.providers = append(next.providers, p)
		next.accounts[p.Id] = accounts
	}

	snapshotMu.Lock()
	currentSnapshot = next
	snapshotMu.Unlock()
	return nil
}

// SyncProviderSnapshot refreshes the snapshot on a fixed cadence until
// ctx is done.
func SyncProviderSnapshot(ctx context.Context, frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := RefreshProviderSnapshot(); err != nil {
				logger.Logger.Error("failed to refresh provider snapshot", zap.Error(err))
			}
		}
	}
}

// ResolveProviders returns the candidate providers for a canonical model
// in dispatch order: priority tiers descending, weighted shuffle inside
// each tier. A non-empty group restricts candidates to that group;
// excludeGroup inverts the restriction for cross-group retries.
func ResolveProviders(modelName string, group string, excludeGroup bool) []*ResolvedProvider {
	snap := getSnapshot()

	var eligible []*Provider
	for _, p := range snap.providers {
		if group != "" {
			if excludeGroup == (p.Group == group) {
				continue
			}
		} else if excludeGroup {
			continue
		}
		if p.ServesModel(modelName) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	// Group by priority, highest first. The provider list is already
	// priority-sorted by the snapshot loader.
	var out []*ResolvedProvider
	for i := 0; i < len(eligible); {
		j := i
		for j < len(eligible) && eligible[j].Priority == eligible[i].Priority {
			j++
		}
		for _, p := range weightedShuffle(eligible[i:j]) {
			out = append(out, &ResolvedProvider{Provider: p, Accounts: snap.accounts[p.Id]})
		}
		i = j
	}
	return out
}

// SnapshotModels lists every model served by at least one live provider,
// deduplicated and in first-seen order.
func SnapshotModels() []string {
	snap := getSnapshot()
	seen := make(map[string]bool)
	var out []string
	for _, p := range snap.providers {
		for _, m := range p.GetModels() {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// weightedShuffle orders one priority tier by repeated weighted draws
// without replacement.
func weightedShuffle(tier []*Provider) []*Provider {
	if len(tier) <= 1 {
		return tier
	}
	pool := make([]*Provider, len(tier))
	copy(pool, tier)
	out := make([]*Provider, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, p := range pool {
			total += providerWeight(p)
		}
		n := randWeight(total)
		for idx, p := range pool {
			n -= providerWeight(p)
			if n < 0 {
				out = append(out, p)
				pool = append(pool[:idx], pool[idx+1:]...)
				break
			}
		}
	}
	return out
}
