package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fluxgate/fluxgate/common/env"
)

var (
	// SessionSecret salts access-token key hashes and derives the credential
	// encryption key. Must be set to a stable value in production; a random
	// value would invalidate every stored key hash on restart.
	SessionSecret = env.String("SECRET_KEY", "fluxgate-insecure-default")

	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)

	// SQLDSN selects the database: postgres:// prefix for PostgreSQL, any
	// other non-empty value for MySQL, empty for SQLite.
	SQLDSN = env.String("SQL_DSN", "")
	// SQLitePath is the SQLite database file location when SQL_DSN is empty.
	SQLitePath = env.String("SQLITE_PATH", "fluxgate.db")
	// SQLiteBusyTimeout is passed as _busy_timeout to the SQLite driver (ms).
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3500)

	SQLMaxIdleConns       = env.Int("SQL_MAX_IDLE_CONNS", 100)
	SQLMaxOpenConns       = env.Int("SQL_MAX_OPEN_CONNS", 1000)
	SQLMaxLifetimeSeconds = env.Int("SQL_MAX_LIFETIME", 60)

	// RedisConnString enables the Redis token cache when set.
	RedisConnString = env.String("REDIS_CONN_STRING", "")
	RedisPassword   = env.String("REDIS_PASSWORD", "")
	RedisMasterName = env.String("REDIS_MASTER_NAME", "")

	// SyncFrequency controls how often the provider snapshot refreshes from
	// the database (seconds).
	SyncFrequency = env.Int("SYNC_FREQUENCY", 60)

	// MaxAttempts caps how many accounts the dispatcher tries per request.
	MaxAttempts = env.Int("MAX_ATTEMPTS", 3)

	// GlobalRPM / GlobalTPM gate all traffic before any per-account or
	// per-token bucket. 0 disables the corresponding bucket.
	GlobalRPM = env.Int64("GLOBAL_RPM", 0)
	GlobalTPM = env.Int64("GLOBAL_TPM", 0)

	// DefaultUserRPM / DefaultUserTPM apply to access tokens whose own
	// limits are 0.
	DefaultUserRPM = env.Int64("DEFAULT_USER_RPM", 0)
	DefaultUserTPM = env.Int64("DEFAULT_USER_TPM", 0)

	// Consecutive-failure thresholds for the health monitor.
	DegradeAfter   = env.Int("DEGRADE_AFTER", 3)
	UnhealthyAfter = env.Int("UNHEALTHY_AFTER", 6)
	BanAfter       = env.Int("BAN_AFTER", 10)

	// RateLimitDegradeThreshold is the number of upstream 429s within one
	// minute that degrades an account.
	RateLimitDegradeThreshold = env.Int("RATE_LIMIT_DEGRADE_THRESHOLD", 5)
	RateLimitCooldown         = time.Duration(env.Int("RATE_LIMIT_COOLDOWN", 60)) * time.Second

	AuthBanDuration    = time.Duration(env.Int("AUTH_BAN_DURATION", 86400)) * time.Second
	FailureBanDuration = time.Duration(env.Int("FAILURE_BAN_DURATION", 600)) * time.Second

	// AllowUnhealthyFallback lets the dispatcher use an unhealthy account
	// when it is the only candidate left.
	AllowUnhealthyFallback = env.Bool("ALLOW_UNHEALTHY_FALLBACK", false)

	// Upstream network timeouts. BetweenChunksTimeout bounds the gap
	// between two streamed chunks; exceeding it counts as a timeout outcome
	// for the health monitor.
	ConnectTimeout       = time.Duration(env.Int("CONNECT_TIMEOUT", 10)) * time.Second
	FirstByteTimeout     = time.Duration(env.Int("FIRST_BYTE_TIMEOUT", 60)) * time.Second
	BetweenChunksTimeout = time.Duration(env.Int("BETWEEN_CHUNKS_TIMEOUT", 90)) * time.Second

	// HealthSweepInterval is how often the monitor walks cooldowns.
	HealthSweepInterval = time.Duration(env.Int("HEALTH_SWEEP_INTERVAL", 60)) * time.Second

	// UsageRefreshInterval schedules the account usage/limit refresh for
	// device-flow providers; each tick is jittered by +-20%.
	UsageRefreshInterval = time.Duration(env.Int("USAGE_REFRESH_INTERVAL", 300)) * time.Second

	// LogFlushInterval / LogQueueSize shape the batched log sink.
	LogFlushInterval = time.Duration(env.Int("LOG_FLUSH_INTERVAL", 5)) * time.Second
	LogQueueSize     = env.Int("LOG_QUEUE_SIZE", 4096)

	// InitialRootToken seeds an access token for the root user on first boot.
	InitialRootToken = env.String("INITIAL_ROOT_TOKEN", "")

	// AccountStrategy selects how the dispatcher picks among healthy
	// accounts: weighted_random, least_recently_used or least_used.
	AccountStrategy = env.String("ACCOUNT_STRATEGY", "weighted_random")

	// ShutdownTimeoutSec bounds graceful shutdown of the HTTP server and
	// background workers.
	ShutdownTimeoutSec = env.Int("SHUTDOWN_TIMEOUT", 30)

	// EnablePrometheusMetrics exposes /metrics when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)

	// MaxInlineImageSizeMB caps remote images fetched for providers that
	// only accept inline base64 image data.
	MaxInlineImageSizeMB = env.Int("MAX_INLINE_IMAGE_SIZE_MB", 10)

	// TokenKeyPrefix is prepended to generated access-token keys and
	// stripped before hashing on lookup.
	TokenKeyPrefix = env.String("TOKEN_KEY_PREFIX", "sk-")

	// SystemName is used in outbound notifications.
	SystemName = env.String("SYSTEM_NAME", "FluxGate")
	// RootUserEmail receives account ban notifications when set.
	RootUserEmail = env.String("ROOT_USER_EMAIL", "")

	// SMTP settings for ban notification emails; notifications are
	// skipped when SMTPServer is empty.
	SMTPServer          = env.String("SMTP_SERVER", "")
	SMTPPort            = env.Int("SMTP_PORT", 587)
	SMTPAccount         = env.String("SMTP_ACCOUNT", "")
	SMTPFrom            = env.String("SMTP_FROM", "")
	SMTPToken           = env.String("SMTP_TOKEN", "")
	ForceEmailTLSVerify = env.Bool("FORCE_EMAIL_TLS_VERIFY", false)

	// MessagePusher is preferred over email when configured.
	MessagePusherAddress = env.String("MESSAGE_PUSHER_ADDRESS", "")
	MessagePusherToken   = env.String("MESSAGE_PUSHER_TOKEN", "")
)

// estimatorWeights is hot-reloadable: requests capture a snapshot at entry
// so authorize-time and commit-time estimates agree.
var estimatorWeights atomic.Value

// EstimatorWeights maps a character class to its token weight for one
// provider family.
type EstimatorWeights struct {
	Word       float64 `json:"word"`
	Number     float64 `json:"number"`
	CJK        float64 `json:"cjk"`
	Symbol     float64 `json:"symbol"`
	MathSymbol float64 `json:"math_symbol"`
	URLDelim   float64 `json:"url_delim"`
	AtSign     float64 `json:"at_sign"`
	Emoji      float64 `json:"emoji"`
	Newline    float64 `json:"newline"`
	Space      float64 `json:"space"`
}

// EstimatorTable holds per-provider-family weights.
type EstimatorTable struct {
	OpenAI EstimatorWeights `json:"openai"`
	Claude EstimatorWeights `json:"claude"`
	Gemini EstimatorWeights `json:"gemini"`
}

func init() {
	estimatorWeights.Store(defaultEstimatorTable())
}

func defaultEstimatorTable() *EstimatorTable {
	return &EstimatorTable{
		OpenAI: EstimatorWeights{Word: 1.02, Number: 1.55, CJK: 0.85, Symbol: 0.4, MathSymbol: 2.68, URLDelim: 1.0, AtSign: 2.0, Emoji: 2.12, Newline: 0.5, Space: 0.42},
		Claude: EstimatorWeights{Word: 1.13, Number: 1.63, CJK: 1.21, Symbol: 0.4, MathSymbol: 4.52, URLDelim: 1.26, AtSign: 2.82, Emoji: 2.6, Newline: 0.89, Space: 0.39},
		Gemini: EstimatorWeights{Word: 1.15, Number: 2.8, CJK: 0.68, Symbol: 0.38, MathSymbol: 1.05, URLDelim: 1.2, AtSign: 2.5, Emoji: 1.08, Newline: 1.15, Space: 0.2},
	}
}

// GetEstimatorTable returns the current weight table. Hold the pointer for
// the whole request rather than re-fetching.
func GetEstimatorTable() *EstimatorTable {
	return estimatorWeights.Load().(*EstimatorTable)
}

// SetEstimatorTable swaps the weight table; in-flight requests keep their
// snapshot.
func SetEstimatorTable(t *EstimatorTable) {
	if t != nil {
		estimatorWeights.Store(t)
	}
}
