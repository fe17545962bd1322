// Package adaptor speaks the upstream provider protocols. Every adaptor
// maps a canonical request onto its provider's wire format, executes it
// and exposes the reply as a canonical chunk stream, translating
// upstream failures into the shared error taxonomy.
package adaptor

import (
	"context"
	"strconv"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// Adaptor executes one canonical request against one provider account.
// Unary upstream replies are wrapped as a single-chunk stream so the
// dispatcher has only one consumption path.
type Adaptor interface {
	Execute(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request) (relaymodel.ChunkStream, *relaymodel.GatewayError)
}

var adaptors = map[string]Adaptor{
	model.ProviderTypeOpenAI:    &openaiAdaptor{},
	model.ProviderTypeGLM:       &glmAdaptor{},
	model.ProviderTypeAnthropic: &anthropicAdaptor{},
	model.ProviderTypeGoogle:    &geminiAdaptor{},
	model.ProviderTypeKiro:      &kiroAdaptor{},
}

// ForType returns the adaptor for a provider type tag.
func ForType(providerType string) (Adaptor, bool) {
	a, ok := adaptors[providerType]
	return a, ok
}

// UsageRefresher is implemented by adaptors whose provider exposes a
// quota endpoint; the background refresher polls it per account.
type UsageRefresher interface {
	RefreshUsage(ctx context.Context, account *model.Account) error
}

// applyHeaderOverrides merges a provider's extra headers into the
// request headers. A bundle that fails to decode is logged and skipped
// rather than failing the request.
func applyHeaderOverrides(provider *model.Provider, headers map[string]string) {
	overrides, err := provider.GetHeaderOverrides()
	if err != nil {
		logger.Logger.Warn("skip malformed header overrides",
			zap.Int("provider", provider.Id), zap.Error(err))
		return
	}
	for k, v := range overrides {
		headers[k] = v
	}
}

// classifyStatus maps an upstream HTTP status to the canonical error
// taxonomy. 4xx statuses other than auth and rate limits reflect a
// request the upstream rejected, which is not retryable. The upstream
// body stays in Raw for the logs; the client only ever sees the
// generic per-kind message.
func classifyStatus(status int, body string, retryAfter string) *relaymodel.GatewayError {
	gerr := &relaymodel.GatewayError{
		Raw: errors.Errorf("upstream status %d: %s", status, truncateBody(body)),
	}
	switch {
	case status == 401 || status == 403:
		gerr.Kind = relaymodel.ErrUpstreamAuthFailed
		gerr.Message = "upstream rejected the provider credentials"
	case status == 429:
		gerr.Kind = relaymodel.ErrRateLimited
		gerr.Message = "upstream rate limit exceeded"
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil && secs > 0 {
			gerr.RetryAfter = secs
		}
	case status >= 500:
		gerr.Kind = relaymodel.ErrUpstream5xx
		gerr.Message = "upstream provider error"
	default:
		gerr.Kind = relaymodel.ErrBadRequest
		gerr.Message = "upstream rejected the request"
	}
	return gerr
}

// truncateBody bounds upstream error text kept for logs.
func truncateBody(body string) string {
	const maxLen = 512
	if len(body) > maxLen {
		return body[:maxLen]
	}
	return body
}
