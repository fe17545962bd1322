package ctxkey

import "github.com/gin-gonic/gin"

const (
	// Id is the authenticated user id for the current request.
	// Set in: middleware/auth.TokenAuth.
	Id = "id"

	// RequestId is a per-request unique identifier used in logs and error
	// envelopes returned to the caller.
	RequestId = "X-Fluxgate-Request-Id"

	// TokenKey is the raw access-token credential extracted from the
	// request headers. Set in: middleware/auth.TokenAuth; full
	// authorization happens in the dispatcher once the model and the
	// prompt estimate are known.
	TokenKey = "token_key"

	// TokenId / TokenName identify the access token that authorized this
	// request. Set in: relay/controller once authorization succeeds.
	TokenId   = "token_id"
	TokenName = "token_name"

	// TokenModel holds the authorized *model.Token for quota commits.
	TokenModel = "token_model"

	// Group is the access token's group label; constrains provider
	// candidate selection.
	Group = "group"

	// CrossGroupRetry mirrors the token's cross_group_retry flag for the
	// dispatcher's candidate extension.
	CrossGroupRetry = "cross_group_retry"

	// RequestModel is the canonical model name as requested by the client.
	// Never mutated; provider-specific mapping happens in the adaptor.
	RequestModel = "request_model"

	// Dialect tags the caller's request/response shape (openai, claude,
	// gemini). Set from the route; read by the dispatcher for response
	// re-serialization.
	Dialect = "dialect"

	// AvailableModels is the CSV of models allowed by the access token.
	AvailableModels = "available_models"

	// ClientIP is the resolved caller address checked against the token's
	// IP allowlist.
	ClientIP = "client_ip"

	// KeyRequestBody caches the raw request body bytes for reuse.
	KeyRequestBody = gin.BodyBytesKey
)
