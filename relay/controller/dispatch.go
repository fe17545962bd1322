// Package controller drives the relay pipeline: authorize, estimate,
// resolve candidates, run the attempt loop against upstream accounts and
// re-serialize the reply in the caller's dialect.
package controller

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/ctxkey"
	"github.com/fluxgate/fluxgate/common/graceful"
	"github.com/fluxgate/fluxgate/common/helper"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/monitor"
	"github.com/fluxgate/fluxgate/relay/adaptor"
	"github.com/fluxgate/fluxgate/relay/dialect"
	"github.com/fluxgate/fluxgate/relay/estimator"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
	"github.com/fluxgate/fluxgate/relay/ratelimit"
)

// Package-level singletons shared by the dispatcher, the router's status
// endpoints and the background loops started from main.
var (
	RateLimits = ratelimit.NewManager()
	Health     = monitor.NewMonitor()
)

// Dispatch runs the full relay for one request. pathModel and
// pathStream carry route-level overrides for dialects that encode them
// in the URL instead of the body.
func Dispatch(c *gin.Context, d relaymodel.Dialect, pathModel string, pathStream bool) {
	startTime := time.Now()
	codec := dialect.CodecFor(d)

	body, err := common.GetRequestBody(c)
	if err != nil {
		respondError(c, codec, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "read request body"))
		return
	}
	req, gerr := codec.ParseRequest(body)
	if gerr != nil {
		respondError(c, codec, gerr)
		return
	}
	req.Dialect = d
	if pathModel != "" {
		req.Model = pathModel
	}
	if pathStream {
		req.Stream = true
	}
	if req.Model == "" {
		respondError(c, codec, relaymodel.NewError(relaymodel.ErrBadRequest, "model is required"))
		return
	}
	c.Set(ctxkey.RequestModel, req.Model)

	// One weight-table snapshot serves both the admission estimate and
	// the billing fallback, so a table swap mid-request cannot make them
	// disagree.
	est := estimator.New()
	estimate := est.EstimateRequest(req)
	ctx := c.Request.Context()

	token, user, gerr := model.Authorize(ctx,
		c.GetString(ctxkey.TokenKey), c.ClientIP(), req.Model, int64(estimate))
	if gerr != nil {
		respondError(c, codec, gerr)
		return
	}
	c.Set(ctxkey.TokenId, token.Id)
	c.Set(ctxkey.TokenName, token.Name)
	c.Set(ctxkey.Id, user.Id)
	c.Set(ctxkey.Group, token.Group)

	row := &model.Log{
		UserId:    user.Id,
		TokenId:   token.Id,
		TokenName: token.Name,
		ModelName: req.Model,
		IsStream:  req.Stream,
		RequestId: c.GetString(ctxkey.RequestId),
	}

	tokenLimits := effectiveTokenLimits(token, user)
	tried := make(map[int]bool)
	attempts := 0
	var lastErr *relaymodel.GatewayError

	// Phase 0 keeps to the token's group; phase 1 widens to every other
	// group when the token opted into cross-group retry.
	for phase := 0; phase < 2; phase++ {
		if phase == 1 && !token.CrossGroupRetry {
			break
		}
		resolved := model.ResolveProviders(req.Model, token.Group, phase == 1)

		for attempts < config.MaxAttempts {
			cand := nextCandidate(resolved, tried)
			if cand == nil {
				break
			}
			tried[cand.Account.Id] = true
			row.ProviderId = cand.Provider.Id
			row.AccountId = cand.Account.Id

			charge, decision := RateLimits.Check(cand.Account.Id,
				ratelimit.Limits{RPM: cand.Account.RPMLimit, TPM: cand.Account.TPMLimit},
				token.Id, tokenLimits, int64(estimate))
			if !decision.Allowed {
				if decision.Layer == ratelimit.LayerAccount {
					// Soft skip; another account may have headroom.
					lastErr = relaymodel.NewError(relaymodel.ErrRateLimited, "account is rate limited")
					lastErr.RetryAfter = decision.RetryAfter
					continue
				}
				gerr = relaymodel.NewError(relaymodel.ErrRateLimited, "%s rate limit exceeded", decision.Layer)
				gerr.RetryAfter = decision.RetryAfter
				finishLog(row, startTime, gerr.StatusCode(), string(gerr.Kind), 0, 0)
				respondError(c, codec, gerr)
				return
			}
			attempts++

			if _, err := model.MarkAccountSelected(ctx, cand.Account.Id, cand.Account.LastUsedAt); err != nil {
				logger.Logger.Warn("failed to mark account selected",
					zap.Int("account_id", cand.Account.Id), zap.Error(err))
			}

			ad, ok := adaptor.ForType(cand.Provider.Type)
			if !ok {
				charge.Refund()
				lastErr = relaymodel.NewError(relaymodel.ErrInternal, "no adaptor for provider type %q", cand.Provider.Type)
				continue
			}

			stream, gerr := ad.Execute(ctx, cand.Provider, cand.Account, req)
			if gerr == nil {
				var first *relaymodel.Chunk
				first, gerr = firstChunk(ctx, stream)
				if gerr == nil {
					// Commit point: the response now belongs to this
					// account, no further retries.
					serveStream(c, codec, req, est, token, charge, row, startTime, cand.Account.Id, first, stream)
					return
				}
				_ = stream.Close()
			}

			Health.Record(ctx, cand.Account.Id, monitor.OutcomeForError(gerr))
			charge.Refund()
			lastErr = gerr
			if gerr.Kind == relaymodel.ErrClientCancelled {
				finishLog(row, startTime, gerr.StatusCode(), string(gerr.Kind), 0, 0)
				return
			}
			if !gerr.Retryable() {
				finishLog(row, startTime, gerr.StatusCode(), string(gerr.Kind), 0, 0)
				respondError(c, codec, gerr)
				return
			}
		}
	}

	if lastErr == nil {
		lastErr = relaymodel.NewError(relaymodel.ErrNoProvider, "no provider serves model %q", req.Model)
	}
	finishLog(row, startTime, lastErr.StatusCode(), string(lastErr.Kind), 0, 0)
	respondError(c, codec, lastErr)
}

// effectiveTokenLimits resolves the token-layer limits: token first,
// then the owner's defaults, then the instance defaults.
func effectiveTokenLimits(token *model.Token, user *model.User) ratelimit.Limits {
	limits := ratelimit.Limits{RPM: token.RPMLimit, TPM: token.TPMLimit}
	if limits.RPM == 0 {
		limits.RPM = user.RPMLimit
	}
	if limits.TPM == 0 {
		limits.TPM = user.TPMLimit
	}
	if limits.RPM == 0 {
		limits.RPM = config.DefaultUserRPM
	}
	if limits.TPM == 0 {
		limits.TPM = config.DefaultUserTPM
	}
	return limits
}

// nextCandidate picks the next untried account, honoring provider
// priority order and health ranking: healthy accounts of the best
// provider first, then degraded ones, then (only when nothing else is
// left anywhere) unhealthy accounts if the fallback is enabled.
func nextCandidate(resolved []*model.ResolvedProvider, tried map[int]bool) *model.AccountCandidate {
	pools := collectCandidates(resolved, tried)
	for _, pool := range [][]*model.AccountCandidate{pools.healthy, pools.degraded} {
		if pick := model.PickAccount(pool, config.AccountStrategy); pick != nil {
			return pick
		}
	}
	if config.AllowUnhealthyFallback {
		return model.PickAccount(pools.unhealthy, config.AccountStrategy)
	}
	return nil
}

type candidatePools struct {
	healthy   []*model.AccountCandidate
	degraded  []*model.AccountCandidate
	unhealthy []*model.AccountCandidate
}

func collectCandidates(resolved []*model.ResolvedProvider, tried map[int]bool) candidatePools {
	var pools candidatePools
	topPriority := 0
	for i, rp := range resolved {
		// Resolution already ordered providers by priority tier; only the
		// best tier with any live account competes.
		if i == 0 {
			topPriority = rp.Provider.Priority
		}
		if (len(pools.healthy) > 0 || len(pools.degraded) > 0) && rp.Provider.Priority < topPriority {
			break
		}
		for _, acc := range rp.Accounts {
			if tried[acc.Id] {
				continue
			}
			cand := &model.AccountCandidate{Account: acc, Provider: rp.Provider}
			switch Health.StatusOf(acc.Id) {
			case monitor.StatusHealthy:
				pools.healthy = append(pools.healthy, cand)
			case monitor.StatusDegraded:
				pools.degraded = append(pools.degraded, cand)
			case monitor.StatusUnhealthy:
				pools.unhealthy = append(pools.unhealthy, cand)
			}
		}
	}
	return pools
}

// firstChunk pulls the commit-point chunk, mapping stream errors into
// the shared taxonomy.
func firstChunk(ctx context.Context, stream relaymodel.ChunkStream) (*relaymodel.Chunk, *relaymodel.GatewayError) {
	chunk, err := stream.Next(ctx)
	if err == io.EOF {
		return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream returned an empty response")
	}
	if err != nil {
		return nil, asGatewayError(err)
	}
	return chunk, nil
}

func asGatewayError(err error) *relaymodel.GatewayError {
	var gerr *relaymodel.GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	return relaymodel.WrapError(relaymodel.ErrInternal, err, "stream failed")
}

// serveStream consumes the upstream chunk stream past the commit point,
// writing the reply in the caller's dialect and settling usage, health
// and the log row when the stream ends, fails or is cancelled.
func serveStream(c *gin.Context, codec dialect.Codec, req *relaymodel.Request, est estimator.Estimator,
	token *model.Token, charge *ratelimit.Charge, row *model.Log, startTime time.Time, accountId int,
	first *relaymodel.Chunk, stream relaymodel.ChunkStream) {

	defer stream.Close()
	ctx := c.Request.Context()

	var usage relaymodel.Usage
	var completionText strings.Builder
	outcome := monitor.OutcomeSuccess
	statusCode := http.StatusOK
	errorKind := ""

	var render func(*relaymodel.Chunk) bool
	var finish func(failed *relaymodel.GatewayError)

	if req.Stream {
		renderer := codec.NewStreamRenderer(req.Model)
		writeStreamHeaders(c, renderer.ContentType())
		render = func(chunk *relaymodel.Chunk) bool {
			data, err := renderer.Render(chunk)
			if err != nil {
				logger.Logger.Error("failed to render chunk", zap.Error(err))
				return false
			}
			return writeAndFlush(c, data)
		}
		finish = func(failed *relaymodel.GatewayError) {
			if failed != nil {
				writeAndFlush(c, renderer.RenderStreamError(failed))
				return
			}
			writeAndFlush(c, renderer.Finish())
		}
	} else {
		resp := &relaymodel.Response{Model: req.Model}
		toolCalls := make(map[int]*relaymodel.ToolCall)
		var toolOrder []int
		render = func(chunk *relaymodel.Chunk) bool {
			resp.Text += chunk.TextDelta
			if tc := chunk.ToolCall; tc != nil {
				call, ok := toolCalls[tc.Index]
				if !ok {
					call = &relaymodel.ToolCall{}
					toolCalls[tc.Index] = call
					toolOrder = append(toolOrder, tc.Index)
				}
				if tc.Id != "" {
					call.Id = tc.Id
				}
				if tc.Name != "" {
					call.Name = tc.Name
				}
				call.Arguments += tc.Arguments
			}
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			return true
		}
		finish = func(failed *relaymodel.GatewayError) {
			if failed != nil {
				respondError(c, codec, failed)
				return
			}
			sort.Ints(toolOrder)
			for _, idx := range toolOrder {
				resp.ToolCalls = append(resp.ToolCalls, *toolCalls[idx])
			}
			resp.Usage = usage
			data, err := codec.RenderUnary(resp)
			if err != nil {
				respondError(c, codec, relaymodel.WrapError(relaymodel.ErrInternal, err, "render response"))
				return
			}
			c.Data(http.StatusOK, codec.UnaryContentType(), data)
		}
	}

	chunk := first
	var failure *relaymodel.GatewayError
	for {
		usage.Add(chunk.Usage)
		completionText.WriteString(chunk.TextDelta)
		if !render(chunk) {
			break
		}
		if chunk.FinishReason != "" {
			break
		}

		var err error
		chunk, err = stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			failure = asGatewayError(err)
			break
		}
	}

	if failure != nil {
		statusCode = failure.StatusCode()
		errorKind = string(failure.Kind)
		if failure.Kind == relaymodel.ErrClientCancelled {
			outcome = monitor.OutcomeClientError
		} else {
			outcome = monitor.OutcomeForError(failure)
		}
	}
	finish(failure)

	// Bill what actually flowed: upstream-reported counts when present,
	// estimates otherwise.
	prompt := usage.PromptTokens
	if prompt == 0 {
		prompt = est.EstimateRequest(req)
	}
	completion := usage.CompletionTokens
	if completion == 0 && completionText.Len() > 0 {
		completion = est.EstimateText(completionText.String(), req.Model)
	}

	charge.Reconcile(int64(prompt + completion))
	Health.Record(ctx, accountId, outcome)
	graceful.GoCritical(context.WithoutCancel(ctx), "commit_usage", func(ctx context.Context) {
		if err := model.CommitUsage(ctx, token.Id, prompt, completion); err != nil {
			logger.Logger.Error("failed to commit token usage",
				zap.Int("token_id", token.Id), zap.Error(err))
		}
	})
	finishLog(row, startTime, statusCode, errorKind, prompt, completion)
}

func writeStreamHeaders(c *gin.Context, contentType string) {
	c.Writer.Header().Set("Content-Type", contentType)
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeAndFlush(c *gin.Context, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if _, err := c.Writer.Write(data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func finishLog(row *model.Log, startTime time.Time, statusCode int, errorKind string, prompt int, completion int) {
	row.StatusCode = statusCode
	row.ErrorKind = errorKind
	row.PromptTokens = prompt
	row.CompletionTokens = completion
	row.ElapsedTime = helper.CalcElapsedTime(startTime)
	model.RecordLog(row)
}

func respondError(c *gin.Context, codec dialect.Codec, gerr *relaymodel.GatewayError) {
	if gerr.RetryAfter > 0 {
		// Round up so a sub-second wait never becomes a zero back-off.
		c.Header("Retry-After", fmt.Sprintf("%.0f", math.Ceil(gerr.RetryAfter)))
	}
	c.Data(gerr.StatusCode(), codec.UnaryContentType(), codec.RenderError(gerr))
}
