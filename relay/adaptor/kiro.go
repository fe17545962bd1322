package adaptor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	"github.com/fluxgate/fluxgate/common/helper"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

const (
	kiroBaseURLTemplate   = "https://q.%s.amazonaws.com/generateAssistantResponse"
	kiroOIDCURLTemplate   = "https://oidc.%s.amazonaws.com/token"
	kiroDefaultRegion     = "us-east-1"
	kiroVersion           = "0.8.140"
	kiroOrigin            = "AI_EDITOR"
	kiroUsageResourceType = "AGENTIC_REQUEST"

	kiroMaxTools               = 50
	kiroMaxToolDescriptionLen  = 500
	kiroTokenExpirySlackSec    = 60
	kiroDefaultTokenTTLSec     = 3600
	kiroFillerUserContent      = "Continue"
	kiroFillerAssistantContent = "I understand."
)

// kiroModelMapping translates public model names to CodeWhisperer model
// ids. Unknown names pass through untouched.
var kiroModelMapping = map[string]string{
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
}

func kiroMappedModel(name string) string {
	if mapped, ok := kiroModelMapping[name]; ok {
		return mapped
	}
	return name
}

// kiroCredentials is the device-flow bundle stored sealed on the
// account.
type kiroCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ClientId     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Region       string `json:"region,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
	RefreshedAt  int64  `json:"refreshedAt,omitempty"`
}

func (c *kiroCredentials) region() string {
	if c.Region != "" {
		return c.Region
	}
	return kiroDefaultRegion
}

func (c *kiroCredentials) canRefresh() bool {
	return c.RefreshToken != "" && c.ClientId != "" && c.ClientSecret != ""
}

// expired treats a bundle without a refresh timestamp as stale so the
// first use always revalidates.
func (c *kiroCredentials) expired() bool {
	if c.RefreshedAt == 0 {
		return true
	}
	ttl := c.ExpiresIn
	if ttl <= 0 {
		ttl = kiroDefaultTokenTTLSec
	}
	return helper.GetTimestamp() >= c.RefreshedAt+ttl-kiroTokenExpirySlackSec
}

type kiroAdaptor struct{}

func loadKiroCredentials(account *model.Account) (*kiroCredentials, *relaymodel.GatewayError) {
	plaintext, err := account.GetCredentialBundle()
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrUpstreamAuthFailed, err, "open kiro credentials")
	}
	var creds kiroCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrUpstreamAuthFailed, err, "malformed kiro credentials")
	}
	return &creds, nil
}

// refreshKiroToken exchanges the refresh token at the regional OIDC
// endpoint and stamps the bundle with the new access token.
func refreshKiroToken(ctx context.Context, creds *kiroCredentials) error {
	body, err := json.Marshal(map[string]string{
		"clientId":     creds.ClientId,
		"clientSecret": creds.ClientSecret,
		"refreshToken": creds.RefreshToken,
		"grantType":    "refresh_token",
	})
	if err != nil {
		return errors.Wrap(err, "encode refresh request")
	}

	resp, gerr := doJSON(ctx, http.MethodPost, fmt.Sprintf(kiroOIDCURLTemplate, creds.region()), nil, body)
	if gerr != nil {
		return errors.Wrap(gerr, "refresh kiro token")
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errors.Wrap(err, "decode refresh response")
	}
	if out.AccessToken == "" {
		return errors.New("refresh response missing accessToken")
	}

	creds.AccessToken = out.AccessToken
	creds.ExpiresIn = out.ExpiresIn
	if creds.ExpiresIn <= 0 {
		creds.ExpiresIn = kiroDefaultTokenTTLSec
	}
	creds.RefreshedAt = helper.GetTimestamp()
	return nil
}

// persistKiroCredentials seals the refreshed bundle back onto the
// account row. A persistence failure is logged but does not fail the
// request; the in-memory token is still valid.
func persistKiroCredentials(ctx context.Context, account *model.Account, creds *kiroCredentials) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		logger.Logger.Error("marshal refreshed kiro credentials", zap.Error(err))
		return
	}
	if err := account.SetCredentialBundle(plaintext); err != nil {
		logger.Logger.Error("seal refreshed kiro credentials", zap.Error(err))
		return
	}
	if err := model.UpdateAccountCredentialBundle(ctx, account.Id, account.CredentialBundle); err != nil {
		logger.Logger.Error("persist refreshed kiro credentials",
			zap.Int("account", account.Id), zap.Error(err))
	}
}

func ensureKiroAccessToken(ctx context.Context, account *model.Account, creds *kiroCredentials) (string, *relaymodel.GatewayError) {
	if (creds.expired() || creds.AccessToken == "") && creds.canRefresh() {
		if err := refreshKiroToken(ctx, creds); err != nil {
			return "", relaymodel.WrapError(relaymodel.ErrUpstreamAuthFailed, err, "refresh kiro access token")
		}
		persistKiroCredentials(ctx, account, creds)
	}
	if creds.AccessToken == "" {
		return "", relaymodel.NewError(relaymodel.ErrUpstreamAuthFailed, "kiro credentials have no access token")
	}
	return creds.AccessToken, nil
}

func kiroHeaders(accessToken string) map[string]string {
	machineId := strings.ReplaceAll(uuid.NewString(), "-", "")
	return map[string]string{
		"Authorization":          "Bearer " + accessToken,
		"Accept":                 "application/json",
		"amz-sdk-request":        "attempt=1; max=1",
		"amz-sdk-invocation-id":  uuid.NewString(),
		"x-amzn-kiro-agent-mode": "vibe",
		"x-amz-user-agent":       fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", kiroVersion, machineId),
		"user-agent":             fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/windows lang/js md/nodejs api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s", kiroVersion, machineId),
	}
}

type kiroToolResult struct {
	Content   []map[string]string `json:"content"`
	Status    string              `json:"status"`
	ToolUseId string              `json:"toolUseId"`
}

type kiroToolUse struct {
	ToolUseId string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type kiroMessageContext struct {
	ToolResults []kiroToolResult `json:"toolResults,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
}

type kiroUserInputMessage struct {
	Content string              `json:"content"`
	ModelId string              `json:"modelId,omitempty"`
	Origin  string              `json:"origin,omitempty"`
	Context *kiroMessageContext `json:"userInputMessageContext,omitempty"`
}

type kiroAssistantMessage struct {
	Content  string        `json:"content"`
	ToolUses []kiroToolUse `json:"toolUses,omitempty"`
}

type kiroHistoryEntry struct {
	UserInputMessage         *kiroUserInputMessage `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

func kiroTruncateDescription(desc string) string {
	if len(desc) <= kiroMaxToolDescriptionLen {
		return desc
	}
	return desc[:kiroMaxToolDescriptionLen-3] + "..."
}

func renderKiroTools(tools []relaymodel.Tool) []map[string]any {
	var out []map[string]any
	count := 0
	for _, t := range tools {
		if t.Name == "web_search" || t.Name == "web_search_20250305" {
			out = append(out, map[string]any{
				"webSearchTool": map[string]any{"type": "web_search"},
			})
			continue
		}
		if count >= kiroMaxTools {
			continue
		}
		count++
		description := t.Description
		if description == "" {
			description = "Tool: " + t.Name
		}
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"toolSpecification": map[string]any{
				"name":        t.Name,
				"description": kiroTruncateDescription(description),
				"inputSchema": map[string]any{"json": schema},
			},
		})
	}
	return out
}

// buildKiroBody flattens the canonical conversation into the
// conversationState shape: every message before the last becomes
// history, the last user turn becomes currentMessage, and tool results
// of the final turn ride in userInputMessageContext.
func buildKiroBody(req *relaymodel.Request, profileArn string) ([]byte, *relaymodel.GatewayError) {
	kiroModel := kiroMappedModel(req.Model)
	system := req.SystemText()

	var turns []*relaymodel.Message
	for i := range req.Messages {
		if req.Messages[i].Role != relaymodel.RoleSystem {
			turns = append(turns, &req.Messages[i])
		}
	}
	if len(turns) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "no conversational messages")
	}

	var history []kiroHistoryEntry
	currentContent := ""
	var currentToolResults []kiroToolResult
	systemApplied := false

	for i, msg := range turns {
		isLast := i == len(turns)-1
		switch msg.Role {
		case relaymodel.RoleUser, relaymodel.RoleTool:
			content := msg.Text()
			toolResults := kiroToolResultsOf(msg)

			if len(toolResults) > 0 {
				if content == "" {
					content = "Tool results provided."
				}
				if isLast {
					currentContent = content
					currentToolResults = toolResults
					continue
				}
				history = append(history, kiroHistoryEntry{
					UserInputMessage: &kiroUserInputMessage{
						Content: content,
						ModelId: kiroModel,
						Origin:  kiroOrigin,
						Context: &kiroMessageContext{ToolResults: toolResults},
					},
				})
				continue
			}

			if system != "" && !systemApplied {
				systemApplied = true
				if content == "" {
					content = system
				} else {
					content = system + "\n\n" + content
				}
			}
			if content == "" {
				content = kiroFillerUserContent
			}
			if isLast {
				currentContent = content
				continue
			}
			history = append(history, kiroHistoryEntry{
				UserInputMessage: &kiroUserInputMessage{
					Content: content,
					ModelId: kiroModel,
					Origin:  kiroOrigin,
				},
			})

		case relaymodel.RoleAssistant:
			text := msg.Text()
			var toolUses []kiroToolUse
			for _, p := range msg.Parts {
				if p.Type != relaymodel.PartToolCall {
					continue
				}
				input := map[string]any{}
				if p.ToolCall.Arguments != "" {
					_ = json.Unmarshal([]byte(p.ToolCall.Arguments), &input)
				}
				toolUses = append(toolUses, kiroToolUse{
					ToolUseId: p.ToolCall.Id,
					Name:      p.ToolCall.Name,
					Input:     input,
				})
			}
			if text == "" {
				text = kiroFillerAssistantContent
			}
			history = append(history, kiroHistoryEntry{
				AssistantResponseMessage: &kiroAssistantMessage{
					Content:  text,
					ToolUses: toolUses,
				},
			})
		}
	}

	if currentContent == "" {
		currentContent = kiroFillerUserContent
	}
	history = fixKiroHistory(history, kiroModel)

	current := &kiroUserInputMessage{
		Content: currentContent,
		ModelId: kiroModel,
		Origin:  kiroOrigin,
	}
	kiroTools := renderKiroTools(req.Tools)
	if len(currentToolResults) > 0 || len(kiroTools) > 0 {
		current.Context = &kiroMessageContext{
			ToolResults: currentToolResults,
			Tools:       kiroTools,
		}
	}

	conversation := map[string]any{
		"chatTriggerType": "MANUAL",
		"conversationId":  uuid.NewString(),
		"currentMessage":  map[string]any{"userInputMessage": current},
	}
	if len(history) > 0 {
		conversation["history"] = history
	}
	out := map[string]any{"conversationState": conversation}
	if profileArn != "" {
		out["profileArn"] = profileArn
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "encode upstream request")
	}
	return body, nil
}

func kiroToolResultsOf(msg *relaymodel.Message) []kiroToolResult {
	var out []kiroToolResult
	seen := map[string]bool{}
	for _, p := range msg.Parts {
		if p.Type != relaymodel.PartToolResult || seen[p.ToolResult.ToolCallId] {
			continue
		}
		seen[p.ToolResult.ToolCallId] = true
		out = append(out, kiroToolResult{
			Content:   []map[string]string{{"text": p.ToolResult.Content}},
			Status:    "success",
			ToolUseId: p.ToolResult.ToolCallId,
		})
	}
	return out
}

// fixKiroHistory enforces the API's alternation rules. Consecutive user
// turns carrying tool results merge into one; other adjacency gaps are
// bridged with filler turns; tool uses without matching results (and
// vice versa) are dropped; history must end on an assistant turn.
func fixKiroHistory(history []kiroHistoryEntry, modelId string) []kiroHistoryEntry {
	if len(history) == 0 {
		return history
	}

	fillerUser := func() kiroHistoryEntry {
		return kiroHistoryEntry{UserInputMessage: &kiroUserInputMessage{
			Content: kiroFillerUserContent,
			ModelId: modelId,
			Origin:  kiroOrigin,
		}}
	}
	fillerAssistant := func() kiroHistoryEntry {
		return kiroHistoryEntry{AssistantResponseMessage: &kiroAssistantMessage{
			Content: kiroFillerAssistantContent,
		}}
	}

	var fixed []kiroHistoryEntry
	for _, item := range history {
		switch {
		case item.UserInputMessage != nil:
			if len(fixed) > 0 && fixed[len(fixed)-1].UserInputMessage != nil {
				prev := fixed[len(fixed)-1].UserInputMessage
				cur := item.UserInputMessage
				if cur.Context != nil && len(cur.Context.ToolResults) > 0 {
					if prev.Context == nil {
						prev.Context = &kiroMessageContext{}
					}
					prev.Context.ToolResults = append(prev.Context.ToolResults, cur.Context.ToolResults...)
					continue
				}
				fixed = append(fixed, fillerAssistant())
			}
			if len(fixed) > 0 && fixed[len(fixed)-1].AssistantResponseMessage != nil {
				lastAssistant := fixed[len(fixed)-1].AssistantResponseMessage
				hasToolUses := len(lastAssistant.ToolUses) > 0
				hasToolResults := item.UserInputMessage.Context != nil && len(item.UserInputMessage.Context.ToolResults) > 0
				if hasToolUses && !hasToolResults {
					lastAssistant.ToolUses = nil
				} else if !hasToolUses && hasToolResults {
					item.UserInputMessage.Context = nil
				}
			}
			fixed = append(fixed, item)

		case item.AssistantResponseMessage != nil:
			if len(fixed) == 0 || fixed[len(fixed)-1].AssistantResponseMessage != nil {
				fixed = append(fixed, fillerUser())
			}
			fixed = append(fixed, item)
		}
	}

	if len(fixed) > 0 && fixed[len(fixed)-1].UserInputMessage != nil {
		fixed = append(fixed, fillerAssistant())
	}
	return fixed
}

func (a *kiroAdaptor) Execute(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request) (relaymodel.ChunkStream, *relaymodel.GatewayError) {
	creds, gerr := loadKiroCredentials(account)
	if gerr != nil {
		return nil, gerr
	}
	accessToken, gerr := ensureKiroAccessToken(ctx, account, creds)
	if gerr != nil {
		return nil, gerr
	}

	body, gerr := buildKiroBody(req, creds.ProfileArn)
	if gerr != nil {
		return nil, gerr
	}

	endpoint := fmt.Sprintf(kiroBaseURLTemplate, creds.region())
	if provider.BaseURL != "" {
		endpoint = strings.TrimSuffix(provider.BaseURL, "/") + "/generateAssistantResponse"
	}

	headers := kiroHeaders(accessToken)
	applyHeaderOverrides(provider, headers)

	resp, gerr := doJSON(ctx, http.MethodPost, endpoint, headers, body)
	if gerr != nil && gerr.Kind == relaymodel.ErrUpstreamAuthFailed && creds.canRefresh() {
		// One forced refresh; stale tokens surface as 403 here.
		if err := refreshKiroToken(ctx, creds); err == nil {
			persistKiroCredentials(ctx, account, creds)
			headers["Authorization"] = "Bearer " + creds.AccessToken
			resp, gerr = doJSON(ctx, http.MethodPost, endpoint, headers, body)
		}
	}
	if gerr != nil {
		return nil, gerr
	}

	return newKiroChunkStream(resp, req, account.Id), nil
}

// RefreshUsage pulls the account's credit counters from getUsageLimits
// and stores the snapshot.
func (a *kiroAdaptor) RefreshUsage(ctx context.Context, account *model.Account) error {
	creds, gerr := loadKiroCredentials(account)
	if gerr != nil {
		return gerr
	}
	accessToken, gerr := ensureKiroAccessToken(ctx, account, creds)
	if gerr != nil {
		return gerr
	}

	used, limit, err := fetchKiroUsage(ctx, accessToken, creds)
	if err != nil {
		var upstreamErr *relaymodel.GatewayError
		if errors.As(err, &upstreamErr) && upstreamErr.Kind == relaymodel.ErrUpstreamAuthFailed && creds.canRefresh() {
			if refreshErr := refreshKiroToken(ctx, creds); refreshErr == nil {
				persistKiroCredentials(ctx, account, creds)
				used, limit, err = fetchKiroUsage(ctx, creds.AccessToken, creds)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "fetch kiro usage of account %d", account.Id)
		}
	}

	return model.UpdateAccountUsage(ctx, account.Id, used, limit)
}

func kiroUsageLimitsURL(creds *kiroCredentials) string {
	endpoint := strings.Replace(fmt.Sprintf(kiroBaseURLTemplate, creds.region()),
		"generateAssistantResponse", "getUsageLimits", 1)
	params := url.Values{}
	params.Set("isEmailRequired", "true")
	params.Set("origin", kiroOrigin)
	params.Set("resourceType", kiroUsageResourceType)
	if creds.ProfileArn != "" {
		params.Set("profileArn", creds.ProfileArn)
	}
	return endpoint + "?" + params.Encode()
}

type kiroUsageBreakdown struct {
	ResourceType              string              `json:"resourceType"`
	DisplayName               string              `json:"displayName"`
	CurrentUsage              *float64            `json:"currentUsage"`
	CurrentUsageWithPrecision *float64            `json:"currentUsageWithPrecision"`
	UsageLimit                *float64            `json:"usageLimit"`
	UsageLimitWithPrecision   *float64            `json:"usageLimitWithPrecision"`
	FreeTrialInfo             *kiroUsageBreakdown `json:"freeTrialInfo"`
}

func (b *kiroUsageBreakdown) usedAndLimit() (float64, float64) {
	used := coalesceFloat(b.CurrentUsageWithPrecision, b.CurrentUsage)
	limit := coalesceFloat(b.UsageLimitWithPrecision, b.UsageLimit)
	if b.FreeTrialInfo != nil {
		ftUsed, ftLimit := b.FreeTrialInfo.usedAndLimit()
		used += ftUsed
		limit += ftLimit
	}
	return used, limit
}

func coalesceFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func fetchKiroUsage(ctx context.Context, accessToken string, creds *kiroCredentials) (float64, float64, error) {
	resp, gerr := doJSON(ctx, http.MethodGet, kiroUsageLimitsURL(creds), kiroHeaders(accessToken), nil)
	if gerr != nil {
		return 0, 0, gerr
	}
	defer resp.Body.Close()

	var out struct {
		UsedCount          *float64             `json:"usedCount"`
		LimitCount         *float64             `json:"limitCount"`
		UsageBreakdownList []kiroUsageBreakdown `json:"usageBreakdownList"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, errors.Wrap(err, "decode usage limits")
	}
	if out.UsedCount != nil && out.LimitCount != nil {
		return *out.UsedCount, *out.LimitCount, nil
	}

	var candidate *kiroUsageBreakdown
	for i := range out.UsageBreakdownList {
		if out.UsageBreakdownList[i].ResourceType == kiroUsageResourceType {
			candidate = &out.UsageBreakdownList[i]
			break
		}
	}
	if candidate == nil {
		for i := range out.UsageBreakdownList {
			if strings.Contains(strings.ToLower(out.UsageBreakdownList[i].DisplayName), "agent") {
				candidate = &out.UsageBreakdownList[i]
				break
			}
		}
	}
	if candidate == nil && len(out.UsageBreakdownList) > 0 {
		candidate = &out.UsageBreakdownList[0]
	}
	if candidate == nil {
		return 0, 0, nil
	}
	used, limit := candidate.usedAndLimit()
	return used, limit, nil
}
