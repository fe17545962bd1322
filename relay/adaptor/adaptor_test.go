package adaptor

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

func TestClassifyStatus(t *testing.T) {
	require.Equal(t, relaymodel.ErrUpstreamAuthFailed, classifyStatus(401, "", "").Kind)
	require.Equal(t, relaymodel.ErrUpstreamAuthFailed, classifyStatus(403, "", "").Kind)
	require.Equal(t, relaymodel.ErrUpstream5xx, classifyStatus(503, "", "").Kind)
	require.Equal(t, relaymodel.ErrBadRequest, classifyStatus(404, "", "").Kind)

	gerr := classifyStatus(429, "too many requests", "2.5")
	require.Equal(t, relaymodel.ErrRateLimited, gerr.Kind)
	require.Equal(t, 2.5, gerr.RetryAfter)

	// A malformed Retry-After header is ignored, not an error.
	require.Zero(t, classifyStatus(429, "", "soon").RetryAfter)
}

func TestClassifyStatusKeepsBodyOutOfMessage(t *testing.T) {
	const leaked = `{"error":"invalid api key sk-secret"}`
	for _, status := range []int{401, 429, 404, 503} {
		gerr := classifyStatus(status, leaked, "")
		require.NotEmpty(t, gerr.Message)
		require.NotContains(t, gerr.Message, "sk-secret")
		// The body stays on Raw so the logs still carry it.
		require.ErrorContains(t, gerr.Raw, "sk-secret")
	}
}

func TestApplyHeaderOverrides(t *testing.T) {
	headers := map[string]string{"Authorization": "Bearer key"}

	provider := &model.Provider{HeaderOverrides: `{"X-Custom":"v","Authorization":"Bearer other"}`}
	applyHeaderOverrides(provider, headers)
	require.Equal(t, "v", headers["X-Custom"])
	require.Equal(t, "Bearer other", headers["Authorization"])

	// A bundle that does not decode leaves the headers untouched.
	headers = map[string]string{"Authorization": "Bearer key"}
	applyHeaderOverrides(&model.Provider{HeaderOverrides: `{broken`}, headers)
	require.Equal(t, map[string]string{"Authorization": "Bearer key"}, headers)

	applyHeaderOverrides(&model.Provider{}, headers)
	require.Len(t, headers, 1)
}

func TestTruncateBody(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	require.Len(t, truncateBody(string(long)), 512)
	require.Equal(t, "short", truncateBody("short"))
}

func TestCanonicalFinishReason(t *testing.T) {
	require.Equal(t, relaymodel.FinishLength, canonicalFinishReason("length"))
	require.Equal(t, relaymodel.FinishToolCalls, canonicalFinishReason("tool_calls"))
	require.Equal(t, relaymodel.FinishToolCalls, canonicalFinishReason("function_call"))
	require.Equal(t, relaymodel.FinishStop, canonicalFinishReason("stop"))
	require.Equal(t, relaymodel.FinishStop, canonicalFinishReason(""))
}

func TestAnthropicCanonicalFinish(t *testing.T) {
	require.Equal(t, relaymodel.FinishLength, anthropicCanonicalFinish("max_tokens"))
	require.Equal(t, relaymodel.FinishToolCalls, anthropicCanonicalFinish("tool_use"))
	require.Equal(t, relaymodel.FinishStop, anthropicCanonicalFinish("end_turn"))
}

func textMessage(role, text string) relaymodel.Message {
	return relaymodel.Message{
		Role:  role,
		Parts: []relaymodel.Part{{Type: relaymodel.PartText, Text: text}},
	}
}

func TestBuildOpenAIBody(t *testing.T) {
	temp := 0.3
	req := &relaymodel.Request{
		Model:       "gpt-4o-mini",
		MaxTokens:   64,
		Temperature: &temp,
		Stop:        []string{"END"},
		Stream:      true,
		Messages: []relaymodel.Message{
			textMessage(relaymodel.RoleSystem, "be brief"),
			textMessage(relaymodel.RoleUser, "hi"),
		},
		Tools:      []relaymodel.Tool{{Name: "lookup"}},
		ToolChoice: "lookup",
	}
	body, err := buildOpenAIBody(req)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "gpt-4o-mini", out["model"])
	require.Len(t, out["messages"].([]any), 2)

	// Streaming requests ask for the trailing usage frame.
	streamOpts := out["stream_options"].(map[string]any)
	require.Equal(t, true, streamOpts["include_usage"])

	// A named tool choice renders as the object form.
	choice := out["tool_choice"].(map[string]any)
	require.Equal(t, "lookup", choice["function"].(map[string]any)["name"])

	req.ToolChoice = "auto"
	body, err = buildOpenAIBody(req)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "auto", out["tool_choice"])
}

func TestRenderOpenAIMessagesToolResult(t *testing.T) {
	msg := relaymodel.Message{
		Role: relaymodel.RoleTool,
		Parts: []relaymodel.Part{{
			Type:       relaymodel.PartToolResult,
			ToolResult: &relaymodel.ToolResult{ToolCallId: "call_1", Content: "42"},
		}},
	}
	wire := renderOpenAIMessages(&msg)
	require.Len(t, wire, 1)
	require.Equal(t, "tool", wire[0].Role)
	require.Equal(t, "call_1", wire[0].ToolCallId)
	require.Equal(t, "42", wire[0].Content)
}

func TestRenderOpenAIMessagesImageForcesPartList(t *testing.T) {
	msg := relaymodel.Message{
		Role: relaymodel.RoleUser,
		Parts: []relaymodel.Part{
			{Type: relaymodel.PartText, Text: "what is this?"},
			{Type: relaymodel.PartImage, ImageURL: "https://example.com/a.png"},
		},
	}
	wire := renderOpenAIMessages(&msg)
	require.Len(t, wire, 1)
	parts, ok := wire[0].Content.([]map[string]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	require.Equal(t, "image_url", parts[1]["type"])
}

func TestBuildAnthropicBody(t *testing.T) {
	req := &relaymodel.Request{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.Message{
			textMessage(relaymodel.RoleSystem, "be brief"),
			textMessage(relaymodel.RoleUser, "hi"),
		},
		Tools:      []relaymodel.Tool{{Name: "lookup"}},
		ToolChoice: "required",
	}
	body, gerr := buildAnthropicBody(req)
	require.Nil(t, gerr)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))

	// System text rides in the top-level field, not in messages.
	require.Equal(t, "be brief", out["system"])
	require.Len(t, out["messages"].([]any), 1)

	// Missing max_tokens falls back to the cap; the field is mandatory
	// for the messages API.
	require.EqualValues(t, anthropicMaxTokensCap, out["max_tokens"])

	// A nil tool schema is replaced, the API rejects missing schemas.
	tool := out["tools"].([]any)[0].(map[string]any)
	require.NotNil(t, tool["input_schema"])

	require.Equal(t, "any", out["tool_choice"].(map[string]any)["type"])
}

func TestAnthropicImageBlock(t *testing.T) {
	block, gerr := anthropicImageBlock("data:image/png;base64,QUJD", "")
	require.Nil(t, gerr)
	source := block["source"].(map[string]any)
	require.Equal(t, "base64", source["type"])
	require.Equal(t, "image/png", source["media_type"])
	require.Equal(t, "QUJD", source["data"])

	block, gerr = anthropicImageBlock("https://example.com/a.png", "")
	require.Nil(t, gerr)
	source = block["source"].(map[string]any)
	require.Equal(t, "url", source["type"])

	_, gerr = anthropicImageBlock("data:image/png;base64", "")
	require.NotNil(t, gerr)
}

func TestBuildGeminiBody(t *testing.T) {
	temp := 0.5
	req := &relaymodel.Request{
		Model:       "gemini-2.5-flash",
		Temperature: &temp,
		MaxTokens:   99,
		Messages: []relaymodel.Message{
			textMessage(relaymodel.RoleSystem, "be brief"),
			textMessage(relaymodel.RoleUser, "hi"),
			{
				Role: relaymodel.RoleAssistant,
				Parts: []relaymodel.Part{{
					Type:     relaymodel.PartToolCall,
					ToolCall: &relaymodel.ToolCall{Id: "lookup", Name: "lookup", Arguments: `{"q":1}`},
				}},
			},
			{
				Role: relaymodel.RoleTool,
				Parts: []relaymodel.Part{{
					Type:       relaymodel.PartToolResult,
					ToolResult: &relaymodel.ToolResult{ToolCallId: "lookup", Content: "plain text"},
				}},
			},
		},
	}
	body, gerr := buildGeminiBody(req)
	require.Nil(t, gerr)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))

	system := out["systemInstruction"].(map[string]any)
	require.Equal(t, "be brief", system["parts"].([]any)[0].(map[string]any)["text"])

	contents := out["contents"].([]any)
	require.Len(t, contents, 3)
	require.Equal(t, "model", contents[1].(map[string]any)["role"])

	// Non-JSON tool result content is wrapped rather than dropped.
	response := contents[2].(map[string]any)["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)["response"].(map[string]any)
	require.Equal(t, "plain text", response["result"])

	gc := out["generationConfig"].(map[string]any)
	require.EqualValues(t, 99, gc["maxOutputTokens"])
}

func TestSliceStreamReplaysResponse(t *testing.T) {
	resp := &relaymodel.Response{
		Text:         "pong",
		FinishReason: relaymodel.FinishToolCalls,
		ToolCalls:    []relaymodel.ToolCall{{Id: "call_1", Name: "lookup", Arguments: "{}"}},
		Usage:        relaymodel.Usage{TotalTokens: 6},
	}
	stream := newSliceStream(chunksFromResponse(resp)...)
	defer stream.Close()

	ctx := context.Background()
	first, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.ToolCall)
	require.Equal(t, "lookup", first.ToolCall.Name)

	terminal, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", terminal.TextDelta)
	require.Equal(t, relaymodel.FinishToolCalls, terminal.FinishReason)
	require.EqualValues(t, 6, terminal.Usage.TotalTokens)

	_, err = stream.Next(ctx)
	require.Equal(t, io.EOF, err)
}

func TestSliceStreamHonorsCancel(t *testing.T) {
	stream := newSliceStream(&relaymodel.Chunk{TextDelta: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stream.Next(ctx)
	var gerr *relaymodel.GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, relaymodel.ErrClientCancelled, gerr.Kind)
}
