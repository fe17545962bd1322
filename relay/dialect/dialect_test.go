package dialect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

func TestCodecFor(t *testing.T) {
	for _, d := range []relaymodel.Dialect{
		relaymodel.DialectOpenAI, relaymodel.DialectClaude, relaymodel.DialectGemini,
	} {
		require.Equal(t, d, CodecFor(d).Dialect())
	}
	// Unknown dialects fall back to OpenAI so error rendering always
	// has a codec.
	require.Equal(t, relaymodel.DialectOpenAI, CodecFor("cohere").Dialect())
}

// sseEvents splits an SSE byte stream into (event, data) pairs. Frames
// without an explicit event line get event "".
func sseEvents(t *testing.T, raw []byte) [][2]string {
	t.Helper()
	var out [][2]string
	for _, block := range strings.Split(string(raw), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		event, data := "", ""
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				event = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
		out = append(out, [2]string{event, data})
	}
	return out
}

func TestOpenAIParseRequest(t *testing.T) {
	codec := CodecFor(relaymodel.DialectOpenAI)
	req, gerr := codec.ParseRequest([]byte(`{
		"model": "gpt-4o-mini",
		"max_tokens": 128,
		"temperature": 0.2,
		"stop": "END",
		"stream": true,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "https://example.com/a.png"}}
			]},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "description": "d"}}],
		"tool_choice": {"type": "function", "function": {"name": "lookup"}}
	}`))
	require.Nil(t, gerr)

	require.Equal(t, "gpt-4o-mini", req.Model)
	require.Equal(t, 128, req.MaxTokens)
	require.Equal(t, 0.2, *req.Temperature)
	require.Equal(t, []string{"END"}, req.Stop)
	require.True(t, req.Stream)
	require.Equal(t, relaymodel.DialectOpenAI, req.Dialect)
	require.Len(t, req.Messages, 4)

	require.Equal(t, relaymodel.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "be brief", req.Messages[0].Text())

	user := req.Messages[1]
	require.Len(t, user.Parts, 2)
	require.Equal(t, relaymodel.PartImage, user.Parts[1].Type)
	require.Equal(t, "https://example.com/a.png", user.Parts[1].ImageURL)

	assistant := req.Messages[2]
	require.Len(t, assistant.Parts, 1)
	require.Equal(t, relaymodel.PartToolCall, assistant.Parts[0].Type)
	require.Equal(t, "lookup", assistant.Parts[0].ToolCall.Name)

	toolMsg := req.Messages[3]
	require.Equal(t, relaymodel.PartToolResult, toolMsg.Parts[0].Type)
	require.Equal(t, "call_1", toolMsg.Parts[0].ToolResult.ToolCallId)
	require.Equal(t, "42", toolMsg.Parts[0].ToolResult.Content)

	require.Len(t, req.Tools, 1)
	require.Equal(t, "lookup", req.ToolChoice)
}

func TestOpenAIParseRequestMaxCompletionTokensFallback(t *testing.T) {
	codec := CodecFor(relaymodel.DialectOpenAI)
	req, gerr := codec.ParseRequest([]byte(`{
		"model": "gpt-4o-mini",
		"max_completion_tokens": 77,
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	require.Nil(t, gerr)
	require.Equal(t, 77, req.MaxTokens)
}

func TestOpenAIParseRequestRejects(t *testing.T) {
	codec := CodecFor(relaymodel.DialectOpenAI)

	cases := map[string]string{
		"malformed":    `{"model": `,
		"no model":     `{"messages": [{"role": "user", "content": "x"}]}`,
		"no messages":  `{"model": "m", "messages": []}`,
		"bad role":     `{"model": "m", "messages": [{"role": "oracle", "content": "x"}]}`,
		"bad part":     `{"model": "m", "messages": [{"role": "user", "content": [{"type": "video"}]}]}`,
		"bad tool":     `{"model": "m", "messages": [{"role": "user", "content": "x"}], "tools": [{"type": "retrieval"}]}`,
		"stop not str": `{"model": "m", "messages": [{"role": "user", "content": "x"}], "stop": 7}`,
	}
	for name, body := range cases {
		_, gerr := codec.ParseRequest([]byte(body))
		require.NotNil(t, gerr, name)
		require.GreaterOrEqual(t, gerr.StatusCode(), 400, name)
		require.Less(t, gerr.StatusCode(), 500, name)
	}
}

func TestOpenAIRenderUnary(t *testing.T) {
	codec := CodecFor(relaymodel.DialectOpenAI)
	data, err := codec.RenderUnary(&relaymodel.Response{
		Id:           "chatcmpl-test",
		Model:        "gpt-4o-mini",
		Text:         "pong",
		FinishReason: relaymodel.FinishStop,
		ToolCalls: []relaymodel.ToolCall{
			{Id: "call_1", Name: "lookup", Arguments: `{"q":1}`},
		},
		Usage: relaymodel.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "chatcmpl-test", out["id"])
	require.Equal(t, "chat.completion", out["object"])

	choices := out["choices"].([]any)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	require.Equal(t, "stop", choice["finish_reason"])
	msg := choice["message"].(map[string]any)
	require.Equal(t, "assistant", msg["role"])
	require.Equal(t, "pong", msg["content"])
	require.Len(t, msg["tool_calls"].([]any), 1)

	usage := out["usage"].(map[string]any)
	require.EqualValues(t, 6, usage["total_tokens"])
}

func TestOpenAIStreamRenderer(t *testing.T) {
	codec := CodecFor(relaymodel.DialectOpenAI)
	r := codec.NewStreamRenderer("gpt-4o-mini")
	require.Equal(t, "text/event-stream", r.ContentType())

	var raw []byte
	for _, chunk := range []*relaymodel.Chunk{
		{TextDelta: "po"},
		{TextDelta: "ng"},
		{FinishReason: relaymodel.FinishStop, Usage: &relaymodel.Usage{TotalTokens: 6}},
	} {
		frames, err := r.Render(chunk)
		require.NoError(t, err)
		raw = append(raw, frames...)
	}
	raw = append(raw, r.Finish()...)

	events := sseEvents(t, raw)
	require.Len(t, events, 4)
	require.Equal(t, "[DONE]", events[3][1])

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0][1]), &first))
	require.Equal(t, "chat.completion.chunk", first["object"])
	delta := first["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	// The role rides only on the first frame.
	require.Equal(t, "assistant", delta["role"])
	require.Equal(t, "po", delta["content"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[1][1]), &second))
	delta = second["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	require.NotContains(t, delta, "role")

	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[2][1]), &last))
	choice := last["choices"].([]any)[0].(map[string]any)
	require.Equal(t, "stop", choice["finish_reason"])
	require.NotNil(t, last["usage"])
}

func TestOpenAIRenderError(t *testing.T) {
	codec := CodecFor(relaymodel.DialectOpenAI)

	var out map[string]any
	require.NoError(t, json.Unmarshal(
		codec.RenderError(relaymodel.NewError(relaymodel.ErrRateLimited, "slow down")), &out))
	errObj := out["error"].(map[string]any)
	require.Equal(t, "rate_limit_error", errObj["type"])
	require.Equal(t, "slow down", errObj["message"])

	require.NoError(t, json.Unmarshal(
		codec.RenderError(relaymodel.NewError(relaymodel.ErrUpstream5xx, "boom")), &out))
	require.Equal(t, "api_error", out["error"].(map[string]any)["type"])
}

func TestClaudeParseRequest(t *testing.T) {
	codec := CodecFor(relaymodel.DialectClaude)
	req, gerr := codec.ParseRequest([]byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 256,
		"system": "be brief",
		"stop_sequences": ["END"],
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look this up"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "QUJD"}}
			]},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "42"}]}
			]}
		],
		"tools": [{"name": "lookup", "description": "d", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "any"}
	}`))
	require.Nil(t, gerr)

	require.Equal(t, "claude-sonnet-4-5", req.Model)
	require.Equal(t, 256, req.MaxTokens)
	require.Equal(t, []string{"END"}, req.Stop)
	require.Equal(t, relaymodel.DialectClaude, req.Dialect)

	// The top-level system field becomes a leading system message.
	require.Len(t, req.Messages, 4)
	require.Equal(t, relaymodel.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "be brief", req.Messages[0].Text())

	user := req.Messages[1]
	require.Equal(t, relaymodel.PartImage, user.Parts[1].Type)
	require.Equal(t, "data:image/png;base64,QUJD", user.Parts[1].ImageURL)
	require.Equal(t, "image/png", user.Parts[1].MimeType)

	toolUse := req.Messages[2].Parts[0]
	require.Equal(t, relaymodel.PartToolCall, toolUse.Type)
	require.Equal(t, "toolu_1", toolUse.ToolCall.Id)
	require.JSONEq(t, `{"q":1}`, toolUse.ToolCall.Arguments)

	result := req.Messages[3].Parts[0]
	require.Equal(t, relaymodel.PartToolResult, result.Type)
	require.Equal(t, "toolu_1", result.ToolResult.ToolCallId)
	require.Equal(t, "42", result.ToolResult.Content)

	require.Equal(t, "required", req.ToolChoice)
}

func TestClaudeParseSystemBlockList(t *testing.T) {
	codec := CodecFor(relaymodel.DialectClaude)
	req, gerr := codec.ParseRequest([]byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 16,
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	require.Nil(t, gerr)
	require.Equal(t, "one\ntwo", req.Messages[0].Text())
}

func TestClaudeParseRequestRejects(t *testing.T) {
	codec := CodecFor(relaymodel.DialectClaude)

	cases := map[string]string{
		"no model":    `{"max_tokens": 1, "messages": [{"role": "user", "content": "x"}]}`,
		"system role": `{"model": "m", "max_tokens": 1, "messages": [{"role": "system", "content": "x"}]}`,
		"bad block":   `{"model": "m", "max_tokens": 1, "messages": [{"role": "user", "content": [{"type": "audio"}]}]}`,
		"bad choice":  `{"model": "m", "max_tokens": 1, "messages": [{"role": "user", "content": "x"}], "tool_choice": {"type": "psychic"}}`,
	}
	for name, body := range cases {
		_, gerr := codec.ParseRequest([]byte(body))
		require.NotNil(t, gerr, name)
	}
}

func TestClaudeRenderUnary(t *testing.T) {
	codec := CodecFor(relaymodel.DialectClaude)
	data, err := codec.RenderUnary(&relaymodel.Response{
		Id:           "msg_test",
		Model:        "claude-sonnet-4-5",
		Text:         "pong",
		FinishReason: relaymodel.FinishToolCalls,
		ToolCalls:    []relaymodel.ToolCall{{Id: "toolu_1", Name: "lookup", Arguments: `{"q":1}`}},
		Usage:        relaymodel.Usage{PromptTokens: 9, CompletionTokens: 4},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "message", out["type"])
	require.Equal(t, "tool_use", out["stop_reason"])

	content := out["content"].([]any)
	require.Len(t, content, 2)
	require.Equal(t, "text", content[0].(map[string]any)["type"])
	toolUse := content[1].(map[string]any)
	require.Equal(t, "tool_use", toolUse["type"])
	require.Equal(t, map[string]any{"q": float64(1)}, toolUse["input"])

	usage := out["usage"].(map[string]any)
	require.EqualValues(t, 9, usage["input_tokens"])
	require.EqualValues(t, 4, usage["output_tokens"])
}

func TestClaudeStreamEventOrder(t *testing.T) {
	codec := CodecFor(relaymodel.DialectClaude)
	r := codec.NewStreamRenderer("claude-sonnet-4-5")

	var raw []byte
	for _, chunk := range []*relaymodel.Chunk{
		{TextDelta: "po"},
		{TextDelta: "ng"},
		{ToolCall: &relaymodel.ToolCallDelta{Index: 0, Id: "toolu_1", Name: "lookup"}},
		{ToolCall: &relaymodel.ToolCallDelta{Index: 0, Arguments: `{"q":`}},
		{ToolCall: &relaymodel.ToolCallDelta{Index: 0, Arguments: `1}`}},
		{FinishReason: relaymodel.FinishToolCalls, Usage: &relaymodel.Usage{PromptTokens: 9, CompletionTokens: 4}},
	} {
		frames, err := r.Render(chunk)
		require.NoError(t, err)
		raw = append(raw, frames...)
	}
	raw = append(raw, r.Finish()...)

	var names []string
	for _, ev := range sseEvents(t, raw) {
		names = append(names, ev[0])
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start", // text block
		"content_block_delta",
		"content_block_delta",
		"content_block_stop", // text closes when the tool block opens
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	// Block indexes advance: text at 0, tool_use at 1.
	events := sseEvents(t, raw)
	var toolStart map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[5][1]), &toolStart))
	require.EqualValues(t, 1, toolStart["index"])
	block := toolStart["content_block"].(map[string]any)
	require.Equal(t, "tool_use", block["type"])
	require.Equal(t, "lookup", block["name"])

	var msgDelta map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[9][1]), &msgDelta))
	require.Equal(t, "tool_use", msgDelta["delta"].(map[string]any)["stop_reason"])
	require.EqualValues(t, 4, msgDelta["usage"].(map[string]any)["output_tokens"])
}

func TestClaudeRenderError(t *testing.T) {
	codec := CodecFor(relaymodel.DialectClaude)

	var out map[string]any
	require.NoError(t, json.Unmarshal(
		codec.RenderError(relaymodel.NewError(relaymodel.ErrInvalidKey, "bad key")), &out))
	require.Equal(t, "error", out["type"])
	require.Equal(t, "authentication_error", out["error"].(map[string]any)["type"])
}

func TestGeminiParseRequest(t *testing.T) {
	codec := CodecFor(relaymodel.DialectGemini)
	req, gerr := codec.ParseRequest([]byte(`{
		"systemInstruction": {"parts": [{"text": "be brief"}]},
		"contents": [
			{"role": "user", "parts": [
				{"text": "what is this?"},
				{"inlineData": {"mimeType": "image/png", "data": "QUJD"}}
			]},
			{"role": "model", "parts": [
				{"functionCall": {"name": "lookup", "args": {"q": 1}}}
			]},
			{"role": "user", "parts": [
				{"functionResponse": {"name": "lookup", "response": {"answer": 42}}}
			]}
		],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 99, "stopSequences": ["END"]},
		"tools": [{"functionDeclarations": [{"name": "lookup", "description": "d"}]}]
	}`))
	require.Nil(t, gerr)

	// Model arrives via the route, not the body.
	require.Empty(t, req.Model)
	require.Equal(t, relaymodel.DialectGemini, req.Dialect)
	require.Equal(t, 0.5, *req.Temperature)
	require.Equal(t, 99, req.MaxTokens)
	require.Equal(t, []string{"END"}, req.Stop)

	require.Len(t, req.Messages, 4)
	require.Equal(t, relaymodel.RoleSystem, req.Messages[0].Role)

	user := req.Messages[1]
	require.Equal(t, relaymodel.RoleUser, user.Role)
	require.Equal(t, "data:image/png;base64,QUJD", user.Parts[1].ImageURL)

	assistant := req.Messages[2]
	require.Equal(t, relaymodel.RoleAssistant, assistant.Role)
	require.Equal(t, relaymodel.PartToolCall, assistant.Parts[0].Type)
	require.JSONEq(t, `{"q":1}`, assistant.Parts[0].ToolCall.Arguments)

	result := req.Messages[3].Parts[0]
	require.Equal(t, relaymodel.PartToolResult, result.Type)
	require.Equal(t, "lookup", result.ToolResult.ToolCallId)
	require.JSONEq(t, `{"answer":42}`, result.ToolResult.Content)

	require.Len(t, req.Tools, 1)
}

func TestGeminiParseRequestRejects(t *testing.T) {
	codec := CodecFor(relaymodel.DialectGemini)

	_, gerr := codec.ParseRequest([]byte(`{"contents": []}`))
	require.NotNil(t, gerr)

	_, gerr = codec.ParseRequest([]byte(`{"contents": [{"role": "tool", "parts": [{"text": "x"}]}]}`))
	require.NotNil(t, gerr)
}

func TestGeminiRenderUnary(t *testing.T) {
	codec := CodecFor(relaymodel.DialectGemini)
	data, err := codec.RenderUnary(&relaymodel.Response{
		Model:        "gemini-2.5-flash",
		Text:         "pong",
		FinishReason: relaymodel.FinishLength,
		Usage:        relaymodel.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "gemini-2.5-flash", out["modelVersion"])

	candidates := out["candidates"].([]any)
	require.Len(t, candidates, 1)
	candidate := candidates[0].(map[string]any)
	require.Equal(t, "MAX_TOKENS", candidate["finishReason"])
	content := candidate["content"].(map[string]any)
	require.Equal(t, "model", content["role"])
	parts := content["parts"].([]any)
	require.Equal(t, "pong", parts[0].(map[string]any)["text"])

	usage := out["usageMetadata"].(map[string]any)
	require.EqualValues(t, 6, usage["totalTokenCount"])
}

func TestGeminiStreamRenderer(t *testing.T) {
	codec := CodecFor(relaymodel.DialectGemini)
	r := codec.NewStreamRenderer("gemini-2.5-flash")
	require.Equal(t, "application/json", r.ContentType())

	// Chunks with no renderable payload emit nothing.
	frames, err := r.Render(&relaymodel.Chunk{})
	require.NoError(t, err)
	require.Empty(t, frames)

	frames, err = r.Render(&relaymodel.Chunk{TextDelta: "pong"})
	require.NoError(t, err)
	var first map[string]any
	require.NoError(t, json.Unmarshal(frames, &first))
	require.NotEmpty(t, first["candidates"])

	frames, err = r.Render(&relaymodel.Chunk{
		FinishReason: relaymodel.FinishStop,
		Usage:        &relaymodel.Usage{TotalTokens: 6},
	})
	require.NoError(t, err)
	var last map[string]any
	require.NoError(t, json.Unmarshal(frames, &last))
	candidate := last["candidates"].([]any)[0].(map[string]any)
	require.Equal(t, "STOP", candidate["finishReason"])
	require.NotNil(t, last["usageMetadata"])

	require.Nil(t, r.Finish())
}

func TestGeminiRenderError(t *testing.T) {
	codec := CodecFor(relaymodel.DialectGemini)

	var out map[string]any
	require.NoError(t, json.Unmarshal(
		codec.RenderError(relaymodel.NewError(relaymodel.ErrRateLimited, "slow down")), &out))
	errObj := out["error"].(map[string]any)
	require.Equal(t, "RESOURCE_EXHAUSTED", errObj["status"])
	require.EqualValues(t, 429, errObj["code"])
}
