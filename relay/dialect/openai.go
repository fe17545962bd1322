package dialect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/fluxgate/fluxgate/common/random"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

type openaiCodec struct{}

func (c *openaiCodec) Dialect() relaymodel.Dialect { return relaymodel.DialectOpenAI }
func (c *openaiCodec) UnaryContentType() string    { return "application/json" }

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallId string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	Id       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

func (c *openaiCodec) ParseRequest(raw []byte) (*relaymodel.Request, *relaymodel.GatewayError) {
	var in openaiRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "malformed request body")
	}
	if in.Model == "" {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "model is required")
	}
	if len(in.Messages) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "messages must not be empty")
	}

	out := &relaymodel.Request{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		Dialect:     relaymodel.DialectOpenAI,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = in.MaxCompletionTokens
	}

	if stop, gerr := parseStringOrList(in.Stop, "stop"); gerr != nil {
		return nil, gerr
	} else {
		out.Stop = stop
	}

	for i := range in.Messages {
		msg, gerr := c.parseMessage(&in.Messages[i])
		if gerr != nil {
			return nil, gerr
		}
		out.Messages = append(out.Messages, *msg)
	}

	for _, t := range in.Tools {
		if t.Type != "function" {
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported tool type %q", t.Type)
		}
		out.Tools = append(out.Tools, relaymodel.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	if choice, gerr := parseOpenAIToolChoice(in.ToolChoice); gerr != nil {
		return nil, gerr
	} else {
		out.ToolChoice = choice
	}

	return out, nil
}

func (c *openaiCodec) parseMessage(in *openaiMessage) (*relaymodel.Message, *relaymodel.GatewayError) {
	msg := &relaymodel.Message{Role: in.Role}

	switch in.Role {
	case relaymodel.RoleSystem, relaymodel.RoleUser, relaymodel.RoleAssistant:
	case relaymodel.RoleTool:
		msg.Parts = append(msg.Parts, relaymodel.Part{
			Type: relaymodel.PartToolResult,
			ToolResult: &relaymodel.ToolResult{
				ToolCallId: in.ToolCallId,
				Content:    rawToText(in.Content),
			},
		})
		return msg, nil
	default:
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "unknown message role %q", in.Role)
	}

	if len(in.Content) > 0 {
		parts, gerr := parseOpenAIContent(in.Content)
		if gerr != nil {
			return nil, gerr
		}
		msg.Parts = append(msg.Parts, parts...)
	}

	for _, tc := range in.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported tool call type %q", tc.Type)
		}
		msg.Parts = append(msg.Parts, relaymodel.Part{
			Type: relaymodel.PartToolCall,
			ToolCall: &relaymodel.ToolCall{
				Id:        tc.Id,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg, nil
}

func parseOpenAIContent(raw json.RawMessage) ([]relaymodel.Part, *relaymodel.GatewayError) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []relaymodel.Part{{Type: relaymodel.PartText, Text: text}}, nil
	}

	var list []openaiContentPart
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "message content must be a string or a part list")
	}
	var parts []relaymodel.Part
	for _, p := range list {
		switch p.Type {
		case "text":
			parts = append(parts, relaymodel.Part{Type: relaymodel.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "image_url part without url")
			}
			parts = append(parts, relaymodel.Part{Type: relaymodel.PartImage, ImageURL: p.ImageURL.URL})
		default:
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported content part type %q", p.Type)
		}
	}
	return parts, nil
}

func parseOpenAIToolChoice(raw json.RawMessage) (string, *relaymodel.GatewayError) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", relaymodel.WrapError(relaymodel.ErrBadRequest, err, "malformed tool_choice")
	}
	return obj.Function.Name, nil
}

func parseStringOrList(raw json.RawMessage, field string) ([]string, *relaymodel.GatewayError) {
	if len(raw) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "%s must be a string or a string list", field)
	}
	return list, nil
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type openaiUnaryChoice struct {
	Index        int          `json:"index"`
	Message      openaiOutMsg `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type openaiUnaryResponse struct {
	Id      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openaiUnaryChoice `json:"choices"`
	Usage   relaymodel.Usage    `json:"usage"`
}

type openaiOutMsg struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

func (c *openaiCodec) RenderUnary(resp *relaymodel.Response) ([]byte, error) {
	out := openaiUnaryResponse{
		Id:      respId(resp.Id, "chatcmpl"),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Usage:   resp.Usage,
		Choices: []openaiUnaryChoice{{
			Message: openaiOutMsg{
				Role:      relaymodel.RoleAssistant,
				Content:   resp.Text,
				ToolCalls: toOpenAIToolCalls(resp.ToolCalls),
			},
			FinishReason: resp.FinishReason,
		}},
	}
	data, err := json.Marshal(out)
	return data, errors.Wrap(err, "marshal chat completion")
}

func toOpenAIToolCalls(calls []relaymodel.ToolCall) []openaiToolCall {
	var out []openaiToolCall
	for i, call := range calls {
		tc := openaiToolCall{Index: i, Id: call.Id, Type: "function"}
		tc.Function.Name = call.Name
		tc.Function.Arguments = call.Arguments
		out = append(out, tc)
	}
	return out
}

// openaiStreamRenderer emits chat.completion.chunk SSE frames terminated
// by data: [DONE].
type openaiStreamRenderer struct {
	id       string
	model    string
	created  int64
	sentRole bool
}

func (c *openaiCodec) NewStreamRenderer(model string) StreamRenderer {
	return &openaiStreamRenderer{
		id:      respId("", "chatcmpl"),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (r *openaiStreamRenderer) ContentType() string { return "text/event-stream" }

type openaiChunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamChoice struct {
	Index        int              `json:"index"`
	Delta        openaiChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type openaiStreamChunk struct {
	Id      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *relaymodel.Usage    `json:"usage,omitempty"`
}

func (r *openaiStreamRenderer) frame(delta openaiChunkDelta, finish string, usage *relaymodel.Usage) []byte {
	if !r.sentRole {
		r.sentRole = true
		delta.Role = relaymodel.RoleAssistant
	}
	choice := openaiStreamChoice{Delta: delta}
	if finish != "" {
		choice.FinishReason = &finish
	}
	return sseFrame(openaiStreamChunk{
		Id:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []openaiStreamChoice{choice},
		Usage:   usage,
	})
}

func (r *openaiStreamRenderer) Render(chunk *relaymodel.Chunk) ([]byte, error) {
	var frames []byte
	if chunk.TextDelta != "" {
		frames = append(frames, r.frame(openaiChunkDelta{Content: chunk.TextDelta}, "", nil)...)
	}
	if chunk.ToolCall != nil {
		tc := openaiToolCall{Index: chunk.ToolCall.Index, Id: chunk.ToolCall.Id, Type: "function"}
		tc.Function.Name = chunk.ToolCall.Name
		tc.Function.Arguments = chunk.ToolCall.Arguments
		frames = append(frames, r.frame(openaiChunkDelta{ToolCalls: []openaiToolCall{tc}}, "", nil)...)
	}
	if chunk.FinishReason != "" {
		frames = append(frames, r.frame(openaiChunkDelta{}, chunk.FinishReason, chunk.Usage)...)
	}
	return frames, nil
}

func (r *openaiStreamRenderer) Finish() []byte {
	return []byte("data: [DONE]\n\n")
}

func (r *openaiStreamRenderer) RenderStreamError(gerr *relaymodel.GatewayError) []byte {
	return sseFrame(openaiErrorBody(gerr))
}

func (c *openaiCodec) RenderError(gerr *relaymodel.GatewayError) []byte {
	data, _ := json.Marshal(openaiErrorBody(gerr))
	return data
}

func openaiErrorBody(gerr *relaymodel.GatewayError) map[string]any {
	errType := "invalid_request_error"
	switch {
	case gerr.Kind == relaymodel.ErrRateLimited:
		errType = "rate_limit_error"
	case gerr.StatusCode() == 401 || gerr.StatusCode() == 403:
		errType = "authentication_error"
	case gerr.StatusCode() >= 500:
		errType = "api_error"
	}
	return map[string]any{
		"error": map[string]any{
			"message": gerr.Message,
			"type":    errType,
			"code":    string(gerr.Kind),
		},
	}
}

func sseFrame(v any) []byte {
	data, _ := json.Marshal(v)
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

func respId(id string, prefix string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s-%s", prefix, random.GetUUID()[:24])
}
