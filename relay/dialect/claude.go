package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/Laisky/errors/v2"

	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

type claudeCodec struct{}

func (c *claudeCodec) Dialect() relaymodel.Dialect { return relaymodel.DialectClaude }
func (c *claudeCodec) UnaryContentType() string    { return "application/json" }

type claudeRequest struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    *struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	} `json:"tool_choice,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// image
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	} `json:"source,omitempty"`
	// tool_use
	Id    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	// tool_result
	ToolUseId string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

func (c *claudeCodec) ParseRequest(raw []byte) (*relaymodel.Request, *relaymodel.GatewayError) {
	var in claudeRequest
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
		Stop:        in.StopSequences,
		Stream:      in.Stream,
		Dialect:     relaymodel.DialectClaude,
	}

	// The top-level system field folds into a leading system message.
	if systemText, gerr := parseClaudeSystem(in.System); gerr != nil {
		return nil, gerr
	} else if systemText != "" {
		out.Messages = append(out.Messages, relaymodel.Message{
			Role:  relaymodel.RoleSystem,
			Parts: []relaymodel.Part{{Type: relaymodel.PartText, Text: systemText}},
		})
	}

	for i := range in.Messages {
		msg, gerr := parseClaudeMessage(&in.Messages[i])
		if gerr != nil {
			return nil, gerr
		}
		out.Messages = append(out.Messages, *msg)
	}

	for _, t := range in.Tools {
		out.Tools = append(out.Tools, relaymodel.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if in.ToolChoice != nil {
		switch in.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "none":
			out.ToolChoice = "none"
		case "tool":
			out.ToolChoice = in.ToolChoice.Name
		default:
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported tool_choice type %q", in.ToolChoice.Type)
		}
	}

	return out, nil
}

func parseClaudeSystem(raw json.RawMessage) (string, *relaymodel.GatewayError) {
	if len(raw) == 0 {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", relaymodel.WrapError(relaymodel.ErrBadRequest, err, "system must be a string or a block list")
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out, nil
}

func parseClaudeMessage(in *claudeMessage) (*relaymodel.Message, *relaymodel.GatewayError) {
	if in.Role != relaymodel.RoleUser && in.Role != relaymodel.RoleAssistant {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "unknown message role %q", in.Role)
	}
	msg := &relaymodel.Message{Role: in.Role}

	var text string
	if err := json.Unmarshal(in.Content, &text); err == nil {
		msg.Parts = []relaymodel.Part{{Type: relaymodel.PartText, Text: text}}
		return msg, nil
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(in.Content, &blocks); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "message content must be a string or a block list")
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, relaymodel.Part{Type: relaymodel.PartText, Text: b.Text})
		case "image":
			if b.Source == nil {
				return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "image block without source")
			}
			switch b.Source.Type {
			case "base64":
				msg.Parts = append(msg.Parts, relaymodel.Part{
					Type:     relaymodel.PartImage,
					ImageURL: fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data),
					MimeType: b.Source.MediaType,
				})
			case "url":
				msg.Parts = append(msg.Parts, relaymodel.Part{Type: relaymodel.PartImage, ImageURL: b.Source.URL})
			default:
				return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported image source type %q", b.Source.Type)
			}
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "malformed tool_use input")
			}
			msg.Parts = append(msg.Parts, relaymodel.Part{
				Type:     relaymodel.PartToolCall,
				ToolCall: &relaymodel.ToolCall{Id: b.Id, Name: b.Name, Arguments: string(args)},
			})
		case "tool_result":
			msg.Parts = append(msg.Parts, relaymodel.Part{
				Type: relaymodel.PartToolResult,
				ToolResult: &relaymodel.ToolResult{
					ToolCallId: b.ToolUseId,
					Content:    claudeResultText(b.Content),
				},
			})
		default:
			return nil, relaymodel.NewError(relaymodel.ErrUnsupportedFeature, "unsupported content block type %q", b.Type)
		}
	}
	return msg, nil
}

func claudeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

func claudeStopReason(finish string) string {
	switch finish {
	case relaymodel.FinishLength:
		return "max_tokens"
	case relaymodel.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *claudeCodec) RenderUnary(resp *relaymodel.Response) ([]byte, error) {
	var content []map[string]any
	if resp.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Text})
	}
	for _, call := range resp.ToolCalls {
		input := map[string]any{}
		if call.Arguments != "" {
			// Invalid argument JSON surfaces as an empty input object
			// rather than failing the whole response.
			_ = json.Unmarshal([]byte(call.Arguments), &input)
		}
		content = append(content, map[string]any{
			"type": "tool_use", "id": call.Id, "name": call.Name, "input": input,
		})
	}
	if content == nil {
		content = []map[string]any{}
	}

	out := map[string]any{
		"id":            respId(resp.Id, "msg"),
		"type":          "message",
		"role":          relaymodel.RoleAssistant,
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   claudeStopReason(resp.FinishReason),
		"stop_sequence": nil,
		"usage": claudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	data, err := json.Marshal(out)
	return data, errors.Wrap(err, "marshal claude message")
}

// claudeStreamRenderer emits the named event sequence message_start,
// content_block_start, content_block_delta, content_block_stop,
// message_delta, message_stop in order.
type claudeStreamRenderer struct {
	id           string
	model        string
	sentStart    bool
	blockOpen    bool
	blockIndex   int
	toolIndex    int // upstream tool index of the open block, -1 for text
	outputTokens int
}

func (c *claudeCodec) NewStreamRenderer(model string) StreamRenderer {
	return &claudeStreamRenderer{
		id:        respId("", "msg"),
		model:     model,
		toolIndex: -1,
	}
}

func (r *claudeStreamRenderer) ContentType() string { return "text/event-stream" }

func claudeEvent(event string, v any) []byte {
	data, _ := json.Marshal(v)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

func (r *claudeStreamRenderer) start() []byte {
	if r.sentStart {
		return nil
	}
	r.sentStart = true
	return claudeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      r.id,
			"type":    "message",
			"role":    relaymodel.RoleAssistant,
			"model":   r.model,
			"content": []any{},
			"usage":   claudeUsage{},
		},
	})
}

func (r *claudeStreamRenderer) closeBlock() []byte {
	if !r.blockOpen {
		return nil
	}
	r.blockOpen = false
	frame := claudeEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": r.blockIndex,
	})
	r.blockIndex++
	r.toolIndex = -1
	return frame
}

func (r *claudeStreamRenderer) Render(chunk *relaymodel.Chunk) ([]byte, error) {
	var frames []byte
	frames = append(frames, r.start()...)

	if chunk.TextDelta != "" {
		if r.blockOpen && r.toolIndex != -1 {
			frames = append(frames, r.closeBlock()...)
		}
		if !r.blockOpen {
			r.blockOpen = true
			frames = append(frames, claudeEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": r.blockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})...)
		}
		frames = append(frames, claudeEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": r.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": chunk.TextDelta},
		})...)
		r.outputTokens++
	}

	if chunk.ToolCall != nil {
		if r.blockOpen && r.toolIndex != chunk.ToolCall.Index {
			frames = append(frames, r.closeBlock()...)
		}
		if !r.blockOpen {
			r.blockOpen = true
			r.toolIndex = chunk.ToolCall.Index
			frames = append(frames, claudeEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": r.blockIndex,
				"content_block": map[string]any{
					"type": "tool_use", "id": chunk.ToolCall.Id,
					"name": chunk.ToolCall.Name, "input": map[string]any{},
				},
			})...)
		}
		if chunk.ToolCall.Arguments != "" {
			frames = append(frames, claudeEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": r.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": chunk.ToolCall.Arguments},
			})...)
		}
	}

	if chunk.FinishReason != "" {
		frames = append(frames, r.closeBlock()...)
		usage := claudeUsage{OutputTokens: r.outputTokens}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		frames = append(frames, claudeEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": claudeStopReason(chunk.FinishReason), "stop_sequence": nil},
			"usage": usage,
		})...)
	}

	return frames, nil
}

func (r *claudeStreamRenderer) Finish() []byte {
	return claudeEvent("message_stop", map[string]any{"type": "message_stop"})
}

func (r *claudeStreamRenderer) RenderStreamError(gerr *relaymodel.GatewayError) []byte {
	return claudeEvent("error", claudeErrorBody(gerr))
}

func (c *claudeCodec) RenderError(gerr *relaymodel.GatewayError) []byte {
	data, _ := json.Marshal(claudeErrorBody(gerr))
	return data
}

func claudeErrorBody(gerr *relaymodel.GatewayError) map[string]any {
	errType := "invalid_request_error"
	switch {
	case gerr.Kind == relaymodel.ErrRateLimited:
		errType = "rate_limit_error"
	case gerr.StatusCode() == 401:
		errType = "authentication_error"
	case gerr.StatusCode() == 403:
		errType = "permission_error"
	case gerr.StatusCode() >= 500:
		errType = "api_error"
	}
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": gerr.Message,
		},
	}
}
