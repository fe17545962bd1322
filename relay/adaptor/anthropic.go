package adaptor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokensCap   = 4096
)

type anthropicAdaptor struct{}

type anthropicWireRequest struct {
	Model         string                 `json:"model"`
	System        string                 `json:"system,omitempty"`
	Messages      []anthropicWireMessage `json:"messages"`
	MaxTokens     int                    `json:"max_tokens"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Tools         []anthropicWireTool    `json:"tools,omitempty"`
	ToolChoice    map[string]any         `json:"tool_choice,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
}

type anthropicWireMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type anthropicWireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

func buildAnthropicBody(req *relaymodel.Request) ([]byte, *relaymodel.GatewayError) {
	out := anthropicWireRequest{
		Model:         req.Model,
		System:        req.SystemText(),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicMaxTokensCap
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role == relaymodel.RoleSystem {
			continue
		}
		wire, gerr := renderAnthropicMessage(msg)
		if gerr != nil {
			return nil, gerr
		}
		if len(wire.Content) > 0 {
			out.Messages = append(out.Messages, *wire)
		}
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, anthropicWireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	switch req.ToolChoice {
	case "", "none":
	case "auto":
		out.ToolChoice = map[string]any{"type": "auto"}
	case "required":
		out.ToolChoice = map[string]any{"type": "any"}
	default:
		out.ToolChoice = map[string]any{"type": "tool", "name": req.ToolChoice}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "encode upstream request")
	}
	return body, nil
}

func renderAnthropicMessage(msg *relaymodel.Message) (*anthropicWireMessage, *relaymodel.GatewayError) {
	role := msg.Role
	if role == relaymodel.RoleTool {
		role = relaymodel.RoleUser
	}
	wire := &anthropicWireMessage{Role: role}
	for _, p := range msg.Parts {
		switch p.Type {
		case relaymodel.PartText:
			if p.Text != "" {
				wire.Content = append(wire.Content, map[string]any{"type": "text", "text": p.Text})
			}
		case relaymodel.PartImage:
			block, gerr := anthropicImageBlock(p.ImageURL, p.MimeType)
			if gerr != nil {
				return nil, gerr
			}
			wire.Content = append(wire.Content, block)
		case relaymodel.PartToolCall:
			input := map[string]any{}
			if p.ToolCall.Arguments != "" {
				_ = json.Unmarshal([]byte(p.ToolCall.Arguments), &input)
			}
			wire.Content = append(wire.Content, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCall.Id,
				"name":  p.ToolCall.Name,
				"input": input,
			})
		case relaymodel.PartToolResult:
			wire.Content = append(wire.Content, map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolResult.ToolCallId,
				"content":     p.ToolResult.Content,
			})
		}
	}
	return wire, nil
}

// anthropicImageBlock renders a data: URI as a base64 source and a plain
// URL as a url source.
func anthropicImageBlock(imageURL, mimeType string) (map[string]any, *relaymodel.GatewayError) {
	if data, ok := strings.CutPrefix(imageURL, "data:"); ok {
		meta, payload, found := strings.Cut(data, ",")
		if !found {
			return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "malformed image data URI")
		}
		mediaType := strings.TrimSuffix(meta, ";base64")
		if mimeType != "" {
			mediaType = mimeType
		}
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       payload,
			},
		}, nil
	}
	return map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "url", "url": imageURL},
	}, nil
}

func (a *anthropicAdaptor) Execute(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request) (relaymodel.ChunkStream, *relaymodel.GatewayError) {
	body, gerr := buildAnthropicBody(req)
	if gerr != nil {
		return nil, gerr
	}

	headers := map[string]string{
		"x-api-key":         account.APIKey,
		"anthropic-version": anthropicVersion,
	}
	applyHeaderOverrides(provider, headers)

	url := providerBaseURL(provider, anthropicDefaultBaseURL) + "/v1/messages"
	resp, gerr := doJSON(ctx, http.MethodPost, url, headers, body)
	if gerr != nil {
		return nil, gerr
	}

	if req.Stream {
		return &anthropicChunkStream{sse: newSSEStream(resp), toolIndex: -1}, nil
	}
	defer resp.Body.Close()
	parsed, gerr := parseAnthropicUnary(resp.Body)
	if gerr != nil {
		return nil, gerr
	}
	return newSliceStream(chunksFromResponse(parsed)...), nil
}

type anthropicUpstreamResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Id    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseAnthropicUnary(body io.Reader) (*relaymodel.Response, *relaymodel.GatewayError) {
	var in anthropicUpstreamResponse
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "malformed upstream response")
	}

	out := &relaymodel.Response{
		FinishReason: anthropicCanonicalFinish(in.StopReason),
		Usage: relaymodel.Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}
	for _, block := range in.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, relaymodel.ToolCall{
				Id:        block.Id,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}

func anthropicCanonicalFinish(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return relaymodel.FinishLength
	case "tool_use":
		return relaymodel.FinishToolCalls
	default:
		return relaymodel.FinishStop
	}
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		Id   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicChunkStream folds named Anthropic events into canonical
// chunks. Tool calls are numbered by arrival order, not by the
// upstream content block index, so text blocks don't leave gaps.
type anthropicChunkStream struct {
	sse *sseStream

	usage     relaymodel.Usage
	finish    string
	toolIndex int
	toolBlock map[int]int
	done      bool
}

func (s *anthropicChunkStream) Close() error { return s.sse.Close() }

func (s *anthropicChunkStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		data, err := s.sse.nextData(ctx)
		if err == io.EOF {
			s.done = true
			if s.finish == "" {
				return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream stream ended without message_delta")
			}
			return &relaymodel.Chunk{FinishReason: s.finish, Usage: &s.usage}, nil
		}
		if err != nil {
			return nil, err
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "malformed upstream event")
		}

		switch event.Type {
		case "message_start":
			s.usage.Add(&relaymodel.Usage{PromptTokens: event.Message.Usage.InputTokens})
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				s.toolIndex++
				if s.toolBlock == nil {
					s.toolBlock = map[int]int{}
				}
				s.toolBlock[event.Index] = s.toolIndex
				return &relaymodel.Chunk{
					ToolCall: &relaymodel.ToolCallDelta{
						Index: s.toolIndex,
						Id:    event.ContentBlock.Id,
						Name:  event.ContentBlock.Name,
					},
				}, nil
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					return &relaymodel.Chunk{TextDelta: event.Delta.Text}, nil
				}
			case "input_json_delta":
				if event.Delta.PartialJSON != "" {
					return &relaymodel.Chunk{
						ToolCall: &relaymodel.ToolCallDelta{
							Index:     s.toolBlock[event.Index],
							Arguments: event.Delta.PartialJSON,
						},
					}, nil
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				s.finish = anthropicCanonicalFinish(event.Delta.StopReason)
			}
			s.usage.Add(&relaymodel.Usage{CompletionTokens: event.Usage.OutputTokens})
		case "message_stop":
			s.done = true
			if s.finish == "" {
				s.finish = relaymodel.FinishStop
			}
			return &relaymodel.Chunk{FinishReason: s.finish, Usage: &s.usage}, nil
		case "error":
			s.done = true
			return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream error event: %s", event.Error.Message)
		}
	}
}
