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

const openaiDefaultBaseURL = "https://api.openai.com"

// openaiAdaptor speaks the OpenAI chat completions protocol. It also
// backs every OpenAI-compatible provider through executeOpenAI with a
// different base URL.
type openaiAdaptor struct{}

func (a *openaiAdaptor) Execute(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request) (relaymodel.ChunkStream, *relaymodel.GatewayError) {
	return executeOpenAI(ctx, provider, account, req, openaiDefaultBaseURL)
}

type openaiWireMessage struct {
	Role       string               `json:"role"`
	Content    any                  `json:"content"`
	ToolCalls  []openaiWireToolCall `json:"tool_calls,omitempty"`
	ToolCallId string               `json:"tool_call_id,omitempty"`
}

type openaiWireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	Id       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiWireRequest struct {
	Model         string              `json:"model"`
	Messages      []openaiWireMessage `json:"messages"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	Stop          []string            `json:"stop,omitempty"`
	Tools         []openaiWireTool    `json:"tools,omitempty"`
	ToolChoice    any                 `json:"tool_choice,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openaiWireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

func buildOpenAIBody(req *relaymodel.Request) ([]byte, error) {
	out := openaiWireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	for i := range req.Messages {
		out.Messages = append(out.Messages, renderOpenAIMessages(&req.Messages[i])...)
	}

	for _, t := range req.Tools {
		var wt openaiWireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, wt)
	}
	switch req.ToolChoice {
	case "":
	case "auto", "none", "required":
		out.ToolChoice = req.ToolChoice
	default:
		out.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}

	return json.Marshal(out)
}

// renderOpenAIMessages maps one canonical message to its wire messages.
// Tool results each become a standalone role:tool message.
func renderOpenAIMessages(msg *relaymodel.Message) []openaiWireMessage {
	var out []openaiWireMessage

	wire := openaiWireMessage{Role: msg.Role}
	var textOnly string
	var parts []map[string]any
	hasImage := false
	for _, p := range msg.Parts {
		switch p.Type {
		case relaymodel.PartText:
			textOnly += p.Text
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
		case relaymodel.PartImage:
			hasImage = true
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": p.ImageURL},
			})
		case relaymodel.PartToolCall:
			var call openaiWireToolCall
			call.Id = p.ToolCall.Id
			call.Type = "function"
			call.Function.Name = p.ToolCall.Name
			call.Function.Arguments = p.ToolCall.Arguments
			wire.ToolCalls = append(wire.ToolCalls, call)
		case relaymodel.PartToolResult:
			out = append(out, openaiWireMessage{
				Role:       "tool",
				Content:    p.ToolResult.Content,
				ToolCallId: p.ToolResult.ToolCallId,
			})
		}
	}
	if hasImage {
		wire.Content = parts
	} else {
		wire.Content = textOnly
	}
	if wire.Content != "" || len(wire.ToolCalls) > 0 || hasImage {
		out = append(out, wire)
	}
	return out
}

func openAIHeaders(provider *model.Provider, account *model.Account) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + account.APIKey,
	}
	applyHeaderOverrides(provider, headers)
	return headers
}

func providerBaseURL(provider *model.Provider, fallback string) string {
	if provider.BaseURL != "" {
		return strings.TrimSuffix(provider.BaseURL, "/")
	}
	return fallback
}

func executeOpenAI(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request, defaultBase string) (relaymodel.ChunkStream, *relaymodel.GatewayError) {
	body, err := buildOpenAIBody(req)
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "encode upstream request")
	}

	url := providerBaseURL(provider, defaultBase) + "/v1/chat/completions"
	resp, gerr := doJSON(ctx, http.MethodPost, url, openAIHeaders(provider, account), body)
	if gerr != nil {
		return nil, gerr
	}

	if req.Stream {
		return &openaiChunkStream{sse: newSSEStream(resp)}, nil
	}
	defer resp.Body.Close()
	parsed, gerr := parseOpenAIUnary(resp.Body)
	if gerr != nil {
		return nil, gerr
	}
	return newSliceStream(chunksFromResponse(parsed)...), nil
}

type openaiUpstreamMessage struct {
	Content   string               `json:"content"`
	ToolCalls []openaiWireToolCall `json:"tool_calls"`
}

type openaiUpstreamResponse struct {
	Choices []struct {
		Message      openaiUpstreamMessage `json:"message"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage *relaymodel.Usage `json:"usage"`
}

func parseOpenAIUnary(body io.Reader) (*relaymodel.Response, *relaymodel.GatewayError) {
	var in openaiUpstreamResponse
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "malformed upstream response")
	}
	if len(in.Choices) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream response has no choices")
	}

	choice := in.Choices[0]
	out := &relaymodel.Response{
		Text:         choice.Message.Content,
		FinishReason: canonicalFinishReason(choice.FinishReason),
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, relaymodel.ToolCall{
			Id:        call.Id,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if in.Usage != nil {
		out.Usage = *in.Usage
	}
	return out, nil
}

func canonicalFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return relaymodel.FinishLength
	case "tool_calls", "function_call":
		return relaymodel.FinishToolCalls
	default:
		return relaymodel.FinishStop
	}
}

type openaiStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content   string               `json:"content"`
			ToolCalls []openaiWireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *relaymodel.Usage `json:"usage"`
}

// openaiChunkStream decodes SSE frames into canonical chunks. The
// upstream finish frame is held back until [DONE] so a trailing
// usage-only frame can be folded into the terminal chunk.
type openaiChunkStream struct {
	sse   *sseStream
	queue []*relaymodel.Chunk

	usage  relaymodel.Usage
	finish string
	done   bool
}

func (s *openaiChunkStream) Close() error { return s.sse.Close() }

func (s *openaiChunkStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	for {
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}

		data, err := s.sse.nextData(ctx)
		if err == io.EOF || (err == nil && data == "[DONE]") {
			s.done = true
			if s.finish == "" {
				if err == io.EOF {
					return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream stream ended without finish reason")
				}
				s.finish = relaymodel.FinishStop
			}
			return &relaymodel.Chunk{FinishReason: s.finish, Usage: &s.usage}, nil
		}
		if err != nil {
			return nil, err
		}

		var frame openaiStreamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "malformed upstream frame")
		}
		s.usage.Add(frame.Usage)
		if len(frame.Choices) == 0 {
			continue
		}

		choice := frame.Choices[0]
		if choice.Delta.Content != "" {
			s.queue = append(s.queue, &relaymodel.Chunk{TextDelta: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			idx := 0
			if call.Index != nil {
				idx = *call.Index
			}
			s.queue = append(s.queue, &relaymodel.Chunk{
				ToolCall: &relaymodel.ToolCallDelta{
					Index:     idx,
					Id:        call.Id,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		if choice.FinishReason != "" {
			s.finish = canonicalFinishReason(choice.FinishReason)
		}
	}
}
