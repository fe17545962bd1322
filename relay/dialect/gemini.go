package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/Laisky/errors/v2"

	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

type geminiCodec struct{}

func (c *geminiCodec) Dialect() relaymodel.Dialect { return relaymodel.DialectGemini }
func (c *geminiCodec) UnaryContentType() string    { return "application/json" }

type geminiRequest struct {
	// Model is not part of the Gemini body; the route supplies it and the
	// handler stores it on the canonical request after parsing.
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			Parameters  map[string]any `json:"parameters,omitempty"`
		} `json:"functionDeclarations,omitempty"`
	} `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response,omitempty"`
	} `json:"functionResponse,omitempty"`
}

func (c *geminiCodec) ParseRequest(raw []byte) (*relaymodel.Request, *relaymodel.GatewayError) {
	var in geminiRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "malformed request body")
	}
	if len(in.Contents) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "contents must not be empty")
	}

	out := &relaymodel.Request{Dialect: relaymodel.DialectGemini}

	if in.SystemInstruction != nil {
		text := ""
		for _, p := range in.SystemInstruction.Parts {
			text += p.Text
		}
		if text != "" {
			out.Messages = append(out.Messages, relaymodel.Message{
				Role:  relaymodel.RoleSystem,
				Parts: []relaymodel.Part{{Type: relaymodel.PartText, Text: text}},
			})
		}
	}

	for i := range in.Contents {
		msg, gerr := parseGeminiContent(&in.Contents[i])
		if gerr != nil {
			return nil, gerr
		}
		out.Messages = append(out.Messages, *msg)
	}

	if gc := in.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
	}

	for _, t := range in.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, relaymodel.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}

	return out, nil
}

func parseGeminiContent(in *geminiContent) (*relaymodel.Message, *relaymodel.GatewayError) {
	role := relaymodel.RoleUser
	switch in.Role {
	case "", "user":
	case "model":
		role = relaymodel.RoleAssistant
	default:
		return nil, relaymodel.NewError(relaymodel.ErrBadRequest, "unknown content role %q", in.Role)
	}

	msg := &relaymodel.Message{Role: role}
	for _, p := range in.Parts {
		switch {
		case p.FunctionCall != nil:
			args, err := json.Marshal(p.FunctionCall.Args)
			if err != nil {
				return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "malformed functionCall args")
			}
			msg.Parts = append(msg.Parts, relaymodel.Part{
				Type: relaymodel.PartToolCall,
				ToolCall: &relaymodel.ToolCall{
					Id:        p.FunctionCall.Name,
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		case p.FunctionResponse != nil:
			content, err := json.Marshal(p.FunctionResponse.Response)
			if err != nil {
				return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "malformed functionResponse")
			}
			msg.Parts = append(msg.Parts, relaymodel.Part{
				Type: relaymodel.PartToolResult,
				ToolResult: &relaymodel.ToolResult{
					ToolCallId: p.FunctionResponse.Name,
					Content:    string(content),
				},
			})
		case p.InlineData != nil:
			msg.Parts = append(msg.Parts, relaymodel.Part{
				Type:     relaymodel.PartImage,
				ImageURL: fmt.Sprintf("data:%s;base64,%s", p.InlineData.MimeType, p.InlineData.Data),
				MimeType: p.InlineData.MimeType,
			})
		default:
			msg.Parts = append(msg.Parts, relaymodel.Part{Type: relaymodel.PartText, Text: p.Text})
		}
	}
	return msg, nil
}

func geminiFinishReason(finish string) string {
	switch finish {
	case relaymodel.FinishLength:
		return "MAX_TOKENS"
	default:
		return "STOP"
	}
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func geminiCandidate(parts []map[string]any, finish string) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{"parts": parts, "role": "model"},
		"index":   0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	return candidate
}

func (c *geminiCodec) RenderUnary(resp *relaymodel.Response) ([]byte, error) {
	var parts []map[string]any
	if resp.Text != "" {
		parts = append(parts, map[string]any{"text": resp.Text})
	}
	for _, call := range resp.ToolCalls {
		args := map[string]any{}
		if call.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Arguments), &args)
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": call.Name, "args": args},
		})
	}
	if parts == nil {
		parts = []map[string]any{{"text": ""}}
	}

	out := map[string]any{
		"candidates": []map[string]any{
			geminiCandidate(parts, geminiFinishReason(resp.FinishReason)),
		},
		"usageMetadata": geminiUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
		"modelVersion": resp.Model,
	}
	data, err := json.Marshal(out)
	return data, errors.Wrap(err, "marshal gemini response")
}

// geminiStreamRenderer emits newline-separated JSON objects in an
// application/json stream.
type geminiStreamRenderer struct {
	model string
}

func (c *geminiCodec) NewStreamRenderer(model string) StreamRenderer {
	return &geminiStreamRenderer{model: model}
}

func (r *geminiStreamRenderer) ContentType() string { return "application/json" }

func (r *geminiStreamRenderer) Render(chunk *relaymodel.Chunk) ([]byte, error) {
	var parts []map[string]any
	if chunk.TextDelta != "" {
		parts = append(parts, map[string]any{"text": chunk.TextDelta})
	}
	if chunk.ToolCall != nil && chunk.ToolCall.Name != "" {
		args := map[string]any{}
		if chunk.ToolCall.Arguments != "" {
			_ = json.Unmarshal([]byte(chunk.ToolCall.Arguments), &args)
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": chunk.ToolCall.Name, "args": args},
		})
	}

	finish := ""
	if chunk.FinishReason != "" {
		finish = geminiFinishReason(chunk.FinishReason)
		if parts == nil {
			parts = []map[string]any{{"text": ""}}
		}
	}
	if parts == nil {
		return nil, nil
	}

	out := map[string]any{
		"candidates":   []map[string]any{geminiCandidate(parts, finish)},
		"modelVersion": r.model,
	}
	if chunk.FinishReason != "" && chunk.Usage != nil {
		out["usageMetadata"] = geminiUsageMetadata{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "marshal gemini chunk")
	}
	return append(data, '\n'), nil
}

func (r *geminiStreamRenderer) Finish() []byte { return nil }

func (r *geminiStreamRenderer) RenderStreamError(gerr *relaymodel.GatewayError) []byte {
	data, _ := json.Marshal(geminiErrorBody(gerr))
	return append(data, '\n')
}

func (c *geminiCodec) RenderError(gerr *relaymodel.GatewayError) []byte {
	data, _ := json.Marshal(geminiErrorBody(gerr))
	return data
}

func geminiErrorBody(gerr *relaymodel.GatewayError) map[string]any {
	code := gerr.StatusCode()
	status := "INTERNAL"
	switch {
	case code == 400:
		status = "INVALID_ARGUMENT"
	case code == 401:
		status = "UNAUTHENTICATED"
	case code == 403:
		status = "PERMISSION_DENIED"
	case code == 404:
		status = "NOT_FOUND"
	case code == 429:
		status = "RESOURCE_EXHAUSTED"
	case code == 499:
		status = "CANCELLED"
	case code >= 502:
		status = "UNAVAILABLE"
	}
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": gerr.Message,
			"status":  status,
		},
	}
}
