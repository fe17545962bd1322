package adaptor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fluxgate/fluxgate/common/image"
	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

type geminiAdaptor struct{}

type geminiWirePart struct {
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

type geminiWireContent struct {
	Role  string           `json:"role,omitempty"`
	Parts []geminiWirePart `json:"parts"`
}

type geminiWireRequest struct {
	Contents          []geminiWireContent `json:"contents"`
	SystemInstruction *geminiWireContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]any      `json:"generationConfig,omitempty"`
	Tools             []map[string]any    `json:"tools,omitempty"`
}

func buildGeminiBody(req *relaymodel.Request) ([]byte, *relaymodel.GatewayError) {
	var out geminiWireRequest

	if system := req.SystemText(); system != "" {
		out.SystemInstruction = &geminiWireContent{
			Parts: []geminiWirePart{{Text: system}},
		}
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role == relaymodel.RoleSystem {
			continue
		}
		content, gerr := renderGeminiContent(msg)
		if gerr != nil {
			return nil, gerr
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, *content)
		}
	}

	gc := map[string]any{}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		gc["maxOutputTokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		gc["stopSequences"] = req.Stop
	}
	if len(gc) > 0 {
		out.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, t := range req.Tools {
			decl := map[string]any{"name": t.Name}
			if t.Description != "" {
				decl["description"] = t.Description
			}
			if t.Parameters != nil {
				decl["parameters"] = t.Parameters
			}
			decls = append(decls, decl)
		}
		out.Tools = []map[string]any{{"functionDeclarations": decls}}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "encode upstream request")
	}
	return body, nil
}

func renderGeminiContent(msg *relaymodel.Message) (*geminiWireContent, *relaymodel.GatewayError) {
	role := "user"
	if msg.Role == relaymodel.RoleAssistant {
		role = "model"
	}
	content := &geminiWireContent{Role: role}
	for _, p := range msg.Parts {
		switch p.Type {
		case relaymodel.PartText:
			if p.Text != "" {
				content.Parts = append(content.Parts, geminiWirePart{Text: p.Text})
			}
		case relaymodel.PartImage:
			// Gemini only takes inline data; remote URLs are fetched and
			// re-encoded, data URIs are unwrapped locally.
			mimeType, payload, err := image.GetImageFromUrl(p.ImageURL)
			if err != nil {
				return nil, relaymodel.WrapError(relaymodel.ErrBadRequest, err, "fetch image %q", p.ImageURL)
			}
			if p.MimeType != "" {
				mimeType = p.MimeType
			}
			part := geminiWirePart{}
			part.InlineData = &struct {
				MimeType string `json:"mimeType"`
				Data     string `json:"data"`
			}{MimeType: mimeType, Data: payload}
			content.Parts = append(content.Parts, part)
		case relaymodel.PartToolCall:
			args := map[string]any{}
			if p.ToolCall.Arguments != "" {
				_ = json.Unmarshal([]byte(p.ToolCall.Arguments), &args)
			}
			part := geminiWirePart{}
			part.FunctionCall = &struct {
				Name string         `json:"name"`
				Args map[string]any `json:"args,omitempty"`
			}{Name: p.ToolCall.Name, Args: args}
			content.Parts = append(content.Parts, part)
		case relaymodel.PartToolResult:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(p.ToolResult.Content), &response); err != nil {
				response = map[string]any{"result": p.ToolResult.Content}
			}
			part := geminiWirePart{}
			part.FunctionResponse = &struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response,omitempty"`
			}{Name: p.ToolResult.ToolCallId, Response: response}
			content.Parts = append(content.Parts, part)
		}
	}
	return content, nil
}

func (a *geminiAdaptor) Execute(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request) (relaymodel.ChunkStream, *relaymodel.GatewayError) {
	body, gerr := buildGeminiBody(req)
	if gerr != nil {
		return nil, gerr
	}

	headers := map[string]string{"x-goog-api-key": account.APIKey}
	applyHeaderOverrides(provider, headers)

	base := providerBaseURL(provider, geminiDefaultBaseURL)
	action := "generateContent"
	suffix := ""
	if req.Stream {
		action = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s", base, req.Model, action, suffix)

	resp, gerr := doJSON(ctx, http.MethodPost, url, headers, body)
	if gerr != nil {
		return nil, gerr
	}

	if req.Stream {
		return &geminiChunkStream{sse: newSSEStream(resp), toolIndex: -1}, nil
	}
	defer resp.Body.Close()
	parsed, gerr := parseGeminiUnary(resp.Body)
	if gerr != nil {
		return nil, gerr
	}
	return newSliceStream(chunksFromResponse(parsed)...), nil
}

type geminiUpstreamFrame struct {
	Candidates []struct {
		Content struct {
			Parts []geminiWirePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func geminiCanonicalFinish(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return relaymodel.FinishLength
	default:
		return relaymodel.FinishStop
	}
}

func parseGeminiUnary(body io.Reader) (*relaymodel.Response, *relaymodel.GatewayError) {
	var in geminiUpstreamFrame
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "malformed upstream response")
	}
	if len(in.Candidates) == 0 {
		return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream response has no candidates")
	}

	candidate := in.Candidates[0]
	out := &relaymodel.Response{FinishReason: geminiCanonicalFinish(candidate.FinishReason)}
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, relaymodel.ToolCall{
				Id:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
			continue
		}
		out.Text += part.Text
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = relaymodel.FinishToolCalls
	}
	if u := in.UsageMetadata; u != nil {
		out.Usage = relaymodel.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

// geminiChunkStream decodes alt=sse frames. Gemini reports usage on the
// frame that carries finishReason; the terminal chunk is emitted as soon
// as that frame's parts have drained.
type geminiChunkStream struct {
	sse   *sseStream
	queue []*relaymodel.Chunk

	usage     relaymodel.Usage
	finish    string
	toolIndex int
	done      bool
}

func (s *geminiChunkStream) Close() error { return s.sse.Close() }

func (s *geminiChunkStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
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
		if err == io.EOF {
			s.done = true
			if s.finish == "" {
				return nil, relaymodel.NewError(relaymodel.ErrUpstream5xx, "upstream stream ended without finish reason")
			}
			return &relaymodel.Chunk{FinishReason: s.finish, Usage: &s.usage}, nil
		}
		if err != nil {
			return nil, err
		}

		var frame geminiUpstreamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "malformed upstream frame")
		}
		if u := frame.UsageMetadata; u != nil {
			s.usage.Add(&relaymodel.Usage{
				PromptTokens:     u.PromptTokenCount,
				CompletionTokens: u.CandidatesTokenCount,
			})
		}
		if len(frame.Candidates) == 0 {
			continue
		}

		candidate := frame.Candidates[0]
		sawTool := false
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				sawTool = true
				s.toolIndex++
				args, _ := json.Marshal(part.FunctionCall.Args)
				s.queue = append(s.queue, &relaymodel.Chunk{
					ToolCall: &relaymodel.ToolCallDelta{
						Index:     s.toolIndex,
						Id:        part.FunctionCall.Name,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				})
				continue
			}
			if part.Text != "" {
				s.queue = append(s.queue, &relaymodel.Chunk{TextDelta: part.Text})
			}
		}
		if candidate.FinishReason != "" {
			s.finish = geminiCanonicalFinish(candidate.FinishReason)
			if sawTool {
				s.finish = relaymodel.FinishToolCalls
			}
			s.queue = append(s.queue, &relaymodel.Chunk{FinishReason: s.finish, Usage: &s.usage})
			s.done = true
		}
	}
}
