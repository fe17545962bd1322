package model

// Dialect tags the external request/response shape of a caller or an
// upstream provider.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectClaude Dialect = "claude"
	DialectGemini Dialect = "gemini"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	PartText       = "text"
	PartImage      = "image"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

// Part is one element of a message's content.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ImageURL carries either an https URL or a data: URI.
	ImageURL string `json:"image_url,omitempty"`
	// MimeType qualifies inline image data for dialects that need it.
	MimeType   string      `json:"mime_type,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is a canonical chat message. Content is always a list of parts;
// plain-string dialect content parses into a single text part.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCall is an assistant-requested function invocation. Arguments is the
// raw JSON string, matching the OpenAI wire shape.
type ToolCall struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult carries the tool's output back to the model.
type ToolResult struct {
	ToolCallId string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the canonical request every dialect parses into and every
// adaptor renders from.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	// ToolChoice is "auto", "none", "required" or a specific tool name.
	ToolChoice string `json:"tool_choice,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
	// Dialect records the caller's shape for response re-serialization.
	Dialect Dialect `json:"-"`
}

// SystemText returns the concatenated text of leading system messages.
func (r *Request) SystemText() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			break
		}
		if out != "" {
			out += "\n"
		}
		out += m.Text()
	}
	return out
}

// Response is a completed canonical response used for unary rendering.
type Response struct {
	Id           string     `json:"id"`
	Model        string     `json:"model"`
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}
