package model

// Usage is the token usage for one request, in canonical (OpenAI-style)
// fields.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add merges cumulative usage reported by a later chunk; later reports
// replace earlier ones because providers emit running totals.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	if other.PromptTokens > 0 {
		u.PromptTokens = other.PromptTokens
	}
	if other.CompletionTokens > 0 {
		u.CompletionTokens = other.CompletionTokens
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}
