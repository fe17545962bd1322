package model

import "context"

// FinishStop / FinishLength / FinishToolCalls are the canonical finish
// reasons; dialects map them to their native vocabulary.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// ToolCallDelta is an incremental fragment of a streamed tool call. Index
// distinguishes parallel calls; Id and Name arrive on the first fragment.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	Id        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Chunk is one canonical streaming delta. A terminal chunk has a non-empty
// FinishReason; Usage, when present, carries cumulative totals.
type Chunk struct {
	TextDelta    string         `json:"text_delta,omitempty"`
	ToolCall     *ToolCallDelta `json:"tool_call,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChunkStream is a lazy finite sequence of canonical chunks. Next returns
// io.EOF after the terminal chunk. Close must release the upstream
// connection; it is safe to call more than once.
type ChunkStream interface {
	Next(ctx context.Context) (*Chunk, error)
	Close() error
}
