// Package dialect translates between the wire formats callers speak
// (OpenAI, Claude, Gemini) and the canonical request/chunk model. The
// translators are pure: a fresh stream renderer can replay any chunk
// sequence.
package dialect

import (
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// Codec is one dialect's parse and render pair.
type Codec interface {
	Dialect() relaymodel.Dialect

	// ParseRequest maps the raw body into a canonical request.
	// Constructs the canonical model cannot express fail with
	// unsupported_request_feature rather than being dropped.
	ParseRequest(raw []byte) (*relaymodel.Request, *relaymodel.GatewayError)

	// RenderUnary serializes a completed response.
	RenderUnary(resp *relaymodel.Response) ([]byte, error)

	// NewStreamRenderer returns a renderer for one streamed response.
	NewStreamRenderer(model string) StreamRenderer

	// RenderError builds the dialect's canonical error body.
	RenderError(gerr *relaymodel.GatewayError) []byte

	// UnaryContentType is the response content type for non-streamed
	// calls.
	UnaryContentType() string
}

// StreamRenderer turns canonical chunks into the dialect's stream
// frames. Render may emit several frames for one chunk (Claude's named
// event sequence) or none (frames held until the terminal chunk).
type StreamRenderer interface {
	Render(chunk *relaymodel.Chunk) ([]byte, error)

	// Finish emits any trailing frames after the terminal chunk.
	Finish() []byte

	// RenderStreamError is the mid-stream error envelope; the stream is
	// closed right after it.
	RenderStreamError(gerr *relaymodel.GatewayError) []byte

	ContentType() string
}

var codecs = map[relaymodel.Dialect]Codec{
	relaymodel.DialectOpenAI: &openaiCodec{},
	relaymodel.DialectClaude: &claudeCodec{},
	relaymodel.DialectGemini: &geminiCodec{},
}

// CodecFor returns the codec for a dialect; OpenAI is the fallback so a
// caller always gets a renderer for error bodies.
func CodecFor(d relaymodel.Dialect) Codec {
	if c, ok := codecs[d]; ok {
		return c
	}
	return codecs[relaymodel.DialectOpenAI]
}
