package adaptor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/zap"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/relay/estimator"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// kiroEvent is one decoded payload from the AWS event stream.
type kiroEvent struct {
	kind      string // content, toolUse, toolUseInput, toolUseStop, usage
	content   string
	name      string
	toolUseId string
	input     string
	stop      bool
	usage     float64
	unit      string
}

// kiroEventPrefixes are the JSON object openings that mark payloads
// inside the binary event-stream framing. Scanning for them skips the
// frame headers without parsing the envelope.
var kiroEventPrefixes = []string{
	`{"content":`,
	`{"name":`,
	`{"followupPrompt":`,
	`{"input":`,
	`{"stop":`,
	`{"contextUsagePercentage":`,
	`{"unit":`,
}

// scanKiroEvents extracts complete JSON payloads from the buffer and
// returns the unconsumed tail, which may hold a partial object.
func scanKiroEvents(buffer string) ([]kiroEvent, string) {
	var events []kiroEvent
	searchStart := 0

	for {
		jsonStart := -1
		for _, prefix := range kiroEventPrefixes {
			if pos := strings.Index(buffer[searchStart:], prefix); pos >= 0 {
				abs := searchStart + pos
				if jsonStart < 0 || abs < jsonStart {
					jsonStart = abs
				}
			}
		}
		if jsonStart < 0 {
			if searchStart > 0 {
				return events, buffer[searchStart:]
			}
			return events, buffer
		}

		jsonEnd := balancedObjectEnd(buffer, jsonStart)
		if jsonEnd < 0 {
			// Partial object; wait for more bytes.
			return events, buffer[jsonStart:]
		}

		if event, ok := decodeKiroEvent(buffer[jsonStart : jsonEnd+1]); ok {
			events = append(events, event)
		}
		searchStart = jsonEnd + 1
		if searchStart >= len(buffer) {
			return events, ""
		}
	}
}

// balancedObjectEnd finds the closing brace of the object opening at
// start, honoring strings and escapes. Returns -1 if incomplete.
func balancedObjectEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

func decodeKiroEvent(raw string) (kiroEvent, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return kiroEvent{}, false
	}

	asString := func(key string) string {
		s, _ := parsed[key].(string)
		return s
	}
	asBool := func(key string) bool {
		b, _ := parsed[key].(bool)
		return b
	}

	switch {
	case parsed["content"] != nil && parsed["followupPrompt"] == nil:
		return kiroEvent{kind: "content", content: asString("content")}, true
	case asString("name") != "" && asString("toolUseId") != "":
		return kiroEvent{
			kind:      "toolUse",
			name:      asString("name"),
			toolUseId: asString("toolUseId"),
			input:     asString("input"),
			stop:      asBool("stop"),
		}, true
	case hasKey(parsed, "input") && asString("name") == "":
		return kiroEvent{kind: "toolUseInput", input: asString("input")}, true
	case hasKey(parsed, "stop") && !hasKey(parsed, "contextUsagePercentage"):
		return kiroEvent{kind: "toolUseStop", stop: asBool("stop")}, true
	case hasKey(parsed, "usage"):
		usage, _ := parsed["usage"].(float64)
		unit := strings.ToLower(asString("unit"))
		if unit == "" {
			unit = strings.ToLower(strings.TrimSuffix(asString("unitPlural"), "s"))
		}
		return kiroEvent{kind: "usage", usage: usage, unit: unit}, true
	}
	return kiroEvent{}, false
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// kiroChunkStream reads the event stream and folds tool-use fragments
// into canonical chunks. Kiro reports no token usage, so the terminal
// chunk carries estimates; credit spend reported mid-stream lands on
// the account counters instead.
type kiroChunkStream struct {
	resp     *http.Response
	watchdog *bodyWatchdog
	req      *relaymodel.Request
	account  int

	readBuf []byte
	buffer  string
	queue   []*relaymodel.Chunk

	text      strings.Builder
	toolIndex int
	toolOpen  bool
	credits   float64
	drained   bool
	done      bool
	closed    bool
}

func newKiroChunkStream(resp *http.Response, req *relaymodel.Request, accountId int) *kiroChunkStream {
	return &kiroChunkStream{
		resp:      resp,
		watchdog:  newBodyWatchdog(resp.Body, config.BetweenChunksTimeout),
		req:       req,
		account:   accountId,
		readBuf:   make([]byte, 32*1024),
		toolIndex: -1,
	}
}

func (s *kiroChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.watchdog.stop()
	return s.resp.Body.Close()
}

func (s *kiroChunkStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	for {
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if s.drained {
			return s.finalize(), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, relaymodel.WrapError(relaymodel.ErrClientCancelled, err, "request cancelled")
		}

		n, err := s.resp.Body.Read(s.readBuf)
		if n > 0 {
			s.watchdog.reset(config.BetweenChunksTimeout)
			s.buffer += string(s.readBuf[:n])
			var events []kiroEvent
			events, s.buffer = scanKiroEvents(s.buffer)
			for _, event := range events {
				s.apply(event)
			}
		}
		if err == io.EOF {
			s.drained = true
			continue
		}
		if err != nil {
			if s.watchdog.expired() {
				return nil, relaymodel.NewError(relaymodel.ErrUpstreamTimeout, "no data from upstream for %s", config.BetweenChunksTimeout)
			}
			if ctx.Err() == context.Canceled {
				return nil, relaymodel.WrapError(relaymodel.ErrClientCancelled, err, "request cancelled")
			}
			return nil, relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "upstream stream broke")
		}
	}
}

func (s *kiroChunkStream) apply(event kiroEvent) {
	switch event.kind {
	case "content":
		if event.content != "" {
			s.text.WriteString(event.content)
			s.queue = append(s.queue, &relaymodel.Chunk{TextDelta: event.content})
		}
	case "toolUse":
		s.toolIndex++
		s.toolOpen = !event.stop
		s.queue = append(s.queue, &relaymodel.Chunk{
			ToolCall: &relaymodel.ToolCallDelta{
				Index: s.toolIndex,
				Id:    event.toolUseId,
				Name:  event.name,
			},
		})
		if event.input != "" {
			s.queue = append(s.queue, &relaymodel.Chunk{
				ToolCall: &relaymodel.ToolCallDelta{
					Index:     s.toolIndex,
					Arguments: event.input,
				},
			})
		}
	case "toolUseInput":
		if s.toolOpen && event.input != "" {
			s.queue = append(s.queue, &relaymodel.Chunk{
				ToolCall: &relaymodel.ToolCallDelta{
					Index:     s.toolIndex,
					Arguments: event.input,
				},
			})
		}
	case "toolUseStop":
		if event.stop {
			s.toolOpen = false
		}
	case "usage":
		if event.unit == "credit" && event.usage > 0 {
			s.credits += event.usage
		}
	}
}

func (s *kiroChunkStream) finalize() *relaymodel.Chunk {
	s.done = true

	if s.credits > 0 && s.account > 0 {
		accountId, credits := s.account, s.credits
		go func() {
			if err := model.AddAccountCreditUsage(context.Background(), accountId, credits); err != nil {
				logger.Logger.Error("record kiro credit usage",
					zap.Int("account", accountId), zap.Error(err))
			}
		}()
	}

	finish := relaymodel.FinishStop
	if s.toolIndex >= 0 {
		finish = relaymodel.FinishToolCalls
	}
	est := estimator.New()
	prompt := est.EstimateRequest(s.req)
	completion := est.EstimateText(s.text.String(), s.req.Model)
	return &relaymodel.Chunk{
		FinishReason: finish,
		Usage: &relaymodel.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}
