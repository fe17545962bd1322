package adaptor

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/common/config"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// sliceStream replays a fixed chunk sequence. Unary upstream replies are
// flattened into one of these so the dispatcher only ever consumes
// streams.
type sliceStream struct {
	chunks []*relaymodel.Chunk
	idx    int
}

func newSliceStream(chunks ...*relaymodel.Chunk) *sliceStream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Next(ctx context.Context) (*relaymodel.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrClientCancelled, err, "request cancelled")
	}
	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.idx]
	s.idx++
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

// chunksFromResponse converts a complete upstream reply into the chunk
// sequence a streaming reply would have produced, tool calls first, then
// a terminal chunk carrying the text, finish reason and usage.
func chunksFromResponse(resp *relaymodel.Response) []*relaymodel.Chunk {
	var chunks []*relaymodel.Chunk
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		chunks = append(chunks, &relaymodel.Chunk{
			ToolCall: &relaymodel.ToolCallDelta{
				Index:     i,
				Id:        call.Id,
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	chunks = append(chunks, &relaymodel.Chunk{
		TextDelta:    resp.Text,
		FinishReason: resp.FinishReason,
		Usage:        &resp.Usage,
	})
	return chunks
}

// bodyWatchdog closes the response body when the gap between reads
// exceeds the between-chunks bound, unblocking the goroutine parked in
// Read. A fired watchdog converts the resulting read error into a
// timeout outcome.
type bodyWatchdog struct {
	body  io.Closer
	timer *time.Timer

	mu    sync.Mutex
	fired bool
}

func newBodyWatchdog(body io.Closer, d time.Duration) *bodyWatchdog {
	w := &bodyWatchdog{body: body}
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		w.fired = true
		w.mu.Unlock()
		_ = body.Close()
	})
	return w
}

func (w *bodyWatchdog) reset(d time.Duration) {
	w.timer.Reset(d)
}

func (w *bodyWatchdog) stop() {
	w.timer.Stop()
}

func (w *bodyWatchdog) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// lineStream reads an upstream streaming body line by line under the
// between-chunks watchdog. Adaptor-specific decoders sit on top of it.
type lineStream struct {
	resp     *http.Response
	scanner  *bufio.Scanner
	watchdog *bodyWatchdog
	closed   bool
}

func newLineStream(resp *http.Response) *lineStream {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineStream{
		resp:     resp,
		scanner:  scanner,
		watchdog: newBodyWatchdog(resp.Body, config.BetweenChunksTimeout),
	}
}

// nextLine returns the next non-empty line. io.EOF signals a clean end
// of stream; everything else arrives as a *relaymodel.GatewayError.
func (s *lineStream) nextLine(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", relaymodel.WrapError(relaymodel.ErrClientCancelled, err, "request cancelled")
		}
		if !s.scanner.Scan() {
			if s.watchdog.expired() {
				return "", relaymodel.NewError(relaymodel.ErrUpstreamTimeout, "no data from upstream for %s", config.BetweenChunksTimeout)
			}
			if err := s.scanner.Err(); err != nil {
				if ctx.Err() == context.Canceled {
					return "", relaymodel.WrapError(relaymodel.ErrClientCancelled, err, "request cancelled")
				}
				return "", relaymodel.WrapError(relaymodel.ErrUpstream5xx, err, "upstream stream broke")
			}
			return "", io.EOF
		}
		s.watchdog.reset(config.BetweenChunksTimeout)
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		return line, nil
	}
}

func (s *lineStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.watchdog.stop()
	return s.resp.Body.Close()
}

// sseStream yields the payloads of "data:" frames from an SSE body.
// Non-data fields (event names, comments) are surfaced with their field
// prefix so callers that need event names can inspect them.
type sseStream struct {
	*lineStream
}

func newSSEStream(resp *http.Response) *sseStream {
	return &sseStream{lineStream: newLineStream(resp)}
}

// nextData returns the next data payload, skipping non-data fields.
func (s *sseStream) nextData(ctx context.Context) (string, error) {
	for {
		line, err := s.nextLine(ctx)
		if err != nil {
			return "", err
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return strings.TrimSpace(data), nil
		}
	}
}
