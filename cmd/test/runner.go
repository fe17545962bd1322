package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"
)

type testResult struct {
	Model      string
	Variant    string
	Success    bool
	StatusCode int
	Duration   time.Duration
	Detail     string
}

// run fans one probe per model and variant out over a bounded worker set.
func run(ctx context.Context, logger glog.Logger, cfg *testConfig) []testResult {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	resultsCh := make(chan testResult, len(cfg.Models)*len(requestVariants))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, model := range cfg.Models {
		for _, variant := range requestVariants {
			g.Go(func() error {
				res := probe(ctx, httpClient, cfg, model, variant)
				if res.Success {
					logger.Info("request succeeded",
						zap.String("model", res.Model),
						zap.String("variant", res.Variant),
						zap.Duration("duration", res.Duration))
				} else {
					logger.Warn("request failed",
						zap.String("model", res.Model),
						zap.String("variant", res.Variant),
						zap.Int("status", res.StatusCode),
						zap.String("detail", res.Detail))
				}
				resultsCh <- res
				return nil
			})
		}
	}
	g.Wait()
	close(resultsCh)

	var results []testResult
	for res := range resultsCh {
		results = append(results, res)
	}
	return results
}

func probe(ctx context.Context, client *http.Client, cfg *testConfig, model string, variant requestVariant) testResult {
	res := testResult{Model: model, Variant: variant.Key}

	url, body, err := buildProbe(cfg.APIBase, model, variant)
	if err != nil {
		res.Detail = err.Error()
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	start := time.Now()
	resp, err := client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		res.Detail = strings.TrimSpace(string(raw))
		return res
	}

	if variant.Stream {
		err = validateStream(resp.Body, variant.Dialect)
	} else {
		err = validateUnary(resp.Body, variant.Dialect)
	}
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	res.Success = true
	return res
}

func buildProbe(base string, model string, variant requestVariant) (url string, body []byte, err error) {
	prompt := "Reply with the single word: pong"
	switch variant.Dialect {
	case dialectOpenAI:
		url = base + "/v1/chat/completions"
		body, err = json.Marshal(map[string]any{
			"model":    model,
			"stream":   variant.Stream,
			"messages": []map[string]any{{"role": "user", "content": prompt}},
		})
	case dialectClaude:
		url = base + "/v1/messages"
		body, err = json.Marshal(map[string]any{
			"model":      model,
			"stream":     variant.Stream,
			"max_tokens": 64,
			"messages":   []map[string]any{{"role": "user", "content": prompt}},
		})
	case dialectGemini:
		action := "generateContent"
		if variant.Stream {
			action = "streamGenerateContent"
		}
		url = fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, action)
		body, err = json.Marshal(map[string]any{
			"contents": []map[string]any{
				{"role": "user", "parts": []map[string]any{{"text": prompt}}},
			},
		})
	default:
		err = errors.Errorf("unknown dialect %q", variant.Dialect)
	}
	return url, body, errors.Wrap(err, "build probe")
}

func validateUnary(body io.Reader, d dialectType) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseBody))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errors.Wrap(err, "decode response")
	}

	switch d {
	case dialectOpenAI:
		if choices, _ := parsed["choices"].([]any); len(choices) == 0 {
			return errors.New("no choices in response")
		}
	case dialectClaude:
		if content, _ := parsed["content"].([]any); len(content) == 0 {
			return errors.New("no content blocks in response")
		}
	case dialectGemini:
		if candidates, _ := parsed["candidates"].([]any); len(candidates) == 0 {
			return errors.New("no candidates in response")
		}
	}
	return nil
}

func validateStream(body io.Reader, d dialectType) error {
	scanner := bufio.NewScanner(io.LimitReader(body, maxResponseBody))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// Gemini streams newline-delimited JSON objects, not SSE.
	if d == dialectGemini {
		frames := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var parsed map[string]any
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				return errors.Wrap(err, "decode stream frame")
			}
			frames++
		}
		if err := scanner.Err(); err != nil {
			return errors.Wrap(err, "read stream")
		}
		if frames == 0 {
			return errors.New("stream carried no data frames")
		}
		return nil
	}

	frames := 0
	sawDone := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		if data != "" {
			frames++
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stream")
	}
	if frames == 0 {
		return errors.New("stream carried no data frames")
	}
	if d == dialectOpenAI && !sawDone {
		return errors.New("stream missing [DONE] terminator")
	}
	return nil
}
