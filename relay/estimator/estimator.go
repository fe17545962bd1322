// Package estimator approximates prompt token counts before dispatch.
// OpenAI-family models use a real tiktoken encoding when one is known;
// everything else falls back to a character-class heuristic calibrated
// per provider family.
package estimator

import (
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/Laisky/zap"
	"github.com/pkoukk/tiktoken-go"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// Message framing overhead in tokens, matching the OpenAI chat format.
const (
	tokensPerMessage = 4
	tokensReplyPrime = 3
)

var (
	encodingMu sync.RWMutex
	encodings  = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingMu.RLock()
	enc, ok := encodings[model]
	encodingMu.RUnlock()
	if ok {
		return enc
	}

	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok = encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Logger.Debug("no tiktoken encoding for model, using heuristic",
			zap.String("model", model), zap.Error(err))
		enc = nil
	}
	encodings[model] = enc
	return enc
}

// family maps a canonical model name to its weight family.
func family(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gemini"):
		return "gemini"
	case strings.Contains(m, "claude"):
		return "claude"
	default:
		return "openai"
	}
}

func weightsFor(table *config.EstimatorTable, model string) config.EstimatorWeights {
	switch family(model) {
	case "gemini":
		return table.Gemini
	case "claude":
		return table.Claude
	default:
		return table.OpenAI
	}
}

// Estimator carries one weight-table snapshot. Capturing it once per
// request keeps the admission estimate and any later billing fallback
// on the same weights across a concurrent table swap.
type Estimator struct {
	table *config.EstimatorTable
}

// New snapshots the current weight table.
func New() Estimator {
	return Estimator{table: config.GetEstimatorTable()}
}

// EstimateText estimates the token count of one text span.
func (e Estimator) EstimateText(text string, model string) int {
	if text == "" {
		return 0
	}
	if family(model) == "openai" {
		if enc := encodingFor(model); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	}
	return heuristicCount(text, weightsFor(e.table, model))
}

// EstimateText estimates one text span against the current table. Use
// an Estimator when several estimates must agree with each other.
func EstimateText(text string, model string) int {
	return New().EstimateText(text, model)
}

// heuristicCount weighs each character by class. Runs of letters or of
// digits cost one word (or number) token for the whole run; switching
// between letters and digits starts a new run.
func heuristicCount(text string, w config.EstimatorWeights) int {
	var count float64
	// wordRun is "" outside a run, "latin" or "number" inside one.
	wordRun := ""

	for _, r := range text {
		if unicode.IsSpace(r) {
			wordRun = ""
			if r == '\n' || r == '\t' {
				count += w.Newline
			} else {
				count += w.Space
			}
			continue
		}
		if isCJK(r) {
			wordRun = ""
			count += w.CJK
			continue
		}
		if isEmoji(r) {
			wordRun = ""
			count += w.Emoji
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runType := "latin"
			if unicode.IsDigit(r) {
				runType = "number"
			}
			if wordRun != runType {
				if runType == "number" {
					count += w.Number
				} else {
					count += w.Word
				}
				wordRun = runType
			}
			continue
		}

		wordRun = ""
		switch {
		case isMathSymbol(r):
			count += w.MathSymbol
		case r == '@':
			count += w.AtSign
		case strings.ContainsRune("/:?&=;#%", r):
			count += w.URLDelim
		default:
			count += w.Symbol
		}
	}
	return int(math.Ceil(count))
}

// EstimateRequest estimates the prompt tokens of a canonical request,
// including per-message framing overhead.
func (e Estimator) EstimateRequest(req *relaymodel.Request) int {
	if req == nil {
		return 0
	}
	total := tokensReplyPrime
	for i := range req.Messages {
		total += tokensPerMessage
		total += e.EstimateText(req.Messages[i].Text(), req.Model)
		for _, p := range req.Messages[i].Parts {
			switch p.Type {
			case relaymodel.PartToolCall:
				if p.ToolCall != nil {
					total += e.EstimateText(p.ToolCall.Name+p.ToolCall.Arguments, req.Model)
				}
			case relaymodel.PartToolResult:
				if p.ToolResult != nil {
					total += e.EstimateText(p.ToolResult.Content, req.Model)
				}
			}
		}
	}
	for _, tool := range req.Tools {
		total += e.EstimateText(tool.Name+tool.Description, req.Model)
	}
	return total
}

// EstimateRequest estimates a request against the current table.
func EstimateRequest(req *relaymodel.Request) int {
	return New().EstimateRequest(req)
}

func isCJK(r rune) bool {
	c := int(r)
	return (0x4E00 <= c && c <= 0x9FFF) || // CJK Unified Ideographs
		(0x3400 <= c && c <= 0x4DBF) || // Extension A
		(0x20000 <= c && c <= 0x2A6DF) || // Extension B
		(0x2A700 <= c && c <= 0x2B73F) || // Extension C
		(0x2B740 <= c && c <= 0x2B81F) || // Extension D
		(0x2B820 <= c && c <= 0x2CEAF) || // Extension E/F
		(0xF900 <= c && c <= 0xFAFF) || // Compatibility Ideographs
		(0x2F800 <= c && c <= 0x2FA1F) || // Compatibility Supplement
		(0x3040 <= c && c <= 0x309F) || // Hiragana
		(0x30A0 <= c && c <= 0x30FF) || // Katakana
		(0xAC00 <= c && c <= 0xD7AF) // Hangul Syllables
}

func isEmoji(r rune) bool {
	c := int(r)
	return (0x1F600 <= c && c <= 0x1F64F) ||
		(0x1F300 <= c && c <= 0x1F5FF) ||
		(0x1F680 <= c && c <= 0x1F6FF) ||
		(0x1F700 <= c && c <= 0x1FAFF) ||
		(0x2600 <= c && c <= 0x26FF) ||
		(0x2700 <= c && c <= 0x27BF)
}

func isMathSymbol(r rune) bool {
	c := int(r)
	return (0x2200 <= c && c <= 0x22FF) ||
		(0x2A00 <= c && c <= 0x2AFF) ||
		(0x1D400 <= c && c <= 0x1D7FF)
}
