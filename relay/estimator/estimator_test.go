package estimator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fluxgate/common/config"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

func TestFamily(t *testing.T) {
	require.Equal(t, "claude", family("claude-sonnet-4-5"))
	require.Equal(t, "gemini", family("gemini-2.5-flash"))
	require.Equal(t, "openai", family("gpt-4o-mini"))
	require.Equal(t, "openai", family("some-unknown-model"))
}

func TestEstimateTextEmpty(t *testing.T) {
	require.Zero(t, EstimateText("", "claude-sonnet-4-5"))
}

func TestHeuristicWordRuns(t *testing.T) {
	// Claude weights: word 1.13, space 0.39. Two words and a space make
	// 2.65, rounded up to 3.
	require.Equal(t, 3, EstimateText("hello world", "claude-sonnet-4-5"))

	// A run of letters costs one word token regardless of its length.
	require.Equal(t, EstimateText("a", "claude-sonnet-4-5"),
		EstimateText("abcdefghij", "claude-sonnet-4-5"))
}

func TestHeuristicLetterDigitBoundary(t *testing.T) {
	// Switching between letters and digits starts a new run: word 1.13 +
	// number 1.63 = 2.76 -> 3, versus a single word run -> 2.
	require.Equal(t, 3, EstimateText("abc123", "claude-sonnet-4-5"))
	require.Equal(t, 2, EstimateText("abcdef", "claude-sonnet-4-5"))
}

func TestHeuristicCJK(t *testing.T) {
	// Each CJK rune is weighted individually (claude cjk 1.21).
	require.Equal(t, 3, EstimateText("你好", "claude-sonnet-4-5"))
}

func TestHeuristicFamiliesDiffer(t *testing.T) {
	text := "1234 5678 9012"
	claude := EstimateText(text, "claude-sonnet-4-5")
	gemini := EstimateText(text, "gemini-2.5-flash")
	// Gemini numbers weigh 2.8 against claude's 1.63; same text must
	// cost more under the gemini table.
	require.Greater(t, gemini, claude)
}

func TestEstimateRequestNil(t *testing.T) {
	require.Zero(t, EstimateRequest(nil))
}

func TestSnapshotSurvivesTableSwap(t *testing.T) {
	orig := config.GetEstimatorTable()
	t.Cleanup(func() { config.SetEstimatorTable(orig) })

	const text = "hello world 123"
	est := New()
	before := est.EstimateText(text, "claude-sonnet-4-5")

	inflated := *orig
	inflated.Claude.Word *= 10
	inflated.Claude.Number *= 10
	config.SetEstimatorTable(&inflated)

	// The captured snapshot keeps the weights it was created with.
	require.Equal(t, before, est.EstimateText(text, "claude-sonnet-4-5"))
	// A fresh snapshot sees the swapped table.
	require.Greater(t, New().EstimateText(text, "claude-sonnet-4-5"), before)
}

func TestEstimateRequestFraming(t *testing.T) {
	req := &relaymodel.Request{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.Message{
			{Role: relaymodel.RoleUser, Parts: []relaymodel.Part{{Type: relaymodel.PartText, Text: "hi"}}},
		},
	}
	// Reply prime 3 + message overhead 4 + text estimate.
	want := 3 + 4 + EstimateText("hi", req.Model)
	require.Equal(t, want, EstimateRequest(req))
}

func TestEstimateRequestCountsToolsAndResults(t *testing.T) {
	base := &relaymodel.Request{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.Message{
			{Role: relaymodel.RoleUser, Parts: []relaymodel.Part{{Type: relaymodel.PartText, Text: "check the weather"}}},
		},
	}
	withTools := &relaymodel.Request{
		Model:    base.Model,
		Messages: base.Messages,
		Tools: []relaymodel.Tool{
			{Name: "get_weather", Description: "Look up current conditions for a city"},
		},
	}
	require.Greater(t, EstimateRequest(withTools), EstimateRequest(base))

	withResult := &relaymodel.Request{
		Model: base.Model,
		Messages: append(append([]relaymodel.Message{}, base.Messages...), relaymodel.Message{
			Role: relaymodel.RoleTool,
			Parts: []relaymodel.Part{{
				Type:       relaymodel.PartToolResult,
				ToolResult: &relaymodel.ToolResult{ToolCallId: "t1", Content: `{"temp": 21}`},
			}},
		}),
	}
	require.Greater(t, EstimateRequest(withResult), EstimateRequest(base))
}
