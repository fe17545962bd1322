package adaptor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

func TestKiroMappedModel(t *testing.T) {
	require.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", kiroMappedModel("claude-sonnet-4-5"))
	require.Equal(t, "unknown-model", kiroMappedModel("unknown-model"))
}

func TestKiroTruncateDescription(t *testing.T) {
	require.Equal(t, "short", kiroTruncateDescription("short"))

	long := strings.Repeat("d", kiroMaxToolDescriptionLen+100)
	got := kiroTruncateDescription(long)
	require.Len(t, got, kiroMaxToolDescriptionLen)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestRenderKiroTools(t *testing.T) {
	tools := []relaymodel.Tool{
		{Name: "web_search"},
		{Name: "lookup"},
	}
	out := renderKiroTools(tools)
	require.Len(t, out, 2)
	require.Contains(t, out[0], "webSearchTool")

	spec := out[1]["toolSpecification"].(map[string]any)
	require.Equal(t, "lookup", spec["name"])
	// Empty descriptions and schemas get placeholders; the API rejects
	// blanks.
	require.Equal(t, "Tool: lookup", spec["description"])
	require.NotNil(t, spec["inputSchema"].(map[string]any)["json"])
}

func TestRenderKiroToolsCapped(t *testing.T) {
	var tools []relaymodel.Tool
	for i := 0; i < kiroMaxTools+10; i++ {
		tools = append(tools, relaymodel.Tool{Name: "t"})
	}
	require.Len(t, renderKiroTools(tools), kiroMaxTools)
}

func TestBuildKiroBody(t *testing.T) {
	req := &relaymodel.Request{
		Model: "claude-sonnet-4-5",
		Messages: []relaymodel.Message{
			textMessage(relaymodel.RoleSystem, "be brief"),
			textMessage(relaymodel.RoleUser, "look this up"),
			{
				Role: relaymodel.RoleAssistant,
				Parts: []relaymodel.Part{{
					Type:     relaymodel.PartToolCall,
					ToolCall: &relaymodel.ToolCall{Id: "t1", Name: "lookup", Arguments: `{"q":1}`},
				}},
			},
			{
				Role: relaymodel.RoleTool,
				Parts: []relaymodel.Part{{
					Type:       relaymodel.PartToolResult,
					ToolResult: &relaymodel.ToolResult{ToolCallId: "t1", Content: "42"},
				}},
			},
		},
	}
	body, gerr := buildKiroBody(req, "arn:aws:codewhisperer:test")
	require.Nil(t, gerr)

	var out struct {
		ProfileArn        string `json:"profileArn"`
		ConversationState struct {
			ChatTriggerType string             `json:"chatTriggerType"`
			ConversationId  string             `json:"conversationId"`
			History         []kiroHistoryEntry `json:"history"`
			CurrentMessage  struct {
				UserInputMessage kiroUserInputMessage `json:"userInputMessage"`
			} `json:"currentMessage"`
		} `json:"conversationState"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "arn:aws:codewhisperer:test", out.ProfileArn)
	require.Equal(t, "MANUAL", out.ConversationState.ChatTriggerType)
	require.NotEmpty(t, out.ConversationState.ConversationId)

	history := out.ConversationState.History
	require.Len(t, history, 2)
	// System text folds into the first user turn.
	require.Equal(t, "be brief\n\nlook this up", history[0].UserInputMessage.Content)
	require.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", history[0].UserInputMessage.ModelId)
	require.Len(t, history[1].AssistantResponseMessage.ToolUses, 1)
	// Assistant turns with only tool calls still need content.
	require.Equal(t, kiroFillerAssistantContent, history[1].AssistantResponseMessage.Content)

	current := out.ConversationState.CurrentMessage.UserInputMessage
	require.Equal(t, "Tool results provided.", current.Content)
	require.NotNil(t, current.Context)
	require.Len(t, current.Context.ToolResults, 1)
	require.Equal(t, "t1", current.Context.ToolResults[0].ToolUseId)
}

func TestBuildKiroBodyRejectsSystemOnly(t *testing.T) {
	req := &relaymodel.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []relaymodel.Message{textMessage(relaymodel.RoleSystem, "be brief")},
	}
	_, gerr := buildKiroBody(req, "")
	require.NotNil(t, gerr)
}

func userEntry(content string) kiroHistoryEntry {
	return kiroHistoryEntry{UserInputMessage: &kiroUserInputMessage{Content: content}}
}

func assistantEntry(content string, toolUses ...kiroToolUse) kiroHistoryEntry {
	return kiroHistoryEntry{AssistantResponseMessage: &kiroAssistantMessage{
		Content:  content,
		ToolUses: toolUses,
	}}
}

func TestFixKiroHistoryInsertsFillers(t *testing.T) {
	fixed := fixKiroHistory([]kiroHistoryEntry{
		userEntry("one"),
		userEntry("two"),
	}, "m")

	// user, filler assistant, user, closing filler assistant.
	require.Len(t, fixed, 4)
	require.NotNil(t, fixed[1].AssistantResponseMessage)
	require.Equal(t, kiroFillerAssistantContent, fixed[1].AssistantResponseMessage.Content)
	require.NotNil(t, fixed[3].AssistantResponseMessage)
}

func TestFixKiroHistoryLeadingAssistant(t *testing.T) {
	fixed := fixKiroHistory([]kiroHistoryEntry{
		assistantEntry("hello"),
	}, "m")

	require.Len(t, fixed, 2)
	require.NotNil(t, fixed[0].UserInputMessage)
	require.Equal(t, kiroFillerUserContent, fixed[0].UserInputMessage.Content)
}

func TestFixKiroHistoryMergesToolResultTurns(t *testing.T) {
	withResults := func(ids ...string) kiroHistoryEntry {
		var results []kiroToolResult
		for _, id := range ids {
			results = append(results, kiroToolResult{ToolUseId: id, Status: "success"})
		}
		return kiroHistoryEntry{UserInputMessage: &kiroUserInputMessage{
			Content: "Tool results provided.",
			Context: &kiroMessageContext{ToolResults: results},
		}}
	}

	fixed := fixKiroHistory([]kiroHistoryEntry{
		assistantEntry("x", kiroToolUse{ToolUseId: "t1"}, kiroToolUse{ToolUseId: "t2"}),
		withResults("t1"),
		withResults("t2"),
	}, "m")

	// The two result turns collapse into one user turn carrying both.
	require.Len(t, fixed, 4)
	require.Len(t, fixed[2].UserInputMessage.Context.ToolResults, 2)
}

func TestFixKiroHistoryDropsOrphans(t *testing.T) {
	// Tool uses with no results following: uses are dropped.
	fixed := fixKiroHistory([]kiroHistoryEntry{
		assistantEntry("x", kiroToolUse{ToolUseId: "t1"}),
		userEntry("plain follow-up"),
	}, "m")
	require.Empty(t, fixed[1].AssistantResponseMessage.ToolUses)

	// Results with no uses before: context is cleared.
	fixed = fixKiroHistory([]kiroHistoryEntry{
		assistantEntry("x"),
		{UserInputMessage: &kiroUserInputMessage{
			Content: "results",
			Context: &kiroMessageContext{ToolResults: []kiroToolResult{{ToolUseId: "t9"}}},
		}},
	}, "m")
	require.Nil(t, fixed[2].UserInputMessage.Context)
}

func TestBalancedObjectEnd(t *testing.T) {
	s := `{"a":{"b":"}"},"c":"\""}tail`
	end := balancedObjectEnd(s, 0)
	require.Equal(t, len(s)-len("tail")-1, end)

	require.Equal(t, -1, balancedObjectEnd(`{"a":{`, 0))
	require.Equal(t, -1, balancedObjectEnd(`{"a":"unterminated`, 0))
}

func TestScanKiroEvents(t *testing.T) {
	buffer := "\x00\x12frameheader" +
		`{"content":"he"}` +
		"\x00junk" +
		`{"content":"llo"}` +
		`{"content":"par`

	events, rest := scanKiroEvents(buffer)
	require.Len(t, events, 2)
	require.Equal(t, "content", events[0].kind)
	require.Equal(t, "he", events[0].content)
	require.Equal(t, "llo", events[1].content)
	// The partial object stays buffered for the next read.
	require.Equal(t, `{"content":"par`, rest)

	events, rest = scanKiroEvents(rest + `tial"}`)
	require.Len(t, events, 1)
	require.Equal(t, "partial", events[0].content)
	require.Empty(t, rest)
}

func TestScanKiroEventsNoPayload(t *testing.T) {
	events, rest := scanKiroEvents("\x00\x00binary noise")
	require.Empty(t, events)
	require.Equal(t, "\x00\x00binary noise", rest)
}

func TestDecodeKiroEvent(t *testing.T) {
	ev, ok := decodeKiroEvent(`{"content":"hi"}`)
	require.True(t, ok)
	require.Equal(t, "content", ev.kind)

	// Followup prompts are upstream suggestions, not reply text.
	_, ok = decodeKiroEvent(`{"followupPrompt":{"content":"next?"},"content":null}`)
	require.False(t, ok)

	ev, ok = decodeKiroEvent(`{"name":"lookup","toolUseId":"t1","input":"{\"q\":","stop":false}`)
	require.True(t, ok)
	require.Equal(t, "toolUse", ev.kind)
	require.Equal(t, "lookup", ev.name)
	require.Equal(t, "t1", ev.toolUseId)
	require.Equal(t, `{"q":`, ev.input)

	ev, ok = decodeKiroEvent(`{"input":"1}"}`)
	require.True(t, ok)
	require.Equal(t, "toolUseInput", ev.kind)

	ev, ok = decodeKiroEvent(`{"stop":true}`)
	require.True(t, ok)
	require.Equal(t, "toolUseStop", ev.kind)
	require.True(t, ev.stop)

	ev, ok = decodeKiroEvent(`{"usage":1.5,"unit":"Credit"}`)
	require.True(t, ok)
	require.Equal(t, "usage", ev.kind)
	require.Equal(t, 1.5, ev.usage)
	require.Equal(t, "credit", ev.unit)

	ev, ok = decodeKiroEvent(`{"usage":2,"unitPlural":"Credits"}`)
	require.True(t, ok)
	require.Equal(t, "credit", ev.unit)

	_, ok = decodeKiroEvent(`not json`)
	require.False(t, ok)
}
