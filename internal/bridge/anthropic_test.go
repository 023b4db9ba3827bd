package bridge

import (
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

func TestMapAnthropicStopReason(t *testing.T) {
	t.Parallel()

	if got := mapAnthropicStopReason(anthropic.StopReasonToolUse); got != FinishToolUse {
		t.Fatalf("tool_use mapped to %q, want %q", got, FinishToolUse)
	}
	for _, reason := range []anthropic.StopReason{anthropic.StopReasonEndTurn, anthropic.StopReasonMaxTokens, anthropic.StopReasonStopSequence, ""} {
		if got := mapAnthropicStopReason(reason); got != FinishDone {
			t.Fatalf("%q mapped to %q, want %q", reason, got, FinishDone)
		}
	}
}

func TestBuildAnthropicMessages_RolesAndBlocks(t *testing.T) {
	t.Parallel()

	turns := []Turn{
		TextTurn("user", "look this up"),
		{
			Role: "assistant",
			Blocks: []Block{
				{Type: BlockText, Text: "on it"},
				{Type: BlockToolUse, ToolCallID: "call-1", ToolName: "lookup", Args: map[string]any{"q": "x"}},
			},
		},
		{
			Role:   "user",
			Blocks: []Block{{Type: BlockToolResult, ToolCallID: "call-1", Text: "found"}},
		},
	}
	msgs := buildAnthropicMessages(turns)

	if len(msgs) != 3 {
		t.Fatalf("messages=%d, want 3", len(msgs))
	}
	if msgs[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("msgs[0].Role=%q, want user", msgs[0].Role)
	}
	if msgs[1].Role != anthropic.MessageParamRoleAssistant {
		t.Fatalf("msgs[1].Role=%q, want assistant", msgs[1].Role)
	}
	if len(msgs[1].Content) != 2 {
		t.Fatalf("assistant blocks=%d, want text + tool_use", len(msgs[1].Content))
	}
	if msgs[2].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("msgs[2].Role=%q, want user (tool results)", msgs[2].Role)
	}
}

func TestBuildAnthropicMessages_SkipsEmptyAndFallsBack(t *testing.T) {
	t.Parallel()

	msgs := buildAnthropicMessages([]Turn{
		TextTurn("user", "   "),
		{Role: "assistant", Blocks: []Block{{Type: BlockToolUse, ToolCallID: "", ToolName: "x"}}},
	})
	if len(msgs) != 1 {
		t.Fatalf("messages=%d, want fallback user message", len(msgs))
	}
	if msgs[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("fallback role=%q, want user", msgs[0].Role)
	}
}

func TestBuildAnthropicTools(t *testing.T) {
	t.Parallel()

	tools := buildAnthropicTools([]ToolDef{
		{
			Name:        "lookup",
			Description: "find things",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []any{"q"},
			},
		},
		{Name: " "},
		{Name: "bare"},
	})

	if len(tools) != 2 {
		t.Fatalf("tools=%d, want nameless entry dropped", len(tools))
	}
	first := tools[0].OfTool
	if first == nil || first.Name != "lookup" {
		t.Fatalf("first tool=%+v, want lookup", tools[0])
	}
	if got := first.InputSchema.Required; len(got) != 1 || got[0] != "q" {
		t.Fatalf("required=%v, want [q]", got)
	}
	if tools[1].OfTool == nil || tools[1].OfTool.Name != "bare" {
		t.Fatalf("second tool=%+v, want bare with default schema", tools[1])
	}
}

func TestNewAnthropicProvider_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewAnthropicProvider(AnthropicConfig{Model: "m"}); err == nil {
		t.Fatalf("missing api key must be rejected")
	}
	if _, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"}); err == nil {
		t.Fatalf("missing model must be rejected")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.maxTokens != anthropicDefaultMaxTokens {
		t.Fatalf("maxTokens=%d, want default %d", p.maxTokens, anthropicDefaultMaxTokens)
	}
}

func TestToStringSlice(t *testing.T) {
	t.Parallel()

	if got, ok := toStringSlice([]any{"a", "b"}); !ok || len(got) != 2 {
		t.Fatalf("got=%v ok=%v, want [a b] true", got, ok)
	}
	if _, ok := toStringSlice([]any{"a", 1}); ok {
		t.Fatalf("mixed slice must not convert")
	}
	if _, ok := toStringSlice(42); ok {
		t.Fatalf("non-slice must not convert")
	}
}
