package bridge

// This package is the agentic streaming bridge: it sits between an upstream
// conversational model (reached either through the Anthropic streaming API or
// through the Claude CLI subprocess) and the downstream SSE chat protocol.
//
// Design notes:
// - Both backends are normalized into one ModelEvent vocabulary by a Provider
//   adapter; the loop controller never branches on backend-specific shapes.
// - Correlation ids are bridge-generated per content block and scoped to one
//   model turn. Provider-assigned block ids/indices never leave the adapter.
// - Tool execution goes through a ToolGateway; the bridge is the only caller.

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// ModelEventType is the normalized stream event kind produced by provider
// adapters.
type ModelEventType string

const (
	EventTextBlockStart ModelEventType = "text_block_start"
	EventTextDelta      ModelEventType = "text_delta"
	EventToolBlockStart ModelEventType = "tool_block_start"
	EventBlockEnd       ModelEventType = "block_end"
	EventToolResult     ModelEventType = "tool_result"
	EventTurnFinished   ModelEventType = "turn_finished"
)

// FinishReason classifies why a model turn stopped.
type FinishReason string

const (
	FinishDone    FinishReason = "done"
	FinishToolUse FinishReason = "tool_use"
)

// ModelEvent is one normalized upstream event. ID is always a bridge-generated
// correlation id, never the provider's block index or id.
type ModelEvent struct {
	Type ModelEventType

	// ID correlates block-scoped events (start, delta, end, result).
	ID string

	// Text carries a text delta, or the flattened result of a tool call
	// for EventToolResult.
	Text string

	// Name is the tool name for EventToolBlockStart.
	Name string

	// Args is the finalized tool input on EventBlockEnd of a tool block.
	// Only backends that execute tools themselves set it; deferred
	// execution surfaces inputs through TurnResult.ToolCalls instead.
	Args map[string]any

	// Reason is set for EventTurnFinished.
	Reason FinishReason
}

// BlockType is the content block variant inside a conversation turn.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one unit of content within a turn.
type Block struct {
	Type BlockType

	// Text holds the text span, or the flattened tool result payload.
	Text string

	// ToolCallID back-references the invocation a tool_use/tool_result
	// block belongs to.
	ToolCallID string
	ToolName   string
	Args       map[string]any
}

// Turn is one exchange unit in the conversation: a role-tagged ordered block
// list. Conversation state is append-only and owned by exactly one loop
// instance for the lifetime of one request.
type Turn struct {
	Role   string `json:"role"`
	Blocks []Block
}

// TextTurn builds a single-text-block turn.
func TextTurn(role, text string) Turn {
	return Turn{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// ToolCall is one fully-parsed tool invocation request from an assistant turn.
// ID is the bridge correlation id established when the block start was
// observed.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// TurnRequest is one model call: the full conversation plus the tool catalog.
type TurnRequest struct {
	Turns []Turn
	Tools []ToolDef
}

// TurnResult summarizes a completed model turn.
type TurnResult struct {
	Reason    FinishReason
	Text      string
	ToolCalls []ToolCall
}

// ToolDef describes one gateway tool exposed to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Provider is the normalized backend adapter contract. StreamTurn performs one
// model call, invoking onEvent for each normalized event in stream order, and
// returns the turn summary. Implementations must honor ctx cancellation at
// every suspension point.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(ModelEvent)) (TurnResult, error)
}

// ToolGateway is the external tool-execution service seen by the bridge.
type ToolGateway interface {
	ListTools(ctx context.Context) ([]ToolDef, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

func newCorrelationID() string {
	return uuid.NewString()
}

func normalizeRole(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "assistant":
		return "assistant"
	default:
		return "user"
	}
}
