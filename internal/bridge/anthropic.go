package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicConfig configures the direct streaming API backend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// AnthropicProvider drives the model through the Anthropic Messages streaming
// API and normalizes its events.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing anthropic api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("missing anthropic model")
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, aoption.WithBaseURL(base))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: maxTokens,
	}, nil
}

// openBlock tracks one in-flight content block. The provider-assigned stream
// index never leaves this adapter; downstream sees only the correlation id.
type openBlock struct {
	id   string
	kind BlockType
	name string

	argsRaw strings.Builder
	ended   bool
}

func (p *AnthropicProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(ModelEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  buildAnthropicMessages(req.Turns),
		Tools:     buildAnthropicTools(req.Tools),
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}

	// Block identifier map, scoped to this turn. A fresh correlation id is
	// minted the first time each block index is observed.
	blocks := map[int64]*openBlock{}

	emit := func(ev ModelEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return TurnResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch strings.TrimSpace(variant.ContentBlock.Type) {
			case "text":
				ob := &openBlock{id: newCorrelationID(), kind: BlockText}
				blocks[variant.Index] = ob
				emit(ModelEvent{Type: EventTextBlockStart, ID: ob.id})
			case "tool_use":
				ob := &openBlock{
					id:   newCorrelationID(),
					kind: BlockToolUse,
					name: strings.TrimSpace(variant.ContentBlock.Name),
				}
				blocks[variant.Index] = ob
				emit(ModelEvent{Type: EventToolBlockStart, ID: ob.id, Name: ob.name})
				if variant.ContentBlock.Input != nil {
					if b, err := json.Marshal(variant.ContentBlock.Input); err == nil {
						raw := strings.TrimSpace(string(b))
						if raw != "" && raw != "{}" && raw != "null" {
							ob.argsRaw.WriteString(raw)
						}
					}
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			ob := blocks[variant.Index]
			if ob == nil {
				continue
			}
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				emit(ModelEvent{Type: EventTextDelta, ID: ob.id, Text: delta.Text})
			case anthropic.InputJSONDelta:
				if delta.PartialJSON == "" {
					continue
				}
				ob.argsRaw.WriteString(delta.PartialJSON)
			}

		case anthropic.ContentBlockStopEvent:
			ob := blocks[variant.Index]
			if ob == nil || ob.ended {
				continue
			}
			ob.ended = true
			if ob.kind != BlockToolUse {
				emit(ModelEvent{Type: EventBlockEnd, ID: ob.id})
				continue
			}
			raw := strings.TrimSpace(ob.argsRaw.String())
			if raw == "" {
				// Fine-grained streaming may deliver the input only on
				// the accumulated message.
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						raw = strings.TrimSpace(string(tu.Input))
					}
				}
			}
			ob.argsRaw.Reset()
			ob.argsRaw.WriteString(raw)
			// Tool input is surfaced by the dispatch phase, not here;
			// the block end itself only closes the frame pairing.
			emit(ModelEvent{Type: EventBlockEnd, ID: ob.id, Name: ob.name})
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		Reason: mapAnthropicStopReason(msg.StopReason),
		Text:   collectAnthropicText(msg),
	}

	// Tool calls in original stream order, under the correlation ids
	// established at block start.
	for idx, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		ob := blocks[int64(idx)]
		if ob == nil || ob.kind != BlockToolUse {
			continue
		}
		raw := tu.Input
		if len(raw) == 0 {
			raw = []byte(ob.argsRaw.String())
		}
		args := map[string]any{}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &args)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: ob.id, Name: ob.name, Args: args})
	}
	if len(result.ToolCalls) > 0 {
		result.Reason = FinishToolUse
	}

	emit(ModelEvent{Type: EventTurnFinished, Reason: result.Reason})
	return result, nil
}

func mapAnthropicStopReason(reason anthropic.StopReason) FinishReason {
	if strings.TrimSpace(strings.ToLower(string(reason))) == "tool_use" {
		return FinishToolUse
	}
	return FinishDone
}

func collectAnthropicText(msg anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func buildAnthropicMessages(turns []Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, turn := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.Blocks)+1)
		for _, b := range turn.Blocks {
			switch b.Type {
			case BlockToolUse:
				callID := strings.TrimSpace(b.ToolCallID)
				name := strings.TrimSpace(b.ToolName)
				if callID == "" || name == "" {
					continue
				}
				args := b.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(callID, args, name))
			case BlockToolResult:
				callID := strings.TrimSpace(b.ToolCallID)
				if callID == "" {
					continue
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(callID, b.Text, false))
			default:
				if txt := strings.TrimSpace(b.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if normalizeRole(turn.Role) == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		required, _ := toStringSlice(schema["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schema["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func toStringSlice(v any) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
