package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
)

// maxLoopIterations is the agentic iteration ceiling. Reaching it while the
// model still wants tools is a soft cap, not a failure.
const maxLoopIterations = 10

// Loop owns one request's conversation state and drives the model/tool cycle:
// stream a model turn, translate normalized events into protocol frames, and
// on a tool-requesting turn execute the requested tools through the gateway,
// append the results, and re-enter the model call.
type Loop struct {
	log      *slog.Logger
	provider Provider
	gateway  ToolGateway
	stream   *sseStream

	maxIterations int
}

func NewLoop(log *slog.Logger, provider Provider, gateway ToolGateway, stream *sseStream) *Loop {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Loop{
		log:           log,
		provider:      provider,
		gateway:       gateway,
		stream:        stream,
		maxIterations: maxLoopIterations,
	}
}

// Run executes the loop until the model stops requesting tools or the
// iteration ceiling is reached. Conversation state is owned exclusively by
// this call and discarded when it returns.
//
// A nil return with the stream closed means the client went away; no frames
// after the close, no error surfaced.
func (l *Loop) Run(ctx context.Context, turns []Turn) error {
	if l == nil || l.provider == nil {
		return errors.New("loop not ready")
	}

	if err := l.stream.send(frameStart{Type: "start"}); err != nil {
		return nil
	}

	tools := l.listTools(ctx)

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		stepOpen := false
		openTextID := ""

		sendFrame := func(v any) {
			if err := l.stream.send(v); err != nil && !errors.Is(err, errStreamClosed) {
				l.log.Debug("frame write failed", "component", "bridge", "error", err)
			}
		}
		ensureStep := func() {
			if stepOpen {
				return
			}
			stepOpen = true
			sendFrame(frameStartStep{Type: "start-step"})
		}

		result, err := l.provider.StreamTurn(ctx, TurnRequest{Turns: turns, Tools: tools}, func(ev ModelEvent) {
			if l.stream.isClosed() {
				return
			}
			switch ev.Type {
			case EventTextBlockStart:
				ensureStep()
				openTextID = ev.ID
				sendFrame(frameTextStart{Type: "text-start", ID: ev.ID})
			case EventTextDelta:
				sendFrame(frameTextDelta{Type: "text-delta", ID: ev.ID, Delta: ev.Text})
			case EventToolBlockStart:
				ensureStep()
				sendFrame(frameToolInputStart{Type: "tool-input-start", ToolCallID: ev.ID, ToolName: ev.Name, Dynamic: true})
			case EventBlockEnd:
				if ev.ID == openTextID {
					openTextID = ""
					sendFrame(frameTextEnd{Type: "text-end", ID: ev.ID})
					return
				}
				// Providers that run their own tool loop deliver the
				// finalized input on block end; providers that defer
				// execution leave it to the dispatch phase below.
				if ev.Args != nil {
					sendFrame(frameToolInputAvailable{Type: "tool-input-available", ToolCallID: ev.ID, ToolName: ev.Name, Input: ev.Args, Dynamic: true})
				}
			case EventToolResult:
				sendFrame(frameToolOutputAvailable{Type: "tool-output-available", ToolCallID: ev.ID, Output: ev.Text, Dynamic: true})
			}
		})

		if ctx.Err() != nil {
			// Client-initiated cancellation: suppress all further frames.
			l.stream.close()
			return nil
		}
		if err != nil {
			// Upstream transport failure terminates the loop early.
			if openTextID != "" {
				sendFrame(frameTextEnd{Type: "text-end", ID: openTextID})
			}
			if stepOpen {
				sendFrame(frameFinishStep{Type: "finish-step"})
			}
			sendFrame(frameError{Type: "error", ErrorText: err.Error()})
			sendFrame(frameFinish{Type: "finish", FinishReason: "error"})
			return err
		}

		if openTextID != "" {
			sendFrame(frameTextEnd{Type: "text-end", ID: openTextID})
			openTextID = ""
		}
		if stepOpen {
			sendFrame(frameFinishStep{Type: "finish-step"})
			stepOpen = false
		}

		if result.Reason != FinishToolUse || len(result.ToolCalls) == 0 {
			sendFrame(frameFinish{Type: "finish", FinishReason: "stop"})
			return nil
		}

		// Append the assistant's full turn, then execute the requested
		// tools sequentially in original order. A tool failure surfaces
		// as a textual error result; the conversation continues.
		turns = append(turns, buildAssistantTurn(result))

		resultBlocks := make([]Block, 0, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			if ctx.Err() != nil {
				l.stream.close()
				return nil
			}
			sendFrame(frameToolInputAvailable{Type: "tool-input-available", ToolCallID: call.ID, ToolName: call.Name, Input: call.Args, Dynamic: true})
			output := l.executeTool(ctx, call)
			if ctx.Err() != nil {
				l.stream.close()
				return nil
			}
			sendFrame(frameToolOutputAvailable{Type: "tool-output-available", ToolCallID: call.ID, Output: output, Dynamic: true})
			resultBlocks = append(resultBlocks, Block{Type: BlockToolResult, ToolCallID: call.ID, ToolName: call.Name, Text: output})
		}
		turns = append(turns, Turn{Role: "user", Blocks: resultBlocks})
	}

	// Iteration ceiling reached while the model still wants tools.
	l.log.Debug("loop iteration ceiling reached", "component", "bridge", "max_iterations", l.maxIterations)
	if err := l.stream.send(frameFinish{Type: "finish", FinishReason: "stop"}); err != nil && !errors.Is(err, errStreamClosed) {
		l.log.Debug("frame write failed", "component", "bridge", "error", err)
	}
	return nil
}

func (l *Loop) listTools(ctx context.Context) []ToolDef {
	if l.gateway == nil {
		return nil
	}
	tools, err := l.gateway.ListTools(ctx)
	if err != nil {
		// The model can still answer without tools.
		l.log.Warn("tool catalog unavailable", "component", "bridge", "error", err)
		return nil
	}
	return tools
}

func (l *Loop) executeTool(ctx context.Context, call ToolCall) string {
	name := strings.TrimSpace(call.Name)
	if l.gateway == nil {
		return "Error: no tool gateway configured"
	}
	output, err := l.gateway.CallTool(ctx, name, call.Args)
	if err != nil {
		l.log.Warn("tool execution failed", "component", "bridge", "tool", name, "error", err)
		return "Error: " + err.Error()
	}
	return output
}

func buildAssistantTurn(result TurnResult) Turn {
	blocks := make([]Block, 0, len(result.ToolCalls)+1)
	if txt := strings.TrimSpace(result.Text); txt != "" {
		blocks = append(blocks, Block{Type: BlockText, Text: txt})
	}
	for _, call := range result.ToolCalls {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, Block{Type: BlockToolUse, ToolCallID: call.ID, ToolName: call.Name, Args: args})
	}
	return Turn{Role: "assistant", Blocks: blocks}
}
