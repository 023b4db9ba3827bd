package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// CLIConfig configures the subprocess backend. The CLI runs its own tool loop
// against the same gateway (wired via --mcp-config), so one StreamTurn may span
// several model turns; the adapter re-maps every tool_use/tool_result pair onto
// bridge correlation ids so the downstream framing is identical to the direct
// API backend's.
type CLIConfig struct {
	Binary        string
	Model         string
	MaxTurns      int
	MCPConfigPath string
	AllowedTools  []string
	WorkDir       string
}

// CLIProvider drives the model by spawning the CLI and parsing the structured
// event stream on its standard output.
type CLIProvider struct {
	log *slog.Logger
	cfg CLIConfig
}

func NewCLIProvider(log *slog.Logger, cfg CLIConfig) (*CLIProvider, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, errors.New("missing cli binary")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = maxLoopIterations
	}
	return &CLIProvider{log: log, cfg: cfg}, nil
}

// SetLogger swaps the logger in after construction.
func (p *CLIProvider) SetLogger(log *slog.Logger) {
	if p == nil || log == nil {
		return
	}
	p.log = log
}

// cliMessage is one NDJSON line from the subprocess stdout.
type cliMessage struct {
	Type    string           `json:"type"`
	Subtype string           `json:"subtype,omitempty"`
	IsError bool             `json:"is_error,omitempty"`
	Result  string           `json:"result,omitempty"`
	Message *cliInnerMessage `json:"message,omitempty"`
}

type cliInnerMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type cliContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

func (p *CLIProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(ModelEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(p.cfg.MaxTurns),
	}
	if model := strings.TrimSpace(p.cfg.Model); model != "" {
		args = append(args, "--model", model)
	}
	if path := strings.TrimSpace(p.cfg.MCPConfigPath); path != "" {
		args = append(args, "--mcp-config", path)
		if len(p.cfg.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(p.cfg.AllowedTools, ","))
		}
	}

	cmd := exec.CommandContext(ctx, strings.TrimSpace(p.cfg.Binary), args...)
	if dir := strings.TrimSpace(p.cfg.WorkDir); dir != "" {
		cmd.Dir = dir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return TurnResult{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return TurnResult{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return TurnResult{}, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return TurnResult{}, err
	}

	// CLI diagnostics go to stderr only.
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		r := bufio.NewScanner(stderr)
		for r.Scan() {
			line := strings.TrimSpace(r.Text())
			if line == "" {
				continue
			}
			p.log.Debug("cli backend", "component", "cli_backend", "line", line)
		}
	}()

	go func() {
		_, _ = io.WriteString(stdin, buildCLIPrompt(req.Turns))
		_ = stdin.Close()
	}()

	result, parseErr := p.consumeStream(ctx, stdout, onEvent)

	waitErr := cmd.Wait()
	stderrWG.Wait()

	if ctx.Err() != nil {
		return TurnResult{}, ctx.Err()
	}
	if parseErr != nil {
		return TurnResult{}, parseErr
	}
	if waitErr != nil && !result.sawResult {
		return TurnResult{}, fmt.Errorf("cli backend exited: %w", waitErr)
	}
	if result.isError {
		msg := strings.TrimSpace(result.resultText)
		if msg == "" {
			msg = "cli backend reported an error result"
		}
		return TurnResult{}, errors.New(msg)
	}

	tr := TurnResult{Reason: FinishDone, Text: strings.TrimSpace(result.text.String())}
	if onEvent != nil {
		onEvent(ModelEvent{Type: EventTurnFinished, Reason: FinishDone})
	}
	return tr, nil
}

type cliStreamState struct {
	text       strings.Builder
	sawResult  bool
	isError    bool
	resultText string
}

// consumeStream scans stdout NDJSON lines and emits normalized events.
// Unrecognized or unparseable lines are dropped for forward compatibility.
func (p *CLIProvider) consumeStream(ctx context.Context, stdout io.Reader, onEvent func(ModelEvent)) (*cliStreamState, error) {
	emit := func(ev ModelEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	state := &cliStreamState{}

	// tool_use id (provider-assigned) -> bridge correlation id. Entries live
	// until the matching tool_result arrives; provider ids are unique per
	// subprocess run.
	correlation := map[string]string{}

	sc := bufio.NewScanner(stdout)
	// Allow reasonably large frames (tool results / model output).
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	for sc.Scan() {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg cliMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.log.Debug("cli backend dropped line", "component", "cli_backend", "error", err)
			continue
		}

		switch msg.Type {
		case "assistant":
			p.handleAssistant(&msg, state, correlation, emit)
		case "user":
			p.handleToolResults(&msg, correlation, emit)
		case "result":
			state.sawResult = true
			state.isError = msg.IsError
			state.resultText = msg.Result
		default:
			// system/init and any future message types.
		}
	}
	if err := sc.Err(); err != nil {
		return state, err
	}
	return state, nil
}

func (p *CLIProvider) handleAssistant(msg *cliMessage, state *cliStreamState, correlation map[string]string, emit func(ModelEvent)) {
	if msg.Message == nil {
		return
	}
	for _, block := range decodeCLIBlocks(msg.Message.Content) {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			state.text.WriteString(block.Text)
			id := newCorrelationID()
			emit(ModelEvent{Type: EventTextBlockStart, ID: id})
			emit(ModelEvent{Type: EventTextDelta, ID: id, Text: block.Text})
			emit(ModelEvent{Type: EventBlockEnd, ID: id})
		case "tool_use":
			providerID := strings.TrimSpace(block.ID)
			name := strings.TrimSpace(block.Name)
			if providerID == "" || name == "" {
				continue
			}
			id := newCorrelationID()
			correlation[providerID] = id
			args := cloneAnyMap(block.Input)
			if args == nil {
				args = map[string]any{}
			}
			emit(ModelEvent{Type: EventToolBlockStart, ID: id, Name: name})
			emit(ModelEvent{Type: EventBlockEnd, ID: id, Name: name, Args: args})
		}
	}
}

// handleToolResults re-maps echoed gateway results through the correlation
// table: each answers a previously opened tool block, never a new event.
func (p *CLIProvider) handleToolResults(msg *cliMessage, correlation map[string]string, emit func(ModelEvent)) {
	if msg.Message == nil {
		return
	}
	for _, block := range decodeCLIBlocks(msg.Message.Content) {
		if block.Type != "tool_result" {
			continue
		}
		providerID := strings.TrimSpace(block.ToolUseID)
		id := correlation[providerID]
		if id == "" {
			p.log.Debug("cli backend dropped orphan tool_result", "component", "cli_backend", "tool_use_id", providerID)
			continue
		}
		delete(correlation, providerID)
		emit(ModelEvent{Type: EventToolResult, ID: id, Text: flattenCLIContent(block.Content)})
	}
}

// decodeCLIBlocks tolerates both content shapes: a plain string or an ordered
// block list.
func decodeCLIBlocks(raw json.RawMessage) []cliContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []cliContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []cliContentBlock{{Type: "text", Text: s}}
	}
	return nil
}

// flattenCLIContent keeps text parts only and concatenates them.
func flattenCLIContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []cliContentBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// buildCLIPrompt replays prior turns as a plain transcript; the CLI accepts a
// single prompt per invocation.
func buildCLIPrompt(turns []Turn) string {
	var sb strings.Builder
	for i, turn := range turns {
		text := joinTurnText(turn)
		if text == "" {
			continue
		}
		if i == len(turns)-1 && normalizeRole(turn.Role) == "user" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text)
			continue
		}
		label := "Human"
		if normalizeRole(turn.Role) == "assistant" {
			label = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, text)
	}
	if sb.Len() == 0 {
		return "Continue."
	}
	return sb.String()
}

func joinTurnText(turn Turn) string {
	var sb strings.Builder
	for _, b := range turn.Blocks {
		if b.Type != BlockText {
			continue
		}
		txt := strings.TrimSpace(b.Text)
		if txt == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(txt)
	}
	return sb.String()
}
