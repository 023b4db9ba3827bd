// Package gateway adapts an external MCP tool host into the bridge's
// list-tools / call-tool contract. One shared connection and one cached
// catalog serve every request in the process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/graphloom/chatbridge/internal/bridge"
)

// Config selects the transport to the tool host and the allow-list applied
// to its catalog. An empty allow-list exposes every advertised tool.
type Config struct {
	Transport    string   `yaml:"transport"` // "stdio" or "http"
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	Env          []string `yaml:"env"`
	URL          string   `yaml:"url"`
	AllowedTools []string `yaml:"allowed_tools"`
}

func (c Config) Validate() error {
	switch strings.TrimSpace(c.Transport) {
	case "", "stdio":
		if strings.TrimSpace(c.Command) == "" {
			return errors.New("gateway: command is required for stdio transport")
		}
	case "http":
		if strings.TrimSpace(c.URL) == "" {
			return errors.New("gateway: url is required for http transport")
		}
	default:
		return fmt.Errorf("gateway: unknown transport %q", c.Transport)
	}
	return nil
}

// mcpClient is the surface of *client.Client the gateway uses. Tests swap in
// a fake through newClientFn.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Gateway is the shared tool host connection. The connection is established
// lazily on first use; concurrent first callers wait on one attempt instead
// of racing to create duplicates.
type Gateway struct {
	log *slog.Logger
	cfg Config

	group singleflight.Group

	newClientFn func() (mcpClient, error)

	mu      sync.Mutex
	client  mcpClient
	catalog []bridge.ToolDef
	allowed map[string]bool
}

func New(log *slog.Logger, cfg Config) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var allowed map[string]bool
	if len(cfg.AllowedTools) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			allowed[name] = true
		}
	}

	g := &Gateway{log: log, cfg: cfg, allowed: allowed}
	g.newClientFn = g.dialClient
	return g, nil
}

// ListTools returns the allow-list-filtered catalog, connecting on first use.
func (g *Gateway) ListTools(ctx context.Context) ([]bridge.ToolDef, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bridge.ToolDef, len(g.catalog))
	copy(out, g.catalog)
	return out, nil
}

// CallTool executes one allow-listed tool and returns its flattened text
// result. A result marked as an error by the tool host surfaces as an error.
func (g *Gateway) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("gateway: tool name is empty")
	}
	if !g.isAllowed(name) {
		return "", fmt.Errorf("gateway: tool %q is not allow-listed", name)
	}
	if err := g.ensureConnected(ctx); err != nil {
		return "", err
	}

	g.mu.Lock()
	cli := g.client
	g.mu.Unlock()
	if cli == nil {
		return "", errors.New("gateway: not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := cli.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gateway: call %s: %w", name, err)
	}

	text := flattenContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("gateway: tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close shuts the shared connection down. Safe to call when never connected.
func (g *Gateway) Close() error {
	g.mu.Lock()
	cli := g.client
	g.client = nil
	g.catalog = nil
	g.mu.Unlock()

	if cli == nil {
		return nil
	}
	return cli.Close()
}

func (g *Gateway) isAllowed(name string) bool {
	if g.allowed == nil {
		return true
	}
	return g.allowed[name]
}

func (g *Gateway) ensureConnected(ctx context.Context) error {
	g.mu.Lock()
	ready := g.client != nil
	g.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := g.group.Do("connect", func() (any, error) {
		g.mu.Lock()
		ready := g.client != nil
		g.mu.Unlock()
		if ready {
			return nil, nil
		}
		return nil, g.connect(ctx)
	})
	return err
}

func (g *Gateway) connect(ctx context.Context) error {
	cli, err := g.newClientFn()
	if err != nil {
		return err
	}

	if err := cli.Start(ctx); err != nil {
		cli.Close()
		return fmt.Errorf("gateway: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "chatbridge",
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return fmt.Errorf("gateway: initialize: %w", err)
	}

	listResp, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return fmt.Errorf("gateway: list tools: %w", err)
	}

	catalog := make([]bridge.ToolDef, 0, len(listResp.Tools))
	for _, tool := range listResp.Tools {
		if !g.isAllowed(tool.Name) {
			continue
		}
		catalog = append(catalog, bridge.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: convertSchema(tool.InputSchema),
		})
	}

	g.mu.Lock()
	g.client = cli
	g.catalog = catalog
	g.mu.Unlock()

	g.log.Info("connected to tool gateway",
		"component", "gateway",
		"transport", g.transportName(),
		"tools", len(catalog),
	)
	return nil
}

func (g *Gateway) dialClient() (mcpClient, error) {
	switch g.transportName() {
	case "stdio":
		cli, err := client.NewStdioMCPClient(g.cfg.Command, g.cfg.Env, g.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("gateway: spawn %s: %w", g.cfg.Command, err)
		}
		return cli, nil
	case "http":
		cli, err := client.NewStreamableHttpClient(g.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("gateway: connect %s: %w", g.cfg.URL, err)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("gateway: unknown transport %q", g.cfg.Transport)
	}
}

func (g *Gateway) transportName() string {
	t := strings.TrimSpace(g.cfg.Transport)
	if t == "" {
		return "stdio"
	}
	return t
}

// flattenContent keeps text parts and concatenates them; every other content
// kind is dropped.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": "object"}
	if schema.Type != "" {
		out["type"] = schema.Type
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
