// ABOUTME: MCP client toolbox that exposes tools from configured MCP servers to the research agent
// ABOUTME: Connects over stdio, SSE or streamable HTTP and routes tool calls by name

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	openai "github.com/sashabaranov/go-openai"
)

// Transport types accepted in ServerConfig.Type.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// DefaultCallTimeout bounds a single tool call.
const DefaultCallTimeout = 30 * time.Second

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

// Client is the part of an MCP client the toolbox uses.
type Client interface {
	Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Close() error
}

// Dialer opens a started, uninitialized client for a server.
type Dialer func(ctx context.Context, cfg ServerConfig) (Client, error)

type registeredTool struct {
	server string
	client Client
	def    openai.Tool
}

// Toolbox aggregates the tools of several MCP servers. Tool names are unique;
// the first server to offer a name wins.
type Toolbox struct {
	dial        Dialer
	callTimeout time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	clients []Client
	tools   map[string]registeredTool
}

// Option configures a Toolbox.
type Option func(*Toolbox)

// WithDialer replaces how servers are connected.
func WithDialer(d Dialer) Option {
	return func(t *Toolbox) { t.dial = d }
}

// WithCallTimeout bounds each tool call.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Toolbox) {
		if d > 0 {
			t.callTimeout = d
		}
	}
}

// NewToolbox connects to every server. Servers that fail to connect are
// logged and skipped.
func NewToolbox(ctx context.Context, servers []ServerConfig, logger *slog.Logger, opts ...Option) *Toolbox {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Toolbox{
		dial:        Dial,
		callTimeout: DefaultCallTimeout,
		logger:      logger.With("component", "mcp"),
		tools:       make(map[string]registeredTool),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, srv := range servers {
		if err := t.connect(ctx, srv); err != nil {
			t.logger.Warn("mcp server unavailable", "server", srv.Name, "error", err)
		}
	}
	return t
}

func (t *Toolbox) connect(ctx context.Context, srv ServerConfig) error {
	c, err := t.dial(ctx, srv)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "coven-crew", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("initializing: %w", err)
	}

	listed, err := c.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("listing tools: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients = append(t.clients, c)
	for _, tool := range listed.Tools {
		if existing, ok := t.tools[tool.Name]; ok {
			t.logger.Warn("duplicate mcp tool ignored", "tool", tool.Name, "server", srv.Name, "owner", existing.server)
			continue
		}
		t.tools[tool.Name] = registeredTool{
			server: srv.Name,
			client: c,
			def: openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  toolSchema(tool),
				},
			},
		}
	}
	t.logger.Info("mcp server connected", "server", srv.Name, "tools", len(listed.Tools))
	return nil
}

func toolSchema(tool mcpgo.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 && string(tool.RawInputSchema) != "null" {
		return tool.RawInputSchema
	}
	if tool.InputSchema.Type == "" {
		return emptySchema
	}
	b, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return emptySchema
	}
	return b
}

// Len is the number of registered tools.
func (t *Toolbox) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tools)
}

// Tools returns the tool definitions sorted by name.
func (t *Toolbox) Tools() []openai.Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, t.tools[name].def)
	}
	return out
}

// Call executes a tool and returns its text output. Failures are returned as
// text so the model can react to them.
func (t *Toolbox) Call(ctx context.Context, name, arguments string) string {
	t.mu.RLock()
	tool, ok := t.tools[name]
	t.mu.RUnlock()
	if !ok {
		return "Error: unknown tool " + name
	}

	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return fmt.Sprintf("Error: could not parse arguments for %s: %v", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.client.CallTool(ctx, req)
	if err != nil {
		t.logger.Warn("mcp tool call failed", "tool", name, "server", tool.server, "error", err)
		return fmt.Sprintf("Error: tool %s failed: %v", name, err)
	}
	return resultText(name, res)
}

func resultText(name string, res *mcpgo.CallToolResult) string {
	if res == nil {
		return "Error: tool " + name + " returned nothing"
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "Error: " + text
	}
	if text == "" {
		return "Tool " + name + " completed with no text output."
	}
	return text
}

// Close disconnects every server.
func (t *Toolbox) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, c := range t.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.clients = nil
	t.tools = make(map[string]registeredTool)
	return errors.Join(errs...)
}

// Dial connects to a server with the mcp-go client for its transport.
func Dial(ctx context.Context, cfg ServerConfig) (Client, error) {
	var (
		c   *client.Client
		err error
	)
	switch cfg.Type {
	case TransportStdio, "":
		if cfg.Command == "" {
			return nil, errors.New("stdio server requires command")
		}
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		// Stdio clients start their subprocess on construction.
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(cfg.URL, opts...)
	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting transport: %w", err)
	}
	return c, nil
}
