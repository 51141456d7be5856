package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avvvet/planbuddy/internal/observability"
)

const clientVersion = "1.0.0"

// ToolSet is what the search agent needs from a tool collection
type ToolSet interface {
	Tools(ctx context.Context) ([]llms.Tool, error)
	Call(ctx context.Context, name, arguments string) (string, error)
}

// Connector opens the transport of one configured server
type Connector func(ctx context.Context, name string, server ServerConfig) (mcp.Transport, error)

// CommandConnector launches the server as a subprocess speaking MCP over stdio.
// Env values may reference the service environment as ${VAR}.
func CommandConnector(_ context.Context, _ string, server ServerConfig) (mcp.Transport, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Env = os.Environ()
	for k, v := range server.Env {
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// Collection is a set of MCP servers exposed to the model as one tool list.
// Servers are connected lazily on first use.
type Collection struct {
	name        string
	cfg         *CollectionConfig
	connect     Connector
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	sessions []*mcp.ClientSession
	routes   map[string]*mcp.ClientSession
	tools    []llms.Tool
}

// NewCollection creates a collection throttled to ratePerSecond tool calls.
// A non-positive rate disables throttling.
func NewCollection(name string, cfg *CollectionConfig, connect Connector, ratePerSecond float64, callTimeout time.Duration, logger *zap.Logger) *Collection {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if connect == nil {
		connect = CommandConnector
	}
	return &Collection{
		name:        name,
		cfg:         cfg,
		connect:     connect,
		limiter:     rate.NewLimiter(limit, 1),
		callTimeout: callTimeout,
		logger:      logger.With(zap.String("collection", name)),
	}
}

func (c *Collection) Name() string { return c.name }

// ensureConnected connects every server and indexes their tools. Caller holds mu.
func (c *Collection) ensureConnected(ctx context.Context) error {
	if c.routes != nil {
		return nil
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "planbuddy-" + c.name, Version: clientVersion}, nil)
	routes := make(map[string]*mcp.ClientSession)
	var tools []llms.Tool
	var sessions []*mcp.ClientSession

	for _, serverName := range c.cfg.ServerNames() {
		transport, err := c.connect(ctx, serverName, c.cfg.Servers[serverName])
		if err != nil {
			closeAll(sessions)
			return fmt.Errorf("failed to start MCP server %s: %w", serverName, err)
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			closeAll(sessions)
			return fmt.Errorf("failed to connect MCP server %s: %w", serverName, err)
		}
		sessions = append(sessions, session)

		listed, err := session.ListTools(ctx, &mcp.ListToolsParams{})
		if err != nil {
			closeAll(sessions)
			return fmt.Errorf("failed to list tools of %s: %w", serverName, err)
		}
		for _, tool := range listed.Tools {
			if _, dup := routes[tool.Name]; dup {
				c.logger.Warn("Duplicate tool name, keeping first", zap.String("tool", tool.Name), zap.String("server", serverName))
				continue
			}
			routes[tool.Name] = session
			tools = append(tools, toLLMTool(tool))
		}
	}

	c.sessions = sessions
	c.routes = routes
	c.tools = tools
	c.logger.Info("Connected tool collection", zap.Int("servers", len(sessions)), zap.Int("tools", len(tools)))
	return nil
}

func toLLMTool(tool *mcp.Tool) llms.Tool {
	var params map[string]any
	if tool.InputSchema != nil {
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			_ = json.Unmarshal(data, &params)
		}
	}
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		},
	}
}

// Tools lists the tools of every server in the collection
func (c *Collection) Tools(ctx context.Context) ([]llms.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return append([]llms.Tool(nil), c.tools...), nil
}

// Call invokes a tool with JSON arguments and returns its text content
func (c *Collection) Call(ctx context.Context, name, arguments string) (string, error) {
	c.mu.Lock()
	if err := c.ensureConnected(ctx); err != nil {
		c.mu.Unlock()
		return "", err
	}
	session, ok := c.routes[name]
	c.mu.Unlock()
	if !ok {
		observability.RecordToolCall(c.name, name, "unknown")
		return "", fmt.Errorf("unknown tool %q", name)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			observability.RecordToolCall(c.name, name, "bad_arguments")
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		observability.RecordToolCall(c.name, name, "error")
		return "", fmt.Errorf("tool %s failed: %w", name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		observability.RecordToolCall(c.name, name, "tool_error")
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("tool %s returned error: %s", name, text)
	}

	observability.RecordToolCall(c.name, name, "success")
	return text, nil
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := item.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close terminates every server session
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := closeAll(c.sessions)
	c.sessions = nil
	c.routes = nil
	c.tools = nil
	return err
}

func closeAll(sessions []*mcp.ClientSession) error {
	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
