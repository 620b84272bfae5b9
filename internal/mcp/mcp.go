// Package mcp loads externally hosted tools over the Model Context
// Protocol and registers them into a tool.Registry under the
// "{server}__{tool}" naming convention. Connect dials every configured
// server up front.
package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maha0525/saiverse/internal/config"
	"github.com/maha0525/saiverse/internal/tool"
)

// toolTimeout bounds a single MCP tool invocation, matching the 120s
// external-tool default.
const toolTimeout = 120 * time.Second

// Manager owns one mcp-go client per configured server and mirrors their
// tool lists into a shared registry.
type Manager struct {
	registry *tool.Registry
	servers  []config.MCPServer

	mu      sync.Mutex
	clients map[string]*mcpclient.Client
}

// NewManager builds a manager that will register discovered tools into reg.
func NewManager(reg *tool.Registry, servers []config.MCPServer) *Manager {
	return &Manager{registry: reg, servers: servers, clients: map[string]*mcpclient.Client{}}
}

// Connect dials every configured server, enumerates its tools, and
// registers each as "{server}__{tool}". A server that fails to connect is
// skipped with an error returned describing which one.
func (m *Manager) Connect(ctx context.Context) error {
	var firstErr error
	for _, srv := range m.servers {
		if err := m.connectOne(ctx, srv); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp server %s: %w", srv.Name, err)
		}
	}
	return firstErr
}

func (m *Manager) connectOne(ctx context.Context, srv config.MCPServer) error {
	var c *mcpclient.Client
	var err error

	switch srv.Transport {
	case "stdio":
		c, err = mcpclient.NewStdioMCPClient(srv.Command, nil, srv.Args...)
	case "sse":
		c, err = mcpclient.NewSSEMCPClient(srv.URL)
	case "streamable_http":
		c, err = mcpclient.NewStreamableHttpClient(srv.URL)
	default:
		return fmt.Errorf("unknown transport %q", srv.Transport)
	}
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "saiverse", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	m.mu.Lock()
	m.clients[srv.Name] = c
	m.mu.Unlock()

	for _, def := range listResp.Tools {
		m.registry.RegisterWithTimeout(&remoteTool{
			server:      srv.Name,
			remoteName:  def.Name,
			description: fmt.Sprintf("[MCP:%s] %s", srv.Name, def.Description),
			schema:      schemaToMap(def.InputSchema),
			client:      c,
		}, toolTimeout)
	}
	return nil
}

// Shutdown unregisters every MCP-sourced tool and tears down sessions in
// reverse connection order.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Connect dials m.servers in slice order, so walking it backwards is
	// reverse connection order.
	for i := len(m.servers) - 1; i >= 0; i-- {
		name := m.servers[i].Name
		if c, ok := m.clients[name]; ok {
			m.registry.UnregisterPrefix(name + "__")
			c.Close()
			delete(m.clients, name)
		}
	}
}

func schemaToMap(s mcp.ToolInputSchema) map[string]any {
	return map[string]any{
		"type":       s.Type,
		"properties": s.Properties,
		"required":   s.Required,
	}
}

// remoteTool adapts one MCP tool into a tool.CallableTool. On failure it
// attempts exactly one reconnect-free retry via the already-open session;
// the wrapping Registry.Call applies the timeout.
type remoteTool struct {
	server      string
	remoteName  string
	description string
	schema      map[string]any
	client      *mcpclient.Client
}

func (t *remoteTool) Name() string          { return t.server + "__" + t.remoteName }
func (t *remoteTool) Description() string   { return t.description }
func (t *remoteTool) RequiresApproval() bool { return false }
func (t *remoteTool) Schema() map[string]any { return t.schema }

func (t *remoteTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		// one reconnect-free retry: the transport may have dropped an idle
		// connection, and a second call over the same session often
		// succeeds without a full re-initialize.
		result, err = t.client.CallTool(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	out := map[string]any{"is_error": result.IsError}
	var texts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	out["content"] = texts
	return out, nil
}
