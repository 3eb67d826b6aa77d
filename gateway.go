package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

const (
	gatewaySSEPath     = "/_mcp/sse"
	gatewayMessagePath = "/_mcp/message"

	gatewayRefreshTimeout = 30 * time.Second
)

// Gateway re-exports the tools of every enabled backend over a single MCP SSE
// endpoint. Calls are forwarded through the Bridge, so they share the
// per-server connections, timeouts and metrics of the HTTP routes.
type Gateway struct {
	logger   *slog.Logger
	registry *Registry
	bridge   *Bridge

	mcpServer *server.MCPServer
	sseServer *server.SSEServer

	// syncMu orders whole Sync runs so an older listing never replaces a
	// newer one.
	syncMu     sync.Mutex
	refreshing atomic.Bool

	mu        sync.Mutex
	signature string
}

// NewGateway builds the aggregated endpoint. Tools are installed by Sync.
func NewGateway(name, version, baseURL string, registry *Registry, bridge *Bridge, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		name, version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithHooks(newGatewayHooks(logger)),
	)

	sseServer := server.NewSSEServer(mcpServer,
		server.WithBaseURL(baseURL),
		server.WithSSEEndpoint(gatewaySSEPath),
		server.WithMessageEndpoint(gatewayMessagePath),
	)

	return &Gateway{
		logger:    logger,
		registry:  registry,
		bridge:    bridge,
		mcpServer: mcpServer,
		sseServer: sseServer,
	}
}

// SSEHandler serves the event stream.
func (g *Gateway) SSEHandler() http.Handler {
	return g.sseServer.SSEHandler()
}

// MessageHandler accepts client messages for an open stream.
func (g *Gateway) MessageHandler() http.Handler {
	return g.sseServer.MessageHandler()
}

// MCPServer exposes the underlying MCP server.
func (g *Gateway) MCPServer() *server.MCPServer {
	return g.mcpServer
}

type exportedTool struct {
	Server string         `json:"server"`
	Tool   ToolDescriptor `json:"tool"`
}

// Refresh starts a Sync in the background and returns at once. It does
// nothing while an earlier refresh is still running.
func (g *Gateway) Refresh() {
	if !g.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer g.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), gatewayRefreshTimeout)
		defer cancel()
		g.Sync(ctx)
	}()
}

// Sync lists the tools of every enabled backend and replaces the exported set
// when it changed. Backends that cannot list tools right now are left out
// until a later round.
func (g *Gateway) Sync(ctx context.Context) {
	g.syncMu.Lock()
	defer g.syncMu.Unlock()

	var (
		exported []exportedTool
		tools    []server.ServerTool
	)

	for _, name := range g.registry.Names() {
		def, ok := g.registry.Definition(name)
		if !ok || !def.Enabled() {
			continue
		}

		descriptors, err := g.bridge.ListTools(ctx, name)
		if err != nil {
			g.logger.Debug("Skipping backend in gateway", "server", name, "error", err)
			continue
		}

		for _, d := range descriptors {
			t := newGatewayTool(name, d, g.bridge)
			tools = append(tools, server.ServerTool{Tool: t.Tool(), Handler: t.Handler})
			exported = append(exported, exportedTool{Server: name, Tool: d})
		}
	}

	data, err := json.Marshal(exported)
	if err != nil {
		g.logger.Error("Failed to encode gateway tool set", "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if string(data) == g.signature {
		return
	}
	g.signature = string(data)
	g.mcpServer.SetTools(tools...)

	g.logger.Info("Gateway tools updated", "tools", len(tools))
}
