package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxToolPages bounds tools/list pagination against a backend that keeps
// returning a cursor.
const maxToolPages = 100

// Bridge turns HTTP-level operations into MCP exchanges on the registry's
// connections.
type Bridge struct {
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics
}

// NewBridge creates a bridge over registry.
func NewBridge(registry *Registry, logger *slog.Logger, metrics *Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:   logger,
		registry: registry,
		metrics:  metrics,
	}
}

// ListTools returns the tool descriptors of server. The cached set is served
// while the connection that produced it is installed and the backend is not
// unreachable; otherwise the backend is asked again.
func (br *Bridge) ListTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	b, conn, err := br.registry.Resolve(server)
	if err != nil {
		return nil, err
	}

	if tools, ok := b.cachedTools(conn); ok {
		return tools, nil
	}

	start := time.Now()
	tools, err := br.fetchTools(ctx, b.def, conn)
	elapsed := time.Since(start)
	br.metrics.observeCall(server, string(mcp.MethodToolsList), err, elapsed)
	if err != nil {
		br.logger.Warn("Tool listing failed",
			"server", server,
			"kind", KindOf(err),
			"duration", elapsed,
			"error", err,
		)
		return nil, err
	}

	b.storeTools(conn, tools)
	br.logger.Debug("Tools listed", "server", server, "count", len(tools))
	return tools, nil
}

type toolsPage struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
	NextCursor string `json:"nextCursor"`
}

func (br *Bridge) fetchTools(ctx context.Context, def *ServerDefinition, conn Connection) ([]ToolDescriptor, error) {
	tools := []ToolDescriptor{}
	cursor := ""

	for page := 0; page < maxToolPages; page++ {
		raw, err := conn.Call(ctx, string(mcp.MethodToolsList), listToolsParams{Cursor: cursor}, def.CallTimeout())
		if err != nil {
			return nil, err
		}

		var result toolsPage
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("%w: invalid tools/list result: %v", ErrProtocol, err)
		}

		for _, t := range result.Tools {
			if t.Name == "" {
				return nil, fmt.Errorf("%w: tools/list returned a tool without a name", ErrProtocol)
			}
			tools = append(tools, ToolDescriptor{
				Name:         t.Name,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
				AutoApproved: def.IsAutoApproved(t.Name),
			})
		}

		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}

	return nil, fmt.Errorf("%w: tools/list did not finish after %d pages", ErrProtocol, maxToolPages)
}

// InvokeTool calls tool on server with arguments and returns the backend's
// result object. Arguments pass through unexamined apart from having to be a
// JSON object; empty arguments mean {}. If ctx ends first the pending call is
// abandoned but the backend is not told.
func (br *Bridge) InvokeTool(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
	if tool == "" {
		return nil, fmt.Errorf("%w: tool name is required", ErrBadRequest)
	}

	args, err := normalizeArguments(arguments)
	if err != nil {
		return nil, err
	}

	b, conn, err := br.registry.Resolve(server)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := conn.Call(ctx, string(mcp.MethodToolsCall), toolCallParams{Name: tool, Arguments: args}, b.def.CallTimeout())
	elapsed := time.Since(start)
	br.metrics.observeCall(server, string(mcp.MethodToolsCall), err, elapsed)

	if err != nil {
		br.logger.Warn("Tool call failed",
			"server", server,
			"tool", tool,
			"kind", KindOf(err),
			"duration", elapsed,
			"error", err,
		)
		return nil, err
	}

	br.logger.Debug("Tool call completed", "server", server, "tool", tool, "duration", elapsed)
	return result, nil
}

func normalizeArguments(arguments json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(arguments)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrBadRequest)
	}
	return json.RawMessage(trimmed), nil
}
