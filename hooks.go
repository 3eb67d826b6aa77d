package proxy

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func newGatewayHooks(logger *slog.Logger) *server.Hooks {
	hooks := &server.Hooks{}

	hooks.AddBeforeAny(func(ctx context.Context, id any, method mcp.MCPMethod, message any) {
		logger.Debug("Gateway request", "method", method, "id", id)
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		logger.Warn("Gateway request failed", "method", method, "id", id, "error", err)
	})

	hooks.AddAfterInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info("Gateway client initialized",
			"client_name", message.Params.ClientInfo.Name,
			"client_version", message.Params.ClientInfo.Version,
			"protocol_version", result.ProtocolVersion,
		)
	})

	hooks.AddBeforeCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest) {
		logger.Debug("Gateway tool call", "id", id, "tool", message.Params.Name)
	})

	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		logger.Debug("Gateway tool call completed", "id", id, "tool", message.Params.Name, "is_error", result.IsError)
	})

	return hooks
}
