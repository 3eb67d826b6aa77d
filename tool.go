package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// toolNameSeparator joins server and tool names on the aggregated endpoint.
const toolNameSeparator = "__"

// emptyObjectSchema stands in for backends that list a tool without a schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// gatewayTool re-exports one backend tool on the aggregated MCP endpoint.
type gatewayTool struct {
	server     string
	descriptor ToolDescriptor
	bridge     *Bridge
}

func newGatewayTool(server string, descriptor ToolDescriptor, bridge *Bridge) *gatewayTool {
	return &gatewayTool{
		server:     server,
		descriptor: descriptor,
		bridge:     bridge,
	}
}

// Name returns the exported name, <server>__<tool>.
func (t *gatewayTool) Name() string {
	return t.server + toolNameSeparator + t.descriptor.Name
}

// Description returns the backend description tagged with its server.
func (t *gatewayTool) Description() string {
	if t.descriptor.Description == "" {
		return fmt.Sprintf("[%s] %s", t.server, t.descriptor.Name)
	}
	return fmt.Sprintf("[%s] %s", t.server, t.descriptor.Description)
}

// Tool returns the MCP tool definition, keeping the backend's schema as is.
func (t *gatewayTool) Tool() mcp.Tool {
	schema := t.descriptor.InputSchema
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}
	return mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema)
}

// Handler forwards the call through the bridge. Proxy failures are reported
// as tool errors so the MCP client sees them as a result, not a broken
// session.
func (t *gatewayTool) Handler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: failed to encode arguments: %v", KindBadRequest, err)), nil
	}

	raw, err := t.bridge.InvokeTool(ctx, t.server, t.descriptor.Name, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", KindOf(err), publicMessage(err))), nil
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: invalid tool result: %v", KindProtocol, err)), nil
	}
	return result, nil
}
