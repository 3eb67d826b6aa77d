package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listGatewayTools(t *testing.T, g *Gateway) string {
	t.Helper()

	msg := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	resp := g.MCPServer().HandleMessage(context.Background(), msg)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(data)
}

func TestGatewaySyncExportsPrefixedTools(t *testing.T) {
	opener := newFakeOpener()
	opener.setup = fakeTools

	off := networkDefinition("exa")
	off.Disabled = true

	registry := newTestRegistry(t, opener.open)
	require.NoError(t, registry.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote"), off}))

	bridge := NewBridge(registry, testLogger(), nil)
	gateway := NewGateway("Test Gateway", "1.0.0", "", registry, bridge, testLogger())

	gateway.Sync(context.Background())
	listed := listGatewayTools(t, gateway)

	assert.Contains(t, listed, `"remote__create_entities"`)
	assert.Contains(t, listed, `"remote__fail"`)
	assert.Contains(t, listed, `[remote] Create entities`)
	assert.NotContains(t, listed, "exa__")

	// an unchanged tool set is not reinstalled
	signature := gateway.signature
	gateway.Sync(context.Background())
	assert.Equal(t, signature, gateway.signature)

	require.NoError(t, registry.Apply(context.Background(), nil))
	gateway.Sync(context.Background())
	assert.NotContains(t, listGatewayTools(t, gateway), "remote__create_entities")
}

func TestGatewayToolForwardsCalls(t *testing.T) {
	opener := newFakeOpener()
	opener.setup = fakeTools

	registry := newTestRegistry(t, opener.open)
	require.NoError(t, registry.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote")}))
	bridge := NewBridge(registry, testLogger(), nil)

	tool := newGatewayTool("remote", ToolDescriptor{Name: "create_entities", Description: "Create entities"}, bridge)
	assert.Equal(t, "remote__create_entities", tool.Name())
	assert.Equal(t, "[remote] Create entities", tool.Description())

	req := mcp.CallToolRequest{}
	req.Params.Name = tool.Name()
	req.Params.Arguments = map[string]any{"entities": []any{map[string]any{"name": "Alice"}}}

	result, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.JSONEq(t, `{"entities":[{"name":"Alice"}]}`, result.Content[0].(mcp.TextContent).Text)

	failing := newGatewayTool("remote", ToolDescriptor{Name: "fail"}, bridge)
	assert.Equal(t, "[remote] fail", failing.Description())

	result, err = failing.Handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, string(KindBackend))
}

func TestGatewayRefreshDoesNotWaitForSlowBackends(t *testing.T) {
	release := make(chan struct{})
	opener := newFakeOpener()
	opener.setup = func(def *ServerDefinition, conn *fakeConn) {
		fakeTools(def, conn)
		answer := conn.handler
		conn.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			if method == string(mcp.MethodToolsList) {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return answer(ctx, method, params)
		}
	}

	registry := newTestRegistry(t, opener.open)
	require.NoError(t, registry.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote")}))
	gateway := NewGateway("Test Gateway", "1.0.0", "", registry, NewBridge(registry, testLogger(), nil), testLogger())

	start := time.Now()
	gateway.Refresh()
	gateway.Refresh()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.NotContains(t, listGatewayTools(t, gateway), "remote__create_entities")

	close(release)
	waitUntil(t, 2*time.Second, func() bool {
		return strings.Contains(listGatewayTools(t, gateway), "remote__create_entities")
	})
	waitUntil(t, time.Second, func() bool { return !gateway.refreshing.Load() })
}
