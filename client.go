package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// clientConn is an SSE or streamable HTTP backend driven through an mcp-go
// client. Each call is registered in the same pending table the stdio
// variant uses and resolved by the goroutine that performs the exchange.
type clientConn struct {
	logger  *slog.Logger
	client  *client.Client
	pending *pendingTable

	// ctx scopes the session: the SSE stream and every in-flight exchange
	// end when it is cancelled.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	serverInfo mcp.Implementation
}

func dialClient(ctx context.Context, def *ServerDefinition, opts OpenOptions, logger *slog.Logger) (*clientConn, error) {
	var (
		c   *client.Client
		err error
	)

	switch def.Type {
	case SSE:
		c, err = client.NewSSEMCPClient(def.URL, transport.WithHeaders(def.Headers))
	case STREAMABLE_HTTP:
		c, err = client.NewStreamableHttpClient(def.URL,
			transport.WithHTTPHeaders(def.Headers),
			transport.WithHTTPTimeout(def.CallTimeout()),
		)
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrLaunchFailed, def.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	conn := &clientConn{
		logger:  logger,
		client:  c,
		pending: newPendingTable(),
		ctx:     sessionCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	// The SSE stream is bound to the context given to Start, so it gets the
	// session context and the launch deadline is enforced here instead.
	started := make(chan error, 1)
	go func() { started <- c.Start(sessionCtx) }()

	select {
	case err := <-started:
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
		}
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, ctx.Err())
	}

	var initReq mcp.InitializeRequest
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    opts.ClientName,
		Version: opts.ClientVersion,
	}

	initResp, err := c.Initialize(ctx, initReq)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: initialize: %w", ErrLaunchFailed, err)
	}
	conn.serverInfo = initResp.ServerInfo

	logger.Info("Backend initialized",
		"url", def.URL,
		"server_name", initResp.ServerInfo.Name,
		"server_version", initResp.ServerInfo.Version,
		"protocol_version", initResp.ProtocolVersion,
	)

	return conn, nil
}

func (c *clientConn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	call, err := c.pending.register(method, timeout)
	if err != nil {
		return nil, err
	}

	go func() {
		callCtx, cancel := context.WithDeadline(c.ctx, call.deadline)
		defer cancel()

		raw, err := c.exchange(callCtx, method, params)
		if !c.pending.resolve(call.id, callResult{result: raw, err: err}) {
			c.logger.Debug("Discarding response for abandoned call", "id", call.id, "method", method)
		}
	}()

	return c.pending.await(ctx, call)
}

// exchange maps a JSON-RPC method onto the mcp-go client API.
func (c *clientConn) exchange(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var (
		result any
		err    error
	)

	switch mcp.MCPMethod(method) {
	case mcp.MethodToolsList:
		req := mcp.ListToolsRequest{}
		if p, ok := params.(listToolsParams); ok && p.Cursor != "" {
			req.Params.Cursor = mcp.Cursor(p.Cursor)
		}
		result, err = c.client.ListTools(ctx, req)

	case mcp.MethodToolsCall:
		p, ok := params.(toolCallParams)
		if !ok {
			return nil, fmt.Errorf("%w: tools/call needs tool call params, got %T", ErrProtocol, params)
		}
		var args map[string]any
		if len(p.Arguments) > 0 {
			if err := json.Unmarshal(p.Arguments, &args); err != nil {
				return nil, fmt.Errorf("%w: arguments must be an object: %v", ErrBadRequest, err)
			}
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = p.Name
		req.Params.Arguments = args
		result, err = c.client.CallTool(ctx, req)

	case mcp.MethodPing:
		err = c.client.Ping(ctx)
		result = map[string]any{}

	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrProtocol, method)
	}

	if err != nil {
		if sessionLost(err) {
			c.teardown(fmt.Errorf("%w: session lost: %w", ErrUnavailable, err))
		}
		return nil, classifyClientError(err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return raw, nil
}

// classifyClientError sorts mcp-go errors into the proxy taxonomy. Transport
// failures mean the session is unusable; anything else came back from the
// backend.
func classifyClientError(err error) error {
	var (
		urlErr *url.Error
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
}

// sessionLost reports whether err means the backend can no longer be reached
// over this session, as opposed to one call running out of time.
func sessionLost(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return errors.As(err, &urlErr) || errors.As(err, &netErr)
}

func (c *clientConn) Close() error {
	return c.teardown(fmt.Errorf("%w: connection closed", ErrUnavailable))
}

// teardown ends the session once: every pending call fails with cause and
// Done is closed.
func (c *clientConn) teardown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		c.pending.failAll(cause)
		c.cancel()
		err = c.client.Close()
		close(c.done)
	})
	return err
}

func (c *clientConn) Done() <-chan struct{} {
	return c.done
}

func (c *clientConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *clientConn) Pending() int {
	return c.pending.len()
}
