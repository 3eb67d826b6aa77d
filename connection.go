package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Connection is one live channel to one backend MCP server. The three
// transport variants behave identically from the caller's side: Call sends a
// JSON-RPC request and returns the raw result, bounded by timeout.
type Connection interface {
	// Call issues method with params and waits for the correlated reply.
	// A timeout abandons the call but leaves the connection usable.
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)

	// Close tears the connection down, failing in-flight calls with
	// ErrUnavailable.
	Close() error

	// Done is closed once the connection is torn down, by Close or because
	// the backend went away. Err then reports the cause.
	Done() <-chan struct{}
	Err() error

	// Pending returns the number of outstanding calls.
	Pending() int
}

// processConnection is implemented by connections backed by a local process.
type processConnection interface {
	PID() int
}

// Opener creates a connection for a definition. ctx bounds the launch and
// handshake only; the connection outlives it.
type Opener func(ctx context.Context, def *ServerDefinition) (Connection, error)

// OpenOptions configure the default Opener.
type OpenOptions struct {
	ClientName    string
	ClientVersion string
	StopTimeout   time.Duration
	Logger        *slog.Logger
}

// NewOpener returns the Opener used in production: subprocesses for COMMAND
// definitions and mcp-go clients for the network transports.
func NewOpener(opts OpenOptions) Opener {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-gateway"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}

	return func(ctx context.Context, def *ServerDefinition) (Connection, error) {
		logger := opts.Logger.With("server", def.Name, "transport", def.Type)

		switch def.Type {
		case COMMAND:
			conn, err := startStdio(ctx, def, opts, logger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		case SSE, STREAMABLE_HTTP:
			conn, err := dialClient(ctx, def, opts, logger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		default:
			return nil, fmt.Errorf("%w: unsupported transport %q", ErrLaunchFailed, def.Type)
		}
	}
}

func (o OpenOptions) initializeParams() any {
	var initReq mcp.InitializeRequest
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    o.ClientName,
		Version: o.ClientVersion,
	}
	return initReq.Params
}

// toolCallParams is the params object of a tools/call request. Arguments
// pass through unexamined.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// listToolsParams is the params object of a paginated tools/list request.
type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}
