package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// Framing contract shared by every backend connection: one JSON-RPC 2.0 value
// per line, UTF-8, terminated by '\n'. Network variants carry the same
// messages inside HTTP bodies and SSE events.

// JSON-RPC error codes used when answering backend-initiated requests.
const (
	rpcMethodNotFound = -32601
)

const notificationInitialized = "notifications/initialized"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// rpcMessage is any inbound frame: a response, a notification or a
// backend-initiated request.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *rpcMessage) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// isResponse reports whether the frame answers one of our requests.
func (m *rpcMessage) isResponse() bool {
	return m.hasID() && m.Method == ""
}

// requestID decodes the frame id. Ids are issued as integers but some servers
// echo them back as strings.
func (m *rpcMessage) requestID() (int64, error) {
	var n int64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(m.ID, &s); err != nil {
		return 0, fmt.Errorf("%w: invalid id %s", ErrProtocol, m.ID)
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", ErrProtocol, s)
	}
	return n, nil
}

func newRequest(id int64, method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: &id, Method: method, Params: params}
}

func newNotification(method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: params}
}

// writeFrame encodes v as a single line.
func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// parseFrame decodes one line. Blank lines yield (nil, nil).
func parseFrame(line []byte) (*rpcMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if msg.JSONRPC != mcp.JSONRPC_VERSION {
		return nil, fmt.Errorf("%w: unexpected jsonrpc version %q", ErrProtocol, msg.JSONRPC)
	}
	return &msg, nil
}
