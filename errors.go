package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the proxy engine. Callers match them with
// errors.Is; the HTTP layer maps each one to a stable error kind.
var (
	ErrUnknownServer = errors.New("unknown server")
	ErrDisabled      = errors.New("server is disabled")
	ErrLaunchFailed  = errors.New("backend launch failed")
	ErrTimeout       = errors.New("backend call timed out")
	ErrProtocol      = errors.New("backend protocol error")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrBackend       = errors.New("backend returned an error")
	ErrBadRequest    = errors.New("bad request")
)

// ErrorKind is the stable, machine-readable error identifier written in HTTP
// error bodies.
type ErrorKind string

const (
	KindUnknownServer    ErrorKind = "unknown_server"
	KindDisabled         ErrorKind = "disabled"
	KindLaunchFailed     ErrorKind = "launch_failed"
	KindTimeout          ErrorKind = "timeout"
	KindProtocol         ErrorKind = "protocol"
	KindUnavailable      ErrorKind = "unavailable"
	KindBackend          ErrorKind = "backend_error"
	KindBadRequest       ErrorKind = "bad_request"
	KindNotFound         ErrorKind = "not_found"
	KindMethodNotAllowed ErrorKind = "method_not_allowed"
	KindInternal         ErrorKind = "internal"
)

var kindTable = []struct {
	err    error
	kind   ErrorKind
	status int
}{
	{ErrUnknownServer, KindUnknownServer, http.StatusNotFound},
	{ErrDisabled, KindDisabled, http.StatusServiceUnavailable},
	{ErrLaunchFailed, KindLaunchFailed, http.StatusBadGateway},
	{ErrTimeout, KindTimeout, http.StatusGatewayTimeout},
	{ErrProtocol, KindProtocol, http.StatusBadGateway},
	{ErrUnavailable, KindUnavailable, http.StatusServiceUnavailable},
	{ErrBackend, KindBackend, http.StatusBadGateway},
	{ErrBadRequest, KindBadRequest, http.StatusBadRequest},
}

// KindOf classifies err into an ErrorKind. Errors outside the taxonomy are
// reported as internal.
func KindOf(err error) ErrorKind {
	kind, _ := classify(err)
	return kind
}

// StatusCode returns the HTTP status code used for err.
func StatusCode(err error) int {
	_, status := classify(err)
	return status
}

func classify(err error) (ErrorKind, int) {
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind, entry.status
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnavailable, http.StatusServiceUnavailable
	}
	return KindInternal, http.StatusInternalServerError
}

var kindMessages = map[ErrorKind]string{
	KindLaunchFailed: "backend failed to start",
	KindTimeout:      "backend call timed out",
	KindProtocol:     "backend sent an invalid response",
	KindUnavailable:  "backend unavailable",
	KindBackend:      "backend returned an error",
	KindInternal:     "internal error",
}

// publicMessage is the text of err that may be shown to a client. Requests
// rejected by the proxy keep their reason and a backend's own JSON-RPC error
// keeps its message; every other kind gets a fixed line, since wrapped
// transport errors can carry URLs and credentials.
func publicMessage(err error) string {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Message
	}

	kind, _ := classify(err)
	switch kind {
	case KindBadRequest, KindUnknownServer, KindDisabled:
		return err.Error()
	}
	return kindMessages[kind]
}

// RPCError is a JSON-RPC error object returned by a backend.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is reports RPCError values as ErrBackend.
func (e *RPCError) Is(target error) bool {
	return target == ErrBackend
}
