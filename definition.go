package proxy

import (
	"encoding/json"
	"reflect"
	"slices"
	"time"
)

// TransportKind selects how the proxy talks to a backend MCP server.
type TransportKind string

// Transport constants define the supported backend channels
const (
	// COMMAND backends are local subprocesses speaking line-delimited
	// JSON-RPC over stdin/stdout. They are owned by the process supervisor.
	// Example: npx -y @modelcontextprotocol/server-memory
	COMMAND TransportKind = "command"

	// SSE backends are remote servers exposing a Server-Sent Events stream
	// plus a message endpoint.
	SSE TransportKind = "sse"

	// STREAMABLE_HTTP backends accept one HTTP exchange per call and may
	// stream the response body.
	STREAMABLE_HTTP TransportKind = "streamable_http"
)

// DefaultCallTimeout bounds a tool call when the definition sets no timeout.
const DefaultCallTimeout = 60 * time.Second

// ServerDefinition describes one backend MCP server. Definitions are
// immutable once parsed; a config reload replaces them wholesale.
type ServerDefinition struct {
	// Name is the unique key taken from the mcpServers mapping and the path
	// segment the server is reachable under.
	Name string `json:"-" yaml:"-"`

	// Type selects the transport. Empty means COMMAND.
	Type TransportKind `json:"type,omitempty" yaml:"type,omitempty"`

	// Command and Args launch a COMMAND backend.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env entries are added to the proxy's own environment when launching a
	// COMMAND backend. ${VAR} references are substituted at load time.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL and Headers address an SSE or STREAMABLE_HTTP backend.
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Disabled servers are listed but never connected.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Timeout bounds each tool call. Default: 60 seconds
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// AutoApprove lists tools flagged as auto-approved in tool listings.
	// The proxy reports the flag and does not act on it.
	AutoApprove []string `json:"autoApprove,omitempty" yaml:"autoApprove,omitempty"`

	// InvalidReason is set when the definition failed validation. Such a
	// server is treated as disabled-by-config.
	InvalidReason string `json:"-" yaml:"-"`
}

// Enabled reports whether the server should hold a live connection.
func (d *ServerDefinition) Enabled() bool {
	return !d.Disabled && d.InvalidReason == ""
}

// DisabledReason explains why a server is not enabled.
func (d *ServerDefinition) DisabledReason() string {
	switch {
	case d.InvalidReason != "":
		return "disabled-by-config: " + d.InvalidReason
	case d.Disabled:
		return "disabled"
	default:
		return ""
	}
}

// CallTimeout returns the per-call deadline.
func (d *ServerDefinition) CallTimeout() time.Duration {
	return d.Timeout.Or(DefaultCallTimeout)
}

// IsAutoApproved reports whether tool is listed in AutoApprove.
func (d *ServerDefinition) IsAutoApproved(tool string) bool {
	return slices.Contains(d.AutoApprove, tool)
}

// Supervised reports whether the server is a subprocess owned by the
// supervisor.
func (d *ServerDefinition) Supervised() bool {
	return d.Type == COMMAND
}

// Same reports whether two definitions describe the same backend, so a reload
// can keep the existing connection.
func (d *ServerDefinition) Same(other *ServerDefinition) bool {
	if d == nil || other == nil {
		return d == other
	}
	return reflect.DeepEqual(d, other)
}

// ToolDescriptor is one tool exposed by a backend. The input schema is kept
// as the backend sent it.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	AutoApproved bool            `json:"autoApproved"`
}
