package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration document
type Config struct {
	// Servers are the backend MCP servers in document order.
	Servers ServerList `json:"mcpServers" yaml:"mcpServers"`

	// Proxy holds listener and engine settings.
	Proxy *ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// ProxyConfig defines gateway-wide settings
type ProxyConfig struct {
	// Name and Version are reported by GET / and the aggregated MCP endpoint.
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Host and Port form the HTTP listen address. Default: 0.0.0.0:8000
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// LogLevel is one of debug, info, warn, error. LogFormat is text or json.
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`

	// MaxConcurrentRequests caps in-flight list/invoke requests. Requests
	// beyond it wait for a free slot.
	MaxConcurrentRequests int `json:"maxConcurrentRequests,omitempty" yaml:"maxConcurrentRequests,omitempty"`

	// MaxProcesses caps concurrently running subprocess backends.
	MaxProcesses int `json:"maxProcesses,omitempty" yaml:"maxProcesses,omitempty"`

	// LaunchTimeout bounds process spawn plus the MCP handshake.
	LaunchTimeout Duration `json:"launchTimeout,omitempty" yaml:"launchTimeout,omitempty"`

	// StopTimeout is how long a subprocess gets after SIGTERM before it is killed.
	StopTimeout Duration `json:"stopTimeout,omitempty" yaml:"stopTimeout,omitempty"`

	// DrainTimeout is how long a superseded connection may finish in-flight
	// calls before it is closed.
	DrainTimeout Duration `json:"drainTimeout,omitempty" yaml:"drainTimeout,omitempty"`

	// Gateway toggles the aggregated MCP endpoint. Default: true
	Gateway *bool `json:"gateway,omitempty" yaml:"gateway,omitempty"`

	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Restart *RestartPolicy `json:"restart,omitempty" yaml:"restart,omitempty"`
}

// HealthConfig controls the health aggregator.
type HealthConfig struct {
	Interval         Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	ProbeTimeout     Duration `json:"probeTimeout,omitempty" yaml:"probeTimeout,omitempty"`
	FailureThreshold int      `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
}

// RestartPolicy controls subprocess restarts.
type RestartPolicy struct {
	BaseDelay   Duration `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelay    Duration `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	MaxFailures int      `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`
	GracePeriod Duration `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`
}

// Address returns the HTTP listen address.
func (c *ProxyConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GatewayEnabled reports whether the aggregated MCP endpoint is served.
func (c *ProxyConfig) GatewayEnabled() bool {
	return c.Gateway == nil || *c.Gateway
}

// Lookup returns the definition named name.
func (c *Config) Lookup(name string) (*ServerDefinition, bool) {
	for _, def := range c.Servers {
		if def.Name == name {
			return def, true
		}
	}
	return nil, false
}

// ServerList is the mcpServers mapping decoded in document order. Order
// matters: subprocesses start first-configured-first-started.
type ServerList []*ServerDefinition

func (l *ServerList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: mcpServers must be a mapping", value.Line)
	}

	list := make(ServerList, 0, len(value.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]
		if seen[key.Value] {
			return fmt.Errorf("line %d: duplicate server name %q", key.Line, key.Value)
		}
		seen[key.Value] = true

		def := &ServerDefinition{}
		if err := body.Decode(def); err != nil {
			return fmt.Errorf("server %q: %w", key.Value, err)
		}
		def.Name = key.Value
		list = append(list, def)
	}

	*l = list
	return nil
}

func (l *ServerList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("mcpServers must be an object")
	}

	var list ServerList
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name := tok.(string)
		if seen[name] {
			return fmt.Errorf("duplicate server name %q", name)
		}
		seen[name] = true

		def := &ServerDefinition{}
		if err := dec.Decode(def); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		def.Name = name
		list = append(list, def)
	}

	*l = list
	return nil
}

func (l ServerList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, def := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(def.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(def)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseConfig reads, decodes, defaults, validates and post-processes the
// configuration file. Problems confined to one server definition mark that
// server disabled-by-config instead of failing the whole document.
func ParseConfig(filename string, logger *slog.Logger) (*Config, error) {
	expandedPath := expandPath(filename)

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", expandedPath, err)
	}

	return ParseConfigFromBytes(data, formatOf(expandedPath, data), logger)
}

// ParseConfigFromBytes parses configuration data. format is "json" or "yaml".
func ParseConfigFromBytes(data []byte, format string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cfg Config
	if err := decodeConfig(data, format, &cfg); err != nil {
		return nil, err
	}

	if err := setConfigDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if err := validateParsedConfig(&cfg, logger); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := postProcessParsedConfig(&cfg, os.LookupEnv, logger); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}

	return &cfg, nil
}

func decodeConfig(data []byte, format string, cfg *Config) error {
	if format == "json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// formatOf picks the decoder from the file extension, falling back to
// sniffing the first non-blank byte.
func formatOf(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return "json"
	}
	return "yaml"
}

// setConfigDefaults sets default values for the configuration
func setConfigDefaults(cfg *Config) error {
	if cfg.Proxy == nil {
		cfg.Proxy = &ProxyConfig{}
	}
	p := cfg.Proxy

	if p.Name == "" {
		p.Name = "MCP Proxy Server"
	}
	if p.Version == "" {
		p.Version = "1.0.0"
	}
	if p.Host == "" {
		p.Host = "0.0.0.0"
	}
	if p.Port == 0 {
		p.Port = 8000
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
	if p.LogFormat == "" {
		p.LogFormat = "text"
	}
	if p.MaxConcurrentRequests == 0 {
		p.MaxConcurrentRequests = 64
	}
	if p.MaxProcesses == 0 {
		p.MaxProcesses = 16
	}
	if p.LaunchTimeout == 0 {
		p.LaunchTimeout = Duration(30 * time.Second)
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = Duration(10 * time.Second)
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = Duration(5 * time.Second)
	}

	if p.Health == nil {
		p.Health = &HealthConfig{}
	}
	if p.Health.Interval == 0 {
		p.Health.Interval = Duration(30 * time.Second)
	}
	if p.Health.ProbeTimeout == 0 {
		p.Health.ProbeTimeout = Duration(5 * time.Second)
	}
	if p.Health.FailureThreshold == 0 {
		p.Health.FailureThreshold = 3
	}

	if p.Restart == nil {
		p.Restart = &RestartPolicy{}
	}
	p.Restart.applyDefaults()

	for _, def := range cfg.Servers {
		if def.Type == "" || def.Type == "stdio" {
			def.Type = COMMAND
		}
	}

	return nil
}

// reservedNames collide with fixed routes of the HTTP surface.
var reservedNames = []string{"status", "health", "readiness", "liveness", "metrics", "_mcp"}

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// validateParsedConfig rejects documents that cannot be served at all and
// marks individual invalid definitions.
func validateParsedConfig(cfg *Config, logger *slog.Logger) error {
	p := cfg.Proxy
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	if p.MaxConcurrentRequests < 0 {
		return fmt.Errorf("maxConcurrentRequests must not be negative")
	}
	if p.MaxProcesses < 0 {
		return fmt.Errorf("maxProcesses must not be negative")
	}
	if p.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failureThreshold must be at least 1")
	}
	if p.Restart.Multiplier < 1 {
		return fmt.Errorf("restart.multiplier must be at least 1")
	}
	switch p.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logFormat '%s', must be one of: text, json", p.LogFormat)
	}

	for _, def := range cfg.Servers {
		if err := validateServer(def); err != nil {
			def.InvalidReason = err.Error()
			logger.Warn("Server definition is invalid, marking disabled-by-config",
				"server", def.Name,
				"reason", def.InvalidReason,
			)
		}
	}

	return nil
}

// validateServer checks the shape of a single definition.
func validateServer(def *ServerDefinition) error {
	if !serverNamePattern.MatchString(def.Name) {
		return fmt.Errorf("invalid server name %q", def.Name)
	}
	if slices.Contains(reservedNames, def.Name) {
		return fmt.Errorf("server name %q is reserved", def.Name)
	}
	if def.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	switch def.Type {
	case COMMAND:
		if def.Command == "" {
			return fmt.Errorf("command is required")
		}
	case SSE, STREAMABLE_HTTP:
		if def.URL == "" {
			return fmt.Errorf("url is required for %s servers", def.Type)
		}
	default:
		validKinds := []string{string(COMMAND), string(SSE), string(STREAMABLE_HTTP)}
		return fmt.Errorf("invalid type '%s', must be one of: %s", def.Type, strings.Join(validKinds, ", "))
	}

	return nil
}

var envReference = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// postProcessParsedConfig substitutes ${VAR} references from the environment.
// Unresolved references become empty strings and are logged.
func postProcessParsedConfig(cfg *Config, lookup func(string) (string, bool), logger *slog.Logger) error {
	for _, def := range cfg.Servers {
		subst := func(s string) string {
			return substituteEnv(s, lookup, func(name string) {
				logger.Warn("Environment variable not found, substituting empty string",
					"server", def.Name,
					"variable", name,
				)
			})
		}

		def.Command = subst(def.Command)
		for i, arg := range def.Args {
			def.Args[i] = subst(arg)
		}
		for k, v := range def.Env {
			def.Env[k] = subst(v)
		}
		def.URL = subst(def.URL)
		for k, v := range def.Headers {
			def.Headers[k] = subst(v)
		}

		if !def.Enabled() {
			continue
		}
		if reason := checkSubstituted(def); reason != "" {
			def.InvalidReason = reason
			logger.Warn("Server definition is invalid, marking disabled-by-config",
				"server", def.Name,
				"reason", def.InvalidReason,
			)
		}
	}

	return nil
}

// checkSubstituted re-checks the fields whose final value is only known after
// substitution. The reason never quotes the value, which may carry secrets.
func checkSubstituted(def *ServerDefinition) string {
	switch def.Type {
	case COMMAND:
		if strings.TrimSpace(def.Command) == "" {
			return "command is empty after variable substitution"
		}
	case SSE, STREAMABLE_HTTP:
		if def.URL == "" {
			return "url is empty after variable substitution"
		}
		u, err := url.Parse(def.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "url must be an absolute http or https url"
		}
	}
	return ""
}

func substituteEnv(s string, lookup func(string) (string, bool), missing func(name string)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envReference.ReplaceAllStringFunc(s, func(ref string) string {
		name := envReference.FindStringSubmatch(ref)[1]
		if value, ok := lookup(name); ok {
			return value
		}
		missing(name)
		return ""
	})
}

// expandPath expands environment variables and home directory in paths
func expandPath(path string) string {
	expanded := os.ExpandEnv(path)

	if strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, expanded[2:])
		}
	}

	return expanded
}
