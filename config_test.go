package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "mcpServers": {
    "memory": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-memory"]
    },
    "exa": {
      "command": "npx",
      "args": ["-y", "exa-mcp-server"],
      "env": {"EXA_API_KEY": "${TEST_EXA_KEY}"},
      "disabled": true,
      "autoApprove": ["web_search"]
    },
    "remote": {
      "type": "sse",
      "url": "http://127.0.0.1:9000/sse",
      "headers": {"Authorization": "Bearer ${TEST_TOKEN}"},
      "timeout": 15
    },
    "stream": {
      "type": "streamable_http",
      "url": "https://mcp.example.com/mcp",
      "timeout": "2m"
    }
  },
  "proxy": {
    "port": 9100,
    "logLevel": "debug"
  }
}`

const sampleYAML = `
mcpServers:
  zeta:
    type: stdio
    command: ./zeta-server
  alpha:
    command: ./alpha-server
    timeout: 1m30s
  mid:
    type: sse
    url: http://localhost:8080/sse
proxy:
  name: Test Gateway
  gateway: false
  health:
    interval: 10s
  restart:
    maxFailures: 5
`

func names(list ServerList) []string {
	out := make([]string, 0, len(list))
	for _, def := range list {
		out = append(out, def.Name)
	}
	return out
}

func TestParseConfigJSON(t *testing.T) {
	t.Setenv("TEST_EXA_KEY", "exa-secret")
	t.Setenv("TEST_TOKEN", "abc123")

	cfg, err := ParseConfigFromBytes([]byte(sampleJSON), "json", testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"memory", "exa", "remote", "stream"}, names(cfg.Servers))

	memory, ok := cfg.Lookup("memory")
	require.True(t, ok)
	assert.Equal(t, COMMAND, memory.Type)
	assert.Equal(t, "npx", memory.Command)
	assert.True(t, memory.Enabled())
	assert.Equal(t, DefaultCallTimeout, memory.CallTimeout())

	exa, _ := cfg.Lookup("exa")
	assert.False(t, exa.Enabled())
	assert.Equal(t, "disabled", exa.DisabledReason())
	assert.Equal(t, "exa-secret", exa.Env["EXA_API_KEY"])
	assert.True(t, exa.IsAutoApproved("web_search"))
	assert.False(t, exa.IsAutoApproved("other"))

	remote, _ := cfg.Lookup("remote")
	assert.Equal(t, SSE, remote.Type)
	assert.Equal(t, "Bearer abc123", remote.Headers["Authorization"])
	assert.Equal(t, 15*time.Second, remote.CallTimeout())

	stream, _ := cfg.Lookup("stream")
	assert.Equal(t, STREAMABLE_HTTP, stream.Type)
	assert.Equal(t, 2*time.Minute, stream.CallTimeout())

	assert.Equal(t, 9100, cfg.Proxy.Port)
	assert.Equal(t, "debug", cfg.Proxy.LogLevel)
	assert.Equal(t, "0.0.0.0:9100", cfg.Proxy.Address())
	assert.True(t, cfg.Proxy.GatewayEnabled())
}

func TestParseConfigYAMLKeepsDocumentOrder(t *testing.T) {
	cfg, err := ParseConfigFromBytes([]byte(sampleYAML), "yaml", testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(cfg.Servers))

	zeta, _ := cfg.Lookup("zeta")
	assert.Equal(t, COMMAND, zeta.Type)

	alpha, _ := cfg.Lookup("alpha")
	assert.Equal(t, 90*time.Second, alpha.CallTimeout())

	assert.Equal(t, "Test Gateway", cfg.Proxy.Name)
	assert.False(t, cfg.Proxy.GatewayEnabled())
	assert.Equal(t, 10*time.Second, cfg.Proxy.Health.Interval.Std())
	assert.Equal(t, 5*time.Second, cfg.Proxy.Health.ProbeTimeout.Std())
	assert.Equal(t, 5, cfg.Proxy.Restart.MaxFailures)
	assert.Equal(t, time.Second, cfg.Proxy.Restart.BaseDelay.Std())
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfigFromBytes([]byte(`{"mcpServers": {}}`), "json", testLogger())
	require.NoError(t, err)

	p := cfg.Proxy
	assert.Equal(t, "MCP Proxy Server", p.Name)
	assert.Equal(t, "0.0.0.0:8000", p.Address())
	assert.Equal(t, "info", p.LogLevel)
	assert.Equal(t, "text", p.LogFormat)
	assert.Equal(t, 64, p.MaxConcurrentRequests)
	assert.Equal(t, 16, p.MaxProcesses)
	assert.Equal(t, 30*time.Second, p.LaunchTimeout.Std())
	assert.Equal(t, 10*time.Second, p.StopTimeout.Std())
	assert.Equal(t, 30*time.Second, p.Health.Interval.Std())
	assert.Equal(t, 3, p.Health.FailureThreshold)

	assert.Equal(t, RestartPolicy{
		BaseDelay:   Duration(time.Second),
		Multiplier:  2,
		MaxDelay:    Duration(60 * time.Second),
		MaxFailures: 3,
		GracePeriod: Duration(30 * time.Second),
	}, *p.Restart)
	assert.Empty(t, cfg.Servers)
}

func TestParseConfigMarksInvalidServers(t *testing.T) {
	data := `{
	  "mcpServers": {
	    "nocommand": {"args": ["x"]},
	    "nourl": {"type": "sse"},
	    "badtype": {"type": "websocket", "url": "ws://x"},
	    "badscheme": {"type": "streamable_http", "url": "ftp://example.com"},
	    "status": {"command": "./status-server"},
	    "good": {"command": "./good"}
	  }
	}`

	cfg, err := ParseConfigFromBytes([]byte(data), "json", testLogger())
	require.NoError(t, err)

	for _, name := range []string{"nocommand", "nourl", "badtype", "badscheme", "status"} {
		def, ok := cfg.Lookup(name)
		require.True(t, ok, name)
		assert.False(t, def.Enabled(), name)
		assert.Contains(t, def.DisabledReason(), "disabled-by-config", name)
	}

	status, _ := cfg.Lookup("status")
	assert.Contains(t, status.InvalidReason, "reserved")

	good, _ := cfg.Lookup("good")
	assert.True(t, good.Enabled())
}

func TestParseConfigMissingVariableBecomesEmpty(t *testing.T) {
	os.Unsetenv("TEST_UNSET_VARIABLE")

	data := `{"mcpServers": {"svc": {"command": "run", "env": {"KEY": "pre-${TEST_UNSET_VARIABLE}-post"}}}}`
	cfg, err := ParseConfigFromBytes([]byte(data), "json", testLogger())
	require.NoError(t, err)

	svc, _ := cfg.Lookup("svc")
	assert.Equal(t, "pre--post", svc.Env["KEY"])
	assert.True(t, svc.Enabled())
}

func TestParseConfigEmptyAfterSubstitution(t *testing.T) {
	os.Unsetenv("TEST_UNSET_COMMAND")
	os.Unsetenv("TEST_UNSET_URL")
	t.Setenv("TEST_SECRET_URL", "ftp://host/mcp?api_key=SECRET123")

	data := `{"mcpServers": {
	  "cmd": {"command": "${TEST_UNSET_COMMAND}"},
	  "remote": {"type": "sse", "url": "${TEST_UNSET_URL}"},
	  "leaky": {"type": "streamable_http", "url": "${TEST_SECRET_URL}"}
	}}`
	cfg, err := ParseConfigFromBytes([]byte(data), "json", testLogger())
	require.NoError(t, err)

	cmd, _ := cfg.Lookup("cmd")
	assert.False(t, cmd.Enabled())
	assert.Contains(t, cmd.DisabledReason(), "disabled-by-config")
	assert.Contains(t, cmd.InvalidReason, "command is empty")

	remote, _ := cfg.Lookup("remote")
	assert.False(t, remote.Enabled())
	assert.Contains(t, remote.InvalidReason, "url is empty")

	leaky, _ := cfg.Lookup("leaky")
	assert.False(t, leaky.Enabled())
	assert.NotContains(t, leaky.InvalidReason, "SECRET123")
}

func TestParseConfigRejectsBrokenDocuments(t *testing.T) {
	cases := map[string]string{
		"syntax":           `{"mcpServers": `,
		"servers not map":  `{"mcpServers": ["a"]}`,
		"duplicate server": `{"mcpServers": {"a": {"command": "x"}, "a": {"command": "y"}}}`,
		"bad port":         `{"mcpServers": {}, "proxy": {"port": 70000}}`,
		"bad log format":   `{"mcpServers": {}, "proxy": {"logFormat": "xml"}}`,
		"bad multiplier":   `{"mcpServers": {}, "proxy": {"restart": {"multiplier": 0.5}}}`,
		"bad duration":     `{"mcpServers": {"a": {"command": "x", "timeout": "soon"}}}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfigFromBytes([]byte(data), "json", testLogger())
			assert.Error(t, err)
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0o600))
	cfg, err := ParseConfig(yamlPath, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(cfg.Servers))

	// no extension: the content decides
	plainPath := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(plainPath, []byte(`{"mcpServers": {"a": {"command": "x"}}}`), 0o600))
	cfg, err = ParseConfig(plainPath, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names(cfg.Servers))

	_, err = ParseConfig(filepath.Join(dir, "missing.json"), testLogger())
	assert.Error(t, err)
}

func TestServerListMarshalKeepsOrder(t *testing.T) {
	cfg, err := ParseConfigFromBytes([]byte(sampleYAML), "yaml", testLogger())
	require.NoError(t, err)

	data, err := json.Marshal(cfg.Servers)
	require.NoError(t, err)

	var back ServerList
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(back))
}

func TestServerDefinitionSame(t *testing.T) {
	a := &ServerDefinition{Name: "memory", Type: COMMAND, Command: "npx", Args: []string{"-y", "server-memory"}}
	b := &ServerDefinition{Name: "memory", Type: COMMAND, Command: "npx", Args: []string{"-y", "server-memory"}}
	assert.True(t, a.Same(b))

	b.Env = map[string]string{"DEBUG": "1"}
	assert.False(t, a.Same(b))
	assert.False(t, a.Same(nil))
}
