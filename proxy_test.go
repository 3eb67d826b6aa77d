package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerFromPartialConfig(t *testing.T) {
	cfg := &Config{Proxy: &ProxyConfig{Port: 9000, Restart: &RestartPolicy{MaxFailures: 5}}}

	p, err := NewServerFromConfig(cfg, WithLogger(testLogger()), WithOpener(newFakeOpener().open))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	pc := p.Config().Proxy
	assert.Equal(t, "0.0.0.0:9000", pc.Address())
	require.NotNil(t, pc.Health)
	assert.Equal(t, 30*time.Second, pc.Health.Interval.Std())
	assert.Equal(t, 3, pc.Health.FailureThreshold)
	require.NotNil(t, pc.Restart)
	assert.Equal(t, 5, pc.Restart.MaxFailures)
	assert.Equal(t, time.Second, pc.Restart.BaseDelay.Std())

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Ready())

	next := &Config{Servers: ServerList{networkDefinition("remote")}}
	require.NoError(t, p.Reload(context.Background(), next))
	require.NotNil(t, p.Config().Proxy)
	assert.Equal(t, []string{"remote"}, p.Registry().Names())
}

func TestNewServerFromConfigRequiresConfig(t *testing.T) {
	_, err := NewServerFromConfig(nil)
	assert.Error(t, err)
}
