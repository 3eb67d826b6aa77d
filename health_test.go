package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingProbes makes every fakeConn of opener fail tools/list while fail is
// set.
func failingProbes(opener *fakeOpener, fail *atomic.Bool) {
	opener.setup = func(def *ServerDefinition, conn *fakeConn) {
		conn.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			if fail.Load() {
				return nil, fmt.Errorf("%w: no response to tools/list within 5s", ErrTimeout)
			}
			return json.RawMessage(`{"tools":[]}`), nil
		}
	}
}

func serverStatus(t *testing.T, report StatusReport, name string) ServerStatus {
	t.Helper()
	for _, st := range report.Servers {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("server %s missing from report", name)
	return ServerStatus{}
}

func TestProbeTracker(t *testing.T) {
	tracker := newProbeTracker(3)

	assert.False(t, tracker.RecordFailure())
	assert.False(t, tracker.RecordFailure())
	assert.True(t, tracker.RecordFailure())
	assert.Equal(t, 3, tracker.Failures())
	assert.True(t, tracker.RecordFailure())

	tracker.RecordSuccess()
	assert.Equal(t, 0, tracker.Failures())
	assert.False(t, tracker.RecordFailure())
}

func TestAggregatorDegradedThenUnreachable(t *testing.T) {
	var fail atomic.Bool
	opener := newFakeOpener()
	failingProbes(opener, &fail)

	r := newTestRegistry(t, opener.open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote")}))

	agg := NewAggregator(r, HealthConfig{ProbeTimeout: Duration(time.Second)}, testLogger(), nil)

	agg.ProbeAll(context.Background())
	st := serverStatus(t, agg.Report(), "remote")
	assert.Equal(t, HealthHealthy, st.Health.State)
	assert.NotNil(t, st.Health.LastSuccess)

	fail.Store(true)
	// the reconnect attempted at the threshold fails as well
	opener.setFailure("remote", errors.New("connection refused"))

	agg.ProbeAll(context.Background())
	report := agg.Report()
	st = serverStatus(t, report, "remote")
	assert.Equal(t, HealthDegraded, st.Health.State)
	assert.Equal(t, 1, st.Health.ConsecutiveFailures)
	assert.Equal(t, overallDegraded, report.Status)

	agg.ProbeAll(context.Background())
	assert.Equal(t, HealthDegraded, serverStatus(t, agg.Report(), "remote").Health.State)

	agg.ProbeAll(context.Background())
	report = agg.Report()
	st = serverStatus(t, report, "remote")
	assert.Equal(t, HealthUnreachable, st.Health.State)
	assert.Equal(t, 3, st.Health.ConsecutiveFailures)
	assert.Equal(t, overallUnhealthy, report.Status)
	assert.Equal(t, 2, opener.attempts("remote"))

	// recovery: the next reconnect succeeds and probes pass again
	fail.Store(false)
	opener.setFailure("remote", nil)

	agg.ProbeAll(context.Background())
	report = agg.Report()
	st = serverStatus(t, report, "remote")
	assert.Equal(t, HealthHealthy, st.Health.State)
	assert.Equal(t, 0, st.Health.ConsecutiveFailures)
	assert.Equal(t, overallHealthy, report.Status)
}

func TestAggregatorReconnectsUnreachableNetworkBackend(t *testing.T) {
	var fail atomic.Bool
	opener := newFakeOpener()
	failingProbes(opener, &fail)

	r := newTestRegistry(t, opener.open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote")}))
	first := opener.last("remote")

	agg := NewAggregator(r, HealthConfig{ProbeTimeout: Duration(time.Second)}, testLogger(), nil)

	fail.Store(true)
	for i := 0; i < 3; i++ {
		agg.ProbeAll(context.Background())
	}

	assert.Equal(t, 2, opener.attempts("remote"))
	second := opener.last("remote")
	assert.NotSame(t, first, second)
	assert.Same(t, second, resolvedConn(r, "remote"))
	waitUntil(t, time.Second, func() bool { return first.closed.Load() })

	st := serverStatus(t, agg.Report(), "remote")
	assert.Equal(t, HealthHealthy, st.Health.State)
}

func TestAggregatorRestartsUnreachableSubprocess(t *testing.T) {
	var fail atomic.Bool
	opener := newFakeOpener()
	failingProbes(opener, &fail)

	r := newTestRegistry(t, opener.open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{fakeCommand("memory")}))
	waitUntil(t, time.Second, func() bool { return resolvedConn(r, "memory") != nil })
	first := opener.last("memory")

	agg := NewAggregator(r, HealthConfig{ProbeTimeout: Duration(time.Second)}, testLogger(), nil)

	fail.Store(true)
	for i := 0; i < 3; i++ {
		agg.ProbeAll(context.Background())
	}

	waitUntil(t, time.Second, func() bool { return first.closed.Load() })
	waitUntil(t, time.Second, func() bool {
		conn := resolvedConn(r, "memory")
		return conn != nil && conn != Connection(first)
	})

	rec, _ := r.Supervisor().Record("memory")
	assert.Equal(t, 1, rec.RestartCount)
}

func TestAggregatorReconnectsMissingNetworkConnection(t *testing.T) {
	opener := newFakeOpener()
	opener.setFailure("remote", errors.New("connection refused"))

	r := newTestRegistry(t, opener.open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote")}))

	agg := NewAggregator(r, HealthConfig{}, testLogger(), nil)
	st := serverStatus(t, agg.Report(), "remote")
	assert.Equal(t, HealthUnreachable, st.Health.State)
	assert.False(t, st.Connected)
	assert.Contains(t, st.Health.LastError, "connection refused")

	opener.setFailure("remote", nil)
	agg.ProbeAll(context.Background())

	st = serverStatus(t, agg.Report(), "remote")
	assert.True(t, st.Connected)
	assert.Equal(t, HealthHealthy, st.Health.State)
}

func TestAggregatorReport(t *testing.T) {
	opener := newFakeOpener()
	opener.setFailure("crashy", errors.New("exit status 1"))

	off := fakeCommand("exa")
	off.Disabled = true

	r := newTestRegistry(t, opener.open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{
		networkDefinition("remote"),
		fakeCommand("crashy"),
		off,
	}))
	waitUntil(t, 2*time.Second, func() bool {
		rec, _ := r.Supervisor().Record("crashy")
		return rec.State == ProcessFailed
	})

	metrics := NewMetrics()
	agg := NewAggregator(r, HealthConfig{}, testLogger(), metrics)
	report := agg.Report()

	assert.Equal(t, overallDegraded, report.Status)
	require.Len(t, report.Servers, 3)
	assert.Equal(t, []string{"remote", "crashy", "exa"}, []string{
		report.Servers[0].Name, report.Servers[1].Name, report.Servers[2].Name,
	})

	remote := serverStatus(t, report, "remote")
	assert.Equal(t, HealthHealthy, remote.Health.State)
	assert.True(t, remote.Connected)
	assert.NotNil(t, remote.ConnectedAt)
	assert.Nil(t, remote.Process)

	crashy := serverStatus(t, report, "crashy")
	assert.Equal(t, HealthUnreachable, crashy.Health.State)
	require.NotNil(t, crashy.Process)
	assert.Equal(t, ProcessFailed, crashy.Process.State)
	assert.Equal(t, 3, crashy.Process.RestartCount)

	exa := serverStatus(t, report, "exa")
	assert.False(t, exa.Enabled)
	assert.Equal(t, HealthDisabled, exa.Health.State)
	assert.Equal(t, "disabled", exa.DisabledReason)
}

func TestAggregatorReportWithOnlyDisabledServers(t *testing.T) {
	off := fakeCommand("exa")
	off.Disabled = true

	r := newTestRegistry(t, newFakeOpener().open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{off}))

	report := NewAggregator(r, HealthConfig{}, testLogger(), nil).Report()
	assert.Equal(t, overallHealthy, report.Status)
}

func TestAggregatorRunsRoundHooks(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener().open)
	require.NoError(t, r.Apply(context.Background(), []*ServerDefinition{networkDefinition("remote")}))

	agg := NewAggregator(r, HealthConfig{Interval: Duration(time.Second)}, testLogger(), nil)

	var rounds atomic.Int32
	agg.OnRound(func(ctx context.Context) { rounds.Add(1) })

	agg.ProbeAll(context.Background())
	assert.Equal(t, int32(1), rounds.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	waitUntil(t, 5*time.Second, func() bool { return rounds.Load() >= 2 })
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
