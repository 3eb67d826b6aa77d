package proxy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink stands in for the registry and remembers the installed
// connection per server.
type recordingSink struct {
	mu       sync.Mutex
	attached map[string]Connection
	defs     map[string]*ServerDefinition
	detached int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		attached: make(map[string]Connection),
		defs:     make(map[string]*ServerDefinition),
	}
}

func (s *recordingSink) attach(def *ServerDefinition, conn Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[def.Name] = conn
	s.defs[def.Name] = def
	return true
}

func (s *recordingSink) detach(def *ServerDefinition, conn Connection, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[def.Name] == conn {
		delete(s.attached, def.Name)
	}
	s.detached++
}

func (s *recordingSink) current(name string) (Connection, *ServerDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[name], s.defs[name]
}

func newTestSupervisor(t *testing.T, opener *fakeOpener, config SupervisorConfig) (*Supervisor, *recordingSink) {
	t.Helper()

	sink := newRecordingSink()
	s := newSupervisor(opener.open, sink, config, testLogger(), nil)
	t.Cleanup(s.Stop)
	return s, sink
}

func processState(s *Supervisor, name string) ProcessState {
	rec, _ := s.Record(name)
	return rec.State
}

func TestRestartPolicyDelay(t *testing.T) {
	policy := RestartPolicy{
		BaseDelay:  Duration(time.Second),
		Multiplier: 2,
		MaxDelay:   Duration(60 * time.Second),
	}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, policy.Delay(i+1), "failure %d", i+1)
	}

	var prev time.Duration
	for n := 1; n < 200; n++ {
		d := policy.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60*time.Second)
		prev = d
	}

	assert.Equal(t, time.Second, policy.Delay(0))
}

func TestSupervisorStartsAndAttaches(t *testing.T) {
	opener := newFakeOpener()
	s, sink := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy()})

	def := fakeCommand("memory")
	s.Manage(def)

	waitUntil(t, time.Second, func() bool { return processState(s, "memory") == ProcessRunning })

	conn, attachedDef := sink.current("memory")
	assert.Same(t, opener.last("memory"), conn)
	assert.Same(t, def, attachedDef)

	rec, ok := s.Record("memory")
	require.True(t, ok)
	assert.True(t, rec.Running)
	assert.NotNil(t, rec.StartedAt)
	assert.Equal(t, 0, rec.RestartCount)

	// managing the same definition again is a no-op
	s.Manage(def)
	assert.Equal(t, 1, opener.attempts("memory"))
}

func TestSupervisorRestartsCrashedProcess(t *testing.T) {
	opener := newFakeOpener()
	s, sink := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy()})

	s.Manage(fakeCommand("memory"))
	waitUntil(t, time.Second, func() bool { return processState(s, "memory") == ProcessRunning })

	first := opener.last("memory")
	first.crash(errors.New("exit status 1"))

	waitUntil(t, time.Second, func() bool {
		return opener.attempts("memory") == 2 && processState(s, "memory") == ProcessRunning
	})

	rec, _ := s.Record("memory")
	assert.Equal(t, 1, rec.RestartCount)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	assert.Contains(t, rec.LastError, "exit status 1")

	conn, _ := sink.current("memory")
	assert.Same(t, opener.last("memory"), conn)
	assert.NotSame(t, first, conn)
}

func TestSupervisorGivesUpAfterMaxFailures(t *testing.T) {
	opener := newFakeOpener()
	opener.setFailure("broken", errors.New("exit status 3"))

	s, sink := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy()})
	s.Manage(fakeCommand("broken"))

	waitUntil(t, 2*time.Second, func() bool { return processState(s, "broken") == ProcessFailed })

	rec, _ := s.Record("broken")
	assert.Equal(t, 3, rec.RestartCount)
	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.False(t, rec.Running)
	assert.Nil(t, rec.NextRestart)

	// no further attempts once the budget is spent
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, opener.attempts("broken"))

	conn, _ := sink.current("broken")
	assert.Nil(t, conn)
}

func TestSupervisorReapplyResetsFailedProcess(t *testing.T) {
	opener := newFakeOpener()
	opener.setFailure("broken", errors.New("exit status 3"))

	s, _ := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy()})
	def := fakeCommand("broken")
	s.Manage(def)
	waitUntil(t, 2*time.Second, func() bool { return processState(s, "broken") == ProcessFailed })

	opener.setFailure("broken", nil)
	s.Manage(def)

	waitUntil(t, time.Second, func() bool { return processState(s, "broken") == ProcessRunning })
	rec, _ := s.Record("broken")
	assert.Equal(t, 0, rec.ConsecutiveFailures)
}

func TestSupervisorGracePeriodResetsFailures(t *testing.T) {
	policy := fastPolicy()
	policy.GracePeriod = Duration(50 * time.Millisecond)

	opener := newFakeOpener()
	s, _ := newTestSupervisor(t, opener, SupervisorConfig{Policy: policy})

	s.Manage(fakeCommand("memory"))
	waitUntil(t, time.Second, func() bool { return processState(s, "memory") == ProcessRunning })

	opener.last("memory").crash(errors.New("exit status 1"))
	waitUntil(t, time.Second, func() bool {
		rec, _ := s.Record("memory")
		return opener.attempts("memory") == 2 && rec.State == ProcessRunning
	})

	waitUntil(t, time.Second, func() bool {
		rec, _ := s.Record("memory")
		return rec.ConsecutiveFailures == 0
	})

	rec, _ := s.Record("memory")
	assert.Equal(t, 1, rec.RestartCount)
}

func TestSupervisorProcessCeilingIsFIFO(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy(), MaxProcesses: 1})

	s.Manage(fakeCommand("a"))
	s.Manage(fakeCommand("b"))
	s.Manage(fakeCommand("c"))

	waitUntil(t, time.Second, func() bool { return processState(s, "a") == ProcessRunning })

	recB, _ := s.Record("b")
	recC, _ := s.Record("c")
	assert.True(t, recB.Queued)
	assert.True(t, recC.Queued)
	assert.Equal(t, 0, opener.attempts("b"))
	assert.Equal(t, 0, opener.attempts("c"))

	s.Release("a")
	waitUntil(t, time.Second, func() bool { return processState(s, "b") == ProcessRunning })
	assert.Equal(t, 0, opener.attempts("c"))
	assert.True(t, opener.last("a").closed.Load())

	s.Release("b")
	waitUntil(t, time.Second, func() bool { return processState(s, "c") == ProcessRunning })

	_, ok := s.Record("a")
	assert.False(t, ok)
}

func TestSupervisorReplacesChangedDefinition(t *testing.T) {
	opener := newFakeOpener()
	s, sink := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy(), DrainTimeout: time.Second})

	s.Manage(fakeCommand("memory"))
	waitUntil(t, time.Second, func() bool { return processState(s, "memory") == ProcessRunning })
	first := opener.last("memory")

	changed := fakeCommand("memory")
	changed.Args = []string{"--verbose"}
	s.Manage(changed)

	waitUntil(t, time.Second, func() bool {
		_, def := sink.current("memory")
		return def == changed
	})
	waitUntil(t, time.Second, func() bool { return first.closed.Load() })

	assert.Equal(t, 2, opener.attempts("memory"))
	assert.Equal(t, 1, opener.liveConns("memory"))
	waitUntil(t, time.Second, func() bool { return processState(s, "memory") == ProcessRunning })
}

func TestSupervisorRestartOnRequest(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSupervisor(t, opener, SupervisorConfig{Policy: fastPolicy()})

	assert.False(t, s.Restart("memory"))

	s.Manage(fakeCommand("memory"))
	waitUntil(t, time.Second, func() bool { return processState(s, "memory") == ProcessRunning })
	first := opener.last("memory")

	require.True(t, s.Restart("memory"))

	waitUntil(t, time.Second, func() bool {
		return opener.attempts("memory") == 2 && processState(s, "memory") == ProcessRunning
	})
	assert.True(t, first.closed.Load())

	rec, _ := s.Record("memory")
	assert.Equal(t, 1, rec.RestartCount)
	assert.Contains(t, rec.LastError, "health probes")
}

func TestSupervisorStopClosesEverything(t *testing.T) {
	opener := newFakeOpener()
	sink := newRecordingSink()
	s := newSupervisor(opener.open, sink, SupervisorConfig{Policy: fastPolicy()}, testLogger(), nil)

	s.Manage(fakeCommand("a"))
	s.Manage(fakeCommand("b"))
	waitUntil(t, time.Second, func() bool {
		return processState(s, "a") == ProcessRunning && processState(s, "b") == ProcessRunning
	})

	s.Stop()

	assert.Equal(t, 0, opener.liveConns("a"))
	assert.Equal(t, 0, opener.liveConns("b"))
	assert.Empty(t, s.Records())

	// managing after stop does nothing
	s.Manage(fakeCommand("c"))
	assert.Equal(t, 0, opener.attempts("c"))
}
