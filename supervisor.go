package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ProcessState is the lifecycle state of a supervised subprocess.
type ProcessState string

const (
	ProcessStopped  ProcessState = "stopped"
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessCrashed  ProcessState = "crashed"
	ProcessStopping ProcessState = "stopping"

	// ProcessFailed is terminal: the restart budget is spent and only a
	// config reload starts the backend again.
	ProcessFailed ProcessState = "disabled-by-supervisor"
)

// ProcessRecord is the supervisor's bookkeeping for one subprocess backend.
type ProcessRecord struct {
	Command             string       `json:"command"`
	PID                 int          `json:"pid,omitempty"`
	State               ProcessState `json:"state"`
	Running             bool         `json:"running"`
	Queued              bool         `json:"queued,omitempty"`
	StartedAt           *time.Time   `json:"startedAt,omitempty"`
	Uptime              float64      `json:"uptime"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	RestartCount        int          `json:"restartCount"`
	NextRestart         *time.Time   `json:"nextRestart,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
	LastExitCode        *int         `json:"lastExitCode,omitempty"`
}

func (p *RestartPolicy) applyDefaults() {
	if p.BaseDelay == 0 {
		p.BaseDelay = Duration(time.Second)
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = Duration(60 * time.Second)
	}
	if p.MaxFailures == 0 {
		p.MaxFailures = 3
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = Duration(30 * time.Second)
	}
}

// Delay returns the wait before the restart that follows the given number of
// consecutive failures: BaseDelay * Multiplier^(failures-1), capped at
// MaxDelay. It never decreases as failures grows.
func (p RestartPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base := float64(p.BaseDelay.Std())
	limit := float64(p.MaxDelay.Std())

	delay := base * math.Pow(p.Multiplier, float64(failures-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || (limit > 0 && delay > limit) {
		delay = limit
	}
	return time.Duration(delay)
}

// connectionSink receives the connections the supervisor produces.
type connectionSink interface {
	// attach installs conn for def and reports whether def is still current.
	attach(def *ServerDefinition, conn Connection) bool
	// detach removes conn if it is the installed connection.
	detach(def *ServerDefinition, conn Connection, cause error)
}

// SupervisorConfig tunes the Supervisor.
type SupervisorConfig struct {
	Policy        RestartPolicy
	MaxProcesses  int
	LaunchTimeout time.Duration
	DrainTimeout  time.Duration
}

// Supervisor owns the lifecycle of subprocess backends: spawn, monitor,
// restart with backoff, and the global ceiling on running processes.
type Supervisor struct {
	logger  *slog.Logger
	open    Opener
	sink    connectionSink
	config  SupervisorConfig
	metrics *Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	procs   map[string]*process
	queue   []*process
	active  int
	stopped bool
}

// process is one generation of a supervised backend. A reload that changes
// the definition creates a new generation; the old one keeps serving until
// the new one settles.
type process struct {
	def        *ServerDefinition
	rec        ProcessRecord
	conn       Connection
	slot       bool
	queued     bool
	removed    bool
	stopping   bool
	kicked     bool
	supersedes *process
	timer      *time.Timer
	kick       chan struct{}
}

func newSupervisor(open Opener, sink connectionSink, config SupervisorConfig, logger *slog.Logger, metrics *Metrics) *Supervisor {
	config.Policy.applyDefaults()
	if config.LaunchTimeout <= 0 {
		config.LaunchTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:  logger,
		open:    open,
		sink:    sink,
		config:  config,
		metrics: metrics,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		procs:   make(map[string]*process),
	}
}

// Manage starts supervising def. A definition equal to the current one is a
// no-op unless the supervisor gave up on it, in which case the restart budget
// is reset and the backend starts again.
func (s *Supervisor) Manage(def *ServerDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	old := s.procs[def.Name]
	if old != nil && old.def == def && old.rec.State != ProcessFailed {
		return
	}

	p := &process{
		def:  def,
		rec:  ProcessRecord{Command: def.Command, State: ProcessStopped},
		kick: make(chan struct{}, 1),
	}

	if old != nil {
		if old.conn != nil && !old.stopping {
			// keep serving on the old process until the new one settles
			old.removed = true
			old.stopTimer()
			p.supersedes = old
		} else {
			s.stopLocked(old)
		}
	}

	s.procs[def.Name] = p
	s.enqueueLocked(p)
}

// Release stops supervising name and stops its process.
func (s *Supervisor) Release(name string) {
	s.mu.Lock()
	p := s.procs[name]
	if p == nil {
		s.mu.Unlock()
		return
	}
	delete(s.procs, name)
	conns := s.stopLocked(p)
	s.mu.Unlock()

	s.closeAll(conns)
}

// Restart asks the supervisor to restart a running backend that stopped
// answering. The restart counts as a failure.
func (s *Supervisor) Restart(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.procs[name]
	if p == nil || p.conn == nil || p.stopping {
		return false
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return true
}

// Record returns a snapshot of the record for name.
func (s *Supervisor) Record(name string) (ProcessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.procs[name]
	if p == nil {
		return ProcessRecord{}, false
	}
	return s.snapshotLocked(p), true
}

// Records returns a snapshot of every supervised backend.
func (s *Supervisor) Records() map[string]ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]ProcessRecord, len(s.procs))
	for name, p := range s.procs {
		records[name] = s.snapshotLocked(p)
	}
	return records
}

// Stop stops every process and waits for the supervisor's goroutines.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	var conns []Connection
	for name, p := range s.procs {
		conns = append(conns, s.stopLocked(p)...)
		delete(s.procs, name)
	}
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	s.closeAll(conns)
	s.wg.Wait()
}

func (s *Supervisor) snapshotLocked(p *process) ProcessRecord {
	rec := p.rec
	rec.Running = p.conn != nil
	if rec.Running && rec.StartedAt != nil {
		rec.Uptime = s.now().Sub(*rec.StartedAt).Seconds()
	}
	return rec
}

func (s *Supervisor) enqueueLocked(p *process) {
	p.queued = true
	p.rec.Queued = true
	s.queue = append(s.queue, p)
	s.dispatchLocked()
}

// dispatchLocked starts queued processes in FIFO order while slots are free.
// A replacement may borrow the slot of the process it supersedes.
func (s *Supervisor) dispatchLocked() {
	for len(s.queue) > 0 {
		p := s.queue[0]
		if p.removed {
			s.queue = s.queue[1:]
			p.queued, p.rec.Queued = false, false
			continue
		}

		full := s.config.MaxProcesses > 0 && s.active >= s.config.MaxProcesses
		if full && (p.supersedes == nil || !p.supersedes.slot) {
			return
		}

		s.queue = s.queue[1:]
		p.queued, p.rec.Queued = false, false
		p.slot = true
		s.active++
		p.rec.State = ProcessStarting

		s.wg.Add(1)
		go s.launch(p)
	}
}

func (s *Supervisor) freeSlotLocked(p *process) {
	if p.slot {
		p.slot = false
		s.active--
	}
}

func (s *Supervisor) launch(p *process) {
	defer s.wg.Done()

	s.logger.Info("Starting backend process", "server", p.def.Name, "command", p.def.Command)

	ctx, cancel := context.WithTimeout(s.ctx, s.config.LaunchTimeout)
	conn, err := s.open(ctx, p.def)
	cancel()

	s.mu.Lock()
	if p.removed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.mu.Lock()
		p.rec.State = ProcessStopped
		s.freeSlotLocked(p)
		s.dispatchLocked()
		s.mu.Unlock()
		return
	}

	old := p.supersedes
	p.supersedes = nil

	if err != nil {
		s.crashLocked(p, err, nil)
		s.mu.Unlock()
		s.retire(old)
		return
	}

	now := s.now()
	p.conn = conn
	p.rec.State = ProcessRunning
	p.rec.StartedAt = &now
	p.rec.NextRestart = nil
	if pc, ok := conn.(processConnection); ok {
		p.rec.PID = pc.PID()
	}
	s.mu.Unlock()

	if !s.sink.attach(p.def, conn) {
		s.logger.Debug("Discarding connection for superseded definition", "server", p.def.Name)
		s.mu.Lock()
		p.removed = true
		p.stopping = true
		s.mu.Unlock()
	}
	s.retire(old)

	s.wg.Add(1)
	go s.watch(p, conn)

	s.mu.Lock()
	stale := p.removed
	s.mu.Unlock()
	if stale {
		go conn.Close()
	}
}

// watch follows one running process until its connection ends.
func (s *Supervisor) watch(p *process, conn Connection) {
	defer s.wg.Done()

	grace := time.NewTimer(s.config.Policy.GracePeriod.Std())
	defer grace.Stop()

	for {
		select {
		case <-grace.C:
			s.mu.Lock()
			if p.conn == conn && p.rec.ConsecutiveFailures > 0 {
				s.logger.Info("Backend stable, resetting failure count",
					"server", p.def.Name,
					"failures", p.rec.ConsecutiveFailures,
				)
				p.rec.ConsecutiveFailures = 0
			}
			s.mu.Unlock()

		case <-p.kick:
			s.logger.Warn("Restarting unresponsive backend", "server", p.def.Name)
			s.mu.Lock()
			p.kicked = true
			s.mu.Unlock()
			go conn.Close()

		case <-conn.Done():
			s.handleExit(p, conn)
			return
		}
	}
}

func (s *Supervisor) handleExit(p *process, conn Connection) {
	cause := conn.Err()

	// Close waits for the process to be gone before the slot is reused.
	conn.Close()

	var exitCode *int
	if ec, ok := conn.(interface{ ExitCode() int }); ok {
		code := ec.ExitCode()
		exitCode = &code
	}

	s.mu.Lock()
	if p.removed || p.stopping {
		p.conn = nil
		p.rec.State = ProcessStopped
		p.rec.PID = 0
		s.freeSlotLocked(p)
		s.dispatchLocked()
		s.mu.Unlock()

		s.sink.detach(p.def, conn, cause)
		s.logger.Info("Backend process stopped", "server", p.def.Name)
		return
	}

	if p.kicked {
		p.kicked = false
		cause = fmt.Errorf("%w: restarted after failed health probes", ErrUnavailable)
	}
	s.crashLocked(p, cause, exitCode)
	s.mu.Unlock()

	s.sink.detach(p.def, conn, cause)
}

// crashLocked records a failure and either schedules a restart or gives up.
func (s *Supervisor) crashLocked(p *process, cause error, exitCode *int) {
	p.conn = nil
	p.rec.State = ProcessCrashed
	p.rec.PID = 0
	p.rec.LastExitCode = exitCode
	if cause != nil {
		p.rec.LastError = cause.Error()
	}
	p.rec.ConsecutiveFailures++
	p.rec.RestartCount++
	s.freeSlotLocked(p)
	s.metrics.setRestartCount(p.def.Name, p.rec.RestartCount)

	if p.rec.ConsecutiveFailures >= s.config.Policy.MaxFailures {
		p.rec.State = ProcessFailed
		p.rec.NextRestart = nil
		s.logger.Error("Backend exceeded its restart budget, giving up",
			"server", p.def.Name,
			"failures", p.rec.ConsecutiveFailures,
			"error", cause,
		)
		s.dispatchLocked()
		return
	}

	delay := s.config.Policy.Delay(p.rec.ConsecutiveFailures)
	next := s.now().Add(delay)
	p.rec.NextRestart = &next

	s.logger.Warn("Backend crashed, scheduling restart",
		"server", p.def.Name,
		"failures", p.rec.ConsecutiveFailures,
		"delay", delay,
		"error", cause,
	)

	p.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if p.removed || s.stopped {
			return
		}
		p.rec.State = ProcessStopped
		p.rec.NextRestart = nil
		s.enqueueLocked(p)
	})

	s.dispatchLocked()
}

// stopLocked marks p and anything it supersedes as removed and returns the
// connections that must be closed outside the lock.
func (s *Supervisor) stopLocked(p *process) []Connection {
	var conns []Connection
	for ; p != nil; p = p.supersedes {
		p.removed = true
		p.stopTimer()
		if p.conn != nil {
			p.stopping = true
			p.rec.State = ProcessStopping
			conns = append(conns, p.conn)
		} else if p.rec.State != ProcessStarting {
			p.rec.State = ProcessStopped
		}
	}
	return conns
}

// retire drains and stops a superseded process.
func (s *Supervisor) retire(old *process) {
	if old == nil {
		return
	}

	s.mu.Lock()
	conns := s.stopLocked(old)
	s.mu.Unlock()

	for _, conn := range conns {
		conn := conn
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			drainConnection(conn, s.config.DrainTimeout)
			conn.Close()
		}()
	}
}

func (s *Supervisor) closeAll(conns []Connection) {
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c Connection) {
			defer wg.Done()
			c.Close()
		}(conn)
	}
	wg.Wait()
}

func (p *process) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
