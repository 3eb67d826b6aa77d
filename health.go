package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// HealthState is the probe-derived condition of a backend. It is reported,
// never used to refuse a call while a connection exists.
type HealthState string

const (
	HealthStarting    HealthState = "starting"
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
	HealthDisabled    HealthState = "disabled"
)

// HealthStatus is the health bookkeeping of one backend.
type HealthStatus struct {
	State               HealthState `json:"state"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastChecked         *time.Time  `json:"lastChecked,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Latency             Duration    `json:"latency,omitempty"`
}

// probeTracker counts consecutive probe failures. It trips once the
// threshold is reached; a success resets it.
type probeTracker struct {
	mu          sync.Mutex
	failures    int
	maxFailures int
}

func newProbeTracker(maxFailures int) *probeTracker {
	return &probeTracker{maxFailures: maxFailures}
}

func (t *probeTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
}

// RecordFailure counts a failed probe and reports whether the threshold is
// reached.
func (t *probeTracker) RecordFailure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	return t.failures >= t.maxFailures
}

func (t *probeTracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// recordProbe folds one probe outcome into the backend's health and reports
// whether the failure threshold is reached. Outcomes for a connection that
// was replaced in the meantime are ignored.
func (b *backend) recordProbe(conn Connection, err error, latency time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != conn {
		return false
	}

	now := time.Now()
	b.health.LastChecked = &now

	if err == nil {
		b.probes.RecordSuccess()
		b.health.State = HealthHealthy
		b.health.LastSuccess = &now
		b.health.LastError = ""
		b.health.ConsecutiveFailures = 0
		b.health.Latency = Duration(latency)
		return false
	}

	open := b.probes.RecordFailure()
	b.health.ConsecutiveFailures = b.probes.Failures()
	b.health.LastError = err.Error()
	if open {
		b.health.State = HealthUnreachable
	} else {
		b.health.State = HealthDegraded
	}
	return open
}

// ServerStatus is one entry of the status document.
type ServerStatus struct {
	Name           string         `json:"name"`
	Type           TransportKind  `json:"type"`
	Enabled        bool           `json:"enabled"`
	DisabledReason string         `json:"disabledReason,omitempty"`
	Health         HealthStatus   `json:"health"`
	Connected      bool           `json:"connected"`
	ConnectedAt    *time.Time     `json:"connectedAt,omitempty"`
	Tools          int            `json:"tools"`
	PendingCalls   int            `json:"pendingCalls"`
	Process        *ProcessRecord `json:"process,omitempty"`
}

// StatusReport is the aggregate document served at /status.
type StatusReport struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    float64        `json:"uptime"`
	Servers   []ServerStatus `json:"servers"`
}

const (
	overallHealthy   = "healthy"
	overallDegraded  = "degraded"
	overallUnhealthy = "unhealthy"
)

// status builds the report entry for b. A subprocess the supervisor gave up
// on is unreachable whatever the last probe said.
func (b *backend) status(rec *ProcessRecord) ServerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := ServerStatus{
		Name:      b.def.Name,
		Type:      b.def.Type,
		Enabled:   b.def.Enabled(),
		Health:    b.health,
		Connected: b.conn != nil,
		Tools:     len(b.tools),
		Process:   rec,
	}
	if !st.Enabled {
		st.DisabledReason = b.def.DisabledReason()
		st.Health.State = HealthDisabled
	}
	if b.conn != nil {
		connectedAt := b.connectedAt
		st.ConnectedAt = &connectedAt
		st.PendingCalls = b.conn.Pending()
	}

	if rec != nil {
		switch {
		case rec.State == ProcessFailed:
			st.Health.State = HealthUnreachable
			st.Health.LastError = rec.LastError
		case b.conn == nil && st.Health.State == HealthHealthy:
			st.Health.State = HealthStarting
		}
	}
	return st
}

// Aggregator probes every enabled backend on a schedule and renders the
// aggregate status.
type Aggregator struct {
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics
	config   HealthConfig
	started  time.Time

	mu      sync.Mutex
	onRound []func(ctx context.Context)
}

// NewAggregator creates an aggregator over registry.
func NewAggregator(registry *Registry, config HealthConfig, logger *slog.Logger, metrics *Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = Duration(30 * time.Second)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = Duration(5 * time.Second)
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	return &Aggregator{
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		config:   config,
		started:  time.Now(),
	}
}

// OnRound registers fn to run after every probe round.
func (a *Aggregator) OnRound(fn func(ctx context.Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRound = append(a.onRound, fn)
}

// Run probes on the configured interval until ctx is cancelled. A round that
// is still running when the next one is due makes the next one skip.
func (a *Aggregator) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.logger})))

	schedule := "@every " + a.config.Interval.Std().String()
	if _, err := c.AddFunc(schedule, func() { a.ProbeAll(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule health probes: %w", err)
	}

	c.Start()
	a.logger.Info("Health checks started", "interval", a.config.Interval.Std())

	<-ctx.Done()
	<-c.Stop().Done()

	a.logger.Info("Health checks stopped")
	return nil
}

// ProbeAll runs one probe round over every enabled backend concurrently.
func (a *Aggregator) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	for _, b := range a.registry.snapshot() {
		if !b.def.Enabled() {
			continue
		}
		b := b
		g.Go(func() error {
			a.probe(ctx, b)
			return nil
		})
	}
	g.Wait()

	a.Report()

	a.mu.Lock()
	hooks := append([]func(context.Context){}, a.onRound...)
	a.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (a *Aggregator) probe(ctx context.Context, b *backend) {
	name := b.def.Name
	conn := b.connection()

	if conn == nil {
		if b.def.Supervised() {
			// the supervisor owns recovery of subprocesses
			return
		}
		if err := a.registry.Reconnect(ctx, name); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.recordProbe(nil, err, 0)
			a.logger.Warn("Backend reconnect failed", "server", name, "error", err)
		}
		return
	}

	start := time.Now()
	_, err := conn.Call(ctx, string(mcp.MethodToolsList), listToolsParams{}, a.config.ProbeTimeout.Std())
	latency := time.Since(start)

	if err != nil && ctx.Err() != nil {
		return
	}

	if !b.recordProbe(conn, err, latency) {
		if err != nil {
			a.logger.Warn("Health probe failed", "server", name, "error", err)
		}
		return
	}

	a.logger.Error("Backend unreachable, recovering",
		"server", name,
		"failures", b.probes.Failures(),
		"error", err,
	)
	if b.def.Supervised() {
		a.registry.Supervisor().Restart(name)
		return
	}
	if err := a.registry.Reconnect(ctx, name); err != nil {
		a.logger.Warn("Backend reconnect failed", "server", name, "error", err)
	}
}

// Report renders the status document and refreshes the server gauges.
func (a *Aggregator) Report() StatusReport {
	records := a.registry.Supervisor().Records()

	report := StatusReport{
		Timestamp: time.Now(),
		Uptime:    time.Since(a.started).Seconds(),
		Servers:   []ServerStatus{},
	}

	var enabled, healthy, unreachable int
	for _, b := range a.registry.snapshot() {
		var rec *ProcessRecord
		if r, ok := records[b.def.Name]; ok {
			rec = &r
			a.metrics.setProcess(b.def.Name, r)
		}

		st := b.status(rec)
		report.Servers = append(report.Servers, st)
		a.metrics.setServerHealth(st.Name, st.Health.State)

		if !st.Enabled {
			continue
		}
		enabled++
		switch st.Health.State {
		case HealthHealthy:
			healthy++
		case HealthUnreachable:
			unreachable++
		}
	}

	switch {
	case healthy == enabled:
		report.Status = overallHealthy
	case unreachable == enabled:
		report.Status = overallUnhealthy
	default:
		report.Status = overallDegraded
	}
	return report
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}
