package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Supervisor       SupervisorConfig
	LaunchTimeout    time.Duration
	DrainTimeout     time.Duration
	FailureThreshold int
	Logger           *slog.Logger
	Metrics          *Metrics
}

// Registry is the single authoritative mapping from server name to its
// definition, live connection, health and tool cache. It owns the process
// supervisor for subprocess backends.
type Registry struct {
	logger  *slog.Logger
	open    Opener
	options RegistryOptions

	supervisor *Supervisor

	// ctx ends the session watchers of network connections on Close.
	ctx    context.Context
	cancel context.CancelFunc

	// applyMu serialises reloads.
	applyMu sync.Mutex

	mu       sync.RWMutex
	order    []string
	backends map[string]*backend

	wg sync.WaitGroup
}

// backend is the registry entry for one server. Its fields are guarded by mu;
// backends never share a lock.
type backend struct {
	def *ServerDefinition

	mu          sync.Mutex
	conn        Connection
	connectedAt time.Time
	tools       []ToolDescriptor
	health      HealthStatus
	probes      *probeTracker
}

// NewRegistry creates an empty registry. Apply installs definitions.
func NewRegistry(open Opener, options RegistryOptions) *Registry {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.LaunchTimeout <= 0 {
		options.LaunchTimeout = 30 * time.Second
	}
	if options.FailureThreshold <= 0 {
		options.FailureThreshold = 3
	}
	if options.Supervisor.LaunchTimeout <= 0 {
		options.Supervisor.LaunchTimeout = options.LaunchTimeout
	}
	if options.Supervisor.DrainTimeout <= 0 {
		options.Supervisor.DrainTimeout = options.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:   options.Logger,
		open:     open,
		options:  options,
		ctx:      ctx,
		cancel:   cancel,
		backends: make(map[string]*backend),
	}
	r.supervisor = newSupervisor(open, r, options.Supervisor, options.Logger, options.Metrics)
	return r
}

// Supervisor returns the process supervisor owned by the registry.
func (r *Registry) Supervisor() *Supervisor {
	return r.supervisor
}

// Apply atomically replaces the set of definitions. Unchanged definitions keep
// their connection. Changed network backends are opened before the swap, and
// changed subprocess backends keep serving on the old process until the
// supervisor attaches the replacement, so a name that stays configured always
// resolves. Superseded connections are drained and closed afterwards.
func (r *Registry) Apply(ctx context.Context, defs []*ServerDefinition) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.RLock()
	current := make(map[string]*backend, len(r.backends))
	for name, b := range r.backends {
		current[name] = b
	}
	r.mu.RUnlock()

	order := make([]string, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.Name] {
			return fmt.Errorf("duplicate server name %q", def.Name)
		}
		seen[def.Name] = true
		order = append(order, def.Name)
	}

	next := make(map[string]*backend, len(defs))
	for _, def := range defs {
		old := current[def.Name]
		if old != nil && old.def.Same(def) {
			next[def.Name] = old
			continue
		}

		b := r.newBackend(def)
		switch {
		case !def.Enabled():
			r.logger.Info("Server disabled", "server", def.Name, "reason", def.DisabledReason())

		case def.Supervised():
			// the old process serves until its replacement is attached
			if old != nil && old.def.Enabled() && old.def.Supervised() {
				b.conn = old.connection()
			}

		default:
			r.connect(ctx, b)
		}
		next[def.Name] = b
	}

	r.mu.Lock()
	r.backends = next
	r.order = order
	r.mu.Unlock()

	for _, name := range order {
		if b := next[name]; b.def.Enabled() && b.def.Supervised() {
			r.supervisor.Manage(b.def)
		}
	}

	for name, old := range current {
		b := next[name]
		if b == old {
			continue
		}

		if b == nil {
			r.options.Metrics.forget(name)
		}

		replacedInPlace := b != nil && b.def.Enabled() && b.def.Supervised()
		switch {
		case old.def.Supervised() && old.def.Enabled():
			if !replacedInPlace {
				r.supervisor.Release(name)
			}
		default:
			if conn := old.connection(); conn != nil {
				r.retire(conn)
			}
		}
	}

	r.logger.Info("Configuration applied", "servers", len(order))
	return nil
}

func (r *Registry) newBackend(def *ServerDefinition) *backend {
	b := &backend{
		def:    def,
		probes: newProbeTracker(r.options.FailureThreshold),
	}
	switch {
	case !def.Enabled():
		b.health.State = HealthDisabled
	default:
		b.health.State = HealthStarting
	}
	return b
}

// connect opens a network backend and installs the connection.
func (r *Registry) connect(ctx context.Context, b *backend) {
	ctx, cancel := context.WithTimeout(ctx, r.options.LaunchTimeout)
	defer cancel()

	conn, err := r.open(ctx, b.def)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		now := time.Now()
		b.health.State = HealthUnreachable
		b.health.LastError = err.Error()
		b.health.LastChecked = &now
		r.logger.Error("Failed to connect backend", "server", b.def.Name, "error", err)
		return
	}

	b.install(conn)
	r.watch(b, conn)
	r.logger.Info("Backend connected", "server", b.def.Name, "transport", b.def.Type)
}

// Reconnect replaces the connection of a network backend. The old connection
// is drained and closed after the new one is installed.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	b := r.lookup(name)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if !b.def.Enabled() {
		return fmt.Errorf("%w: %s", ErrDisabled, b.def.DisabledReason())
	}
	if b.def.Supervised() {
		if !r.supervisor.Restart(name) {
			return fmt.Errorf("%w: %s has no running process", ErrUnavailable, name)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.options.LaunchTimeout)
	defer cancel()

	conn, err := r.open(ctx, b.def)
	if err != nil {
		b.mu.Lock()
		b.health.LastError = err.Error()
		b.mu.Unlock()
		return err
	}

	if r.lookup(name) != b {
		// a reload replaced the entry while we were dialing
		conn.Close()
		return nil
	}

	b.mu.Lock()
	old := b.conn
	b.install(conn)
	b.mu.Unlock()
	r.watch(b, conn)

	r.logger.Info("Backend reconnected", "server", name)
	if old != nil {
		r.retire(old)
	}
	return nil
}

// Resolve returns the entry and live connection for name, or the error a
// caller should see without attempting a call.
func (r *Registry) Resolve(name string) (*backend, Connection, error) {
	b := r.lookup(name)
	if b == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if !b.def.Enabled() {
		return b, nil, fmt.Errorf("%w: %s is %s", ErrDisabled, name, b.def.DisabledReason())
	}

	conn := b.connection()
	if conn != nil {
		return b, conn, nil
	}

	if b.def.Supervised() {
		if rec, ok := r.supervisor.Record(name); ok && rec.State == ProcessFailed {
			return b, nil, fmt.Errorf("%w: %s is %s after %d failures", ErrUnavailable, name, ProcessFailed, rec.ConsecutiveFailures)
		}
		return b, nil, fmt.Errorf("%w: %s is starting", ErrUnavailable, name)
	}
	return b, nil, fmt.Errorf("%w: %s has no live connection", ErrUnavailable, name)
}

// Names returns the configured server names in document order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definition returns the current definition for name.
func (r *Registry) Definition(name string) (*ServerDefinition, bool) {
	b := r.lookup(name)
	if b == nil {
		return nil, false
	}
	return b.def, true
}

// Close stops every subprocess and closes every network connection.
func (r *Registry) Close() {
	r.cancel()
	r.supervisor.Stop()

	r.mu.Lock()
	backends := r.backends
	r.backends = make(map[string]*backend)
	r.order = nil
	r.mu.Unlock()

	for _, b := range backends {
		if b.def.Supervised() {
			continue
		}
		if conn := b.connection(); conn != nil {
			conn.Close()
		}
	}
	r.wg.Wait()
}

func (r *Registry) lookup(name string) *backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// snapshot returns the entries in document order.
func (r *Registry) snapshot() []*backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*backend, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, r.backends[name])
	}
	return list
}

// watch detaches a network connection whose session ended on its own and
// dials a replacement. Subprocess connections are watched by the supervisor.
func (r *Registry) watch(b *backend, conn Connection) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-conn.Done():
		case <-r.ctx.Done():
			return
		}

		if r.lookup(b.def.Name) != b || !b.drop(conn, conn.Err()) {
			// replaced or retired on purpose
			return
		}
		r.logger.Warn("Backend session lost", "server", b.def.Name, "error", conn.Err())

		if err := r.Reconnect(r.ctx, b.def.Name); err != nil && r.ctx.Err() == nil {
			r.logger.Warn("Backend reconnect failed", "server", b.def.Name, "error", err)
		}
	}()
}

// retire waits for in-flight calls to finish (bounded by the drain timeout)
// and closes conn.
func (r *Registry) retire(conn Connection) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		drainConnection(conn, r.options.DrainTimeout)
		conn.Close()
	}()
}

func (r *Registry) attach(def *ServerDefinition, conn Connection) bool {
	b := r.lookup(def.Name)
	if b == nil || b.def != def {
		return false
	}

	b.mu.Lock()
	b.install(conn)
	b.mu.Unlock()

	r.logger.Info("Backend attached", "server", def.Name)
	return true
}

func (r *Registry) detach(def *ServerDefinition, conn Connection, cause error) {
	b := r.lookup(def.Name)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != conn {
		return
	}
	b.conn = nil
	b.tools = nil
	if cause != nil {
		b.health.LastError = cause.Error()
	}
	r.logger.Warn("Backend detached", "server", def.Name, "error", cause)
}

// install sets a fresh connection. The tool cache belongs to the previous
// connection and is dropped. Callers hold b.mu.
func (b *backend) install(conn Connection) {
	now := time.Now()
	b.conn = conn
	b.connectedAt = now
	b.tools = nil
	b.probes.RecordSuccess()
	b.health = HealthStatus{
		State:       HealthHealthy,
		LastSuccess: &now,
		LastChecked: &now,
	}
}

// drop removes conn if it is still installed and marks the backend
// unreachable until a new connection is attached.
func (b *backend) drop(conn Connection, cause error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != conn {
		return false
	}
	now := time.Now()
	b.conn = nil
	b.tools = nil
	b.health.State = HealthUnreachable
	b.health.LastChecked = &now
	if cause != nil {
		b.health.LastError = cause.Error()
	}
	return true
}

func (b *backend) connection() Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// cachedTools returns the descriptor cache if conn is still installed and the
// backend is not unreachable.
func (b *backend) cachedTools(conn Connection) ([]ToolDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != conn || b.tools == nil || b.health.State == HealthUnreachable {
		return nil, false
	}
	return b.tools, true
}

// storeTools caches tools unless conn was replaced in the meantime.
func (b *backend) storeTools(conn Connection, tools []ToolDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == conn {
		b.tools = tools
	}
}

// drainConnection waits until conn has no pending calls or timeout passes.
func drainConnection(conn Connection, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for conn.Pending() > 0 && time.Now().Before(deadline) {
		select {
		case <-conn.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}
