package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Option is a function that configures the proxy
type Option func(*Proxy)

// WithName sets the name reported by GET / and the aggregated MCP endpoint
func WithName(name string) Option {
	return func(p *Proxy) {
		p.settings.Name = name
	}
}

// WithAddr sets the HTTP listen address
func WithAddr(addr string) Option {
	return func(p *Proxy) {
		p.settings.Addr = addr
	}
}

// WithBaseURL sets the public base URL announced to aggregated MCP clients
func WithBaseURL(baseURL string) Option {
	return func(p *Proxy) {
		p.settings.BaseURL = baseURL
	}
}

// WithLogger sets the proxy logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithOpener replaces the backend connection factory
func WithOpener(open Opener) Option {
	return func(p *Proxy) {
		p.open = open
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(metrics *Metrics) Option {
	return func(p *Proxy) {
		p.metrics = metrics
	}
}

// WithConfigFile remembers the file the configuration came from, enabling
// ReloadFromFile
func WithConfigFile(path string) Option {
	return func(p *Proxy) {
		p.configFile = path
	}
}

// settings holds listener-level configuration
type settings struct {
	Name    string
	Version string
	Addr    string
	BaseURL string
}

// Proxy owns every component of the gateway: registry, supervisor, bridge,
// health aggregator, the optional aggregated MCP endpoint and the HTTP
// surface.
type Proxy struct {
	settings   settings
	logger     *slog.Logger
	open       Opener
	metrics    *Metrics
	configFile string

	mu  sync.RWMutex
	cfg *Config

	registry *Registry
	bridge   *Bridge
	health   *Aggregator
	gateway  *Gateway
	limiter  *semaphore.Weighted
	handler  http.Handler

	ready     atomic.Bool
	closeOnce sync.Once
}

// NewServerFromConfig creates a proxy for cfg. Backends are not started until
// Start or Run.
func NewServerFromConfig(cfg *Config, opts ...Option) (*Proxy, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// hand-built configs may leave any section empty
	if err := setConfigDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}
	pc := cfg.Proxy

	p := &Proxy{
		settings: settings{
			Name:    pc.Name,
			Version: pc.Version,
			Addr:    pc.Address(),
		},
		logger: slog.Default(),
		cfg:    cfg,
	}

	// Apply options
	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		p.metrics = NewMetrics()
	}
	if p.open == nil {
		p.open = NewOpener(OpenOptions{
			ClientName:    p.settings.Name,
			ClientVersion: p.settings.Version,
			StopTimeout:   pc.StopTimeout.Std(),
			Logger:        p.logger,
		})
	}

	p.registry = NewRegistry(p.open, RegistryOptions{
		Supervisor: SupervisorConfig{
			Policy:        *pc.Restart,
			MaxProcesses:  pc.MaxProcesses,
			LaunchTimeout: pc.LaunchTimeout.Std(),
			DrainTimeout:  pc.DrainTimeout.Std(),
		},
		LaunchTimeout:    pc.LaunchTimeout.Std(),
		DrainTimeout:     pc.DrainTimeout.Std(),
		FailureThreshold: pc.Health.FailureThreshold,
		Logger:           p.logger,
		Metrics:          p.metrics,
	})
	p.bridge = NewBridge(p.registry, p.logger, p.metrics)
	p.health = NewAggregator(p.registry, *pc.Health, p.logger, p.metrics)

	if pc.GatewayEnabled() {
		p.gateway = NewGateway(p.settings.Name, p.settings.Version, p.settings.BaseURL, p.registry, p.bridge, p.logger)
		p.health.OnRound(p.gateway.Sync)
	}

	limit := pc.MaxConcurrentRequests
	if limit <= 0 {
		limit = 64
	}
	p.limiter = semaphore.NewWeighted(int64(limit))
	p.handler = p.routes()

	return p, nil
}

// NewServerFromConfigFile creates a proxy from a configuration file
func NewServerFromConfigFile(configFile string, opts ...Option) (*Proxy, error) {
	logger := slog.Default()
	probe := &Proxy{logger: logger}
	for _, opt := range opts {
		opt(probe)
	}

	cfg, err := ParseConfig(configFile, probe.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return NewServerFromConfig(cfg, append(opts, WithConfigFile(configFile))...)
}

// Start installs the configured backends. Subprocesses start in the
// background under the supervisor; network backends are connected before
// Start returns.
func (p *Proxy) Start(ctx context.Context) error {
	cfg := p.Config()
	if err := p.registry.Apply(ctx, cfg.Servers); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	p.ready.Store(true)

	p.logger.Info("MCP proxy started",
		"name", p.settings.Name,
		"servers", len(cfg.Servers),
		"gateway", p.gateway != nil,
	)
	return nil
}

// Run starts the proxy and serves HTTP until ctx is cancelled, then shuts
// everything down.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", p.settings.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.settings.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Serve(gctx, listener) })
	g.Go(func() error { return p.health.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Serve serves the HTTP surface on listener until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("MCP proxy listening", "addr", listener.Addr().String())
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	p.logger.Info("Shutting down HTTP server...")
	p.ready.Store(false)

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		// open event streams keep Shutdown waiting
		p.logger.Warn("Failed to shutdown HTTP server gracefully, closing", "error", err)
		httpServer.Close()
	} else {
		p.logger.Info("HTTP server shutdown successfully")
	}
	return nil
}

// Reload applies a new configuration. Server definitions are replaced
// atomically; listener and engine settings keep their startup values.
func (p *Proxy) Reload(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := setConfigDefaults(cfg); err != nil {
		return fmt.Errorf("failed to set config defaults: %w", err)
	}
	if cfg.Proxy.Address() != p.Config().Proxy.Address() {
		p.logger.Warn("Listen address changes need a restart", "addr", cfg.Proxy.Address())
	}

	if err := p.registry.Apply(ctx, cfg.Servers); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	p.logger.Info("Configuration reloaded", "servers", len(cfg.Servers))
	return nil
}

// ReloadFromFile parses the configuration file again and applies it.
func (p *Proxy) ReloadFromFile(ctx context.Context) error {
	if p.configFile == "" {
		return errors.New("proxy was not created from a config file")
	}

	cfg, err := ParseConfig(p.configFile, p.logger)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return p.Reload(ctx, cfg)
}

// Close stops every backend. It is safe to call more than once.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		p.ready.Store(false)
		p.registry.Close()
		p.logger.Info("MCP proxy stopped")
	})
}

// Handler returns the HTTP surface.
func (p *Proxy) Handler() http.Handler {
	return p.handler
}

// Config returns the configuration currently applied.
func (p *Proxy) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Ready reports whether the configuration has been applied.
func (p *Proxy) Ready() bool {
	return p.ready.Load()
}

func (p *Proxy) Registry() *Registry {
	return p.registry
}

func (p *Proxy) Bridge() *Bridge {
	return p.bridge
}

func (p *Proxy) Health() *Aggregator {
	return p.health
}

// Gateway returns the aggregated MCP endpoint, or nil when it is disabled.
func (p *Proxy) Gateway() *Gateway {
	return p.gateway
}

func (p *Proxy) Metrics() *Metrics {
	return p.metrics
}
