package proxy

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	serverStatus   *prometheus.GaugeVec
	processRunning *prometheus.GaugeVec
	restartCount   *prometheus.GaugeVec
	processUptime  *prometheus.GaugeVec
	toolCalls      *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	inflight       prometheus.Gauge
}

// NewMetrics registers the proxy collectors, plus the Go runtime and process
// collectors, on a private registry.
func NewMetrics() *Metrics {
	started := time.Now()

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serverStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpo_server_status",
			Help: "MCP server status (1=healthy, 0.5=degraded, 0=unhealthy)",
		}, []string{"server"}),
		processRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpo_process_running",
			Help: "Process running status (1=running, 0=stopped)",
		}, []string{"server"}),
		restartCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpo_process_restart_count",
			Help: "Process restart count",
		}, []string{"server"}),
		processUptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpo_process_uptime_seconds",
			Help: "Process uptime in seconds",
		}, []string{"server"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpo_tool_calls_total",
			Help: "Backend calls by server, method and outcome",
		}, []string{"server", "method", "kind"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpo_call_duration_seconds",
			Help:    "Backend call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpo_http_inflight_requests",
			Help: "HTTP requests currently being served",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mcpo_uptime_seconds",
			Help: "Proxy uptime in seconds",
		}, func() float64 { return time.Since(started).Seconds() }),
		m.serverStatus,
		m.processRunning,
		m.restartCount,
		m.processUptime,
		m.toolCalls,
		m.callDuration,
		m.inflight,
	)
	return m
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeCall(server, method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	kind := "ok"
	if err != nil {
		kind = string(KindOf(err))
	}
	m.toolCalls.WithLabelValues(server, method, kind).Inc()
	m.callDuration.WithLabelValues(server, method).Observe(elapsed.Seconds())
}

func (m *Metrics) setServerHealth(server string, state HealthState) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case HealthHealthy:
		value = 1
	case HealthDegraded:
		value = 0.5
	}
	m.serverStatus.WithLabelValues(server).Set(value)
}

func (m *Metrics) setProcess(server string, rec ProcessRecord) {
	if m == nil {
		return
	}
	running := 0.0
	if rec.Running {
		running = 1
	}
	m.processRunning.WithLabelValues(server).Set(running)
	m.processUptime.WithLabelValues(server).Set(rec.Uptime)
	m.restartCount.WithLabelValues(server).Set(float64(rec.RestartCount))
}

func (m *Metrics) setRestartCount(server string, n int) {
	if m == nil {
		return
	}
	m.restartCount.WithLabelValues(server).Set(float64(n))
}

// forget drops every series of a server that left the configuration.
func (m *Metrics) forget(server string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"server": server}
	m.serverStatus.DeletePartialMatch(labels)
	m.processRunning.DeletePartialMatch(labels)
	m.restartCount.DeletePartialMatch(labels)
	m.processUptime.DeletePartialMatch(labels)
	m.toolCalls.DeletePartialMatch(labels)
	m.callDuration.DeletePartialMatch(labels)
}

func (m *Metrics) trackRequest() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}
