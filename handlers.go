package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	requestIDHeader = "X-Request-Id"

	// maxRequestBody caps POST /{server} bodies.
	maxRequestBody = 4 << 20
)

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type serverEntry struct {
	Name           string        `json:"name"`
	Type           TransportKind `json:"type"`
	Enabled        bool          `json:"enabled"`
	DisabledReason string        `json:"disabledReason,omitempty"`
}

type indexResponse struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	Servers   []serverEntry `json:"servers"`
	Endpoints []string      `json:"endpoints"`
}

type toolsResponse struct {
	Server string           `json:"server"`
	Tools  []ToolDescriptor `json:"tools"`
}

type invokeRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type invokeResponse struct {
	Server string          `json:"server"`
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (p *Proxy) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", p.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", p.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readiness", p.handleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/liveness", p.handleLiveness).Methods(http.MethodGet)
	r.Handle("/metrics", p.metrics.Handler()).Methods(http.MethodGet)

	if p.gateway != nil {
		r.HandleFunc(gatewaySSEPath, p.handleGatewayStream).Methods(http.MethodGet)
		r.Handle(gatewayMessagePath, p.gateway.MessageHandler()).Methods(http.MethodPost)
	}

	servers := r.NewRoute().Subrouter()
	servers.Use(p.limitConcurrency)
	servers.HandleFunc("/{server}", p.handleListTools).Methods(http.MethodGet)
	servers.HandleFunc("/{server}", p.handleInvokeTool).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(p.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(p.handleMethodNotAllowed)

	// Outside the router so preflights and unmatched routes get them too.
	return p.withRequestID(p.withCORS(p.withLogging(r)))
}

func (p *Proxy) handleIndex(w http.ResponseWriter, r *http.Request) {
	resp := indexResponse{
		Name:      p.settings.Name,
		Version:   p.settings.Version,
		Servers:   []serverEntry{},
		Endpoints: []string{},
	}

	for _, name := range p.registry.Names() {
		def, ok := p.registry.Definition(name)
		if !ok {
			continue
		}
		resp.Servers = append(resp.Servers, serverEntry{
			Name:           def.Name,
			Type:           def.Type,
			Enabled:        def.Enabled(),
			DisabledReason: def.DisabledReason(),
		})
		if def.Enabled() {
			resp.Endpoints = append(resp.Endpoints, "/"+def.Name)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.health.Report())
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := p.health.Report()

	servers := make(map[string]HealthState, len(report.Servers))
	for _, st := range report.Servers {
		servers[st.Name] = st.Health.State
	}

	status := http.StatusOK
	if report.Status == overallUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  report.Status,
		"servers": servers,
	})
}

func (p *Proxy) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !p.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (p *Proxy) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleGatewayStream serves the current tool set at once and kicks off a
// refresh; the client is told about changes through tools/list_changed.
func (p *Proxy) handleGatewayStream(w http.ResponseWriter, r *http.Request) {
	p.gateway.Refresh()
	p.gateway.SSEHandler().ServeHTTP(w, r)
}

func (p *Proxy) handleListTools(w http.ResponseWriter, r *http.Request) {
	server := mux.Vars(r)["server"]

	tools, err := p.bridge.ListTools(r.Context(), server)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toolsResponse{Server: server, Tools: tools})
}

func (p *Proxy) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	server := mux.Vars(r)["server"]

	var req invokeRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		p.writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", ErrBadRequest, err))
		return
	}
	if req.Tool == "" {
		p.writeError(w, r, fmt.Errorf("%w: missing 'tool' parameter", ErrBadRequest))
		return
	}

	result, err := p.bridge.InvokeTool(r.Context(), server, req.Tool, req.Arguments)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, invokeResponse{Server: server, Tool: req.Tool, Result: result})
}

func (p *Proxy) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeErrorBody(w, http.StatusNotFound, KindNotFound, "not found: "+r.URL.Path)
}

func (p *Proxy) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeErrorBody(w, http.StatusMethodNotAllowed, KindMethodNotAllowed, "method not allowed: "+r.Method)
}

// writeError renders err as a structured error body. The full error only
// goes to the log.
func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)

	level := slog.LevelWarn
	if kind == KindInternal {
		level = slog.LevelError
	}
	p.logger.Log(r.Context(), level, "Request failed",
		"request_id", RequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"kind", kind,
		"error", err,
	)

	writeErrorBody(w, status, kind, publicMessage(err))
}

func writeErrorBody(w http.ResponseWriter, status int, kind ErrorKind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// limitConcurrency bounds in-flight list and invoke requests. Requests over
// the limit wait for a slot until the client goes away.
func (p *Proxy) limitConcurrency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.limiter.Acquire(r.Context(), 1); err != nil {
			p.writeError(w, r, fmt.Errorf("%w: request cancelled while waiting for a slot", ErrUnavailable))
			return
		}
		defer p.limiter.Release(1)

		next.ServeHTTP(w, r)
	})
}

func (p *Proxy) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (p *Proxy) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (p *Proxy) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := p.metrics.trackRequest()
		defer done()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		p.logger.Log(r.Context(), level, "HTTP request",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the status code. It keeps Flush working for the
// event stream of the aggregated endpoint.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
