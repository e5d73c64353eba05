package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/reporter"
)

// OriginHeader identifies the process pushing legacy metrics.
const OriginHeader = "X-Origin-Id"

// maxPushBytes bounds a decoded legacy push body.
const maxPushBytes = 32 << 20

// ReadinessChecker reports whether the agent is ready to serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// SnapshotProvider returns the latest node snapshot for debugging.
type SnapshotProvider interface {
	LatestSnapshot() interface{}
}

// ErrorLister returns the currently active agent errors.
type ErrorLister interface {
	GetActiveErrors() []errors.AgentError
}

// LegacyIngester accepts legacy metric pushes.
type LegacyIngester interface {
	ReportLegacyMetrics(ctx context.Context, origin string, payload []byte) error
}

// Deps are the collaborators served by a Server. Exported may be nil when
// metric export is off; Ingester may be nil to disable the push endpoint.
type Deps struct {
	Metrics   *observability.Metrics
	Exported  prometheus.Gatherer
	Readiness ReadinessChecker
	Snapshot  SnapshotProvider
	Errors    ErrorLister
	Ingester  LegacyIngester
	Logger    *slog.Logger
}

// Server exposes health, readiness, metrics, legacy push and debug endpoints.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and debug endpoints are registered.
func NewServer(port int, deps Deps, enableDebug bool) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "health"),
	}

	gatherers := prometheus.Gatherers{deps.Metrics.Registry}
	if deps.Exported != nil {
		gatherers = append(gatherers, deps.Exported)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	if deps.Ingester != nil {
		mux.HandleFunc("/api/v1/metrics/push", s.handlePush)
	}

	if enableDebug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		mux.HandleFunc("/debug/snapshot", s.handleDebugSnapshot)
		mux.HandleFunc("/debug/errors", s.handleDebugErrors)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        gzhttp.GzipHandler(mux),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server exited", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.deps.Readiness.IsReady()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

// handlePush accepts a protobuf-delimited MetricFamily stream, optionally
// gzip or zstd encoded.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := decodeBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	origin := r.Header.Get(OriginHeader)
	if err := s.deps.Ingester.ReportLegacyMetrics(r.Context(), origin, body); err != nil {
		code := http.StatusBadRequest
		if stderrors.Is(err, reporter.ErrLegacyPushDisabled) {
			code = http.StatusConflict
		}
		s.logger.Debug("rejected legacy push", "origin", origin, "error", err)
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body
	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer zr.Close()
		src = zr
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		defer zr.Close()
		src = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}

	body, err := io.ReadAll(io.LimitReader(src, maxPushBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxPushBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxPushBytes)
	}
	return body, nil
}

func (s *Server) handleDebugSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Snapshot.LatestSnapshot()
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	active := []errors.AgentError{}
	if s.deps.Errors != nil {
		active = append(active, s.deps.Errors.GetActiveErrors()...)
	}
	writeJSON(w, http.StatusOK, active)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
