package health

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/reporter"
)

// --- Mock implementations ---

type mockReadiness struct {
	ready bool
}

func (m *mockReadiness) IsReady() bool { return m.ready }

type mockSnapshot struct {
	data interface{}
}

func (m *mockSnapshot) LatestSnapshot() interface{} { return m.data }

type mockErrors struct {
	active []errors.AgentError
}

func (m *mockErrors) GetActiveErrors() []errors.AgentError { return m.active }

type mockIngester struct {
	origin  string
	payload []byte
	err     error
}

func (m *mockIngester) ReportLegacyMetrics(_ context.Context, origin string, payload []byte) error {
	m.origin = origin
	m.payload = payload
	return m.err
}

// --- Helper to build a test server's mux ---

func newTestServer(ready bool, snapshot interface{}, ingester LegacyIngester) *Server {
	return NewServer(0, Deps{
		Metrics:   observability.NewMetrics(),
		Readiness: &mockReadiness{ready: ready},
		Snapshot:  &mockSnapshot{data: snapshot},
		Errors: &mockErrors{active: []errors.AgentError{
			{Code: errors.ErrGPUUnavailable, Message: "nvml: driver not loaded", Component: "snapshot"},
		}},
		Ingester: ingester,
	}, true)
}

func serve(srv *Server, req *http.Request) *http.Response {
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w.Result()
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv := newTestServer(true, nil, nil)
	resp := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var result map[string]string
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if result["status"] != "ok" {
		t.Fatalf("expected status=ok, got %s", result["status"])
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		ready bool
		code  int
	}{
		{ready: true, code: http.StatusOK},
		{ready: false, code: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		srv := newTestServer(tt.ready, nil, nil)
		resp := serve(srv, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if resp.StatusCode != tt.code {
			t.Fatalf("ready=%v: expected %d, got %d", tt.ready, tt.code, resp.StatusCode)
		}
		var result map[string]bool
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		resp.Body.Close()
		if result["ready"] != tt.ready {
			t.Fatalf("expected ready=%v", tt.ready)
		}
	}
}

func TestMetricsServesSelfAndExported(t *testing.T) {
	exported := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ray", Name: "node_cpu_utilization", Help: "cpu"})
	g.Set(12.5)
	exported.MustRegister(g)

	metrics := observability.NewMetrics()
	metrics.CyclesTotal.WithLabelValues("success").Inc()
	srv := NewServer(0, Deps{
		Metrics:   metrics,
		Exported:  exported,
		Readiness: &mockReadiness{ready: true},
		Snapshot:  &mockSnapshot{},
	}, false)

	resp := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"node_reporter_cycles_total", "ray_node_cpu_utilization 12.5"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestMetricsGzip(t *testing.T) {
	srv := newTestServer(true, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	resp := serve(srv, req)
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", got)
	}
}

func TestPushForwardsOriginAndPayload(t *testing.T) {
	ing := &mockIngester{}
	srv := newTestServer(true, nil, ing)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/push", bytes.NewReader([]byte("payload")))
	req.Header.Set(OriginHeader, "worker-7")
	resp := serve(srv, req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if ing.origin != "worker-7" || string(ing.payload) != "payload" {
		t.Fatalf("unexpected ingest origin=%q payload=%q", ing.origin, ing.payload)
	}
}

func TestPushZstdBody(t *testing.T) {
	ing := &mockIngester{}
	srv := newTestServer(true, nil, ing)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write([]byte("compressed payload")); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/push", &buf)
	req.Header.Set("Content-Encoding", "zstd")
	resp := serve(srv, req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if string(ing.payload) != "compressed payload" {
		t.Fatalf("unexpected payload %q", ing.payload)
	}
}

func TestPushRejections(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		encoding string
		err      error
		code     int
	}{
		{name: "wrong method", method: http.MethodGet, code: http.StatusMethodNotAllowed},
		{name: "unknown encoding", method: http.MethodPost, encoding: "br", code: http.StatusBadRequest},
		{name: "otel mode", method: http.MethodPost, err: reporter.ErrLegacyPushDisabled, code: http.StatusConflict},
		{name: "bad payload", method: http.MethodPost, err: io.ErrUnexpectedEOF, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(true, nil, &mockIngester{err: tt.err})
			req := httptest.NewRequest(tt.method, "/api/v1/metrics/push", strings.NewReader("x"))
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			resp := serve(srv, req)
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, resp.StatusCode)
			}
		})
	}
}

func TestPushDisabledWithoutIngester(t *testing.T) {
	srv := newTestServer(true, nil, nil)
	resp := serve(srv, httptest.NewRequest(http.MethodPost, "/api/v1/metrics/push", nil))
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDebugSnapshotNoData(t *testing.T) {
	srv := newTestServer(true, nil, nil)
	resp := serve(srv, httptest.NewRequest(http.MethodGet, "/debug/snapshot", nil))
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestDebugSnapshotWithData(t *testing.T) {
	snapshot := map[string]interface{}{
		"hostname": "node-a",
		"cpu":      12.5,
	}
	srv := newTestServer(true, snapshot, nil)
	resp := serve(srv, httptest.NewRequest(http.MethodGet, "/debug/snapshot", nil))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if result["hostname"] != "node-a" {
		t.Fatalf("expected hostname=node-a, got %v", result["hostname"])
	}
}

func TestDebugErrors(t *testing.T) {
	srv := newTestServer(true, nil, nil)
	resp := serve(srv, httptest.NewRequest(http.MethodGet, "/debug/errors", nil))
	defer resp.Body.Close()

	var result []errors.AgentError
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(result) != 1 || result[0].Code != errors.ErrGPUUnavailable {
		t.Fatalf("unexpected errors %+v", result)
	}
}

func TestDebugEndpointsDisabled(t *testing.T) {
	srv := NewServer(0, Deps{
		Metrics:   observability.NewMetrics(),
		Readiness: &mockReadiness{ready: true},
		Snapshot:  &mockSnapshot{data: map[string]string{"key": "val"}},
	}, false)

	for _, path := range []string{"/debug/snapshot", "/debug/errors"} {
		resp := serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s when debug disabled, got %d", path, resp.StatusCode)
		}
	}

	resp := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", resp.StatusCode)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(0, Deps{
		Metrics:   observability.NewMetrics(),
		Readiness: &mockReadiness{ready: true},
		Snapshot:  &mockSnapshot{},
	}, false)

	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("failed to reach server: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
}
