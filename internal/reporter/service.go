// Package reporter is the inbound surface of the agent: legacy metric push
// from peer processes, OTLP metric export and delegated profiling.
package reporter

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/kubeadapt/node-reporter/internal/config"
	"github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/export"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/profiling"
)

const component = "reporter"

// ErrLegacyPushDisabled is returned for legacy pushes while the agent
// exports through the OTel recorder.
var ErrLegacyPushDisabled = stderrors.New("legacy metric push is not accepted in otel export mode")

// Profiler runs delegated profiling requests.
type Profiler interface {
	Traceback(ctx context.Context, req profiling.Request) profiling.Result
	CPU(ctx context.Context, req profiling.Request) profiling.Result
	GPU(ctx context.Context, req profiling.Request) profiling.Result
	Memory(ctx context.Context, req profiling.Request) profiling.Result
}

// Service implements the reporter operations independent of transport.
type Service struct {
	relay          *export.Relay
	legacyEnabled  bool
	metricsEnabled bool
	profiler       Profiler
	errors         *errors.ErrorCollector
	metrics        *observability.Metrics
	logger         *slog.Logger
}

// NewService creates a Service. relay receives legacy pushes; errs and
// metrics may be nil.
func NewService(cfg config.Config, relay *export.Relay, profiler Profiler, errs *errors.ErrorCollector, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		relay:          relay,
		legacyEnabled:  cfg.ExportMode == config.ExportLegacy,
		metricsEnabled: !cfg.MetricsCollectionDisabled,
		profiler:       profiler,
		errors:         errs,
		metrics:        metrics,
		logger:         logger.With("component", component),
	}
}

// ReportLegacyMetrics stores a protobuf-delimited MetricFamily batch pushed
// by origin. It is a no-op while metrics collection is disabled.
func (s *Service) ReportLegacyMetrics(_ context.Context, origin string, payload []byte) error {
	if !s.metricsEnabled {
		return nil
	}
	if !s.legacyEnabled || s.relay == nil {
		s.countIngest("error")
		return ErrLegacyPushDisabled
	}
	if err := s.relay.Ingest(origin, payload); err != nil {
		s.countIngest("error")
		s.errors.ReportError(errors.ErrIngestFailed, component, err)
		return err
	}
	s.countIngest("success")
	return nil
}

// GetTraceback dumps the stacks of pid.
func (s *Service) GetTraceback(ctx context.Context, pid int32, native bool) profiling.Result {
	return s.profile(profiling.KindTraceback, pid, func() profiling.Result {
		return s.profiler.Traceback(ctx, profiling.Request{PID: pid, Native: native})
	})
}

// CPUProfiling profiles pid's CPU usage for duration.
func (s *Service) CPUProfiling(ctx context.Context, pid int32, duration time.Duration, format string, native bool) profiling.Result {
	return s.profile(profiling.KindCPU, pid, func() profiling.Result {
		return s.profiler.CPU(ctx, profiling.Request{PID: pid, Duration: duration, Format: format, Native: native})
	})
}

// GPUProfiling profiles numIterations iterations of pid's GPU work.
func (s *Service) GPUProfiling(ctx context.Context, pid int32, numIterations int) profiling.Result {
	return s.profile(profiling.KindGPU, pid, func() profiling.Result {
		return s.profiler.GPU(ctx, profiling.Request{PID: pid, Iterations: numIterations})
	})
}

// MemoryProfiling profiles pid's allocations for duration.
func (s *Service) MemoryProfiling(ctx context.Context, pid int32, duration time.Duration, format string, leaks, native bool) profiling.Result {
	return s.profile(profiling.KindMemory, pid, func() profiling.Result {
		return s.profiler.Memory(ctx, profiling.Request{PID: pid, Duration: duration, Format: format, Leaks: leaks, Native: native})
	})
}

func (s *Service) profile(kind profiling.Kind, pid int32, fn func() profiling.Result) profiling.Result {
	if s.profiler == nil {
		return profiling.Result{Output: "profiling is not available on this node"}
	}
	s.logger.Info("profiling request", "kind", kind, "pid", pid)
	res := fn()
	if !res.Success {
		s.errors.ReportError(errors.ErrProfilingFailed, string(kind), stderrors.New(res.Output))
	}
	return res
}

func (s *Service) countIngest(result string) {
	if s.metrics != nil {
		s.metrics.IngestBatches.WithLabelValues("legacy", result).Inc()
	}
}
