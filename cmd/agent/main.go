package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"
	"k8s.io/utils/clock"

	"github.com/kubeadapt/node-reporter/internal/agent"
	"github.com/kubeadapt/node-reporter/internal/collector/gpu"
	"github.com/kubeadapt/node-reporter/internal/collector/host"
	"github.com/kubeadapt/node-reporter/internal/collector/process"
	"github.com/kubeadapt/node-reporter/internal/collector/tpu"
	"github.com/kubeadapt/node-reporter/internal/config"
	"github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/export"
	"github.com/kubeadapt/node-reporter/internal/health"
	"github.com/kubeadapt/node-reporter/internal/kv"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/profiling"
	"github.com/kubeadapt/node-reporter/internal/records"
	"github.com/kubeadapt/node-reporter/internal/reporter"
	"github.com/kubeadapt/node-reporter/internal/snapshot"
	"github.com/kubeadapt/node-reporter/internal/transport"
)

func main() {
	// 1. Load config, apply flag overrides and validate.
	cfg := config.Load()
	if err := applyFlags(&cfg, os.Args[1:]); err != nil {
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("node-reporter starting",
		"version", cfg.Version,
		"node_id", cfg.NodeID,
		"node_ip", cfg.NodeIP,
		"primary", cfg.IsPrimary(),
		"export_mode", cfg.ExportMode,
		"update_interval", cfg.UpdateInterval,
	)

	// 3. Create shared infrastructure.
	logger := slog.Default()
	clk := clock.RealClock{}
	metrics := observability.NewMetrics()
	errCollector := errors.NewErrorCollector(clk)

	store, err := kv.Open(cfg.KVURL, cfg.KVTimeout)
	if err != nil {
		slog.Error("failed to open kv store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 4. Export pipeline. A failed exporter leaves the agent running with
	// metric export off.
	relay := export.NewRelay(cfg.RelayTTL, clk, logger)
	var exporter export.Exporter
	if !cfg.MetricsCollectionDisabled {
		exporter, err = export.New(cfg, relay, logger)
		if err != nil {
			slog.Error("failed to start metrics exporter, continuing with metrics disabled", "error", err)
			errCollector.ReportError(errors.ErrExportFailed, "main", err)
			cfg.MetricsCollectionDisabled = true
			exporter = nil
		}
	}

	// 5. Samplers and snapshot builder.
	tracker := process.NewTracker(process.OSSource{}, cfg.SupervisorMarker, logger)
	hostSampler := host.NewSampler(host.Options{
		InContainer:        host.InContainer(),
		InKubernetes:       config.InKubernetes(),
		EnableK8sDiskUsage: cfg.EnableK8sDiskUsage,
		Logger:             logger,
	})
	tpuCollector := tpu.NewCollector(transport.NewClient(transport.DefaultTimeout, 2, logger), cfg.TPUDevicePluginAddr, logger)
	builder := snapshot.NewBuilder(cfg.NodeIP, cfg.IsPrimary(), snapshot.Deps{
		Host:    hostSampler,
		Tracker: tracker,
		GPU:     gpu.New(logger),
		TPU:     tpuCollector,
		Metrics: metrics,
		Errors:  errCollector,
		Logger:  logger,
	})
	generator := records.NewGenerator(records.GeneratorConfig{
		IP:           cfg.NodeIP,
		IsPrimary:    cfg.IsPrimary(),
		WorkerPrefix: cfg.WorkerPrefix,
	})

	// 6. Agent.
	ag := agent.NewAgent(cfg, agent.Deps{
		KV:        store,
		Snapshots: builder,
		Generator: generator,
		Exporter:  exporter,
		Relay:     relay,
		State:     agent.NewStateMachine(clk),
		Errors:    errCollector,
		Metrics:   metrics,
		Clock:     clk,
		Logger:    logger,
	})

	// 7. Inbound surface: health/metrics/push over HTTP, OTLP over gRPC.
	profiler := profiling.New(profiling.Commands{
		TraceDump: cfg.TraceDumpCmd,
		CPU:       cfg.CPUProfileCmd,
		GPU:       cfg.GPUProfileCmd,
		Memory:    cfg.MemoryProfileCmd,
	}, cfg.LogDir, nil, metrics, logger)
	service := reporter.NewService(cfg, relay, profiler, errCollector, metrics, logger)

	healthDeps := health.Deps{
		Metrics:   metrics,
		Readiness: ag,
		Snapshot:  ag,
		Errors:    errCollector,
		Ingester:  service,
		Logger:    logger,
	}
	if exporter != nil {
		healthDeps.Exported = exporter.Gatherer()
	}
	healthSrv := health.NewServer(cfg.MetricsPort, healthDeps, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	var grpcSrv *reporter.GRPCServer
	if cfg.GRPCPort > 0 {
		var receiver *export.Receiver
		if rec, ok := exporter.(*export.Recorder); ok {
			receiver = export.NewReceiver(rec, metrics, errCollector, logger)
		}
		grpcSrv = reporter.NewGRPCServer(cfg.GRPCPort, receiver, logger)
		if err := grpcSrv.Start(); err != nil {
			slog.Error("failed to start grpc server", "error", err)
			os.Exit(1)
		}
	}

	// 8. Start memory pressure monitor. Relayed peer batches are dropped
	// under pressure and repopulate on the next push.
	memMon := agent.NewMemoryPressureMonitor(0.8, 30*time.Second, func(ratio float64) {
		dropped := relay.Reset()
		metrics.RelayOrigins.Set(0)
		debug.FreeOSMemory()
		slog.Warn("dropped relayed metrics under memory pressure", "origins", dropped, "ratio", ratio)
	}, nil, logger)
	go memMon.Run(ctx)

	// 9. Run agent (blocks until context is canceled).
	if err := ag.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "error", err)
	}

	// 10. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if grpcSrv != nil {
		grpcSrv.Stop(shutdownCtx)
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	if rec, ok := exporter.(*export.Recorder); ok {
		if err := rec.Shutdown(shutdownCtx); err != nil {
			slog.Error("meter provider shutdown error", "error", err)
		}
	}

	slog.Info("node-reporter stopped")
}
