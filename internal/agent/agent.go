package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/kubeadapt/node-reporter/internal/config"
	"github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/export"
	"github.com/kubeadapt/node-reporter/internal/kv"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/records"
	"github.com/kubeadapt/node-reporter/pkg/model"
)

const component = "agent"

// SnapshotBuilder samples the node into a snapshot.
type SnapshotBuilder interface {
	Build(ctx context.Context, coordinatorPID int32) *model.NodeStats
}

// RecordGenerator turns a snapshot into metric records.
type RecordGenerator interface {
	Generate(stats *model.NodeStats, cluster *model.ClusterStatus) (records.Batch, error)
}

// Deps are the collaborators of an Agent. Exporter and Relay may be nil.
type Deps struct {
	KV        kv.Store
	Snapshots SnapshotBuilder
	Generator RecordGenerator
	Exporter  export.Exporter
	Relay     *export.Relay
	State     *StateMachine
	Errors    *errors.ErrorCollector
	Metrics   *observability.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Agent runs the reporting loop: sample the node, export its metric records
// and publish the JSON snapshot to the KV store every interval.
type Agent struct {
	cfg        config.Config
	deps       Deps
	isPrimary  bool
	exporting  bool
	globalTags map[string]string
	sem        *semaphore.Weighted
	logger     *slog.Logger

	latestSnapshot atomic.Pointer[model.NodeStats]
	ready          atomic.Bool
}

// NewAgent creates an Agent. Metric export is skipped when collection is
// disabled in cfg or no exporter is supplied.
func NewAgent(cfg config.Config, deps Deps) *Agent {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.State == nil {
		deps.State = NewStateMachine(deps.Clock)
	}
	workers := cfg.ExecutorWorkers
	if workers < 1 {
		workers = 1
	}
	return &Agent{
		cfg:        cfg,
		deps:       deps,
		isPrimary:  cfg.IsPrimary(),
		exporting:  !cfg.MetricsCollectionDisabled && deps.Exporter != nil,
		globalTags: export.GlobalTags(cfg),
		sem:        semaphore.NewWeighted(int64(workers)),
		logger:     deps.Logger.With("component", component),
	}
}

// IsReady reports whether a snapshot has been published at least once.
func (a *Agent) IsReady() bool {
	return a.ready.Load()
}

// LatestSnapshot returns the most recent snapshot, or nil if none has been
// built yet.
func (a *Agent) LatestSnapshot() interface{} {
	snap := a.latestSnapshot.Load()
	if snap == nil {
		return nil
	}
	return snap
}

// State returns the agent's lifecycle state machine.
func (a *Agent) State() *StateMachine {
	return a.deps.State
}

// Run executes cycles until ctx is cancelled. A failed cycle is logged and
// reported, and the loop sleeps the normal interval before the next one.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("reporting loop started",
		"node", a.cfg.NodeID,
		"primary", a.isPrimary,
		"interval", a.cfg.UpdateInterval,
		"exporting", a.exporting,
	)
	defer a.deps.State.TransitionTo(StateStopped, "context cancelled")

	for {
		_ = a.runCycle(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("reporting loop stopped")
			return ctx.Err()
		case <-a.deps.Clock.After(a.cfg.UpdateInterval):
		}
	}
}

// runCycle performs one iteration. It never panics.
func (a *Agent) runCycle(ctx context.Context) (err error) {
	start := a.deps.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
		result := "success"
		if err != nil {
			result = "error"
			a.logger.Error("reporting cycle failed", "error", err)
			a.deps.Errors.ReportError(errors.ErrCycleFailed, component, err)
		} else {
			a.deps.Errors.Resolve(errors.ErrCycleFailed, component)
			a.ready.Store(true)
		}
		a.deps.Metrics.CycleDuration.Observe(a.deps.Clock.Since(start).Seconds())
		a.deps.Metrics.CyclesTotal.WithLabelValues(result).Inc()
		a.deps.State.HandleCycleResult(err)
	}()

	var (
		cluster        *model.ClusterStatus
		coordinatorPID int32
	)
	if a.isPrimary {
		cluster, coordinatorPID, err = a.fetchClusterState(ctx)
		if err != nil {
			return err
		}
	}

	payload, err := a.compose(ctx, cluster, coordinatorPID)
	if err != nil {
		return err
	}
	if err := a.publish(ctx, payload); err != nil {
		return err
	}
	a.cleanRelay()
	return nil
}

// fetchClusterState reads the autoscaler report and the coordinator pid.
// Absent keys are not errors; an unreachable store is.
func (a *Agent) fetchClusterState(ctx context.Context) (*model.ClusterStatus, int32, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.KVTimeout)
	defer cancel()

	raw, err := a.kvGet(ctx, kv.AutoscalingStatusKey)
	if err != nil {
		return nil, 0, err
	}
	var cluster *model.ClusterStatus
	if raw != nil {
		cluster, err = model.ParseAutoscalingStatus(raw)
		if err != nil {
			a.logger.Warn("ignoring malformed autoscaling status", "error", err)
			cluster = nil
		}
	}

	raw, err = a.kvGet(ctx, kv.CoordinatorPIDKey)
	if err != nil {
		return nil, 0, err
	}
	var pid int32
	if raw != nil {
		v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
		if err != nil {
			a.logger.Warn("ignoring malformed coordinator pid", "value", string(raw), "error", err)
		} else {
			pid = int32(v)
		}
	}

	a.deps.Errors.Resolve(errors.ErrKVUnreachable, component)
	return cluster, pid, nil
}

// kvGet returns nil without error for absent keys.
func (a *Agent) kvGet(ctx context.Context, key string) ([]byte, error) {
	raw, err := a.deps.KV.Get(ctx, key)
	switch {
	case stderrors.Is(err, kv.ErrNotFound):
		a.deps.Metrics.KVFetchTotal.WithLabelValues(key, "miss").Inc()
		return nil, nil
	case err != nil:
		a.deps.Metrics.KVFetchTotal.WithLabelValues(key, "error").Inc()
		a.deps.Errors.ReportError(errors.ErrKVUnreachable, component, err)
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	a.deps.Metrics.KVFetchTotal.WithLabelValues(key, "hit").Inc()
	return raw, nil
}

type composeResult struct {
	payload []byte
	err     error
}

// compose runs sampling and export on the bounded executor and waits for it.
func (a *Agent) compose(ctx context.Context, cluster *model.ClusterStatus, coordinatorPID int32) ([]byte, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	done := make(chan composeResult, 1)
	go func() {
		defer a.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- composeResult{err: fmt.Errorf("compose panicked: %v", r)}
			}
		}()
		payload, err := a.composeStats(ctx, cluster, coordinatorPID)
		done <- composeResult{payload: payload, err: err}
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) composeStats(ctx context.Context, cluster *model.ClusterStatus, coordinatorPID int32) ([]byte, error) {
	stats := a.deps.Snapshots.Build(ctx, coordinatorPID)
	if stats == nil {
		return nil, stderrors.New("snapshot builder returned no stats")
	}
	a.latestSnapshot.Store(stats)

	if a.exporting {
		a.exportRecords(ctx, stats, cluster)
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return payload, nil
}

// exportRecords hands the snapshot's records to the exporter. Records that
// failed generation are reported separately from export failures; neither
// stops the snapshot from being published.
func (a *Agent) exportRecords(ctx context.Context, stats *model.NodeStats, cluster *model.ClusterStatus) {
	batch, genErr := a.deps.Generator.Generate(stats, cluster)
	if genErr != nil {
		a.logger.Warn("record generation incomplete", "error", genErr)
		a.deps.Errors.ReportError(errors.ErrUndeclaredMetric, component, genErr)
	} else {
		a.deps.Errors.Resolve(errors.ErrUndeclaredMetric, component)
	}
	a.deps.Metrics.ExportRecords.Set(float64(len(batch.Records)))

	err := a.deps.Exporter.RecordAndExport(ctx, batch.Records, a.globalTags)
	a.deps.Exporter.Purge(batch.StaleComponents)
	if err != nil {
		a.logger.Error("metric export failed", "error", err, "records", len(batch.Records))
		a.deps.Errors.ReportError(errors.ErrExportFailed, component, err)
		return
	}
	a.deps.Errors.Resolve(errors.ErrExportFailed, component)
}

// publish writes the snapshot under the node's key.
func (a *Agent) publish(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.KVTimeout)
	defer cancel()

	start := a.deps.Clock.Now()
	err := a.deps.KV.Put(ctx, a.cfg.KeyPrefix+a.cfg.NodeID, payload)
	a.deps.Metrics.PublishDuration.Observe(a.deps.Clock.Since(start).Seconds())
	a.deps.Metrics.PublishSizeBytes.Observe(float64(len(payload)))
	if err != nil {
		a.deps.Metrics.PublishTotal.WithLabelValues("error").Inc()
		a.deps.Errors.ReportError(errors.ErrPublishFailed, component, err)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	a.deps.Metrics.PublishTotal.WithLabelValues("success").Inc()
	a.deps.Errors.Resolve(errors.ErrPublishFailed, component)
	return nil
}

func (a *Agent) cleanRelay() {
	if a.deps.Relay == nil {
		return
	}
	a.deps.Relay.CleanStale()
	a.deps.Metrics.RelayOrigins.Set(float64(a.deps.Relay.Origins()))
}
