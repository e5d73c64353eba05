// Package snapshot composes one point-in-time view of the node from the
// host sampler, the process tracker and the accelerator samplers.
package snapshot

import (
	"context"
	"log/slog"
	"time"

	agenterrors "github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/rate"
	"github.com/kubeadapt/node-reporter/pkg/model"
)

// HostSampler reads node-level resource usage.
type HostSampler interface {
	Hostname() string
	CPUPercent() float64
	CPUCounts() model.CPUCounts
	Memory() (model.MemoryStats, *uint64)
	DiskUsage() map[string]model.DiskUsage
	DiskIO() model.DiskIO
	Network() model.NetworkCounters
	LoadAvg() model.LoadAvg
	BootTime() float64
}

// ProcessTracker samples the supervisor, its workers and sibling components.
type ProcessTracker interface {
	Workers() []model.ProcessStats
	SupervisorStats() *model.ProcessStats
	AgentStats() *model.ProcessStats
	CoordinatorStats(pid int32) *model.ProcessStats
	Tracked() int
}

// GPUSampler samples GPU devices.
type GPUSampler interface {
	Sample() []model.GPUInfo
	Disabled() bool
}

// TPUSampler samples TPU chips.
type TPUSampler interface {
	Sample(ctx context.Context) []model.TPUInfo
	Disabled() bool
}

// Deps are the collaborators of a Builder. Metrics and Errors may be nil.
type Deps struct {
	Host    HostSampler
	Tracker ProcessTracker
	GPU     GPUSampler
	TPU     TPUSampler
	Metrics *observability.Metrics
	Errors  *agenterrors.ErrorCollector
	Logger  *slog.Logger
}

// Builder produces NodeStats. It owns the network and disk counter histories
// and is not safe for concurrent use.
type Builder struct {
	deps      Deps
	ip        string
	isPrimary bool
	logger    *slog.Logger
	now       func() time.Time

	network *rate.History
	disk    *rate.History
}

// NewBuilder returns a Builder reporting for the node at ip.
func NewBuilder(ip string, isPrimary bool, deps Deps) *Builder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Builder{
		deps:      deps,
		ip:        ip,
		isPrimary: isPrimary,
		logger:    deps.Logger.With("component", "snapshot"),
		now:       time.Now,
		network:   rate.NewHistory(rate.DefaultLimit),
		disk:      rate.NewHistory(rate.DefaultLimit),
	}
}

// Build samples everything once. coordinatorPID is only consulted on the
// primary node; 0 means unknown.
func (b *Builder) Build(ctx context.Context, coordinatorPID int32) *model.NodeStats {
	now := float64(b.now().UnixNano()) / 1e9

	network := b.deps.Host.Network()
	netSpeed := b.network.PushAndCompute(now, network.Counters())

	diskIO := b.deps.Host.DiskIO()
	diskSpeed := b.disk.PushAndCompute(now, diskIO.Counters())

	mem, shm := b.deps.Host.Memory()
	supervisor := b.deps.Tracker.SupervisorStats()
	b.recordSupervisor(supervisor != nil)

	stats := &model.NodeStats{
		Now:        now,
		Hostname:   b.deps.Host.Hostname(),
		IP:         b.ip,
		CPU:        b.deps.Host.CPUPercent(),
		CPUs:       b.deps.Host.CPUCounts(),
		Mem:        mem,
		Shm:        shm,
		Workers:    b.deps.Tracker.Workers(),
		Supervisor: supervisor,
		Agent:      b.deps.Tracker.AgentStats(),
		BootTime:   b.deps.Host.BootTime(),
		LoadAvg:    b.deps.Host.LoadAvg(),
		Disk:       b.deps.Host.DiskUsage(),
		DiskIO:     diskIO,
		DiskIOSpeed: model.DiskIOSpeed{
			ReadBytesPerSec:  diskSpeed[0],
			WriteBytesPerSec: diskSpeed[1],
			ReadIOPS:         diskSpeed[2],
			WriteIOPS:        diskSpeed[3],
		},
		GPUs:    b.sampleGPUs(),
		TPUs:    b.sampleTPUs(ctx),
		Network: network,
		NetworkSpeed: model.NetworkSpeed{
			SendBytesPerSec: netSpeed[0],
			RecvBytesPerSec: netSpeed[1],
		},
		Cmdline: []string{},
	}
	if supervisor != nil && supervisor.Cmdline != nil {
		stats.Cmdline = supervisor.Cmdline
	}
	if b.isPrimary {
		stats.Coordinator = b.deps.Tracker.CoordinatorStats(coordinatorPID)
	}

	if b.deps.Metrics != nil {
		b.deps.Metrics.TrackedWorkers.Set(float64(b.deps.Tracker.Tracked()))
	}
	return stats
}

func (b *Builder) sampleGPUs() []model.GPUInfo {
	if b.deps.GPU == nil {
		return []model.GPUInfo{}
	}
	gpus := b.deps.GPU.Sample()
	b.recordDisabled("gpu", agenterrors.ErrGPUUnavailable, b.deps.GPU.Disabled())
	if gpus == nil {
		return []model.GPUInfo{}
	}
	return gpus
}

func (b *Builder) sampleTPUs(ctx context.Context) []model.TPUInfo {
	if b.deps.TPU == nil {
		return []model.TPUInfo{}
	}
	tpus := b.deps.TPU.Sample(ctx)
	b.recordDisabled("tpu", agenterrors.ErrTPUUnavailable, b.deps.TPU.Disabled())
	if tpus == nil {
		return []model.TPUInfo{}
	}
	return tpus
}

// recordSupervisor reports a missing supervisor. Without it no worker can be
// sampled.
func (b *Builder) recordSupervisor(found bool) {
	if b.deps.Errors == nil {
		return
	}
	if found {
		b.deps.Errors.Resolve(agenterrors.ErrSamplingFailed, "collector.process")
		return
	}
	b.deps.Errors.Report(agenterrors.AgentError{
		Code:      agenterrors.ErrSamplingFailed,
		Component: "collector.process",
		Message:   "supervisor process not found, workers are not sampled",
	})
}

func (b *Builder) recordDisabled(sampler string, code agenterrors.Code, disabled bool) {
	if b.deps.Metrics != nil {
		v := 0.0
		if disabled {
			v = 1
		}
		b.deps.Metrics.SamplerDisabled.WithLabelValues(sampler).Set(v)
	}
	if disabled && b.deps.Errors != nil {
		b.deps.Errors.Report(agenterrors.AgentError{
			Code:      code,
			Component: "collector." + sampler,
			Message:   sampler + " sampling disabled for the lifetime of the agent",
		})
	}
}
