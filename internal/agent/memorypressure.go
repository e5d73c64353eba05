package agent

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStatsProvider struct{}

func (runtimeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// currentMemoryLimit reads GOMEMLIMIT without changing it.
func currentMemoryLimit() int64 {
	return debug.SetMemoryLimit(-1)
}

// MemoryPressureMonitor polls runtime.MemStats and invokes a shedding
// callback while non-released memory exceeds threshold * GOMEMLIMIT.
// Relayed peer batches are the only unbounded state the agent holds, so the
// callback normally drops them.
type MemoryPressureMonitor struct {
	threshold float64
	interval  time.Duration
	shed      func(ratio float64)
	provider  MemStatsProvider
	limit     func() int64
	logger    *slog.Logger
}

// NewMemoryPressureMonitor creates a monitor. If provider is nil the real
// runtime.ReadMemStats is used.
func NewMemoryPressureMonitor(threshold float64, interval time.Duration, shed func(ratio float64), provider MemStatsProvider, logger *slog.Logger) *MemoryPressureMonitor {
	if provider == nil {
		provider = runtimeMemStatsProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryPressureMonitor{
		threshold: threshold,
		interval:  interval,
		shed:      shed,
		provider:  provider,
		limit:     currentMemoryLimit,
		logger:    logger.With("component", "memory-pressure"),
	}
}

// Run polls until ctx is cancelled.
func (m *MemoryPressureMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ratio, over := m.check(); over {
				m.logger.Warn("memory pressure detected, shedding relayed metrics", "ratio", ratio)
				m.shed(ratio)
			}
		}
	}
}

// check returns the usage ratio against GOMEMLIMIT and whether it exceeds
// the threshold. Without a limit it never reports pressure.
func (m *MemoryPressureMonitor) check() (float64, bool) {
	limit := m.limit()
	if limit <= 0 {
		return 0, false
	}

	var stats runtime.MemStats
	m.provider.ReadMemStats(&stats)

	usage := stats.Sys - stats.HeapReleased
	ratio := float64(usage) / float64(limit)
	return ratio, ratio > m.threshold
}
