// Package gpu samples NVIDIA GPUs through NVML.
package gpu

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// ErrUnavailable is returned by a backend when GPU sampling cannot work on
// this node for the lifetime of the process (no driver, no library, no cgo).
var ErrUnavailable = errors.New("gpu: nvml unavailable")

// backend performs one full device scan.
type backend interface {
	sample() ([]model.GPUInfo, error)
}

// Collector samples all GPUs on the node. After an ErrUnavailable it stops
// calling into the backend for the rest of its lifetime.
type Collector struct {
	backend backend
	logger  *slog.Logger

	mu       sync.Mutex
	disabled bool
}

func newCollector(b backend, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{backend: b, logger: logger.With("component", "collector.gpu")}
}

// Disabled reports whether GPU sampling has been turned off.
func (c *Collector) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Sample returns one entry per readable device, or an empty list.
func (c *Collector) Sample() []model.GPUInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return []model.GPUInfo{}
	}
	gpus, err := c.backend.sample()
	if errors.Is(err, ErrUnavailable) {
		c.disabled = true
		c.logger.Info("gpu sampling disabled", "reason", err)
		return []model.GPUInfo{}
	}
	if err != nil {
		c.logger.Debug("failed to sample gpus", "error", err)
		return []model.GPUInfo{}
	}
	if gpus == nil {
		gpus = []model.GPUInfo{}
	}
	return gpus
}
