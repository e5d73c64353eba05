//go:build !linux || !cgo

package gpu

import (
	"fmt"
	"log/slog"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// New returns a Collector that is disabled on first use, since NVML needs
// cgo on linux.
func New(logger *slog.Logger) *Collector {
	return newCollector(stubBackend{}, logger)
}

type stubBackend struct{}

func (stubBackend) sample() ([]model.GPUInfo, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrUnavailable)
}
