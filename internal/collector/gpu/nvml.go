//go:build linux && cgo

package gpu

import (
	"fmt"
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/utils/ptr"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

const mb = 1024 * 1024

// New returns a Collector backed by the NVML shared library.
func New(logger *slog.Logger) *Collector {
	return newCollector(&nvmlBackend{
		newLib: func() nvml.Interface { return nvml.New() },
		logger: logger,
	}, logger)
}

type nvmlBackend struct {
	newLib func() nvml.Interface
	logger *slog.Logger
}

// sample initialises NVML, scans every device and shuts NVML down again.
// Devices whose handle or memory cannot be read are skipped.
func (b *nvmlBackend) sample() ([]model.GPUInfo, error) {
	lib := b.newLib()
	if ret := lib.Init(); ret != nvml.SUCCESS {
		if ret == nvml.ERROR_DRIVER_NOT_LOADED || ret == nvml.ERROR_LIBRARY_NOT_FOUND {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ret)
		}
		return nil, fmt.Errorf("nvml init: %w", ret)
	}
	defer lib.Shutdown()

	count, ret := lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %w", ret)
	}

	gpus := make([]model.GPUInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := b.device(lib, i)
		if err != nil {
			b.logger.Debug("failed to read gpu", "index", i, "error", err)
			continue
		}
		gpus = append(gpus, info)
	}
	return gpus, nil
}

func (b *nvmlBackend) device(lib nvml.Interface, index int) (model.GPUInfo, error) {
	dev, ret := lib.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return model.GPUInfo{}, fmt.Errorf("handle: %w", ret)
	}
	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return model.GPUInfo{}, fmt.Errorf("memory info: %w", ret)
	}

	info := model.GPUInfo{
		Index:         index,
		MemoryUsedMB:  mem.Used / mb,
		MemoryTotalMB: mem.Total / mb,
	}
	if name, ret := dev.GetName(); ret == nvml.SUCCESS {
		info.Name = name
	}
	if uuid, ret := dev.GetUUID(); ret == nvml.SUCCESS {
		info.UUID = uuid
	}

	util, ret := dev.GetUtilizationRates()
	if ret == nvml.SUCCESS {
		info.UtilizationGPU = ptr.To(float64(util.Gpu))
	} else {
		b.logger.Debug("gpu utilization unavailable", "index", index, "error", ret)
	}

	procs, err := runningProcesses(dev)
	if err != nil {
		b.logger.Debug("gpu process list unavailable", "index", index, "error", err)
	} else {
		info.Processes = procs
	}
	return info, nil
}

// runningProcesses lists compute and graphics processes. Either call failing
// makes the whole list unknown.
func runningProcesses(dev nvml.Device) ([]model.GPUProcess, error) {
	compute, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("compute processes: %w", ret)
	}
	graphics, ret := dev.GetGraphicsRunningProcesses()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("graphics processes: %w", ret)
	}

	out := make([]model.GPUProcess, 0, len(compute)+len(graphics))
	for _, p := range append(compute, graphics...) {
		out = append(out, model.GPUProcess{PID: p.Pid, GPUMemoryUsageMB: p.UsedGpuMemory / mb})
	}
	return out, nil
}
