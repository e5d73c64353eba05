//go:build linux

package process

import (
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

func sharedMemory(p *process.Process) uint64 {
	ex, err := p.MemoryInfoEx()
	if err != nil {
		return 0
	}
	return ex.Shared
}

// fullMemory computes the unique set size from the grouped smaps totals,
// which gopsutil reports in KiB.
func fullMemory(p *process.Process) *model.MemoryFullInfo {
	maps, err := p.MemoryMaps(true)
	if err != nil || maps == nil || len(*maps) == 0 {
		return nil
	}
	var uss uint64
	for _, m := range *maps {
		uss += (m.PrivateClean + m.PrivateDirty) * 1024
	}
	return &model.MemoryFullInfo{USS: uss}
}
