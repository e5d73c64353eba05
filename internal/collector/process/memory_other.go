//go:build !linux

package process

import (
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

func sharedMemory(*process.Process) uint64 { return 0 }

func fullMemory(*process.Process) *model.MemoryFullInfo { return nil }
