package model

// GPUInfo holds per-device GPU state sampled through NVML.
type GPUInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	UUID  string `json:"uuid"`
	// UtilizationGPU is nil when the device does not report utilization.
	UtilizationGPU *float64 `json:"utilization_gpu"`
	MemoryUsedMB   uint64   `json:"memory_used"`
	MemoryTotalMB  uint64   `json:"memory_total"`
	// Processes is nil when the process list could not be read and
	// empty when no process holds GPU memory.
	Processes []GPUProcess `json:"processes_pids"`
}

// GPUProcess is a process holding memory on a GPU.
type GPUProcess struct {
	PID              uint32 `json:"pid"`
	GPUMemoryUsageMB uint64 `json:"gpu_memory_usage"`
}

// TPUInfo holds per-chip TPU state scraped from the device plugin.
type TPUInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	TPUType     string `json:"tpu_type"`
	TPUTopology string `json:"tpu_topology"`

	TensorCoreUtilization float64 `json:"tensorcore_utilization"`
	HBMUtilization        float64 `json:"hbm_utilization"`
	DutyCycle             float64 `json:"duty_cycle"`
	MemoryUsed            float64 `json:"memory_used"`
	MemoryTotal           float64 `json:"memory_total"`
}
