package model

// ProcessStats is a per-process resource sample.
type ProcessStats struct {
	PID        int32      `json:"pid"`
	CreateTime int64      `json:"createTime"` // milliseconds since epoch
	CPUPercent float64    `json:"cpuPercent"`
	CPUTimes   CPUTimes   `json:"cpuTimes"`
	Cmdline    []string   `json:"cmdline"`
	MemoryInfo MemoryInfo `json:"memoryInfo"`
	// MemoryFullInfo is nil when the USS could not be read.
	MemoryFullInfo *MemoryFullInfo `json:"memoryFullInfo,omitempty"`
	NumFDs         int32           `json:"numFds"`
}

// CPUTimes holds cumulative user and system CPU seconds.
type CPUTimes struct {
	User   float64 `json:"user"`
	System float64 `json:"system"`
}

// MemoryInfo holds resident, virtual and shared memory in bytes.
type MemoryInfo struct {
	RSS    uint64 `json:"rss"`
	VMS    uint64 `json:"vms"`
	Shared uint64 `json:"shared"`
}

// MemoryFullInfo holds memory figures that require reading the process memory maps.
type MemoryFullInfo struct {
	USS uint64 `json:"uss"`
}
