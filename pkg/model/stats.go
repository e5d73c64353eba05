package model

// NodeStats is the point-in-time snapshot published to the cluster KV store
// once per reporting cycle.
type NodeStats struct {
	Now      float64 `json:"now"`
	Hostname string  `json:"hostname"`
	IP       string  `json:"ip"`

	CPU  float64     `json:"cpu"`
	CPUs CPUCounts   `json:"cpus"`
	Mem  MemoryStats `json:"mem"`
	// Shm is nil on platforms that do not report shared memory.
	Shm *uint64 `json:"shm,omitempty"`

	Workers     []ProcessStats `json:"workers"`
	Supervisor  *ProcessStats  `json:"raylet,omitempty"`
	Agent       *ProcessStats  `json:"agent,omitempty"`
	Coordinator *ProcessStats  `json:"gcs,omitempty"`

	BootTime float64 `json:"bootTime"`
	LoadAvg  LoadAvg `json:"loadAvg"`

	Disk        map[string]DiskUsage `json:"disk"`
	DiskIO      DiskIO               `json:"disk_io"`
	DiskIOSpeed DiskIOSpeed          `json:"disk_io_speed"`

	GPUs []GPUInfo `json:"gpus"`
	TPUs []TPUInfo `json:"tpus"`

	Network      NetworkCounters `json:"network"`
	NetworkSpeed NetworkSpeed    `json:"network_speed"`

	// Cmdline of the supervisor. Deprecated: read Supervisor.Cmdline instead.
	Cmdline []string `json:"cmdline"`
}

// CPUCounts holds logical and physical CPU counts.
type CPUCounts struct {
	Logical  int `json:"logical"`
	Physical int `json:"physical"`
}

// MemoryStats holds node memory in bytes. Used excludes reclaimable caches.
type MemoryStats struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Percent   float64 `json:"percent"`
	Used      uint64  `json:"used"`
}

// LoadAvg holds the 1/5/15 minute load averages, raw and divided by the CPU count.
type LoadAvg struct {
	Load   [3]float64 `json:"load"`
	PerCPU [3]float64 `json:"perCpu"`
}

// DiskUsage describes one mount point.
type DiskUsage struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// DiskIO holds cumulative disk counters summed over all devices.
type DiskIO struct {
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
	ReadCount  uint64 `json:"read_count"`
	WriteCount uint64 `json:"write_count"`
}

// Counters returns the counters in rate-history order.
func (d DiskIO) Counters() []float64 {
	return []float64{float64(d.ReadBytes), float64(d.WriteBytes), float64(d.ReadCount), float64(d.WriteCount)}
}

// DiskIOSpeed holds per-second rates derived from DiskIO.
type DiskIOSpeed struct {
	ReadBytesPerSec  float64 `json:"read_speed"`
	WriteBytesPerSec float64 `json:"write_speed"`
	ReadIOPS         float64 `json:"read_iops"`
	WriteIOPS        float64 `json:"write_iops"`
}

// NetworkCounters holds cumulative bytes over the tracked interfaces.
type NetworkCounters struct {
	BytesSent uint64 `json:"sent"`
	BytesRecv uint64 `json:"recv"`
}

// Counters returns the counters in rate-history order.
func (n NetworkCounters) Counters() []float64 {
	return []float64{float64(n.BytesSent), float64(n.BytesRecv)}
}

// NetworkSpeed holds per-second rates derived from NetworkCounters.
type NetworkSpeed struct {
	SendBytesPerSec float64 `json:"send_speed"`
	RecvBytesPerSec float64 `json:"recv_speed"`
}
