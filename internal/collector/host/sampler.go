// Package host samples node-level CPU, memory, disk and network usage.
package host

import (
	"log/slog"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// Options configures a Sampler.
type Options struct {
	InContainer  bool
	InKubernetes bool
	// EnableK8sDiskUsage reports real disk usage inside Kubernetes pods,
	// where the root filesystem is usually an overlay of no interest.
	EnableK8sDiskUsage bool
	TempDir            string
	Logger             *slog.Logger
}

// cgroupReader reads container resource accounting.
type cgroupReader interface {
	CPUUsage() (time.Duration, error)
	Memory() (usage, limit, inactiveFile uint64, err error)
}

// Sampler reads host resource usage. Each method degrades to a zero value on
// failure and logs at debug level.
type Sampler struct {
	opts   Options
	logger *slog.Logger
	cgroup cgroupReader

	cpuPercent    func(interval time.Duration, percpu bool) ([]float64, error)
	cpuCounts     func(logical bool) (int, error)
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	diskUsage     func(path string) (*disk.UsageStat, error)
	diskIO        func(names ...string) (map[string]disk.IOCountersStat, error)
	isBlockDevice func(name string) bool
	netIO         func(pernic bool) ([]net.IOCountersStat, error)
	loadAvg       func() (*load.AvgStat, error)
	bootTime      func() (uint64, error)
	initStarted   func() (int64, error)
	hostname      func() (string, error)
	now           func() time.Time

	countsOnce sync.Once
	counts     model.CPUCounts

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

// NewSampler returns a Sampler backed by gopsutil and, inside containers,
// by the cgroup controllers of the agent's own group.
func NewSampler(opts Options) *Sampler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	s := &Sampler{
		opts:          opts,
		logger:        opts.Logger.With("component", "collector.host"),
		cpuPercent:    cpu.Percent,
		cpuCounts:     cpu.Counts,
		virtualMemory: mem.VirtualMemory,
		diskUsage:     disk.Usage,
		diskIO:        disk.IOCounters,
		isBlockDevice: sysBlockExists,
		netIO:         net.IOCounters,
		loadAvg:       load.Avg,
		bootTime:      host.BootTime,
		initStarted: func() (int64, error) {
			p, err := process.NewProcess(1)
			if err != nil {
				return 0, err
			}
			return p.CreateTime()
		},
		hostname: os.Hostname,
		now:      time.Now,
	}
	if opts.InContainer {
		cg, err := loadCgroup()
		if err != nil {
			s.logger.Debug("cgroup accounting unavailable, using host figures", "error", err)
		} else {
			s.cgroup = cg
		}
	}
	return s
}

// InContainer reports whether the agent appears to run inside a container.
func InContainer() bool {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// Hostname returns the node hostname, or "" when unavailable.
func (s *Sampler) Hostname() string {
	h, err := s.hostname()
	if err != nil {
		s.logger.Debug("failed to read hostname", "error", err)
		return ""
	}
	return h
}

// CPUPercent returns CPU utilisation since the previous call. Inside a
// container it is the cgroup usage relative to the container's CPU share.
// The first container sample reports 0.
func (s *Sampler) CPUPercent() float64 {
	if s.cgroup != nil {
		return s.containerCPUPercent()
	}
	pct, err := s.cpuPercent(0, false)
	if err != nil || len(pct) == 0 {
		s.logger.Debug("failed to read cpu percent", "error", err)
		return 0
	}
	return pct[0]
}

func (s *Sampler) containerCPUPercent() float64 {
	usage, err := s.cgroup.CPUUsage()
	if err != nil {
		s.logger.Debug("failed to read cgroup cpu usage", "error", err)
		return 0
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	prevUsage, prevWall := s.lastCPU, s.lastWall
	s.lastCPU, s.lastWall = usage, now
	if prevWall.IsZero() {
		return 0
	}
	wall := now.Sub(prevWall)
	ncpu := s.CPUCounts().Logical
	if wall <= 0 || ncpu == 0 {
		return 0
	}
	pct := float64(usage-prevUsage) / (float64(wall) * float64(ncpu)) * 100
	return math.Max(0, math.Min(100, pct))
}

// CPUCounts returns logical and physical CPU counts. Inside a container the
// logical count is GOMAXPROCS, which automaxprocs aligns with the CPU quota.
// Counts are read once.
func (s *Sampler) CPUCounts() model.CPUCounts {
	s.countsOnce.Do(func() {
		logical, err := s.cpuCounts(true)
		if err != nil || logical == 0 {
			logical = runtime.NumCPU()
		}
		physical, err := s.cpuCounts(false)
		if err != nil || physical == 0 {
			physical = logical
		}
		if s.opts.InContainer {
			logical = runtime.GOMAXPROCS(0)
			physical = min(physical, logical)
		}
		s.counts = model.CPUCounts{Logical: logical, Physical: physical}
	})
	return s.counts
}

// Memory returns node memory and, where the platform reports it, shared memory.
func (s *Sampler) Memory() (model.MemoryStats, *uint64) {
	vm, err := s.virtualMemory()
	if err != nil {
		s.logger.Debug("failed to read virtual memory", "error", err)
		return model.MemoryStats{}, nil
	}

	total := vm.Total
	used := vm.Total - min(vm.Available, vm.Total)
	if s.cgroup != nil {
		usage, limit, inactive, err := s.cgroup.Memory()
		if err != nil {
			s.logger.Debug("failed to read cgroup memory", "error", err)
		} else {
			if limit > 0 && limit < total {
				total = limit
			}
			used = usage - min(inactive, usage)
		}
	}

	stats := model.MemoryStats{Total: total, Used: used}
	if used < total {
		stats.Available = total - used
	}
	if total > 0 {
		stats.Percent = math.Round(float64(used)/float64(total)*1000) / 10
	}

	var shm *uint64
	if runtime.GOOS == "linux" {
		shared := vm.Shared
		shm = &shared
	}
	return stats, shm
}

// DiskUsage returns usage of the root filesystem and the temp dir, keyed by path.
func (s *Sampler) DiskUsage() map[string]model.DiskUsage {
	if s.opts.InKubernetes && !s.opts.EnableK8sDiskUsage {
		return map[string]model.DiskUsage{"/": {Total: 1, Used: 0, Free: 1, Percent: 0}}
	}
	out := make(map[string]model.DiskUsage, 2)
	for _, path := range []string{string(os.PathSeparator), s.opts.TempDir} {
		u, err := s.diskUsage(path)
		if err != nil {
			s.logger.Debug("failed to read disk usage", "path", path, "error", err)
			continue
		}
		out[path] = model.DiskUsage{Total: u.Total, Used: u.Used, Free: u.Free, Percent: u.UsedPercent}
	}
	return out
}

// DiskIO returns disk counters summed over whole devices. Partitions are skipped.
func (s *Sampler) DiskIO() model.DiskIO {
	counters, err := s.diskIO()
	if err != nil {
		s.logger.Debug("failed to read disk io counters", "error", err)
		return model.DiskIO{}
	}
	var io model.DiskIO
	for name, c := range counters {
		if !s.isBlockDevice(name) {
			continue
		}
		io.ReadBytes += c.ReadBytes
		io.WriteBytes += c.WriteBytes
		io.ReadCount += c.ReadCount
		io.WriteCount += c.WriteCount
	}
	return io
}

// sysBlockExists reports whether name is a whole block device. Partitions
// have no entry of their own under /sys/block.
func sysBlockExists(name string) bool {
	_, err := os.Stat("/sys/block/" + strings.ReplaceAll(name, "/", "!"))
	return err == nil
}

// Network returns bytes sent and received over Ethernet-style interfaces
// (names beginning with "e").
func (s *Sampler) Network() model.NetworkCounters {
	ifaces, err := s.netIO(true)
	if err != nil {
		s.logger.Debug("failed to read network counters", "error", err)
		return model.NetworkCounters{}
	}
	var n model.NetworkCounters
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface.Name, "e") {
			continue
		}
		n.BytesSent += iface.BytesSent
		n.BytesRecv += iface.BytesRecv
	}
	return n
}

// LoadAvg returns the load averages and their per-CPU values rounded to two places.
func (s *Sampler) LoadAvg() model.LoadAvg {
	avg, err := s.loadAvg()
	if err != nil {
		s.logger.Debug("failed to read load average", "error", err)
		return model.LoadAvg{}
	}
	la := model.LoadAvg{Load: [3]float64{avg.Load1, avg.Load5, avg.Load15}}
	if ncpu := s.CPUCounts().Logical; ncpu > 0 {
		for i, v := range la.Load {
			la.PerCPU[i] = math.Round(v/float64(ncpu)*100) / 100
		}
	}
	return la
}

// BootTime returns the boot time in epoch seconds. Inside a container it is
// the start time of the container's init process.
func (s *Sampler) BootTime() float64 {
	if s.opts.InContainer {
		ms, err := s.initStarted()
		if err == nil {
			return float64(ms) / 1000
		}
		s.logger.Debug("failed to read init process start time", "error", err)
	}
	bt, err := s.bootTime()
	if err != nil {
		s.logger.Debug("failed to read boot time", "error", err)
		return 0
	}
	return float64(bt)
}
