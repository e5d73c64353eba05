package records

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// Component names used in the Component tag.
const (
	ComponentSupervisor  = "raylet"
	ComponentCoordinator = "gcs"
	ComponentAgent       = "agent"
)

// Record is a single tagged gauge value.
type Record struct {
	Name  string
	Value float64
	Tags  map[string]string
}

// Batch is the output of one generation cycle.
type Batch struct {
	Records []Record
	// StaleComponents lists worker groups seen in the previous cycle but not
	// in this one. Their records in this batch are all zero.
	StaleComponents []string
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	IP           string
	IsPrimary    bool
	WorkerPrefix string
}

// Generator converts node snapshots into records. It remembers the worker
// groups of the previous cycle so that groups which disappear are reset to zero.
// A Generator is not safe for concurrent use.
type Generator struct {
	cfg         GeneratorConfig
	prevWorkers map[string]struct{}
}

// NewGenerator returns a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "ray::"
	}
	return &Generator{cfg: cfg, prevWorkers: map[string]struct{}{}}
}

type batchBuilder struct {
	records []Record
	errs    *multierror.Error
}

func (b *batchBuilder) add(name string, value float64, tags map[string]string) {
	if err := Check(name); err != nil {
		b.errs = multierror.Append(b.errs, err)
		return
	}
	b.records = append(b.records, Record{Name: name, Value: value, Tags: tags})
}

// Generate produces the records for stats. cluster may be nil; cluster
// records are only produced on the primary node. Records naming undeclared
// metrics are skipped and reported through the returned error, which does
// not invalidate the batch.
func (g *Generator) Generate(stats *model.NodeStats, cluster *model.ClusterStatus) (Batch, error) {
	if stats == nil {
		return Batch{}, errors.New("generate records: nil stats")
	}
	b := &batchBuilder{}
	ip := stats.IP
	if ip == "" {
		ip = g.cfg.IP
	}
	nodeTags := map[string]string{"ip": ip, "IsHeadNode": strconv.FormatBool(g.cfg.IsPrimary)}

	if g.cfg.IsPrimary && cluster != nil {
		g.clusterRecords(b, cluster)
	}
	g.nodeRecords(b, stats, nodeTags)
	gpuRecords(b, stats.GPUs, nodeTags)
	tpuRecords(b, stats.TPUs, nodeTags)

	if g.cfg.IsPrimary && stats.Coordinator != nil {
		componentRecords(b, ip, ComponentCoordinator, pidTag(stats.Coordinator), *stats.Coordinator)
	}
	if stats.Supervisor != nil {
		componentRecords(b, ip, ComponentSupervisor, pidTag(stats.Supervisor), *stats.Supervisor)
	}
	if stats.Agent != nil {
		componentRecords(b, ip, ComponentAgent, pidTag(stats.Agent), *stats.Agent)
	}
	stale := g.workerRecords(b, ip, stats.Workers)

	return Batch{Records: b.records, StaleComponents: stale}, b.errs.ErrorOrNil()
}

func (g *Generator) clusterRecords(b *batchBuilder, cluster *model.ClusterStatus) {
	for _, nodeType := range sortedKeys(cluster.ActiveNodes) {
		b.add(ClusterActiveNodes, float64(cluster.ActiveNodes[nodeType]), map[string]string{"node_type": nodeType})
	}

	failed := map[string]int{}
	for _, n := range cluster.FailedNodes {
		failed[n.NodeType]++
	}
	for _, nodeType := range sortedKeys(failed) {
		b.add(ClusterFailedNodes, float64(failed[nodeType]), map[string]string{"node_type": nodeType})
	}

	pending := map[string]int{}
	for _, n := range cluster.PendingNodes {
		pending[n.NodeType]++
	}
	for _, nodeType := range sortedKeys(pending) {
		b.add(ClusterPendingNodes, float64(pending[nodeType]), map[string]string{"node_type": nodeType})
	}
}

func (g *Generator) nodeRecords(b *batchBuilder, stats *model.NodeStats, tags map[string]string) {
	b.add(NodeCPUUtilization, stats.CPU, tags)
	b.add(NodeCPUCount, float64(stats.CPUs.Logical), tags)

	b.add(NodeMemUsed, float64(stats.Mem.Used), tags)
	b.add(NodeMemAvailable, float64(stats.Mem.Available), tags)
	b.add(NodeMemTotal, float64(stats.Mem.Total), tags)
	if stats.Shm != nil && *stats.Shm > 0 {
		b.add(NodeMemSharedBytes, float64(*stats.Shm), tags)
	}

	b.add(NodeDiskIORead, float64(stats.DiskIO.ReadBytes), tags)
	b.add(NodeDiskIOWrite, float64(stats.DiskIO.WriteBytes), tags)
	b.add(NodeDiskIOReadCount, float64(stats.DiskIO.ReadCount), tags)
	b.add(NodeDiskIOWriteCount, float64(stats.DiskIO.WriteCount), tags)
	b.add(NodeDiskIOReadSpeed, stats.DiskIOSpeed.ReadBytesPerSec, tags)
	b.add(NodeDiskIOWriteSpeed, stats.DiskIOSpeed.WriteBytesPerSec, tags)
	b.add(NodeDiskReadIOPS, stats.DiskIOSpeed.ReadIOPS, tags)
	b.add(NodeDiskWriteIOPS, stats.DiskIOSpeed.WriteIOPS, tags)

	root := stats.Disk["/"]
	used, free := float64(root.Used), float64(root.Free)
	var utilization float64
	if used+free > 0 {
		utilization = used / (used + free) * 100
	}
	b.add(NodeDiskUsage, used, tags)
	b.add(NodeDiskFree, free, tags)
	b.add(NodeDiskUtilization, utilization, tags)

	b.add(NodeNetworkSent, float64(stats.Network.BytesSent), tags)
	b.add(NodeNetworkReceived, float64(stats.Network.BytesRecv), tags)
	b.add(NodeNetworkSendSpeed, stats.NetworkSpeed.SendBytesPerSec, tags)
	b.add(NodeNetworkReceiveSpeed, stats.NetworkSpeed.RecvBytesPerSec, tags)
}

func gpuRecords(b *batchBuilder, gpus []model.GPUInfo, nodeTags map[string]string) {
	for _, gpu := range gpus {
		tags := withTags(nodeTags, "GpuIndex", strconv.Itoa(gpu.Index))
		if gpu.Name != "" {
			tags["GpuDeviceName"] = gpu.Name
		}
		var utilization float64
		if gpu.UtilizationGPU != nil {
			utilization = *gpu.UtilizationGPU
		}
		used, total := float64(gpu.MemoryUsedMB), float64(gpu.MemoryTotalMB)

		// One device per index.
		b.add(NodeGPUsAvailable, 1, tags)
		b.add(NodeGPUsUtilization, utilization, tags)
		b.add(NodeGRAMUsed, used, tags)
		b.add(NodeGRAMAvailable, total-used, tags)
	}
}

func tpuRecords(b *batchBuilder, tpus []model.TPUInfo, nodeTags map[string]string) {
	for _, tpu := range tpus {
		tags := withTags(nodeTags,
			"TpuIndex", strconv.Itoa(tpu.Index),
			"TpuDeviceName", tpu.Name,
			"TpuType", tpu.TPUType,
			"TpuTopology", tpu.TPUTopology,
		)
		b.add(TPUTensorCoreUtilization, tpu.TensorCoreUtilization, tags)
		b.add(TPUMemoryBandwidth, tpu.HBMUtilization, tags)
		b.add(TPUDutyCycle, tpu.DutyCycle, tags)
		b.add(TPUMemoryUsed, tpu.MemoryUsed, tags)
		b.add(TPUMemoryTotal, tpu.MemoryTotal, tags)
	}
}

// workerRecords groups workers by process name and returns the groups that
// vanished since the previous cycle.
func (g *Generator) workerRecords(b *batchBuilder, ip string, workers []model.ProcessStats) []string {
	groups := map[string][]model.ProcessStats{}
	for _, w := range workers {
		if len(w.Cmdline) == 0 || !strings.HasPrefix(w.Cmdline[0], g.cfg.WorkerPrefix) {
			continue
		}
		groups[w.Cmdline[0]] = append(groups[w.Cmdline[0]], w)
	}

	current := make(map[string]struct{}, len(groups))
	for _, name := range sortedKeys(groups) {
		current[name] = struct{}{}
		componentRecords(b, ip, name, "", groups[name]...)
	}

	var stale []string
	for name := range g.prevWorkers {
		if _, ok := current[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		resetRecords(b, ip, name)
	}
	g.prevWorkers = current
	return stale
}

// componentRecords sums the usage of procs under one Component tag. USS is
// only reported when positive, since not every platform can measure it.
func componentRecords(b *batchBuilder, ip, component, pid string, procs ...model.ProcessStats) {
	var cpu, rssBytes, ussBytes, shm, fds float64
	for _, p := range procs {
		cpu += p.CPUPercent
		rssBytes += float64(p.MemoryInfo.RSS)
		shm += float64(p.MemoryInfo.Shared)
		if p.MemoryFullInfo != nil {
			ussBytes += float64(p.MemoryFullInfo.USS)
		}
		fds += float64(p.NumFDs)
	}

	tags := map[string]string{"ip": ip, "Component": component}
	if pid != "" {
		tags["pid"] = pid
	}
	b.add(ComponentCPUPercentage, cpu, tags)
	b.add(ComponentMemSharedBytes, shm, tags)
	b.add(ComponentRSSMB, rssBytes/1e6, tags)
	if ussBytes > 0 {
		b.add(ComponentUSSMB, ussBytes/1e6, tags)
	}
	b.add(ComponentNumFDs, fds, tags)
}

func resetRecords(b *batchBuilder, ip, component string) {
	tags := map[string]string{"ip": ip, "Component": component}
	for _, name := range []string{ComponentCPUPercentage, ComponentMemSharedBytes, ComponentRSSMB, ComponentUSSMB, ComponentNumFDs} {
		b.add(name, 0, tags)
	}
}

func pidTag(p *model.ProcessStats) string {
	return strconv.FormatInt(int64(p.PID), 10)
}

func withTags(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
