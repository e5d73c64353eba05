package records

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

func baseStats() *model.NodeStats {
	return &model.NodeStats{
		IP:   "10.0.0.1",
		CPU:  12.5,
		CPUs: model.CPUCounts{Logical: 8, Physical: 4},
		Mem:  model.MemoryStats{Total: 1000, Available: 400, Used: 600, Percent: 60},
		Disk: map[string]model.DiskUsage{"/": {Total: 100, Used: 80, Free: 20, Percent: 80}},
	}
}

func find(records []Record, name string, tags map[string]string) []Record {
	var out []Record
	for _, r := range records {
		if r.Name != name {
			continue
		}
		match := true
		for k, v := range tags {
			if r.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out
}

func value(t *testing.T, records []Record, name string, tags map[string]string) float64 {
	t.Helper()
	got := find(records, name, tags)
	require.Len(t, got, 1, "records named %s with tags %v", name, tags)
	return got[0].Value
}

func TestCatalogue_DeclaresEveryEmittedName(t *testing.T) {
	assert.Len(t, Catalogue(), 38)

	d, ok := Lookup(ComponentUSSMB)
	require.True(t, ok)
	assert.Equal(t, "MB", d.Unit)
	assert.Equal(t, []string{"ip", "pid", "Version", "Component", "SessionName"}, d.TagKeys)

	d, ok = Lookup(NodeGPUsAvailable)
	require.True(t, ok)
	assert.Equal(t, []string{"ip", "Version", "SessionName", "IsHeadNode", "GpuDeviceName", "GpuIndex"}, d.TagKeys)

	assert.NoError(t, Check(NodeCPUUtilization))
	err := Check("node_made_up")
	assert.True(t, errors.Is(err, ErrUndeclaredMetric))
	assert.Contains(t, err.Error(), "node_made_up")
}

func TestGenerate_NodeRecords(t *testing.T) {
	stats := baseStats()
	stats.DiskIO = model.DiskIO{ReadBytes: 1, WriteBytes: 2, ReadCount: 3, WriteCount: 4}
	stats.Network = model.NetworkCounters{BytesSent: 300, BytesRecv: 400}
	stats.NetworkSpeed = model.NetworkSpeed{SendBytesPerSec: 100, RecvBytesPerSec: 50}

	g := NewGenerator(GeneratorConfig{IsPrimary: false})
	batch, err := g.Generate(stats, nil)
	require.NoError(t, err)

	node := map[string]string{"ip": "10.0.0.1", "IsHeadNode": "false"}
	assert.Equal(t, 12.5, value(t, batch.Records, NodeCPUUtilization, node))
	assert.Equal(t, 8.0, value(t, batch.Records, NodeCPUCount, node))
	assert.Equal(t, 600.0, value(t, batch.Records, NodeMemUsed, node))
	assert.Equal(t, 400.0, value(t, batch.Records, NodeMemAvailable, node))
	assert.Equal(t, 1000.0, value(t, batch.Records, NodeMemTotal, node))
	assert.Equal(t, 4.0, value(t, batch.Records, NodeDiskIOWriteCount, node))
	assert.Equal(t, 100.0, value(t, batch.Records, NodeNetworkSendSpeed, node))
	assert.Equal(t, 400.0, value(t, batch.Records, NodeNetworkReceived, node))

	assert.Empty(t, find(batch.Records, NodeMemSharedBytes, nil), "shm omitted when not reported")
}

func TestGenerate_DiskUtilization(t *testing.T) {
	g := NewGenerator(GeneratorConfig{})
	batch, err := g.Generate(baseStats(), nil)
	require.NoError(t, err)

	assert.InDelta(t, 80.0, value(t, batch.Records, NodeDiskUtilization, nil), 1e-9)
	assert.Equal(t, 80.0, value(t, batch.Records, NodeDiskUsage, nil))
	assert.Equal(t, 20.0, value(t, batch.Records, NodeDiskFree, nil))
}

func TestGenerate_SharedMemory(t *testing.T) {
	stats := baseStats()
	stats.Shm = ptr.To[uint64](4096)

	batch, err := NewGenerator(GeneratorConfig{}).Generate(stats, nil)
	require.NoError(t, err)
	assert.Equal(t, 4096.0, value(t, batch.Records, NodeMemSharedBytes, nil))
}

func TestGenerate_GPURecords(t *testing.T) {
	stats := baseStats()
	stats.GPUs = []model.GPUInfo{
		{Index: 0, Name: "NVIDIA A10G", UtilizationGPU: ptr.To(42.0), MemoryUsedMB: 1000, MemoryTotalMB: 22731},
		{Index: 1, MemoryUsedMB: 10, MemoryTotalMB: 100},
	}

	batch, err := NewGenerator(GeneratorConfig{IsPrimary: true}).Generate(stats, nil)
	require.NoError(t, err)

	gpu0 := map[string]string{"GpuIndex": "0", "GpuDeviceName": "NVIDIA A10G", "IsHeadNode": "true"}
	assert.Equal(t, 1.0, value(t, batch.Records, NodeGPUsAvailable, gpu0))
	assert.Equal(t, 42.0, value(t, batch.Records, NodeGPUsUtilization, gpu0))
	assert.Equal(t, 21731.0, value(t, batch.Records, NodeGRAMAvailable, gpu0))

	gpu1 := find(batch.Records, NodeGPUsUtilization, map[string]string{"GpuIndex": "1"})
	require.Len(t, gpu1, 1)
	assert.Equal(t, 0.0, gpu1[0].Value, "unknown utilization is reported as 0")
	assert.NotContains(t, gpu1[0].Tags, "GpuDeviceName")
}

func TestGenerate_TPURecords(t *testing.T) {
	stats := baseStats()
	stats.TPUs = []model.TPUInfo{{
		Index: 0, Name: "tpu-0", TPUType: "v6e", TPUTopology: "2x2",
		TensorCoreUtilization: 25, HBMUtilization: 50, DutyCycle: 75, MemoryUsed: 1e9, MemoryTotal: 16e9,
	}}

	batch, err := NewGenerator(GeneratorConfig{}).Generate(stats, nil)
	require.NoError(t, err)

	tags := map[string]string{"TpuIndex": "0", "TpuDeviceName": "tpu-0", "TpuType": "v6e", "TpuTopology": "2x2"}
	assert.Equal(t, 25.0, value(t, batch.Records, TPUTensorCoreUtilization, tags))
	assert.Equal(t, 50.0, value(t, batch.Records, TPUMemoryBandwidth, tags))
	assert.Equal(t, 75.0, value(t, batch.Records, TPUDutyCycle, tags))
	assert.Equal(t, 16e9, value(t, batch.Records, TPUMemoryTotal, tags))
}

func TestGenerate_ComponentRecords(t *testing.T) {
	stats := baseStats()
	stats.Supervisor = &model.ProcessStats{
		PID: 10, CPUPercent: 5,
		MemoryInfo:     model.MemoryInfo{RSS: 2_000_000, Shared: 512},
		MemoryFullInfo: &model.MemoryFullInfo{USS: 1_500_000},
		NumFDs:         30,
	}
	stats.Agent = &model.ProcessStats{PID: 100, CPUPercent: 1, MemoryInfo: model.MemoryInfo{RSS: 1_000_000}}
	stats.Coordinator = &model.ProcessStats{PID: 5, CPUPercent: 3}
	stats.Workers = []model.ProcessStats{
		{PID: 201, CPUPercent: 10, Cmdline: []string{"ray::Trainer"}, MemoryInfo: model.MemoryInfo{RSS: 1_000_000}, NumFDs: 4},
		{PID: 202, CPUPercent: 20, Cmdline: []string{"ray::Trainer"}, MemoryInfo: model.MemoryInfo{RSS: 3_000_000}, NumFDs: 6},
		{PID: 203, CPUPercent: 99, Cmdline: []string{"python", "script.py"}},
		{PID: 204, CPUPercent: 99},
	}

	batch, err := NewGenerator(GeneratorConfig{}).Generate(stats, nil)
	require.NoError(t, err)

	raylet := map[string]string{"Component": "raylet", "pid": "10", "ip": "10.0.0.1"}
	assert.Equal(t, 5.0, value(t, batch.Records, ComponentCPUPercentage, raylet))
	assert.Equal(t, 2.0, value(t, batch.Records, ComponentRSSMB, raylet))
	assert.Equal(t, 1.5, value(t, batch.Records, ComponentUSSMB, raylet))
	assert.Equal(t, 512.0, value(t, batch.Records, ComponentMemSharedBytes, raylet))
	assert.Equal(t, 30.0, value(t, batch.Records, ComponentNumFDs, raylet))

	agent := map[string]string{"Component": "agent", "pid": "100"}
	assert.Equal(t, 1.0, value(t, batch.Records, ComponentCPUPercentage, agent))
	assert.Empty(t, find(batch.Records, ComponentUSSMB, agent), "uss omitted when zero")

	assert.Empty(t, find(batch.Records, ComponentCPUPercentage, map[string]string{"Component": "gcs"}),
		"coordinator only reported on the primary node")

	trainer := map[string]string{"Component": "ray::Trainer"}
	assert.Equal(t, 30.0, value(t, batch.Records, ComponentCPUPercentage, trainer))
	assert.Equal(t, 4.0, value(t, batch.Records, ComponentRSSMB, trainer))
	assert.Equal(t, 10.0, value(t, batch.Records, ComponentNumFDs, trainer))
	assert.NotContains(t, find(batch.Records, ComponentCPUPercentage, trainer)[0].Tags, "pid")

	assert.Empty(t, find(batch.Records, ComponentCPUPercentage, map[string]string{"Component": "python"}))
}

func TestGenerate_StaleWorkerReset(t *testing.T) {
	g := NewGenerator(GeneratorConfig{})

	stats := baseStats()
	stats.Workers = []model.ProcessStats{
		{PID: 201, CPUPercent: 10, Cmdline: []string{"ray::A"}},
		{PID: 202, CPUPercent: 10, Cmdline: []string{"ray::B"}},
	}
	batch, err := g.Generate(stats, nil)
	require.NoError(t, err)
	assert.Empty(t, batch.StaleComponents)

	stats.Workers = stats.Workers[1:]
	batch, err = g.Generate(stats, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ray::A"}, batch.StaleComponents)

	stale := map[string]string{"Component": "ray::A"}
	for _, name := range []string{ComponentCPUPercentage, ComponentMemSharedBytes, ComponentRSSMB, ComponentUSSMB, ComponentNumFDs} {
		assert.Equal(t, 0.0, value(t, batch.Records, name, stale), name)
	}
	assert.Equal(t, map[string]string{"ip": "10.0.0.1", "Component": "ray::A"}, find(batch.Records, ComponentRSSMB, stale)[0].Tags)

	// Reset only once.
	batch, err = g.Generate(stats, nil)
	require.NoError(t, err)
	assert.Empty(t, batch.StaleComponents)
	assert.Empty(t, find(batch.Records, ComponentRSSMB, stale))
}

func TestGenerate_ClusterRecords(t *testing.T) {
	cluster := &model.ClusterStatus{
		ActiveNodes:  map[string]int{"head": 1, "worker-gpu": 3},
		FailedNodes:  []model.FailedNode{{IP: "a", NodeType: "worker-gpu"}, {IP: "b", NodeType: "worker-gpu"}},
		PendingNodes: []model.PendingNode{{IP: "c", NodeType: "worker-cpu", Status: "launching"}},
	}

	batch, err := NewGenerator(GeneratorConfig{IsPrimary: true}).Generate(baseStats(), cluster)
	require.NoError(t, err)

	assert.Equal(t, 3.0, value(t, batch.Records, ClusterActiveNodes, map[string]string{"node_type": "worker-gpu"}))
	assert.Equal(t, 1.0, value(t, batch.Records, ClusterActiveNodes, map[string]string{"node_type": "head"}))
	assert.Equal(t, 2.0, value(t, batch.Records, ClusterFailedNodes, map[string]string{"node_type": "worker-gpu"}))
	assert.Equal(t, 1.0, value(t, batch.Records, ClusterPendingNodes, map[string]string{"node_type": "worker-cpu"}))

	batch, err = NewGenerator(GeneratorConfig{IsPrimary: false}).Generate(baseStats(), cluster)
	require.NoError(t, err)
	assert.Empty(t, find(batch.Records, ClusterActiveNodes, nil))
}

func TestGenerate_NilStats(t *testing.T) {
	_, err := NewGenerator(GeneratorConfig{}).Generate(nil, nil)
	assert.Error(t, err)
}

func TestBatchBuilder_UndeclaredNamesAggregated(t *testing.T) {
	b := &batchBuilder{}
	b.add("bogus_one", 1, nil)
	b.add(NodeCPUCount, 2, nil)
	b.add("bogus_two", 3, nil)

	require.Len(t, b.records, 1)
	err := b.errs.ErrorOrNil()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUndeclaredMetric))
	assert.Len(t, b.errs.Errors, 2)
}
