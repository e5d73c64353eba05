package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/node-reporter/internal/collector/process"
	"github.com/kubeadapt/node-reporter/internal/observability"
	"github.com/kubeadapt/node-reporter/internal/records"
	"github.com/kubeadapt/node-reporter/pkg/model"
)

type stubProcess struct {
	pid        int32
	name       string
	createTime int64
	cpu        float64
	parent     *stubProcess
	children   []*stubProcess
}

func (p *stubProcess) PID() int32            { return p.pid }
func (p *stubProcess) Name() (string, error) { return p.name, nil }

func (p *stubProcess) Parent() (process.Process, error) {
	if p.parent == nil {
		return nil, nil
	}
	return p.parent, nil
}

func (p *stubProcess) Children() ([]process.Process, error) {
	out := make([]process.Process, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	return out, nil
}

func (p *stubProcess) CreateTime() (int64, error) { return p.createTime, nil }
func (p *stubProcess) IsZombie() (bool, error)    { return false, nil }

func (p *stubProcess) Sample() (model.ProcessStats, error) {
	return model.ProcessStats{
		PID:        p.pid,
		CreateTime: p.createTime,
		CPUPercent: p.cpu,
		Cmdline:    []string{p.name},
		MemoryInfo: model.MemoryInfo{RSS: 2_000_000},
	}, nil
}

type stubSource struct{ self *stubProcess }

func (s *stubSource) Self() (process.Process, error) { return s.self, nil }

func (s *stubSource) Lookup(int32) (process.Process, error) { return nil, process.ErrGone }

// supervisedNode builds init(1) -> raylet(10) -> {agent(100), two workers}.
func supervisedNode() *stubSource {
	initProc := &stubProcess{pid: 1, name: "init", createTime: 1}
	supervisor := &stubProcess{pid: 10, name: "raylet", createTime: 1000, cpu: 3, parent: initProc}
	self := &stubProcess{pid: 100, name: "dashboard_agent", createTime: 2000, cpu: 1, parent: supervisor}
	w1 := &stubProcess{pid: 201, name: "ray::IDLE", createTime: 3000, cpu: 5, parent: supervisor}
	w2 := &stubProcess{pid: 202, name: "ray::IDLE", createTime: 3001, cpu: 7, parent: supervisor}
	supervisor.children = []*stubProcess{self, w1, w2}
	return &stubSource{self: self}
}

func recordValue(t *testing.T, batch records.Batch, name string, tags map[string]string) float64 {
	t.Helper()
	for _, r := range batch.Records {
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
			return r.Value
		}
	}
	t.Fatalf("no %s record with tags %v", name, tags)
	return 0
}

func TestBuild_SupervisedNodeEndToEnd(t *testing.T) {
	metrics := observability.NewMetrics()
	host := &fakeHost{
		network: model.NetworkCounters{BytesSent: 1000},
		disk:    map[string]model.DiskUsage{"/": {Total: 100, Used: 80, Free: 20, Percent: 80}},
	}
	tracker := process.NewTracker(supervisedNode(), "raylet", nil)
	b := NewBuilder("10.0.0.1", false, Deps{Host: host, Tracker: tracker, Metrics: metrics})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	gen := records.NewGenerator(records.GeneratorConfig{IP: "10.0.0.1"})

	b.Build(context.Background(), 0)
	now = now.Add(10 * time.Second)
	host.network = model.NetworkCounters{BytesSent: 2000}
	stats := b.Build(context.Background(), 0)

	require.NotNil(t, stats.Supervisor)
	assert.Equal(t, int32(10), stats.Supervisor.PID)
	require.NotNil(t, stats.Agent)
	assert.Equal(t, int32(100), stats.Agent.PID)
	require.Len(t, stats.Workers, 2)
	assert.Equal(t, []int32{201, 202}, []int32{stats.Workers[0].PID, stats.Workers[1].PID})
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.TrackedWorkers))

	batch, err := gen.Generate(stats, nil)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, recordValue(t, batch, records.NodeNetworkSendSpeed, nil), 1e-6)
	assert.InDelta(t, 80.0, recordValue(t, batch, records.NodeDiskUtilization, nil), 1e-9)
	assert.InDelta(t, 12.0, recordValue(t, batch, records.ComponentCPUPercentage, map[string]string{"Component": "ray::IDLE"}), 1e-9)
	assert.InDelta(t, 3.0, recordValue(t, batch, records.ComponentCPUPercentage,
		map[string]string{"Component": records.ComponentSupervisor, "pid": "10"}), 1e-9)
	assert.InDelta(t, 4.0, recordValue(t, batch, records.ComponentRSSMB, map[string]string{"Component": "ray::IDLE"}), 1e-9)
}
