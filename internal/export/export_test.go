package export

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/kubeadapt/node-reporter/internal/config"
	agenterrors "github.com/kubeadapt/node-reporter/internal/errors"
	"github.com/kubeadapt/node-reporter/internal/records"
)

var globalTags = map[string]string{"Version": "2.9.0", "SessionName": "session_1"}

// gaugeValue finds the value of a gathered series whose labels include want.
func gaugeValue(t *testing.T, g prometheus.Gatherer, family string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, want) {
				switch {
				case m.Gauge != nil:
					return m.GetGauge().GetValue(), true
				case m.Counter != nil:
					return m.GetCounter().GetValue(), true
				case m.Untyped != nil:
					return m.GetUntyped().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestLegacyRegistry_RecordAndExport(t *testing.T) {
	l, err := NewLegacyRegistry("ray", nil, nil)
	require.NoError(t, err)

	recs := []records.Record{
		{Name: records.NodeCPUUtilization, Value: 42, Tags: map[string]string{"ip": "10.0.0.1", "IsHeadNode": "true"}},
		{Name: records.ComponentRSSMB, Value: 3.5, Tags: map[string]string{"ip": "10.0.0.1", "Component": "ray::IDLE", "extra": "dropped"}},
	}
	require.NoError(t, l.RecordAndExport(context.Background(), recs, globalTags))

	v, ok := gaugeValue(t, l.Gatherer(), "ray_node_cpu_utilization",
		map[string]string{"ip": "10.0.0.1", "IsHeadNode": "true", "Version": "2.9.0", "SessionName": "session_1"})
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	v, ok = gaugeValue(t, l.Gatherer(), "ray_component_rss_mb", map[string]string{"Component": "ray::IDLE", "pid": ""})
	require.True(t, ok)
	assert.Equal(t, 3.5, v)

	// Last write wins.
	recs[0].Value = 7
	require.NoError(t, l.RecordAndExport(context.Background(), recs[:1], globalTags))
	v, _ = gaugeValue(t, l.Gatherer(), "ray_node_cpu_utilization", map[string]string{"ip": "10.0.0.1"})
	assert.Equal(t, 7.0, v)
}

func TestLegacyRegistry_UndeclaredRecord(t *testing.T) {
	l, err := NewLegacyRegistry("ray", nil, nil)
	require.NoError(t, err)

	err = l.RecordAndExport(context.Background(), []records.Record{
		{Name: "not_declared", Value: 1},
		{Name: records.NodeCPUCount, Value: 8, Tags: map[string]string{"ip": "a"}},
	}, globalTags)
	require.Error(t, err)
	assert.True(t, errors.Is(err, records.ErrUndeclaredMetric))

	v, ok := gaugeValue(t, l.Gatherer(), "ray_node_cpu_count", nil)
	require.True(t, ok)
	assert.Equal(t, 8.0, v)
}

func encodeFamilies(t *testing.T, families ...*dto.MetricFamily) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeProtoDelim))
	for _, mf := range families {
		require.NoError(t, enc.Encode(mf))
	}
	return buf.Bytes()
}

func gaugeFamily(name string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: ptr.To(name),
		Help: ptr.To("peer metric"),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Label: []*dto.LabelPair{{Name: ptr.To("task"), Value: ptr.To("train")}},
			Gauge: &dto.Gauge{Value: ptr.To(value)},
		}},
	}
}

func TestRelay_IngestAndGather(t *testing.T) {
	r := NewRelay(time.Minute, nil, nil)

	require.NoError(t, r.Ingest("worker-a", encodeFamilies(t, gaugeFamily("app_queue_depth", 3))))
	require.NoError(t, r.Ingest("worker-b", encodeFamilies(t, gaugeFamily("app_queue_depth", 5))))
	require.NoError(t, r.Ingest("", encodeFamilies(t, gaugeFamily("app_uptime", 9))))

	v, ok := gaugeValue(t, r, "app_queue_depth", map[string]string{WorkerIDLabel: "worker-a", "task": "train"})
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
	v, ok = gaugeValue(t, r, "app_queue_depth", map[string]string{WorkerIDLabel: "worker-b"})
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	families, err := r.Gather()
	require.NoError(t, err)
	require.Len(t, families, 2)
	for _, lp := range families[1].GetMetric()[0].GetLabel() {
		assert.NotEqual(t, WorkerIDLabel, lp.GetName(), "no origin, no worker label")
	}

	// A new batch replaces the previous one for the same origin.
	require.NoError(t, r.Ingest("worker-a", encodeFamilies(t, gaugeFamily("app_queue_depth", 11))))
	v, _ = gaugeValue(t, r, "app_queue_depth", map[string]string{WorkerIDLabel: "worker-a"})
	assert.Equal(t, 11.0, v)
	assert.Equal(t, 3, r.Origins())
}

func TestRelay_IngestRejectsGarbage(t *testing.T) {
	r := NewRelay(time.Minute, nil, nil)
	assert.Error(t, r.Ingest("w", []byte{0x05, 0xff, 0xff}))
	assert.Equal(t, 0, r.Origins())
}

func TestRelay_CleanStale(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	r := NewRelay(5*time.Minute, clk, nil)

	require.NoError(t, r.Ingest("dead", encodeFamilies(t, gaugeFamily("m", 1))))
	clk.SetTime(clk.Now().Add(3 * time.Minute))
	require.NoError(t, r.Ingest("alive", encodeFamilies(t, gaugeFamily("m", 2))))
	clk.SetTime(clk.Now().Add(3 * time.Minute))

	assert.Equal(t, []string{"dead"}, r.CleanStale())
	assert.Equal(t, 1, r.Origins())
}

func TestLegacyRegistry_ServesRelayFamilies(t *testing.T) {
	relay := NewRelay(time.Minute, nil, nil)
	l, err := NewLegacyRegistry("ray", relay, nil)
	require.NoError(t, err)
	require.NoError(t, relay.Ingest("w1", encodeFamilies(t, gaugeFamily("app_latency", 0.25))))

	v, ok := gaugeValue(t, l.Gatherer(), "app_latency", map[string]string{WorkerIDLabel: "w1"})
	require.True(t, ok)
	assert.Equal(t, 0.25, v)
}

func TestRecorder_LastWriteWins(t *testing.T) {
	r, err := NewRecorder("ray", nil)
	require.NoError(t, err)
	require.NoError(t, r.Register("app_load", "load", KindGauge))

	tags := map[string]string{"a": "1", "b": "2"}
	require.NoError(t, r.Set("app_load", tags, 1))
	require.NoError(t, r.Set("app_load", map[string]string{"b": "2", "a": "1"}, 2))

	v, ok := r.Value("app_load", tags)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	got, ok := gaugeValue(t, r.Gatherer(), "ray_app_load", tags)
	require.True(t, ok)
	assert.Equal(t, 2.0, got)
}

func TestRecorder_KindIsImmutable(t *testing.T) {
	r, err := NewRecorder("ray", nil)
	require.NoError(t, err)

	require.NoError(t, r.Register("requests", "", KindMonotonicSum))
	require.NoError(t, r.Register("requests", "", KindMonotonicSum))

	err = r.Register("requests", "", KindGauge)
	var conflict *KindConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, KindMonotonicSum, conflict.Registered)
	assert.Equal(t, KindGauge, conflict.Requested)

	kind, ok := r.Registered("requests")
	require.True(t, ok)
	assert.Equal(t, KindMonotonicSum, kind)
}

func TestRecorder_SetUnregistered(t *testing.T) {
	r, err := NewRecorder("ray", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Set("nope", nil, 1), ErrNotRegistered)
}

func TestRecorder_RecordAndExportAndPurge(t *testing.T) {
	r, err := NewRecorder("ray", nil)
	require.NoError(t, err)

	recs := []records.Record{
		{Name: records.ComponentCPUPercentage, Value: 12, Tags: map[string]string{"ip": "a", "Component": "ray::A"}},
		{Name: records.ComponentCPUPercentage, Value: 30, Tags: map[string]string{"ip": "a", "Component": "raylet", "pid": "10"}},
	}
	require.NoError(t, r.RecordAndExport(context.Background(), recs, globalTags))

	kind, ok := r.Registered(records.ComponentCPUPercentage)
	require.True(t, ok)
	assert.Equal(t, KindGauge, kind)

	stale := map[string]string{"ip": "a", "Component": "ray::A", "Version": "2.9.0", "SessionName": "session_1"}
	v, ok := r.Value(records.ComponentCPUPercentage, stale)
	require.True(t, ok)
	assert.Equal(t, 12.0, v)

	r.Purge([]string{"ray::A"})
	_, ok = r.Value(records.ComponentCPUPercentage, stale)
	assert.False(t, ok)

	_, ok = gaugeValue(t, r.Gatherer(), "ray_component_cpu_percentage", map[string]string{"Component": "ray::A"})
	assert.False(t, ok, "purged series no longer exported")
	v, ok = gaugeValue(t, r.Gatherer(), "ray_component_cpu_percentage", map[string]string{"Component": "raylet"})
	require.True(t, ok)
	assert.Equal(t, 30.0, v)
}

func otlpMetrics() pmetric.Metrics {
	md := pmetric.NewMetrics()
	ms := md.ResourceMetrics().AppendEmpty().ScopeMetrics().AppendEmpty().Metrics()

	g := ms.AppendEmpty()
	g.SetName("app_temperature")
	g.SetDescription("temperature")
	dp := g.SetEmptyGauge().DataPoints().AppendEmpty()
	dp.SetDoubleValue(36.6)
	dp.Attributes().PutStr("Component", "ray::A")

	c := ms.AppendEmpty()
	c.SetName("app_requests")
	sum := c.SetEmptySum()
	sum.SetIsMonotonic(true)
	sum.DataPoints().AppendEmpty().SetIntValue(7)

	u := ms.AppendEmpty()
	u.SetName("app_inflight")
	usum := u.SetEmptySum()
	usum.SetIsMonotonic(false)
	usum.DataPoints().AppendEmpty().SetIntValue(-2)

	h := ms.AppendEmpty()
	h.SetName("app_latency")
	h.SetEmptyHistogram().DataPoints().AppendEmpty().SetCount(3)
	return md
}

func TestDecodeMetrics_TaggedUnion(t *testing.T) {
	entries := DecodeMetrics(otlpMetrics())
	require.Len(t, entries, 3, "histograms are skipped")

	assert.Equal(t, Entry{Kind: KindGauge, Name: "app_temperature", Description: "temperature",
		Points: []Point{{Tags: map[string]string{"Component": "ray::A"}, Value: 36.6}}}, entries[0])
	assert.Equal(t, KindMonotonicSum, entries[1].Kind)
	assert.Equal(t, 7.0, entries[1].Points[0].Value)
	assert.Equal(t, KindNonMonotonicSum, entries[2].Kind)
	assert.Equal(t, -2.0, entries[2].Points[0].Value)
}

func TestReceiver_ExportAppliesBatch(t *testing.T) {
	rec, err := NewRecorder("ray", nil)
	require.NoError(t, err)
	recv := NewReceiver(rec, nil, nil, nil)

	_, err = recv.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(otlpMetrics()))
	require.NoError(t, err)

	v, ok := rec.Value("app_temperature", map[string]string{"Component": "ray::A"})
	require.True(t, ok)
	assert.Equal(t, 36.6, v)
	kind, _ := rec.Registered("app_inflight")
	assert.Equal(t, KindNonMonotonicSum, kind)
}

func TestReceiver_ConflictIsInvalidArgument(t *testing.T) {
	rec, err := NewRecorder("ray", nil)
	require.NoError(t, err)
	require.NoError(t, rec.Register("app_requests", "", KindGauge))

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pmetricotlp.RegisterGRPCServer(srv, NewReceiver(rec, nil, nil, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = pmetricotlp.NewGRPCClient(conn).Export(ctx, pmetricotlp.NewExportRequestFromMetrics(otlpMetrics()))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// The rest of the batch still landed.
	_, ok := rec.Value("app_temperature", map[string]string{"Component": "ray::A"})
	assert.True(t, ok)
	kind, _ := rec.Registered("app_requests")
	assert.Equal(t, KindGauge, kind)
}

func TestReceiver_ConflictReportedToErrorCollector(t *testing.T) {
	rec, err := NewRecorder("ray", nil)
	require.NoError(t, err)
	require.NoError(t, rec.Register("app_requests", "", KindGauge))
	ec := agenterrors.NewErrorCollector(clocktesting.NewFakePassiveClock(time.Now()))
	recv := NewReceiver(rec, nil, ec, nil)

	_, err = recv.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(otlpMetrics()))
	require.Error(t, err)
	active := ec.GetActiveErrors()
	require.Len(t, active, 1)
	assert.Equal(t, agenterrors.ErrKindConflict, active[0].Code)
	assert.Equal(t, "export.otlp", active[0].Component)

	// A clean batch clears the conflict.
	clean := pmetric.NewMetrics()
	g := clean.ResourceMetrics().AppendEmpty().ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	g.SetName("app_temperature")
	g.SetEmptyGauge().DataPoints().AppendEmpty().SetDoubleValue(1)
	_, err = recv.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(clean))
	require.NoError(t, err)
	assert.Empty(t, ec.GetActiveErrors())
}

func TestNew_SelectsByMode(t *testing.T) {
	cfg := config.Config{ExportMode: config.ExportLegacy, MetricsNamespace: "ray"}
	e, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &LegacyRegistry{}, e)

	cfg.ExportMode = config.ExportOTel
	e, err = New(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Recorder{}, e)

	cfg.ExportMode = "statsd"
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)

	assert.Equal(t, map[string]string{"Version": "v", "SessionName": "s"},
		GlobalTags(config.Config{Version: "v", SessionName: "s"}))
}

func TestRelay_Reset(t *testing.T) {
	r := NewRelay(time.Minute, nil, nil)
	require.NoError(t, r.Ingest("a", encodeFamilies(t, gaugeFamily("m", 1))))
	require.NoError(t, r.Ingest("b", encodeFamilies(t, gaugeFamily("m", 2))))

	assert.Equal(t, 2, r.Reset())
	assert.Equal(t, 0, r.Origins())
	families, err := r.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
