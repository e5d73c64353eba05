package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"k8s.io/utils/clock"

	"github.com/kubeadapt/node-reporter/internal/store"
)

// WorkerIDLabel is added to relayed metrics pushed with an origin.
const WorkerIDLabel = "WorkerId"

// Relay republishes metric families pushed by peer processes on the node.
// Only the latest batch per origin is kept, and origins that stop pushing
// expire after the TTL.
type Relay struct {
	ttl     time.Duration
	batches *store.TypedStore[[]*dto.MetricFamily]
	logger  *slog.Logger
}

// NewRelay creates a Relay expiring origins after ttl.
func NewRelay(ttl time.Duration, clk clock.PassiveClock, logger *slog.Logger) *Relay {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		ttl:     ttl,
		batches: store.NewTypedStoreWithClock[[]*dto.MetricFamily](clk),
		logger:  logger.With("component", "export.relay"),
	}
}

// Ingest decodes a length-delimited protobuf MetricFamily stream and
// replaces the batch held for origin. An empty payload clears the batch.
func (r *Relay) Ingest(origin string, payload []byte) error {
	dec := expfmt.NewDecoder(bytes.NewReader(payload), expfmt.NewFormat(expfmt.TypeProtoDelim))
	var families []*dto.MetricFamily
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode metric families from %q: %w", origin, err)
		}
		if origin != "" {
			addWorkerLabel(mf, origin)
		}
		families = append(families, mf)
	}
	r.batches.Set(origin, families)
	return nil
}

func addWorkerLabel(mf *dto.MetricFamily, origin string) {
	name, value := WorkerIDLabel, origin
	for _, m := range mf.GetMetric() {
		labels := make([]*dto.LabelPair, 0, len(m.GetLabel())+1)
		for _, lp := range m.GetLabel() {
			if lp.GetName() != WorkerIDLabel {
				labels = append(labels, lp)
			}
		}
		labels = append(labels, &dto.LabelPair{Name: &name, Value: &value})
		sort.Slice(labels, func(i, j int) bool { return labels[i].GetName() < labels[j].GetName() })
		m.Label = labels
	}
}

// Gather implements prometheus.Gatherer by merging the families of every
// live origin by name.
func (r *Relay) Gather() ([]*dto.MetricFamily, error) {
	byName := map[string]*dto.MetricFamily{}
	batches := r.batches.Snapshot()
	origins := make([]string, 0, len(batches))
	for o := range batches {
		origins = append(origins, o)
	}
	sort.Strings(origins)

	for _, o := range origins {
		for _, mf := range batches[o] {
			merged, ok := byName[mf.GetName()]
			if !ok {
				merged = &dto.MetricFamily{Name: mf.Name, Help: mf.Help, Type: mf.Type, Unit: mf.Unit}
				byName[mf.GetName()] = merged
			}
			if merged.GetType() != mf.GetType() {
				r.logger.Debug("dropping relayed family with conflicting type",
					"family", mf.GetName(), "origin", o)
				continue
			}
			merged.Metric = append(merged.Metric, mf.GetMetric()...)
		}
	}

	out := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, nil
}

// CleanStale drops origins not refreshed within the TTL and returns them.
func (r *Relay) CleanStale() []string {
	removed := r.batches.DeleteOlderThan(r.ttl)
	if len(removed) > 0 {
		r.logger.Debug("dropped stale relay origins", "origins", removed)
	}
	return removed
}

// Origins returns the number of origins currently held.
func (r *Relay) Origins() int {
	return r.batches.Len()
}

// Reset drops every held origin and returns how many were dropped.
func (r *Relay) Reset() int {
	n := r.batches.Len()
	r.batches.Clear()
	return n
}
