package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kubeadapt/node-reporter/internal/records"
	"github.com/kubeadapt/node-reporter/internal/store"
)

// Kind is the instrument kind a metric name is bound to.
type Kind int

// Instrument kinds.
const (
	KindGauge Kind = iota
	KindMonotonicSum
	KindNonMonotonicSum
)

func (k Kind) String() string {
	switch k {
	case KindGauge:
		return "gauge"
	case KindMonotonicSum:
		return "monotonic_sum"
	case KindNonMonotonicSum:
		return "non_monotonic_sum"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindConflictError is returned when a metric name is registered under a
// kind other than the one it was first registered with.
type KindConflictError struct {
	Name       string
	Registered Kind
	Requested  Kind
}

func (e *KindConflictError) Error() string {
	return fmt.Sprintf("metric %q is registered as %s, cannot register as %s", e.Name, e.Registered, e.Requested)
}

// ErrNotRegistered is returned when a value is set for an unknown metric.
var ErrNotRegistered = errors.New("metric not registered")

type observation struct {
	name      string
	component string
	attrs     attribute.Set
	value     float64
}

// Recorder stores the latest value per (metric, tag set) and exposes them
// through observable OpenTelemetry instruments read by a Prometheus exporter.
type Recorder struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	logger   *slog.Logger

	mu          sync.Mutex
	instruments map[string]Kind

	values *store.TypedStore[observation]
}

// NewRecorder creates a Recorder whose instruments are exposed on a private
// registry under namespace.
func NewRecorder(namespace string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithNamespace(namespace),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo(),
		otelprom.WithoutUnits(),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Recorder{
		registry:    reg,
		provider:    provider,
		meter:       provider.Meter("github.com/kubeadapt/node-reporter"),
		logger:      logger.With("component", "export.otel"),
		instruments: make(map[string]Kind),
		values:      store.NewTypedStore[observation](),
	}, nil
}

// Register binds name to kind, creating the instrument on first sight.
// Registering a known name under its own kind is a no-op; under another kind
// it returns *KindConflictError and changes nothing.
func (r *Recorder) Register(name, description string, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[name]; ok {
		if existing != kind {
			return &KindConflictError{Name: name, Registered: existing, Requested: kind}
		}
		return nil
	}

	desc := metric.WithDescription(description)
	cb := metric.WithFloat64Callback(r.observe(name))
	var err error
	switch kind {
	case KindGauge:
		_, err = r.meter.Float64ObservableGauge(name, desc, cb)
	case KindMonotonicSum:
		_, err = r.meter.Float64ObservableCounter(name, desc, cb)
	case KindNonMonotonicSum:
		_, err = r.meter.Float64ObservableUpDownCounter(name, desc, cb)
	default:
		return fmt.Errorf("register %q: unknown kind %s", name, kind)
	}
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	r.instruments[name] = kind
	return nil
}

// Registered returns the kind name is bound to.
func (r *Recorder) Registered(name string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.instruments[name]
	return k, ok
}

func (r *Recorder) observe(name string) metric.Float64Callback {
	return func(_ context.Context, o metric.Float64Observer) error {
		for _, ob := range r.values.Values() {
			if ob.name == name {
				o.Observe(ob.value, metric.WithAttributeSet(ob.attrs))
			}
		}
		return nil
	}
}

// Set stores value for (name, tags). The last write for a tag set wins.
func (r *Recorder) Set(name string, tags map[string]string, value float64) error {
	if _, ok := r.Registered(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	kvs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kvs = append(kvs, attribute.String(k, v))
	}
	r.values.Set(seriesKey(name, tags), observation{
		name:      name,
		component: tags["Component"],
		attrs:     attribute.NewSet(kvs...),
		value:     value,
	})
	return nil
}

// Value returns the stored value for (name, tags).
func (r *Recorder) Value(name string, tags map[string]string) (float64, bool) {
	ob, ok := r.values.Get(seriesKey(name, tags))
	return ob.value, ok
}

// RecordAndExport registers every record's descriptor as a gauge, stores
// the values with globalTags attached and flushes the provider.
func (r *Recorder) RecordAndExport(ctx context.Context, recs []records.Record, globalTags map[string]string) error {
	var errs *multierror.Error
	for _, rec := range recs {
		d, ok := records.Lookup(rec.Name)
		if !ok {
			errs = multierror.Append(errs, records.Check(rec.Name))
			continue
		}
		if err := r.Register(d.Name, d.Help, KindGauge); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := r.Set(d.Name, mergeTags(globalTags, rec.Tags), rec.Value); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := r.provider.ForceFlush(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("flush meter provider: %w", err))
	}
	return errs.ErrorOrNil()
}

// Purge deletes every stored value whose Component tag is in components.
func (r *Recorder) Purge(components []string) {
	if len(components) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(components))
	for _, c := range components {
		drop[c] = struct{}{}
	}
	n := r.values.DeleteFunc(func(_ string, ob observation) bool {
		_, ok := drop[ob.component]
		return ok
	})
	r.logger.Debug("purged component series", "components", components, "series", n)
}

// Gatherer returns the registry the recorder's instruments are exported on.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Shutdown stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

func seriesKey(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// mergeTags returns base overlaid with tags.
func mergeTags(base, tags map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(tags))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range tags {
		out[k] = v
	}
	return out
}
