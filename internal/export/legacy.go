package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/node-reporter/internal/records"
)

// LegacyRegistry exports records as Prometheus gauges, one GaugeVec per
// catalogue descriptor labelled by the descriptor's tag keys.
type LegacyRegistry struct {
	registry *prometheus.Registry
	gauges   map[string]*prometheus.GaugeVec
	relay    *Relay
	logger   *slog.Logger
}

// NewLegacyRegistry registers a gauge for every catalogue descriptor under
// namespace. Families held by relay, if any, are served alongside.
func NewLegacyRegistry(namespace string, relay *Relay, logger *slog.Logger) (*LegacyRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LegacyRegistry{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]*prometheus.GaugeVec),
		relay:    relay,
		logger:   logger.With("component", "export.legacy"),
	}
	for _, d := range records.Catalogue() {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      d.Name,
			Help:      d.Help,
		}, d.TagKeys)
		if err := l.registry.Register(g); err != nil {
			return nil, fmt.Errorf("register gauge %s: %w", d.Name, err)
		}
		l.gauges[d.Name] = g
	}
	return l, nil
}

// RecordAndExport sets one gauge per record. Labels missing from both the
// record and globalTags are exported empty; tags outside the descriptor's
// key set are dropped.
func (l *LegacyRegistry) RecordAndExport(_ context.Context, recs []records.Record, globalTags map[string]string) error {
	var errs *multierror.Error
	for _, rec := range recs {
		g, ok := l.gauges[rec.Name]
		if !ok {
			errs = multierror.Append(errs, records.Check(rec.Name))
			continue
		}
		d, _ := records.Lookup(rec.Name)
		labels := make(prometheus.Labels, len(d.TagKeys))
		for _, k := range d.TagKeys {
			if v, ok := rec.Tags[k]; ok {
				labels[k] = v
			} else {
				labels[k] = globalTags[k]
			}
		}
		m, err := g.GetMetricWith(labels)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("gauge %s: %w", rec.Name, err))
			continue
		}
		m.Set(rec.Value)
	}
	return errs.ErrorOrNil()
}

// Purge is a no-op: stale components are reset through zero-valued records.
func (l *LegacyRegistry) Purge([]string) {}

// Gatherer returns the registry merged with the relay's peer families.
func (l *LegacyRegistry) Gatherer() prometheus.Gatherer {
	if l.relay == nil {
		return l.registry
	}
	return prometheus.Gatherers{l.registry, l.relay}
}
