// Package export ships metric records through one of two pipelines: a
// Prometheus gauge registry fed directly, with a relay for peer pushes, or an
// OpenTelemetry recorder that also accepts OTLP metric exports.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/node-reporter/internal/config"
	"github.com/kubeadapt/node-reporter/internal/records"
)

// Exporter is the active export strategy.
type Exporter interface {
	// RecordAndExport publishes recs with globalTags attached.
	RecordAndExport(ctx context.Context, recs []records.Record, globalTags map[string]string) error
	// Purge forgets every series of the named components.
	Purge(components []string)
	// Gatherer exposes the exported series for scraping.
	Gatherer() prometheus.Gatherer
}

var (
	_ Exporter = (*LegacyRegistry)(nil)
	_ Exporter = (*Recorder)(nil)
)

// New builds the exporter selected by cfg.ExportMode. The relay is attached to
// the legacy registry only.
func New(cfg config.Config, relay *Relay, logger *slog.Logger) (Exporter, error) {
	switch cfg.ExportMode {
	case config.ExportLegacy:
		return NewLegacyRegistry(cfg.MetricsNamespace, relay, logger)
	case config.ExportOTel:
		return NewRecorder(cfg.MetricsNamespace, logger)
	default:
		return nil, fmt.Errorf("unknown export mode %q", cfg.ExportMode)
	}
}

// GlobalTags returns the tags attached to every record of the node.
func GlobalTags(cfg config.Config) map[string]string {
	return map[string]string{"Version": cfg.Version, "SessionName": cfg.SessionName}
}
