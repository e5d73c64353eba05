package tpu

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// Collector scrapes the device plugin once per call. It disables itself for
// its lifetime when no address is configured or when the plugin cannot be
// reached before the first successful scrape.
type Collector struct {
	client *http.Client
	addr   string
	logger *slog.Logger

	mu        sync.Mutex
	disabled  bool
	succeeded bool
}

// NewCollector creates a Collector for the device plugin at addr.
func NewCollector(client *http.Client, addr string, logger *slog.Logger) *Collector {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client:   client,
		addr:     addr,
		logger:   logger.With("component", "collector.tpu"),
		disabled: addr == "",
	}
}

// Disabled reports whether TPU sampling has been turned off.
func (c *Collector) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Sample returns merged per-chip TPU figures, or an empty list.
func (c *Collector) Sample(ctx context.Context) []model.TPUInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return []model.TPUInfo{}
	}

	body, err := scrapeEndpoint(ctx, c.client, c.addr)
	if err != nil {
		if !c.succeeded {
			c.disabled = true
			c.logger.Info("tpu device plugin unreachable, disabling tpu sampling",
				"addr", c.addr,
				"error", err,
			)
		} else {
			c.logger.Debug("failed to scrape tpu device plugin", "addr", c.addr, "error", err)
		}
		return []model.TPUInfo{}
	}
	c.succeeded = true

	chips := ParseTPUMetrics(body)
	c.logger.Debug("tpu scrape complete", "chip_count", len(chips))
	return chips
}
