package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: REPORTER_NODE_ID is required")
	}

	if net.ParseIP(c.NodeIP) == nil {
		return fmt.Errorf("config: REPORTER_NODE_IP must be an IP address, got %q", c.NodeIP)
	}

	if c.UpdateInterval < 100*time.Millisecond {
		return fmt.Errorf("config: UpdateInterval must be >= 100ms, got %v", c.UpdateInterval)
	}

	if c.ExecutorWorkers < 1 {
		return fmt.Errorf("config: ExecutorWorkers must be >= 1, got %d", c.ExecutorWorkers)
	}

	if c.ExportMode != ExportLegacy && c.ExportMode != ExportOTel {
		return fmt.Errorf("config: REPORTER_EXPORT_MODE must be %q or %q, got %q", ExportLegacy, ExportOTel, c.ExportMode)
	}

	if !strings.Contains(c.KVURL, "://") {
		return fmt.Errorf("config: REPORTER_KV_URL must be a URL (redis://, etcd://, memory://), got %q", c.KVURL)
	}

	if c.KVTimeout <= 0 {
		return fmt.Errorf("config: KVTimeout must be > 0, got %v", c.KVTimeout)
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: MetricsPort must be 1-65535, got %d", c.MetricsPort)
	}

	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("config: GRPCPort must be 0-65535, got %d", c.GRPCPort)
	}

	if c.WorkerPrefix == "" {
		return fmt.Errorf("config: REPORTER_WORKER_PREFIX must not be empty")
	}

	if c.SupervisorMarker == "" {
		return fmt.Errorf("config: REPORTER_SUPERVISOR_MARKER must not be empty")
	}

	return nil
}
