package config

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Export modes.
const (
	ExportLegacy = "legacy"
	ExportOTel   = "otel"
)

// Config holds all agent configuration values.
type Config struct {
	NodeID         string
	NodeIP         string
	SessionName    string
	Version        string
	PrimaryAddress string // host:port of the cluster coordinator; the node whose IP matches is primary
	KVURL          string
	KVTimeout      time.Duration
	KeyPrefix      string

	UpdateInterval  time.Duration
	ExecutorWorkers int

	EnableK8sDiskUsage  bool   // REPORTER_ENABLE_K8S_DISK_USAGE, default: false
	TPUDevicePluginAddr string // TPU_DEVICE_PLUGIN_ADDR, default: "" (TPU sampling off)

	ExportMode                string // REPORTER_EXPORT_MODE, legacy|otel
	MetricsCollectionDisabled bool
	MetricsPort               int
	MetricsNamespace          string
	GRPCPort                  int // 0 disables the gRPC listener
	RelayTTL                  time.Duration

	SupervisorMarker string
	WorkerPrefix     string

	LogDir         string
	LogLevel       slog.Level
	DebugEndpoints bool // REPORTER_DEBUG_ENDPOINTS, default: false; enables pprof/debug on the metrics port

	// Delegated profilers. "{pid}", "{duration}" and "{format}" are substituted.
	TraceDumpCmd     string
	CPUProfileCmd    string
	GPUProfileCmd    string
	MemoryProfileCmd string
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		NodeID:         os.Getenv("REPORTER_NODE_ID"),
		NodeIP:         envOrDefault("REPORTER_NODE_IP", "127.0.0.1"),
		SessionName:    envOrDefault("REPORTER_SESSION_NAME", "session_latest"),
		Version:        envOrDefault("REPORTER_VERSION", "dev"),
		PrimaryAddress: os.Getenv("REPORTER_PRIMARY_ADDRESS"),
		KVURL:          envOrDefault("REPORTER_KV_URL", "memory://"),
		KVTimeout:      parseDuration("REPORTER_KV_TIMEOUT", 10*time.Second),
		KeyPrefix:      envOrDefault("REPORTER_KEY_PREFIX", "RAY_REPORTER:"),

		UpdateInterval:  parseDuration("REPORTER_UPDATE_INTERVAL", 2500*time.Millisecond),
		ExecutorWorkers: parseInt("REPORTER_EXECUTOR_WORKERS", 1),

		EnableK8sDiskUsage:  parseBool("REPORTER_ENABLE_K8S_DISK_USAGE", false),
		TPUDevicePluginAddr: os.Getenv("TPU_DEVICE_PLUGIN_ADDR"),

		ExportMode:                strings.ToLower(envOrDefault("REPORTER_EXPORT_MODE", ExportLegacy)),
		MetricsCollectionDisabled: parseBool("REPORTER_METRICS_COLLECTION_DISABLED", false),
		MetricsPort:               parseInt("REPORTER_METRICS_PORT", 8080),
		MetricsNamespace:          envOrDefault("REPORTER_METRICS_NAMESPACE", "ray"),
		GRPCPort:                  parseInt("REPORTER_GRPC_PORT", 0),
		RelayTTL:                  parseDuration("REPORTER_RELAY_TTL", 5*time.Minute),

		SupervisorMarker: envOrDefault("REPORTER_SUPERVISOR_MARKER", "raylet"),
		WorkerPrefix:     envOrDefault("REPORTER_WORKER_PREFIX", "ray::"),

		LogDir:         envOrDefault("REPORTER_LOG_DIR", os.TempDir()),
		LogLevel:       parseLevel("REPORTER_LOG_LEVEL", slog.LevelInfo),
		DebugEndpoints: parseBool("REPORTER_DEBUG_ENDPOINTS", false),

		TraceDumpCmd:     os.Getenv("REPORTER_TRACE_DUMP_CMD"),
		CPUProfileCmd:    os.Getenv("REPORTER_CPU_PROFILE_CMD"),
		GPUProfileCmd:    os.Getenv("REPORTER_GPU_PROFILE_CMD"),
		MemoryProfileCmd: os.Getenv("REPORTER_MEMORY_PROFILE_CMD"),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}

	return cfg
}

// IsPrimary reports whether this node hosts the cluster coordinator.
func (c Config) IsPrimary() bool {
	if c.PrimaryAddress == "" {
		return false
	}
	host, _, err := net.SplitHostPort(c.PrimaryAddress)
	if err != nil {
		host = c.PrimaryAddress
	}
	return host == c.NodeIP
}

// InKubernetes reports whether the agent runs inside a Kubernetes pod.
func InKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer milliseconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	ms, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return l
}
