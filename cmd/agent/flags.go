package main

import (
	"github.com/spf13/pflag"

	"github.com/kubeadapt/node-reporter/internal/config"
)

// applyFlags overrides cfg with the command-line flags that were set.
// Unset flags leave the environment-derived values in place.
func applyFlags(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("node-reporter", pflag.ContinueOnError)
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "unique id of this node")
	fs.StringVar(&cfg.NodeIP, "node-ip", cfg.NodeIP, "IP address of this node")
	fs.StringVar(&cfg.SessionName, "session-name", cfg.SessionName, "cluster session name attached to every exported metric")
	fs.StringVar(&cfg.PrimaryAddress, "primary-address", cfg.PrimaryAddress, "host:port of the cluster coordinator")
	fs.StringVar(&cfg.KVURL, "kv-url", cfg.KVURL, "KV store URL (redis://, rediss://, etcd://, memory://)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "HTTP port for health, metrics and legacy push")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "gRPC port for OTLP export (0 disables)")
	fs.StringVar(&cfg.ExportMode, "export-mode", cfg.ExportMode, "metric export mode: legacy or otel")
	fs.BoolVar(&cfg.MetricsCollectionDisabled, "disable-metrics-collection", cfg.MetricsCollectionDisabled, "skip metric export and ingestion")
	return fs.Parse(args)
}
