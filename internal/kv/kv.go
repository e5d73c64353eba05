// Package kv is the client for the cluster-shared key-value store that node
// snapshots are published to and cluster status is read from.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("kv: key not found")

// Keys written by other cluster components.
const (
	AutoscalingStatusKey = "__autoscaling_status"
	CoordinatorPIDKey    = "__gcs_pid"
)

// Store is a byte-valued key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open connects to the store addressed by rawURL. Supported schemes are
// redis, rediss, etcd and memory. Connections are established lazily.
func Open(rawURL string, dialTimeout time.Duration) (Store, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("kv: %q is not a url", rawURL)
	}
	switch strings.ToLower(scheme) {
	case "memory":
		return NewMemory(), nil
	case "redis", "rediss":
		return NewRedis(rawURL)
	case "etcd":
		endpoints, prefix, err := parseEtcdURL(rest)
		if err != nil {
			return nil, err
		}
		return NewEtcd(endpoints, prefix, dialTimeout)
	default:
		return nil, fmt.Errorf("kv: unsupported scheme %q", scheme)
	}
}

// parseEtcdURL splits the part of etcd://host1:2379,host2:2379/prefix after
// the scheme into endpoints and a key prefix.
func parseEtcdURL(rest string) ([]string, string, error) {
	hosts, prefix, _ := strings.Cut(rest, "/")
	var endpoints []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			endpoints = append(endpoints, h)
		}
	}
	if len(endpoints) == 0 {
		return nil, "", errors.New("kv: etcd url has no endpoints")
	}
	return endpoints, prefix, nil
}
