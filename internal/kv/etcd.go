package kv

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
)

// Etcd is a Store backed by an etcd v3 cluster. Keys live under an optional prefix.
type Etcd struct {
	client *clientv3.Client
	kv     clientv3.KV
}

// NewEtcd creates a client for endpoints. Dialing does not block.
func NewEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: etcd client: %w", err)
	}
	e := &Etcd{client: cli, kv: cli.KV}
	if prefix != "" {
		e.kv = namespace.NewKV(cli.KV, prefix)
	}
	return e, nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv: etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.kv.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("kv: etcd put %q: %w", key, err)
	}
	return nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
