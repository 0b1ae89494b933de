package syncer

import (
	"context"

	"github.com/breez/kv-sync/kv"
)

// RemoteStore is the authority the coordinator reconciles against. Failures
// are *kv.Error values; conflicts and tombstones carry the remote record.
type RemoteStore interface {
	Version(ctx context.Context, key string) (*kv.RemoteRecord, error)
	Get(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error)
	Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (*kv.RemoteRecord, error)
	Delete(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error)
	ListKeys(ctx context.Context) ([]kv.RemoteRecord, error)
}

// Watcher is implemented by remotes that push change notifications.
type Watcher interface {
	Watch(ctx context.Context, fn func(kv.RemoteRecord)) error
}
