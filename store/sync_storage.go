package store

import (
	"bytes"
	"context"
	"errors"

	"github.com/breez/kv-sync/kv"
)

var (
	ErrSetConflict = errors.New("set conflict")
	ErrNotFound    = errors.New("record not found")
	// ErrLocalChanged is returned when a remote record is applied on top of
	// a local version that is no longer the latest one.
	ErrLocalChanged = errors.New("local record changed")
	// ErrSchemaIncompatible is returned when an existing database cannot be
	// migrated in place.
	ErrSchemaIncompatible = errors.New("incompatible schema")
)

// SetConflictError carries the record that made a version gated write fail.
type SetConflictError struct {
	Current *StoredRecord
}

func (e *SetConflictError) Error() string {
	return ErrSetConflict.Error()
}

func (e *SetConflictError) Is(target error) bool {
	return target == ErrSetConflict
}

// StoredRecord is the current state of a key in the store of record.
type StoredRecord struct {
	Key     string
	Data    []byte
	Version uint64
	Time    int64
	Deleted bool
}

func (r *StoredRecord) Remote() *kv.RemoteRecord {
	return &kv.RemoteRecord{
		Key:     r.Key,
		Version: r.Version,
		Time:    r.Time,
		Deleted: r.Deleted,
		Value:   r.Data,
	}
}

// SyncStorage is the store of record behind the remote server. Every user
// owns an independent key space.
type SyncStorage interface {
	GetRecord(ctx context.Context, userID, key string) (*StoredRecord, error)
	// SetRecord writes data (or a tombstone) if the key's current version
	// equals expectedVersion, zero meaning the key must not exist yet.
	SetRecord(ctx context.Context, userID, key string, data []byte, deleted bool, expectedVersion uint64) (*StoredRecord, error)
	// ListKeys returns every key of the user without data.
	ListKeys(ctx context.Context, userID string) ([]StoredRecord, error)
	Close() error
}

// CacheStorage is the device local, append only version history.
type CacheStorage interface {
	PutLocal(ctx context.Context, key string, value []byte) (*kv.Record, error)
	DeleteLocal(ctx context.Context, key string) (*kv.Record, error)
	Latest(ctx context.Context, key string) (*kv.Record, error)
	AllLatest(ctx context.Context) ([]kv.Record, error)
	History(ctx context.Context, key string) ([]kv.Record, error)
	// ApplyRemote appends a synced row built from remote, provided the
	// latest local version is still expectedLocalVersion.
	ApplyRemote(ctx context.Context, expectedLocalVersion uint64, remote *kv.RemoteRecord) (*kv.Record, error)
	// MarkSynced records that localVersion is stored remotely as
	// remoteVersion at time.
	MarkSynced(ctx context.Context, key string, localVersion, remoteVersion uint64, time int64) (*kv.Record, error)
	Close() error
}

// NextWrite decides the version and time of a write to the store of record.
// A replay of the write that produced current is reported as a no-op.
func NextWrite(current *StoredRecord, data []byte, deleted bool, expectedVersion uint64, now int64) (version uint64, time int64, noop bool, err error) {
	if current == nil {
		if expectedVersion != 0 {
			return 0, 0, false, ErrNotFound
		}
		return 1, now, false, nil
	}
	if current.Version != expectedVersion {
		if current.Version == expectedVersion+1 && current.Deleted == deleted && (deleted || bytes.Equal(current.Data, data)) {
			return current.Version, current.Time, true, nil
		}
		return 0, 0, false, &SetConflictError{Current: current}
	}
	if now <= current.Time {
		now = current.Time + 1
	}
	return current.Version + 1, now, false, nil
}
