package store

import (
	"context"
	"errors"

	"github.com/breez/kv-sync/kv"
)

// RecordStore is one user's view of a SyncStorage with failures expressed
// as *kv.Error values.
type RecordStore struct {
	storage SyncStorage
	userID  string
}

func NewRecordStore(storage SyncStorage, userID string) *RecordStore {
	return &RecordStore{storage: storage, userID: userID}
}

func storageError(key string, err error) error {
	var conflict *SetConflictError
	switch {
	case errors.As(err, &conflict):
		return kv.Conflict(key, conflict.Current.Remote())
	case errors.Is(err, ErrNotFound):
		return kv.NotFound(key)
	}
	return kv.Transport(key, err)
}

func (s *RecordStore) Version(ctx context.Context, key string) (*kv.RemoteRecord, error) {
	current, err := s.storage.GetRecord(ctx, s.userID, key)
	if err != nil {
		return nil, storageError(key, err)
	}
	remote := current.Remote()
	remote.Value = nil
	return remote, nil
}

func (s *RecordStore) Get(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error) {
	current, err := s.storage.GetRecord(ctx, s.userID, key)
	if err != nil {
		return nil, storageError(key, err)
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, kv.Conflict(key, current.Remote())
	}
	if current.Deleted {
		return nil, kv.Tombstoned(key, current.Remote())
	}
	remote := current.Remote()
	if remote.Value == nil {
		remote.Value = []byte{}
	}
	return remote, nil
}

func (s *RecordStore) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (*kv.RemoteRecord, error) {
	if value == nil {
		value = []byte{}
	}
	written, err := s.storage.SetRecord(ctx, s.userID, key, value, false, expectedVersion)
	if err != nil {
		return nil, storageError(key, err)
	}
	remote := written.Remote()
	remote.Value = value
	return remote, nil
}

func (s *RecordStore) Delete(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error) {
	written, err := s.storage.SetRecord(ctx, s.userID, key, nil, true, expectedVersion)
	if err != nil {
		return nil, storageError(key, err)
	}
	return written.Remote(), nil
}

func (s *RecordStore) ListKeys(ctx context.Context) ([]kv.RemoteRecord, error) {
	records, err := s.storage.ListKeys(ctx, s.userID)
	if err != nil {
		return nil, kv.Transport("", err)
	}
	keys := make([]kv.RemoteRecord, len(records))
	for i := range records {
		keys[i] = *records[i].Remote()
		keys[i].Value = nil
	}
	return keys, nil
}
