package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/breez/kv-sync/kv"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func (s *StoreTest) TestAddRecords(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	r1, err := storage.SetRecord(ctx, userID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, uint64(1), r1.Version)
	require.NotZero(t, r1.Time)

	r2, err := storage.SetRecord(ctx, userID, "a2", []byte("data2"), false, 0)
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, uint64(1), r2.Version)

	keys, err := storage.ListKeys(ctx, userID)
	require.NoError(t, err, "failed to call ListKeys")
	require.Equal(t, []StoredRecord{
		{Key: "a1", Version: 1, Time: r1.Time},
		{Key: "a2", Version: 1, Time: r2.Time},
	}, keys)

	got, err := storage.GetRecord(ctx, userID, "a1")
	require.NoError(t, err, "failed to call GetRecord a1")
	require.Equal(t, []byte("data1"), got.Data)

	// Test different user with same key
	anotherUserID := uuid.New().String()
	r, err := storage.SetRecord(ctx, anotherUserID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, uint64(1), r.Version)
}

func (s *StoreTest) TestUpdateRecords(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	r1, err := storage.SetRecord(ctx, userID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err, "failed to call SetRecord a1")

	r2, err := storage.SetRecord(ctx, userID, "a1", []byte("data2"), false, 1)
	require.NoError(t, err, "failed to update a1")
	require.Equal(t, uint64(2), r2.Version)
	require.Greater(t, r2.Time, r1.Time)

	got, err := storage.GetRecord(ctx, userID, "a1")
	require.NoError(t, err, "failed to call GetRecord")
	require.Equal(t, &StoredRecord{Key: "a1", Data: []byte("data2"), Version: 2, Time: r2.Time}, got)
}

func (s *StoreTest) TestConflict(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	_, err := storage.SetRecord(ctx, userID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	_, err = storage.SetRecord(ctx, userID, "a1", []byte("data2"), false, 1)
	require.NoError(t, err, "failed to update a1")

	_, err = storage.SetRecord(ctx, userID, "a1", []byte("data3"), false, 0)
	require.ErrorIs(t, err, ErrSetConflict, "should have returned a conflict")
	var conflict *SetConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(2), conflict.Current.Version)
	require.Equal(t, []byte("data2"), conflict.Current.Data)

	_, err = storage.SetRecord(ctx, userID, "missing", []byte("data"), false, 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestReplay(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	first, err := storage.SetRecord(ctx, userID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err, "failed to call SetRecord a1")

	replay, err := storage.SetRecord(ctx, userID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err, "replayed write should be a no-op")
	require.Equal(t, first.Version, replay.Version)
	require.Equal(t, first.Time, replay.Time)

	_, err = storage.SetRecord(ctx, userID, "a1", []byte("other"), false, 0)
	require.ErrorIs(t, err, ErrSetConflict)

	got, err := storage.GetRecord(ctx, userID, "a1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Version)
}

func (s *StoreTest) TestTombstone(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	_, err := storage.GetRecord(ctx, userID, "a1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = storage.SetRecord(ctx, userID, "a1", []byte("data1"), false, 0)
	require.NoError(t, err)
	deleted, err := storage.SetRecord(ctx, userID, "a1", nil, true, 1)
	require.NoError(t, err, "failed to delete a1")
	require.Equal(t, uint64(2), deleted.Version)
	require.True(t, deleted.Deleted)

	replay, err := storage.SetRecord(ctx, userID, "a1", nil, true, 1)
	require.NoError(t, err, "replayed delete should be a no-op")
	require.Equal(t, uint64(2), replay.Version)

	keys, err := storage.ListKeys(ctx, userID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.True(t, keys[0].Deleted)

	revived, err := storage.SetRecord(ctx, userID, "a1", []byte("again"), false, 2)
	require.NoError(t, err, "failed to recreate a1")
	require.Equal(t, uint64(3), revived.Version)
	require.False(t, revived.Deleted)
}

func (s *StoreTest) RunAll(t *testing.T, storage SyncStorage) {
	t.Run("AddRecords", func(t *testing.T) { s.TestAddRecords(t, storage) })
	t.Run("UpdateRecords", func(t *testing.T) { s.TestUpdateRecords(t, storage) })
	t.Run("Conflict", func(t *testing.T) { s.TestConflict(t, storage) })
	t.Run("Replay", func(t *testing.T) { s.TestReplay(t, storage) })
	t.Run("Tombstone", func(t *testing.T) { s.TestTombstone(t, storage) })
}

// CacheStoreTest exercises a CacheStorage. Every test receives a fresh,
// empty cache from newCache.
type CacheStoreTest struct{}

func (s *CacheStoreTest) TestLocalVersions(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	var last uint64
	for i := 0; i < 5; i++ {
		rec, err := cache.PutLocal(ctx, "k", []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err, "failed to put k")
		require.Equal(t, last+1, rec.LocalVersion)
		last = rec.LocalVersion
	}
	rec, err := cache.DeleteLocal(ctx, "k")
	require.NoError(t, err, "failed to delete k")
	require.Equal(t, last+1, rec.LocalVersion)

	history, err := cache.History(ctx, "k")
	require.NoError(t, err)
	require.Len(t, history, 6)
	for i, h := range history {
		require.Equal(t, uint64(i+1), h.LocalVersion)
	}
}

func (s *CacheStoreTest) TestPutLatest(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	_, err := cache.Latest(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = cache.PutLocal(ctx, "k", []byte("one"))
	require.NoError(t, err)
	_, err = cache.PutLocal(ctx, "k", []byte("two"))
	require.NoError(t, err)

	rec, err := cache.Latest(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), rec.Value)
	require.False(t, rec.Deleted)
	require.True(t, rec.Dirty)
	require.Zero(t, rec.RemoteVersion)
}

func (s *CacheStoreTest) TestDeleteLatest(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	_, err := cache.DeleteLocal(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = cache.PutLocal(ctx, "k", []byte("one"))
	require.NoError(t, err)
	deleted, err := cache.DeleteLocal(ctx, "k")
	require.NoError(t, err)

	rec, err := cache.Latest(ctx, "k")
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.Nil(t, rec.Value)

	again, err := cache.DeleteLocal(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, deleted.LocalVersion, again.LocalVersion, "deleting a tombstone must not append")
}

func (s *CacheStoreTest) TestSyncState(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	rec, err := cache.PutLocal(ctx, "k", []byte("one"))
	require.NoError(t, err)

	synced, err := cache.MarkSynced(ctx, "k", rec.LocalVersion, 7, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(7), synced.RemoteVersion)
	require.Equal(t, int64(1000), synced.Time)
	require.False(t, synced.Dirty)

	edited, err := cache.PutLocal(ctx, "k", []byte("two"))
	require.NoError(t, err)
	require.Equal(t, uint64(7), edited.RemoteVersion)
	require.True(t, edited.Dirty)
	require.Greater(t, edited.Time, int64(1000))

	_, err = cache.ApplyRemote(ctx, rec.LocalVersion, &kv.RemoteRecord{Key: "k", Version: 8, Time: 2000, Value: []byte("remote")})
	require.ErrorIs(t, err, ErrLocalChanged)

	pulled, err := cache.ApplyRemote(ctx, edited.LocalVersion, &kv.RemoteRecord{Key: "k", Version: 8, Time: 2000, Value: []byte("remote")})
	require.NoError(t, err)
	require.Equal(t, edited.LocalVersion+1, pulled.LocalVersion)
	require.Equal(t, []byte("remote"), pulled.Value)
	require.Equal(t, uint64(8), pulled.RemoteVersion)
	require.False(t, pulled.Dirty)

	tomb, err := cache.ApplyRemote(ctx, pulled.LocalVersion, &kv.RemoteRecord{Key: "k", Version: 9, Time: 3000, Deleted: true})
	require.NoError(t, err)
	require.True(t, tomb.Deleted)
	require.Nil(t, tomb.Value)
	require.False(t, tomb.Dirty)

	fresh, err := cache.ApplyRemote(ctx, 0, &kv.RemoteRecord{Key: "new", Version: 3, Time: 10, Value: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), fresh.LocalVersion)
	require.False(t, fresh.Dirty)
}

func (s *CacheStoreTest) TestMarkSyncedCarriesForward(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	pushed, err := cache.PutLocal(ctx, "k", []byte("one"))
	require.NoError(t, err)
	// written while the push of "one" was in flight
	_, err = cache.PutLocal(ctx, "k", []byte("two"))
	require.NoError(t, err)

	_, err = cache.MarkSynced(ctx, "k", pushed.LocalVersion, 1, 500)
	require.NoError(t, err)

	latest, err := cache.Latest(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), latest.Value)
	require.Equal(t, uint64(1), latest.RemoteVersion)
	require.True(t, latest.Dirty)
}

func (s *CacheStoreTest) TestAcknowledgeSameRemoteVersion(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	_, err := cache.ApplyRemote(ctx, 0, &kv.RemoteRecord{Key: "k", Version: 4, Time: 100, Deleted: true})
	require.NoError(t, err)
	_, err = cache.PutLocal(ctx, "k", []byte("revived"))
	require.NoError(t, err)
	deleted, err := cache.DeleteLocal(ctx, "k")
	require.NoError(t, err)
	require.True(t, deleted.Dirty)
	require.Equal(t, uint64(4), deleted.RemoteVersion)

	// the remote still holds the tombstone at version 4
	acked, err := cache.MarkSynced(ctx, "k", deleted.LocalVersion, 4, 100)
	require.NoError(t, err)
	require.False(t, acked.Dirty)
	latest, err := cache.Latest(ctx, "k")
	require.NoError(t, err)
	require.False(t, latest.Dirty)
	require.True(t, latest.Synced())

	history, err := cache.History(ctx, "k")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.True(t, history[0].Synced(), "pulled tombstone")
	require.False(t, history[1].Synced(), "local edit never reached the remote")
	require.True(t, history[2].Synced())
}

func (s *CacheStoreTest) TestAllLatest(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	_, err := cache.PutLocal(ctx, "b", []byte("b1"))
	require.NoError(t, err)
	_, err = cache.PutLocal(ctx, "a", []byte("a1"))
	require.NoError(t, err)
	_, err = cache.PutLocal(ctx, "b", []byte("b2"))
	require.NoError(t, err)
	_, err = cache.DeleteLocal(ctx, "a")
	require.NoError(t, err)

	all, err := cache.AllLatest(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Key)
	require.True(t, all[0].Deleted)
	require.Equal(t, uint64(2), all[0].LocalVersion)
	require.Equal(t, "b", all[1].Key)
	require.Equal(t, []byte("b2"), all[1].Value)
	require.Equal(t, uint64(2), all[1].LocalVersion)
}

func (s *CacheStoreTest) TestConcurrentWrites(t *testing.T, cache CacheStorage) {
	ctx := context.Background()
	const writers = 8
	versions := make(chan uint64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := cache.PutLocal(ctx, "k", []byte(fmt.Sprintf("w%d", i)))
			if err == nil {
				versions <- rec.LocalVersion
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		require.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	require.Len(t, seen, writers)
}

func (s *CacheStoreTest) RunAll(t *testing.T, newCache func(t *testing.T) CacheStorage) {
	tests := map[string]func(*testing.T, CacheStorage){
		"LocalVersions":                s.TestLocalVersions,
		"PutLatest":                    s.TestPutLatest,
		"DeleteLatest":                 s.TestDeleteLatest,
		"SyncState":                    s.TestSyncState,
		"MarkSyncedCarriesForward":     s.TestMarkSyncedCarriesForward,
		"AcknowledgeSameRemoteVersion": s.TestAcknowledgeSameRemoteVersion,
		"AllLatest":                    s.TestAllLatest,
		"ConcurrentWrites":             s.TestConcurrentWrites,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cache := newCache(t)
			defer cache.Close()
			test(t, cache)
		})
	}
}
