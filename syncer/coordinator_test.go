package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/sealer"
	"github.com/breez/kv-sync/store"
	"github.com/breez/kv-sync/store/sqlite"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryDSN() string {
	return fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New().String())
}

func newAuthority(t *testing.T) *store.RecordStore {
	storage, err := sqlite.NewSQLiteSyncStorage(memoryDSN())
	require.NoError(t, err, "failed to open sync storage")
	t.Cleanup(func() { storage.Close() })
	return store.NewRecordStore(storage, uuid.New().String())
}

func newCache(t *testing.T, opts ...sqlite.CacheOption) *sqlite.SQLiteCacheStorage {
	cache, err := sqlite.NewSQLiteCacheStorage(memoryDSN(), opts...)
	require.NoError(t, err, "failed to open cache")
	t.Cleanup(func() { cache.Close() })
	return cache
}

func newCoordinator(local store.CacheStorage, remote RemoteStore, opts ...Option) *Coordinator {
	opts = append([]Option{
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	return NewCoordinator(local, remote, opts...)
}

func laterClock() time.Time {
	return time.Now().Add(time.Hour)
}

func epochClock() time.Time {
	return time.UnixMilli(0)
}

var errConnectionReset = errors.New("connection reset")

// flakyRemote fails the next failures calls with transport errors.
type flakyRemote struct {
	RemoteStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyRemote) fail(key string) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return kv.Transport(key, errConnectionReset)
	}
	return nil
}

func (f *flakyRemote) Version(ctx context.Context, key string) (*kv.RemoteRecord, error) {
	if err := f.fail(key); err != nil {
		return nil, err
	}
	return f.RemoteStore.Version(ctx, key)
}

func (f *flakyRemote) Get(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error) {
	if err := f.fail(key); err != nil {
		return nil, err
	}
	return f.RemoteStore.Get(ctx, key, expectedVersion)
}

func (f *flakyRemote) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (*kv.RemoteRecord, error) {
	if err := f.fail(key); err != nil {
		return nil, err
	}
	return f.RemoteStore.Put(ctx, key, value, expectedVersion)
}

func (f *flakyRemote) Delete(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error) {
	if err := f.fail(key); err != nil {
		return nil, err
	}
	return f.RemoteStore.Delete(ctx, key, expectedVersion)
}

func (f *flakyRemote) ListKeys(ctx context.Context) ([]kv.RemoteRecord, error) {
	if err := f.fail(""); err != nil {
		return nil, err
	}
	return f.RemoteStore.ListKeys(ctx)
}

// lostReplyRemote applies the next put but reports a transport failure.
type lostReplyRemote struct {
	RemoteStore
	lose atomic.Bool
}

func (l *lostReplyRemote) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (*kv.RemoteRecord, error) {
	rec, err := l.RemoteStore.Put(ctx, key, value, expectedVersion)
	if err == nil && l.lose.CompareAndSwap(true, false) {
		return nil, kv.Transport(key, errConnectionReset)
	}
	return rec, err
}

// seedRemote writes versions 1 to n of key directly to the authority.
func seedRemote(t *testing.T, authority *store.RecordStore, key string, n int) {
	for i := 1; i <= n; i++ {
		rec, err := authority.Put(context.Background(), key, []byte(fmt.Sprintf("%v-%v", key, i)), uint64(i-1))
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.Version)
	}
}

func requireConverged(t *testing.T, cache store.CacheStorage, authority *store.RecordStore, key string) {
	ctx := context.Background()
	local, err := cache.Latest(ctx, key)
	require.NoError(t, err)
	require.False(t, local.Dirty, "%v is still dirty", key)

	remote, err := authority.Version(ctx, key)
	require.NoError(t, err)
	require.Equal(t, remote.Version, local.RemoteVersion, "%v versions differ", key)
	require.Equal(t, remote.Deleted, local.Deleted)
	if !remote.Deleted {
		remote, err = authority.Get(ctx, key, 0)
		require.NoError(t, err)
		require.Equal(t, remote.Value, local.Value, "%v values differ", key)
	}
}

func TestSyncKeyPushesLocalKey(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	_, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPushed, res.Action)
	require.Nil(t, res.Conflict)
	require.Equal(t, uint64(1), res.Record.RemoteVersion)
	require.False(t, res.Record.Dirty)
	requireConverged(t, cache, authority, "k")

	res = c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionNone, res.Action)
}

func TestSyncKeyPullsRemoteKey(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 2)
	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPulled, res.Action)
	require.Equal(t, uint64(2), res.Record.RemoteVersion)
	require.Equal(t, []byte("k-2"), res.Record.Value)
	requireConverged(t, cache, authority, "k")

	rec, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("k-2"), rec.Value)
}

func TestSyncKeyNotFound(t *testing.T) {
	c := newCoordinator(newCache(t), newAuthority(t))
	res := c.SyncKey(context.Background(), "missing")
	require.True(t, res.Failed())
	require.Equal(t, kv.KindNotFound, res.Kind())
	require.ErrorIs(t, res.Err, kv.ErrNotFound)
}

func TestConflictLocalNewerIsPushed(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t, sqlite.WithClock(laterClock))
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 3)
	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, uint64(3), res.Record.RemoteVersion)

	_, err := c.Put(ctx, "k", []byte("mine"))
	require.NoError(t, err)
	_, err = authority.Put(ctx, "k", []byte("theirs"), 3)
	require.NoError(t, err)

	res = c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPushed, res.Action)
	require.NotNil(t, res.Conflict)
	require.Equal(t, kv.WinnerLocal, res.Conflict.Winner)
	require.Equal(t, uint64(3), res.Conflict.Local.RemoteVersion)
	require.Equal(t, uint64(4), res.Conflict.Remote.Version)
	require.Equal(t, uint64(5), res.Record.RemoteVersion)
	requireConverged(t, cache, authority, "k")

	remote, err := authority.Get(ctx, "k", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("mine"), remote.Value)
}

func TestConflictRemoteNewerIsPulled(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t, sqlite.WithClock(epochClock))
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 3)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	_, err := c.Put(ctx, "k", []byte("mine"))
	require.NoError(t, err)
	_, err = authority.Put(ctx, "k", []byte("theirs"), 3)
	require.NoError(t, err)

	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPulled, res.Action)
	require.NotNil(t, res.Conflict)
	require.Equal(t, kv.WinnerRemote, res.Conflict.Winner)
	require.Equal(t, uint64(4), res.Record.RemoteVersion)
	require.Equal(t, []byte("theirs"), res.Record.Value)
	requireConverged(t, cache, authority, "k")

	// the losing edit stays in the history
	history, err := c.History(ctx, "k")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, []byte("mine"), history[1].Value)
}

func TestSyncAllConverges(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	_, err := authority.Put(ctx, "b", []byte("remote-b"), 0)
	require.NoError(t, err)
	_, err = authority.Put(ctx, "c", []byte("remote-c"), 0)
	require.NoError(t, err)
	_, err = c.Put(ctx, "a", []byte("local-a"))
	require.NoError(t, err)
	_, err = c.Put(ctx, "b", []byte("local-b"))
	require.NoError(t, err)

	results, err := c.SyncAll(ctx)
	require.NoError(t, err)
	require.NoError(t, Unresolved(results))
	require.Len(t, results, 3)
	for i, key := range []string{"a", "b", "c"} {
		require.Equal(t, key, results[i].Key)
		requireConverged(t, cache, authority, key)
	}
	require.Equal(t, kv.ActionPushed, results[0].Action)
	require.NotNil(t, results[1].Conflict, "b changed on both sides")
	require.Equal(t, kv.ActionPulled, results[2].Action)

	// a second device converges to the same state
	other := newCache(t)
	results, err = newCoordinator(other, authority).SyncAll(ctx)
	require.NoError(t, err)
	require.NoError(t, Unresolved(results))
	for _, key := range []string{"a", "b", "c"} {
		requireConverged(t, other, authority, key)
	}
}

func TestSyncAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "remote", 2)
	_, err := c.Put(ctx, "local", []byte("v"))
	require.NoError(t, err)
	_, err = c.Put(ctx, "gone", []byte("v"))
	require.NoError(t, err)
	_, err = c.Delete(ctx, "gone")
	require.NoError(t, err)

	_, err = c.SyncAll(ctx)
	require.NoError(t, err)
	before, err := cache.AllLatest(ctx)
	require.NoError(t, err)
	remoteBefore, err := authority.ListKeys(ctx)
	require.NoError(t, err)

	results, err := c.SyncAll(ctx)
	require.NoError(t, err)
	for _, res := range results {
		require.NoError(t, res.Err)
		require.Equal(t, kv.ActionNone, res.Action, res.Key)
	}
	after, err := cache.AllLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	remoteAfter, err := authority.ListKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, remoteBefore, remoteAfter)
}

func TestAcknowledgedTombstoneStaysClean(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 1)
	_, err := authority.Delete(ctx, "k", 1)
	require.NoError(t, err)
	results, err := c.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, kv.ActionPulled, results[0].Action)

	// revived and deleted again before the next sync
	_, err = c.Put(ctx, "k", []byte("revived"))
	require.NoError(t, err)
	_, err = c.Delete(ctx, "k")
	require.NoError(t, err)

	results, err = c.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, kv.ActionAcknowledged, results[0].Action)
	require.False(t, results[0].Record.Dirty)
	requireConverged(t, cache, authority, "k")

	for i := 0; i < 2; i++ {
		results, err = c.SyncAll(ctx)
		require.NoError(t, err)
		require.Equal(t, kv.ActionNone, results[0].Action)
	}

	// a later remote edit is a plain pull
	_, err = authority.Put(ctx, "k", []byte("edited elsewhere"), 2)
	require.NoError(t, err)
	results, err = c.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, kv.ActionPulled, results[0].Action)
	require.Nil(t, results[0].Conflict)
	requireConverged(t, cache, authority, "k")
}

func TestTransportFailureLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	flaky := &flakyRemote{RemoteStore: authority}
	flaky.failures.Store(100)
	c := newCoordinator(cache, flaky, WithMaxRetries(2))

	written, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	res := c.SyncKey(ctx, "k")
	require.True(t, res.Failed())
	require.Equal(t, kv.KindTransport, res.Kind())
	require.ErrorIs(t, res.Err, errConnectionReset)
	require.Equal(t, int32(3), flaky.calls.Load(), "one call and two retries")

	latest, err := cache.Latest(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, written, latest)
	_, err = authority.Version(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	_, err = c.SyncAll(ctx)
	require.Error(t, err, "listing remote keys fails")
}

func TestTransportFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	flaky := &flakyRemote{RemoteStore: authority}
	flaky.failures.Store(2)
	c := newCoordinator(cache, flaky, WithMaxRetries(3))

	_, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPushed, res.Action)
	require.Equal(t, int32(4), flaky.calls.Load())
	requireConverged(t, cache, authority, "k")
}

func TestLostPushReplyIsReplayed(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	lossy := &lostReplyRemote{RemoteStore: authority}
	lossy.lose.Store(true)
	c := newCoordinator(cache, lossy)

	_, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPushed, res.Action)
	require.Nil(t, res.Conflict, "the replay is not a conflict")
	require.Equal(t, uint64(1), res.Record.RemoteVersion)
	requireConverged(t, cache, authority, "k")
}

func TestLostPushReplyAcrossSyncs(t *testing.T) {
	for name, sealed := range map[string]bool{"plain": false, "sealed": true} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			authority := newAuthority(t)
			lossy := &lostReplyRemote{RemoteStore: authority}
			lossy.lose.Store(true)
			opts := []Option{WithMaxRetries(0)}
			if sealed {
				s, err := sealer.New(make([]byte, 32))
				require.NoError(t, err)
				opts = append(opts, WithSealer(s))
			}
			// the device clock runs ahead, so a resolver would keep the local copy
			c := newCoordinator(newCache(t, sqlite.WithClock(laterClock)), lossy, opts...)

			_, err := c.Put(ctx, "k", []byte("v"))
			require.NoError(t, err)
			res := c.SyncKey(ctx, "k")
			require.Equal(t, kv.KindTransport, res.Kind())

			res = c.SyncKey(ctx, "k")
			require.NoError(t, res.Err)
			require.Equal(t, kv.ActionAcknowledged, res.Action)
			require.Nil(t, res.Conflict, "the stored write is this device's own")
			require.False(t, res.Record.Dirty)
			require.Equal(t, uint64(1), res.Record.RemoteVersion)

			remote, err := authority.Version(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, uint64(1), remote.Version, "no duplicate remote version")
			require.Equal(t, kv.ActionNone, c.SyncKey(ctx, "k").Action)
		})
	}
}

func TestOversizedValueIsRejected(t *testing.T) {
	ctx := context.Background()
	s, err := sealer.New(make([]byte, 32))
	require.NoError(t, err)
	c := newCoordinator(newCache(t), newAuthority(t), WithSealer(s))

	_, err = c.Put(ctx, "k", make([]byte, kv.MaxValueSize))
	require.ErrorIs(t, err, kv.ErrTooLarge, "sealing would push it over the limit")
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	_, err = c.Put(ctx, "k", make([]byte, kv.MaxValueSize-sealer.Overhead))
	require.NoError(t, err)
}

func TestDeleteRace(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t, sqlite.WithClock(laterClock))
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 1)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	_, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	_, err = authority.Put(ctx, "k", []byte("edited"), 1)
	require.NoError(t, err)

	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPushed, res.Action)
	require.Equal(t, kv.WinnerLocal, res.Conflict.Winner)
	require.True(t, res.Record.Deleted)
	requireConverged(t, cache, authority, "k")

	_, err = authority.Get(ctx, "k", 0)
	require.ErrorIs(t, err, kv.ErrTombstoned)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrTombstoned)
}

func TestDeleteRaceRemoteWins(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t, sqlite.WithClock(laterClock))
	c := newCoordinator(cache, authority, WithResolver(RemoteWins))

	seedRemote(t, authority, "k", 1)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	_, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	_, err = authority.Put(ctx, "k", []byte("edited"), 1)
	require.NoError(t, err)

	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPulled, res.Action)
	require.False(t, res.Record.Deleted)
	require.Equal(t, []byte("edited"), res.Record.Value)
	requireConverged(t, cache, authority, "k")
}

func TestRemoteDeleteIsPulled(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 1)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	_, err := authority.Delete(ctx, "k", 1)
	require.NoError(t, err)

	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPulled, res.Action)
	require.True(t, res.Record.Deleted)
	requireConverged(t, cache, authority, "k")

	res = c.SyncKey(ctx, "k")
	require.NoError(t, res.Err, "a tombstone known to both sides is not an error")
	require.Equal(t, kv.ActionNone, res.Action)
	require.True(t, res.Record.Deleted)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestConcurrentDeletes(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	seedRemote(t, authority, "k", 1)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	_, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	_, err = authority.Delete(ctx, "k", 1)
	require.NoError(t, err)

	res := c.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPulled, res.Action)
	require.Nil(t, res.Conflict)
	requireConverged(t, cache, authority, "k")
}

func TestConcurrentWritesAndSyncs(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	cache := newCache(t)
	c := newCoordinator(cache, authority)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := c.Put(ctx, "k", []byte(fmt.Sprintf("%v-%v", i, j)))
				assert.NoError(t, err)
				res := c.SyncKey(ctx, "k")
				assert.NoError(t, res.Err)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, c.SyncKey(ctx, "k").Err)
	requireConverged(t, cache, authority, "k")
	history, err := c.History(ctx, "k")
	require.NoError(t, err)
	require.Len(t, history, 40)
}

func TestSealedValues(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	s, err := sealer.FromPrivateKey(privateKey)
	require.NoError(t, err)

	first := newCoordinator(newCache(t), authority, WithSealer(s))
	second := newCoordinator(newCache(t), authority, WithSealer(s))

	_, err = first.Put(ctx, "k", []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, first.SyncKey(ctx, "k").Err)

	stored, err := authority.Get(ctx, "k", 0)
	require.NoError(t, err)
	require.NotEqual(t, []byte("secret"), stored.Value)

	res := second.SyncKey(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, []byte("secret"), res.Record.Value)

	// values that were not sealed with the key are rejected
	_, err = authority.Put(ctx, "plain", []byte("plain"), 0)
	require.NoError(t, err)
	res = second.SyncKey(ctx, "plain")
	require.Equal(t, kv.KindTransport, res.Kind())
	_, err = second.Get(ctx, "plain")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestUnresolved(t *testing.T) {
	require.NoError(t, Unresolved([]kv.Result{{Key: "a"}}))

	err := Unresolved([]kv.Result{
		{Key: "a"},
		kv.Failed("b", kv.Transport("b", errConnectionReset)),
		kv.Failed("c", kv.Conflict("c", &kv.RemoteRecord{Key: "c", Version: 7})),
	})
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 2)
	require.ErrorIs(t, err, kv.ErrTransport)
}

func TestAsync(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	c := newCoordinator(newCache(t), authority)

	_, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	res := <-c.SyncKeyAsync(ctx, "k")
	require.NoError(t, res.Err)
	require.Equal(t, kv.ActionPushed, res.Action)

	seedRemote(t, authority, "other", 1)
	outcome := <-c.SyncAllAsync(ctx)
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Results, 2)
	require.Equal(t, "other", outcome.Results[1].Key)
	require.Equal(t, kv.ActionPulled, outcome.Results[1].Action)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t)
	flaky := &flakyRemote{RemoteStore: authority}
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newCoordinator(newCache(t, sqlite.WithClock(laterClock)), flaky, WithMetrics(metrics), WithMaxRetries(0))

	_, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	_, err = c.Put(ctx, "k", []byte("w"))
	require.NoError(t, err)
	_, err = authority.Put(ctx, "k", []byte("x"), 1)
	require.NoError(t, err)
	require.NoError(t, c.SyncKey(ctx, "k").Err)
	flaky.failures.Store(1)
	require.True(t, c.SyncKey(ctx, "k").Failed())

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.reconciliations.WithLabelValues("pushed")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.conflicts.WithLabelValues("local")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.failures.WithLabelValues("transport")))
}

func TestLocalAccess(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(newCache(t), newAuthority(t))

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
	_, err = c.Delete(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
	_, err = c.History(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	_, err = c.Put(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	rec, err := c.Put(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.LocalVersion)
	require.True(t, rec.Dirty)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, []byte("v2"), keys[0].Value)
}
