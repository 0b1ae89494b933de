package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/store"
)

// maxPasses bounds how often a key is re-planned after racing a concurrent
// writer on either side.
const maxPasses = 4

type step int

const (
	stepNotFound step = iota
	stepNone
	stepPull
	stepPush
	stepAcknowledge
	stepConflict
)

func (s step) String() string {
	switch s {
	case stepNotFound:
		return "not_found"
	case stepNone:
		return "none"
	case stepPull:
		return "pull"
	case stepPush:
		return "push"
	case stepAcknowledge:
		return "acknowledge"
	}
	return "conflict"
}

// plan decides what reconciling local (nil when the cache never saw the key)
// against remote (nil when the authority never saw it) requires.
func plan(local *kv.Record, remote *kv.RemoteRecord) step {
	switch {
	case local == nil && remote == nil:
		return stepNotFound
	case local == nil:
		return stepPull
	case remote == nil:
		if local.Deleted {
			return stepNone
		}
		return stepPush
	case local.RemoteVersion == remote.Version:
		if !local.Dirty {
			return stepNone
		}
		if local.Deleted && remote.Deleted {
			return stepAcknowledge
		}
		return stepPush
	case !local.Dirty:
		return stepPull
	case local.Deleted && remote.Deleted:
		// both sides deleted, adopt the remote tombstone
		return stepPull
	}
	return stepConflict
}

// reconcile brings key to a state both sides agree on. remote is the last
// known remote metadata, nil when the key is absent remotely. The caller
// holds the key lock.
func (c *Coordinator) reconcile(ctx context.Context, key string, remote *kv.RemoteRecord) kv.Result {
	res := c.reconcilePasses(ctx, key, remote)
	c.metrics.observe(res)
	switch {
	case res.Failed():
		c.logger.Warn("key left unresolved",
			slog.String("key", key),
			slog.String("kind", res.Kind().String()),
			slog.Any("error", res.Err))
	case res.Conflict != nil:
		c.logger.Info("resolved version conflict",
			slog.String("key", key),
			slog.String("winner", res.Conflict.Winner.String()),
			slog.Uint64("local_version", res.Conflict.Local.LocalVersion),
			slog.Uint64("remote_version", res.Conflict.Remote.Version),
			slog.String("action", res.Action.String()))
	default:
		c.logger.Debug("key reconciled",
			slog.String("key", key),
			slog.String("action", res.Action.String()))
	}
	return res
}

func (c *Coordinator) reconcilePasses(ctx context.Context, key string, remote *kv.RemoteRecord) kv.Result {
	var conflict *kv.Resolution
	for pass := 0; pass < maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return kv.Failed(key, kv.Transport(key, err))
		}
		local, err := c.local.Latest(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			local = nil
		} else if err != nil {
			return kv.Failed(key, kv.Transport(key, err))
		}

		s := plan(local, remote)
		if s == stepConflict && !local.Deleted && !remote.Deleted {
			fetched, next, err := c.fetch(ctx, key, remote)
			if err != nil {
				return kv.Failed(key, err)
			}
			if fetched == nil {
				remote = next
				continue
			}
			remote = fetched
			value, err := c.open(key, remote.Value)
			if err != nil {
				return kv.Failed(key, err)
			}
			if bytes.Equal(value, local.Value) {
				// the remote already holds this write, as after a push whose
				// reply was lost
				s = stepAcknowledge
			}
		}
		if s == stepConflict {
			winner := c.resolver.Resolve(*local, *remote)
			meta := *remote
			meta.Value = nil
			conflict = &kv.Resolution{Local: *local, Remote: meta, Winner: winner}
			s = stepPull
			if winner == kv.WinnerLocal {
				s = stepPush
			}
		}

		var (
			res  *kv.Result
			next *kv.RemoteRecord
		)
		switch s {
		case stepNotFound:
			return kv.Failed(key, kv.NotFound(key))
		case stepNone:
			res = &kv.Result{Key: key, Record: local, Action: kv.ActionNone}
		case stepAcknowledge:
			rec, err := c.local.MarkSynced(ctx, key, local.LocalVersion, remote.Version, remote.Time)
			if err != nil {
				return kv.Failed(key, kv.Transport(key, err))
			}
			res = &kv.Result{Key: key, Record: rec, Action: kv.ActionAcknowledged}
		case stepPush:
			res, next, err = c.push(ctx, local, remote)
		case stepPull:
			res, next, err = c.pull(ctx, key, local, remote)
		}
		if err != nil {
			return kv.Failed(key, err)
		}
		if res != nil {
			res.Conflict = conflict
			return *res
		}
		remote = next
	}
	return kv.Failed(key, kv.Conflict(key, remote))
}

// push writes the local state with the remote version as precondition. A
// nil result asks for another pass against the returned remote state.
func (c *Coordinator) push(ctx context.Context, local *kv.Record, remote *kv.RemoteRecord) (*kv.Result, *kv.RemoteRecord, error) {
	key := local.Key
	var expected uint64
	if remote != nil {
		expected = remote.Version
	}

	var value []byte
	if !local.Deleted {
		value = local.Value
		if c.sealer != nil {
			sealed, err := c.sealer.Seal(key, local.LocalVersion, value)
			if err != nil {
				return nil, nil, kv.Transport(key, err)
			}
			value = sealed
		}
	}

	written, err := withRetry(ctx, c, key, "push", func(ctx context.Context) (*kv.RemoteRecord, error) {
		if local.Deleted {
			return c.remote.Delete(ctx, key, expected)
		}
		return c.remote.Put(ctx, key, value, expected)
	})
	switch kv.KindOf(err) {
	case kv.KindNone:
	case kv.KindVersionConflict, kv.KindTombstoned:
		return nil, kv.RemoteOf(err), nil
	case kv.KindNotFound:
		return nil, nil, nil
	default:
		return nil, nil, err
	}

	rec, err := c.local.MarkSynced(ctx, key, local.LocalVersion, written.Version, written.Time)
	if err != nil {
		return nil, nil, kv.Transport(key, err)
	}
	return &kv.Result{Key: key, Record: rec, Action: kv.ActionPushed}, nil, nil
}

// fetch returns remote with its value, fetching it when only the metadata
// is known. A nil record asks for another pass against next.
func (c *Coordinator) fetch(ctx context.Context, key string, remote *kv.RemoteRecord) (*kv.RemoteRecord, *kv.RemoteRecord, error) {
	if remote.Deleted || remote.Value != nil {
		return remote, nil, nil
	}
	fetched, err := withRetry(ctx, c, key, "pull", func(ctx context.Context) (*kv.RemoteRecord, error) {
		return c.remote.Get(ctx, key, remote.Version)
	})
	switch kv.KindOf(err) {
	case kv.KindNone:
		return fetched, nil, nil
	case kv.KindVersionConflict, kv.KindTombstoned:
		return nil, kv.RemoteOf(err), nil
	case kv.KindNotFound:
		return nil, nil, nil
	}
	return nil, nil, err
}

func (c *Coordinator) open(key string, value []byte) ([]byte, error) {
	if c.sealer == nil {
		return value, nil
	}
	opened, err := c.sealer.Open(value)
	if err != nil {
		return nil, kv.Transport(key, err)
	}
	return opened, nil
}

// pull overwrites the local state with remote. A nil result asks for another
// pass against the returned remote state.
func (c *Coordinator) pull(ctx context.Context, key string, local *kv.Record, remote *kv.RemoteRecord) (*kv.Result, *kv.RemoteRecord, error) {
	fetched, next, err := c.fetch(ctx, key, remote)
	if err != nil {
		return nil, nil, err
	}
	if fetched == nil {
		return nil, next, nil
	}
	incoming := *fetched
	if !incoming.Deleted {
		incoming.Value, err = c.open(key, incoming.Value)
		if err != nil {
			return nil, nil, err
		}
	}

	var expected uint64
	if local != nil {
		expected = local.LocalVersion
	}
	rec, err := c.local.ApplyRemote(ctx, expected, &incoming)
	if errors.Is(err, store.ErrLocalChanged) {
		// a local write landed meanwhile, plan again against the same remote
		return nil, remote, nil
	}
	if err != nil {
		return nil, nil, kv.Transport(key, err)
	}
	return &kv.Result{Key: key, Record: rec, Action: kv.ActionPulled}, nil, nil
}
