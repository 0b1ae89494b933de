package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/cenkalti/backoff/v4"
)

var errFeedClosed = errors.New("change feed closed")

// Run keeps the cache in sync until ctx is done: a full pass on start and
// every sync interval, plus single key passes for local writes and for
// remote change notifications when the remote is a Watcher.
func (c *Coordinator) Run(ctx context.Context) error {
	changes := make(chan kv.RemoteRecord, 64)
	if w, ok := c.remote.(Watcher); ok {
		go c.watch(ctx, w, changes)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.fullSync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.fullSync(ctx)
		case key := <-c.trigger:
			c.SyncKey(ctx, key)
		case change := <-changes:
			if c.upToDate(ctx, change) {
				continue
			}
			c.syncKeyWith(ctx, change.Key, &change)
		}
	}
}

func (c *Coordinator) fullSync(ctx context.Context) {
	if _, err := c.SyncAll(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("full reconciliation failed", slog.Any("error", err))
	}
}

// upToDate skips notifications for versions this device already holds,
// typically the echo of its own push.
func (c *Coordinator) upToDate(ctx context.Context, change kv.RemoteRecord) bool {
	local, err := c.local.Latest(ctx, change.Key)
	return err == nil && !local.Dirty && local.RemoteVersion == change.Version
}

// watch follows the change feed, reconnecting with backoff when it breaks.
func (c *Coordinator) watch(ctx context.Context, w Watcher, changes chan<- kv.RemoteRecord) {
	b := backoff.WithContext(c.newBackOff(), ctx)
	backoff.RetryNotify(func() error {
		err := w.Watch(ctx, func(change kv.RemoteRecord) {
			select {
			case changes <- change:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errFeedClosed
		}
		return err
	}, b, func(err error, next time.Duration) {
		c.logger.Warn("change feed interrupted",
			slog.Duration("backoff", next),
			slog.Any("error", err))
	})
}
