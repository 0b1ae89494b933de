package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/cenkalti/backoff/v4"
)

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// withRetry runs op until it succeeds, fails with a non transport error or
// the retry budget is spent. The returned error is always a *kv.Error.
func withRetry[T any](ctx context.Context, c *Coordinator, key, name string, op func(context.Context) (T, error)) (T, error) {
	var result T
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	err := backoff.RetryNotify(func() error {
		r, err := op(ctx)
		if err != nil {
			if kv.KindOf(err) != kv.KindTransport || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}, b, func(err error, next time.Duration) {
		c.logger.Debug("retrying remote call",
			slog.String("op", name),
			slog.String("key", key),
			slog.Duration("backoff", next),
			slog.Any("error", err))
	})
	if err != nil {
		if _, ok := err.(*kv.Error); !ok {
			err = kv.Transport(key, err)
		}
		return result, err
	}
	return result, nil
}
