// Package syncer reconciles the local cache with the remote authority, one
// key at a time or for the whole key set.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/sealer"
	"github.com/breez/kv-sync/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

type Coordinator struct {
	local      store.CacheStorage
	remote     RemoteStore
	resolver   Resolver
	sealer     *sealer.Sealer
	logger     *slog.Logger
	metrics    *Metrics
	locks      *keyLocks
	newBackOff func() backoff.BackOff
	maxRetries uint64
	workers    int
	interval   time.Duration
	trigger    chan string
}

type Option func(*Coordinator)

func WithResolver(resolver Resolver) Option {
	return func(c *Coordinator) {
		c.resolver = resolver
	}
}

// WithSealer encrypts values before they are pushed and decrypts pulled
// values.
func WithSealer(s *sealer.Sealer) Option {
	return func(c *Coordinator) {
		c.sealer = s
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithMaxRetries bounds the retries of a failing remote call.
func WithMaxRetries(maxRetries uint64) Option {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
	}
}

func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		c.newBackOff = newBackOff
	}
}

// WithWorkers bounds how many keys a full reconciliation handles at once.
func WithWorkers(workers int) Option {
	return func(c *Coordinator) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithSyncInterval sets how often Run reconciles the whole key set.
func WithSyncInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = interval
	}
}

func NewCoordinator(local store.CacheStorage, remote RemoteStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:      local,
		remote:     remote,
		resolver:   TimestampResolver{},
		logger:     slog.Default(),
		locks:      newKeyLocks(),
		newBackOff: defaultBackOff,
		maxRetries: 3,
		workers:    4,
		interval:   time.Minute,
		trigger:    make(chan string, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

func localError(key string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kv.NotFound(key)
	}
	return err
}

// Get returns the latest local value of key without touching the network.
func (c *Coordinator) Get(ctx context.Context, key string) (*kv.Record, error) {
	rec, err := c.local.Latest(ctx, key)
	if err != nil {
		return nil, localError(key, err)
	}
	if rec.Deleted {
		return nil, kv.Tombstoned(key, nil)
	}
	return rec, nil
}

// Put stores value locally and schedules the key for reconciliation. Values
// that would not fit the remote once sealed are rejected with KindTooLarge.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte) (*kv.Record, error) {
	size := len(value)
	if c.sealer != nil {
		size += sealer.Overhead
	}
	if size > kv.MaxValueSize {
		return nil, kv.TooLarge(key, size)
	}
	rec, err := c.local.PutLocal(ctx, key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to put %v: %w", key, err)
	}
	c.notify(key)
	return rec, nil
}

// Delete tombstones key locally and schedules it for reconciliation.
func (c *Coordinator) Delete(ctx context.Context, key string) (*kv.Record, error) {
	rec, err := c.local.DeleteLocal(ctx, key)
	if err != nil {
		return nil, localError(key, err)
	}
	c.notify(key)
	return rec, nil
}

func (c *Coordinator) History(ctx context.Context, key string) ([]kv.Record, error) {
	records, err := c.local.History(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kv.NotFound(key)
	}
	return records, nil
}

// Keys lists the latest local record of every live key.
func (c *Coordinator) Keys(ctx context.Context) ([]kv.Record, error) {
	records, err := c.local.AllLatest(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]kv.Record, 0, len(records))
	for _, rec := range records {
		if !rec.Deleted {
			live = append(live, rec)
		}
	}
	return live, nil
}

func (c *Coordinator) notify(key string) {
	select {
	case c.trigger <- key:
	default:
		// the next full pass picks the key up
	}
}

// SyncKey reconciles a single key. NotFound is reported only when neither
// side knows the key; a key deleted on both sides is Ok with a deleted
// record.
func (c *Coordinator) SyncKey(ctx context.Context, key string) kv.Result {
	unlock := c.locks.lock(key)
	defer unlock()

	remote, err := withRetry(ctx, c, key, "version", func(ctx context.Context) (*kv.RemoteRecord, error) {
		return c.remote.Version(ctx, key)
	})
	if err != nil && kv.KindOf(err) != kv.KindNotFound {
		res := kv.Failed(key, err)
		c.metrics.observe(res)
		return res
	}
	return c.reconcile(ctx, key, remote)
}

// syncKeyWith reconciles key against metadata that is already known, such
// as a change notification.
func (c *Coordinator) syncKeyWith(ctx context.Context, key string, remote *kv.RemoteRecord) kv.Result {
	unlock := c.locks.lock(key)
	defer unlock()
	return c.reconcile(ctx, key, remote)
}

// SyncAll reconciles the union of local and remote keys. The error is only
// set when the key sets could not be listed; per key failures are reported
// in the results, which are sorted by key.
func (c *Coordinator) SyncAll(ctx context.Context) ([]kv.Result, error) {
	start := time.Now()
	defer func() {
		c.metrics.syncAllDuration.Observe(time.Since(start).Seconds())
	}()

	locals, err := c.local.AllLatest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local keys: %w", err)
	}
	remotes, err := withRetry(ctx, c, "", "list", func(ctx context.Context) ([]kv.RemoteRecord, error) {
		return c.remote.ListKeys(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote keys: %w", err)
	}

	known := make(map[string]*kv.RemoteRecord, len(locals)+len(remotes))
	for _, rec := range locals {
		known[rec.Key] = nil
	}
	for i := range remotes {
		known[remotes[i].Key] = &remotes[i]
	}
	keys := make([]string, 0, len(known))
	for key := range known {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]kv.Result, len(keys))
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, key := range keys {
		g.Go(func() error {
			results[i] = c.syncKeyWith(ctx, key, known[key])
			return nil
		})
	}
	g.Wait()

	c.logger.Info("full reconciliation finished",
		slog.Int("keys", len(keys)),
		slog.Int("unresolved", countFailed(results)),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}

func countFailed(results []kv.Result) int {
	n := 0
	for _, res := range results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// Unresolved collects the errors of failed results, nil when every key was
// reconciled.
func Unresolved(results []kv.Result) error {
	var result *multierror.Error
	for _, res := range results {
		if res.Failed() {
			result = multierror.Append(result, res.Err)
		}
	}
	return result.ErrorOrNil()
}

// SyncKeyAsync runs SyncKey in the background. The channel receives exactly
// one result.
func (c *Coordinator) SyncKeyAsync(ctx context.Context, key string) <-chan kv.Result {
	ch := make(chan kv.Result, 1)
	go func() {
		ch <- c.SyncKey(ctx, key)
	}()
	return ch
}

type SyncAllOutcome struct {
	Results []kv.Result
	Err     error
}

// SyncAllAsync runs SyncAll in the background. The channel receives exactly
// one outcome.
func (c *Coordinator) SyncAllAsync(ctx context.Context) <-chan SyncAllOutcome {
	ch := make(chan SyncAllOutcome, 1)
	go func() {
		results, err := c.SyncAll(ctx)
		ch <- SyncAllOutcome{Results: results, Err: err}
	}()
	return ch
}
