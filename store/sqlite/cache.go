package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/store"
	"github.com/golang-migrate/migrate/v4"
)

// cacheSchemaVersion is the newest cache migration this binary ships.
const cacheSchemaVersion = 2

const cacheMigrationsTable = "cache_schema_migrations"

// selectLatest returns the newest row of every key. synced is set on rows
// the remote holds at remote_version: pulled rows and acknowledged pushes.
const selectLatest = `
SELECT k.version, k.remote_version, k.key, k.value, k.time, k.deleted, k.synced
FROM kv_store k
WHERE k.version = (SELECT MAX(m.version) FROM kv_store m WHERE m.key = k.key)`

// SQLiteCacheStorage is the device local version history of every key.
type SQLiteCacheStorage struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

type cacheOptions struct {
	allowReset bool
	now        func() time.Time
	logger     *slog.Logger
}

type CacheOption func(*cacheOptions)

// WithSchemaReset allows opening a cache whose schema cannot be migrated by
// dropping and recreating it. The whole version history is lost.
func WithSchemaReset(allow bool) CacheOption {
	return func(o *cacheOptions) {
		o.allowReset = allow
	}
}

func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		o.now = now
	}
}

func WithLogger(logger *slog.Logger) CacheOption {
	return func(o *cacheOptions) {
		o.logger = logger
	}
}

func NewSQLiteCacheStorage(file string, opts ...CacheOption) (*SQLiteCacheStorage, error) {
	o := cacheOptions{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	db, m, err := newMigrate(file, "migrations/cache", cacheMigrationsTable)
	if err != nil {
		return nil, err
	}
	if err := checkCacheSchema(db, m, &o); err != nil {
		db.Close()
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteCacheStorage{db: db, now: o.now, logger: o.logger}, nil
}

// checkCacheSchema refuses caches left dirty by a failed migration or
// written by a newer binary, unless a reset was allowed.
func checkCacheSchema(db *sql.DB, m *migrate.Migrate, o *cacheOptions) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache schema version: %w", err)
	}
	if !dirty && version <= cacheSchemaVersion {
		return nil
	}
	if !o.allowReset {
		return fmt.Errorf("%w: cache schema version %v dirty=%v", store.ErrSchemaIncompatible, version, dirty)
	}

	o.logger.Warn("resetting local cache schema, version history is dropped",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty))
	if _, err := db.Exec("DROP TABLE IF EXISTS kv_store"); err != nil {
		return fmt.Errorf("failed to drop cache table: %w", err)
	}
	if err := m.Force(-1); err != nil {
		return fmt.Errorf("failed to reset cache schema version: %w", err)
	}
	return nil
}

func (s *SQLiteCacheStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*kv.Record, error) {
	var rec kv.Record
	var synced bool
	if err := row.Scan(&rec.LocalVersion, &rec.RemoteVersion, &rec.Key, &rec.Value, &rec.Time, &rec.Deleted, &synced); err != nil {
		return nil, err
	}
	rec.Dirty = rec.RemoteVersion == 0 || !synced
	if rec.Deleted {
		rec.Value = nil
	}
	return &rec, nil
}

func latest(ctx context.Context, q queryRower, key string) (*kv.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, selectLatest+" AND k.key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version of %v: %w", key, err)
	}
	return rec, nil
}

func (s *SQLiteCacheStorage) Latest(ctx context.Context, key string) (*kv.Record, error) {
	return latest(ctx, s.db, key)
}

func (s *SQLiteCacheStorage) AllLatest(ctx context.Context) ([]kv.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectLatest+" ORDER BY k.key")
	if err != nil {
		return nil, fmt.Errorf("failed to query latest versions: %w", err)
	}
	defer rows.Close()

	records := make([]kv.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// History returns every version of key, oldest first. Dirty is set on
// versions the remote never held.
func (s *SQLiteCacheStorage) History(ctx context.Context, key string) ([]kv.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, remote_version, key, value, time, deleted, synced FROM kv_store WHERE key = ? ORDER BY version", key)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := make([]kv.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return records, nil
}

// appendVersion runs fn with the latest row of key (nil when the key is
// new) inside a transaction, and inserts the row fn returns, if any.
func (s *SQLiteCacheStorage) appendVersion(ctx context.Context, key string, fn func(prev *kv.Record) (*kv.Record, error)) (*kv.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := latest(ctx, tx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	next, err := fn(prev)
	if err != nil {
		return nil, err
	}
	if next == prev {
		return prev, nil
	}

	value := next.Value
	if next.Deleted || value == nil {
		value = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO kv_store (version, remote_version, key, value, time, deleted, synced) VALUES (?, ?, ?, ?, ?, ?, ?)",
		next.LocalVersion, next.RemoteVersion, key, value, next.Time, next.Deleted, !next.Dirty)
	if err != nil {
		return nil, fmt.Errorf("failed to insert version %v of %v: %w", next.LocalVersion, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

// localWrite builds the row following prev for a write made on this device.
func (s *SQLiteCacheStorage) localWrite(key string, prev *kv.Record, value []byte, deleted bool) *kv.Record {
	next := &kv.Record{
		Key:          key,
		Value:        value,
		LocalVersion: 1,
		Time:         s.now().UnixMilli(),
		Deleted:      deleted,
		Dirty:        true,
	}
	if prev != nil {
		next.LocalVersion = prev.LocalVersion + 1
		next.RemoteVersion = prev.RemoteVersion
		// keep local edits ordered after the last synced time even when
		// the device clock lags the server
		if next.Time <= prev.Time {
			next.Time = prev.Time + 1
		}
	}
	if deleted {
		next.Value = nil
	}
	return next
}

func (s *SQLiteCacheStorage) PutLocal(ctx context.Context, key string, value []byte) (*kv.Record, error) {
	if value == nil {
		value = []byte{}
	}
	return s.appendVersion(ctx, key, func(prev *kv.Record) (*kv.Record, error) {
		return s.localWrite(key, prev, value, false), nil
	})
}

func (s *SQLiteCacheStorage) DeleteLocal(ctx context.Context, key string) (*kv.Record, error) {
	return s.appendVersion(ctx, key, func(prev *kv.Record) (*kv.Record, error) {
		if prev == nil {
			return nil, store.ErrNotFound
		}
		if prev.Deleted {
			return prev, nil
		}
		return s.localWrite(key, prev, nil, true), nil
	})
}

func (s *SQLiteCacheStorage) ApplyRemote(ctx context.Context, expectedLocalVersion uint64, remote *kv.RemoteRecord) (*kv.Record, error) {
	return s.appendVersion(ctx, remote.Key, func(prev *kv.Record) (*kv.Record, error) {
		var current uint64
		if prev != nil {
			current = prev.LocalVersion
		}
		if current != expectedLocalVersion {
			return nil, store.ErrLocalChanged
		}
		next := &kv.Record{
			Key:           remote.Key,
			Value:         remote.Value,
			LocalVersion:  current + 1,
			RemoteVersion: remote.Version,
			Time:          remote.Time,
			Deleted:       remote.Deleted,
		}
		if next.Deleted {
			next.Value = nil
		} else if next.Value == nil {
			next.Value = []byte{}
		}
		return next, nil
	})
}

func (s *SQLiteCacheStorage) MarkSynced(ctx context.Context, key string, localVersion, remoteVersion uint64, syncedAt int64) (*kv.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE kv_store SET remote_version = ?, time = ?, synced = 1 WHERE key = ? AND version = ?",
		remoteVersion, syncedAt, key, localVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to mark %v synced: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, store.ErrNotFound
	}
	// rows written while the push was in flight now build on remoteVersion
	_, err = tx.ExecContext(ctx,
		"UPDATE kv_store SET remote_version = ? WHERE key = ? AND version > ?",
		remoteVersion, key, localVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to carry remote version of %v: %w", key, err)
	}
	rec, err := latest(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}
