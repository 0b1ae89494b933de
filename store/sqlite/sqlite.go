package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/breez/kv-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

// newMigrate opens db and prepares the migrations found under dir. Each
// schema keeps its own migrations table so both can share a file.
func newMigrate(file, dir, table string) (*sql.DB, *migrate.Migrate, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// sqlite serializes writers anyway; a single connection turns lock
	// contention into queueing inside database/sql.
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, file, driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	return db, m, nil
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, m, err := newMigrate(file, "migrations/sync", "sync_schema_migrations")
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, userID, key string) (*store.StoredRecord, error) {
	record := store.StoredRecord{Key: key}
	err := q.QueryRowContext(ctx,
		"SELECT data, version, time, deleted FROM records WHERE user_id = ? AND key = ?", userID, key,
	).Scan(&record.Data, &record.Version, &record.Time, &record.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if record.Deleted {
		record.Data = nil
	}
	return &record, nil
}

func (s *SQLiteSyncStorage) GetRecord(ctx context.Context, userID, key string) (*store.StoredRecord, error) {
	return getRecord(ctx, s.db, userID, key)
}

func (s *SQLiteSyncStorage) SetRecord(ctx context.Context, userID, key string, data []byte, deleted bool, expectedVersion uint64) (*store.StoredRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// check that the current version is the one the writer expects
	current, err := getRecord(ctx, tx, userID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get record's latest version: %w", err)
	}
	version, now, noop, err := store.NextWrite(current, data, deleted, expectedVersion, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if noop {
		return &store.StoredRecord{Key: key, Version: version, Time: now, Deleted: deleted}, nil
	}

	if deleted || data == nil {
		data = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (user_id, key, data, version, time, deleted) VALUES (?, ?, ?, ?, ?, ?)",
		userID, key, data, version, now, deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &store.StoredRecord{Key: key, Version: version, Time: now, Deleted: deleted}, nil
}

func (s *SQLiteSyncStorage) ListKeys(ctx context.Context, userID string) ([]store.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, version, time, deleted FROM records WHERE user_id = ? ORDER BY key", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record := store.StoredRecord{}
		if err := rows.Scan(&record.Key, &record.Version, &record.Time, &record.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
