package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/breez/kv-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"kv-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	m.Close()

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q queryRower, userID, key string) (*store.StoredRecord, error) {
	record := store.StoredRecord{Key: key}
	var version int64
	err := q.QueryRow(ctx,
		"SELECT data, version, time, deleted FROM records WHERE user_id = $1 AND key = $2", userID, key,
	).Scan(&record.Data, &version, &record.Time, &record.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	record.Version = uint64(version)
	if record.Deleted {
		record.Data = nil
	}
	return &record, nil
}

func (s *PgSyncStorage) GetRecord(ctx context.Context, userID, key string) (*store.StoredRecord, error) {
	return getRecord(ctx, s.db, userID, key)
}

func (s *PgSyncStorage) SetRecord(ctx context.Context, userID, key string, data []byte, deleted bool, expectedVersion uint64) (*store.StoredRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

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
	_, err = tx.Exec(ctx,
		"INSERT INTO records (user_id, key, data, version, time, deleted) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_id, key) DO UPDATE SET data=EXCLUDED.data, version=EXCLUDED.version, time=EXCLUDED.time, deleted=EXCLUDED.deleted",
		userID, key, data, int64(version), now, deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &store.StoredRecord{Key: key, Version: version, Time: now, Deleted: deleted}, nil
}

func (s *PgSyncStorage) ListKeys(ctx context.Context, userID string) ([]store.StoredRecord, error) {

	rows, err := s.db.Query(ctx, "SELECT key, version, time, deleted FROM records WHERE user_id = $1 ORDER BY key", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record := store.StoredRecord{}
		var version int64
		err = rows.Scan(&record.Key, &version, &record.Time, &record.Deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Version = uint64(version)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
