package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLite is a KV backed by a local database file, so a session survives a
// restart of the process.
type SQLite struct {
	db    *sql.DB
	table string
	log   *zap.Logger
}

var _ KV = (*SQLite)(nil)

// OpenSQLite creates or opens the database at path and ensures the table exists.
func OpenSQLite(ctx context.Context, path, table string, logger *zap.Logger) (*SQLite, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer at a time

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db, table: table, log: logger.Named("sqlite_store")}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	var updated int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value, version, updated_at FROM %s WHERE key = ?`, s.table), key)
	if err := row.Scan(&e.Value, &e.Version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, true, nil
}

func (s *SQLite) PutIfAbsent(ctx context.Context, key string, value []byte) (Entry, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`, s.table),
		key, value, now.UnixMilli())
	if err != nil {
		return Entry{}, false, fmt.Errorf("put-if-absent %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Entry{Value: value, Version: 1, UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, true, nil
	}

	existing, ok, err := s.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		// Deleted between the insert and the read.
		return Entry{}, false, fmt.Errorf("put-if-absent %q: entry vanished after conflict", key)
	}
	return existing, false, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) (Entry, error) {
	now := time.Now().UTC().UnixMilli()
	var version int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = version + 1, updated_at = excluded.updated_at
			RETURNING version`, s.table),
		key, value, now).Scan(&version)
	if err != nil {
		return Entry{}, fmt.Errorf("put %q: %w", key, err)
	}
	return Entry{Value: value, Version: version, UpdatedAt: time.UnixMilli(now).UTC()}, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) DeleteVersion(ctx context.Context, key string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ? AND version = ?`, s.table), key, version)
	if err != nil {
		return false, fmt.Errorf("delete %q at version %d: %w", key, version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %q at version %d: %w", key, version, err)
	}
	return n > 0, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Warn("Failed to close sqlite database.", zap.Error(err))
		return err
	}
	return nil
}
