package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres is a KV for deployments where several pagepilot processes share state.
type Postgres struct {
	pool  DBPool
	table string
	log   *zap.Logger
}

var _ KV = (*Postgres)(nil)

// NewPostgres verifies the connection and ensures the table exists.
func NewPostgres(ctx context.Context, pool DBPool, table string, logger *zap.Logger) (*Postgres, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := &Postgres{pool: pool, table: pgx.Identifier{table}.Sanitize(), log: logger.Named("postgres_store")}
	if _, err := pool.Exec(ctx, p.schemaSQL()); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) schemaSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`, p.table)
}

func (p *Postgres) getSQL() string {
	return fmt.Sprintf(`SELECT value, version, updated_at FROM %s WHERE key = $1`, p.table)
}

func (p *Postgres) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (key, value, version, updated_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO NOTHING
		RETURNING version, updated_at`, p.table)
}

func (p *Postgres) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %[1]s (key, value, version, updated_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = %[1]s.version + 1, updated_at = EXCLUDED.updated_at
		RETURNING version, updated_at`, p.table)
}

func (p *Postgres) deleteSQL() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table)
}

func (p *Postgres) deleteVersionSQL() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND version = $2`, p.table)
}

func (p *Postgres) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	err := p.pool.QueryRow(ctx, p.getSQL(), key).Scan(&e.Value, &e.Version, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, true, nil
}

func (p *Postgres) PutIfAbsent(ctx context.Context, key string, value []byte) (Entry, bool, error) {
	e := Entry{Value: value}
	err := p.pool.QueryRow(ctx, p.insertSQL(), key, value, time.Now().UTC()).Scan(&e.Version, &e.UpdatedAt)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, fmt.Errorf("failed to insert %q: %w", key, err)
	}

	// DO NOTHING returns no row: someone else holds the key.
	existing, ok, err := p.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, fmt.Errorf("entry %q vanished after insert conflict", key)
	}
	return existing, false, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) (Entry, error) {
	e := Entry{Value: value}
	if err := p.pool.QueryRow(ctx, p.upsertSQL(), key, value, time.Now().UTC()).Scan(&e.Version, &e.UpdatedAt); err != nil {
		return Entry{}, fmt.Errorf("failed to put %q: %w", key, err)
	}
	return e, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, p.deleteSQL(), key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) DeleteVersion(ctx context.Context, key string, version int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, p.deleteVersionSQL(), key, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete %q at version %d: %w", key, version, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
