// internal/store/kv.go
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

// Entry is a versioned value. Version starts at 1 and increases on every write.
type Entry struct {
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// KV is the durable key-value store that carries state across page loads.
type KV interface {
	// Get returns the entry for key and whether it exists.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// PutIfAbsent stores value only if key is missing. It returns the entry now
	// stored under key and whether this call created it.
	PutIfAbsent(ctx context.Context, key string, value []byte) (Entry, bool, error)
	// Put stores value unconditionally, bumping the version.
	Put(ctx context.Context, key string, value []byte) (Entry, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteVersion removes key only while it still holds version. It reports
	// whether an entry was removed.
	DeleteVersion(ctx context.Context, key string, version int64) (bool, error)
	Close() error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// Open builds the KV selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (KV, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemory(), nil
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.Path, cfg.Table, logger)
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		kv, err := NewPostgres(ctx, pool, cfg.Table, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
