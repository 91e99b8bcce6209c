// internal/session/session.go
package session

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/poll"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

// Initializer creates sessions on the decision service.
type Initializer interface {
	InitSession(ctx context.Context, objective string) (string, error)
}

type record struct {
	ID        string    `json:"id"`
	Objective string    `json:"objective"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r record) session() automation.Session {
	return automation.Session{ID: r.ID, Objective: r.Objective, CreatedAt: r.CreatedAt}
}

// Coordinator owns the durable session entry shared by every context.
type Coordinator struct {
	kv     store.KV
	init   Initializer
	cfg    config.SessionConfig
	logger *zap.Logger
	group  singleflight.Group
}

// New creates a Coordinator over kv.
func New(kv store.KV, init Initializer, cfg config.SessionConfig, logger *zap.Logger) *Coordinator {
	if cfg.Key == "" {
		cfg.Key = "pagepilot/session/current"
	}
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = 1
	}
	return &Coordinator{kv: kv, init: init, cfg: cfg, logger: logger.Named("session")}
}

// Current reads the stored session once.
func (c *Coordinator) Current(ctx context.Context) (automation.Session, bool, error) {
	rec, ok, err := c.read(ctx)
	if err != nil || !ok {
		return automation.Session{}, ok, err
	}
	return rec.session(), true, nil
}

func (c *Coordinator) read(ctx context.Context) (record, bool, error) {
	entry, ok, err := c.kv.Get(ctx, c.cfg.Key)
	if err != nil {
		return record{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return record{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(entry.Value, &rec); err != nil || rec.ID == "" {
		c.logger.Warn("Ignoring unreadable session entry.", zap.Int64("version", entry.Version), zap.Error(err))
		return record{}, false, nil
	}
	return rec, true, nil
}

// GetOrInitialize returns the session for objective. The stored entry is
// read with a few retries first, since another context may be creating it
// right now; only then is a new session requested and stored. If another
// context stores one first, theirs is used.
func (c *Coordinator) GetOrInitialize(ctx context.Context, objective string) (automation.Session, error) {
	v, err, shared := c.group.Do(objective, func() (interface{}, error) {
		return c.getOrInitialize(ctx, objective)
	})
	if err != nil {
		return automation.Session{}, err
	}
	if shared {
		c.logger.Debug("Joined concurrent session lookup.")
	}
	return v.(automation.Session), nil
}

func (c *Coordinator) getOrInitialize(ctx context.Context, objective string) (automation.Session, error) {
	var (
		found record
		stale bool
	)
	ok, err := poll.Attempts(ctx, c.cfg.LookupAttempts, c.cfg.LookupInterval, func(ctx context.Context) (bool, error) {
		rec, exists, err := c.read(ctx)
		if err != nil || !exists {
			return false, err
		}
		found = rec
		stale = rec.Objective != objective
		return true, nil
	})
	if err != nil {
		return automation.Session{}, err
	}
	if ok && !stale {
		return found.session(), nil
	}
	if stale {
		c.logger.Info("Replacing session left over from another objective.", zap.String("session_id", found.ID))
		if err := c.kv.Delete(ctx, c.cfg.Key); err != nil {
			return automation.Session{}, fmt.Errorf("failed to drop stale session: %w", err)
		}
	}

	id, err := c.init.InitSession(ctx, objective)
	if err != nil {
		return automation.Session{}, fmt.Errorf("failed to initialize session: %w", err)
	}
	rec := record{ID: id, Objective: objective, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return automation.Session{}, err
	}

	entry, created, err := c.kv.PutIfAbsent(ctx, c.cfg.Key, data)
	if err != nil {
		return automation.Session{}, fmt.Errorf("failed to persist session: %w", err)
	}
	if created {
		c.logger.Info("Session created.", zap.String("session_id", id))
		return rec.session(), nil
	}

	var winner record
	if err := json.Unmarshal(entry.Value, &winner); err == nil && winner.ID != "" && winner.Objective == objective {
		c.logger.Info("Adopting session created concurrently.", zap.String("session_id", winner.ID), zap.String("discarded", id))
		return winner.session(), nil
	}
	// The entry that beat us is for something else; ours is current now.
	if _, err := c.kv.Put(ctx, c.cfg.Key, data); err != nil {
		return automation.Session{}, fmt.Errorf("failed to persist session: %w", err)
	}
	return rec.session(), nil
}

// Clear removes the stored session. Clearing twice is fine.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.kv.Delete(ctx, c.cfg.Key); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	c.logger.Debug("Session cleared.")
	return nil
}

// ClearIf removes the stored session only while it is still sessionID, so a
// run that ends late cannot delete the session of the run that replaced it.
func (c *Coordinator) ClearIf(ctx context.Context, sessionID string) error {
	entry, ok, err := c.kv.Get(ctx, c.cfg.Key)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return nil
	}
	var rec record
	if err := json.Unmarshal(entry.Value, &rec); err == nil && rec.ID != sessionID {
		c.logger.Debug("Session was replaced, keeping it.", zap.String("session_id", rec.ID), zap.String("ended", sessionID))
		return nil
	}
	removed, err := c.kv.DeleteVersion(ctx, c.cfg.Key, entry.Version)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if !removed {
		c.logger.Debug("Session changed while clearing, keeping it.", zap.String("ended", sessionID))
		return nil
	}
	c.logger.Debug("Session cleared.", zap.String("session_id", sessionID))
	return nil
}
