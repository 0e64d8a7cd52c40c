package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harmonia-app/chatsync"
	"github.com/harmonia-app/chatsync/pgcache"
	"github.com/harmonia-app/chatsync/sqlitecache"
)

// openSnapshots opens the snapshot store selected by cfg. The returned close
// function is never nil.
func openSnapshots(ctx context.Context, cfg *Config) (chatsync.SnapshotStore, func(), error) {
	noop := func() {}
	switch cfg.Cache.Driver {
	case "none":
		return nil, noop, nil
	case "", "file":
		dir := cfg.Cache.Path
		if dir == "" {
			base, err := configDir()
			if err != nil {
				return nil, noop, err
			}
			dir = filepath.Join(base, "cache")
		}
		store, err := chatsync.NewFileSnapshotStore(dir)
		return store, noop, err
	case "sqlite":
		path := cfg.Cache.Path
		if path == "" {
			base, err := configDir()
			if err != nil {
				return nil, noop, err
			}
			path = filepath.Join(base, "cache.db")
		}
		store, err := sqlitecache.Open(path)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		if cfg.Cache.DSN == "" {
			return nil, noop, fmt.Errorf("cache.dsn is required for the postgres driver")
		}
		store, err := pgcache.Connect(ctx, cfg.Cache.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}

// sessionConfig builds the library configuration from the CLI config.
func sessionConfig(cfg *Config, snaps chatsync.SnapshotStore) chatsync.SessionConfig {
	return chatsync.SessionConfig{
		UserID:    cfg.Auth.UserID,
		Token:     cfg.Auth.Token,
		BaseURL:   cfg.Default.BaseURL,
		WSURL:     cfg.Default.WSURL,
		Snapshots: snaps,
	}
}

// openSession creates a session for the configured account. The returned
// close function persists and releases everything.
func openSession(ctx context.Context) (*chatsync.Session, func(), error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no credentials. Run 'chatsync init <user-id> <token>' first")
	}

	snaps, closeSnaps, err := openSnapshots(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	s, err := chatsync.NewSession(sessionConfig(cfg, snaps))
	if err != nil {
		closeSnaps()
		return nil, nil, err
	}
	closeAll := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Close(ctx)
		closeSnaps()
	}
	return s, closeAll, nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// formatMessage renders one message as a single line.
func formatMessage(selfID string, m chatsync.Message) string {
	who := m.SenderID
	if who == selfID {
		who = "me"
	}
	body := m.Text
	if m.Image != "" {
		body = fmt.Sprintf("%s [image %s]", body, m.Image)
	}
	if m.IsDeleted {
		body = "(deleted)"
	}
	return fmt.Sprintf("%s %-6s %-9s %s", m.CreatedAt.Local().Format("Jan 02 15:04"), who, m.State(), body)
}
