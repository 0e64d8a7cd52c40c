// Package pgcache keeps conversation snapshots in PostgreSQL, for bots and
// headless clients that share a database.
package pgcache

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/harmonia-app/chatsync"
)

const schema = `
CREATE TABLE IF NOT EXISTS chatsync_snapshots (
	user_id  TEXT PRIMARY KEY,
	data     JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a chatsync.SnapshotStore backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ chatsync.SnapshotStore = (*Store)(nil)

// Connect opens a pool for dsn, checks it and ensures the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of it only if it
// does not call Close.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "create chatsync_snapshots table")
	}
	return &Store{pool: pool}, nil
}

// Save replaces the snapshot of userID.
func (s *Store) Save(ctx context.Context, userID string, snap chatsync.Snapshot) error {
	data, err := chatsync.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO chatsync_snapshots (user_id, data, saved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`
	if _, err := s.pool.Exec(ctx, query, userID, data); err != nil {
		return errors.Wrapf(err, "save snapshot of %s", userID)
	}
	jww.TRACE.Printf("[PGCache] saved %d conversations of %s", len(snap), userID)
	return nil
}

// Load returns the snapshot of userID, or an empty one when none was saved.
func (s *Store) Load(ctx context.Context, userID string) (chatsync.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM chatsync_snapshots WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatsync.Snapshot{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot of %s", userID)
	}
	return chatsync.DecodeSnapshot(data)
}

// Delete forgets the snapshot of userID.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chatsync_snapshots WHERE user_id = $1`, userID)
	return errors.Wrapf(err, "delete snapshot of %s", userID)
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}
