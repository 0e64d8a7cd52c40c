// Package sqlitecache keeps conversation snapshots in a local SQLite file.
package sqlitecache

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/harmonia-app/chatsync"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	user_id  TEXT PRIMARY KEY,
	data     BLOB NOT NULL,
	saved_at TIMESTAMP NOT NULL
);`

// Store is a chatsync.SnapshotStore backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ chatsync.SnapshotStore = (*Store)(nil)

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create snapshots table")
	}
	jww.DEBUG.Printf("[SQLiteCache] opened %s", path)
	return &Store{db: db}, nil
}

// Save replaces the snapshot of userID.
func (s *Store) Save(ctx context.Context, userID string, snap chatsync.Snapshot) error {
	data, err := chatsync.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (user_id, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		userID, data, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "save snapshot of %s", userID)
	}
	jww.TRACE.Printf("[SQLiteCache] saved %d conversations of %s", len(snap), userID)
	return nil
}

// Load returns the snapshot of userID, or an empty one when none was saved.
func (s *Store) Load(ctx context.Context, userID string) (chatsync.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return chatsync.Snapshot{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot of %s", userID)
	}
	return chatsync.DecodeSnapshot(data)
}

// Delete forgets the snapshot of userID, e.g. at logout.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id = ?`, userID)
	return errors.Wrapf(err, "delete snapshot of %s", userID)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
