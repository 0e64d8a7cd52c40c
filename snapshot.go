package chatsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// snapshotVersion is bumped on incompatible codec changes.
const snapshotVersion = 1

// Snapshot is the cached message state of a user, keyed by peer id.
type Snapshot map[string][]Message

// SnapshotStore persists snapshots between runs.
type SnapshotStore interface {
	Save(ctx context.Context, userID string, snap Snapshot) error
	// Load returns an empty snapshot when nothing was saved for userID.
	Load(ctx context.Context, userID string) (Snapshot, error)
}

// ============================================================================
// Codec
// ============================================================================

type storedMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	CreatedAt   string `json:"createdAt"`
	IsRead      bool   `json:"isRead,omitempty"`
	IsDelivered bool   `json:"isDelivered,omitempty"`
	IsDeleted   bool   `json:"isDeleted,omitempty"`
	Error       bool   `json:"error,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

type storedSnapshot struct {
	Version       int                        `json:"version"`
	SavedAt       string                     `json:"savedAt"`
	Conversations map[string][]storedMessage `json:"conversations"`
}

// EncodeSnapshot serialises snap. Timestamps are written as RFC3339Nano
// strings in UTC.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	out := storedSnapshot{
		Version:       snapshotVersion,
		SavedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Conversations: make(map[string][]storedMessage, len(snap)),
	}
	for peer, msgs := range snap {
		list := make([]storedMessage, 0, len(msgs))
		for _, m := range msgs {
			sm := storedMessage{
				ID:          m.ID,
				SenderID:    m.SenderID,
				ReceiverID:  m.ReceiverID,
				Text:        m.Text,
				Image:       m.Image,
				IsRead:      m.IsRead,
				IsDelivered: m.IsDelivered,
				IsDeleted:   m.IsDeleted,
				Error:       m.Error,
				Nonce:       m.Nonce,
			}
			if !m.CreatedAt.IsZero() {
				sm.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339Nano)
			}
			list = append(list, sm)
		}
		out.Conversations[peer] = list
	}
	data, err := json.Marshal(out)
	return data, errors.Wrap(err, "encode snapshot")
}

// DecodeSnapshot parses data produced by EncodeSnapshot. Empty input decodes
// to an empty snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	snap := make(Snapshot)
	if len(strings.TrimSpace(string(data))) == 0 {
		return snap, nil
	}
	var in storedSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	if in.Version > snapshotVersion {
		return nil, errors.Errorf("snapshot version %d is newer than supported %d", in.Version, snapshotVersion)
	}
	for peer, list := range in.Conversations {
		msgs := make([]Message, 0, len(list))
		for _, sm := range list {
			m := Message{
				ID:             sm.ID,
				ConversationID: peer,
				SenderID:       sm.SenderID,
				ReceiverID:     sm.ReceiverID,
				Text:           sm.Text,
				Image:          sm.Image,
				IsRead:         sm.IsRead,
				IsDelivered:    sm.IsDelivered,
				IsDeleted:      sm.IsDeleted,
				Error:          sm.Error,
				Nonce:          sm.Nonce,
			}
			if sm.CreatedAt != "" {
				t, err := time.Parse(time.RFC3339Nano, sm.CreatedAt)
				if err != nil {
					return nil, errors.WithMessagef(err, "message %s in conversation %s", sm.ID, peer)
				}
				m.CreatedAt = t
			}
			msgs = append(msgs, m)
		}
		snap[peer] = msgs
	}
	return snap, nil
}

// ============================================================================
// Memory store
// ============================================================================

// MemorySnapshotStore keeps encoded snapshots in memory.
type MemorySnapshotStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{data: make(map[string][]byte)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, userID string, snap Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[userID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshotStore) Load(_ context.Context, userID string) (Snapshot, error) {
	m.mu.RLock()
	data := m.data[userID]
	m.mu.RUnlock()
	return DecodeSnapshot(data)
}

// ============================================================================
// File store
// ============================================================================

// FileSnapshotStore writes one JSON file per user into a directory.
type FileSnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSnapshotStore creates a store rooted at dir. An empty dir selects
// ~/.chatsync/cache.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "locate home directory")
		}
		dir = filepath.Join(home, ".chatsync", "cache")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create cache directory %s", dir)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

// path names the file of userID. The id is base64url encoded so that any id
// maps to its own file inside dir.
func (f *FileSnapshotStore) path(userID string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(userID))+".json")
}

func (f *FileSnapshotStore) Save(_ context.Context, userID string, snap Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(userID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrapf(err, "replace %s", target)
	}
	jww.DEBUG.Printf("[Snapshot] saved %d conversations to %s", len(snap), target)
	return nil
}

func (f *FileSnapshotStore) Load(_ context.Context, userID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(userID))
	if os.IsNotExist(err) {
		return make(Snapshot), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	return DecodeSnapshot(data)
}
