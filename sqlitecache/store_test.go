package sqlitecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harmonia-app/chatsync"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := Open(path)
	require.NoError(t, err)

	empty, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, empty)

	at := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
	snap := chatsync.Snapshot{
		"bob": {
			{ID: "m1", ConversationID: "bob", SenderID: "bob", ReceiverID: "alice", Text: "hi", CreatedAt: at, IsDelivered: true},
			{ID: "temp-9", ConversationID: "bob", SenderID: "alice", ReceiverID: "bob", Text: "yo", CreatedAt: at.Add(time.Second), Error: true},
		},
	}
	require.NoError(t, store.Save(ctx, "alice", snap))
	require.NoError(t, store.Save(ctx, "carol", chatsync.Snapshot{"dave": nil}))

	got, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got["bob"], 2)
	require.True(t, got["bob"][0].CreatedAt.Equal(at))
	require.Equal(t, chatsync.MessageDelivered, got["bob"][0].State())
	require.Equal(t, chatsync.MessageFailed, got["bob"][1].State())

	t.Run("save replaces", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "alice", chatsync.Snapshot{}))
		got, err := store.Load(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, got)

		other, err := store.Load(ctx, "carol")
		require.NoError(t, err)
		require.Contains(t, other, "dave")
	})

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "alice", snap))
		require.NoError(t, store.Close())

		reopened, err := Open(path)
		require.NoError(t, err)
		defer reopened.Close()
		got, err := reopened.Load(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got["bob"], 2)

		require.NoError(t, reopened.Delete(ctx, "alice"))
		got, err = reopened.Load(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, got)
	})
}
