//go:build integration

package chatsync_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/harmonia-app/chatsync"
)

// Two accounts on a live backend that are friends with each other:
//
//	CHATSYNC_IT_BASE_URL   REST root, e.g. https://staging.example.com/api
//	CHATSYNC_IT_USER_A / CHATSYNC_IT_TOKEN_A
//	CHATSYNC_IT_USER_B / CHATSYNC_IT_TOKEN_B

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func liveSession(t *testing.T, suffix string) *chatsync.Session {
	t.Helper()
	s, err := chatsync.NewSession(chatsync.SessionConfig{
		UserID:    requireEnv(t, "CHATSYNC_IT_USER_"+suffix),
		Token:     requireEnv(t, "CHATSYNC_IT_TOKEN_"+suffix),
		BaseURL:   requireEnv(t, "CHATSYNC_IT_BASE_URL"),
		Snapshots: chatsync.NewMemorySnapshotStore(),
	})
	if err != nil {
		t.Fatalf("NewSession %s: %v", suffix, err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: REST
// =======================================================================

func TestIntegration_REST_FriendsAndHistory(t *testing.T) {
	a := liveSession(t, "A")
	userB := requireEnv(t, "CHATSYNC_IT_USER_B")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	peers, err := a.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers returned error: %v", err)
	}
	t.Logf("Peers: %d friends", len(peers))
	if _, ok := a.Peer(userB); !ok {
		t.Errorf("expected %s among the friends of A", userB)
	}

	st, err := a.Open(ctx, userB)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	msgs := st.Messages()
	t.Logf("History: %d messages", len(msgs))
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

// =======================================================================
// Group 2: Live channel, full round trip
// =======================================================================

func TestIntegration_Live_RoundTrip(t *testing.T) {
	a := liveSession(t, "A")
	b := liveSession(t, "B")
	userA, userB := a.UserID(), b.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, s := range []*chatsync.Session{a, b} {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start %s: %v", s.UserID(), err)
		}
	}
	storeA, err := a.Open(ctx, userB)
	if err != nil {
		t.Fatalf("Open A->B: %v", err)
	}
	storeB, err := b.Open(ctx, userA)
	if err != nil {
		t.Fatalf("Open B->A: %v", err)
	}

	text := "integration " + time.Now().Format(time.RFC3339Nano)
	tempID, err := a.Send(ctx, userB, text, "")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	t.Logf("Send: tempId=%s", tempID)

	var sent chatsync.Message
	waitFor(t, "A's message to be confirmed", 15*time.Second, func() bool {
		for _, m := range storeA.Messages() {
			if m.Text == text && !chatsync.IsTempID(m.ID) {
				sent = m
				return true
			}
		}
		return false
	})
	waitFor(t, "B to receive the message", 15*time.Second, func() bool {
		_, ok := storeB.Get(sent.ID)
		return ok
	})

	if err := b.Typing(ctx, userA); err != nil {
		t.Errorf("Typing returned error: %v", err)
	}
	if err := b.MarkRead(ctx, userA, sent.ID); err != nil {
		t.Fatalf("MarkRead returned error: %v", err)
	}
	waitFor(t, "A to see the read receipt", 15*time.Second, func() bool {
		m, _ := storeA.Get(sent.ID)
		return m.State() == chatsync.MessageRead
	})
}
