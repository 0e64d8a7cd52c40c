package chatsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testSelf = "u-self"
	testPeer = "u-peer"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func inbound(id string, offset time.Duration, text string) Message {
	return Message{
		ID:         id,
		SenderID:   testPeer,
		ReceiverID: testSelf,
		Text:       text,
		CreatedAt:  t0.Add(offset),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func requireOrdered(t *testing.T, msgs []Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt),
			"entry %d (%s) is older than entry %d (%s)", i, msgs[i].ID, i-1, msgs[i-1].ID)
	}
}

// ============================================================================
// Inbound merge
// ============================================================================

func TestMessageStoreApplyInbound(t *testing.T) {
	t.Run("duplicate is merged not appended", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		m := inbound("m1", 0, "hi")

		require.True(t, s.ApplyInbound(m))
		before := s.Messages()
		require.False(t, s.ApplyInbound(m))
		require.Equal(t, before, s.Messages())
		require.Equal(t, 1, s.Len())
	})

	t.Run("conversation id is the peer", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		s.ApplyInbound(inbound("m1", 0, "hi"))
		m, ok := s.Get("m1")
		require.True(t, ok)
		require.Equal(t, testPeer, m.ConversationID)
	})

	t.Run("messages without id are dropped", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		require.False(t, s.ApplyInbound(Message{Text: "ghost"}))
		require.Equal(t, 0, s.Len())
	})

	t.Run("duplicate carrying newer flags upgrades them", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		s.ApplyInbound(inbound("m1", 0, "hi"))
		read := inbound("m1", 0, "hi")
		read.IsRead = true
		s.ApplyInbound(read)

		m, _ := s.Get("m1")
		require.True(t, m.IsRead)
		require.True(t, m.IsDelivered)
	})

	t.Run("out of order live event lands in place", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		s.Hydrate([]Message{
			inbound("m1", 1*time.Second, "a"),
			inbound("m3", 3*time.Second, "c"),
		})
		s.ApplyInbound(inbound("m2", 2*time.Second, "b"))
		s.ApplyInbound(inbound("m3", 3*time.Second, "c"))

		require.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
	})

	t.Run("zero timestamp takes receipt time", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		s.ApplyInbound(Message{ID: "m1", SenderID: testPeer, ReceiverID: testSelf})
		m, _ := s.Get("m1")
		require.False(t, m.CreatedAt.IsZero())
	})
}

// ============================================================================
// Ordering
// ============================================================================

func TestMessageStoreOrdering(t *testing.T) {
	t.Run("any interleaving stays sorted", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		offsets := []int{5, 1, 9, 3, 3, 7, 0, 2, 8, 6}
		for i, o := range offsets {
			s.ApplyInbound(inbound(fmt.Sprintf("m%d", i), time.Duration(o)*time.Second, "x"))
			if i == 4 {
				s.BeginOptimisticSend("mine", "")
			}
		}
		require.Equal(t, len(offsets)+1, s.Len())
		requireOrdered(t, s.Messages())
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		for _, id := range []string{"a", "b", "c"} {
			s.ApplyInbound(inbound(id, 0, id))
		}
		require.Equal(t, []string{"a", "b", "c"}, ids(s.Messages()))
	})

	t.Run("hydrate twice never duplicates", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		history := []Message{inbound("m1", 0, "a"), inbound("m2", time.Second, "b")}
		s.Hydrate(history)
		tempID := s.BeginOptimisticSend("pending", "")
		s.Hydrate(history)

		require.Equal(t, 3, s.Len())
		_, ok := s.Get(tempID)
		require.True(t, ok, "optimistic entry must survive a reload")
	})
}

// ============================================================================
// Flags
// ============================================================================

func TestMessageStoreFlagsAreMonotonic(t *testing.T) {
	s := NewMessageStore(testSelf, testPeer)
	s.Hydrate([]Message{inbound("m1", 0, "a")})

	require.True(t, s.MarkRead("m1"))
	require.False(t, s.MarkDelivered("m1"))
	require.False(t, s.MarkRead("m1"))

	stale := inbound("m1", 0, "a")
	s.ApplyInbound(stale)
	s.Hydrate([]Message{stale})

	m, _ := s.Get("m1")
	require.True(t, m.IsRead)
	require.True(t, m.IsDelivered)
	require.Equal(t, MessageRead, m.State())

	require.True(t, s.MarkDeleted("m1"))
	s.ApplyInbound(stale)
	m, _ = s.Get("m1")
	require.True(t, m.IsDeleted)
	require.Equal(t, 1, s.Len())

	require.False(t, s.MarkDelivered("missing"))
	require.False(t, s.MarkRead("missing"))
}

func TestMessageStoreMarkAllRead(t *testing.T) {
	s := NewMessageStore(testSelf, testPeer)
	own := func(id string, off time.Duration) Message {
		return Message{ID: id, SenderID: testSelf, ReceiverID: testPeer, Text: id, CreatedAt: t0.Add(off)}
	}
	s.Hydrate([]Message{own("a", 0), inbound("b", time.Second, "b"), own("c", 2*time.Second)})
	tempID := s.BeginOptimisticSend("d", "")

	require.Equal(t, 2, s.MarkAllRead(testSelf))
	b, _ := s.Get("b")
	require.False(t, b.IsRead)
	temp, _ := s.Get(tempID)
	require.Equal(t, MessagePending, temp.State())
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestMessageStoreOptimisticSend(t *testing.T) {
	t.Run("ack replaces the pending entry", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("hello", "")
		require.True(t, IsTempID(tempID))

		pending, ok := s.Get(tempID)
		require.True(t, ok)
		require.Equal(t, MessagePending, pending.State())
		require.NotEmpty(t, pending.Nonce)
		require.Equal(t, testSelf, pending.SenderID)
		require.Equal(t, testPeer, pending.ReceiverID)

		require.True(t, s.ReconcileSend(tempID, Message{ID: "srv-1", Text: "hello", CreatedAt: pending.CreatedAt}))
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "srv-1", msgs[0].ID)
		require.Equal(t, MessageSent, msgs[0].State())
		require.Equal(t, pending.Nonce, msgs[0].Nonce)
	})

	t.Run("live echo before ack yields one entry", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("hello", "")
		echo := Message{ID: "srv-1", SenderID: testSelf, ReceiverID: testPeer, Text: "hello", CreatedAt: time.Now(), IsDelivered: true}
		s.ApplyInbound(echo)

		require.True(t, s.ReconcileSend(tempID, Message{ID: "srv-1", Text: "hello"}))
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "srv-1", msgs[0].ID)
		require.True(t, msgs[0].IsDelivered)
	})

	t.Run("server timestamp repositions the entry", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("late", "")
		s.ApplyInbound(Message{ID: "m-future", SenderID: testPeer, ReceiverID: testSelf, CreatedAt: time.Now().Add(time.Hour)})
		s.ReconcileSend(tempID, Message{ID: "srv-1", CreatedAt: time.Now().Add(2 * time.Hour)})

		require.Equal(t, []string{"m-future", "srv-1"}, ids(s.Messages()))
	})

	t.Run("failed send stays visible", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("oops", "")
		require.True(t, s.MarkFailed(tempID))
		require.False(t, s.MarkFailed(tempID))

		m, ok := s.Get(tempID)
		require.True(t, ok)
		require.True(t, m.Error)
		require.Equal(t, MessageFailed, m.State())

		require.False(t, s.ReconcileSend(tempID, Message{ID: "srv-1"}), "failed entries are not reconciled")
		require.Equal(t, 1, s.Len())
	})

	t.Run("only failed entries can be removed", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("x", "")
		require.False(t, s.Remove(tempID))
		s.MarkFailed(tempID)
		require.True(t, s.Remove(tempID))
		require.Equal(t, 0, s.Len())
	})

	t.Run("temp ids are unique under rapid sends", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		seen := make(map[string]bool)
		for i := 0; i < 200; i++ {
			id := s.BeginOptimisticSend("spam", "")
			require.False(t, seen[id], "duplicate temp id %s", id)
			seen[id] = true
		}
		require.Equal(t, 200, s.Len())
	})

	t.Run("pending entries persist as failed", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		s.ApplyInbound(inbound("m1", 0, "a"))
		tempID := s.BeginOptimisticSend("unsent", "")
		for _, m := range s.persistable() {
			if m.ID == tempID {
				require.Equal(t, MessageFailed, m.State())
			} else {
				require.Equal(t, MessageSent, m.State())
			}
		}
	})

	t.Run("history record with the nonce replaces a restored entry", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("restored", "")
		pending, _ := s.Get(tempID)
		s.MarkFailed(tempID)

		s.Hydrate([]Message{
			inbound("m0", -time.Minute, "older"),
			{ID: "srv-9", SenderID: testSelf, ReceiverID: testPeer, Text: "restored", Nonce: pending.Nonce, CreatedAt: pending.CreatedAt},
		})
		require.Equal(t, []string{"m0", "srv-9"}, ids(s.Messages()))
		m, _ := s.Get("srv-9")
		require.Equal(t, MessageSent, m.State())
		_, ok := s.Get(tempID)
		require.False(t, ok)
	})

	t.Run("live record with the nonce replaces the entry", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("echoed", "")
		pending, _ := s.Get(tempID)

		require.False(t, s.ApplyInbound(Message{ID: "srv-3", SenderID: testSelf, Nonce: pending.Nonce, IsDelivered: true}))
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "srv-3", msgs[0].ID)
		require.Equal(t, "echoed", msgs[0].Text)
		require.Equal(t, MessageDelivered, msgs[0].State())
	})

	t.Run("unrelated nonces leave entries alone", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		tempID := s.BeginOptimisticSend("mine", "")
		s.Hydrate([]Message{{ID: "srv-1", SenderID: testSelf, Text: "mine", Nonce: "other", CreatedAt: time.Now()}})
		require.Equal(t, 2, s.Len())
		m, _ := s.Get(tempID)
		require.Equal(t, MessagePending, m.State())
	})

	t.Run("resend keeps the nonce", func(t *testing.T) {
		s := NewMessageStore(testSelf, testPeer)
		first := s.BeginOptimisticSend("again", "")
		pending, _ := s.Get(first)
		s.MarkFailed(first)
		s.Remove(first)

		second := s.beginSend(pending.Text, pending.Image, pending.Nonce)
		require.NotEqual(t, first, second)
		m, _ := s.Get(second)
		require.Equal(t, pending.Nonce, m.Nonce)
	})
}

// ============================================================================
// Change feed
// ============================================================================

func TestMessageStoreSubscribe(t *testing.T) {
	s := NewMessageStore(testSelf, testPeer)
	defer s.Close()

	updates := make(chan []Message, 16)
	cancel := s.Subscribe(func(msgs []Message) { updates <- msgs })

	select {
	case msgs := <-updates:
		require.Empty(t, msgs)
	case <-time.After(time.Second):
		t.Fatal("expected initial state")
	}

	s.ApplyInbound(inbound("m1", 0, "a"))
	deadline := time.After(time.Second)
	for {
		select {
		case msgs := <-updates:
			if len(msgs) == 1 {
				require.Equal(t, "m1", msgs[0].ID)
				cancel()
				return
			}
		case <-deadline:
			t.Fatal("expected update after inbound message")
		}
	}
}

func TestMessageStoreSubscriberMayCallBack(t *testing.T) {
	s := NewMessageStore(testSelf, testPeer)
	defer s.Close()

	done := make(chan struct{})
	s.Subscribe(func(msgs []Message) {
		for _, m := range msgs {
			if m.ID == "m1" && !m.IsRead {
				s.MarkRead("m1")
			}
			if m.ID == "m1" && m.IsRead {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		}
	})
	s.ApplyInbound(inbound("m1", 0, "a"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer could not mark the message read")
	}
}
