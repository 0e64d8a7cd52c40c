package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresenceTrackerOnline(t *testing.T) {
	p := NewPresenceTracker(0)

	p.ApplySnapshot([]string{"a", "b"})
	require.Equal(t, []string{"a", "b"}, p.Online())

	p.ApplyDelta("c", "online")
	p.ApplyDelta("a", "offline")
	p.ApplyDelta("b", "away")
	require.Equal(t, []string{"b", "c"}, p.Online())
	require.True(t, p.IsOnline("c"))
	require.False(t, p.IsOnline("a"))

	p.ApplySnapshot(nil)
	require.Empty(t, p.Online())
}

func TestPresenceTrackerTyping(t *testing.T) {
	const window = 80 * time.Millisecond

	t.Run("expires after the window", func(t *testing.T) {
		p := NewPresenceTracker(window)
		p.SetTyping(testPeer)
		require.True(t, p.IsTyping(testPeer))
		require.Eventually(t, func() bool { return !p.IsTyping(testPeer) }, time.Second, 5*time.Millisecond)
	})

	t.Run("renewal outlives the first timer", func(t *testing.T) {
		p := NewPresenceTracker(window)
		p.SetTyping(testPeer)
		time.Sleep(window / 2)
		p.SetTyping(testPeer)
		time.Sleep(window/2 + window/4)

		require.True(t, p.IsTyping(testPeer), "first timer must not clear a renewed signal")
		require.Eventually(t, func() bool { return !p.IsTyping(testPeer) }, time.Second, 5*time.Millisecond)
	})

	t.Run("stale expiry is ignored", func(t *testing.T) {
		p := NewPresenceTracker(window)
		p.SetTyping(testPeer)
		p.mu.Lock()
		stale := p.typing[testPeer].at.Add(-time.Millisecond)
		p.mu.Unlock()

		p.expire(testPeer, stale)
		require.True(t, p.IsTyping(testPeer))
	})

	t.Run("clear is immediate", func(t *testing.T) {
		p := NewPresenceTracker(time.Minute)
		p.SetTyping(testPeer)
		p.ClearTyping(testPeer)
		require.False(t, p.IsTyping(testPeer))
		p.ClearTyping(testPeer)
	})
}

func TestPresenceTrackerOnChange(t *testing.T) {
	p := NewPresenceTracker(time.Minute)
	defer p.Reset()

	var mu sync.Mutex
	var got []PresenceChange
	cancel := p.OnChange(func(c PresenceChange) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	p.ApplyDelta("a", "online")
	p.ApplyDelta("a", "online")
	p.SetTyping("a")
	p.SetTyping("a")
	p.ClearTyping("a")
	p.ApplyDelta("a", "offline")
	cancel()
	p.ApplyDelta("b", "online")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []PresenceChange{
		{Kind: PresenceOnline, UserID: "a"},
		{Kind: PresenceTyping, UserID: "a"},
		{Kind: PresenceTypingStopped, UserID: "a"},
		{Kind: PresenceOffline, UserID: "a"},
	}, got)
}
