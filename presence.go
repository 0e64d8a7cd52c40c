package chatsync

import (
	"sort"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// DefaultTypingWindow is how long a typing signal stays visible without a
// renewal.
const DefaultTypingWindow = 3 * time.Second

// PresenceKind classifies a presence change.
type PresenceKind string

const (
	PresenceSnapshot      PresenceKind = "snapshot"
	PresenceOnline        PresenceKind = "online"
	PresenceOffline       PresenceKind = "offline"
	PresenceTyping        PresenceKind = "typing"
	PresenceTypingStopped PresenceKind = "typing_stopped"
)

// PresenceChange is delivered to OnChange observers.
type PresenceChange struct {
	Kind   PresenceKind
	UserID string
}

type typingState struct {
	at    time.Time
	timer *time.Timer
}

// PresenceTracker holds the online set and the per-peer typing state.
type PresenceTracker struct {
	window time.Duration

	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]typingState

	observers emitter[PresenceChange]
}

// NewPresenceTracker creates a tracker whose typing signals expire after
// window. A zero window selects DefaultTypingWindow.
func NewPresenceTracker(window time.Duration) *PresenceTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &PresenceTracker{
		window: window,
		online: make(map[string]struct{}),
		typing: make(map[string]typingState),
	}
}

// ApplySnapshot replaces the online set.
func (p *PresenceTracker) ApplySnapshot(userIDs []string) {
	p.mu.Lock()
	p.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		p.online[id] = struct{}{}
	}
	p.mu.Unlock()
	jww.DEBUG.Printf("[Presence] %d users online", len(userIDs))
	p.observers.emit(PresenceChange{Kind: PresenceSnapshot})
}

// ApplyDelta applies a single status change. Statuses other than "online"
// and "offline" are ignored.
func (p *PresenceTracker) ApplyDelta(userID, status string) {
	var kind PresenceKind
	p.mu.Lock()
	switch status {
	case "online":
		if _, ok := p.online[userID]; !ok {
			p.online[userID] = struct{}{}
			kind = PresenceOnline
		}
	case "offline":
		if _, ok := p.online[userID]; ok {
			delete(p.online, userID)
			kind = PresenceOffline
		}
	default:
		jww.DEBUG.Printf("[Presence] ignoring status %q for %s", status, userID)
	}
	p.mu.Unlock()
	if kind != "" {
		p.observers.emit(PresenceChange{Kind: kind, UserID: userID})
	}
}

// SetTyping marks peerID as typing and (re)arms its expiry. Only the timer of
// the latest signal can clear the state.
func (p *PresenceTracker) SetTyping(peerID string) {
	at := time.Now()
	p.mu.Lock()
	prev, wasTyping := p.typing[peerID]
	if wasTyping {
		prev.timer.Stop()
	}
	p.typing[peerID] = typingState{
		at:    at,
		timer: time.AfterFunc(p.window, func() { p.expire(peerID, at) }),
	}
	p.mu.Unlock()
	if !wasTyping {
		p.observers.emit(PresenceChange{Kind: PresenceTyping, UserID: peerID})
	}
}

func (p *PresenceTracker) expire(peerID string, at time.Time) {
	p.mu.Lock()
	cur, ok := p.typing[peerID]
	if !ok || !cur.at.Equal(at) {
		p.mu.Unlock()
		return
	}
	delete(p.typing, peerID)
	p.mu.Unlock()
	p.observers.emit(PresenceChange{Kind: PresenceTypingStopped, UserID: peerID})
}

// ClearTyping clears the typing state of peerID immediately.
func (p *PresenceTracker) ClearTyping(peerID string) {
	p.mu.Lock()
	cur, ok := p.typing[peerID]
	if ok {
		cur.timer.Stop()
		delete(p.typing, peerID)
	}
	p.mu.Unlock()
	if ok {
		p.observers.emit(PresenceChange{Kind: PresenceTypingStopped, UserID: peerID})
	}
}

// IsOnline reports whether userID is in the online set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// IsTyping reports whether peerID has signalled typing within the window.
func (p *PresenceTracker) IsTyping(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.typing[peerID]
	return ok && time.Since(cur.at) < p.window
}

// Online returns the online user ids, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// OnChange registers an observer for presence and typing changes.
func (p *PresenceTracker) OnChange(fn func(PresenceChange)) (cancel func()) {
	return p.observers.subscribe(fn)
}

// Reset clears all state and stops pending expiry timers.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	for _, st := range p.typing {
		st.timer.Stop()
	}
	p.typing = make(map[string]typingState)
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}
