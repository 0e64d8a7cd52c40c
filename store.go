package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
)

// MessageStore is the ordered message list of one conversation. All methods
// are safe for concurrent use and each mutation is applied atomically.
//
// The list is ordered by CreatedAt, ties broken by insertion order. Ids are
// unique, and the IsDelivered, IsRead and IsDeleted flags never revert.
type MessageStore struct {
	selfID string
	peerID string

	mu      sync.Mutex
	msgs    []*Message
	byID    map[string]*Message
	byNonce map[string]*Message
	seq     uint64

	observers emitter[[]Message]
	changed   chan struct{}
	done      chan struct{}
	feedOnce  sync.Once
	closeOnce sync.Once
}

// NewMessageStore creates an empty store for the conversation between selfID
// and peerID.
func NewMessageStore(selfID, peerID string) *MessageStore {
	return &MessageStore{
		selfID:  selfID,
		peerID:  peerID,
		byID:    make(map[string]*Message),
		byNonce: make(map[string]*Message),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// PeerID returns the other participant of the conversation.
func (s *MessageStore) PeerID() string { return s.peerID }

// ============================================================================
// Mutations
// ============================================================================

// Hydrate merges a loaded backlog into the list. Entries already present are
// merged by id with monotonic flags. An optimistic entry, failed or not, is
// replaced by the record carrying its nonce; other optimistic entries are kept.
func (s *MessageStore) Hydrate(history []Message) {
	s.mu.Lock()
	added, merged := 0, 0
	for _, m := range history {
		if m.ID == "" {
			continue
		}
		if temp := s.tempForLocked(m); temp != nil {
			s.replaceLocked(temp, m)
			merged++
			continue
		}
		if existing := s.byID[m.ID]; existing != nil {
			before := *existing
			mergeFlags(existing, m)
			if *existing != before {
				merged++
			}
			continue
		}
		s.insertLocked(m)
		added++
	}
	s.mu.Unlock()

	jww.DEBUG.Printf("[Store] %s: hydrated %d new, %d merged of %d", s.peerID, added, merged, len(history))
	if added+merged > 0 {
		s.notify()
	}
}

// ApplyInbound inserts a message received on the live channel. Messages with
// a known id are merged instead and reported as not inserted.
func (s *MessageStore) ApplyInbound(m Message) bool {
	if m.ID == "" {
		return false
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if existing := s.byID[m.ID]; existing != nil {
		before := *existing
		mergeFlags(existing, m)
		changed := *existing != before
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		jww.TRACE.Printf("[Store] %s: duplicate %s merged", s.peerID, m.ID)
		return false
	}
	if temp := s.tempForLocked(m); temp != nil {
		tempID := temp.ID
		s.replaceLocked(temp, m)
		s.mu.Unlock()
		jww.DEBUG.Printf("[Store] %s: %s replaced by %s with the same nonce", s.peerID, tempID, m.ID)
		s.notify()
		return false
	}
	s.insertLocked(m)
	s.mu.Unlock()

	s.notify()
	return true
}

// BeginOptimisticSend appends a pending entry for an outgoing message and
// returns its temporary id. A fresh nonce is attached for correlation.
func (s *MessageStore) BeginOptimisticSend(text, image string) string {
	return s.beginSend(text, image, uuid.NewString())
}

// beginSend is BeginOptimisticSend with a given nonce, so a resend is
// recognised by the server as the same message.
func (s *MessageStore) beginSend(text, image, nonce string) string {
	if nonce == "" {
		nonce = uuid.NewString()
	}
	m := Message{
		ID:         newTempID(),
		SenderID:   s.selfID,
		ReceiverID: s.peerID,
		Text:       text,
		Image:      image,
		CreatedAt:  time.Now(),
		Nonce:      nonce,
	}

	s.mu.Lock()
	s.insertLocked(m)
	s.mu.Unlock()

	s.notify()
	return m.ID
}

// ReconcileSend replaces the pending entry tempID with the persisted server
// record. It is a no-op for unknown or failed entries. When the server record
// is already in the list, the pending entry is dropped and the flags merged.
func (s *MessageStore) ReconcileSend(tempID string, server Message) bool {
	if server.ID == "" {
		return false
	}

	s.mu.Lock()
	temp := s.byID[tempID]
	if temp == nil || temp.Error || !IsTempID(temp.ID) {
		s.mu.Unlock()
		return false
	}

	s.replaceLocked(temp, server)
	s.mu.Unlock()

	jww.DEBUG.Printf("[Store] %s: %s reconciled as %s", s.peerID, tempID, server.ID)
	s.notify()
	return true
}

// MarkFailed moves a pending entry to the failed state. Failed entries stay
// in the list until removed explicitly.
func (s *MessageStore) MarkFailed(tempID string) bool {
	return s.update(tempID, func(m *Message) bool {
		if !IsTempID(m.ID) || m.Error {
			return false
		}
		m.Error = true
		return true
	})
}

// MarkDelivered sets IsDelivered. Unknown ids and already delivered entries
// are ignored.
func (s *MessageStore) MarkDelivered(id string) bool {
	return s.update(id, func(m *Message) bool {
		if m.IsDelivered {
			return false
		}
		m.IsDelivered = true
		return true
	})
}

// MarkRead sets IsRead. Read implies delivered.
func (s *MessageStore) MarkRead(id string) bool {
	return s.update(id, func(m *Message) bool {
		if m.IsRead {
			return false
		}
		m.IsRead = true
		m.IsDelivered = true
		return true
	})
}

// MarkAllRead marks every persisted message from senderID as read and returns
// how many changed.
func (s *MessageStore) MarkAllRead(senderID string) int {
	s.mu.Lock()
	n := 0
	for _, m := range s.msgs {
		if m.SenderID == senderID && !IsTempID(m.ID) && !m.IsRead {
			m.IsRead = true
			m.IsDelivered = true
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.notify()
	}
	return n
}

// MarkDeleted sets IsDeleted. The entry stays in the list.
func (s *MessageStore) MarkDeleted(id string) bool {
	return s.update(id, func(m *Message) bool {
		if m.IsDeleted {
			return false
		}
		m.IsDeleted = true
		return true
	})
}

// Remove discards a failed entry. Entries in any other state are kept.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	m := s.byID[id]
	if m == nil || !m.Error {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(id)
	s.mu.Unlock()
	s.notify()
	return true
}

// tempForLocked returns the optimistic entry that m is the server record of,
// matched by nonce.
func (s *MessageStore) tempForLocked(m Message) *Message {
	if m.Nonce == "" || IsTempID(m.ID) {
		return nil
	}
	return s.byNonce[m.Nonce]
}

// replaceLocked swaps the optimistic entry temp for the server record,
// filling in what the server left out.
func (s *MessageStore) replaceLocked(temp *Message, server Message) {
	if server.SenderID == "" {
		server.SenderID = temp.SenderID
	}
	if server.ReceiverID == "" {
		server.ReceiverID = temp.ReceiverID
	}
	if server.Text == "" && server.Image == "" {
		server.Text, server.Image = temp.Text, temp.Image
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = temp.CreatedAt
	}
	if server.Nonce == "" {
		server.Nonce = temp.Nonce
	}
	server.Error = false

	s.removeLocked(temp.ID)
	if existing := s.byID[server.ID]; existing != nil {
		mergeFlags(existing, server)
	} else {
		s.insertLocked(server)
	}
}

func (s *MessageStore) update(id string, fn func(*Message) bool) bool {
	s.mu.Lock()
	m := s.byID[id]
	if m == nil {
		s.mu.Unlock()
		return false
	}
	changed := fn(m)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

// insertLocked places m after every entry with CreatedAt <= m.CreatedAt.
func (s *MessageStore) insertLocked(m Message) {
	s.seq++
	m.seq = s.seq
	m.ConversationID = s.peerID
	p := &m
	i := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = p
	s.byID[m.ID] = p
	if IsTempID(m.ID) && m.Nonce != "" {
		s.byNonce[m.Nonce] = p
	}
}

func (s *MessageStore) removeLocked(id string) {
	if m := s.byID[id]; m != nil && s.byNonce[m.Nonce] == m {
		delete(s.byNonce, m.Nonce)
	}
	delete(s.byID, id)
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Reads
// ============================================================================

// Messages returns a copy of the ordered list.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

// Get returns the entry with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byID[id]; m != nil {
		return *m, true
	}
	return Message{}, false
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// persistable returns the list as it should be cached: entries still pending
// cannot be resumed after a restart, so they are saved as failed.
func (s *MessageStore) persistable() []Message {
	out := s.Messages()
	for i := range out {
		if out[i].State() == MessagePending {
			out[i].Error = true
		}
	}
	return out
}

// ============================================================================
// Change feed
// ============================================================================

// Subscribe registers fn to receive the full list after every change,
// starting with the current state. Notifications are delivered in order on a
// single goroutine and bursts are coalesced, so fn may call back into the
// store.
func (s *MessageStore) Subscribe(fn func([]Message)) (cancel func()) {
	cancel = s.observers.subscribe(fn)
	s.feedOnce.Do(func() { go s.feedLoop() })
	s.notify()
	return cancel
}

func (s *MessageStore) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *MessageStore) feedLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.changed:
			if s.observers.active() {
				s.observers.emit(s.Messages())
			}
		}
	}
}

// Close stops change notifications.
func (s *MessageStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.observers.removeAll()
	})
}
