package chatsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	UserID string
	Token  string

	// BaseURL is the REST root. Defaults to DefaultBaseURL.
	BaseURL string
	// WSURL is the socket endpoint. Derived from BaseURL when empty.
	WSURL string

	HTTPClient *http.Client
	Transport  TransportConfig

	// Snapshots caches conversations between runs. Nil disables caching.
	Snapshots SnapshotStore

	// TypingWindow defaults to DefaultTypingWindow.
	TypingWindow time.Duration

	// AckReads requests an acknowledgement for read receipts.
	AckReads bool
}

// ============================================================================
// Session
// ============================================================================

// Session is the messaging state of one logged-in user. It owns the live
// transport and every open conversation, and is created at login and closed
// at logout.
type Session struct {
	userID    string
	token     string
	client    *Client
	transport *Transport
	history   *HistoryLoader
	tracker   *DeliveryTracker
	presence  *PresenceTracker
	snapshots SnapshotStore
	ackReads  bool
	ackWait   time.Duration

	mu            sync.Mutex
	stores        map[string]*MessageStore
	seen          *recentIDs
	cache         Snapshot
	peers         map[string]Peer
	unread        map[string]int
	deferredReads []readReceipt
	started       bool
	closed        bool

	// receiptMu orders receipts against the settling of pending sends, so a
	// receipt that beats the ack naming its message is kept in early.
	receiptMu  sync.Mutex
	early      map[string]earlyReceipt
	earlyOrder []string

	inbound emitter[Message]
}

// NewSession validates the credentials and builds a disconnected session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("chatsync: user id is required")
	}
	if err := checkToken(cfg.Token, cfg.UserID); err != nil {
		return nil, err
	}

	opts := []ClientOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
		if cfg.Transport.HTTPClient == nil {
			cfg.Transport.HTTPClient = cfg.HTTPClient
		}
	}
	client := NewClient(cfg.Token, opts...)

	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = client.SocketURL()
	}
	transport := NewTransport(wsURL, &cfg.Transport)

	return &Session{
		userID:    cfg.UserID,
		token:     cfg.Token,
		client:    client,
		transport: transport,
		history:   NewHistoryLoader(client),
		tracker:   NewDeliveryTracker(),
		presence:  NewPresenceTracker(cfg.TypingWindow),
		snapshots: cfg.Snapshots,
		ackReads:  cfg.AckReads,
		ackWait:   transport.config.AckTimeout,
		stores:    make(map[string]*MessageStore),
		peers:     make(map[string]Peer),
		unread:    make(map[string]int),
		seen:      newRecentIDs(seenMemory),
		early:     make(map[string]earlyReceipt),
	}, nil
}

const (
	earlyReceiptMemory = 256
	// seenMemory bounds the ids remembered for conversations that are not open.
	seenMemory = 1024
	// reconcileAttempts bounds the history lookups for a send acknowledged
	// without its record.
	reconcileAttempts = 3
)

// recentIDs is a bounded set that forgets the oldest id first.
type recentIDs struct {
	limit int
	set   map[string]struct{}
	order []string
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{limit: limit, set: make(map[string]struct{})}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

type earlyReceipt struct {
	delivered bool
	read      bool
}

// checkToken inspects the claims of a JWT without verifying its signature.
// Opaque tokens are accepted as they are.
func checkToken(token, userID string) error {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		jww.DEBUG.Printf("[Session] token is not a JWT, skipping claim checks")
		return nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" && sub != userID {
		return errors.WithMessagef(ErrTokenSubject, "token for %s, session for %s", sub, userID)
	}
	return nil
}

// UserID returns the id of the logged-in user.
func (s *Session) UserID() string { return s.userID }

// Transport exposes the live channel, e.g. to observe its state.
func (s *Session) Transport() *Transport { return s.transport }

// Presence exposes the presence and typing tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Client exposes the REST client.
func (s *Session) Client() *Client { return s.client }

// Start subscribes to inbound events and connects. A connect failure is
// returned, but the session stays usable: sends fall back to REST and
// automatic reconnection is not attempted until Start or Reconnect succeeds.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if first {
		s.transport.Subscribe(EventNewMessage, s.onNewMessage)
		s.transport.Subscribe(EventDelivered, s.onDelivered)
		s.transport.Subscribe(EventRead, s.onRead)
		s.transport.Subscribe(EventDeleted, s.onDeleted)
		s.transport.Subscribe(EventTyping, s.onTyping)
		s.transport.Subscribe(EventStopTyping, s.onStopTyping)
		s.transport.Subscribe(EventOnlineUsers, s.onOnlineUsers)
		s.transport.Subscribe(EventUserStatus, s.onUserStatus)
		s.transport.OnConnected(s.flushDeferredReads)
	}
	return s.Reconnect(ctx)
}

// Reconnect connects the transport if it is not connected.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	return s.transport.Connect(ctx, s.userID, token)
}

// SetToken replaces the credentials after a refresh. REST calls use the new
// token at once; the live channel picks it up on its next connect.
func (s *Session) SetToken(token string) error {
	if err := checkToken(token, s.userID); err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.client.SetToken(token)
	s.transport.SetToken(token)
	return nil
}

// OnMessage registers an observer for every new inbound message from a
// peer, including conversations that are not open.
func (s *Session) OnMessage(fn func(Message)) (cancel func()) {
	return s.inbound.subscribe(fn)
}

// ============================================================================
// Conversations
// ============================================================================

func (s *Session) store(peerID string) *MessageStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores[peerID]
}

func (s *Session) ensureStore(peerID string) (*MessageStore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.stores[peerID]; st != nil {
		return st, false
	}
	st := NewMessageStore(s.userID, peerID)
	s.stores[peerID] = st
	delete(s.unread, peerID)
	return st, true
}

// Open returns the store of the conversation with peerID, seeding it from the
// snapshot cache and the REST history. On a *HistoryFetchError the store is
// returned anyway with whatever was cached; call Reload to retry.
func (s *Session) Open(ctx context.Context, peerID string) (*MessageStore, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	st, created := s.ensureStore(peerID)
	if created {
		if cached := s.cached(ctx, peerID); len(cached) > 0 {
			st.Hydrate(cached)
		}
	}
	if err := s.Reload(ctx, peerID); err != nil {
		return st, err
	}
	return st, nil
}

// Reload fetches the history of an open conversation again and merges it.
func (s *Session) Reload(ctx context.Context, peerID string) error {
	st := s.store(peerID)
	if st == nil {
		return errors.Errorf("chatsync: conversation %s is not open", peerID)
	}
	msgs, err := s.history.Load(ctx, peerID)
	if err != nil {
		return err
	}
	// Sends accepted without a server record show up here first. Records
	// already known can only be older messages with the same text.
	for _, m := range msgs {
		if m.SenderID != s.userID {
			continue
		}
		if _, ok := st.Get(m.ID); ok {
			continue
		}
		if _, ok := s.tracker.Confirmed(m.ID); ok {
			continue
		}
		if tempID, ok := s.tracker.Resolve(peerID, m); ok {
			s.settle(st, tempID, m)
		}
	}
	st.Hydrate(msgs)
	return nil
}

// Send shows text and image optimistically and delivers them, preferring the
// live channel. It returns the temporary id of the entry. A returned
// *SendError means the entry is now in the failed state.
func (s *Session) Send(ctx context.Context, peerID, text, image string) (string, error) {
	if strings.TrimSpace(text) == "" && image == "" {
		return "", ErrEmptyMessage
	}
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	st, _ := s.ensureStore(peerID)
	return s.send(ctx, st, st.BeginOptimisticSend(text, image))
}

func (s *Session) send(ctx context.Context, st *MessageStore, tempID string) (string, error) {
	pending, _ := st.Get(tempID)
	s.tracker.Register(st.PeerID(), tempID, pending.Nonce, pending.Text)
	return tempID, s.deliver(ctx, st, pending)
}

func (s *Session) deliver(ctx context.Context, st *MessageStore, pending Message) error {
	peerID, tempID := st.PeerID(), pending.ID
	req := SendRequest{
		ReceiverID: peerID,
		Text:       pending.Text,
		Image:      pending.Image,
		Nonce:      pending.Nonce,
	}

	ack, err := s.transport.Emit(ctx, wireSendMessage, req, true)
	switch {
	case err == nil && ack.OK():
		if m, ok := ack.ServerMessage(); ok {
			s.confirm(st, tempID, m)
		} else {
			jww.DEBUG.Printf("[Session] %s accepted, awaiting delivery event", tempID)
			s.scheduleReconcile(peerID, tempID, 1)
		}
		return nil
	case err == nil && ack.Status == AckError:
		s.fail(st, tempID)
		return &SendError{TempID: tempID, Err: errors.New(nonEmpty(ack.Error, "rejected by server"))}
	case err != nil && !errors.Is(err, ErrNotConnected):
		s.fail(st, tempID)
		return &SendError{TempID: tempID, Err: err}
	}

	jww.INFO.Printf("[Session] %s: live channel unavailable (%v), sending over REST", tempID, nonEmpty(string(ack.Status), "not connected"))
	m, err := s.client.SendMessage(ctx, peerID, SendRequest{Text: req.Text, Image: req.Image}, req.Nonce)
	if err != nil {
		s.fail(st, tempID)
		return &SendError{TempID: tempID, Err: err}
	}
	s.confirm(st, tempID, m)
	return nil
}

// scheduleReconcile looks the accepted send tempID up in the history after
// an ack timeout, unless an event settled it first. It gives up after
// reconcileAttempts lookups and leaves the entry pending.
func (s *Session) scheduleReconcile(peerID, tempID string, attempt int) {
	time.AfterFunc(s.ackWait, func() {
		st := s.store(peerID)
		if st == nil || s.isClosed() {
			return
		}
		if m, ok := st.Get(tempID); !ok || m.State() != MessagePending {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		err := s.Reload(ctx, peerID)
		cancel()
		if err != nil {
			jww.WARN.Printf("[Session] reconciling %s with history: %v", tempID, err)
		}
		if m, ok := st.Get(tempID); !ok || m.State() != MessagePending {
			return
		}
		if attempt >= reconcileAttempts {
			jww.WARN.Printf("[Session] %s still has no server record after %d lookups", tempID, attempt)
			return
		}
		s.scheduleReconcile(peerID, tempID, attempt+1)
	})
}

func (s *Session) confirm(st *MessageStore, tempID string, m Message) {
	s.tracker.Confirm(tempID, m.ID)
	s.settle(st, tempID, m)
}

// settle replaces the pending entry tempID with m, folding in receipts that
// arrived before m was known. Without a pending entry m is applied as is.
func (s *Session) settle(st *MessageStore, tempID string, m Message) {
	s.receiptMu.Lock()
	defer s.receiptMu.Unlock()
	if r, ok := s.early[m.ID]; ok {
		m.IsDelivered = m.IsDelivered || r.delivered || r.read
		m.IsRead = m.IsRead || r.read
		delete(s.early, m.ID)
	}
	if tempID == "" || !st.ReconcileSend(tempID, m) {
		st.ApplyInbound(m)
	}
}

// applyReceipt marks id delivered or read in the matching store. Receipts for
// ids not in any store are remembered for a later settle.
func (s *Session) applyReceipt(peerHint, id string, read bool) {
	s.receiptMu.Lock()
	defer s.receiptMu.Unlock()
	found := false
	s.eachStore(peerHint, func(st *MessageStore) {
		if _, ok := st.Get(id); !ok {
			return
		}
		found = true
		if read {
			st.MarkRead(id)
		} else {
			st.MarkDelivered(id)
		}
	})
	if found {
		return
	}
	r, seen := s.early[id]
	if !seen {
		s.earlyOrder = append(s.earlyOrder, id)
		if len(s.earlyOrder) > earlyReceiptMemory {
			delete(s.early, s.earlyOrder[0])
			s.earlyOrder = s.earlyOrder[1:]
		}
	}
	r.delivered = r.delivered || !read
	r.read = r.read || read
	s.early[id] = r
}

func (s *Session) fail(st *MessageStore, tempID string) {
	s.tracker.Forget(tempID)
	st.MarkFailed(tempID)
	jww.WARN.Printf("[Session] send %s to %s failed", tempID, st.PeerID())
}

// Retry discards a failed entry and sends its content again under a new
// temporary id. The nonce is kept, so a server that already stored the
// message does not store it twice.
func (s *Session) Retry(ctx context.Context, peerID, tempID string) (string, error) {
	st := s.store(peerID)
	if st == nil {
		return "", ErrUnknownMessage
	}
	m, ok := st.Get(tempID)
	if !ok || m.State() != MessageFailed {
		return "", errors.WithMessagef(ErrUnknownMessage, "no failed message %s", tempID)
	}
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	st.Remove(tempID)
	return s.send(ctx, st, st.beginSend(m.Text, m.Image, m.Nonce))
}

// MarkRead marks messageID from peerID as read locally and reports it to the
// server. While disconnected the receipt is kept and sent after the next
// connect.
func (s *Session) MarkRead(ctx context.Context, peerID, messageID string) error {
	if IsTempID(messageID) {
		return errors.WithMessagef(ErrUnknownMessage, "%s is not persisted", messageID)
	}
	if st := s.store(peerID); st != nil {
		st.MarkRead(messageID)
	}
	return s.sendRead(ctx, readReceipt{MessageID: messageID, SenderID: peerID})
}

func (s *Session) sendRead(ctx context.Context, r readReceipt) error {
	if !s.transport.IsConnected() {
		s.deferRead(r)
		return nil
	}
	ack, err := s.transport.Emit(ctx, wireMarkRead, r, s.ackReads)
	if errors.Is(err, ErrNotConnected) {
		s.deferRead(r)
		return nil
	}
	if err != nil {
		return err
	}
	if ack.Status == AckTimeout {
		s.deferRead(r)
	} else if !ack.OK() {
		jww.WARN.Printf("[Session] read receipt for %s rejected: %s", r.MessageID, ack.Error)
	}
	return nil
}

func (s *Session) deferRead(r readReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deferredReads {
		if d == r {
			return
		}
	}
	s.deferredReads = append(s.deferredReads, r)
	jww.DEBUG.Printf("[Session] deferred read receipt for %s", r.MessageID)
}

func (s *Session) flushDeferredReads() {
	s.mu.Lock()
	pending := s.deferredReads
	s.deferredReads = nil
	s.mu.Unlock()

	for _, r := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), s.ackWait+time.Second)
		err := s.sendRead(ctx, r)
		cancel()
		if err != nil {
			jww.WARN.Printf("[Session] flushing read receipt for %s: %v", r.MessageID, err)
		}
	}
	if len(pending) > 0 {
		jww.INFO.Printf("[Session] flushed %d deferred read receipts", len(pending))
	}
}

// DeferredReads returns the number of read receipts waiting for a connection.
func (s *Session) DeferredReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferredReads)
}

// Typing tells peerID that the user is typing. The signal is dropped when
// the live channel is down.
func (s *Session) Typing(ctx context.Context, peerID string) error {
	if !s.transport.IsConnected() {
		jww.TRACE.Printf("[Session] dropping typing signal for %s", peerID)
		return nil
	}
	_, err := s.transport.Emit(ctx, wireTyping, typingNotice{ConversationID: peerID, ReceiverID: peerID}, false)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Peers fetches the friends list and caches it as conversation metadata.
func (s *Session) Peers(ctx context.Context) ([]Peer, error) {
	peers, err := s.client.Friends(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, p := range peers {
		s.peers[p.ID] = p
	}
	s.mu.Unlock()
	return peers, nil
}

// Peer returns cached metadata for peerID.
func (s *Session) Peer(peerID string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	return p, ok
}

// Unread returns how many messages from peerID arrived while its
// conversation was not open.
func (s *Session) Unread(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[peerID]
}

// ============================================================================
// Inbound events
// ============================================================================

func (s *Session) onNewMessage(ev Event) {
	m, ok := parseMessage(gjson.ParseBytes(ev.Data))
	if !ok {
		jww.WARN.Printf("[Session] %s without message id: %s", ev.Wire, shorten(ev.Data))
		return
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	peerID := conversationFor(s.userID, m)
	if peerID == "" {
		jww.WARN.Printf("[Session] %s %s has no counterpart", ev.Wire, m.ID)
		return
	}

	if m.SenderID == s.userID {
		s.applyOwnEcho(peerID, m)
		return
	}

	s.presence.ClearTyping(m.SenderID)
	if st := s.store(peerID); st != nil {
		if !st.ApplyInbound(m) {
			return
		}
	} else {
		s.mu.Lock()
		fresh := s.seen.add(m.ID)
		if fresh {
			s.unread[peerID]++
		}
		s.mu.Unlock()
		if !fresh {
			jww.TRACE.Printf("[Session] duplicate %s %s dropped", ev.Wire, m.ID)
			return
		}
	}
	s.inbound.emit(m)
}

// applyOwnEcho reconciles a message the current user sent, echoed back by the
// server.
func (s *Session) applyOwnEcho(peerID string, m Message) {
	tempID, _ := s.tracker.Resolve(peerID, m)
	if st := s.store(peerID); st != nil {
		s.settle(st, tempID, m)
	}
}

func (s *Session) onDelivered(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	if looksLikeMessage(r) {
		m, _ := parseMessage(r)
		m.IsDelivered = true
		peerID := conversationFor(s.userID, m)
		if m.SenderID == s.userID {
			s.applyOwnEcho(peerID, m)
		}
		s.applyReceipt(peerID, m.ID, false)
		return
	}

	id := firstString(r, idFields...)
	if id == "" {
		jww.WARN.Printf("[Session] %s without message id: %s", ev.Wire, shorten(ev.Data))
		return
	}
	peerHint := firstString(r, "receiverId", "receiver_id", "conversationId", "peerId")
	if tempID := firstString(r, "tempId", "temp_id"); tempID != "" {
		s.eachStore(peerHint, func(st *MessageStore) {
			if _, ok := st.Get(tempID); ok {
				s.confirm(st, tempID, Message{ID: id, IsDelivered: true})
			}
		})
	}
	s.applyReceipt(peerHint, id, false)
}

func (s *Session) onRead(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	peerHint := firstString(r, "readerId", "reader_id", "receiverId", "userId", "conversationId")

	var ids []string
	if list := firstResult(r, "messageIds", "message_ids", "ids"); list.IsArray() {
		list.ForEach(func(_, v gjson.Result) bool {
			if v.String() != "" {
				ids = append(ids, v.String())
			}
			return true
		})
	} else if id := firstString(unwrapMessage(r), idFields...); id != "" {
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		if peerHint == "" {
			jww.WARN.Printf("[Session] %s without message ids: %s", ev.Wire, shorten(ev.Data))
			return
		}
		if st := s.store(peerHint); st != nil {
			st.MarkAllRead(s.userID)
		}
		return
	}
	for _, id := range ids {
		s.applyReceipt(peerHint, id, true)
	}
}

func (s *Session) onDeleted(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	id := firstString(unwrapMessage(r), idFields...)
	if id == "" {
		jww.WARN.Printf("[Session] %s without message id: %s", ev.Wire, shorten(ev.Data))
		return
	}
	s.eachStore(firstString(r, "conversationId", "peerId"), func(st *MessageStore) { st.MarkDeleted(id) })
}

func (s *Session) onTyping(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	who := firstString(r, "senderId", "userId", "from", "sender")
	if who == "" || who == s.userID {
		return
	}
	if v := r.Get("isTyping"); v.Exists() && !v.Bool() {
		s.presence.ClearTyping(who)
		return
	}
	s.presence.SetTyping(who)
}

func (s *Session) onStopTyping(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	if who := firstString(r, "senderId", "userId", "from", "sender"); who != "" {
		s.presence.ClearTyping(who)
	}
}

func (s *Session) onOnlineUsers(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	if !r.IsArray() {
		r = firstResult(r, "users", "onlineUsers", "online", "data")
	}
	if !r.IsArray() {
		jww.WARN.Printf("[Session] %s is not a list: %s", ev.Wire, shorten(ev.Data))
		return
	}
	s.presence.ApplySnapshot(parseUserIDs(r))
}

func (s *Session) onUserStatus(ev Event) {
	r := gjson.ParseBytes(ev.Data)
	who := firstString(r, userIDFields...)
	if who == "" {
		jww.WARN.Printf("[Session] %s without user id: %s", ev.Wire, shorten(ev.Data))
		return
	}
	status := strings.ToLower(firstString(r, "status", "state"))
	if status == "" {
		if v := firstResult(r, "online", "isOnline"); v.Exists() {
			status = "offline"
			if v.Bool() {
				status = "online"
			}
		}
	}
	s.presence.ApplyDelta(who, status)
}

// eachStore runs fn on the store of peerHint when it is open, otherwise on
// every open store.
func (s *Session) eachStore(peerHint string, fn func(*MessageStore)) {
	s.mu.Lock()
	var targets []*MessageStore
	if st := s.stores[peerHint]; st != nil {
		targets = append(targets, st)
	} else {
		for _, st := range s.stores {
			targets = append(targets, st)
		}
	}
	s.mu.Unlock()
	for _, st := range targets {
		fn(st)
	}
}

// ============================================================================
// Persistence & teardown
// ============================================================================

func (s *Session) cached(ctx context.Context, peerID string) []Message {
	if s.snapshots == nil {
		return nil
	}
	s.mu.Lock()
	loaded := s.cache != nil
	s.mu.Unlock()

	if !loaded {
		snap, err := s.snapshots.Load(ctx, s.userID)
		if err != nil {
			jww.WARN.Printf("[Session] loading snapshot: %v", err)
			snap = make(Snapshot)
		}
		s.mu.Lock()
		if s.cache == nil {
			s.cache = snap
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[peerID]
}

// persist saves every open conversation, plus whatever was cached for
// conversations that were not opened in this session.
func (s *Session) persist(ctx context.Context, only string) error {
	if s.snapshots == nil {
		return nil
	}
	s.cached(ctx, "")

	s.mu.Lock()
	snap := make(Snapshot, len(s.cache)+len(s.stores))
	for peer, msgs := range s.cache {
		snap[peer] = msgs
	}
	for peer, st := range s.stores {
		if only == "" || peer == only {
			snap[peer] = st.persistable()
		}
	}
	s.cache = snap
	s.mu.Unlock()

	if err := s.snapshots.Save(ctx, s.userID, snap); err != nil {
		return errors.WithMessage(err, "chatsync: save snapshot")
	}
	return nil
}

// CloseConversation persists and releases the store of peerID.
func (s *Session) CloseConversation(ctx context.Context, peerID string) error {
	err := s.persist(ctx, peerID)
	s.mu.Lock()
	st := s.stores[peerID]
	delete(s.stores, peerID)
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
	return err
}

// Close persists all conversations, disconnects and releases every resource.
// Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.persist(ctx, "")
	if derr := s.transport.Disconnect(); derr != nil && err == nil {
		err = derr
	}

	s.mu.Lock()
	stores := s.stores
	s.stores = make(map[string]*MessageStore)
	s.deferredReads = nil
	s.mu.Unlock()
	s.receiptMu.Lock()
	s.early = make(map[string]earlyReceipt)
	s.earlyOrder = nil
	s.receiptMu.Unlock()
	for _, st := range stores {
		st.Close()
	}
	s.presence.Reset()
	s.tracker.Reset()
	s.inbound.removeAll()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
