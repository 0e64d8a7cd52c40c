// Package fakeserver is an in-process messaging backend for tests. It speaks
// the REST and socket protocol of the real server and records everything it
// receives.
package fakeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Frame is the socket envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ackId,omitempty"`
}

// Record is a message as the backend stores it.
type Record struct {
	ID          string    `json:"_id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Text        string    `json:"text"`
	Image       string    `json:"image,omitempty"`
	Nonce       string    `json:"nonce,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	IsRead      bool      `json:"isRead"`
	IsDelivered bool      `json:"isDelivered"`
}

// AckMode controls how send_message is acknowledged.
type AckMode int

const (
	// AckWithMessage answers ok and includes the stored record.
	AckWithMessage AckMode = iota
	// AckWithoutMessage answers ok with no record.
	AckWithoutMessage
	// AckReject answers with an error status.
	AckReject
	// AckSilent never answers.
	AckSilent
)

// HandshakeMode controls what a new socket receives first.
type HandshakeMode int

const (
	HandshakeAccept HandshakeMode = iota
	HandshakeReject
	HandshakeSilent
)

type socketClient struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *socketClient) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(f)
}

// Server is a running fake backend.
type Server struct {
	secret   []byte
	http     *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[string]*socketClient
	frames    []Frame
	records   []Record
	byNonce   map[string]Record
	history   map[string]string
	friends   []map[string]string
	ackMode   AckMode
	handshake HandshakeMode
	failREST  bool
	echo      bool
	dials     int
	nextID    int
}

// New starts a fake backend on a loopback port.
func New() *Server {
	s := &Server{
		secret:   []byte("fakeserver-secret"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[string]*socketClient),
		byNonce:  make(map[string]Record),
		history:  make(map[string]string),
		echo:     true,
	}

	r := mux.NewRouter()
	r.HandleFunc("/socket", s.serveSocket)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/messages/send/{peerId}", s.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{peerId}", s.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/friends", s.getFriends).Methods(http.MethodGet)

	s.http = httptest.NewServer(r)
	return s
}

// BaseURL is the REST root.
func (s *Server) BaseURL() string { return s.http.URL + "/api" }

// SocketURL is the socket endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/socket"
}

// Token issues a signed token for userID.
func (s *Server) Token(userID string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.http.Close()
}

// ============================================================================
// Knobs
// ============================================================================

func (s *Server) SetAckMode(m AckMode) {
	s.mu.Lock()
	s.ackMode = m
	s.mu.Unlock()
}

func (s *Server) SetHandshake(m HandshakeMode) {
	s.mu.Lock()
	s.handshake = m
	s.mu.Unlock()
}

// SetFailREST makes every REST call answer 500.
func (s *Server) SetFailREST(fail bool) {
	s.mu.Lock()
	s.failREST = fail
	s.mu.Unlock()
}

// SetEcho controls whether stored messages are pushed to the receiver.
func (s *Server) SetEcho(echo bool) {
	s.mu.Lock()
	s.echo = echo
	s.mu.Unlock()
}

// SetHistory overrides the raw body returned for GET /messages/{peerID}.
func (s *Server) SetHistory(peerID, body string) {
	s.mu.Lock()
	s.history[peerID] = body
	s.mu.Unlock()
}

// SetFriends sets the documents returned by GET /friends.
func (s *Server) SetFriends(friends ...map[string]string) {
	s.mu.Lock()
	s.friends = friends
	s.mu.Unlock()
}

// ============================================================================
// Inspection
// ============================================================================

// Dials returns how many sockets were accepted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Records returns every stored message.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Frames returns the received frames of the given event, or all frames when
// event is empty.
func (s *Server) Frames(event string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.frames {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Connected reports whether userID holds a socket.
func (s *Server) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[userID]
	return ok
}

// WaitConnected polls until userID holds a socket or timeout elapses.
func (s *Server) WaitConnected(userID string, timeout time.Duration) bool {
	return poll(timeout, func() bool { return s.Connected(userID) })
}

// WaitFrames polls until at least n frames of event were received.
func (s *Server) WaitFrames(event string, n int, timeout time.Duration) bool {
	return poll(timeout, func() bool { return len(s.Frames(event)) >= n })
}

func poll(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// ============================================================================
// Socket
// ============================================================================

// Push sends an event to the socket of userID.
func (s *Server) Push(userID, event string, data interface{}) error {
	s.mu.Lock()
	c := s.clients[userID]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("fakeserver: %s is not connected", userID)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.send(Frame{Event: event, Data: raw})
}

// DropAll closes every socket without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*socketClient)
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	sub, authErr := s.subject(r.Header.Get("Authorization"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &socketClient{userID: userID, conn: conn}

	s.mu.Lock()
	s.dials++
	mode := s.handshake
	s.mu.Unlock()

	if authErr != nil || sub != userID {
		mode = HandshakeReject
	}
	switch mode {
	case HandshakeReject:
		c.send(Frame{Event: "connect_error", Data: json.RawMessage(`{"message":"unauthorized"}`)})
		conn.Close()
		return
	case HandshakeSilent:
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}

	s.mu.Lock()
	if old := s.clients[userID]; old != nil {
		old.conn.Close()
	}
	s.clients[userID] = c
	s.mu.Unlock()

	c.send(Frame{Event: "connect", Data: json.RawMessage(fmt.Sprintf(`{"userId":%q}`, userID))})
	s.readLoop(c)

	s.mu.Lock()
	if s.clients[userID] == c {
		delete(s.clients, userID)
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) readLoop(c *socketClient) {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()

		switch f.Event {
		case "send_message":
			s.handleSend(c, f)
		case "mark_read":
			s.handleRead(c, f)
		case "typing":
			var p struct {
				ReceiverID string `json:"receiverId"`
			}
			json.Unmarshal(f.Data, &p)
			s.Push(p.ReceiverID, "typing", map[string]string{"senderId": c.userID})
		default:
			if f.AckID != 0 {
				s.ack(c, f.AckID, map[string]interface{}{"status": "ok"})
			}
		}
	}
}

func (s *Server) handleSend(c *socketClient, f Frame) {
	var p struct {
		ReceiverID string `json:"receiverId"`
		Text       string `json:"text"`
		Image      string `json:"image"`
		Nonce      string `json:"nonce"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil || p.ReceiverID == "" {
		s.ack(c, f.AckID, map[string]interface{}{"status": "error", "error": "invalid payload"})
		return
	}

	s.mu.Lock()
	mode := s.ackMode
	s.mu.Unlock()

	switch mode {
	case AckReject:
		s.ack(c, f.AckID, map[string]interface{}{"status": "error", "error": "blocked"})
		return
	case AckSilent:
		return
	}

	rec := s.store(c.userID, p.ReceiverID, p.Text, p.Image, p.Nonce)
	if mode == AckWithMessage {
		s.ack(c, f.AckID, map[string]interface{}{"status": "ok", "message": rec})
	} else {
		s.ack(c, f.AckID, map[string]interface{}{"status": "ok"})
	}
	s.deliver(rec)
}

func (s *Server) handleRead(c *socketClient, f Frame) {
	var p struct {
		MessageID string `json:"messageId"`
		SenderID  string `json:"senderId"`
	}
	json.Unmarshal(f.Data, &p)

	s.mu.Lock()
	for i := range s.records {
		if s.records[i].ID == p.MessageID {
			s.records[i].IsRead = true
		}
	}
	s.mu.Unlock()

	if f.AckID != 0 {
		s.ack(c, f.AckID, map[string]interface{}{"status": "ok"})
	}
	s.Push(p.SenderID, "message_read", map[string]string{"messageId": p.MessageID, "readerId": c.userID})
}

func (s *Server) ack(c *socketClient, id uint64, data interface{}) {
	if id == 0 {
		return
	}
	raw, _ := json.Marshal(data)
	c.send(Frame{Event: "ack", AckID: id, Data: raw})
}

// store persists a message, deduplicating by nonce.
func (s *Server) store(sender, receiver, text, image, nonce string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce != "" {
		if rec, ok := s.byNonce[nonce]; ok {
			return rec
		}
	}
	s.nextID++
	rec := Record{
		ID:         fmt.Sprintf("m%04d", s.nextID),
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       text,
		Image:      image,
		Nonce:      nonce,
		CreatedAt:  time.Now().UTC(),
	}
	s.records = append(s.records, rec)
	if nonce != "" {
		s.byNonce[nonce] = rec
	}
	return rec
}

// deliver pushes rec to a connected receiver and tells the sender.
func (s *Server) deliver(rec Record) {
	s.mu.Lock()
	echo := s.echo
	_, online := s.clients[rec.ReceiverID]
	s.mu.Unlock()
	if !echo || !online {
		return
	}
	if err := s.Push(rec.ReceiverID, "new_message", rec); err != nil {
		return
	}
	rec.IsDelivered = true
	s.Push(rec.SenderID, "message_delivered", map[string]string{"messageId": rec.ID, "receiverId": rec.ReceiverID})
}

// ============================================================================
// REST
// ============================================================================

type ctxKey struct{}

func (s *Server) subject(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("missing bearer token")
	}
	tok, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return tok.Claims.GetSubject()
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.subject(r.Header.Get("Authorization"))
		if err != nil || sub == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid token")
			return
		}
		s.mu.Lock()
		fail := s.failREST
		s.mu.Unlock()
		if fail {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "backend unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sub)))
	})
}

func userFrom(r *http.Request) string {
	return r.Context().Value(ctxKey{}).(string)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peerId"]
	self := userFrom(r)

	s.mu.Lock()
	body, overridden := s.history[peerID]
	var list []Record
	for _, rec := range s.records {
		if (rec.SenderID == self && rec.ReceiverID == peerID) || (rec.SenderID == peerID && rec.ReceiverID == self) {
			list = append(list, rec)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if overridden {
		w.Write([]byte(body))
		return
	}
	if list == nil {
		list = []Record{}
	}
	json.NewEncoder(w).Encode(list)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peerId"]
	var body struct {
		Text  string `json:"text"`
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	rec := s.store(userFrom(r), peerID, body.Text, body.Image, r.Header.Get("Idempotency-Key"))
	s.deliver(rec)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{"message": rec})
}

func (s *Server) getFriends(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	friends := s.friends
	s.mu.Unlock()
	if friends == nil {
		friends = []map[string]string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"friends": friends})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
