package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the live channel.
type TransportConfig struct {
	// ConnectTimeout bounds dialing plus waiting for the server's connect frame.
	ConnectTimeout time.Duration
	// AckTimeout bounds how long an acknowledged emit waits for its ack.
	AckTimeout time.Duration
	// DisableReconnect turns off automatic reconnection after abnormal closes.
	DisableReconnect     bool
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each reconnection attempt.
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	// Aliases adds wire names on top of DefaultAliases.
	Aliases map[EventName][]string
}

func (c *TransportConfig) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// TransportState represents the connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

const maxFrameSize = 1 << 20

// frame is the wire envelope in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ackId,omitempty"`
}

// Event is an inbound event resolved to its logical name.
type Event struct {
	Name EventName
	Wire string
	Data json.RawMessage
}

// Handler receives inbound events. Handlers run on the read loop, one at a
// time, in receipt order.
type Handler func(Event)

// DisconnectInfo describes a lost connection. Permanent is set once automatic
// reconnection has given up or is disabled.
type DisconnectInfo struct {
	Reason    string
	Permanent bool
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type dispatcher struct {
	mu             sync.RWMutex
	live           bool
	active         map[EventName][]Handler
	queued         map[EventName][]Handler
	onConnected    []func()
	onDisconnected []func(DisconnectInfo)
	onReconnecting []func(int, time.Duration)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		active: make(map[EventName][]Handler),
		queued: make(map[EventName][]Handler),
	}
}

func (d *dispatcher) subscribe(event EventName, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live {
		d.active[event] = append(d.active[event], h)
		return
	}
	d.queued[event] = append(d.queued[event], h)
}

func (d *dispatcher) unsubscribe(event EventName) {
	d.mu.Lock()
	delete(d.active, event)
	delete(d.queued, event)
	d.mu.Unlock()
}

// attachQueued moves handlers registered while disconnected onto the live
// connection.
func (d *dispatcher) attachQueued() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for event, hs := range d.queued {
		d.active[event] = append(d.active[event], hs...)
	}
	d.queued = make(map[EventName][]Handler)
	d.live = true
}

// detach makes later subscriptions wait for the next connect. Active
// handlers stay attached.
func (d *dispatcher) detach() {
	d.mu.Lock()
	d.live = false
	d.mu.Unlock()
}

func (d *dispatcher) reset() {
	d.mu.Lock()
	d.active = make(map[EventName][]Handler)
	d.queued = make(map[EventName][]Handler)
	d.live = false
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.active[ev.Name]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call(ev, h)
	}
}

func (d *dispatcher) call(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("[Transport] handler for %s panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *dispatcher) emitDisconnected(info DisconnectInfo) {
	d.mu.RLock()
	handlers := append([]func(DisconnectInfo){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(info)
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt < r.maxAttempts
}

// next advances the attempt counter and returns it with the delay to wait.
func (r *reconnector) next() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	return r.attempt, r.delay
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// Transport
// ============================================================================

// Transport owns the single live WebSocket connection of a session.
type Transport struct {
	url     string
	config  *TransportConfig
	aliases *aliasTable

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	userID           string
	token            string
	gen              uint64
	cancelFn         context.CancelFunc
	life             context.Context
	lifeCancel       context.CancelFunc

	connectGroup singleflight.Group
	dispatcher   *dispatcher
	recon        *reconnector

	ackMu       sync.Mutex
	ackSeq      uint64
	pendingAcks map[uint64]chan Ack
}

// NewTransport creates a disconnected transport for the given ws:// or wss://
// endpoint.
func NewTransport(endpoint string, config *TransportConfig) *Transport {
	if config == nil {
		config = &TransportConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &Transport{
		url:         endpoint,
		config:      &cfg,
		aliases:     newAliasTable(cfg.Aliases),
		state:       StateDisconnected,
		dispatcher:  newDispatcher(),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[uint64]chan Ack),
	}
}

// Subscribe registers a handler for a logical event. Handlers added while
// disconnected are attached on the next successful connect.
func (t *Transport) Subscribe(event EventName, h Handler) {
	t.dispatcher.subscribe(event, h)
}

// Unsubscribe removes every handler of a logical event.
func (t *Transport) Unsubscribe(event EventName) {
	t.dispatcher.unsubscribe(event)
}

// OnConnected registers a handler for every successful (re)connect.
func (t *Transport) OnConnected(h func()) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onConnected = append(t.dispatcher.onConnected, h)
	t.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for lost connections.
func (t *Transport) OnDisconnected(h func(DisconnectInfo)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onDisconnected = append(t.dispatcher.onDisconnected, h)
	t.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnection attempt.
func (t *Transport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onReconnecting = append(t.dispatcher.onReconnecting, h)
	t.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether a live connection is established.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected && t.conn != nil
}

// SetToken replaces the bearer token used by the next connect, including
// automatic reconnects. An open connection is kept.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Connect establishes the live connection for userID. It returns immediately
// when already connected, and concurrent callers share one attempt.
func (t *Transport) Connect(ctx context.Context, userID, token string) error {
	t.mu.Lock()
	if t.state == StateConnected && t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.userID, t.token = userID, token
	t.intentionalClose = false
	if t.life == nil || t.life.Err() != nil {
		t.life, t.lifeCancel = context.WithCancel(context.Background())
	}
	t.mu.Unlock()

	ch := t.connectGroup.DoChan("connect", func() (interface{}, error) {
		return nil, t.dial()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) dial() error {
	t.mu.Lock()
	if t.state == StateConnected && t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	reconnecting := t.state == StateReconnecting
	if !reconnecting {
		t.state = StateConnecting
	}
	userID, token := t.userID, t.token
	old := t.conn
	t.conn = nil
	t.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replaced")
	}

	conn, early, err := t.handshake(userID, token)
	if err != nil {
		t.mu.Lock()
		if t.state == StateConnecting {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		jww.WARN.Printf("[Transport] connect as %s failed: %v", userID, err)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &ConnectionError{Reason: errors.New("disconnected while connecting")}
	}
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.recon.reset()
	t.dispatcher.attachQueued()
	jww.INFO.Printf("[Transport] connected to %s as %s", t.url, userID)

	for _, f := range early {
		t.handleFrame(f)
	}

	go t.readLoop(connCtx, conn, gen)
	go t.heartbeatLoop(connCtx, conn)
	t.dispatcher.emitConnected()
	return nil
}

// handshake dials and waits for the server's connect frame. Frames that
// arrive before it are returned for dispatch once the connection is live.
func (t *Transport) handshake(userID, token string) (*websocket.Conn, [][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, t.endpoint(userID), &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ErrConnectionTimeout
		}
		return nil, nil, &ConnectionError{Reason: err}
	}
	conn.SetReadLimit(maxFrameSize)

	var early [][]byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "handshake failed")
			if ctx.Err() != nil {
				return nil, nil, ErrConnectionTimeout
			}
			return nil, nil, &ConnectionError{Reason: err}
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			jww.WARN.Printf("[Transport] malformed frame during handshake: %s", shorten(data))
			continue
		}
		switch {
		case handshakeAliases[f.Event]:
			return conn, early, nil
		case handshakeErrorAliases[f.Event]:
			conn.Close(websocket.StatusNormalClosure, "rejected")
			return nil, nil, &ConnectionError{Reason: errors.New(rejectReason(f.Data))}
		default:
			early = append(early, data)
		}
	}
}

func rejectReason(data json.RawMessage) string {
	if m, ok := messageText(data); ok {
		return m
	}
	return "connection rejected by server"
}

func messageText(data json.RawMessage) (string, bool) {
	var s string
	if json.Unmarshal(data, &s) == nil && s != "" {
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &obj) == nil {
		if obj.Message != "" {
			return obj.Message, true
		}
		if obj.Error != "" {
			return obj.Error, true
		}
	}
	return "", false
}

func (t *Transport) endpoint(userID string) string {
	u, err := url.Parse(t.url)
	if err != nil {
		return t.url
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Disconnect closes the connection, releases outstanding acks and drops every
// subscription. It is safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.lifeCancel != nil {
		t.lifeCancel()
	}
	conn := t.conn
	t.conn = nil
	cancel := t.cancelFn
	t.cancelFn = nil
	t.state = StateDisconnected
	t.gen++
	t.mu.Unlock()

	t.failPendingAcks("client disconnect")
	t.dispatcher.reset()
	t.recon.reset()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if cancel != nil {
		cancel()
	}
	if err != nil {
		jww.DEBUG.Printf("[Transport] close: %v", err)
	}
	jww.INFO.Printf("[Transport] disconnected")
	return nil
}

// ============================================================================
// Outbound
// ============================================================================

// Emit sends an event. With expectAck it waits up to AckTimeout for the
// server's acknowledgement; a timeout is reported as an Ack with status
// AckTimeout. The only error conditions are a missing connection, a failed
// write and a cancelled context.
func (t *Transport) Emit(ctx context.Context, event string, payload interface{}, expectAck bool) (Ack, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return Ack{}, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, errors.Wrapf(err, "marshal %s payload", event)
	}
	f := frame{Event: event, Data: data}
	var ch chan Ack
	if expectAck {
		f.AckID, ch = t.registerAck()
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.dropAck(f.AckID)
		return Ack{}, errors.Wrapf(err, "marshal %s frame", event)
	}

	jww.TRACE.Printf("[Transport] -> %s", shorten(raw))
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.dropAck(f.AckID)
		return Ack{}, errors.WithMessagef(ErrNotConnected, "write %s: %v", event, err)
	}
	if !expectAck {
		return Ack{Status: AckOK}, nil
	}

	timer := time.NewTimer(t.config.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		return ack, nil
	case <-timer.C:
		t.dropAck(f.AckID)
		jww.WARN.Printf("[Transport] no ack for %s #%d within %s", event, f.AckID, t.config.AckTimeout)
		return Ack{Status: AckTimeout}, nil
	case <-ctx.Done():
		t.dropAck(f.AckID)
		return Ack{}, ctx.Err()
	}
}

func (t *Transport) registerAck() (uint64, chan Ack) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	t.ackSeq++
	ch := make(chan Ack, 1)
	t.pendingAcks[t.ackSeq] = ch
	return t.ackSeq, ch
}

func (t *Transport) dropAck(id uint64) {
	if id == 0 {
		return
	}
	t.ackMu.Lock()
	delete(t.pendingAcks, id)
	t.ackMu.Unlock()
}

func (t *Transport) resolveAck(id uint64, ack Ack) {
	t.ackMu.Lock()
	ch, ok := t.pendingAcks[id]
	delete(t.pendingAcks, id)
	t.ackMu.Unlock()
	if !ok {
		jww.DEBUG.Printf("[Transport] ack #%d arrived after its deadline", id)
		return
	}
	ch <- ack
}

// failPendingAcks releases every waiter. The acks are reported as timed out
// since the server never answered them.
func (t *Transport) failPendingAcks(reason string) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	for id, ch := range t.pendingAcks {
		ch <- Ack{Status: AckTimeout, Error: reason}
		delete(t.pendingAcks, id)
	}
}

// ============================================================================
// Inbound
// ============================================================================

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleDrop(conn, gen, err)
			return
		}
		t.handleFrame(data)
	}
}

func (t *Transport) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		jww.WARN.Printf("[Transport] skipping malformed frame: %s", shorten(data))
		return
	}
	jww.TRACE.Printf("[Transport] <- %s", shorten(data))

	if f.Event == wireAck {
		var ack Ack
		if err := json.Unmarshal(f.Data, &ack); err != nil || ack.Status == "" {
			ack = Ack{Status: AckOK}
		}
		if ack.Status != AckOK && ack.Status != AckTimeout {
			ack.Status = AckError
		}
		t.resolveAck(f.AckID, ack)
		return
	}

	name, ok := t.aliases.resolve(f.Event)
	if !ok {
		jww.DEBUG.Printf("[Transport] ignoring unknown event %q", f.Event)
		return
	}
	t.dispatcher.dispatch(Event{Name: name, Wire: f.Event, Data: f.Data})
}

func (t *Transport) handleDrop(conn *websocket.Conn, gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.intentionalClose {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	t.state = StateDisconnected
	life := t.life
	t.mu.Unlock()

	conn.Close(websocket.StatusInternalError, "read failed")
	t.dispatcher.detach()
	t.failPendingAcks("connection lost")

	reason := err.Error()
	jww.WARN.Printf("[Transport] connection lost: %s", reason)
	if t.config.DisableReconnect || !t.recon.shouldReconnect() {
		t.dispatcher.emitDisconnected(DisconnectInfo{Reason: reason, Permanent: true})
		return
	}
	t.dispatcher.emitDisconnected(DisconnectInfo{Reason: reason})
	go t.reconnectLoop(life)
}

func (t *Transport) reconnectLoop(life context.Context) {
	for t.recon.shouldReconnect() {
		attempt, delay := t.recon.next()
		t.setState(StateReconnecting)
		t.dispatcher.emitReconnecting(attempt, delay)
		jww.INFO.Printf("[Transport] reconnect attempt %d/%d in %s",
			attempt, t.config.MaxReconnectAttempts, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-life.Done():
			timer.Stop()
			return
		}

		_, err, _ := t.connectGroup.Do("connect", func() (interface{}, error) {
			return nil, t.dial()
		})
		if err == nil {
			return
		}
		if life.Err() != nil {
			return
		}
	}

	t.mu.Lock()
	intentional := t.intentionalClose
	if !intentional {
		t.state = StateDisconnected
	}
	t.mu.Unlock()
	if intentional {
		return
	}
	jww.ERROR.Printf("[Transport] giving up after %d reconnect attempts", t.recon.attempts())
	t.dispatcher.emitDisconnected(DisconnectInfo{Reason: "reconnect attempts exhausted", Permanent: true})
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.config.AckTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				jww.WARN.Printf("[Transport] heartbeat failed: %v", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
