// Package chatsync keeps one-to-one conversations of a dating app in sync.
//
// It merges the REST message history with a live WebSocket event stream,
// shows outgoing messages optimistically, tracks delivery and read receipts,
// and exposes presence and typing indicators for each peer.
//
// Usage:
//
//	s, err := chatsync.NewSession(chatsync.SessionConfig{
//		UserID:  "u-123",
//		Token:   token,
//		BaseURL: "https://api.example.com/api",
//	})
//	if err != nil { ... }
//	_ = s.Start(ctx)
//	store, _ := s.Open(ctx, "u-456")
//	tempID, err := s.Send(ctx, "u-456", "hey!", "")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the REST root of a locally running backend.
	DefaultBaseURL = "http://localhost:5000/api"
	// DefaultTimeout bounds every REST request, history loads included.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the messaging backend: history, the send
// fallback and the friends list.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL overrides the REST root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// BaseURL returns the REST root in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SocketURL derives the WebSocket endpoint from the REST root: the scheme is
// swapped and a trailing /api segment is replaced by /socket.
func (c *Client) SocketURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimSuffix(u, "/api")
	return u + "/socket"
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, header map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s response", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

func apiError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		e.Code = firstString(r, "error.code", "code")
		e.Message = firstString(r, "error.message", "message", "error")
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ============================================================================
// Endpoints
// ============================================================================

// History returns the raw body of GET /messages/{peerId}. Shape normalisation
// is left to the HistoryLoader.
func (c *Client) History(ctx context.Context, peerID string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(peerID), nil, nil)
}

// SendMessage persists a message through REST. A non-empty idempotency key is
// sent as the Idempotency-Key header so a retried fallback is not stored twice.
func (c *Client) SendMessage(ctx context.Context, peerID string, req SendRequest, idempotencyKey string) (Message, error) {
	var header map[string]string
	if idempotencyKey != "" {
		header = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages/send/"+url.PathEscape(peerID), req, header)
	if err != nil {
		return Message{}, err
	}
	m, ok := messageFromJSON(data)
	if !ok {
		return Message{}, errors.Errorf("send response carries no message: %s", shorten(data))
	}
	return m, nil
}

// Friends returns the peers the current user may converse with.
func (c *Client) Friends(ctx context.Context) ([]Peer, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.Errorf("friends response is not JSON: %s", shorten(data))
	}
	list := gjson.ParseBytes(data)
	if !list.IsArray() {
		list = firstResult(list, "friends", "data.friends", "data", "users")
	}
	if !list.IsArray() {
		return nil, errors.Errorf("unrecognised friends shape: %s", shorten(data))
	}

	var peers []Peer
	list.ForEach(func(_, v gjson.Result) bool {
		p := Peer{
			ID:     firstString(v, "_id", "id", "userId"),
			Name:   firstString(v, "name", "displayName", "username"),
			Avatar: firstString(v, "avatar", "profilePicture", "image", "photo"),
		}
		if p.ID != "" {
			peers = append(peers, p)
		}
		return true
	})
	return peers, nil
}
