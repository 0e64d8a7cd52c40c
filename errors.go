package chatsync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionTimeout is returned by Transport.Connect when the server
	// does not acknowledge the connection within the connect window.
	ErrConnectionTimeout = errors.New("chatsync: connection timed out")

	// ErrNotConnected is returned when an action needs the live channel and
	// none is available.
	ErrNotConnected = errors.New("chatsync: not connected")

	ErrTokenExpired   = errors.New("chatsync: auth token expired")
	ErrTokenSubject   = errors.New("chatsync: auth token subject does not match user id")
	ErrEmptyMessage   = errors.New("chatsync: message needs text or an image")
	ErrUnknownMessage = errors.New("chatsync: no such message")
	ErrSessionClosed  = errors.New("chatsync: session closed")
)

// APIError is a non-2xx response from the REST backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// ConnectionError is a transport-level rejection of a connection attempt.
type ConnectionError struct {
	Reason error
}

func (e *ConnectionError) Error() string {
	return "chatsync: connection failed: " + e.Reason.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Reason }

// HistoryFetchError means the backlog could not be retrieved at all. Callers
// are expected to offer a retry.
type HistoryFetchError struct {
	PeerID string
	Err    error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("chatsync: fetch history for %s: %v", e.PeerID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// HistoryFormatError means the backlog arrived but its shape was not
// recognised. It is logged and degraded to an empty history.
type HistoryFormatError struct {
	PeerID string
	Body   string
}

func (e *HistoryFormatError) Error() string {
	return fmt.Sprintf("chatsync: unrecognised history shape for %s: %s", e.PeerID, e.Body)
}

// SendError reports that an optimistic send ended in the failed state.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chatsync: send %s failed: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
