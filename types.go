package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// tempIDPrefix marks identifiers generated locally for optimistic entries.
const tempIDPrefix = "temp-"

// Message is a single direct message between the current user and a peer.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Text           string    `json:"text,omitempty"`
	Image          string    `json:"image,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
	IsDelivered    bool      `json:"isDelivered"`
	IsDeleted      bool      `json:"isDeleted"`
	Error          bool      `json:"error,omitempty"`

	// Nonce is the client-generated correlation id sent along with the
	// message. Servers that echo it back allow exact reconciliation.
	Nonce string `json:"nonce,omitempty"`

	seq uint64
}

// MessageState is the lifecycle position of a message as seen by this client.
type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageSent      MessageState = "sent"
	MessageDelivered MessageState = "delivered"
	MessageRead      MessageState = "read"
	MessageFailed    MessageState = "failed"
)

// State derives the lifecycle state from the message flags.
func (m Message) State() MessageState {
	switch {
	case m.Error:
		return MessageFailed
	case IsTempID(m.ID):
		return MessagePending
	case m.IsRead:
		return MessageRead
	case m.IsDelivered:
		return MessageDelivered
	default:
		return MessageSent
	}
}

// IsTempID reports whether id was generated locally for an optimistic entry.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

var lastTempNanos atomic.Int64

// newTempID returns a strictly increasing temp-<unix-nanos> identifier.
func newTempID() string {
	for {
		now := time.Now().UnixNano()
		last := lastTempNanos.Load()
		if now <= last {
			now = last + 1
		}
		if lastTempNanos.CompareAndSwap(last, now) {
			return fmt.Sprintf("%s%d", tempIDPrefix, now)
		}
	}
}

// conversationFor returns the peer id of m relative to selfID.
func conversationFor(selfID string, m Message) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// mergeFlags folds the monotonic flags of src into dst. Flags only ever move
// from false to true.
func mergeFlags(dst *Message, src Message) {
	dst.IsDelivered = dst.IsDelivered || src.IsDelivered || src.IsRead
	dst.IsRead = dst.IsRead || src.IsRead
	dst.IsDeleted = dst.IsDeleted || src.IsDeleted
	if dst.Nonce == "" {
		dst.Nonce = src.Nonce
	}
}

// ============================================================================
// Peers
// ============================================================================

// Peer is the display metadata of the other participant of a conversation.
type Peer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ============================================================================
// Acknowledgements
// ============================================================================

// AckStatus is the outcome of an acknowledged emit.
type AckStatus string

const (
	AckOK      AckStatus = "ok"
	AckError   AckStatus = "error"
	AckTimeout AckStatus = "timeout"
)

// Ack is the correlated response to an emitted action.
type Ack struct {
	Status  AckStatus       `json:"status"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK reports whether the peer accepted the action.
func (a Ack) OK() bool {
	return a.Status == AckOK
}

// ServerMessage decodes the persisted message carried by the ack, if any.
func (a Ack) ServerMessage() (Message, bool) {
	if len(a.Message) == 0 {
		return Message{}, false
	}
	return messageFromJSON(a.Message)
}

// ============================================================================
// Outbound payloads
// ============================================================================

// SendRequest is the body of a message send, over either channel.
type SendRequest struct {
	ReceiverID string `json:"receiverId,omitempty"`
	Text       string `json:"text"`
	Image      string `json:"image,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
}

type readReceipt struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

type typingNotice struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
}
