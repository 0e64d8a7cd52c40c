package chatsync

import (
	"bytes"
	"context"
	"sort"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/tidwall/gjson"
)

// historyPaths are the envelope paths searched for the message array when
// the body is not a bare array.
var historyPaths = []string{
	"messages",
	"data.messages",
	"data",
	"result.messages",
	"result",
	"conversation.messages",
	"items",
}

// HistoryLoader fetches and normalises the backlog of a conversation.
type HistoryLoader struct {
	client *Client
}

// NewHistoryLoader creates a loader backed by client.
func NewHistoryLoader(client *Client) *HistoryLoader {
	return &HistoryLoader{client: client}
}

// Load returns the messages exchanged with peerID, oldest first.
//
// A failed request yields a *HistoryFetchError. A response whose shape is not
// recognised is logged and treated as an empty history.
func (h *HistoryLoader) Load(ctx context.Context, peerID string) ([]Message, error) {
	body, err := h.client.History(ctx, peerID)
	if err != nil {
		jww.WARN.Printf("[History] fetch %s failed: %v", peerID, err)
		return nil, &HistoryFetchError{PeerID: peerID, Err: err}
	}

	msgs, err := normalizeHistory(body, peerID)
	if err != nil {
		jww.ERROR.Printf("[History] %v", err)
		return []Message{}, nil
	}
	jww.DEBUG.Printf("[History] loaded %d messages with %s", len(msgs), peerID)
	return msgs, nil
}

func normalizeHistory(body []byte, peerID string) ([]Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return nil, &HistoryFormatError{PeerID: peerID, Body: shorten(trimmed)}
	}

	list := gjson.ParseBytes(trimmed)
	if !list.IsArray() {
		if !list.IsObject() {
			return nil, &HistoryFormatError{PeerID: peerID, Body: shorten(trimmed)}
		}
		found := false
		for _, p := range historyPaths {
			if v := list.Get(p); v.IsArray() {
				list, found = v, true
				break
			}
		}
		if !found {
			return nil, &HistoryFormatError{PeerID: peerID, Body: shorten(trimmed)}
		}
	}

	msgs := make([]Message, 0, len(list.Array()))
	skipped := 0
	list.ForEach(func(_, v gjson.Result) bool {
		m, ok := parseMessage(v)
		if !ok {
			skipped++
			return true
		}
		m.ConversationID = peerID
		msgs = append(msgs, m)
		return true
	})
	if skipped > 0 {
		jww.WARN.Printf("[History] skipped %d entries without an id for %s", skipped, peerID)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}
