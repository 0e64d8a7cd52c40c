package chatsync

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Backends in the wild disagree on field names. The lookups below accept the
// spellings seen across REST responses and socket payloads.
var (
	idFields        = []string{"_id", "id", "messageId", "message_id"}
	senderFields    = []string{"senderId", "sender_id", "senderId._id", "sender._id", "sender.id", "sender", "from"}
	receiverFields  = []string{"receiverId", "receiver_id", "receiverId._id", "receiver._id", "receiver.id", "receiver", "to", "recipientId"}
	textFields      = []string{"text", "content", "body"}
	imageFields     = []string{"image", "imageUrl", "image_url"}
	nonceFields     = []string{"nonce", "clientNonce", "client_nonce"}
	createdAtFields = []string{"createdAt", "created_at", "timestamp", "sentAt"}
	userIDFields    = []string{"userId", "user_id", "_id", "id"}
)

// firstString returns the first scalar value found under any of paths.
// Objects and arrays are skipped so "sender" does not match a populated
// sender document.
func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			return v.Raw
		}
	}
	return ""
}

func firstBool(r gjson.Result, paths ...string) bool {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v.Bool()
		}
	}
	return false
}

func firstResult(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// unwrapMessage descends into the common envelopes a message may travel in.
func unwrapMessage(r gjson.Result) gjson.Result {
	for _, p := range []string{"message", "data", "newMessage"} {
		if inner := r.Get(p); inner.IsObject() {
			return inner
		}
	}
	return r
}

// parseMessage converts one JSON message document into a Message. It reports
// false when the document carries no id.
func parseMessage(r gjson.Result) (Message, bool) {
	if !r.IsObject() {
		return Message{}, false
	}
	r = unwrapMessage(r)
	m := Message{
		ID:          firstString(r, idFields...),
		SenderID:    firstString(r, senderFields...),
		ReceiverID:  firstString(r, receiverFields...),
		Text:        firstString(r, textFields...),
		Image:       firstString(r, imageFields...),
		Nonce:       firstString(r, nonceFields...),
		IsRead:      firstBool(r, "isRead", "is_read", "read"),
		IsDelivered: firstBool(r, "isDelivered", "is_delivered", "delivered"),
		IsDeleted:   firstBool(r, "isDeleted", "is_deleted", "deleted"),
		CreatedAt:   parseTime(firstResult(r, createdAtFields...)),
	}
	if m.IsRead {
		m.IsDelivered = true
	}
	return m, m.ID != ""
}

// looksLikeMessage distinguishes a full message document from a bare receipt
// such as {"messageId": "..."}.
func looksLikeMessage(r gjson.Result) bool {
	r = unwrapMessage(r)
	return firstString(r, idFields...) != "" &&
		(firstString(r, senderFields...) != "" || firstString(r, textFields...) != "")
}

func messageFromJSON(data []byte) (Message, bool) {
	if !gjson.ValidBytes(data) {
		return Message{}, false
	}
	return parseMessage(gjson.ParseBytes(data))
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC3339 strings, epoch milliseconds and epoch seconds.
// Unparseable input yields the zero time.
func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return epochTime(v.Int())
	case gjson.String:
		return parseTimeString(v.Str)
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochTime(n)
	}
	return time.Time{}
}

func epochTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// parseUserIDs reads a list of user ids given either as strings or as user
// documents.
func parseUserIDs(list gjson.Result) []string {
	var ids []string
	list.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String && v.Str != "":
			ids = append(ids, v.Str)
		case v.IsObject():
			if id := firstString(v, userIDFields...); id != "" {
				ids = append(ids, id)
			}
		}
		return true
	})
	return ids
}
