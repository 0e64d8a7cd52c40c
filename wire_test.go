package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseMessage(t *testing.T) {
	t.Run("mongo style document", func(t *testing.T) {
		m, ok := parseMessage(gjson.Parse(`{
			"_id": "m1",
			"senderId": {"_id": "u1", "name": "Ana"},
			"receiverId": "u2",
			"text": "hi",
			"createdAt": "2026-03-01T12:00:00.123Z",
			"isRead": true
		}`))
		require.True(t, ok)
		require.Equal(t, "m1", m.ID)
		require.Equal(t, "u2", m.ReceiverID)
		require.Equal(t, "u1", m.SenderID)
		require.True(t, m.IsRead)
		require.True(t, m.IsDelivered, "read implies delivered")
		require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 123e6, time.UTC), m.CreatedAt)
	})

	t.Run("nested sender id and alternate names", func(t *testing.T) {
		m, ok := parseMessage(gjson.Parse(`{
			"id": 42,
			"sender": {"_id": "u1"},
			"receiver_id": "u2",
			"content": "yo",
			"imageUrl": "https://img/1.png",
			"created_at": 1772366400000,
			"nonce": "n-1"
		}`))
		require.True(t, ok)
		require.Equal(t, "42", m.ID)
		require.Equal(t, "u1", m.SenderID)
		require.Equal(t, "u2", m.ReceiverID)
		require.Equal(t, "yo", m.Text)
		require.Equal(t, "https://img/1.png", m.Image)
		require.Equal(t, "n-1", m.Nonce)
		require.Equal(t, int64(1772366400000), m.CreatedAt.UnixMilli())
	})

	t.Run("wrapped in message envelope", func(t *testing.T) {
		m, ok := parseMessage(gjson.Parse(`{"message": {"_id": "m9", "senderId": "u1", "text": "x"}}`))
		require.True(t, ok)
		require.Equal(t, "m9", m.ID)
	})

	t.Run("text field named message is not an envelope", func(t *testing.T) {
		m, ok := parseMessage(gjson.Parse(`{"_id": "m9", "senderId": "u1", "message": "plain"}`))
		require.True(t, ok)
		require.Equal(t, "m9", m.ID)
	})

	t.Run("missing id", func(t *testing.T) {
		_, ok := parseMessage(gjson.Parse(`{"text": "x"}`))
		require.False(t, ok)
		_, ok = parseMessage(gjson.Parse(`"just a string"`))
		require.False(t, ok)
	})
}

func TestLooksLikeMessage(t *testing.T) {
	require.True(t, looksLikeMessage(gjson.Parse(`{"_id":"m1","senderId":"u1"}`)))
	require.True(t, looksLikeMessage(gjson.Parse(`{"message":{"_id":"m1","text":"x"}}`)))
	require.False(t, looksLikeMessage(gjson.Parse(`{"messageId":"m1"}`)))
}

func TestParseTime(t *testing.T) {
	cases := map[string]time.Time{
		`"2026-03-01T12:00:00Z"`:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		`"2026-03-01T12:00:00+02:00"`:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2026-03-01 12:00:00"`:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		`1772366400`:                   time.Unix(1772366400, 0),
		`1772366400000`:                time.UnixMilli(1772366400000),
		`"1772366400000"`:              time.UnixMilli(1772366400000),
		`"yesterday"`:                  {},
		`null`:                         {},
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			got := parseTime(gjson.Parse(raw))
			require.True(t, want.Equal(got), "got %s want %s", got, want)
		})
	}
}

func TestParseUserIDs(t *testing.T) {
	got := parseUserIDs(gjson.Parse(`["a", {"_id": "b"}, {"userId": "c"}, 7, ""]`))
	require.Equal(t, []string{"a", "b", "c"}, got)
}
