package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func historyServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/u-peer" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHistoryLoaderShapes(t *testing.T) {
	const two = `[
		{"_id": "m2", "senderId": "u-self", "receiverId": "u-peer", "text": "second", "createdAt": "2026-03-01T12:00:02Z"},
		{"_id": "m1", "senderId": "u-peer", "receiverId": "u-self", "text": "first", "createdAt": "2026-03-01T12:00:01Z"}
	]`
	shapes := map[string]string{
		"bare array":        two,
		"messages":          `{"messages": ` + two + `}`,
		"data":              `{"data": ` + two + `}`,
		"data.messages":     `{"data": {"messages": ` + two + `, "total": 2}}`,
		"result.messages":   `{"result": {"messages": ` + two + `}}`,
		"with invalid item": `[{"text": "no id"}, ` + two[1:],
	}

	for name, body := range shapes {
		t.Run(name, func(t *testing.T) {
			srv := historyServer(t, http.StatusOK, body)
			loader := NewHistoryLoader(NewClient("tok", WithBaseURL(srv.URL)))

			msgs, err := loader.Load(context.Background(), testPeer)
			require.NoError(t, err)
			require.Equal(t, []string{"m1", "m2"}, ids(msgs), "oldest first")
			for _, m := range msgs {
				require.Equal(t, testPeer, m.ConversationID)
			}
		})
	}
}

func TestHistoryLoaderMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"null":          `null`,
		"empty":         ``,
		"not json":      `<html>oops</html>`,
		"unknown shape": `{"conversation": {"id": "c1"}}`,
		"number":        `42`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := historyServer(t, http.StatusOK, body)
			loader := NewHistoryLoader(NewClient("tok", WithBaseURL(srv.URL)))

			msgs, err := loader.Load(context.Background(), testPeer)
			require.NoError(t, err)
			require.NotNil(t, msgs)
			require.Empty(t, msgs)
		})
	}

	t.Run("format error carries the body", func(t *testing.T) {
		_, err := normalizeHistory([]byte(`{"foo": 1}`), testPeer)
		var ferr *HistoryFormatError
		require.True(t, errors.As(err, &ferr))
		require.Equal(t, testPeer, ferr.PeerID)
		require.Contains(t, ferr.Body, "foo")
	})
}

func TestHistoryLoaderFetchErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := historyServer(t, http.StatusInternalServerError, `{"message": "db down"}`)
		loader := NewHistoryLoader(NewClient("tok", WithBaseURL(srv.URL)))

		_, err := loader.Load(context.Background(), testPeer)
		var ferr *HistoryFetchError
		require.True(t, errors.As(err, &ferr))
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		require.Equal(t, "db down", apiErr.Message)
	})

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		loader := NewHistoryLoader(NewClient("tok", WithBaseURL(srv.URL)))

		_, err := loader.Load(context.Background(), testPeer)
		var ferr *HistoryFetchError
		require.True(t, errors.As(err, &ferr))
		require.Equal(t, testPeer, ferr.PeerID)
	})
}
