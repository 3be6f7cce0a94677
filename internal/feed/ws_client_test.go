package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

func newStreamServer(t *testing.T, handle func(*websocket.Conn, *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
}

func TestWSClientDeliversSnapshotsAndErrors(t *testing.T) {
	url := newStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		sel, err := ParseSelector(r.URL.Query().Get("collection"), r.URL.Query().Get("courseId"))
		if err != nil {
			_ = conn.WriteJSON(ErrorMessage(err))
			return
		}
		_ = conn.WriteJSON(SnapshotMessage(Snapshot{Selector: sel, Seq: 1, Children: map[string]json.RawMessage{"d1": json.RawMessage(`{}`)}}))
		_ = conn.WriteJSON(ErrorMessage(appErrors.Feed(nil, "source unavailable", true)))
		time.Sleep(50 * time.Millisecond)
	})

	snaps := make(chan Snapshot, 4)
	errs := make(chan error, 4)
	client := NewWSClient(WSClientConfig{URL: url, Token: "token"})
	sub, err := client.Subscribe(context.Background(), CourseDocuments("c1"), func(s Snapshot) { snaps <- s }, func(err error) { errs <- err })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case snap := <-snaps:
		assert.Equal(t, "documents:c1", snap.Selector.Key())
		assert.Contains(t, snap.Children, "d1")
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}

	select {
	case err := <-errs:
		var appErr *appErrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, appErrors.ErrFeed.Code, appErr.Code)
		assert.True(t, appErr.Retryable())
	case <-time.After(time.Second):
		t.Fatal("no error")
	}
}

func TestWSClientRejectsUnauthorized(t *testing.T) {
	url := newStreamServer(t, func(*websocket.Conn, *http.Request) {})

	client := NewWSClient(WSClientConfig{URL: url, Token: "wrong"})
	_, err := client.Subscribe(context.Background(), AllCourses(), nil, nil)
	require.Error(t, err)

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrFeed.Code, appErr.Code)
	assert.False(t, appErr.Retryable())
}
