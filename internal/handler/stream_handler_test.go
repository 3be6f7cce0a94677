package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
)

func (m *memoryStore) openSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.subs {
		if !l.sub.Closed() {
			n++
		}
	}
	return n
}

func newStreamServer(t *testing.T, store *memoryStore) (*httptest.Server, string) {
	t.Helper()
	h := NewStreamHandler(store, StreamConfig{PingInterval: time.Second}, nil)
	r := newTestEngine()
	r.GET("/stream", authed(), h.Stream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
}

func TestStreamHandlerPushesSnapshots(t *testing.T) {
	store := newMemoryStore()
	store.seedDocument(testDocument("d1", "c1", models.DocumentLink, 100))
	_, url := newStreamServer(t, store)

	snaps := make(chan feed.Snapshot, 4)
	client := feed.NewWSClient(feed.WSClientConfig{URL: url, Token: "student-token"})
	sub, err := client.Subscribe(context.Background(), feed.CourseDocuments("c1"), func(s feed.Snapshot) { snaps <- s }, nil)
	require.NoError(t, err)

	select {
	case snap := <-snaps:
		assert.Equal(t, "documents:c1", snap.Selector.Key())
		assert.Len(t, snap.Children, 1)
		assert.Contains(t, snap.Children, "d1")
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	store.seedDocument(testDocument("d2", "c1", models.DocumentVideo, 200))
	store.seedDocument(testDocument("x1", "c2", models.DocumentVideo, 300))
	store.publish(feed.CourseDocuments("c1"))

	select {
	case snap := <-snaps:
		assert.Len(t, snap.Children, 2)
		assert.Contains(t, snap.Children, "d2")
		assert.NotContains(t, snap.Children, "x1")
	case <-time.After(2 * time.Second):
		t.Fatal("no update snapshot")
	}

	sub.Unsubscribe()
	require.Eventually(t, func() bool { return store.openSubscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamHandlerRejectsBeforeUpgrade(t *testing.T) {
	store := newMemoryStore()
	srv, _ := newStreamServer(t, store)

	resp, err := http.Get(srv.URL + "/stream?collection=courses")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	w := do(t, srv.Config.Handler, http.MethodGet, "/stream?collection=documents", "teacher-token", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "courseId", decode(t, w.Body.Bytes()).Error.Fields[0].Field)

	w = do(t, srv.Config.Handler, http.MethodGet, "/stream?collection=grades", "teacher-token", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, store.openSubscriptions())
}

func TestStreamHandlerAcceptsQueryToken(t *testing.T) {
	store := newMemoryStore()
	store.seedCourse(testCourse("c1", "t1", 100))
	_, url := newStreamServer(t, store)

	snaps := make(chan feed.Snapshot, 4)
	client := feed.NewWSClient(feed.WSClientConfig{URL: url + "?access_token=teacher-token"})
	sub, err := client.Subscribe(context.Background(), feed.AllCourses(), func(s feed.Snapshot) { snaps <- s }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case snap := <-snaps:
		assert.Contains(t, snap.Children, "c1")
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
}
