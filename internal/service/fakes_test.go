package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/storage"
)

// fakeFeed hands out inert subscriptions and delivers snapshots synchronously on emit.
type fakeFeed struct {
	mu        sync.Mutex
	listeners map[string][]fakeListener
	err       error
}

type fakeListener struct {
	sub        *feed.Subscription
	onSnapshot feed.SnapshotFunc
	onError    feed.ErrorFunc
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{listeners: make(map[string][]fakeListener)}
}

func (f *fakeFeed) Subscribe(_ context.Context, sel feed.Selector, onSnapshot feed.SnapshotFunc, onError feed.ErrorFunc) (*feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := feed.NewSubscription(sel, nil, nil, nil)
	f.listeners[sel.Key()] = append(f.listeners[sel.Key()], fakeListener{sub: sub, onSnapshot: onSnapshot, onError: onError})
	return sub, nil
}

func (f *fakeFeed) active(sel feed.Selector) []fakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeListener
	for _, l := range f.listeners[sel.Key()] {
		if !l.sub.Closed() {
			out = append(out, l)
		}
	}
	return out
}

func (f *fakeFeed) emitCourses(t *testing.T, courses ...models.Course) {
	t.Helper()
	children, err := models.EncodeChildren(courses, func(c models.Course) string { return c.ID })
	require.NoError(t, err)
	for _, l := range f.active(feed.AllCourses()) {
		l.onSnapshot(feed.Snapshot{Selector: feed.AllCourses(), Children: children})
	}
}

func (f *fakeFeed) emitDocuments(t *testing.T, courseID string, docs ...models.Document) {
	t.Helper()
	sel := feed.CourseDocuments(courseID)
	children, err := models.EncodeChildren(docs, func(d models.Document) string { return d.ID })
	require.NoError(t, err)
	for _, l := range f.active(sel) {
		l.onSnapshot(feed.Snapshot{Selector: sel, Children: children})
	}
}

func (f *fakeFeed) fail(sel feed.Selector, err error) {
	for _, l := range f.active(sel) {
		l.onError(err)
	}
}

// fakeRemote records writes and fails the operations named in failOn.
type fakeRemote struct {
	mu          sync.Mutex
	next        int
	courses     map[string]models.Course
	docs        map[string]models.Document
	failOn      map[string]error
	failDocDel  map[string]error
	calls       []string
	memberships map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		courses:     make(map[string]models.Course),
		docs:        make(map[string]models.Document),
		failOn:      make(map[string]error),
		failDocDel:  make(map[string]error),
		memberships: make(map[string]int),
	}
}

func (r *fakeRemote) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op)
	return r.failOn[op]
}

func (r *fakeRemote) callCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (r *fakeRemote) NewKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return fmt.Sprintf("k%03d", r.next)
}

func (r *fakeRemote) CreateCourse(_ context.Context, course models.Course) error {
	if err := r.record("CreateCourse"); err != nil {
		return err
	}
	r.mu.Lock()
	r.courses[course.ID] = course
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) UpdateCourse(_ context.Context, course models.Course) error {
	if err := r.record("UpdateCourse"); err != nil {
		return err
	}
	r.mu.Lock()
	r.courses[course.ID] = course
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) DeleteCourse(_ context.Context, id string) error {
	if err := r.record("DeleteCourse"); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.courses, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) SetMembership(_ context.Context, courseID, uid string, _ models.Membership, _ int64) error {
	if err := r.record("SetMembership"); err != nil {
		return err
	}
	r.mu.Lock()
	r.memberships[courseID+"/"+uid]++
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) RemoveMembership(_ context.Context, courseID, uid string, _ int64) error {
	if err := r.record("RemoveMembership"); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.memberships, courseID+"/"+uid)
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) GetCourse(_ context.Context, id string) (*models.Course, error) {
	if err := r.record("GetCourse"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	return &c, nil
}

func (r *fakeRemote) CreateDocument(_ context.Context, doc models.Document) error {
	if err := r.record("CreateDocument"); err != nil {
		return err
	}
	r.mu.Lock()
	r.docs[doc.ID] = doc
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) UpdateDocument(_ context.Context, doc models.Document) error {
	if err := r.record("UpdateDocument"); err != nil {
		return err
	}
	r.mu.Lock()
	r.docs[doc.ID] = doc
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) DeleteDocument(_ context.Context, id string) error {
	if err := r.record("DeleteDocument"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failDocDel[id]; err != nil {
		return err
	}
	delete(r.docs, id)
	return nil
}

func (r *fakeRemote) ListDocumentIDs(_ context.Context, courseID string) ([]string, error) {
	if err := r.record("ListDocumentIDs"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, d := range r.docs {
		if d.CourseID == courseID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *fakeRemote) GetDocument(_ context.Context, id string) (*models.Document, error) {
	if err := r.record("GetDocument"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	return &d, nil
}

// fakeFiles stores uploads in memory.
type fakeFiles struct {
	mu        sync.Mutex
	stored    map[string][]byte
	deleted   []string
	uploadErr error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{stored: make(map[string][]byte)}
}

func (f *fakeFiles) Upload(_ context.Context, _ string, folder string, file models.FileUpload, onProgress storage.ProgressFunc) (UploadResult, error) {
	if f.uploadErr != nil {
		return UploadResult{}, f.uploadErr
	}
	data, err := io.ReadAll(file.Reader)
	if err != nil {
		return UploadResult{}, err
	}
	if onProgress != nil {
		onProgress(100)
	}
	key := folder + "/" + file.Name
	f.mu.Lock()
	f.stored[key] = data
	f.mu.Unlock()
	return UploadResult{Key: key, URL: "https://files.test/" + key, Size: int64(len(data))}, nil
}

func (f *fakeFiles) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	delete(f.stored, key)
	return nil
}

func (f *fakeFiles) DownloadURL(documentID, key string) (string, error) {
	return "https://files.test/signed/" + documentID + "/" + key, nil
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = id(item)
	}
	return out
}

func courseIDs(courses []models.Course) []string {
	return ids(courses, func(c models.Course) string { return c.ID })
}

func documentIDs(docs []models.Document) []string {
	return ids(docs, func(d models.Document) string { return d.ID })
}

func feedAllCourses() feed.Selector {
	return feed.AllCourses()
}

func snapshotOf(t *testing.T, courses ...models.Course) feed.Snapshot {
	t.Helper()
	children, err := models.EncodeChildren(courses, func(c models.Course) string { return c.ID })
	require.NoError(t, err)
	return feed.Snapshot{Selector: feed.AllCourses(), Children: children}
}
