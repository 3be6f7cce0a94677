package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/middleware"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

var testClaims = map[string]*models.JWTClaims{
	"teacher-token": {UserID: "t1", Role: models.RoleTeacher, Name: "Thầy An", Email: "an@example.com"},
	"other-token":   {UserID: "t2", Role: models.RoleTeacher, Name: "Cô Bình", Email: "binh@example.com"},
	"student-token": {UserID: "s1", Role: models.RoleStudent, Name: "Lan", Email: "lan@example.com"},
}

type tokenValidator struct{}

func (tokenValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := testClaims[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

// memoryStore is an in-memory remote whose current content is served by its feed.
type memoryStore struct {
	mu      sync.Mutex
	next    int
	courses map[string]models.Course
	docs    map[string]models.Document
	subs    []storeListener
	failOn  map[string]error
}

type storeListener struct {
	sub        *feed.Subscription
	onSnapshot feed.SnapshotFunc
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		courses: make(map[string]models.Course),
		docs:    make(map[string]models.Document),
		failOn:  make(map[string]error),
	}
}

// Subscribe delivers the current snapshot before returning. Writes do not notify, so windows keep
// showing their optimistic state.
func (m *memoryStore) Subscribe(_ context.Context, sel feed.Selector, onSnapshot feed.SnapshotFunc, _ feed.ErrorFunc) (*feed.Subscription, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	sub := feed.NewSubscription(sel, nil, nil, nil)
	m.mu.Lock()
	m.subs = append(m.subs, storeListener{sub: sub, onSnapshot: onSnapshot})
	m.mu.Unlock()
	onSnapshot(m.snapshot(sel))
	return sub, nil
}

// publish pushes the current content to every open subscriber of sel.
func (m *memoryStore) publish(sel feed.Selector) {
	m.mu.Lock()
	var targets []feed.SnapshotFunc
	for _, l := range m.subs {
		if !l.sub.Closed() && l.sub.Selector() == sel {
			targets = append(targets, l.onSnapshot)
		}
	}
	m.mu.Unlock()
	snap := m.snapshot(sel)
	for _, fn := range targets {
		fn(snap)
	}
}

func (m *memoryStore) snapshot(sel feed.Selector) feed.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	snap := feed.Snapshot{Selector: sel}
	if sel.Collection == feed.CollectionCourses {
		courses := make([]models.Course, 0, len(m.courses))
		for _, c := range m.courses {
			courses = append(courses, c)
		}
		snap.Children, err = models.EncodeChildren(courses, func(c models.Course) string { return c.ID })
	} else {
		var docs []models.Document
		for _, d := range m.docs {
			if d.CourseID == sel.CourseID {
				docs = append(docs, d)
			}
		}
		snap.Children, err = models.EncodeChildren(docs, func(d models.Document) string { return d.ID })
	}
	if err != nil {
		panic(err)
	}
	return snap
}

func (m *memoryStore) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failOn[op]
}

func (m *memoryStore) NewKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return fmt.Sprintf("k%03d", m.next)
}

func (m *memoryStore) CreateCourse(_ context.Context, course models.Course) error {
	if err := m.fail("CreateCourse"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[course.ID] = course
	return nil
}

func (m *memoryStore) UpdateCourse(_ context.Context, course models.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[course.ID]; !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	m.courses[course.ID] = course
	return nil
}

func (m *memoryStore) DeleteCourse(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[id]; !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	delete(m.courses, id)
	return nil
}

func (m *memoryStore) SetMembership(_ context.Context, courseID, uid string, ms models.Membership, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[courseID]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	m.courses[courseID] = c.WithStudent(uid, ms, updatedAt)
	return nil
}

func (m *memoryStore) RemoveMembership(_ context.Context, courseID, uid string, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[courseID]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	m.courses[courseID] = c.WithoutStudent(uid, updatedAt)
	return nil
}

func (m *memoryStore) GetCourse(_ context.Context, id string) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	c = c.Clone()
	return &c, nil
}

func (m *memoryStore) CreateDocument(_ context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *memoryStore) UpdateDocument(_ context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	delete(m.docs, id)
	return nil
}

func (m *memoryStore) ListDocumentIDs(_ context.Context, courseID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, d := range m.docs {
		if d.CourseID == courseID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	return &d, nil
}

func (m *memoryStore) seedCourse(c models.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

func (m *memoryStore) seedDocument(d models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
}

func testCourse(id, teacherID string, createdAt int64, students ...string) models.Course {
	c := models.Course{ID: id, Title: "Course " + id, TeacherID: teacherID, TeacherName: "Teacher " + teacherID, CreatedAt: createdAt, UpdatedAt: createdAt}
	if len(students) > 0 {
		c.Students = make(map[string]models.Membership, len(students))
		for _, s := range students {
			c.Students[s] = models.Membership{JoinedAt: createdAt, IsActive: true}
		}
	}
	return c
}

func testDocument(id, courseID string, docType models.DocumentType, createdAt int64) models.Document {
	return models.Document{
		ID: id, Title: "Doc " + id, Type: docType, URL: "https://example.com/" + id, CourseID: courseID,
		UploadedBy: "t1", UploaderName: "Thầy An", CreatedAt: createdAt, UpdatedAt: createdAt,
	}
}

func newTestRegistry(t *testing.T, store *memoryStore, files service.FileUploader) *service.WorkspaceRegistry {
	t.Helper()
	reg := service.NewWorkspaceRegistry(service.WorkspaceDeps{
		Feed:      store,
		Courses:   store,
		Documents: store,
		Files:     files,
	}, service.WorkspaceConfig{PageSize: 2, MaxFileSize: 1024})
	t.Cleanup(reg.CloseAll)
	return reg
}

func newTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func authed() gin.HandlerFunc {
	return middleware.JWT(tokenValidator{})
}

func do(t *testing.T, r http.Handler, method, target, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, target, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
