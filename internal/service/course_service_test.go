package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

var (
	teacherT1 = Session{UID: "t1", Role: models.RoleTeacher, Name: "Thầy An", Email: "an@example.com"}
	studentS1 = Session{UID: "s1", Role: models.RoleStudent, Name: "Lan", Email: "lan@example.com"}
)

type courseFixture struct {
	feed    *fakeFeed
	remote  *fakeRemote
	files   *fakeFiles
	metrics *MetricsService
	svc     *CourseService
}

func newCourseFixture(t *testing.T, session Session, pageSize int) *courseFixture {
	t.Helper()
	fx := &courseFixture{feed: newFakeFeed(), remote: newFakeRemote(), files: newFakeFiles(), metrics: NewMetricsService()}
	fx.svc = NewCourseService(session, CourseServiceDeps{
		Feed:      fx.feed,
		Remote:    fx.remote,
		Documents: fx.remote,
		Files:     fx.files,
		Metrics:   fx.metrics,
	}, CourseServiceConfig{PageSize: pageSize, CascadeConcurrency: 2})
	require.NoError(t, fx.svc.Start(context.Background()))
	t.Cleanup(fx.svc.Close)
	return fx
}

func course(id, teacherID string, createdAt int64, students ...string) models.Course {
	c := models.Course{ID: id, Title: "Course " + id, TeacherID: teacherID, TeacherName: "Teacher " + teacherID, CreatedAt: createdAt, UpdatedAt: createdAt}
	if len(students) > 0 {
		c.Students = make(map[string]models.Membership, len(students))
		for _, s := range students {
			c.Students[s] = models.Membership{JoinedAt: createdAt, IsActive: true}
		}
	}
	return c
}

func (fx *courseFixture) window(name CourseView) []string {
	return courseIDs(fx.svc.View(name).Window())
}

func TestCourseServiceScopesTeacherCourses(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t2", 100))

	assert.Equal(t, []string{"A"}, fx.window(CourseViewMy))
	// Teachers do not join courses, so nothing is available to them.
	assert.Empty(t, fx.window(CourseViewAvailable))
	assert.Equal(t, []string{"A", "B"}, fx.window(CourseViewAll))
	assert.Equal(t, uint64(1), fx.metrics.Snapshot().SnapshotsApplied)
}

func TestCourseServicePaginatesThreeItems(t *testing.T) {
	fx := newCourseFixture(t, studentS1, 2)
	fx.feed.emitCourses(t, course("1", "t1", 300), course("2", "t1", 200), course("3", "t1", 100))

	page, err := fx.svc.Browse(context.Background(), CourseViewAll, "", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, courseIDs(page.Items))
	assert.True(t, page.HasMore)

	loaded, err := fx.svc.LoadMore(context.Background(), CourseViewAll)
	require.NoError(t, err)
	assert.True(t, loaded)
	page = fx.svc.View(CourseViewAll).Snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, courseIDs(page.Items))
	assert.False(t, page.HasMore)
}

func TestCourseServiceSnapshotReplacesWholesale(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t2", 100))
	fx.feed.emitCourses(t, course("C", "t1", 300))

	assert.Equal(t, []string{"C"}, courseIDs(fx.svc.View(CourseViewAll).All()))
	_, ok := fx.svc.CourseByID("A")
	assert.False(t, ok)
}

func TestCourseServiceCreateInsertsAtHead(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200))

	created, err := fx.svc.Create(context.Background(), models.CreateCourseRequest{Title: "  Hình học  ", Subject: "math"})
	require.NoError(t, err)
	assert.Equal(t, "k001", created.ID)
	assert.Equal(t, "Hình học", created.Title)
	assert.Equal(t, "t1", created.TeacherID)
	assert.Equal(t, "Thầy An", created.TeacherName)

	assert.Equal(t, []string{"k001", "A"}, fx.window(CourseViewMy))
	assert.Equal(t, []string{"k001", "A"}, fx.window(CourseViewAll))
	assert.Empty(t, fx.window(CourseViewAvailable))
	assert.Equal(t, 0, fx.svc.View(CourseViewMy).PendingCount())
}

func TestCourseServiceCreateRollsBackOnRemoteFailure(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t2", 100))
	before := fx.svc.View(CourseViewAll).Snapshot()

	fx.remote.failOn["CreateCourse"] = errors.New("connection reset")
	_, err := fx.svc.Create(context.Background(), models.CreateCourseRequest{Title: "Vật lý"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrRemoteWrite.Code))

	assert.Equal(t, before.Items, fx.svc.View(CourseViewAll).Window())
	assert.Equal(t, []string{"A"}, fx.window(CourseViewMy))
	assert.Equal(t, uint64(1), fx.metrics.Snapshot().Rollbacks)
}

func TestCourseServiceCreateValidatesFields(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)

	_, err := fx.svc.Create(context.Background(), models.CreateCourseRequest{Title: " a "})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	require.Len(t, appErr.Fields, 1)
	assert.Equal(t, appErrors.FieldError{Field: "title", Message: "must be at least 2"}, appErr.Fields[0])
	assert.Zero(t, fx.remote.callCount("CreateCourse"))
}

func TestCourseServiceCreateRequiresTeacher(t *testing.T) {
	fx := newCourseFixture(t, studentS1, 10)

	_, err := fx.svc.Create(context.Background(), models.CreateCourseRequest{Title: "Hóa học"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))
}

func TestCourseServiceUpdateRequiresOwner(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t2", 100))

	title := "Đại số nâng cao"
	updated, err := fx.svc.Update(context.Background(), "A", models.UpdateCourseRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	got, _ := fx.svc.CourseByID("A")
	assert.Equal(t, title, got.Title)
	assert.Greater(t, got.UpdatedAt, int64(200))

	_, err = fx.svc.Update(context.Background(), "B", models.UpdateCourseRequest{Title: &title})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))
}

func TestCourseServiceUpdateRollsBack(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200))
	fx.remote.failOn["UpdateCourse"] = errors.New("timeout")

	title := "Renamed"
	_, err := fx.svc.Update(context.Background(), "A", models.UpdateCourseRequest{Title: &title})
	require.Error(t, err)
	got, _ := fx.svc.CourseByID("A")
	assert.Equal(t, "Course A", got.Title)
}

func TestCourseServiceDeleteCascadesBestEffort(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t1", 100))
	fx.remote.docs["d1"] = models.Document{ID: "d1", CourseID: "A", StorageKey: "documents/A/1_slides.pdf"}
	fx.remote.docs["d2"] = models.Document{ID: "d2", CourseID: "A", Type: models.DocumentLink}
	fx.remote.docs["d3"] = models.Document{ID: "d3", CourseID: "A", Type: models.DocumentLink}
	fx.remote.docs["other"] = models.Document{ID: "other", CourseID: "B"}
	fx.remote.failDocDel["d2"] = errors.New("permission denied")

	require.NoError(t, fx.svc.Delete(context.Background(), "A"))

	assert.Equal(t, []string{"B"}, fx.window(CourseViewMy))
	assert.Equal(t, 3, fx.remote.callCount("DeleteDocument"))
	assert.Contains(t, fx.remote.docs, "d2")
	assert.NotContains(t, fx.remote.docs, "d1")
	assert.NotContains(t, fx.remote.docs, "d3")
	assert.Contains(t, fx.remote.docs, "other")
	assert.Equal(t, []string{"documents/A/1_slides.pdf"}, fx.files.deleted)
	assert.Equal(t, uint64(1), fx.metrics.Snapshot().CascadeFailures)
}

func TestCourseServiceDeleteRollsBackAndSkipsCascade(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t1", 100))
	fx.remote.docs["d1"] = models.Document{ID: "d1", CourseID: "A"}
	fx.remote.failOn["DeleteCourse"] = errors.New("unavailable")

	err := fx.svc.Delete(context.Background(), "A")
	require.Error(t, err)
	assert.Equal(t, []string{"A", "B"}, fx.window(CourseViewMy))
	assert.Zero(t, fx.remote.callCount("ListDocumentIDs"))
}

func TestCourseServiceDeleteUnknownCourse(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200))

	err := fx.svc.Delete(context.Background(), "missing")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestCourseServiceJoinMovesCourseAndIsIdempotent(t *testing.T) {
	fx := newCourseFixture(t, studentS1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200), course("B", "t2", 100))
	assert.Empty(t, fx.window(CourseViewMy))
	assert.Equal(t, []string{"A", "B"}, fx.window(CourseViewAvailable))

	require.NoError(t, fx.svc.Join(context.Background(), "B"))
	require.NoError(t, fx.svc.Join(context.Background(), "B"))

	assert.Equal(t, []string{"B"}, fx.window(CourseViewMy))
	assert.Equal(t, []string{"A"}, fx.window(CourseViewAvailable))
	assert.Equal(t, 2, fx.remote.callCount("SetMembership"))
	got, _ := fx.svc.CourseByID("B")
	assert.True(t, got.IsStudentEnrolled("s1"))
	assert.Equal(t, "Lan", got.Students["s1"].Name)

	require.NoError(t, fx.svc.Leave(context.Background(), "B"))
	require.NoError(t, fx.svc.Leave(context.Background(), "B"))
	assert.Empty(t, fx.window(CourseViewMy))
	assert.ElementsMatch(t, []string{"A", "B"}, fx.window(CourseViewAvailable))
}

type gatedRemote struct {
	*fakeRemote
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) SetMembership(ctx context.Context, courseID, uid string, m models.Membership, updatedAt int64) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeRemote.SetMembership(ctx, courseID, uid, m, updatedAt)
}

func TestCourseServiceConcurrentJoinDoesNotDuplicate(t *testing.T) {
	fx := newCourseFixture(t, studentS1, 10)
	gated := &gatedRemote{fakeRemote: fx.remote, entered: make(chan struct{}), release: make(chan struct{})}
	fx.svc.remote = gated
	fx.feed.emitCourses(t, course("A", "t1", 200))

	done := make(chan error, 1)
	go func() { done <- fx.svc.Join(context.Background(), "A") }()
	<-gated.entered

	require.NoError(t, fx.svc.Join(context.Background(), "A"))
	close(gated.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"A"}, fx.window(CourseViewMy))
	assert.Empty(t, fx.window(CourseViewAvailable))
}

func TestCourseServiceJoinRollsBackExactly(t *testing.T) {
	fx := newCourseFixture(t, studentS1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 300), course("B", "t2", 200), course("C", "t2", 100, "s1"))
	myBefore := fx.window(CourseViewMy)
	availableBefore := fx.window(CourseViewAvailable)

	fx.remote.failOn["SetMembership"] = errors.New("offline")
	err := fx.svc.Join(context.Background(), "B")
	require.Error(t, err)

	assert.Equal(t, myBefore, fx.window(CourseViewMy))
	assert.Equal(t, availableBefore, fx.window(CourseViewAvailable))
	got, _ := fx.svc.CourseByID("B")
	assert.False(t, got.IsStudentEnrolled("s1"))
}

func TestCourseServiceJoinRequiresStudent(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t2", 200))

	assert.True(t, appErrors.HasCode(fx.svc.Join(context.Background(), "A"), appErrors.ErrForbidden.Code))
	assert.True(t, appErrors.HasCode(fx.svc.Leave(context.Background(), "A"), appErrors.ErrForbidden.Code))
}

func TestCourseServiceSearchResetsToFirstPage(t *testing.T) {
	fx := newCourseFixture(t, studentS1, 1)
	c1 := course("1", "t1", 300)
	c1.Title = "Đại số"
	c2 := course("2", "t1", 200)
	c2.Title = "Giải tích"
	c3 := course("3", "t1", 100)
	c3.Title = "Đại cương"
	fx.feed.emitCourses(t, c1, c2, c3)

	_, err := fx.svc.Browse(context.Background(), CourseViewAll, "", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, fx.svc.View(CourseViewAll).Snapshot().Page)

	page, err := fx.svc.Browse(context.Background(), CourseViewAll, "dai", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, []string{"1"}, courseIDs(page.Items))

	fx.svc.ClearSearch()
	assert.Equal(t, 1, fx.svc.View(CourseViewAll).Snapshot().Page)
}

func TestCourseServiceFeedErrorKeepsOptimisticState(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200))
	_, err := fx.svc.Create(context.Background(), models.CreateCourseRequest{Title: "Sinh học"})
	require.NoError(t, err)

	fx.feed.fail(feedAllCourses(), appErrors.Feed(errors.New("socket closed"), "stream dropped", true))

	assert.Equal(t, []string{"k001", "A"}, fx.window(CourseViewAll))
	require.Error(t, fx.svc.LastError())
	fx.svc.ClearError()
	assert.NoError(t, fx.svc.LastError())
	assert.Equal(t, uint64(1), fx.metrics.Snapshot().FeedErrors)
}

func TestCourseServiceCloseIgnoresLateSnapshots(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200))
	listeners := fx.feed.active(feedAllCourses())
	require.Len(t, listeners, 1)

	fx.svc.Close()
	fx.svc.Close()
	listeners[0].onSnapshot(snapshotOf(t, course("Z", "t1", 900)))

	assert.Equal(t, []string{"A"}, courseIDs(fx.svc.View(CourseViewAll).All()))
	assert.Empty(t, fx.feed.active(feedAllCourses()))
}

func TestCourseServiceStats(t *testing.T) {
	fx := newCourseFixture(t, teacherT1, 10)
	fx.feed.emitCourses(t, course("A", "t1", 200, "s1", "s2"), course("B", "t1", 100, "s3"), course("C", "t2", 50, "s4"))

	stats := fx.svc.Stats()
	assert.Equal(t, 2, stats.TotalCourses)
	assert.Equal(t, 3, stats.TotalStudents)
	assert.True(t, fx.svc.CanManage(course("A", "t1", 1)))
	assert.False(t, fx.svc.CanManage(course("C", "t2", 1)))
}

func TestParseCourseView(t *testing.T) {
	v, err := ParseCourseView("")
	require.NoError(t, err)
	assert.Equal(t, CourseViewMy, v)

	_, err = ParseCourseView("archived")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}
