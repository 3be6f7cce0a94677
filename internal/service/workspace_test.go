package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

func newTestRegistry(f *fakeFeed) *WorkspaceRegistry {
	remote := newFakeRemote()
	return NewWorkspaceRegistry(WorkspaceDeps{
		Feed:      f,
		Courses:   remote,
		Documents: remote,
		Files:     newFakeFiles(),
	}, WorkspaceConfig{PageSize: 5, IdleTimeout: time.Minute})
}

func TestWorkspaceRegistryReusesWorkspace(t *testing.T) {
	f := newFakeFeed()
	reg := newTestRegistry(f)
	defer reg.CloseAll()

	ws, err := reg.Open(context.Background(), studentS1)
	require.NoError(t, err)
	again, err := reg.Open(context.Background(), studentS1)
	require.NoError(t, err)
	assert.Same(t, ws, again)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, f.active(feed.AllCourses()), 1)

	promoted := studentS1
	promoted.Role = models.RoleTeacher
	rebuilt, err := reg.Open(context.Background(), promoted)
	require.NoError(t, err)
	assert.NotSame(t, ws, rebuilt)
	assert.Len(t, f.active(feed.AllCourses()), 1)
}

func TestWorkspaceRegistryRejectsAnonymous(t *testing.T) {
	reg := newTestRegistry(newFakeFeed())
	_, err := reg.Open(context.Background(), Session{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))
}

func TestWorkspaceRegistrySubscribeFailure(t *testing.T) {
	f := newFakeFeed()
	f.err = appErrors.Feed(errors.New("dial refused"), "subscribe", true)
	reg := newTestRegistry(f)

	_, err := reg.Open(context.Background(), studentS1)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrFeed.Code))
	assert.Zero(t, reg.Len())
}

func TestWorkspaceDocumentsAreLazyAndReleased(t *testing.T) {
	f := newFakeFeed()
	reg := newTestRegistry(f)
	ws, err := reg.Open(context.Background(), teacherT1)
	require.NoError(t, err)

	docs, err := ws.Documents(context.Background(), "c1")
	require.NoError(t, err)
	same, err := ws.Documents(context.Background(), "c1")
	require.NoError(t, err)
	assert.Same(t, docs, same)
	assert.Len(t, f.active(feed.CourseDocuments("c1")), 1)

	f.emitDocuments(t, "c1", document("d1", models.DocumentLink, 1))
	assert.Equal(t, []string{"d1"}, documentIDs(docs.View().Window()))

	ws.CloseDocuments("c1")
	assert.Empty(t, f.active(feed.CourseDocuments("c1")))

	_, err = ws.Documents(context.Background(), "")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	reg.Close(teacherT1.UID)
	assert.Empty(t, f.active(feed.AllCourses()))
	_, err = ws.Documents(context.Background(), "c2")
	assert.ErrorIs(t, err, appErrors.ErrClosed)
}

func TestWorkspaceRegistrySweepsIdle(t *testing.T) {
	f := newFakeFeed()
	reg := newTestRegistry(f)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	_, err := reg.Open(context.Background(), studentS1)
	require.NoError(t, err)
	_, err = reg.Open(context.Background(), teacherT1)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	_, err = reg.Open(context.Background(), teacherT1)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, reg.Sweep())
	_, ok := reg.Get(studentS1.UID)
	assert.False(t, ok)
	_, ok = reg.Get(teacherT1.UID)
	assert.True(t, ok)
	assert.Len(t, f.active(feed.AllCourses()), 1)
}

func TestWorkspaceRegistryRunClosesOnCancel(t *testing.T) {
	f := newFakeFeed()
	reg := newTestRegistry(f)
	_, err := reg.Open(context.Background(), studentS1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done
	assert.Zero(t, reg.Len())
}

func TestWorkspaceRegistryOpenWaitsForFirstSnapshot(t *testing.T) {
	f := newFakeFeed()
	reg := NewWorkspaceRegistry(WorkspaceDeps{
		Feed:      f,
		Courses:   newFakeRemote(),
		Documents: newFakeRemote(),
		Files:     newFakeFiles(),
	}, WorkspaceConfig{PageSize: 5, ReadyTimeout: 5 * time.Second})
	defer reg.CloseAll()

	go func() {
		for len(f.active(feed.AllCourses())) == 0 {
			time.Sleep(time.Millisecond)
		}
		f.emitCourses(t, models.Course{ID: "c1", Title: "Algebra", TeacherID: "t1", CreatedAt: 1})
	}()

	ws, err := reg.Open(context.Background(), studentS1)
	require.NoError(t, err)
	select {
	case <-ws.Courses().Ready():
	default:
		t.Fatal("course windows not ready after Open")
	}
}

func TestAwaitReadyTimesOut(t *testing.T) {
	never := make(chan struct{})
	start := time.Now()
	awaitReady(context.Background(), never, 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	awaitReady(ctx, never, time.Hour)

	awaitReady(context.Background(), never, 0)
}

func TestWindowReadyClosesOnErrorAndClose(t *testing.T) {
	f := newFakeFeed()
	svc := NewDocumentService(studentS1, "c1", DocumentServiceDeps{Feed: f, Remote: newFakeRemote(), Files: newFakeFiles()}, DocumentServiceConfig{})
	require.NoError(t, svc.Start(context.Background()))

	select {
	case <-svc.Ready():
		t.Fatal("ready before any feed event")
	default:
	}
	f.fail(feed.CourseDocuments("c1"), errors.New("permission denied"))
	<-svc.Ready()
	svc.Close()

	courses := NewCourseService(studentS1, CourseServiceDeps{Feed: f, Remote: newFakeRemote()}, CourseServiceConfig{})
	courses.Close()
	<-courses.Ready()
}
