package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/view"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// CourseView names a course window kept by a workspace.
type CourseView string

const (
	// CourseViewMy holds the courses a teacher owns or a student has joined.
	CourseViewMy CourseView = "my"
	// CourseViewAvailable holds the courses a student has not joined. It is empty for teachers.
	CourseViewAvailable CourseView = "available"
	// CourseViewAll holds every course.
	CourseViewAll CourseView = "all"
)

var courseViews = []CourseView{CourseViewMy, CourseViewAvailable, CourseViewAll}

// ParseCourseView maps a transport value onto a course view. Empty selects CourseViewMy.
func ParseCourseView(raw string) (CourseView, error) {
	switch CourseView(raw) {
	case "":
		return CourseViewMy, nil
	case CourseViewMy, CourseViewAvailable, CourseViewAll:
		return CourseView(raw), nil
	}
	return "", appErrors.Validation("unknown course view", appErrors.FieldError{Field: "view", Message: "must be one of my available all"})
}

// CourseServiceConfig tunes a course workspace.
type CourseServiceConfig struct {
	PageSize           int
	CascadeConcurrency int
}

// CourseServiceDeps are the collaborators of a course workspace.
type CourseServiceDeps struct {
	Feed      feed.Feed
	Remote    CourseRemote
	Documents DocumentRemote
	Files     FileUploader
	Cache     *SnapshotCache
	Metrics   *MetricsService
	Validator *validator.Validate
	Logger    *zap.Logger
	// OnChange observes every window change. It runs outside the window lock.
	OnChange func(name CourseView, page view.Page[models.Course])
}

// CourseService keeps the live course windows of one user and runs course mutations with optimistic
// updates against them.
type CourseService struct {
	session   Session
	feed      feed.Feed
	remote    CourseRemote
	documents DocumentRemote
	files     FileUploader
	cache     *SnapshotCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cascade   int

	mine  view.Predicate[models.Course]
	views map[CourseView]*view.Engine[models.Course]

	mu     sync.Mutex
	sub    *feed.Subscription
	closed bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewCourseService builds the course windows for session. Call Start to attach them to the feed.
func NewCourseService(session Session, deps CourseServiceDeps, cfg CourseServiceConfig) *CourseService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := deps.Validator
	if validate == nil {
		validate = validator.New()
	}
	if cfg.CascadeConcurrency <= 0 {
		cfg.CascadeConcurrency = 4
	}

	s := &CourseService{
		session:   session,
		feed:      deps.Feed,
		remote:    deps.Remote,
		documents: deps.Documents,
		files:     deps.Files,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		validator: validate,
		logger:    logger.With(zap.String("uid", session.UID)),
		cascade:   cfg.CascadeConcurrency,
		views:     make(map[CourseView]*view.Engine[models.Course], len(courseViews)),
		ready:     make(chan struct{}),
	}

	uid := session.UID
	if session.IsTeacher() {
		s.mine = func(c models.Course) bool { return c.IsOwnedBy(uid) }
	} else {
		s.mine = func(c models.Course) bool { return c.IsStudentEnrolled(uid) }
	}
	available := func(models.Course) bool { return false }
	if session.IsStudent() {
		available = func(c models.Course) bool { return !s.mine(c) }
	}
	scopes := map[CourseView]view.Predicate[models.Course]{
		CourseViewMy:        s.mine,
		CourseViewAvailable: available,
		CourseViewAll:       nil,
	}
	for _, name := range courseViews {
		var onChange func(view.Page[models.Course])
		if deps.OnChange != nil {
			name := name
			onChange = func(page view.Page[models.Course]) { deps.OnChange(name, page) }
		}
		s.views[name] = view.New(view.Config[models.Course]{
			Name:      "courses." + string(name),
			PageSize:  cfg.PageSize,
			ID:        func(c models.Course) string { return c.ID },
			CreatedAt: func(c models.Course) int64 { return c.CreatedAt },
			Fields:    courseSearchFields,
			Scope:     scopes[name],
			OnChange:  onChange,
			Logger:    s.logger,
		})
	}
	return s
}

func courseSearchFields(c models.Course) []string {
	return []string{c.Title, c.Description, c.TeacherName, c.Subject}
}

// Start seeds the windows from the snapshot cache and subscribes to the course feed. A cache failure
// is not fatal; a subscription failure is recorded on the windows and returned.
func (s *CourseService) Start(ctx context.Context) error {
	key := feed.AllCourses().Key()
	var cached []models.Course
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		for _, e := range s.engines() {
			e.Seed(cached)
		}
		s.logger.Debug("course windows seeded from cache", zap.Int("count", len(cached)))
	}

	sub, err := s.feed.Subscribe(ctx, feed.AllCourses(), s.onSnapshot, s.onError)
	if err != nil {
		s.onError(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// the callbacks take s.mu, so unsubscribe outside it
		sub.Unsubscribe()
		return appErrors.ErrClosed
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Close detaches from the feed. Every later window change is ignored.
func (s *CourseService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()
	s.markReady()

	for _, e := range s.engines() {
		e.Close()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (s *CourseService) onSnapshot(snap feed.Snapshot) {
	courses, err := models.DecodeCourses(snap.Children)
	if err != nil {
		s.onError(appErrors.Feed(err, "decode course snapshot", false))
		return
	}
	if s.isClosed() {
		return
	}
	for _, e := range s.engines() {
		e.ApplySnapshot(courses)
		e.ClearError()
	}
	s.metrics.RecordSnapshot("courses")
	s.cache.Set(context.Background(), snap.Selector.Key(), courses)
	s.markReady()
}

func (s *CourseService) onError(err error) {
	if s.isClosed() {
		return
	}
	s.logger.Warn("course feed error", zap.Error(err))
	s.metrics.RecordFeedError(string(feed.CollectionCourses))
	for _, e := range s.engines() {
		e.SetError(err)
	}
	s.markReady()
}

// Ready is closed once the first live snapshot or feed error has reached the windows, or on Close.
func (s *CourseService) Ready() <-chan struct{} {
	return s.ready
}

func (s *CourseService) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *CourseService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *CourseService) engines() []*view.Engine[models.Course] {
	out := make([]*view.Engine[models.Course], 0, len(courseViews))
	for _, name := range courseViews {
		out = append(out, s.views[name])
	}
	return out
}

// Session returns the user the workspace acts for.
func (s *CourseService) Session() Session {
	return s.session
}

// View returns the engine behind a course window.
func (s *CourseService) View(name CourseView) *view.Engine[models.Course] {
	return s.views[name]
}

// Browse positions a window on query and page and returns it.
func (s *CourseService) Browse(ctx context.Context, name CourseView, query string, page int) (view.Page[models.Course], error) {
	e, ok := s.views[name]
	if !ok {
		return view.Page[models.Course]{}, appErrors.Validation("unknown course view", appErrors.FieldError{Field: "view", Message: "must be one of my available all"})
	}
	return browse(ctx, e, query, page)
}

// LoadMore extends a window by one page.
func (s *CourseService) LoadMore(ctx context.Context, name CourseView) (bool, error) {
	e, ok := s.views[name]
	if !ok {
		return false, nil
	}
	return e.LoadMore(ctx)
}

// SetQuery searches every course window.
func (s *CourseService) SetQuery(query string) {
	for _, e := range s.engines() {
		e.SetQuery(query)
	}
}

// ClearSearch drops the search on every course window.
func (s *CourseService) ClearSearch() {
	s.SetQuery("")
}

// Refresh invalidates the cached snapshot and resets every window to its first page.
func (s *CourseService) Refresh(ctx context.Context) error {
	err := s.cache.Invalidate(ctx, feed.AllCourses().Key())
	for _, e := range s.engines() {
		e.Refresh()
	}
	return err
}

// LastError returns the last non-fatal feed error.
func (s *CourseService) LastError() error {
	return s.views[CourseViewAll].LastError()
}

// ClearError forgets the last feed error.
func (s *CourseService) ClearError() {
	for _, e := range s.engines() {
		e.ClearError()
	}
}

// CourseByID looks a course up in the live collection.
func (s *CourseService) CourseByID(id string) (models.Course, bool) {
	return s.views[CourseViewAll].Find(id)
}

// CanManage reports whether the session may edit or delete course.
func (s *CourseService) CanManage(course models.Course) bool {
	return s.session.IsTeacher() && course.IsOwnedBy(s.session.UID)
}

// Stats summarises the courses in the session's own scope.
func (s *CourseService) Stats() models.CourseStats {
	var mine []models.Course
	for _, c := range s.views[CourseViewAll].All() {
		if s.mine(c) {
			mine = append(mine, c)
		}
	}
	return models.ComputeCourseStats(mine)
}

// CourseDetails reads a course from the remote, bypassing the windows.
func (s *CourseService) CourseDetails(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.remote.GetCourse(ctx, id)
	if err != nil {
		return nil, appErrors.RemoteWrite(err, "failed to load course")
	}
	return course, nil
}

// Create adds a course owned by the session's teacher.
func (s *CourseService) Create(ctx context.Context, req models.CreateCourseRequest) (*models.Course, error) {
	if !s.session.IsTeacher() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers can create courses")
	}
	req.Normalize()
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid course payload")
	}

	now := models.NowMillis()
	course := models.Course{
		ID:          s.remote.NewKey(),
		Title:       req.Title,
		Description: req.Description,
		TeacherID:   s.session.UID,
		TeacherName: s.session.Name,
		Subject:     req.Subject,
		Semester:    req.Semester,
		Year:        req.Year,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	pending := applyAll(s.engines(), view.InsertHead(course))
	if err := s.remote.CreateCourse(ctx, course); err != nil {
		s.rollback(pending, "create_course")
		return nil, appErrors.RemoteWrite(err, "failed to create course")
	}
	pending.commit()
	s.logger.Info("course created", zap.String("course_id", course.ID))
	return &course, nil
}

// Update edits a course owned by the session's teacher.
func (s *CourseService) Update(ctx context.Context, id string, req models.UpdateCourseRequest) (*models.Course, error) {
	current, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.CanManage(*current) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the owning teacher can edit this course")
	}
	req.Normalize()
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid course payload")
	}

	updated := req.Apply(*current, models.NowMillis())
	pending := applyAll(s.engines(), view.Replace(updated))
	if err := s.remote.UpdateCourse(ctx, updated); err != nil {
		s.rollback(pending, "update_course")
		return nil, appErrors.RemoteWrite(err, "failed to update course")
	}
	pending.commit()
	return &updated, nil
}

// Delete removes a course and then, best effort, its documents. Documents that cannot be removed are
// logged and counted; the course delete still succeeds.
func (s *CourseService) Delete(ctx context.Context, id string) error {
	current, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !s.CanManage(*current) {
		return appErrors.Clone(appErrors.ErrForbidden, "only the owning teacher can delete this course")
	}

	pending := applyAll(s.engines(), view.Remove[models.Course](id))
	if err := s.remote.DeleteCourse(ctx, id); err != nil {
		s.rollback(pending, "delete_course")
		return appErrors.RemoteWrite(err, "failed to delete course")
	}
	pending.commit()

	failed := s.cascadeDocuments(context.WithoutCancel(ctx), id)
	s.logger.Info("course deleted", zap.String("course_id", id), zap.Int("cascade_failures", failed))
	return nil
}

// Join enrolls the session's student. Joining a course twice changes nothing.
func (s *CourseService) Join(ctx context.Context, courseID string) error {
	if !s.session.IsStudent() {
		return appErrors.Clone(appErrors.ErrForbidden, "only students can join courses")
	}
	current, err := s.lookup(ctx, courseID)
	if err != nil {
		return err
	}

	now := models.NowMillis()
	membership := models.Membership{JoinedAt: now, IsActive: true, Name: s.session.Name, Email: s.session.Email}
	var pending pendingSet[models.Course]
	updatedAt := now
	if !current.IsStudentEnrolled(s.session.UID) {
		updated := current.WithStudent(s.session.UID, membership, now)
		updatedAt = updated.UpdatedAt
		pending = applyAll(s.engines(), view.Replace(updated))
	}
	if err := s.remote.SetMembership(ctx, courseID, s.session.UID, membership, updatedAt); err != nil {
		s.rollback(pending, "join_course")
		return appErrors.RemoteWrite(err, "failed to join course")
	}
	pending.commit()
	return nil
}

// Leave drops the session's student from a course. Leaving a course not joined changes nothing.
func (s *CourseService) Leave(ctx context.Context, courseID string) error {
	if !s.session.IsStudent() {
		return appErrors.Clone(appErrors.ErrForbidden, "only students can leave courses")
	}
	current, err := s.lookup(ctx, courseID)
	if err != nil {
		return err
	}

	now := models.NowMillis()
	var pending pendingSet[models.Course]
	updatedAt := now
	if current.IsStudentEnrolled(s.session.UID) {
		updated := current.WithoutStudent(s.session.UID, now)
		updatedAt = updated.UpdatedAt
		pending = applyAll(s.engines(), view.Replace(updated))
	}
	if err := s.remote.RemoveMembership(ctx, courseID, s.session.UID, updatedAt); err != nil {
		s.rollback(pending, "leave_course")
		return appErrors.RemoteWrite(err, "failed to leave course")
	}
	pending.commit()
	return nil
}

// lookup prefers the live collection and falls back to a remote read.
func (s *CourseService) lookup(ctx context.Context, id string) (*models.Course, error) {
	if course, ok := s.CourseByID(id); ok {
		return &course, nil
	}
	course, err := s.remote.GetCourse(ctx, id)
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
			return nil, err
		}
		return nil, appErrors.RemoteWrite(err, "failed to load course")
	}
	return course, nil
}

func (s *CourseService) rollback(pending pendingSet[models.Course], operation string) {
	if undone := pending.rollback(); undone > 0 {
		s.metrics.RecordRollback(operation)
		s.logger.Debug("optimistic update rolled back", zap.String("operation", operation), zap.Int("views", undone))
	}
}

// cascadeDocuments deletes every document of courseID with bounded concurrency and returns the
// number of failures.
func (s *CourseService) cascadeDocuments(ctx context.Context, courseID string) int {
	if s.documents == nil {
		return 0
	}
	ids, err := s.documents.ListDocumentIDs(ctx, courseID)
	if err != nil {
		s.logger.Error("cascade listing failed", zap.String("code", appErrors.ErrCascade.Code), zap.String("course_id", courseID), zap.Error(err))
		s.metrics.RecordCascadeFailure()
		return 1
	}

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.cascade)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.deleteDocument(ctx, id); err != nil {
				failed.Add(1)
				s.metrics.RecordCascadeFailure()
				s.logger.Warn("cascade delete failed",
					zap.String("code", appErrors.ErrCascade.Code),
					zap.String("course_id", courseID),
					zap.String("document_id", id),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (s *CourseService) deleteDocument(ctx context.Context, id string) error {
	doc, err := s.documents.GetDocument(ctx, id)
	if err != nil && !appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
		s.logger.Debug("cascade could not read document", zap.String("document_id", id), zap.Error(err))
	}
	if err := s.documents.DeleteDocument(ctx, id); err != nil {
		if appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
			return nil
		}
		return err
	}
	if doc != nil && doc.IsUploadedFile() && s.files != nil {
		if err := s.files.Delete(ctx, doc.StorageKey); err != nil {
			s.logger.Warn("stored file not removed", zap.String("document_id", id), zap.String("key", doc.StorageKey), zap.Error(err))
		}
	}
	return nil
}
