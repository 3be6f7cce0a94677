package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/feed"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// WorkspaceConfig tunes the windows opened for every session.
type WorkspaceConfig struct {
	PageSize           int
	CascadeConcurrency int
	MaxFileSize        int64
	AllowedExtensions  []string
	IdleTimeout        time.Duration

	// ReadyTimeout bounds how long opening a window waits for its first live snapshot. Zero does not wait.
	ReadyTimeout time.Duration
}

// WorkspaceDeps are shared by every workspace.
type WorkspaceDeps struct {
	Feed      feed.Feed
	Courses   CourseRemote
	Documents DocumentRemote
	Files     FileUploader
	Cache     *SnapshotCache
	Metrics   *MetricsService
	Validator *validator.Validate
	Logger    *zap.Logger
}

// Workspace groups the live windows of one user: the course windows and one document window per
// opened course.
type Workspace struct {
	session Session
	deps    WorkspaceDeps
	cfg     WorkspaceConfig
	courses *CourseService

	now func() time.Time

	mu        sync.Mutex
	documents map[string]*DocumentService
	lastUsed  time.Time
	closed    bool
}

// Session returns the user the workspace belongs to.
func (w *Workspace) Session() Session {
	return w.session
}

// Courses returns the course windows.
func (w *Workspace) Courses() *CourseService {
	w.touch()
	return w.courses
}

// Documents returns the document window of courseID, subscribing on first use.
func (w *Workspace) Documents(ctx context.Context, courseID string) (*DocumentService, error) {
	if err := feed.CourseDocuments(courseID).Validate(); err != nil {
		return nil, appErrors.Validation("invalid course id", appErrors.FieldError{Field: "courseId", Message: "is required"})
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, appErrors.ErrClosed
	}
	w.lastUsed = w.now()
	if svc, ok := w.documents[courseID]; ok {
		w.mu.Unlock()
		return svc, nil
	}
	svc := NewDocumentService(w.session, courseID, DocumentServiceDeps{
		Feed:      w.deps.Feed,
		Remote:    w.deps.Documents,
		Files:     w.deps.Files,
		Cache:     w.deps.Cache,
		Metrics:   w.deps.Metrics,
		Validator: w.deps.Validator,
		Logger:    w.deps.Logger,
	}, DocumentServiceConfig{
		PageSize:          w.cfg.PageSize,
		MaxFileSize:       w.cfg.MaxFileSize,
		AllowedExtensions: w.cfg.AllowedExtensions,
	})
	w.documents[courseID] = svc
	w.mu.Unlock()

	if err := svc.Start(ctx); err != nil {
		w.mu.Lock()
		if w.documents[courseID] == svc {
			delete(w.documents, courseID)
		}
		w.mu.Unlock()
		svc.Close()
		return nil, err
	}
	awaitReady(ctx, svc.Ready(), w.cfg.ReadyTimeout)
	return svc, nil
}

// CloseDocuments releases the document window of courseID.
func (w *Workspace) CloseDocuments(courseID string) {
	w.mu.Lock()
	svc, ok := w.documents[courseID]
	delete(w.documents, courseID)
	w.mu.Unlock()
	if ok {
		svc.Close()
	}
}

// Close releases every window of the workspace.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	docs := w.documents
	w.documents = map[string]*DocumentService{}
	w.mu.Unlock()

	for _, svc := range docs {
		svc.Close()
	}
	w.courses.Close()
}

func (w *Workspace) touch() {
	w.mu.Lock()
	w.lastUsed = w.now()
	w.mu.Unlock()
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// awaitReady blocks until ready is closed, ctx is done or timeout elapses. A window that is still
// cold afterwards serves its cached seed.
func awaitReady(ctx context.Context, ready <-chan struct{}, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// WorkspaceRegistry keeps one workspace per signed in user.
type WorkspaceRegistry struct {
	deps   WorkspaceDeps
	cfg    WorkspaceConfig
	logger *zap.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
	now        func() time.Time
}

// NewWorkspaceRegistry constructs an empty registry.
func NewWorkspaceRegistry(deps WorkspaceDeps, cfg WorkspaceConfig) *WorkspaceRegistry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &WorkspaceRegistry{
		deps:       deps,
		cfg:        cfg,
		logger:     deps.Logger,
		workspaces: make(map[string]*Workspace),
		now:        time.Now,
	}
}

// Open returns the workspace of session, building and subscribing it on first use. A role change
// rebuilds the workspace since the course scopes depend on it.
func (r *WorkspaceRegistry) Open(ctx context.Context, session Session) (*Workspace, error) {
	if !session.Valid() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "session required")
	}

	r.mu.Lock()
	if ws, ok := r.workspaces[session.UID]; ok {
		if ws.session == session {
			r.mu.Unlock()
			ws.touch()
			return ws, nil
		}
		delete(r.workspaces, session.UID)
		defer ws.Close()
	}

	ws := &Workspace{
		session:   session,
		deps:      r.deps,
		cfg:       r.cfg,
		now:       r.now,
		documents: make(map[string]*DocumentService),
		lastUsed:  r.now(),
		courses: NewCourseService(session, CourseServiceDeps{
			Feed:      r.deps.Feed,
			Remote:    r.deps.Courses,
			Documents: r.deps.Documents,
			Files:     r.deps.Files,
			Cache:     r.deps.Cache,
			Metrics:   r.deps.Metrics,
			Validator: r.deps.Validator,
			Logger:    r.deps.Logger,
		}, CourseServiceConfig{
			PageSize:           r.cfg.PageSize,
			CascadeConcurrency: r.cfg.CascadeConcurrency,
		}),
	}
	r.workspaces[session.UID] = ws
	r.mu.Unlock()

	if err := ws.courses.Start(ctx); err != nil {
		r.mu.Lock()
		if r.workspaces[session.UID] == ws {
			delete(r.workspaces, session.UID)
		}
		r.mu.Unlock()
		ws.Close()
		return nil, err
	}
	awaitReady(ctx, ws.courses.Ready(), r.cfg.ReadyTimeout)
	r.logger.Debug("workspace opened", zap.String("uid", session.UID), zap.String("role", string(session.Role)))
	return ws, nil
}

// Get returns the open workspace of uid.
func (r *WorkspaceRegistry) Get(uid string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[uid]
	return ws, ok
}

// Len reports the number of open workspaces.
func (r *WorkspaceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// Close releases the workspace of uid.
func (r *WorkspaceRegistry) Close(uid string) {
	r.mu.Lock()
	ws, ok := r.workspaces[uid]
	delete(r.workspaces, uid)
	r.mu.Unlock()
	if ok {
		ws.Close()
	}
}

// CloseAll releases every workspace.
func (r *WorkspaceRegistry) CloseAll() {
	r.mu.Lock()
	all := r.workspaces
	r.workspaces = make(map[string]*Workspace)
	r.mu.Unlock()
	for _, ws := range all {
		ws.Close()
	}
}

// Sweep closes workspaces unused for longer than the idle timeout and returns how many were closed.
func (r *WorkspaceRegistry) Sweep() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	var idle []*Workspace

	r.mu.Lock()
	for uid, ws := range r.workspaces {
		if ws.idleSince().Before(cutoff) {
			idle = append(idle, ws)
			delete(r.workspaces, uid)
		}
	}
	r.mu.Unlock()

	for _, ws := range idle {
		ws.Close()
	}
	if len(idle) > 0 {
		r.logger.Info("idle workspaces closed", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle workspaces every interval until ctx is done, then closes every workspace.
func (r *WorkspaceRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
