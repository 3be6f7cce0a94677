package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/view"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/storage"
)

const (
	documentTypePredicate = "type"
	defaultMaxUploadSize  = 10 * 1024 * 1024
)

// DocumentServiceConfig tunes a document window.
type DocumentServiceConfig struct {
	PageSize          int
	MaxFileSize       int64
	AllowedExtensions []string
}

// DocumentServiceDeps are the collaborators of a document window.
type DocumentServiceDeps struct {
	Feed      feed.Feed
	Remote    DocumentRemote
	Files     FileUploader
	Cache     *SnapshotCache
	Metrics   *MetricsService
	Validator *validator.Validate
	Logger    *zap.Logger
}

// DocumentService keeps the live document window of one course for one user and runs document
// mutations with optimistic updates against it.
type DocumentService struct {
	session   Session
	courseID  string
	feed      feed.Feed
	remote    DocumentRemote
	files     FileUploader
	cache     *SnapshotCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger

	maxFileSize int64
	extensions  map[string]struct{}

	engine *view.Engine[models.Document]

	mu      sync.Mutex
	sub     *feed.Subscription
	closed  bool
	docType models.DocumentType

	ready     chan struct{}
	readyOnce sync.Once
}

// NewDocumentService builds the document window of courseID for session. Call Start to attach it.
func NewDocumentService(session Session, courseID string, deps DocumentServiceDeps, cfg DocumentServiceConfig) *DocumentService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := deps.Validator
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxUploadSize
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{"pdf"}
	}
	extensions := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		extensions[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")] = struct{}{}
	}

	logger = logger.With(zap.String("uid", session.UID), zap.String("course_id", courseID))
	return &DocumentService{
		session:     session,
		courseID:    courseID,
		feed:        deps.Feed,
		remote:      deps.Remote,
		files:       deps.Files,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		validator:   validate,
		logger:      logger,
		maxFileSize: cfg.MaxFileSize,
		extensions:  extensions,
		ready:       make(chan struct{}),
		engine: view.New(view.Config[models.Document]{
			Name:      "documents." + courseID,
			PageSize:  cfg.PageSize,
			ID:        func(d models.Document) string { return d.ID },
			CreatedAt: func(d models.Document) int64 { return d.CreatedAt },
			Fields:    func(d models.Document) []string { return []string{d.Title, d.Description, d.UploaderName} },
			Logger:    logger,
		}),
	}
}

func (s *DocumentService) selector() feed.Selector {
	return feed.CourseDocuments(s.courseID)
}

// Start seeds the window from the snapshot cache and subscribes to the course's documents.
func (s *DocumentService) Start(ctx context.Context) error {
	var cached []models.Document
	if hit, err := s.cache.Get(ctx, s.selector().Key(), &cached); err == nil && hit {
		s.engine.Seed(cached)
	}

	sub, err := s.feed.Subscribe(ctx, s.selector(), s.onSnapshot, s.onError)
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
func (s *DocumentService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()
	s.markReady()

	s.engine.Close()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (s *DocumentService) onSnapshot(snap feed.Snapshot) {
	docs, err := models.DecodeDocuments(snap.Children)
	if err != nil {
		s.onError(appErrors.Feed(err, "decode document snapshot", false))
		return
	}
	if s.isClosed() {
		return
	}
	s.engine.ApplySnapshot(docs)
	s.engine.ClearError()
	s.metrics.RecordSnapshot("documents")
	s.cache.Set(context.Background(), snap.Selector.Key(), docs)
	s.markReady()
}

func (s *DocumentService) onError(err error) {
	if s.isClosed() {
		return
	}
	s.logger.Warn("document feed error", zap.Error(err))
	s.metrics.RecordFeedError(string(feed.CollectionDocuments))
	s.engine.SetError(err)
	s.markReady()
}

// Ready is closed once the first live snapshot or feed error has reached the windows, or on Close.
func (s *DocumentService) Ready() <-chan struct{} {
	return s.ready
}

func (s *DocumentService) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *DocumentService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CourseID returns the course whose documents are shown.
func (s *DocumentService) CourseID() string {
	return s.courseID
}

// View returns the engine behind the window.
func (s *DocumentService) View() *view.Engine[models.Document] {
	return s.engine
}

// Browse positions the window on a type filter, query and page and returns it.
func (s *DocumentService) Browse(ctx context.Context, docType models.DocumentType, query string, page int) (view.Page[models.Document], error) {
	if err := s.SetType(docType); err != nil {
		return view.Page[models.Document]{}, err
	}
	return browse(ctx, s.engine, query, page)
}

// SetType restricts the window to one document type. The empty type shows every document.
func (s *DocumentService) SetType(docType models.DocumentType) error {
	if docType != "" && !docType.Valid() {
		return appErrors.Validation("unknown document type", appErrors.FieldError{Field: "type", Message: "must be one of pdf video link"})
	}
	s.mu.Lock()
	changed := s.docType != docType
	s.docType = docType
	s.mu.Unlock()
	if !changed {
		return nil
	}
	if docType == "" {
		s.engine.SetPredicate(documentTypePredicate, nil)
		return nil
	}
	s.engine.SetPredicate(documentTypePredicate, func(d models.Document) bool { return d.Type == docType })
	return nil
}

// SetQuery searches the window.
func (s *DocumentService) SetQuery(query string) {
	s.engine.SetQuery(query)
}

// ClearSearch drops the search.
func (s *DocumentService) ClearSearch() {
	s.engine.ClearSearch()
}

// LoadMore extends the window by one page.
func (s *DocumentService) LoadMore(ctx context.Context) (bool, error) {
	return s.engine.LoadMore(ctx)
}

// Refresh invalidates the cached snapshot and resets the window to its first page.
func (s *DocumentService) Refresh(ctx context.Context) error {
	err := s.cache.Invalidate(ctx, s.selector().Key())
	s.engine.Refresh()
	return err
}

// LastError returns the last non-fatal feed error.
func (s *DocumentService) LastError() error {
	return s.engine.LastError()
}

// ClearError forgets the last feed error.
func (s *DocumentService) ClearError() {
	s.engine.ClearError()
}

// DocumentByID looks a document up in the live collection.
func (s *DocumentService) DocumentByID(id string) (models.Document, bool) {
	return s.engine.Find(id)
}

// Documents returns every document of the course, newest first.
func (s *DocumentService) Documents() []models.Document {
	return s.engine.All()
}

// Stats counts the course's documents by type.
func (s *DocumentService) Stats() models.DocumentStats {
	return models.ComputeDocumentStats(s.engine.All())
}

// Recent returns the n newest documents regardless of the current filter.
func (s *DocumentService) Recent(n int) []models.Document {
	all := s.engine.All()
	if n < 0 {
		n = 0
	}
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// CanManage reports whether the session may edit or delete doc: its uploader or any teacher.
func (s *DocumentService) CanManage(doc models.Document) bool {
	return s.session.IsTeacher() || (s.session.UID != "" && doc.UploadedBy == s.session.UID)
}

// DocumentDetails reads a document from the remote, bypassing the window.
func (s *DocumentService) DocumentDetails(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.remote.GetDocument(ctx, id)
	if err != nil {
		return nil, appErrors.RemoteWrite(err, "failed to load document")
	}
	if doc.CourseID != s.courseID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	return doc, nil
}

// DownloadURL returns a fresh signed link for stored files and the external URL otherwise.
func (s *DocumentService) DownloadURL(doc models.Document) (string, error) {
	if !doc.IsUploadedFile() || s.files == nil {
		return doc.URL, nil
	}
	link, err := s.files.DownloadURL(doc.ID, doc.StorageKey)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	return link, nil
}

// Create attaches a document to the course. A request carrying a local file uploads it first and
// reports progress through onProgress.
func (s *DocumentService) Create(ctx context.Context, req models.CreateDocumentRequest, onProgress storage.ProgressFunc) (*models.Document, error) {
	if !s.session.IsTeacher() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers can add documents")
	}
	req.Normalize()
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid document payload")
	}
	if req.File != nil {
		if err := s.validateFile(*req.File); err != nil {
			return nil, err
		}
	}

	now := models.NowMillis()
	doc := models.Document{
		ID:            s.remote.NewKey(),
		Title:         req.Title,
		Type:          req.Type,
		URL:           req.URL,
		CourseID:      s.courseID,
		UploadedBy:    s.session.UID,
		UploaderName:  s.session.Name,
		UploaderEmail: s.session.Email,
		Description:   req.Description,
		Size:          req.Size,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.File != nil {
		if s.files == nil {
			return nil, appErrors.Clone(appErrors.ErrInternal, "file uploads are not configured")
		}
		result, err := s.files.Upload(ctx, doc.ID, "documents/"+s.courseID, *req.File, onProgress)
		if err != nil {
			return nil, appErrors.RemoteWrite(err, "failed to upload file")
		}
		doc.Type = models.DocumentPDF
		doc.URL = result.URL
		doc.StorageKey = result.Key
		doc.Size = result.Size
	}

	pending := applyAll([]*view.Engine[models.Document]{s.engine}, view.InsertHead(doc))
	if err := s.remote.CreateDocument(ctx, doc); err != nil {
		s.rollback(pending, "create_document")
		if doc.IsUploadedFile() {
			s.removeFile(ctx, doc)
		}
		return nil, appErrors.RemoteWrite(err, "failed to create document")
	}
	pending.commit()
	s.logger.Info("document created", zap.String("document_id", doc.ID), zap.String("type", string(doc.Type)))
	return &doc, nil
}

// Update edits a document. Replacing the URL of a stored file removes the file once the update lands.
func (s *DocumentService) Update(ctx context.Context, id string, req models.UpdateDocumentRequest) (*models.Document, error) {
	current, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.CanManage(*current) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to edit this document")
	}
	req.Normalize()
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid document payload")
	}

	updated := req.Apply(*current, models.NowMillis())
	pending := applyAll([]*view.Engine[models.Document]{s.engine}, view.Replace(updated))
	if err := s.remote.UpdateDocument(ctx, updated); err != nil {
		s.rollback(pending, "update_document")
		return nil, appErrors.RemoteWrite(err, "failed to update document")
	}
	pending.commit()
	if current.IsUploadedFile() && !updated.IsUploadedFile() {
		s.removeFile(ctx, *current)
	}
	return &updated, nil
}

// Delete removes a document and, best effort, its stored file.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	current, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !s.CanManage(*current) {
		return appErrors.Clone(appErrors.ErrForbidden, "not allowed to delete this document")
	}

	pending := applyAll([]*view.Engine[models.Document]{s.engine}, view.Remove[models.Document](id))
	if err := s.remote.DeleteDocument(ctx, id); err != nil {
		s.rollback(pending, "delete_document")
		return appErrors.RemoteWrite(err, "failed to delete document")
	}
	pending.commit()
	if current.IsUploadedFile() {
		s.removeFile(ctx, *current)
	}
	return nil
}

func (s *DocumentService) validateFile(file models.FileUpload) error {
	ext := file.Extension()
	if _, ok := s.extensions[ext]; !ok {
		allowed := make([]string, 0, len(s.extensions))
		for e := range s.extensions {
			allowed = append(allowed, e)
		}
		return appErrors.Validation("unsupported file type",
			appErrors.FieldError{Field: "file", Message: fmt.Sprintf("extension %q is not allowed (%s)", ext, strings.Join(allowed, ", "))})
	}
	if file.Size > s.maxFileSize {
		return appErrors.Validation("file too large",
			appErrors.FieldError{Field: "file", Message: fmt.Sprintf("must be at most %s", models.FormatBytes(s.maxFileSize))})
	}
	if file.Reader == nil {
		return appErrors.Validation("file is empty", appErrors.FieldError{Field: "file", Message: "is required"})
	}
	return nil
}

func (s *DocumentService) lookup(ctx context.Context, id string) (*models.Document, error) {
	if doc, ok := s.DocumentByID(id); ok {
		return &doc, nil
	}
	doc, err := s.remote.GetDocument(ctx, id)
	if err != nil {
		if appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
			return nil, err
		}
		return nil, appErrors.RemoteWrite(err, "failed to load document")
	}
	if doc.CourseID != s.courseID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	return doc, nil
}

func (s *DocumentService) removeFile(ctx context.Context, doc models.Document) {
	if s.files == nil {
		return
	}
	if err := s.files.Delete(ctx, doc.StorageKey); err != nil {
		s.logger.Warn("stored file not removed", zap.String("document_id", doc.ID), zap.String("key", doc.StorageKey), zap.Error(err))
	}
}

func (s *DocumentService) rollback(pending pendingSet[models.Document], operation string) {
	if undone := pending.rollback(); undone > 0 {
		s.metrics.RecordRollback(operation)
	}
}
