package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

type courseStore interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	Delete(ctx context.Context, id string) error
	UpsertStudent(ctx context.Context, courseID, uid string, m models.Membership, updatedAt int64) error
	RemoveStudent(ctx context.Context, courseID, uid string, updatedAt int64) error
}

type documentStore interface {
	FindByID(ctx context.Context, id string) (*models.Document, error)
	Create(ctx context.Context, doc *models.Document) error
	Update(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, id string) error
	ListIDsByCourse(ctx context.Context, courseID string) ([]string, error)
}

// Notifier is told which selected sets changed after a write.
type Notifier interface {
	Notify(ctx context.Context, sel feed.Selector)
}

// Store is the server side write path. Every successful write notifies the affected collections.
type Store struct {
	courses   courseStore
	documents documentStore
	notifier  Notifier
	logger    *zap.Logger
}

// NewStore constructs a Store.
func NewStore(courses courseStore, documents documentStore, notifier Notifier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{courses: courses, documents: documents, notifier: notifier, logger: logger}
}

// NewKey returns a push key. Keys sort by creation time.
func (s *Store) NewKey() string {
	return ulid.Make().String()
}

// CreateCourse persists a new course.
func (s *Store) CreateCourse(ctx context.Context, course models.Course) error {
	if err := s.courses.Create(ctx, &course); err != nil {
		return notFound(err, "course not found")
	}
	s.notify(ctx, feed.AllCourses())
	return nil
}

// UpdateCourse overwrites the mutable course fields.
func (s *Store) UpdateCourse(ctx context.Context, course models.Course) error {
	if err := s.courses.Update(ctx, &course); err != nil {
		return notFound(err, "course not found")
	}
	s.notify(ctx, feed.AllCourses())
	return nil
}

// DeleteCourse removes a course and its memberships. Documents are removed separately by the caller.
func (s *Store) DeleteCourse(ctx context.Context, id string) error {
	if err := s.courses.Delete(ctx, id); err != nil {
		return notFound(err, "course not found")
	}
	s.notify(ctx, feed.AllCourses())
	return nil
}

// SetMembership enrolls uid. Enrolling twice leaves the first membership in place.
func (s *Store) SetMembership(ctx context.Context, courseID, uid string, m models.Membership, updatedAt int64) error {
	if err := s.courses.UpsertStudent(ctx, courseID, uid, m, updatedAt); err != nil {
		return notFound(err, "course not found")
	}
	s.notify(ctx, feed.AllCourses())
	return nil
}

// RemoveMembership drops uid from the course. Removing an absent member is not an error.
func (s *Store) RemoveMembership(ctx context.Context, courseID, uid string, updatedAt int64) error {
	if err := s.courses.RemoveStudent(ctx, courseID, uid, updatedAt); err != nil {
		return notFound(err, "course not found")
	}
	s.notify(ctx, feed.AllCourses())
	return nil
}

// GetCourse reads a single course.
func (s *Store) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "course not found")
	}
	return course, nil
}

// CreateDocument persists a document.
func (s *Store) CreateDocument(ctx context.Context, doc models.Document) error {
	if err := s.documents.Create(ctx, &doc); err != nil {
		return notFound(err, "document not found")
	}
	s.notify(ctx, feed.CourseDocuments(doc.CourseID))
	return nil
}

// UpdateDocument overwrites the mutable document fields.
func (s *Store) UpdateDocument(ctx context.Context, doc models.Document) error {
	if err := s.documents.Update(ctx, &doc); err != nil {
		return notFound(err, "document not found")
	}
	s.notify(ctx, feed.CourseDocuments(doc.CourseID))
	return nil
}

// DeleteDocument removes a document.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	doc, err := s.documents.FindByID(ctx, id)
	if err != nil {
		return notFound(err, "document not found")
	}
	if err := s.documents.Delete(ctx, id); err != nil {
		return notFound(err, "document not found")
	}
	s.notify(ctx, feed.CourseDocuments(doc.CourseID))
	return nil
}

// ListDocumentIDs returns the ids of the documents attached to a course.
func (s *Store) ListDocumentIDs(ctx context.Context, courseID string) ([]string, error) {
	ids, err := s.documents.ListIDsByCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	return ids, nil
}

// GetDocument reads a single document.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.documents.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "document not found")
	}
	return doc, nil
}

func (s *Store) notify(ctx context.Context, sel feed.Selector) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, sel)
}

func notFound(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, message)
	}
	return err
}
