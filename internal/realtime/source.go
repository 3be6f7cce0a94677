package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/internal/models"
)

// Source loads the current content of a selected set, keyed by child id.
type Source interface {
	Load(ctx context.Context, sel feed.Selector) (map[string]json.RawMessage, error)
}

type courseLister interface {
	List(ctx context.Context) ([]models.Course, error)
}

type documentLister interface {
	ListByCourse(ctx context.Context, courseID string) ([]models.Document, error)
}

// SQLSource reads snapshots from the course and document repositories.
type SQLSource struct {
	courses   courseLister
	documents documentLister
}

// NewSQLSource constructs a repository backed source.
func NewSQLSource(courses courseLister, documents documentLister) *SQLSource {
	return &SQLSource{courses: courses, documents: documents}
}

// Load implements Source.
func (s *SQLSource) Load(ctx context.Context, sel feed.Selector) (map[string]json.RawMessage, error) {
	switch sel.Collection {
	case feed.CollectionCourses:
		courses, err := s.courses.List(ctx)
		if err != nil {
			return nil, err
		}
		return models.EncodeChildren(courses, func(c models.Course) string { return c.ID })
	case feed.CollectionDocuments:
		docs, err := s.documents.ListByCourse(ctx, sel.CourseID)
		if err != nil {
			return nil, err
		}
		return models.EncodeChildren(docs, func(d models.Document) string { return d.ID })
	default:
		return nil, fmt.Errorf("unknown collection %q", sel.Collection)
	}
}
