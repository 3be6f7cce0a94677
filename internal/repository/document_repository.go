package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/classroom-sync/internal/models"
)

const documentColumns = `id, title, type, url, course_id, uploaded_by, uploader_name, uploader_email, description, size, storage_key, created_at, updated_at`

// DocumentRepository persists course documents.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// ListByCourse returns every document attached to courseID, newest first.
func (r *DocumentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE course_id = $1 ORDER BY created_at DESC, id ASC`, documentColumns)
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, courseID); err != nil {
		return nil, fmt.Errorf("list documents by course: %w", err)
	}
	return docs, nil
}

// ListIDsByCourse returns the ids of the documents attached to courseID.
func (r *DocumentRepository) ListIDsByCourse(ctx context.Context, courseID string) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM documents WHERE course_id = $1 ORDER BY id`, courseID); err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	return ids, nil
}

// FindByID returns a document by identifier.
func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*models.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE id = $1 LIMIT 1`, documentColumns)
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find document by id: %w", err)
	}
	return &doc, nil
}

// Create inserts a document.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	const query = `INSERT INTO documents (id, title, type, url, course_id, uploaded_by, uploader_name, uploader_email, description, size, storage_key, created_at, updated_at)
VALUES (:id, :title, :type, :url, :course_id, :uploaded_by, :uploader_name, :uploader_email, :description, :size, :storage_key, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// Update overwrites the mutable document fields. It returns sql.ErrNoRows when the document is gone.
func (r *DocumentRepository) Update(ctx context.Context, doc *models.Document) error {
	const query = `UPDATE documents SET title = :title, type = :type, url = :url, description = :description, size = :size, storage_key = :storage_key, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, doc)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return expectAffected(res, "update document")
}

// Delete removes a document. It returns sql.ErrNoRows when the document is already gone.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectAffected(res, "delete document")
}
