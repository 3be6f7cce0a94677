package service

import (
	"context"
	"fmt"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/storage"
)

// CourseRemote is the remote write path for courses and memberships.
type CourseRemote interface {
	NewKey() string
	CreateCourse(ctx context.Context, course models.Course) error
	UpdateCourse(ctx context.Context, course models.Course) error
	DeleteCourse(ctx context.Context, id string) error
	SetMembership(ctx context.Context, courseID, uid string, m models.Membership, updatedAt int64) error
	RemoveMembership(ctx context.Context, courseID, uid string, updatedAt int64) error
	GetCourse(ctx context.Context, id string) (*models.Course, error)
}

// DocumentRemote is the remote write path for documents.
type DocumentRemote interface {
	NewKey() string
	CreateDocument(ctx context.Context, doc models.Document) error
	UpdateDocument(ctx context.Context, doc models.Document) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocumentIDs(ctx context.Context, courseID string) ([]string, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
}

// UploadResult describes a stored file.
type UploadResult struct {
	Key  string
	URL  string
	Size int64
}

// FileUploader stores document files and builds links to them.
type FileUploader interface {
	Upload(ctx context.Context, documentID, folder string, file models.FileUpload, onProgress storage.ProgressFunc) (UploadResult, error)
	Delete(ctx context.Context, key string) error
	DownloadURL(documentID, key string) (string, error)
}

// LocalUploader stores files on disk and hands out signed download links.
type LocalUploader struct {
	store  *storage.LocalStorage
	signer *storage.SignedURLSigner
}

// NewLocalUploader constructs a disk backed FileUploader.
func NewLocalUploader(store *storage.LocalStorage, signer *storage.SignedURLSigner) *LocalUploader {
	return &LocalUploader{store: store, signer: signer}
}

// Upload implements FileUploader.
func (u *LocalUploader) Upload(ctx context.Context, documentID, folder string, file models.FileUpload, onProgress storage.ProgressFunc) (UploadResult, error) {
	key := u.store.Key(folder, file.Name)
	written, err := u.store.SaveStream(ctx, key, file.Reader, file.Size, onProgress)
	if err != nil {
		return UploadResult{}, err
	}
	link, err := u.DownloadURL(documentID, key)
	if err != nil {
		_ = u.store.Delete(key)
		return UploadResult{}, err
	}
	return UploadResult{Key: key, URL: link, Size: written}, nil
}

// Delete implements FileUploader.
func (u *LocalUploader) Delete(_ context.Context, key string) error {
	return u.store.Delete(key)
}

// DownloadURL implements FileUploader.
func (u *LocalUploader) DownloadURL(documentID, key string) (string, error) {
	link, _, err := u.signer.URL(documentID, key)
	if err != nil {
		return "", fmt.Errorf("sign download url: %w", err)
	}
	return link, nil
}
