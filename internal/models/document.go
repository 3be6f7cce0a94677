package models

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DocumentType enumerates the supported document kinds.
type DocumentType string

const (
	DocumentPDF   DocumentType = "pdf"
	DocumentVideo DocumentType = "video"
	DocumentLink  DocumentType = "link"
)

// Valid reports whether the type is supported.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentPDF, DocumentVideo, DocumentLink:
		return true
	}
	return false
}

var youTubePattern = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com|youtu\.be)/.+`)

// Document is a course attachment: an uploaded PDF, a video or an external link.
type Document struct {
	ID            string       `db:"id" json:"id"`
	Title         string       `db:"title" json:"title"`
	Type          DocumentType `db:"type" json:"type"`
	URL           string       `db:"url" json:"url"`
	CourseID      string       `db:"course_id" json:"courseId"`
	UploadedBy    string       `db:"uploaded_by" json:"uploadedBy"`
	UploaderName  string       `db:"uploader_name" json:"uploaderName"`
	UploaderEmail string       `db:"uploader_email" json:"uploaderEmail,omitempty"`
	Description   string       `db:"description" json:"description"`
	Size          int64        `db:"size" json:"size"`
	StorageKey    string       `db:"storage_key" json:"storageKey,omitempty"`
	CreatedAt     int64        `db:"created_at" json:"createdAt"`
	UpdatedAt     int64        `db:"updated_at" json:"updatedAt"`
}

func (d Document) IsPDF() bool   { return d.Type == DocumentPDF }
func (d Document) IsVideo() bool { return d.Type == DocumentVideo }
func (d Document) IsLink() bool  { return d.Type == DocumentLink }

// IsUploadedFile reports whether the document points at a stored file rather than an external URL.
func (d Document) IsUploadedFile() bool {
	return d.StorageKey != ""
}

// IsYouTube reports whether the URL is a YouTube watch or short link.
func (d Document) IsYouTube() bool {
	return youTubePattern.MatchString(d.URL)
}

// FileExtension returns the lower-cased extension of the stored file or URL path, without the dot.
func (d Document) FileExtension() string {
	name := d.StorageKey
	if name == "" {
		name = d.URL
		if parsed, err := url.Parse(d.URL); err == nil && parsed.Path != "" {
			name = parsed.Path
		}
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
}

// FormatSize renders the size using binary units.
func (d Document) FormatSize() string {
	return FormatBytes(d.Size)
}

// FormatBytes renders a byte count as "512 B", "1.5 KB" or "2.0 MB".
func FormatBytes(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}

// DocumentStats counts documents per type.
type DocumentStats struct {
	Total int `json:"total"`
	PDF   int `json:"pdf"`
	Video int `json:"video"`
	Link  int `json:"link"`
}

// ComputeDocumentStats tallies documents by type.
func ComputeDocumentStats(docs []Document) DocumentStats {
	stats := DocumentStats{Total: len(docs)}
	for _, d := range docs {
		switch d.Type {
		case DocumentPDF:
			stats.PDF++
		case DocumentVideo:
			stats.Video++
		case DocumentLink:
			stats.Link++
		}
	}
	return stats
}

// CreateDocumentRequest is the payload for attaching a document by URL.
type CreateDocumentRequest struct {
	Title       string       `json:"title" validate:"required,min=2,max=100"`
	Type        DocumentType `json:"type" validate:"required,oneof=pdf video link"`
	URL         string       `json:"url" validate:"required_without=File,omitempty,http_url"`
	Description string       `json:"description" validate:"max=500"`
	Size        int64        `json:"size" validate:"min=0"`
	File        *FileUpload  `json:"-"`
}

// Normalize trims free text fields.
func (r *CreateDocumentRequest) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.URL = strings.TrimSpace(r.URL)
}

// UpdateDocumentRequest carries a partial document update.
type UpdateDocumentRequest struct {
	Title       *string       `json:"title" validate:"omitempty,min=2,max=100"`
	Type        *DocumentType `json:"type" validate:"omitempty,oneof=pdf video link"`
	URL         *string       `json:"url" validate:"omitempty,http_url"`
	Description *string       `json:"description" validate:"omitempty,max=500"`
}

// Normalize trims free text fields.
func (r *UpdateDocumentRequest) Normalize() {
	for _, field := range []*string{r.Title, r.URL, r.Description} {
		if field != nil {
			*field = strings.TrimSpace(*field)
		}
	}
}

// Apply returns a copy of d with the non-nil fields of r applied.
func (r UpdateDocumentRequest) Apply(d Document, now int64) Document {
	updated := d
	if r.Title != nil {
		updated.Title = *r.Title
	}
	if r.Type != nil {
		updated.Type = *r.Type
	}
	if r.URL != nil && *r.URL != d.URL {
		updated.URL = *r.URL
		updated.StorageKey = ""
	}
	if r.Description != nil {
		updated.Description = *r.Description
	}
	updated.UpdatedAt = advance(d.UpdatedAt, now)
	return updated
}

// FileUpload describes a local file to be stored before the document record is written.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// Extension returns the lower-cased file extension without the dot.
func (f FileUpload) Extension() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(f.Name)), ".")
}
