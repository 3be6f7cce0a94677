package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/view"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/export"
)

// ExportFormat selects the rendered catalog encoding.
type ExportFormat string

const (
	ExportCSV ExportFormat = "csv"
	ExportPDF ExportFormat = "pdf"
)

// ParseExportFormat maps a query value onto a format. Empty selects CSV.
func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExportCSV:
		return ExportCSV, nil
	case ExportPDF:
		return ExportPDF, nil
	}
	return "", appErrors.Validation("unsupported export format", appErrors.FieldError{Field: "format", Message: "must be one of csv pdf"})
}

// ExportFile is a rendered catalog ready to be served as an attachment.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title, subtitle string) ([]byte, error)
}

// ExportService renders the document catalog of a course.
type ExportService struct {
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService constructs an ExportService. Nil renderers fall back to the package defaults.
func NewExportService(logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter(view.StripMarks)
	}
	return &ExportService{csv: csv, pdf: pdf, logger: logger, now: time.Now}
}

var documentColumns = []export.Column{
	{Key: "title", Label: "Title", Width: 3},
	{Key: "type", Label: "Type"},
	{Key: "uploader", Label: "Uploaded by", Width: 2},
	{Key: "size", Label: "Size"},
	{Key: "created", Label: "Created", Width: 1.5},
	{Key: "url", Label: "Link", Width: 4},
}

// DocumentCatalog renders docs of course in the requested format.
func (s *ExportService) DocumentCatalog(course models.Course, docs []models.Document, format ExportFormat) (*ExportFile, error) {
	dataset := export.Dataset{Columns: documentColumns, Rows: make([]map[string]string, 0, len(docs))}
	for _, d := range docs {
		size := ""
		if d.Size > 0 {
			size = d.FormatSize()
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"title":    d.Title,
			"type":     string(d.Type),
			"uploader": d.UploaderName,
			"size":     size,
			"created":  time.UnixMilli(d.CreatedAt).UTC().Format("2006-01-02 15:04"),
			"url":      d.URL,
		})
	}

	var (
		body        []byte
		err         error
		contentType string
	)
	switch format {
	case ExportCSV:
		body, err = s.csv.Render(dataset)
		contentType = "text/csv; charset=utf-8"
	case ExportPDF:
		subtitle := fmt.Sprintf("%s - %d documents - generated %s", course.TeacherName, len(docs), s.now().UTC().Format("2006-01-02"))
		body, err = s.pdf.Render(dataset, course.Title, subtitle)
		contentType = "application/pdf"
	default:
		return nil, appErrors.Validation("unsupported export format", appErrors.FieldError{Field: "format", Message: "must be one of csv pdf"})
	}
	if err != nil {
		s.logger.Error("document export failed", zap.String("course_id", course.ID), zap.String("format", string(format)), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	return &ExportFile{
		Filename:    s.filename(course, format),
		ContentType: contentType,
		Body:        body,
	}, nil
}

func (s *ExportService) filename(course models.Course, format ExportFormat) string {
	timestamp := s.now().UTC().Format("20060102_150405")
	return fmt.Sprintf("documents_%s_%s.%s", sanitizeFilename(course.Title, course.ID), timestamp, format)
}

func sanitizeFilename(raw, fallback string) string {
	folded := view.Fold(raw)
	var b strings.Builder
	lastDash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	result := strings.TrimRight(b.String(), "-")
	if result == "" {
		result = fallback
	}
	if result == "" {
		result = "course"
	}
	if len(result) > 60 {
		result = result[:60]
	}
	return result
}
