package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

const recentDocuments = 5

type catalogExporter interface {
	DocumentCatalog(course models.Course, docs []models.Document, format service.ExportFormat) (*service.ExportFile, error)
}

// DocumentHandler serves the document window of a course.
type DocumentHandler struct {
	workspaces workspaceOpener
	exports    catalogExporter
	logger     *zap.Logger
}

// NewDocumentHandler constructs a document handler.
func NewDocumentHandler(workspaces workspaceOpener, exports catalogExporter, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentHandler{workspaces: workspaces, exports: exports, logger: logger}
}

func (h *DocumentHandler) documents(c *gin.Context) (*service.Workspace, *service.DocumentService, error) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		return nil, nil, err
	}
	docs, err := ws.Documents(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, nil, err
	}
	return ws, docs, nil
}

// List godoc
// @Summary Browse the documents of a course
// @Tags Documents
// @Produce json
// @Param id path string true "Course ID"
// @Param type query string false "pdf, video or link"
// @Param q query string false "Search text"
// @Param page query int false "Cumulative page"
// @Success 200 {object} response.Envelope
// @Router /courses/{id}/documents [get]
func (h *DocumentHandler) List(c *gin.Context) {
	page, err := pageParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	result, err := docs.Browse(c.Request.Context(), models.DocumentType(c.Query("type")), c.Query("q"), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Window(c, result, docs.LastError())
}

// Stats godoc
// @Summary Count the documents of a course by type
// @Tags Documents
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{id}/documents/stats [get]
func (h *DocumentHandler) Stats(c *gin.Context) {
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"stats":  docs.Stats(),
		"recent": docs.Recent(recentDocuments),
	}, nil)
}

// Get godoc
// @Summary Get a document with a fresh download link
// @Tags Documents
// @Produce json
// @Param id path string true "Course ID"
// @Param docId path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{id}/documents/{docId} [get]
func (h *DocumentHandler) Get(c *gin.Context) {
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	doc, ok := docs.DocumentByID(c.Param("docId"))
	if !ok {
		details, err := docs.DocumentDetails(c.Request.Context(), c.Param("docId"))
		if err != nil {
			response.Error(c, err)
			return
		}
		doc = *details
	}
	link, err := docs.DownloadURL(doc)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil, map[string]interface{}{
		"downloadUrl": link,
		"canManage":   docs.CanManage(doc),
	})
}

// Create godoc
// @Summary Attach a link or video to a course
// @Tags Documents
// @Accept json
// @Produce json
// @Param id path string true "Course ID"
// @Param payload body models.CreateDocumentRequest true "Document"
// @Success 201 {object} response.Envelope
// @Router /courses/{id}/documents [post]
func (h *DocumentHandler) Create(c *gin.Context) {
	var req models.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid document payload"))
		return
	}
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	doc, err := docs.Create(c.Request.Context(), req, nil)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, doc)
}

// Upload godoc
// @Summary Upload a PDF to a course
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Course ID"
// @Param file formData file true "PDF file"
// @Param title formData string true "Title"
// @Param description formData string false "Description"
// @Success 201 {object} response.Envelope
// @Router /courses/{id}/documents/upload [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Validation("file is required", appErrors.FieldError{Field: "file", Message: "is required"}))
		return
	}
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	file, err := header.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable upload"))
		return
	}
	defer file.Close() //nolint:errcheck

	req := models.CreateDocumentRequest{
		Title:       c.PostForm("title"),
		Type:        models.DocumentPDF,
		Description: c.PostForm("description"),
		File: &models.FileUpload{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Reader:      file,
		},
	}
	logger := h.logger.With(zap.String("course_id", docs.CourseID()), zap.String("file", header.Filename))
	doc, err := docs.Create(c.Request.Context(), req, func(percent int) {
		logger.Debug("upload progress", zap.Int("percent", percent))
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, doc)
}

// Update godoc
// @Summary Update a document
// @Tags Documents
// @Accept json
// @Produce json
// @Param id path string true "Course ID"
// @Param docId path string true "Document ID"
// @Param payload body models.UpdateDocumentRequest true "Changed fields"
// @Success 200 {object} response.Envelope
// @Router /courses/{id}/documents/{docId} [put]
func (h *DocumentHandler) Update(c *gin.Context) {
	var req models.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid document payload"))
		return
	}
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	doc, err := docs.Update(c.Request.Context(), c.Param("docId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// Delete godoc
// @Summary Delete a document
// @Tags Documents
// @Param id path string true "Course ID"
// @Param docId path string true "Document ID"
// @Success 204
// @Router /courses/{id}/documents/{docId} [delete]
func (h *DocumentHandler) Delete(c *gin.Context) {
	_, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := docs.Delete(c.Request.Context(), c.Param("docId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Export godoc
// @Summary Download the document catalog of a course
// @Tags Documents
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Course ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /courses/{id}/documents/export [get]
func (h *DocumentHandler) Export(c *gin.Context) {
	format, err := service.ParseExportFormat(c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	ws, docs, err := h.documents(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	course, err := courseOf(c.Request.Context(), ws, docs.CourseID())
	if err != nil {
		response.Error(c, err)
		return
	}

	file, err := h.exports.DocumentCatalog(course, docs.Documents(), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("X-Document-Count", strconv.Itoa(len(docs.Documents())))
	response.Attachment(c, file.Filename, file.ContentType, file.Body)
}

func courseOf(ctx context.Context, ws *service.Workspace, id string) (models.Course, error) {
	courses := ws.Courses()
	if course, ok := courses.CourseByID(id); ok {
		return course, nil
	}
	details, err := courses.CourseDetails(ctx, id)
	if err != nil {
		return models.Course{}, err
	}
	return *details, nil
}
