package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/view"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Data       interface{}            `json:"data,omitempty"`
	Error      *appErrors.Error       `json:"error,omitempty"`
	Pagination *models.Pagination     `json:"pagination,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Window payloads mirror live state, so nothing may be cached downstream.
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}

// JSON sends a success response with optional pagination and meta.
func JSON(c *gin.Context, status int, data interface{}, pagination *models.Pagination, meta ...map[string]interface{}) {
	noStore(c)
	envelope := Envelope{Data: data, Pagination: pagination}
	if len(meta) > 0 && meta[0] != nil {
		envelope.Meta = meta[0]
	}
	c.JSON(status, envelope)
}

// Window sends one page of a live window. The window state goes to meta and a non-fatal feed error
// surfaces there as a warning.
func Window[T any](c *gin.Context, page view.Page[T], lastErr error) {
	meta := map[string]interface{}{
		"view":    page.Name,
		"state":   page.State,
		"pending": page.Pending,
	}
	if page.Query != "" {
		meta["query"] = page.Query
	}
	if lastErr != nil {
		meta["warning"] = appErrors.FromError(lastErr).Message
	}
	items := page.Items
	if items == nil {
		items = []T{}
	}
	JSON(c, http.StatusOK, items, &models.Pagination{
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalCount: page.Total,
		HasMore:    page.HasMore,
	}, meta)
}

// Created responds with 201.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data, nil)
}

// Error maps err onto its status and code.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	noStore(c)
	c.JSON(appErr.Status, Envelope{Error: appErr})
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Attachment serves a generated file for download.
func Attachment(c *gin.Context, filename, contentType string, body []byte) {
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	noStore(c)
	c.Data(http.StatusOK, contentType, body)
}
