package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

// remoteStore is the raw write path: every write lands as is and notifies subscribers.
type remoteStore interface {
	service.CourseRemote
	service.DocumentRemote
}

// MembershipWrite is the body of a membership write.
type MembershipWrite struct {
	Membership models.Membership `json:"membership"`
	UpdatedAt  int64             `json:"updatedAt"`
}

// StoreHandler exposes path addressed writes for remote clients that keep their own windows. It
// enforces ownership only; payload rules are applied by the writing client.
type StoreHandler struct {
	store remoteStore
}

// NewStoreHandler constructs a store handler.
func NewStoreHandler(store remoteStore) *StoreHandler {
	return &StoreHandler{store: store}
}

// Key godoc
// @Summary Reserve a push key
// @Tags Store
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /store/keys [post]
func (h *StoreHandler) Key(c *gin.Context) {
	response.JSON(c, http.StatusOK, gin.H{"key": h.store.NewKey()}, nil)
}

// GetCourse godoc
// @Summary Read a course
// @Tags Store
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /store/courses/{id} [get]
func (h *StoreHandler) GetCourse(c *gin.Context) {
	course, err := h.store.GetCourse(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// PutCourse godoc
// @Summary Create or overwrite a course owned by the caller
// @Tags Store
// @Accept json
// @Param id path string true "Course ID"
// @Param payload body models.Course true "Course"
// @Success 204
// @Router /store/courses/{id} [put]
func (h *StoreHandler) PutCourse(c *gin.Context) {
	var course models.Course
	if err := c.ShouldBindJSON(&course); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid course payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	course.ID = c.Param("id")
	if course.TeacherID != claims.UserID {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "courses must be owned by the writer"))
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.GetCourse(ctx, course.ID)
	switch {
	case err == nil:
		if !existing.IsOwnedBy(claims.UserID) {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "not the course owner"))
			return
		}
		err = h.store.UpdateCourse(ctx, course)
	case appErrors.HasCode(err, appErrors.ErrNotFound.Code):
		err = h.store.CreateCourse(ctx, course)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// DeleteCourse godoc
// @Summary Delete a course owned by the caller
// @Tags Store
// @Param id path string true "Course ID"
// @Success 204
// @Router /store/courses/{id} [delete]
func (h *StoreHandler) DeleteCourse(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.ownedCourse(ctx, c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.store.DeleteCourse(ctx, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// PutMembership godoc
// @Summary Enroll the caller
// @Tags Store
// @Accept json
// @Param id path string true "Course ID"
// @Param uid path string true "Student ID"
// @Param payload body MembershipWrite true "Membership"
// @Success 204
// @Router /store/courses/{id}/students/{uid} [put]
func (h *StoreHandler) PutMembership(c *gin.Context) {
	var body MembershipWrite
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid membership payload"))
		return
	}
	if err := h.store.SetMembership(c.Request.Context(), c.Param("id"), c.Param("uid"), body.Membership, body.UpdatedAt); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// DeleteMembership godoc
// @Summary Drop the caller's enrollment
// @Tags Store
// @Param id path string true "Course ID"
// @Param uid path string true "Student ID"
// @Param updatedAt query int false "Course updatedAt in epoch ms"
// @Success 204
// @Router /store/courses/{id}/students/{uid} [delete]
func (h *StoreHandler) DeleteMembership(c *gin.Context) {
	updatedAt, err := strconv.ParseInt(c.DefaultQuery("updatedAt", "0"), 10, 64)
	if err != nil {
		response.Error(c, appErrors.Validation("invalid updatedAt", appErrors.FieldError{Field: "updatedAt", Message: "must be epoch milliseconds"}))
		return
	}
	if updatedAt == 0 {
		updatedAt = models.NowMillis()
	}
	if err := h.store.RemoveMembership(c.Request.Context(), c.Param("id"), c.Param("uid"), updatedAt); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// DocumentIDs godoc
// @Summary List the document ids of a course
// @Tags Store
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /store/courses/{id}/document-ids [get]
func (h *StoreHandler) DocumentIDs(c *gin.Context) {
	ids, err := h.store.ListDocumentIDs(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	response.JSON(c, http.StatusOK, ids, nil)
}

// GetDocument godoc
// @Summary Read a document
// @Tags Store
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /store/documents/{id} [get]
func (h *StoreHandler) GetDocument(c *gin.Context) {
	doc, err := h.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// PutDocument godoc
// @Summary Create or overwrite a document
// @Tags Store
// @Accept json
// @Param id path string true "Document ID"
// @Param payload body models.Document true "Document"
// @Success 204
// @Router /store/documents/{id} [put]
func (h *StoreHandler) PutDocument(c *gin.Context) {
	var doc models.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid document payload"))
		return
	}
	doc.ID = c.Param("id")
	if doc.CourseID == "" {
		response.Error(c, appErrors.Validation("invalid document payload", appErrors.FieldError{Field: "courseId", Message: "is required"}))
		return
	}

	ctx := c.Request.Context()
	_, err := h.store.GetDocument(ctx, doc.ID)
	switch {
	case err == nil:
		err = h.store.UpdateDocument(ctx, doc)
	case appErrors.HasCode(err, appErrors.ErrNotFound.Code):
		err = h.store.CreateDocument(ctx, doc)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// DeleteDocument godoc
// @Summary Delete a document
// @Tags Store
// @Param id path string true "Document ID"
// @Success 204
// @Router /store/documents/{id} [delete]
func (h *StoreHandler) DeleteDocument(c *gin.Context) {
	if err := h.store.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *StoreHandler) ownedCourse(ctx context.Context, id string, claims *models.JWTClaims) (*models.Course, error) {
	course, err := h.store.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}
	if claims == nil || !course.IsOwnedBy(claims.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the course owner")
	}
	return course, nil
}
