package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

// CourseHandler serves the course windows of the caller's workspace.
type CourseHandler struct {
	workspaces workspaceOpener
}

// NewCourseHandler constructs a course handler.
func NewCourseHandler(workspaces workspaceOpener) *CourseHandler {
	return &CourseHandler{workspaces: workspaces}
}

// List godoc
// @Summary Browse a course window
// @Tags Courses
// @Produce json
// @Param view query string false "my, available or all"
// @Param q query string false "Search text"
// @Param page query int false "Cumulative page"
// @Success 200 {object} response.Envelope
// @Router /courses [get]
func (h *CourseHandler) List(c *gin.Context) {
	name, err := service.ParseCourseView(c.Query("view"))
	if err != nil {
		response.Error(c, err)
		return
	}
	page, err := pageParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}

	courses := ws.Courses()
	result, err := courses.Browse(c.Request.Context(), name, c.Query("q"), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Window(c, result, courses.LastError())
}

// Stats godoc
// @Summary Summarise the caller's courses
// @Tags Courses
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /courses/stats [get]
func (h *CourseHandler) Stats(c *gin.Context) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ws.Courses().Stats(), nil)
}

// Refresh godoc
// @Summary Drop the cached snapshot and rewind every course window
// @Tags Courses
// @Success 204
// @Router /courses/refresh [post]
func (h *CourseHandler) Refresh(c *gin.Context) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := ws.Courses().Refresh(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Get godoc
// @Summary Get a course
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id} [get]
func (h *CourseHandler) Get(c *gin.Context) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}

	courses := ws.Courses()
	course, ok := courses.CourseByID(c.Param("id"))
	if !ok {
		details, err := courses.CourseDetails(c.Request.Context(), c.Param("id"))
		if err != nil {
			response.Error(c, err)
			return
		}
		course = *details
	}
	response.JSON(c, http.StatusOK, course, nil, map[string]interface{}{"canManage": courses.CanManage(course)})
}

// Create godoc
// @Summary Create a course
// @Tags Courses
// @Accept json
// @Produce json
// @Param payload body models.CreateCourseRequest true "Course"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses [post]
func (h *CourseHandler) Create(c *gin.Context) {
	var req models.CreateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid course payload"))
		return
	}
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}

	course, err := ws.Courses().Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, course)
}

// Update godoc
// @Summary Update a course
// @Tags Courses
// @Accept json
// @Produce json
// @Param id path string true "Course ID"
// @Param payload body models.UpdateCourseRequest true "Changed fields"
// @Success 200 {object} response.Envelope
// @Router /courses/{id} [put]
func (h *CourseHandler) Update(c *gin.Context) {
	var req models.UpdateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid course payload"))
		return
	}
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}

	course, err := ws.Courses().Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// Delete godoc
// @Summary Delete a course and its documents
// @Tags Courses
// @Param id path string true "Course ID"
// @Success 204
// @Router /courses/{id} [delete]
func (h *CourseHandler) Delete(c *gin.Context) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}

	id := c.Param("id")
	if err := ws.Courses().Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	ws.CloseDocuments(id)
	response.NoContent(c)
}

// Join godoc
// @Summary Join a course as the calling student
// @Tags Courses
// @Param id path string true "Course ID"
// @Success 204
// @Router /courses/{id}/students/me [post]
func (h *CourseHandler) Join(c *gin.Context) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := ws.Courses().Join(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Leave godoc
// @Summary Leave a course
// @Tags Courses
// @Param id path string true "Course ID"
// @Success 204
// @Router /courses/{id}/students/me [delete]
func (h *CourseHandler) Leave(c *gin.Context) {
	ws, err := openWorkspace(c, h.workspaces)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := ws.Courses().Leave(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
