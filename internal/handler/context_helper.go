package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/middleware"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

type workspaceOpener interface {
	Open(ctx context.Context, session service.Session) (*service.Workspace, error)
}

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	claims, ok := middleware.Claims(c)
	if !ok {
		return nil
	}
	return claims
}

func sessionFromContext(c *gin.Context) (service.Session, error) {
	session := service.SessionFromClaims(claimsFromContext(c))
	if !session.Valid() {
		return service.Session{}, appErrors.ErrUnauthorized
	}
	return session, nil
}

func openWorkspace(c *gin.Context, workspaces workspaceOpener) (*service.Workspace, error) {
	session, err := sessionFromContext(c)
	if err != nil {
		return nil, err
	}
	return workspaces.Open(c.Request.Context(), session)
}

func pageParam(c *gin.Context) (int, error) {
	raw := c.Query("page")
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, appErrors.Validation("invalid page", appErrors.FieldError{Field: "page", Message: "must be a positive integer"})
	}
	return page, nil
}
