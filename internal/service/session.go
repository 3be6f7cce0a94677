package service

import (
	"github.com/noah-isme/classroom-sync/internal/models"
)

// Session is the authenticated user a workspace acts for.
type Session struct {
	UID   string
	Role  models.UserRole
	Name  string
	Email string
}

// SessionFromUser builds a session from a stored user.
func SessionFromUser(u *models.User) Session {
	if u == nil {
		return Session{}
	}
	return Session{UID: u.ID, Role: u.Role, Name: u.DisplayName(), Email: u.Email}
}

// SessionFromClaims builds a session from verified token claims.
func SessionFromClaims(c *models.JWTClaims) Session {
	if c == nil {
		return Session{}
	}
	return Session{UID: c.UserID, Role: c.Role, Name: c.Name, Email: c.Email}
}

// IsTeacher reports whether the session may author courses and documents.
func (s Session) IsTeacher() bool {
	return s.Role == models.RoleTeacher
}

// IsStudent reports whether the session may join courses.
func (s Session) IsStudent() bool {
	return s.Role == models.RoleStudent
}

// Valid reports whether the session identifies a user.
func (s Session) Valid() bool {
	return s.UID != "" && s.Role.Valid()
}
