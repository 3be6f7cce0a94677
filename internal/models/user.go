package models

import "strings"

// UserRole represents the roles known to the classroom.
type UserRole string

const (
	RoleTeacher UserRole = "teacher"
	RoleStudent UserRole = "student"
)

// Valid reports whether the role is one of the known roles.
func (r UserRole) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Profile holds the user supplied display details.
type Profile struct {
	Name  string `db:"name" json:"name"`
	Phone string `db:"phone" json:"phone,omitempty"`
}

// User represents an application user stored in the users table.
type User struct {
	ID           string   `db:"id" json:"uid"`
	Email        string   `db:"email" json:"email"`
	PasswordHash string   `db:"password_hash" json:"-"`
	Role         UserRole `db:"role" json:"role"`
	Profile      `json:"profile"`
	Active       bool   `db:"active" json:"active"`
	CreatedAt    int64  `db:"created_at" json:"createdAt"`
	LastLogin    *int64 `db:"last_login" json:"lastLogin,omitempty"`
}

// IsTeacher reports whether the user may author courses and documents.
func (u *User) IsTeacher() bool {
	return u != nil && u.Role == RoleTeacher
}

// IsStudent reports whether the user may join courses.
func (u *User) IsStudent() bool {
	return u != nil && u.Role == RoleStudent
}

// DisplayName returns the profile name, falling back to the local part of the email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.Profile.Name); name != "" {
		return name
	}
	if at := strings.Index(u.Email, "@"); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}

// NormalizeEmail case folds and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
}
