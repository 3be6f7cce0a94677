package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest holds the payload for creating an account.
type RegisterRequest struct {
	Email    string   `json:"email" validate:"required,email"`
	Password string   `json:"password" validate:"required,min=6,max=50"`
	Name     string   `json:"name" validate:"required,min=2,max=100"`
	Phone    string   `json:"phone" validate:"omitempty,numeric,min=10,max=11"`
	Role     UserRole `json:"role" validate:"required,oneof=teacher student"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse returns the issued token and user info.
type LoginResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresIn   int64     `json:"expiresIn"`
	User        UserInfo  `json:"user"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID          string   `json:"uid"`
	Email       string   `json:"email"`
	Role        UserRole `json:"role"`
	Profile     Profile  `json:"profile"`
	DisplayName string   `json:"displayName"`
}

// NewUserInfo projects a stored user into its public representation.
func NewUserInfo(u *User) UserInfo {
	return UserInfo{
		ID:          u.ID,
		Email:       u.Email,
		Role:        u.Role,
		Profile:     u.Profile,
		DisplayName: u.DisplayName(),
	}
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID string   `json:"uid"`
	Role   UserRole `json:"role"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	jwt.RegisteredClaims
}
