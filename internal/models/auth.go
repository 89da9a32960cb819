package models

import "github.com/golang-jwt/jwt/v5"

// UserRole distinguishes who is calling; identity itself is issued elsewhere.
type UserRole string

const (
	RoleTeacher UserRole = "TEACHER"
	RoleStudent UserRole = "STUDENT"
	// RoleDevice identifies a TV or other display that only reads projections.
	RoleDevice UserRole = "DEVICE"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}

// TokenRequest asks the development issuer for a token.
type TokenRequest struct {
	UserID string   `json:"user_id" validate:"required"`
	Role   UserRole `json:"role" validate:"required,oneof=TEACHER STUDENT DEVICE"`
}

// TokenResponse carries an issued token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}
