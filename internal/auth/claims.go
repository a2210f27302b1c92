package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the operator API.
// Role is carried by access tokens only; a refresh re-reads it from the directory.
type Claims struct {
	jwt.RegisteredClaims

	OperatorID string    `json:"operator_id"`
	Role       string    `json:"role,omitempty"`
	TokenType  TokenType `json:"token_type"`
}
