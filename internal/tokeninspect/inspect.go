// Package tokeninspect reads claims out of an access token for display
// purposes. The client never holds the signing key, so parsing is
// unverified by construction; nothing here may feed an auth decision.
package tokeninspect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrEmptyToken indicates no token text was supplied.
	ErrEmptyToken = errors.New("token_inspect.empty_token")
	// ErrMalformedToken indicates the token could not be parsed.
	ErrMalformedToken = errors.New("token_inspect.malformed")
)

type accessClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// Details are the displayable attributes of an access token.
type Details struct {
	Subject         string
	UserEmail       string
	UserDisplayName string
	UserRoles       []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Expired         bool
}

// Inspect parses the token without signature verification. now is used
// only to label the token expired for display.
func Inspect(tokenString string, now time.Time) (Details, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Details{}, fmt.Errorf("token_inspect: %w", ErrEmptyToken)
	}
	parser := jwt.NewParser()
	claims := &accessClaims{}
	if _, _, parseErr := parser.ParseUnverified(tokenString, claims); parseErr != nil {
		return Details{}, fmt.Errorf("token_inspect: %w", ErrMalformedToken)
	}
	details := Details{
		Subject:         claims.Subject,
		UserEmail:       claims.UserEmail,
		UserDisplayName: claims.UserDisplayName,
		UserRoles:       claims.UserRoles,
	}
	if details.Subject == "" {
		details.Subject = claims.UserID
	}
	if claims.IssuedAt != nil {
		details.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		details.ExpiresAt = claims.ExpiresAt.Time
		details.Expired = now.After(claims.ExpiresAt.Time)
	}
	return details, nil
}
