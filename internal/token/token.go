// Package token extracts the user context carried in the bearer token and
// derives room identifiers from it. The token signature is not verified
// here; the server is the authority, the client only needs the subject.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("token carries no user id")

// UserID returns the user id embedded in a JWT bearer token, trying the
// standard "sub" claim first and the legacy "userId" claim second.
func UserID(raw string) (string, error) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoSubject
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	if id, ok := claims["userId"].(string); ok && id != "" {
		return id, nil
	}
	return "", ErrNoSubject
}

// RoomID derives the deterministic room identifier for a conversation.
func RoomID(conversationID string) string {
	return "conversation:" + conversationID
}
