package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the stored bearer token plus the claims the client cares about.
// Claims are read without signature verification: the server remains the
// authority, this is only for early auth-required detection and display.
type Token struct {
	Raw       string
	UserID    int64
	Subject   string
	ExpiresAt time.Time
}

// LoadToken reads and inspects the profile's bearer token.
// A missing file is reported as os.ErrNotExist.
func LoadToken(profile string) (*Token, error) {
	raw, err := os.ReadFile(TokenPath(profile))
	if err != nil {
		return nil, err
	}
	return ParseToken(strings.TrimSpace(string(raw)))
}

// SaveToken writes the bearer token for a profile with private permissions.
func SaveToken(profile, raw string) error {
	if err := EnsureDir(profile); err != nil {
		return err
	}
	return os.WriteFile(TokenPath(profile), []byte(strings.TrimSpace(raw)+"\n"), 0600)
}

// ParseToken extracts claims from a JWT without verifying its signature.
func ParseToken(raw string) (*Token, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	t := &Token{Raw: raw}
	if sub, err := claims.GetSubject(); err == nil {
		t.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t.ExpiresAt = exp.Time
	}
	// The API encodes the user id either as a dedicated claim or as the subject.
	switch v := claims["id_user"].(type) {
	case float64:
		t.UserID = int64(v)
	case string:
		fmt.Sscanf(v, "%d", &t.UserID)
	default:
		fmt.Sscanf(t.Subject, "%d", &t.UserID)
	}
	return t, nil
}

// Expired reports whether the token carries an expiry in the past.
// Tokens without an exp claim are treated as live.
func (t *Token) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}
