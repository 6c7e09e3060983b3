package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential modes.
const (
	ModeNone   = "none"
	ModeBasic  = "basic"
	ModeBearer = "bearer"
)

var (
	ErrPartialBasic    = errors.New("basic auth requires both username and password")
	ErrConflictingAuth = errors.New("basic auth and bearer token are mutually exclusive")
	ErrTokenExpired    = errors.New("bearer token is expired")
)

// Credentials are pre-configured and passed through unchanged on every
// outbound request to the FHIR repository. Nothing here issues or refreshes
// tokens.
type Credentials struct {
	Username    string
	Password    string
	BearerToken string
}

// Mode reports which credential kind is configured.
func (c Credentials) Mode() string {
	switch {
	case c.BearerToken != "":
		return ModeBearer
	case c.Username != "" || c.Password != "":
		return ModeBasic
	default:
		return ModeNone
	}
}

// Apply sets the Authorization header for the configured mode.
func (c Credentials) Apply(req *http.Request) {
	switch c.Mode() {
	case ModeBearer:
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case ModeBasic:
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// Validate checks that at most one mode is configured and that it is
// complete. A bearer token that is a JWT must not be expired at now; opaque
// tokens are accepted as-is.
func (c Credentials) Validate(now time.Time) error {
	basic := c.Username != "" || c.Password != ""
	if basic && c.BearerToken != "" {
		return ErrConflictingAuth
	}
	if basic && (c.Username == "" || c.Password == "") {
		return ErrPartialBasic
	}
	if c.BearerToken == "" {
		return nil
	}

	exp, ok, err := TokenExpiry(c.BearerToken)
	if err != nil || !ok {
		return nil
	}
	if !exp.After(now) {
		return fmt.Errorf("%w (exp %s)", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The bridge cannot verify tokens it merely forwards; this only catches a
// stale token at startup. ok is false when the token has no exp claim.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false, errors.New("not a JWT")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("parse bearer token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// Redacted describes the credentials for logs without leaking secrets.
func (c Credentials) Redacted() string {
	switch c.Mode() {
	case ModeBearer:
		return "bearer ****"
	case ModeBasic:
		return "basic " + c.Username + ":****"
	default:
		return ModeNone
	}
}
