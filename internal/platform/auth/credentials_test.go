package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func TestCredentials_Apply(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	Credentials{Username: "hapi", Password: "secret"}.Apply(req)
	user, pass, ok := req.BasicAuth()
	if !ok || user != "hapi" || pass != "secret" {
		t.Errorf("expected basic auth hapi/secret, got %q/%q (%v)", user, pass, ok)
	}

	req = httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	Credentials{BearerToken: "abc"}.Apply(req)
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("expected 'Bearer abc', got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	Credentials{}.Apply(req)
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("expected no Authorization header, got %q", got)
	}
}

func TestCredentials_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		creds Credentials
		want  error
	}{
		{"none", Credentials{}, nil},
		{"basic", Credentials{Username: "u", Password: "p"}, nil},
		{"opaque bearer", Credentials{BearerToken: "opaque-token"}, nil},
		{"username only", Credentials{Username: "u"}, ErrPartialBasic},
		{"password only", Credentials{Password: "p"}, ErrPartialBasic},
		{"both modes", Credentials{Username: "u", Password: "p", BearerToken: "t"}, ErrConflictingAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate(now)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCredentials_ValidateTokenExpiry(t *testing.T) {
	now := time.Now()

	valid := createTestToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))})
	if err := (Credentials{BearerToken: valid}).Validate(now); err != nil {
		t.Errorf("expected valid token, got %v", err)
	}

	expired := createTestToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour))})
	if err := (Credentials{BearerToken: expired}).Validate(now); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	noExp := createTestToken(t, jwt.RegisteredClaims{Subject: "svc"})
	if err := (Credentials{BearerToken: noExp}).Validate(now); err != nil {
		t.Errorf("expected token without exp to pass, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := createTestToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})

	got, ok, err := TokenExpiry(tok)
	if err != nil || !ok {
		t.Fatalf("expected exp claim, got ok=%v err=%v", ok, err)
	}
	if !got.Equal(exp) {
		t.Errorf("expected %v, got %v", exp, got)
	}

	if _, _, err := TokenExpiry("not-a-jwt"); err == nil {
		t.Error("expected error for opaque token")
	}
}

func TestCredentials_Redacted(t *testing.T) {
	if got := (Credentials{Username: "hapi", Password: "secret"}).Redacted(); got != "basic hapi:****" {
		t.Errorf("unexpected redaction %q", got)
	}
	if got := (Credentials{BearerToken: "secret"}).Redacted(); got != "bearer ****" {
		t.Errorf("unexpected redaction %q", got)
	}
}
