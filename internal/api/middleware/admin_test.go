package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = bytes.Repeat([]byte{0x5a}, 32)

func adminHandler(secret []byte) http.Handler {
	var buf bytes.Buffer
	return RequireAdminToken(secret, jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestRequireAdminTokenAcceptsValidToken(t *testing.T) {
	token, expiresAt, err := GenerateAdminToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("expiresAt = %v, want about an hour from now", expiresAt)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stories", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	adminHandler(testSecret).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireAdminTokenRejects(t *testing.T) {
	valid, _, err := GenerateAdminToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, _, err := GenerateAdminToken(testSecret, "ops", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, _, err := GenerateAdminToken(bytes.Repeat([]byte{0x01}, 32), "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + valid},
		{"no token", "Bearer"},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + otherKey},
		{"wrong issuer", "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stories", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			adminHandler(testSecret).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestRequireAdminTokenOpenWithoutSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stories", nil)
	rr := httptest.NewRecorder()
	adminHandler(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
