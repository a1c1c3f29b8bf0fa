package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveWithHeaders(t *testing.T, tlsEnabled bool) *httptest.ResponseRecorder {
	t.Helper()
	handler := SecurityHeaders(tlsEnabled)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	return rr
}

func TestSecurityHeadersSetAllHeaders(t *testing.T) {
	rr := serveWithHeaders(t, false)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		if got := rr.Header().Get(header); got != want {
			t.Errorf("%s: expected %q, got %q", header, want, got)
		}
	}
}

func TestSecurityHeadersNoHSTSWithoutTLS(t *testing.T) {
	rr := serveWithHeaders(t, false)

	if got := rr.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("expected no HSTS header without TLS, got %q", got)
	}
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	rr := serveWithHeaders(t, true)

	if got := rr.Header().Get("Strict-Transport-Security"); got != "max-age=63072000; includeSubDomains" {
		t.Fatalf("unexpected HSTS value: %q", got)
	}
}

func TestSecurityHeadersPassesThroughToHandler(t *testing.T) {
	called := false
	handler := SecurityHeaders(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stories", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
}
