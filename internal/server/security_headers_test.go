package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeadersMiddlewareAppliesDefaults(t *testing.T) {
	t.Parallel()

	handler := securityHeadersMiddleware(SecurityConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	csp := rr.Header().Get("Content-Security-Policy")
	if csp == "" {
		t.Fatal("expected a default content security policy")
	}
	for _, directive := range []string{
		"media-src 'self' blob:",
		"script-src 'self' https://cdn.jsdelivr.net",
		"frame-ancestors 'none'",
	} {
		if !strings.Contains(csp, directive) {
			t.Errorf("csp missing %q: %s", directive, csp)
		}
	}

	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if rr.Header().Get("Referrer-Policy") == "" {
		t.Error("expected a referrer policy")
	}
	if rr.Header().Get("Permissions-Policy") == "" {
		t.Error("expected a permissions policy")
	}
}

func TestSecurityHeadersMiddlewareHonorsOverrides(t *testing.T) {
	t.Parallel()

	handler := securityHeadersMiddleware(SecurityConfig{
		ContentSecurityPolicy: "default-src 'none'",
		FrameOptions:          "SAMEORIGIN",
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rr.Header().Get("Content-Security-Policy"); got != "default-src 'none'" {
		t.Errorf("Content-Security-Policy = %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestFrameAncestorsFeedIntoGeneratedPolicy(t *testing.T) {
	t.Parallel()

	handler := securityHeadersMiddleware(SecurityConfig{
		FrameAncestors: "https://embed.example.com",
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	csp := rr.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-ancestors https://embed.example.com") {
		t.Fatalf("csp missing custom frame ancestors: %s", csp)
	}
}
