package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"streamrelay/internal/observability/logging"
)

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := logging.RequestIDFromContext(r.Context())
		if !ok || requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", got)
	}
}

func TestRequestIDMiddlewareGeneratesWhenAbsent(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "generated" {
			t.Fatalf("expected generated id in context, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := rr.Header().Get("X-Request-Id"); got != "generated" {
		t.Fatalf("expected generated id in response header, got %q", got)
	}
}

func TestNewRequestIDProducesUniqueValues(t *testing.T) {
	t.Parallel()

	first := newRequestID()
	second := newRequestID()
	if first == "" || second == "" {
		t.Fatal("request ids must be non-empty")
	}
	if first == second {
		t.Fatalf("consecutive ids collided: %q", first)
	}
}
