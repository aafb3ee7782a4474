package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingMiddleware(t *testing.T) {
	tracer := otel.GetTracerProvider().Tracer("test")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Value(nil) != nil {
			t.Fatalf("unexpected context value")
		}
		w.WriteHeader(http.StatusCreated)
	})

	wrapped := TracingMiddleware(tracer)(handler)

	req := httptest.NewRequest("POST", "/receive/tok/chunk", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, w.Code)
	}
}

func TestTracingMiddleware_ErrorStatusPassesThrough(t *testing.T) {
	tracer := otel.GetTracerProvider().Tracer("test")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	wrapped := TracingMiddleware(tracer)(handler)

	req := httptest.NewRequest("GET", "/send/tok/manifest", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}
