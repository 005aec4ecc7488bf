package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInternalKeyMiddleware(t *testing.T) {
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})
	guarded := InternalKeyMiddleware("secret-key")(next)

	cases := []struct {
		name      string
		presented string
		wantCode  int
		wantPass  bool
	}{
		{"missing key", "", http.StatusUnauthorized, false},
		{"wrong key", "not-the-key", http.StatusUnauthorized, false},
		{"correct key", "secret-key", http.StatusOK, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodGet, "/payments/x", nil)
			if tc.presented != "" {
				req.Header.Set(internalKeyHeader, tc.presented)
			}
			rec := httptest.NewRecorder()
			guarded.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if reached != tc.wantPass {
				t.Fatalf("handler reached=%v, want %v", reached, tc.wantPass)
			}
		})
	}
}

func TestInternalKeyMiddleware_UnconfiguredKeyRefuses(t *testing.T) {
	guarded := InternalKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run with no key configured")
	}))

	req := httptest.NewRequest(http.MethodGet, "/payments/x", nil)
	req.Header.Set(internalKeyHeader, "anything")
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when no key is configured, got %d", rec.Code)
	}
}
