package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestLoggerMiddleware tests the Logger middleware
func TestLoggerMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("queued"))
	})

	rec := httptest.NewRecorder()
	Logger(inner).ServeHTTP(rec, httptest.NewRequest("POST", "/session/abc/export", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("Response code = %d; want %d", rec.Code, http.StatusAccepted)
	}
	if rec.Body.String() != "queued" {
		t.Errorf("Response body = %q; want %q", rec.Body.String(), "queued")
	}
}

// TestLoggerKeepsFlusher verifies streaming handlers can still flush
func TestLoggerKeepsFlusher(t *testing.T) {
	flushed := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer is not a Flusher")
		}
		w.Write([]byte("data: x\n\n"))
		f.Flush()
		flushed = true
	})

	rec := httptest.NewRecorder()
	Logger(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/stream", nil))
	if !flushed || !rec.Flushed {
		t.Error("Flush was not forwarded")
	}
}

func TestStatusRecorderDefaults(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	rec.Write([]byte("x"))
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusOK {
		t.Errorf("status = %d; want first write to fix 200", rec.status)
	}
}

// TestCORSMiddleware tests the CORS middleware
func TestCORSMiddleware(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("Regular GET request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("Access-Control-Allow-Origin header not set")
		}
		if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
			t.Error("Access-Control-Allow-Headers should contain Authorization")
		}
		if !called {
			t.Error("inner handler not called")
		}
	})

	t.Run("OPTIONS preflight request", func(t *testing.T) {
		called = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/session", nil))

		if rec.Code != http.StatusNoContent {
			t.Errorf("Response code = %d; want %d", rec.Code, http.StatusNoContent)
		}
		if called {
			t.Error("inner handler called for preflight")
		}
	})
}

// TestApplyMiddlewaresWithAuth tests ApplyMiddlewares with auth protection
func TestApplyMiddlewaresWithAuth(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	authCalled := false
	AuthMiddleware = func(next http.Handler, role AuthRole) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCalled = true
			if r.Header.Get("Authorization") == "Bearer good" {
				next.ServeHTTP(w, r)
			} else {
				w.WriteHeader(http.StatusUnauthorized)
			}
		})
	}
	defer func() { AuthMiddleware = nil }()

	tests := []struct {
		name     string
		role     AuthRole
		header   string
		wantCode int
		wantAuth bool
		wantCall bool
	}{
		{"Protected route - authorized", RoleUser, "Bearer good", http.StatusOK, true, true},
		{"Protected route - unauthorized", RoleUser, "", http.StatusUnauthorized, true, false},
		{"Unprotected route", RolePublic, "", http.StatusOK, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			innerCalled, authCalled = false, false
			req := httptest.NewRequest("GET", "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ApplyMiddlewares(inner, tt.role).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("Code = %d; want %d", rec.Code, tt.wantCode)
			}
			if authCalled != tt.wantAuth {
				t.Errorf("auth called = %v; want %v", authCalled, tt.wantAuth)
			}
			if innerCalled != tt.wantCall {
				t.Errorf("inner called = %v; want %v", innerCalled, tt.wantCall)
			}
			if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("CORS header not set by ApplyMiddlewares")
			}
		})
	}
}

// TestApplyMiddlewaresNoHook leaves routes open when auth is not configured
func TestApplyMiddlewaresNoHook(t *testing.T) {
	AuthMiddleware = nil
	rec := httptest.NewRecorder()
	ApplyMiddlewares(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, RoleUser).ServeHTTP(rec, httptest.NewRequest("POST", "/session", nil))
	if rec.Code != http.StatusCreated {
		t.Errorf("Code = %d; want %d", rec.Code, http.StatusCreated)
	}
}
