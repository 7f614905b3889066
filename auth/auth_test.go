package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"
)

func setupAuth(t *testing.T) *AuthService {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := NewAuthService(db, "test-secret")
	if err := s.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return s
}

func TestCreateDefaultUser(t *testing.T) {
	s := setupAuth(t)

	pw, err := s.CreateDefaultUser("")
	if err != nil {
		t.Fatalf("CreateDefaultUser() error = %v", err)
	}
	if len(pw) != 16 {
		t.Errorf("generated password %q has length %d", pw, len(pw))
	}
	if _, err := s.Login("admin", pw); err != nil {
		t.Errorf("Login with generated password: %v", err)
	}

	again, err := s.CreateDefaultUser("")
	if err != nil || again != "" {
		t.Errorf("second CreateDefaultUser() = %q, %v; want no-op", again, err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	s := setupAuth(t)

	if err := s.Register("ana", "hunter22"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("ana", "other"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate Register() = %v", err)
	}
	if err := s.Register("", "x"); err == nil {
		t.Error("empty username accepted")
	}

	tok, err := s.Login("ana", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.VerifyToken(tok)
	if err != nil || claims.Username != "ana" {
		t.Fatalf("VerifyToken() = %+v, %v", claims, err)
	}

	if _, err := s.Login("ana", "wrong"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("wrong password = %v", err)
	}
	if _, err := s.Login("nobody", "x"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("unknown user = %v", err)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	s := setupAuth(t)
	s.Register("ana", "pw")
	tok, _ := s.Login("ana", "pw")

	other := NewAuthService(s.db, "different-secret")
	if _, err := other.VerifyToken(tok); err == nil {
		t.Error("token accepted with a different secret")
	}

	s.now = func() time.Time { return time.Now().Add(TokenLifetime + time.Hour) }
	if _, err := s.VerifyToken(tok); err == nil {
		t.Error("expired token accepted")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "ana"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := s.VerifyToken(unsigned); err == nil {
		t.Error("unsigned token accepted")
	}
}

func TestDeleteUser(t *testing.T) {
	s := setupAuth(t)
	s.Register("a", "pw")

	if err := s.DeleteUser("a"); !errors.Is(err, ErrLastUser) {
		t.Errorf("deleting the last user = %v", err)
	}
	s.Register("b", "pw")
	if err := s.DeleteUser("missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("deleting missing user = %v", err)
	}
	if err := s.DeleteUser("a"); err != nil {
		t.Fatal(err)
	}
	users, _ := s.ListUsers()
	if len(users) != 1 || users[0].Username != "b" {
		t.Errorf("ListUsers() = %+v", users)
	}
}

func TestMiddleware(t *testing.T) {
	s := setupAuth(t)
	s.Register("ana", "pw")
	tok, _ := s.Login("ana", "pw")

	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"header", "Bearer " + tok, "", http.StatusTeapot},
		{"query", "", "?token=" + tok, http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/session/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d; want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLoginHandler(t *testing.T) {
	s := setupAuth(t)
	s.Register("ana", "pw")
	h := s.LoginHandler()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"ana","password":"pw"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if _, err := s.VerifyToken(body["token"]); err != nil {
		t.Errorf("issued token invalid: %v", err)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"ana","password":"no"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}
