package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func newTestHandler() http.Handler {
	policy := NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	return NewMiddleware(testSecret, policy).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) == "" && r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	resp := httptest.NewRecorder()
	newTestHandler().ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExemptPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	newTestHandler().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_RoleMatrix(t *testing.T) {
	cases := []struct {
		role   string
		method string
		path   string
		want   int
	}{
		{"viewer", http.MethodGet, "/api/v1/devices/farm/live", http.StatusOK},
		{"viewer", http.MethodPost, "/api/v1/devices/farm/actuators/Fan1", http.StatusForbidden},
		{"operator", http.MethodPost, "/api/v1/devices/farm/actuators/Fan1", http.StatusOK},
		{"operator", http.MethodPost, "/api/v1/devices/farm/pause", http.StatusOK},
		{"operator", http.MethodPost, "/api/v1/devices", http.StatusForbidden},
		{"operator", http.MethodDelete, "/api/v1/devices/farm", http.StatusForbidden},
		{"operator", http.MethodPost, "/api/v1/devices/farm/resources", http.StatusForbidden},
		{"admin", http.MethodPost, "/api/v1/devices/farm/resources", http.StatusOK},
		{"admin", http.MethodDelete, "/api/v1/devices/farm", http.StatusOK},
	}
	handler := newTestHandler()
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, tc.role, time.Hour))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Fatalf("%s %s %s: expected %d, got %d", tc.role, tc.method, tc.path, tc.want, resp.Code)
		}
	}
}

func TestAuthMiddleware_RejectsBadTokens(t *testing.T) {
	for name, token := range map[string]string{
		"expired":      mustToken(t, "admin", -time.Minute),
		"unknown role": mustToken(t, "root", time.Hour),
		"garbage":      "not.a.jwt",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		newTestHandler().ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestNewMiddlewareWithoutSecretPassesThrough(t *testing.T) {
	mw := NewMiddleware(nil, NewDefaultPolicy(nil, nil))
	if mw != nil {
		t.Fatalf("expected nil middleware")
	}
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/devices", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func mustToken(t *testing.T, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
