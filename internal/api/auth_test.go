package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func TestIssueToken_RoundTrip(t *testing.T) {
	token, err := IssueToken(testJWTSecret, "dashboard", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(token, testJWTSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "dashboard" {
		t.Errorf("Subject = %q, want dashboard", claims.Subject)
	}
	if claims.ID == "" {
		t.Error("token has no jti")
	}
	if _, err := IssueToken(testJWTSecret, "", time.Hour); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("IssueToken(no subject) error = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong secret", signClaims(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), valid)},
		{"wrong algorithm", signClaims(t, jwt.SigningMethodHS512, []byte(testJWTSecret), valid)},
		{"expired", signClaims(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.RegisteredClaims{
			Subject:   "dashboard",
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		})},
		{"no expiry", signClaims(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.RegisteredClaims{
			Subject: "dashboard",
		})},
		{"no subject", signClaims(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, testJWTSecret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestAuthMiddleware_ProtectedRoutes(t *testing.T) {
	srv, _ := testServer(t, Deps{})
	router := srv.buildRouter()

	expired := signClaims(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	forged, err := IssueToken("forged-secret-forged-secret-forged", "dashboard", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	paths := []string{
		"/api/v1/metrics",
		"/api/v1/sessions",
		"/api/v1/sessions/x1",
		"/api/v1/sessions/x1/uiconfig",
		"/api/v1/audit",
		"/api/v1/ws",
	}
	tests := []struct {
		name   string
		bearer string
	}{
		{"no token", ""},
		{"expired token", expired},
		{"wrong signature", forged},
	}

	for _, path := range paths {
		for _, tt := range tests {
			t.Run(path+" "+tt.name, func(t *testing.T) {
				w := doRequestAs(t, router, http.MethodGet, path, "", tt.bearer)
				if w.Code != http.StatusUnauthorized {
					t.Errorf("status = %d, want 401", w.Code)
				}
				if !strings.Contains(w.Body.String(), ErrCodeUnauthorized) {
					t.Errorf("body = %s, want %s code", w.Body.String(), ErrCodeUnauthorized)
				}
			})
		}
	}

	if w := doRequest(t, router, http.MethodGet, "/api/v1/sessions", ""); w.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_OpenRoutes(t *testing.T) {
	srv, sess := testServer(t, Deps{})
	startSession(t, sess)
	router := srv.buildRouter()

	if w := doRequestAs(t, router, http.MethodGet, "/api/v1/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without a token", w.Code)
	}

	body := `{"token":"` + testToken + `","events":[]}`
	if w := doRequestAs(t, router, http.MethodPost, "/gira/callback/x1", body, ""); w.Code != http.StatusOK {
		t.Errorf("callback status = %d, want 200 without a bearer token", w.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(req); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestWebSocket_QueryToken(t *testing.T) {
	srv, _ := testServer(t, Deps{})
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial without token response = %v, want 401", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(base+"?token="+testBearer(t), nil)
	if err != nil {
		t.Fatalf("dial with query token failed: %v", err)
	}
	ws.Close()
}
