package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/careerlink/messaging/internal/auth"
)

func newAuthRouter(t *testing.T, verifier TokenVerifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Authenticate(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c)})
	})
	return r
}

func TestAuthenticate(t *testing.T) {
	mgr := auth.NewJWTManager("test-secret", time.Hour)
	token, _, err := mgr.GenerateToken("user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	r := newAuthRouter(t, mgr)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	other := auth.NewJWTManager("other-secret", time.Hour)
	token, _, _ := other.GenerateToken("user-1", "alice@example.com")

	r := newAuthRouter(t, auth.NewJWTManager("test-secret", time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("token signed with wrong secret accepted: %d", w.Code)
	}
}

func TestRateLimitPerKey(t *testing.T) {
	store := NewLimiterStore(1, 2, time.Minute)
	defer store.Stop()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", func(c *gin.Context) { c.Set(CtxUserID, c.Query("as")) }, RateLimit(store), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	get := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping?as="+user, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// burst of 2, then limited
	if got := get("alice"); got != http.StatusOK {
		t.Fatalf("first request limited: %d", got)
	}
	if got := get("alice"); got != http.StatusOK {
		t.Fatalf("second request limited: %d", got)
	}
	if got := get("alice"); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", got)
	}

	// another user has their own limiter
	if got := get("bob"); got != http.StatusOK {
		t.Fatalf("unrelated user limited: %d", got)
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allowed origin not echoed: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin echoed: %q", got)
	}
}
