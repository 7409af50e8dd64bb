package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func authedRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := NewManager(NewMemoryStore())
	raw, _, err := m.GenerateKey(context.Background(), "u-alice", "test")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/open", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c)})
	})
	r.GET("/protected", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c)})
	})
	return r, raw
}

func TestMiddlewareBindsUser(t *testing.T) {
	r, raw := authedRouter(t)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); body != `{"user":"u-alice"}` {
		t.Errorf("body = %s", body)
	}
}

func TestMiddlewareAcceptsAltHeader(t *testing.T) {
	r, raw := authedRouter(t)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("X-API-Key", raw)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	r, _ := authedRouter(t)

	req := httptest.NewRequest("GET", "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequireAuthRejectsBadKey(t *testing.T) {
	r, _ := authedRouter(t)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer sk_bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestOpenEndpointPassesWithoutKey(t *testing.T) {
	r, _ := authedRouter(t)

	req := httptest.NewRequest("GET", "/open", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); body != `{"user":""}` {
		t.Errorf("body = %s", body)
	}
}
