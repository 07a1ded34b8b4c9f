package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newEcho(secret string) *echo.Echo {
	e := echo.New()
	e.Use(UserIdentity(func() string { return secret }))
	e.GET("/api/whoami", func(c echo.Context) error { return c.String(http.StatusOK, UserID(c)) })
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func TestUserIdentity_HeaderAndQuery(t *testing.T) {
	e := newEcho("")

	r := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	r.Header.Set(HeaderUserID, "u1")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "u1" {
		t.Fatalf("expected 200 u1, got %d %q", w.Code, w.Body.String())
	}

	r2 := httptest.NewRequest(http.MethodGet, "/api/whoami?user_id=u2", nil)
	w2 := httptest.NewRecorder()
	e.ServeHTTP(w2, r2)
	if w2.Body.String() != "u2" {
		t.Fatalf("expected query fallback, got %q", w2.Body.String())
	}
}

func TestUserIdentity_MissingUser(t *testing.T) {
	e := newEcho("")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	e.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("non-api routes must pass through, got %d", w2.Code)
	}
}

func TestUserIdentity_Signature(t *testing.T) {
	e := newEcho("s3cret")

	r := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	r.Header.Set(HeaderUserID, "u1")
	r.Header.Set(HeaderUserSignature, SignUserID("s3cret", "u1"))
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d", w.Code)
	}

	bad := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	bad.Header.Set(HeaderUserID, "u1")
	bad.Header.Set(HeaderUserSignature, SignUserID("other", "u1"))
	w2 := httptest.NewRecorder()
	e.ServeHTTP(w2, bad)
	if w2.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong signature, got %d", w2.Code)
	}

	unsigned := httptest.NewRequest(http.MethodGet, "/api/whoami?user_id=u1", nil)
	w3 := httptest.NewRecorder()
	e.ServeHTTP(w3, unsigned)
	if w3.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without signature, got %d", w3.Code)
	}
}
