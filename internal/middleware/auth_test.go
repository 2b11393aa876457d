package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestTokenAuthorized(t *testing.T) {
	if !TokenAuthorized(nil, "") {
		t.Fatalf("expected true when no password configured")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !TokenAuthorized(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !TokenAuthorized(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !TokenAuthorized(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestTokenAuthorized_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if TokenAuthorized(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	if TokenAuthorized(r2, "secret") {
		t.Fatalf("expected false with wrong X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	if TokenAuthorized(r3, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
	if TokenAuthorized(nil, "secret") {
		t.Fatalf("expected false for nil request")
	}
}

func TestTokenAuth_Middleware(t *testing.T) {
	e := echo.New()
	e.Use(TokenAuth("secret", "/healthz"))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/healthz", ok)
	e.GET("/v1/stats", ok)

	cases := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/v1/stats", http.StatusUnauthorized},
		{"/v1/stats?password=secret", http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.want, w.Code)
		}
	}
}
