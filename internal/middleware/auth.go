package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenAuthorized reports whether r carries password as ?password=,
// an Authorization bearer token or X-Auth-Token. An empty password accepts everything.
func TokenAuthorized(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && equal(q, password) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if equal(strings.TrimSpace(ah[len("Bearer "):]), password) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, password) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenAuth rejects requests without the shared password. Paths in open are
// served without a check.
func TokenAuth(password string, open ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range open {
				if path == p {
					return next(c)
				}
			}
			if !TokenAuthorized(c.Request(), password) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}
