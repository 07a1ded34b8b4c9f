package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderUserSignature = "X-User-Signature"
	userKey             = "userID"
)

// SignUserID returns the signature an upstream gateway attaches to a user id.
func SignUserID(secret, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, userID, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(SignUserID(secret, userID)))
}

// credentials reads the caller identity from headers, falling back to query
// parameters for browser websocket upgrades, which cannot set headers.
func credentials(r *http.Request) (userID, signature string) {
	userID = r.Header.Get(HeaderUserID)
	signature = r.Header.Get(HeaderUserSignature)
	if userID == "" {
		q := r.URL.Query()
		userID = q.Get("user_id")
		signature = q.Get("sig")
	}
	return strings.TrimSpace(userID), signature
}

// UserIdentity accepts the user id set by the authenticating proxy in front
// of /api/. When a secret is configured the id must carry a valid HMAC.
func UserIdentity(getSecret func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/api/") {
				return next(c)
			}
			userID, signature := credentials(c.Request())
			if userID == "" {
				return c.JSON(http.StatusBadRequest, errorBody("INVALID_INPUT", "missing "+HeaderUserID))
			}
			if secret := getSecret(); secret != "" && !validSignature(secret, userID, signature) {
				return c.JSON(http.StatusForbidden, errorBody("FORBIDDEN", "invalid user signature"))
			}
			c.Set(userKey, userID)
			return next(c)
		}
	}
}

// UserID returns the identity stored by UserIdentity.
func UserID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}
