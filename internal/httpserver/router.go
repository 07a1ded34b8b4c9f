package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	authmw "github.com/chadiek/interview-voice/internal/middleware"
)

// New creates a configured Echo server instance with all routes registered.
func New(h Handlers, identitySecret string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: h.allowedOrigins(),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, authmw.HeaderUserID, authmw.HeaderUserSignature},
	}))
	e.Use(authmw.UserIdentity(func() string { return identitySecret }))
	h.Register(e)
	return e
}
