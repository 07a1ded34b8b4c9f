package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	authmw "github.com/chadiek/interview-voice/internal/middleware"
	"github.com/chadiek/interview-voice/internal/usecase"
)

type Handlers struct {
	Interviews usecase.InterviewService
	// Streams is the parent context of every client channel; cancelling it
	// closes them all.
	Streams        context.Context
	AllowedOrigins []string
	Log            *logrus.Entry

	upgrader websocket.Upgrader
}

func NewHandlers(svc usecase.InterviewService, streams context.Context, allowedOrigins []string, log *logrus.Entry) Handlers {
	h := Handlers{Interviews: svc, Streams: streams, AllowedOrigins: allowedOrigins, Log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h Handlers) allowedOrigins() []string {
	if len(h.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.AllowedOrigins
}

func (h Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins() {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	g := e.Group("/api/interviews")
	g.POST("/start", h.start)
	g.GET("/:id/progress", h.progress)
	g.POST("/:id/complete", h.complete)
	g.POST("/:id/abandon", h.abandon)
	g.GET("/:id/stream", h.stream)
}

func (h Handlers) start(c echo.Context) error {
	res, err := h.Interviews.Start(c.Request().Context(), authmw.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h Handlers) progress(c echo.Context) error {
	p, err := h.Interviews.Progress(c.Request().Context(), authmw.UserID(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h Handlers) complete(c echo.Context) error {
	res, err := h.Interviews.Complete(c.Request().Context(), authmw.UserID(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h Handlers) abandon(c echo.Context) error {
	if err := h.Interviews.Abandon(c.Request().Context(), authmw.UserID(c), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"sessionId": c.Param("id"), "status": "ABANDONED"})
}

// stream authorizes the session before upgrading, then hands the socket to
// the interview service for the life of the connection.
func (h Handlers) stream(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.Interviews.Session(c.Request().Context(), authmw.UserID(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.Log.WithField("session", id).Warnf("websocket upgrade failed: %v", err)
		return nil
	}
	ctx := h.Streams
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.Interviews.Serve(ctx, sess, conn); err != nil {
		h.Log.WithField("session", id).Warnf("client channel ended: %v", err)
	}
	return nil
}

var statusByCode = map[usecase.Code]int{
	usecase.CodeSessionNotFound: http.StatusNotFound,
	usecase.CodeForbidden:       http.StatusForbidden,
	usecase.CodeInvalidInput:    http.StatusBadRequest,
	usecase.CodeConflict:        http.StatusConflict,
	usecase.CodeUpstream:        http.StatusBadGateway,
	usecase.CodeInternal:        http.StatusInternalServerError,
}

type errorPayload struct {
	Code    usecase.Code `json:"code"`
	Message string       `json:"message"`
}

func (h Handlers) fail(c echo.Context, err error) error {
	code := usecase.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := "internal error"
	var ue *usecase.Error
	if errors.As(err, &ue) {
		msg = ue.Reason
	}
	if status >= http.StatusInternalServerError {
		h.Log.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, map[string]errorPayload{"error": {Code: code, Message: msg}})
}
