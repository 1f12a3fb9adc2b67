// Package api exposes the relay over HTTP: a small REST surface, the
// websocket mount for viewers, and the static dashboard.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/relayhq/tgrelay/pkg/gateway"
	"github.com/relayhq/tgrelay/pkg/relay"
	"github.com/relayhq/tgrelay/pkg/session"
)

// Server wires the HTTP routes to the session manager and the gateway.
type Server struct {
	echo    *echo.Echo
	manager *session.Manager
	gateway *gateway.Gateway
}

// NewServer builds the echo instance and its routes. staticDir may be empty
// to disable the dashboard.
func NewServer(manager *session.Manager, gw *gateway.Gateway, staticDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, manager: manager, gateway: gw}

	e.GET("/healthz", s.health)
	e.POST("/api/messages", s.sendMessage)
	e.GET("/api/messages/:channel", s.fetchMessages)
	e.GET("/api/channels/:channel", s.channelInfo)
	e.GET("/ws", s.ws)
	if staticDir != "" {
		e.Static("/", staticDir)
	}

	return s
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ws(c echo.Context) error {
	return s.gateway.HandleWS(c.Response(), c.Request())
}

func (s *Server) sendMessage(c echo.Context) error {
	var msg relay.OutgoingMessage
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if msg.Recipient == "" || msg.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Missing required fields: recipient and message",
		})
	}

	err := s.manager.Send(c.Request().Context(), s.gateway.ProcessSession(), msg)
	if err != nil {
		return c.JSON(statusFor(err), map[string]string{
			"error":   "Failed to send message",
			"details": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Message sent successfully",
		"data":    msg,
	})
}

func (s *Server) fetchMessages(c echo.Context) error {
	channel := c.Param("channel")
	// Lenient limit handling: anything non-numeric reads as zero and the
	// session manager substitutes its default.
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	msgs, err := s.manager.FetchHistory(c.Request().Context(), s.gateway.ProcessSession(), channel, limit)
	if err != nil {
		return c.JSON(statusFor(err), map[string]string{
			"error":   "Failed to fetch messages",
			"details": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(msgs),
		"data":    msgs,
	})
}

func (s *Server) channelInfo(c echo.Context) error {
	channel := c.Param("channel")

	info, err := s.manager.FetchChannelInfo(c.Request().Context(), s.gateway.ProcessSession(), channel)
	if err != nil {
		return c.JSON(statusFor(err), map[string]string{
			"error":   "Failed to fetch channel info",
			"details": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    info,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidCredentials):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
