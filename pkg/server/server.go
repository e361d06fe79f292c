// Package server implements the Loopback Upload Endpoint of spec.md §4.H:
// an Echo HTTP server bound to 127.0.0.1 only, authenticated by a per-device
// shared secret, exposing identity, store and descriptor routes.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dreadstar/meshrabiyad/pkg/errdefs"
	"github.com/dreadstar/meshrabiyad/pkg/server/handlers"
)

var log = logging.Logger("server")

// AuthHeader is the header every request must carry, equal to the
// per-device secret (spec.md §4.H, §6).
const AuthHeader = "X-Meshrabiya-Auth"

// Config parameterises the server.
type Config struct {
	// LocalToken is the per-device secret every request must present.
	LocalToken string
	// ListenAddr defaults to "127.0.0.1:0" (ephemeral loopback port).
	ListenAddr string
}

// Server wraps an Echo instance bound to loopback only.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	listener net.Listener
}

// New builds a Server serving h's routes, guarded by token auth.
func New(cfg Config, h *handlers.Handlers) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(connectionCloseMiddleware)
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format:           "[${time_rfc3339}] ${status} ${method} ${uri} ${latency_human}\n",
		CustomTimeFormat: time.RFC3339,
	}))
	e.Use(authMiddleware(cfg.LocalToken))

	e.GET("/identity", h.GetIdentity)
	e.POST("/store", h.PostStore)
	e.HEAD("/store/:id", h.HeadStore)
	e.POST("/descriptor", h.PostDescriptor)

	return &Server{echo: e, cfg: cfg}
}

// connectionCloseMiddleware sets Connection: close on every response, per
// spec.md §4.H, avoiding keep-alive pitfalls with short-lived test clients.
func connectionCloseMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Connection", "close")
		return next(c)
	}
}

// checkAuth compares got against token in constant time and classifies the
// failure: a blank header is a missing credential, a non-blank mismatch is
// an invalid one, distinguished so callers can respond and log accordingly.
func checkAuth(token, got string) error {
	if got == "" {
		return errdefs.ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return errdefs.ErrUnauthorized
	}
	return nil
}

// authMiddleware rejects any request whose X-Meshrabiya-Auth header does
// not match token, with constant-time comparison to avoid leaking the
// secret through timing (spec.md §4.H).
func authMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := checkAuth(token, c.Request().Header.Get(AuthHeader))
			if err == nil {
				return next(c)
			}

			msg := "missing or invalid auth token"
			switch {
			case errors.Is(err, errdefs.ErrAuthRequired):
				msg = "missing auth token"
			case errors.Is(err, errdefs.ErrUnauthorized):
				msg = "invalid auth token"
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": msg,
			})
		}
	}
}

// Start binds the configured listen address and begins serving in the
// background. Addr() is only meaningful after Start returns successfully.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding loopback listener: %w", err)
	}
	s.listener = ln
	s.echo.Listener = ln

	go func() {
		if err := s.echo.Start(""); err != nil && err != http.ErrServerClosed {
			log.Errorw("loopback server stopped", "error", err)
		}
	}()
	log.Infow("loopback upload endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, including the ephemeral port the OS
// assigned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
