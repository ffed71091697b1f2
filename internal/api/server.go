package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/shopboxhq/shopbox/internal/auth"
	"github.com/shopboxhq/shopbox/internal/metrics"
	"github.com/shopboxhq/shopbox/internal/sandbox"
)

// Server holds the API server dependencies.
type Server struct {
	echo        *echo.Echo
	provisioner *sandbox.Provisioner
}

// NewServer creates a new API server with all routes configured.
func NewServer(p *sandbox.Provisioner, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		provisioner: p,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes (with auth)
	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(apiKey))
	api.Use(auth.OwnerMiddleware())

	api.POST("/instances", s.createInstance)
	api.GET("/instances", s.listInstances)
	api.GET("/instances/:id", s.getInstance)
	api.DELETE("/instances/:id", s.deleteInstance)
	api.GET("/instances/:id/logs", s.getInstanceLogs)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Echo exposes the underlying echo instance, mainly for tests and graceful
// shutdown.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
