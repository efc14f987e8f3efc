// Package api exposes quarry's HTTP and WebSocket surface: run CRUD, the
// research verbs, approval responses, the live event stream, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/run"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/store"
)

// Server wires the echo router to the service layer.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	auth config.AuthConfig

	store        *store.Store
	runs         *services.RunService
	approvals    *services.ApprovalService
	eventService *services.EventService
	manager      *run.Manager
	connManager  *events.ConnectionManager

	startTime time.Time
	logger    *slog.Logger
}

// Deps carries everything the server needs.
type Deps struct {
	Config       config.Config
	Store        *store.Store
	Runs         *services.RunService
	Approvals    *services.ApprovalService
	EventService *services.EventService
	Manager      *run.Manager
	ConnManager  *events.ConnectionManager
}

// NewServer builds the router and registers all routes.
func NewServer(deps Deps) *Server {
	e := echo.New()
	s := &Server{
		echo:         e,
		auth:         deps.Config.Auth,
		store:        deps.Store,
		runs:         deps.Runs,
		approvals:    deps.Approvals,
		eventService: deps.EventService,
		manager:      deps.Manager,
		connManager:  deps.ConnManager,
		startTime:    time.Now(),
		logger:       slog.Default().With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              deps.Config.Server.Addr(),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(s.requestLogger())

	// Unauthenticated endpoints. The WebSocket route authenticates inside
	// the handler because browser clients pass the token as a query param.
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws/:run_id", s.websocketHandler)

	api := s.echo.Group("/api/v1", s.authMiddleware())

	api.POST("/runs", s.createRunHandler)
	api.GET("/runs", s.listRunsHandler)
	api.GET("/runs/:id", s.getRunHandler)
	api.PATCH("/runs/:id", s.updateRunHandler)
	api.DELETE("/runs/:id", s.deleteRunHandler)
	api.GET("/runs/:id/events", s.listRunEventsHandler)

	api.POST("/research/start", s.startResearchHandler)
	api.POST("/research/message", s.sendMessageHandler)
	api.POST("/research/pause", s.pauseResearchHandler)
	api.POST("/research/resume", s.resumeResearchHandler)
	api.POST("/research/cancel", s.cancelResearchHandler)
	api.GET("/research/state/:run_id", s.researchStateHandler)
	api.GET("/research/report/:run_id", s.researchReportHandler)

	api.GET("/approvals/:run_id", s.listApprovalsHandler)
	api.POST("/approvals/:run_id/:command_hash", s.respondApprovalHandler)

	api.GET("/system/info", s.systemInfoHandler)
}

// Start runs the HTTP server and blocks until it stops. http.ErrServerClosed
// is swallowed; it is the normal shutdown signal.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
