package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/stanchev/swarmflow/internal/log"
	"github.com/stanchev/swarmflow/pkg/service"
)

// Server exposes the core's boundary operations over HTTP for upstream
// collaborators: agent registration, heartbeats, task pull/report, task and
// workflow creation, and read access to the audit surfaces.
type Server struct {
	echo       *echo.Echo
	workflows  *service.WorkflowService
	scheduler  *service.TaskScheduler
	registry   *service.AgentRegistry
	monitor    *service.HeartbeatMonitor
	diagnostic *service.StuckWorkflowDiagnostic
}

func NewServer(workflows *service.WorkflowService, scheduler *service.TaskScheduler, registry *service.AgentRegistry, monitor *service.HeartbeatMonitor, diagnostic *service.StuckWorkflowDiagnostic) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		workflows:  workflows,
		scheduler:  scheduler,
		registry:   registry,
		monitor:    monitor,
		diagnostic: diagnostic,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.echo.Group("/api/v1")

	api.POST("/agents", s.RegisterAgent)
	api.GET("/agents", s.ListAgents)
	api.GET("/agents/:id", s.GetAgent)
	api.GET("/agents/:id/transitions", s.ListTransitions)
	api.POST("/agents/:id/heartbeat", s.Heartbeat)
	api.POST("/agents/:id/next-task", s.NextTask)
	api.POST("/agents/:id/transition", s.TransitionAgent)

	api.POST("/tasks", s.CreateTask)
	api.POST("/tasks/:id/outcome", s.ReportOutcome)
	api.GET("/tasks/ready", s.ReadyBatch)

	api.POST("/workflows", s.CreateWorkflow)
	api.GET("/workflows", s.ListWorkflows)
	api.GET("/workflows/:id", s.GetWorkflow)
	api.POST("/workflows/:id/result", s.RecordResult)
	api.GET("/workflows/:id/diagnostics", s.ListDiagnosticRuns)

	s.echo.GET("/health", s.Health)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port string) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("http").Infof("Starting SwarmFlow server on :%s", port)
		errCh <- s.echo.Start(":" + port)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
