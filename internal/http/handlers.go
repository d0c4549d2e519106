package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/service"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// httpStatus maps the core's error taxonomy onto status codes.
func httpStatus(err error) int {
	var (
		validation *service.ValidationError
		cycle      *service.DependencyCycleError
		checksum   *service.ChecksumMismatchError
		unknown    *service.UnknownAgentError
		notHolder  *service.NotAssignedToAgentError
		illegal    *service.IllegalTransitionError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &cycle), errors.As(err, &checksum):
		return http.StatusBadRequest
	case errors.As(err, &unknown), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &notHolder), errors.As(err, &illegal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]string{"error": err.Error()})
}

type registerAgentRequest struct {
	Capabilities []string `json:"capabilities"`
	PhaseID      string   `json:"phase_id"`
	Capacity     int      `json:"capacity"`
}

func (s *Server) RegisterAgent(c echo.Context) error {
	var req registerAgentRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	agent, err := s.registry.Register(c.Request().Context(), service.AgentSpec{
		Capabilities: req.Capabilities,
		PhaseID:      req.PhaseID,
		Capacity:     req.Capacity,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

func (s *Server) ListAgents(c echo.Context) error {
	agents, err := s.registry.ListAgents()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) GetAgent(c echo.Context) error {
	agent, err := s.registry.GetAgent(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

func (s *Server) ListTransitions(c echo.Context) error {
	transitions, err := s.registry.ListTransitions(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, transitions)
}

type heartbeatRequest struct {
	Sequence     int64  `json:"sequence"`
	Checksum     uint32 `json:"checksum"`
	Metrics      []byte `json:"metrics"`
	ActiveTaskID string `json:"active_task_id"`
}

func (s *Server) Heartbeat(c echo.Context) error {
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	err := s.monitor.Record(c.Request().Context(), service.Heartbeat{
		AgentID:      c.Param("id"),
		Sequence:     req.Sequence,
		Checksum:     req.Checksum,
		Metrics:      req.Metrics,
		ActiveTaskID: req.ActiveTaskID,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ack": "ok"})
}

type nextTaskRequest struct {
	PhaseID      string   `json:"phase_id"`
	Capabilities []string `json:"capabilities"`
}

// NextTask never blocks: when no eligible task exists it answers 204 rather
// than erroring.
func (s *Server) NextTask(c echo.Context) error {
	var req nextTaskRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	task, err := s.scheduler.NextTask(c.Request().Context(), c.Param("id"), req.PhaseID, req.Capabilities)
	if err != nil {
		return fail(c, err)
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}

type transitionRequest struct {
	To        string `json:"to"`
	Initiator string `json:"initiator"`
	Reason    string `json:"reason"`
	Force     bool   `json:"force"` // reserved for the higher-authority override path
}

func (s *Server) TransitionAgent(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	if req.Initiator == "" {
		req.Initiator = "api"
	}
	err := s.registry.Transition(c.Request().Context(), c.Param("id"), models.AgentStatus(req.To), req.Initiator, req.Reason, req.Force)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ack": "ok"})
}

type createTaskRequest struct {
	WorkflowID   int64      `json:"workflow_id"`
	Name         string     `json:"name"`
	PhaseID      string     `json:"phase_id"`
	Capabilities []string   `json:"capabilities"`
	Priority     string     `json:"priority"`
	Dependencies []string   `json:"dependencies"`
	MaxRetries   int        `json:"max_retries"`
	DeadlineAt   *time.Time `json:"deadline_at"`
	ParentTaskID *string    `json:"parent_task_id"`
}

func (s *Server) CreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	task, err := s.scheduler.CreateTask(c.Request().Context(), service.TaskSpec{
		WorkflowID:   req.WorkflowID,
		Name:         req.Name,
		PhaseID:      req.PhaseID,
		Capabilities: req.Capabilities,
		Priority:     models.TaskPriority(req.Priority),
		Dependencies: req.Dependencies,
		MaxRetries:   req.MaxRetries,
		DeadlineAt:   req.DeadlineAt,
		ParentTaskID: req.ParentTaskID,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

type outcomeRequest struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) ReportOutcome(c echo.Context) error {
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	err := s.scheduler.ReportOutcome(c.Request().Context(), c.Param("id"), req.AgentID, req.Success, req.Message)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ack": "ok"})
}

func (s *Server) ReadyBatch(c echo.Context) error {
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return fail(c, &service.ValidationError{Msg: "limit must be a positive integer"})
		}
		limit = parsed
	}
	tasks, err := s.scheduler.ReadyBatch(c.Request().Context(), c.QueryParam("phase_id"), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

type createWorkflowRequest struct {
	Name    string `json:"name"`
	Goal    string `json:"goal"`
	PhaseID string `json:"phase_id"`
}

func (s *Server) CreateWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	id, err := s.workflows.CreateWorkflow(c.Request().Context(), req.Name, req.Goal, req.PhaseID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.workflows.ListWorkflows()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, workflows)
}

func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, &service.ValidationError{Msg: "workflow id must be an integer"})
	}
	wf, err := s.workflows.GetWorkflow(id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

type resultRequest struct {
	Summary  string `json:"summary"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) RecordResult(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, &service.ValidationError{Msg: "workflow id must be an integer"})
	}
	var req resultRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, &service.ValidationError{Msg: err.Error()})
	}
	resultID, err := s.workflows.RecordResult(c.Request().Context(), id, req.Summary, req.Accepted)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": resultID})
}

func (s *Server) ListDiagnosticRuns(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, &service.ValidationError{Msg: "workflow id must be an integer"})
	}
	runs, err := s.diagnostic.ListRuns(id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}
