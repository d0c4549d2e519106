package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations for SwarmFlow. Implementations back a
// shared, strongly-consistent store; the Claim*/compare-and-set operations are
// the only mutual exclusion the core relies on, so peer scheduler processes
// can race safely.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error
	SaveWorkflowResult(r models.WorkflowResult) (int64, error)
	// GetAcceptedResult returns ErrNotFound when no accepted result exists.
	GetAcceptedResult(workflowID int64) (models.WorkflowResult, error)

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasksByWorkflow(workflowID int64) ([]models.Task, error)
	// ListPendingTasks returns PENDING tasks for a phase; phaseID "" matches all phases.
	ListPendingTasks(phaseID string) ([]models.Task, error)
	// ListAgentTasks returns the tasks currently ASSIGNED or RUNNING on an agent.
	ListAgentTasks(agentID string) ([]models.Task, error)
	// CountDependents counts tasks whose dependency set contains taskID.
	CountDependents(taskID string) (int, error)
	// ClaimTask atomically moves a task PENDING->ASSIGNED for an agent.
	// Returns false without error when the task was not PENDING anymore.
	ClaimTask(id, agentID string, at time.Time) (bool, error)
	// UpdateTaskStatus conditionally moves a task from one status to another.
	// Returns false without error when the task was not in the expected status.
	UpdateTaskStatus(id string, from, to models.TaskStatus, errMsg string, at time.Time) (bool, error)
	// RequeueTask returns a task to PENDING, clearing its holder. When
	// bumpRetry is set the retry counter is incremented (explicit failure
	// report); agent-loss requeues leave it untouched.
	RequeueTask(id string, from models.TaskStatus, bumpRetry bool) (bool, error)
	UpdateTaskScore(id string, score float64) error
	SaveDependency(d models.Dependency) error
	// GetDependencies returns the IDs the given task depends on.
	GetDependencies(taskID string) ([]string, error)

	// Agent operations
	SaveAgent(a models.Agent) error
	GetAgent(id string) (models.Agent, error)
	ListAgents(statuses ...models.AgentStatus) ([]models.Agent, error)
	// UpdateAgentStatus conditionally moves an agent from one status to
	// another. Returns false without error on an observed-status mismatch.
	UpdateAgentStatus(id string, from, to models.AgentStatus) (bool, error)
	// RecordAgentHeartbeat resets the missed counter and stamps liveness.
	RecordAgentHeartbeat(id string, seq int64, at time.Time) error
	UpdateAgentMissed(id string, missed int) error
	IncrementRestartAttempts(id string) (int, error)
	// DeleteAgent removes a registration that never became live.
	DeleteAgent(id string) error
	SaveTransition(tr models.AgentStatusTransition) error
	ListTransitions(agentID string) ([]models.AgentStatusTransition, error)

	// Heartbeat snapshots (superseded, not appended)
	SaveHeartbeat(hb models.HeartbeatRecord) error
	GetHeartbeat(agentID string) (models.HeartbeatRecord, error)

	// Diagnostic runs (append-only)
	SaveDiagnosticRun(run models.DiagnosticRun) (int64, error)
	UpdateDiagnosticOutcome(id int64, outcome models.DiagnosticOutcome) error
	// LatestDiagnosticRun returns ErrNotFound when the workflow has no runs.
	LatestDiagnosticRun(workflowID int64) (models.DiagnosticRun, error)
	ListDiagnosticRuns(workflowID int64) ([]models.DiagnosticRun, error)
}
