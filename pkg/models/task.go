package models

import (
	"time"

	"github.com/lib/pq"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	AssignedTaskStatus  TaskStatus = "ASSIGNED"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
)

// Terminal reports whether no further progress is possible for the task.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// Active reports whether the task still counts as runnable work for its
// workflow (PENDING, ASSIGNED or RUNNING).
func (s TaskStatus) Active() bool {
	return s == PendingTaskStatus || s == AssignedTaskStatus || s == RunningTaskStatus
}

type TaskPriority string

const (
	CriticalPriority TaskPriority = "CRITICAL"
	HighPriority     TaskPriority = "HIGH"
	MediumPriority   TaskPriority = "MEDIUM"
	LowPriority      TaskPriority = "LOW"
)

// Task represents a unit of assignable work within a workflow
type Task struct {
	ID           string         `json:"id" db:"id"`                                   // UUID, generated at creation
	WorkflowID   int64          `json:"workflow_id" db:"workflow_id"`                 // Foreign key to Workflow
	Name         string         `json:"name" db:"name"`                               // Descriptive name (e.g., "ImplementParser")
	PhaseID      string         `json:"phase_id" db:"phase_id"`                       // Phase the task belongs to (e.g., "build")
	Capabilities pq.StringArray `json:"capabilities" db:"capabilities"`               // Capabilities required to execute
	Priority     TaskPriority   `json:"priority" db:"priority"`                       // CRITICAL/HIGH/MEDIUM/LOW
	Status       TaskStatus     `json:"status" db:"status"`                           // Lifecycle status
	RetryCount   int            `json:"retry_count" db:"retry_count"`                 // Retries consumed so far
	MaxRetries   int            `json:"max_retries" db:"max_retries"`                 // Retry budget
	ErrorMsg     string         `json:"error,omitempty" db:"error_msg"`               // Last reported error (optional)
	AgentID      *string        `json:"agent_id,omitempty" db:"agent_id"`             // Holder while ASSIGNED/RUNNING
	ParentTaskID *string        `json:"parent_task_id,omitempty" db:"parent_task_id"` // Forest link, independent of dependencies
	SpawnedFrom  *int64         `json:"spawned_from,omitempty" db:"spawned_from"`     // Diagnostic run that injected this task
	Score        float64        `json:"score" db:"score"`                             // Cached from the last scheduling pass, not authoritative
	DeadlineAt   *time.Time     `json:"deadline_at,omitempty" db:"deadline_at"`       // Nullable deadline
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`                   // Creation timestamp
	AssignedAt   *time.Time     `json:"assigned_at,omitempty" db:"assigned_at"`       // Nullable assignment time
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`     // Nullable terminal time
	Dependencies []string       `json:"dependencies" db:"-"`                          // Task IDs that must be COMPLETED first
}
