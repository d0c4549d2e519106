package models

import "time"

type WorkflowStatus string

const (
	PendingWorkflowStatus   WorkflowStatus = "PENDING"
	RunningWorkflowStatus   WorkflowStatus = "RUNNING"
	CompletedWorkflowStatus WorkflowStatus = "COMPLETED"
	FailedWorkflowStatus    WorkflowStatus = "FAILED"
)

// Terminal reports whether the workflow is finished and out of scope for the
// stuck-workflow diagnostic.
func (s WorkflowStatus) Terminal() bool {
	return s == CompletedWorkflowStatus || s == FailedWorkflowStatus
}

// Workflow represents a phased run that produces tasks and, eventually, a result.
type Workflow struct {
	ID        int64          `json:"id" db:"id"`                 // Unique identifier (PostgreSQL auto-increment)
	Name      string         `json:"name" db:"name"`             // Descriptive name (e.g., "ShipParserV2")
	Goal      string         `json:"goal" db:"goal"`             // Goal text, snapshotted by diagnostic runs
	PhaseID   string         `json:"phase_id" db:"phase_id"`     // Current phase of the workflow
	Status    WorkflowStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
	Tasks     []Task         `json:"tasks,omitempty" db:"-"` // Populated at read time
}

// WorkflowResult records an outcome reported for a workflow. An accepted
// result is what marks the workflow as no longer stuck.
type WorkflowResult struct {
	ID         int64     `json:"id" db:"id"`
	WorkflowID int64     `json:"workflow_id" db:"workflow_id"`
	Summary    string    `json:"summary" db:"summary"`
	Accepted   bool      `json:"accepted" db:"accepted"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Dependency defines a relationship where one task depends on another.
type Dependency struct {
	TaskID     string `json:"task_id" db:"task_id"`         // Task that depends on another
	DependsOn  string `json:"depends_on" db:"depends_on"`   // Prerequisite task
	WorkflowID int64  `json:"workflow_id" db:"workflow_id"` // Foreign key to Workflow
}
