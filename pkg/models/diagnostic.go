package models

import "time"

type DiagnosticOutcome string

const (
	RunningDiagnosticOutcome   DiagnosticOutcome = "RUNNING"
	RecoveredDiagnosticOutcome DiagnosticOutcome = "RECOVERED"
	NoActionDiagnosticOutcome  DiagnosticOutcome = "NO_ACTION"
)

// DiagnosticRun records one stuck-workflow detection-and-recovery attempt.
// Rows are never deleted; the latest row per workflow is the cooldown record
// consulted by future diagnostic passes (NO_ACTION counts too).
type DiagnosticRun struct {
	ID             int64             `json:"id" db:"id"`
	WorkflowID     int64             `json:"workflow_id" db:"workflow_id"`
	Outcome        DiagnosticOutcome `json:"outcome" db:"outcome"`
	CompletedTasks int               `json:"completed_tasks" db:"completed_tasks"` // Snapshot at trigger time
	FailedTasks    int               `json:"failed_tasks" db:"failed_tasks"`       // Snapshot at trigger time
	IdleFor        time.Duration     `json:"idle_for" db:"idle_for"`               // Time since last workflow activity
	GoalText       string            `json:"goal_text" db:"goal_text"`             // Workflow goal at trigger time
	CreatedTaskIDs []string          `json:"created_task_ids" db:"-"`              // Recovery tasks injected by this run
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}
