package models

import (
	"time"

	"github.com/lib/pq"
)

type AgentStatus string

const (
	SpawningAgentStatus    AgentStatus = "SPAWNING"
	IdleAgentStatus        AgentStatus = "IDLE"
	RunningAgentStatus     AgentStatus = "RUNNING"
	DegradedAgentStatus    AgentStatus = "DEGRADED"
	FailedAgentStatus      AgentStatus = "FAILED"
	QuarantinedAgentStatus AgentStatus = "QUARANTINED"
	TerminatedAgentStatus  AgentStatus = "TERMINATED"
)

// Assignable reports whether an agent in this status may receive tasks.
// The missed-heartbeat counter is checked separately by the scheduler.
func (s AgentStatus) Assignable() bool {
	return s == IdleAgentStatus || s == RunningAgentStatus
}

// Agent represents a worker process identity
type Agent struct {
	ID               string         `json:"id" db:"id"`                                 // UUID, generated at registration
	Capabilities     pq.StringArray `json:"capabilities" db:"capabilities"`             // Declared capability set
	PhaseID          string         `json:"phase_id" db:"phase_id"`                     // Declared phase affiliation
	Capacity         int            `json:"capacity" db:"capacity"`                     // Max concurrent tasks
	Status           AgentStatus    `json:"status" db:"status"`                         // Lifecycle status, transitions owned by the registry
	MissedHeartbeats int            `json:"missed_heartbeats" db:"missed_heartbeats"`   // Consecutive missed intervals
	LastHeartbeatAt  *time.Time     `json:"last_heartbeat_at" db:"last_heartbeat_at"`   // Nullable until the first heartbeat
	LastSequence     int64          `json:"last_sequence" db:"last_sequence"`           // Last accepted heartbeat sequence number
	RestartAttempts  int            `json:"restart_attempts" db:"restart_attempts"`     // Restart attempts consumed for this identity
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// AgentStatusTransition is an immutable audit record of one status change.
// Rows are append-only; replaying them for an agent reconstructs its status.
type AgentStatusTransition struct {
	ID         int64       `json:"id" db:"id"`
	AgentID    string      `json:"agent_id" db:"agent_id"`
	FromStatus AgentStatus `json:"from_status" db:"from_status"`
	ToStatus   AgentStatus `json:"to_status" db:"to_status"`
	Initiator  string      `json:"initiator" db:"initiator"` // e.g. "registry", "heartbeat-monitor", "restart-orchestrator"
	Reason     string      `json:"reason" db:"reason"`
	Forced     bool        `json:"forced" db:"forced"` // set when the override flag bypassed the transition table
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
