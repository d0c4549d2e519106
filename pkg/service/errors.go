package service

import "fmt"

// ValidationError covers malformed input: bad capability or phase values,
// references to missing tasks, illegal status values. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Msg)
}

// DependencyCycleError is returned when a task creation would introduce a
// cycle into the dependency graph. The task is not created.
type DependencyCycleError struct {
	TaskID string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle introduced by task %s", e.TaskID)
}

// RegistrationTimeoutError is raised when an agent never sends a heartbeat
// within the registration window; the SPAWNING row is rolled back.
type RegistrationTimeoutError struct {
	AgentID string
}

func (e *RegistrationTimeoutError) Error() string {
	return fmt.Sprintf("agent %s sent no heartbeat within the registration window", e.AgentID)
}

// ChecksumMismatchError rejects a heartbeat whose checksum does not match its
// payload. The heartbeat is ignored for TTL purposes and does not reset the
// missed counter.
type ChecksumMismatchError struct {
	AgentID  string
	Expected uint32
	Got      uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("heartbeat checksum mismatch for agent %s: expected %08x, got %08x", e.AgentID, e.Expected, e.Got)
}

// UnknownAgentError is returned for operations referencing an agent the
// registry does not know.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %s", e.AgentID)
}

// NotAssignedToAgentError rejects an outcome report from an agent that does
// not hold the task. The task is left unchanged.
type NotAssignedToAgentError struct {
	TaskID  string
	AgentID string
}

func (e *NotAssignedToAgentError) Error() string {
	return fmt.Sprintf("task %s is not assigned to agent %s", e.TaskID, e.AgentID)
}

// IllegalTransitionError rejects an agent status change not present in the
// transition table (and not forced).
type IllegalTransitionError struct {
	From, To string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal agent status transition %s -> %s", e.From, e.To)
}
