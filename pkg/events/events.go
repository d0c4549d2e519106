package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics published by the core. Delivery is fire-and-forget, at-least-once;
// consumers de-duplicate by event ID and timestamp.
const (
	TopicAgentStatusChanged = "agent.status_changed"
	TopicHeartbeatMissed    = "agent.heartbeat_missed"
	TopicAgentEscalation    = "agent.escalation"
	TopicTaskAssigned       = "task.assigned"
	TopicTaskCompleted      = "task.completed"
	TopicTaskFailed         = "task.failed"
	TopicDiagnosticStarted  = "diagnostic.started"
	TopicDiagnosticDone     = "diagnostic.completed"
)

// Event is one lifecycle notification emitted by the core.
type Event struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// New builds an event with a fresh ID and the given payload.
func New(topic string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher is the outbound side consumed by the services.
type Publisher interface {
	Publish(e Event)
}
