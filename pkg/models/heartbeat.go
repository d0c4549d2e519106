package models

import "time"

// HeartbeatRecord is the last-known liveness snapshot for an agent. It is
// superseded on each valid heartbeat, never appended.
type HeartbeatRecord struct {
	AgentID    string    `json:"agent_id" db:"agent_id"`
	Sequence   int64     `json:"sequence" db:"sequence"`
	Checksum   uint32    `json:"checksum" db:"checksum"` // CRC-32 (IEEE) over the metrics payload
	Metrics    []byte    `json:"metrics" db:"metrics"`   // Opaque health metrics blob
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
