package service

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// Escalation ladder thresholds, in consecutive missed intervals.
const (
	WarnAfterMissed    = 1
	DegradeAfterMissed = 2
	FailedAfterMissed  = 3
)

// MonitorConfig holds the liveness tunables. RUNNING agents are held to a
// tighter bound because a stall during execution is costlier.
type MonitorConfig struct {
	IdleTTL    time.Duration `yaml:"idle_ttl"`
	RunningTTL time.Duration `yaml:"running_ttl"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		IdleTTL:    30 * time.Second,
		RunningTTL: 15 * time.Second,
	}
}

// Heartbeat is one liveness report from an agent. ActiveTaskID is set while
// the agent is executing a task; the monitor uses it both to restore a
// recovered DEGRADED agent to the right operational status and to move the
// task ASSIGNED->RUNNING.
type Heartbeat struct {
	AgentID      string `json:"agent_id"`
	Sequence     int64  `json:"sequence"`
	Checksum     uint32 `json:"checksum"` // CRC-32 (IEEE) over Metrics
	Metrics      []byte `json:"metrics"`  // opaque health metrics blob
	ActiveTaskID string `json:"active_task_id,omitempty"`
}

// RestartHandler is invoked when the ladder reaches FAILED.
type RestartHandler interface {
	HandleFailure(ctx context.Context, agentID string) error
}

// HeartbeatMonitor owns the liveness protocol and the escalation ladder.
type HeartbeatMonitor struct {
	store     storage.Store
	registry  *AgentRegistry
	scheduler *TaskScheduler
	restarts  RestartHandler
	clock     Clock
	publisher events.Publisher
	logger    Logger
	cfg       MonitorConfig
}

func NewHeartbeatMonitor(store storage.Store, registry *AgentRegistry, scheduler *TaskScheduler, clock Clock, publisher events.Publisher, logger Logger, cfg MonitorConfig) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// SetRestartHandler wires the restart path; set after construction because
// the orchestrator needs the registry that the monitor also owns a view of.
func (m *HeartbeatMonitor) SetRestartHandler(h RestartHandler) {
	m.restarts = h
}

// Record accepts one heartbeat. A valid heartbeat resets the missed counter
// and restores a DEGRADED agent to its operational status; a checksum
// mismatch is rejected and does not touch the counter.
func (m *HeartbeatMonitor) Record(ctx context.Context, hb Heartbeat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	agent, err := m.store.GetAgent(hb.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &UnknownAgentError{AgentID: hb.AgentID}
		}
		return err
	}
	if agent.Status == models.TerminatedAgentStatus {
		return &UnknownAgentError{AgentID: hb.AgentID}
	}

	if sum := crc32.ChecksumIEEE(hb.Metrics); sum != hb.Checksum {
		return &ChecksumMismatchError{AgentID: hb.AgentID, Expected: sum, Got: hb.Checksum}
	}

	// Sequence gaps are anomalies worth recording but the heartbeat still
	// counts as received for TTL purposes; only missed time windows escalate.
	if agent.LastSequence > 0 && hb.Sequence != agent.LastSequence+1 {
		m.logger.Warnf("Heartbeat sequence anomaly for agent %s: expected %d, got %d",
			hb.AgentID, agent.LastSequence+1, hb.Sequence)
	}

	now := m.clock.Now()
	if err := m.store.SaveHeartbeat(models.HeartbeatRecord{
		AgentID:    hb.AgentID,
		Sequence:   hb.Sequence,
		Checksum:   hb.Checksum,
		Metrics:    hb.Metrics,
		ReceivedAt: now,
	}); err != nil {
		return errors.Wrap(err, "failed to save heartbeat")
	}
	if err := m.store.RecordAgentHeartbeat(hb.AgentID, hb.Sequence, now); err != nil {
		return errors.Wrap(err, "failed to stamp agent liveness")
	}

	switch agent.Status {
	case models.SpawningAgentStatus:
		// First heartbeat completes the registration.
		if err := m.registry.Transition(ctx, hb.AgentID, models.IdleAgentStatus, "heartbeat-monitor", "first heartbeat", false); err != nil {
			return err
		}
	case models.DegradedAgentStatus:
		restored := models.IdleAgentStatus
		if hb.ActiveTaskID != "" {
			restored = models.RunningAgentStatus
		}
		if err := m.registry.Transition(ctx, hb.AgentID, restored, "heartbeat-monitor", "heartbeat recovered", false); err != nil {
			return err
		}
	}

	if hb.ActiveTaskID != "" {
		if err := m.scheduler.StartTask(ctx, hb.ActiveTaskID, hb.AgentID); err != nil {
			m.logger.Errorf("Failed to mark task %s running for agent %s: %v", hb.ActiveTaskID, hb.AgentID, err)
		}
	}
	return nil
}

// Tick runs one monitoring pass: expire stale registrations, then evaluate
// the escalation ladder for every live agent against time since its last
// valid heartbeat.
func (m *HeartbeatMonitor) Tick(ctx context.Context) error {
	now := m.clock.Now()
	if err := m.registry.ExpireRegistrations(ctx, now); err != nil {
		return err
	}
	agents, err := m.store.ListAgents(models.IdleAgentStatus, models.RunningAgentStatus, models.DegradedAgentStatus)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if err := m.evaluate(ctx, agent, now); err != nil {
			m.logger.Errorf("Failed to evaluate agent %s: %v", agent.ID, err)
		}
	}
	return nil
}

func (m *HeartbeatMonitor) evaluate(ctx context.Context, agent models.Agent, now time.Time) error {
	ttl, err := m.ttlFor(agent)
	if err != nil {
		return err
	}
	baseline := agent.CreatedAt
	if agent.LastHeartbeatAt != nil {
		baseline = *agent.LastHeartbeatAt
	}
	missed := int(now.Sub(baseline) / ttl)
	if missed <= agent.MissedHeartbeats {
		return nil
	}
	if err := m.store.UpdateAgentMissed(agent.ID, missed); err != nil {
		return err
	}
	m.publisher.Publish(events.New(events.TopicHeartbeatMissed, map[string]interface{}{
		"agent_id": agent.ID,
		"missed":   missed,
		"ttl_ms":   ttl.Milliseconds(),
	}))
	m.logger.Warnf("Agent %s missed %d heartbeat interval(s) (ttl %s)", agent.ID, missed, ttl)

	switch {
	case missed >= FailedAfterMissed:
		return m.escalateFailed(ctx, agent)
	case missed >= DegradeAfterMissed:
		if agent.Status != models.DegradedAgentStatus {
			return m.registry.Transition(ctx, agent.ID, models.DegradedAgentStatus, "heartbeat-monitor", "missed heartbeats", false)
		}
	}
	// One missed interval is a warning only; the event above is the record.
	return nil
}

// ttlFor picks the status-specific heartbeat bound. A DEGRADED agent is held
// to the bound of the workload it still carries.
func (m *HeartbeatMonitor) ttlFor(agent models.Agent) (time.Duration, error) {
	switch agent.Status {
	case models.RunningAgentStatus:
		return m.cfg.RunningTTL, nil
	case models.DegradedAgentStatus:
		held, err := m.store.ListAgentTasks(agent.ID)
		if err != nil {
			return 0, err
		}
		if len(held) > 0 {
			return m.cfg.RunningTTL, nil
		}
		return m.cfg.IdleTTL, nil
	default:
		return m.cfg.IdleTTL, nil
	}
}

// escalateFailed marks an unresponsive agent FAILED, returns its in-flight
// work to the queue and kicks off the restart path. Transitions go through
// the table, so an IDLE agent passes through DEGRADED first.
func (m *HeartbeatMonitor) escalateFailed(ctx context.Context, agent models.Agent) error {
	if agent.Status == models.IdleAgentStatus {
		if err := m.registry.Transition(ctx, agent.ID, models.DegradedAgentStatus, "heartbeat-monitor", "missed heartbeats", false); err != nil {
			return err
		}
	}
	if err := m.registry.Transition(ctx, agent.ID, models.FailedAgentStatus, "heartbeat-monitor", "unresponsive", false); err != nil {
		return err
	}
	released, err := m.scheduler.ReleaseAgentTasks(ctx, agent.ID)
	if err != nil {
		return err
	}
	if len(released) > 0 {
		m.logger.Infof("Requeued %d task(s) orphaned by agent %s", len(released), agent.ID)
	}
	if m.restarts != nil {
		if err := m.restarts.HandleFailure(ctx, agent.ID); err != nil {
			m.logger.Errorf("Restart handling for agent %s failed: %v", agent.ID, err)
		}
	}
	return nil
}
