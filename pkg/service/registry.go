package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// DefaultRegistrationTimeout is how long a SPAWNING agent may exist without a
// heartbeat before the registration is rolled back.
const DefaultRegistrationTimeout = 60 * time.Second

// legalTransitions is the only source of truth for agent status changes.
// TERMINATED is absorbing. Anything not listed requires the override flag
// reserved for a higher-authority emergency actor.
var legalTransitions = map[models.AgentStatus][]models.AgentStatus{
	models.SpawningAgentStatus:    {models.IdleAgentStatus},
	models.IdleAgentStatus:        {models.RunningAgentStatus, models.DegradedAgentStatus, models.QuarantinedAgentStatus},
	models.RunningAgentStatus:     {models.IdleAgentStatus, models.DegradedAgentStatus, models.FailedAgentStatus},
	models.DegradedAgentStatus:    {models.IdleAgentStatus, models.RunningAgentStatus, models.QuarantinedAgentStatus, models.FailedAgentStatus},
	models.FailedAgentStatus:      {models.TerminatedAgentStatus},
	models.QuarantinedAgentStatus: {models.IdleAgentStatus, models.TerminatedAgentStatus},
	models.TerminatedAgentStatus:  {},
}

func transitionAllowed(from, to models.AgentStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AgentSpec is the registration input.
type AgentSpec struct {
	Capabilities []string
	PhaseID      string
	Capacity     int
}

// AgentRegistry owns agent identity and the status state machine. Status
// transitions are applied only here, never by the agent process itself.
type AgentRegistry struct {
	store               storage.Store
	clock               Clock
	publisher           events.Publisher
	logger              Logger
	registrationTimeout time.Duration
}

func NewAgentRegistry(store storage.Store, clock Clock, publisher events.Publisher, logger Logger) *AgentRegistry {
	return &AgentRegistry{
		store:               store,
		clock:               clock,
		publisher:           publisher,
		logger:              logger,
		registrationTimeout: DefaultRegistrationTimeout,
	}
}

// SetRegistrationTimeout overrides the default registration window.
func (r *AgentRegistry) SetRegistrationTimeout(d time.Duration) {
	r.registrationTimeout = d
}

// Register validates the declared capabilities/phase/capacity, generates an
// identity and creates the agent in SPAWNING. The agent becomes IDLE on its
// first heartbeat; ExpireRegistrations rolls it back if none arrives within
// the registration window.
func (r *AgentRegistry) Register(ctx context.Context, spec AgentSpec) (models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return models.Agent{}, err
	}
	if spec.PhaseID == "" {
		return models.Agent{}, &ValidationError{Msg: "agent phase cannot be empty"}
	}
	if len(spec.Capabilities) == 0 {
		return models.Agent{}, &ValidationError{Msg: "agent must declare at least one capability"}
	}
	for _, c := range spec.Capabilities {
		if c == "" {
			return models.Agent{}, &ValidationError{Msg: "empty capability"}
		}
	}
	if spec.Capacity <= 0 {
		spec.Capacity = 1
	}

	now := r.clock.Now()
	agent := models.Agent{
		ID:           uuid.NewString(),
		Capabilities: spec.Capabilities,
		PhaseID:      spec.PhaseID,
		Capacity:     spec.Capacity,
		Status:       models.SpawningAgentStatus,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.SaveAgent(agent); err != nil {
		return models.Agent{}, errors.Wrap(err, "failed to save agent")
	}
	if err := r.store.SaveTransition(models.AgentStatusTransition{
		AgentID:    agent.ID,
		FromStatus: "",
		ToStatus:   models.SpawningAgentStatus,
		Initiator:  "registry",
		Reason:     "registered",
		CreatedAt:  now,
	}); err != nil {
		return models.Agent{}, errors.Wrap(err, "failed to record registration transition")
	}
	r.publisher.Publish(events.New(events.TopicAgentStatusChanged, map[string]interface{}{
		"agent_id": agent.ID,
		"from":     "",
		"to":       string(models.SpawningAgentStatus),
		"reason":   "registered",
	}))
	r.logger.Infof("Registered agent %s (phase=%s, capabilities=%v, capacity=%d)",
		agent.ID, spec.PhaseID, spec.Capabilities, spec.Capacity)
	return agent, nil
}

// Transition applies one status change, enforcing the transition table unless
// forced. Every accepted transition — forced or not — writes exactly one
// audit record and emits a status-changed event.
func (r *AgentRegistry) Transition(ctx context.Context, agentID string, to models.AgentStatus, initiator, reason string, forced bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	agent, err := r.store.GetAgent(agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &UnknownAgentError{AgentID: agentID}
		}
		return err
	}
	from := agent.Status
	if from == to {
		return nil
	}
	if !forced && !transitionAllowed(from, to) {
		return &IllegalTransitionError{From: string(from), To: string(to)}
	}
	// Conditional on the observed status so a concurrent transition (e.g. a
	// heartbeat arriving while the monitor escalates) cannot be overwritten.
	ok, err := r.store.UpdateAgentStatus(agentID, from, to)
	if err != nil {
		return errors.Wrapf(err, "failed to transition agent %s", agentID)
	}
	if !ok {
		return errors.Errorf("agent %s changed status concurrently, transition to %s dropped", agentID, to)
	}
	if err := r.store.SaveTransition(models.AgentStatusTransition{
		AgentID:    agentID,
		FromStatus: from,
		ToStatus:   to,
		Initiator:  initiator,
		Reason:     reason,
		Forced:     forced,
		CreatedAt:  r.clock.Now(),
	}); err != nil {
		return errors.Wrap(err, "failed to record transition")
	}
	r.publisher.Publish(events.New(events.TopicAgentStatusChanged, map[string]interface{}{
		"agent_id": agentID,
		"from":     string(from),
		"to":       string(to),
		"reason":   reason,
		"forced":   forced,
	}))
	r.logger.Infof("Agent %s: %s -> %s (%s, by %s)", agentID, from, to, reason, initiator)
	return nil
}

// ExpireRegistrations rolls back SPAWNING agents that never sent a heartbeat
// within the registration window. Called from the monitor tick so it runs on
// the shared clock.
func (r *AgentRegistry) ExpireRegistrations(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	spawning, err := r.store.ListAgents(models.SpawningAgentStatus)
	if err != nil {
		return err
	}
	for _, agent := range spawning {
		if agent.LastHeartbeatAt != nil {
			continue
		}
		if now.Sub(agent.CreatedAt) < r.registrationTimeout {
			continue
		}
		regErr := &RegistrationTimeoutError{AgentID: agent.ID}
		if err := r.store.DeleteAgent(agent.ID); err != nil {
			r.logger.Errorf("Failed to roll back registration for agent %s: %v", agent.ID, err)
			continue
		}
		r.publisher.Publish(events.New(events.TopicAgentStatusChanged, map[string]interface{}{
			"agent_id": agent.ID,
			"from":     string(models.SpawningAgentStatus),
			"to":       "",
			"reason":   regErr.Error(),
		}))
		r.logger.Warnf("Rolled back registration: %v", regErr)
	}
	return nil
}

func (r *AgentRegistry) GetAgent(agentID string) (models.Agent, error) {
	agent, err := r.store.GetAgent(agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Agent{}, &UnknownAgentError{AgentID: agentID}
		}
		return models.Agent{}, err
	}
	return agent, nil
}

func (r *AgentRegistry) ListAgents(statuses ...models.AgentStatus) ([]models.Agent, error) {
	return r.store.ListAgents(statuses...)
}

func (r *AgentRegistry) ListTransitions(agentID string) ([]models.AgentStatusTransition, error) {
	return r.store.ListTransitions(agentID)
}
