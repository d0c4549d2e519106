package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// Spawner performs one in-place restart attempt of the agent process.
type Spawner interface {
	Restart(ctx context.Context, agent models.Agent) error
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, agent models.Agent) error

func (f SpawnerFunc) Restart(ctx context.Context, agent models.Agent) error {
	return f(ctx, agent)
}

// RestartConfig holds the restart tunables.
type RestartConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// RestartOrchestrator performs bounded restart attempts for FAILED agents
// and escalates to the higher-authority override path once they are
// exhausted. Identities are never resurrected: a successful restart
// terminates the old identity and registers a fresh one, keeping the audit
// trail unambiguous.
type RestartOrchestrator struct {
	store     storage.Store
	registry  *AgentRegistry
	spawner   Spawner
	publisher events.Publisher
	logger    Logger
	cfg       RestartConfig
}

func NewRestartOrchestrator(store storage.Store, registry *AgentRegistry, spawner Spawner, publisher events.Publisher, logger Logger, cfg RestartConfig) *RestartOrchestrator {
	return &RestartOrchestrator{
		store:     store,
		registry:  registry,
		spawner:   spawner,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// HandleFailure drives the restart ladder for one FAILED agent. Attempts are
// spaced by exponential backoff; exhausting them terminates the identity and
// raises the guardian escalation event exactly once (the conditional
// FAILED->TERMINATED transition is the once-guard).
func (o *RestartOrchestrator) HandleFailure(ctx context.Context, agentID string) error {
	agent, err := o.store.GetAgent(agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &UnknownAgentError{AgentID: agentID}
		}
		return err
	}
	// Only agents still observed FAILED are restart-eligible; anything else
	// means another actor already moved it.
	if agent.Status != models.FailedAgentStatus {
		o.logger.Infof("Agent %s no longer FAILED (now %s), skipping restart", agentID, agent.Status)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.InitialInterval
	policy.MaxInterval = o.cfg.MaxInterval
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	attempt := 0
	op := func() error {
		attempt++
		n, err := o.store.IncrementRestartAttempts(agentID)
		if err != nil {
			return backoff.Permanent(err)
		}
		o.logger.Infof("Restart attempt %d/%d for agent %s", n, o.cfg.MaxAttempts, agentID)
		if err := o.spawner.Restart(ctx, agent); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}
	err = backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), uint64(o.cfg.MaxAttempts-1)))

	if err != nil {
		return o.escalate(ctx, agent, err)
	}
	return o.replace(ctx, agent)
}

// replace terminates the restarted identity and registers a fresh one with
// the same declared spec.
func (o *RestartOrchestrator) replace(ctx context.Context, agent models.Agent) error {
	if err := o.registry.Transition(ctx, agent.ID, models.TerminatedAgentStatus, "restart-orchestrator", "replaced by restart", false); err != nil {
		return err
	}
	fresh, err := o.registry.Register(ctx, AgentSpec{
		Capabilities: agent.Capabilities,
		PhaseID:      agent.PhaseID,
		Capacity:     agent.Capacity,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to register replacement for agent %s", agent.ID)
	}
	o.logger.Infof("Agent %s restarted as %s", agent.ID, fresh.ID)
	return nil
}

// escalate terminates the identity and raises the guardian event. The event
// is emitted only when this caller wins the FAILED->TERMINATED transition.
func (o *RestartOrchestrator) escalate(ctx context.Context, agent models.Agent, cause error) error {
	if err := o.registry.Transition(ctx, agent.ID, models.TerminatedAgentStatus, "restart-orchestrator", "restart attempts exhausted", false); err != nil {
		o.logger.Warnf("Escalation for agent %s dropped, transition lost: %v", agent.ID, err)
		return nil
	}
	o.publisher.Publish(events.New(events.TopicAgentEscalation, map[string]interface{}{
		"agent_id": agent.ID,
		"phase_id": agent.PhaseID,
		"attempts": o.cfg.MaxAttempts,
		"cause":    cause.Error(),
	}))
	o.logger.Errorf("Agent %s exhausted %d restart attempts, escalated: %v", agent.ID, o.cfg.MaxAttempts, cause)
	return nil
}
