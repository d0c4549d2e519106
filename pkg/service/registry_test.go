package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/service"
)

func TestRegisterAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("Validation", func(t *testing.T) {
		e := newEnv()
		_, err := e.registry.Register(ctx, service.AgentSpec{Capabilities: []string{"golang"}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "phase cannot be empty")

		_, err = e.registry.Register(ctx, service.AgentSpec{PhaseID: "build"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least one capability")

		_, err = e.registry.Register(ctx, service.AgentSpec{PhaseID: "build", Capabilities: []string{""}})
		assert.Error(t, err)
	})

	t.Run("StartsInSpawning", func(t *testing.T) {
		e := newEnv()
		agent, err := e.registry.Register(ctx, service.AgentSpec{PhaseID: "build", Capabilities: []string{"golang"}})
		assert.NoError(t, err)
		assert.Equal(t, models.SpawningAgentStatus, agent.Status)
		assert.Equal(t, 1, agent.Capacity)

		transitions, err := e.registry.ListTransitions(agent.ID)
		assert.NoError(t, err)
		assert.Len(t, transitions, 1)
		assert.Equal(t, models.SpawningAgentStatus, transitions[0].ToStatus)
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("TableEnforced", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")

		// IDLE cannot jump straight to FAILED.
		err := e.registry.Transition(ctx, agent.ID, models.FailedAgentStatus, "test", "why not", false)
		var illegal *service.IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)

		unchanged, err := e.registry.GetAgent(agent.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.IdleAgentStatus, unchanged.Status)
	})

	t.Run("TerminatedIsAbsorbing", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.QuarantinedAgentStatus, "test", "suspect", false))
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.TerminatedAgentStatus, "test", "done", false))

		err := e.registry.Transition(ctx, agent.ID, models.IdleAgentStatus, "test", "resurrect", false)
		var illegal *service.IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)
	})

	t.Run("ForcedOverrideBypassesTable", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.TerminatedAgentStatus, "guardian", "emergency stop", true))

		terminated, err := e.registry.GetAgent(agent.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.TerminatedAgentStatus, terminated.Status)

		transitions, err := e.registry.ListTransitions(agent.ID)
		assert.NoError(t, err)
		last := transitions[len(transitions)-1]
		assert.True(t, last.Forced)
		assert.Equal(t, "guardian", last.Initiator)
	})

	t.Run("AuditTrailReplaysToCurrentStatus", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.RunningAgentStatus, "test", "work", false))
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.DegradedAgentStatus, "test", "sick", false))
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.RunningAgentStatus, "test", "recovered", false))
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.IdleAgentStatus, "test", "done", false))

		transitions, err := e.registry.ListTransitions(agent.ID)
		assert.NoError(t, err)
		assert.Len(t, transitions, 6, "one record per accepted transition, no gaps")
		for i := 1; i < len(transitions); i++ {
			assert.Equal(t, transitions[i-1].ToStatus, transitions[i].FromStatus, "chain must be contiguous")
		}
		current, err := e.registry.GetAgent(agent.ID)
		assert.NoError(t, err)
		assert.Equal(t, current.Status, transitions[len(transitions)-1].ToStatus)
	})

	t.Run("SelfTransitionIsNoop", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		before, _ := e.registry.ListTransitions(agent.ID)
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.IdleAgentStatus, "test", "noop", false))
		after, _ := e.registry.ListTransitions(agent.ID)
		assert.Len(t, after, len(before))
	})
}

func TestExpireRegistrations(t *testing.T) {
	ctx := context.Background()

	t.Run("RollsBackSilentSpawning", func(t *testing.T) {
		e := newEnv()
		agent, err := e.registry.Register(ctx, service.AgentSpec{PhaseID: "build", Capabilities: []string{"golang"}})
		assert.NoError(t, err)

		e.clock.Advance(59 * time.Second)
		assert.NoError(t, e.registry.ExpireRegistrations(ctx, e.clock.Now()))
		_, err = e.registry.GetAgent(agent.ID)
		assert.NoError(t, err, "still inside the registration window")

		e.clock.Advance(2 * time.Second)
		assert.NoError(t, e.registry.ExpireRegistrations(ctx, e.clock.Now()))
		_, err = e.registry.GetAgent(agent.ID)
		var unknown *service.UnknownAgentError
		assert.ErrorAs(t, err, &unknown)
	})

	t.Run("HeartbeatKeepsRegistration", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		e.clock.Advance(2 * time.Minute)
		assert.NoError(t, e.registry.ExpireRegistrations(ctx, e.clock.Now()))
		_, err := e.registry.GetAgent(agent.ID)
		assert.NoError(t, err)
	})
}
