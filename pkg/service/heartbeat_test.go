package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/service"
)

// failureRecorder captures restart invocations.
type failureRecorder struct {
	mu     sync.Mutex
	agents []string
}

func (f *failureRecorder) HandleFailure(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agentID)
	return nil
}

func (f *failureRecorder) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.agents...)
}

func TestRecordHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("ChecksumMismatchRejected", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")

		hb := heartbeat(agent.ID, 2, "")
		hb.Checksum = hb.Checksum + 1
		err := e.monitor.Record(ctx, hb)
		var mismatch *service.ChecksumMismatchError
		assert.ErrorAs(t, err, &mismatch)

		// The rejected heartbeat must not count as received.
		got, err := e.registry.GetAgent(agent.ID)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), got.LastSequence)
	})

	t.Run("SequenceGapTolerated", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		// Jumping 1 -> 5 is logged as an anomaly but still accepted.
		assert.NoError(t, e.monitor.Record(ctx, heartbeat(agent.ID, 5, "")))
		got, err := e.registry.GetAgent(agent.ID)
		assert.NoError(t, err)
		assert.Equal(t, int64(5), got.LastSequence)
	})

	t.Run("UnknownAgentRejected", func(t *testing.T) {
		e := newEnv()
		err := e.monitor.Record(ctx, heartbeat("ghost", 1, ""))
		var unknown *service.UnknownAgentError
		assert.ErrorAs(t, err, &unknown)
	})

	t.Run("TerminatedAgentRejected", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		assert.NoError(t, e.registry.Transition(ctx, agent.ID, models.TerminatedAgentStatus, "test", "gone", true))
		err := e.monitor.Record(ctx, heartbeat(agent.ID, 2, ""))
		var unknown *service.UnknownAgentError
		assert.ErrorAs(t, err, &unknown)
	})
}

func TestEscalationLadder(t *testing.T) {
	ctx := context.Background()

	// Agent heartbeats at t=0 while RUNNING a task (TTL 15s). The ladder must
	// fire deterministically: warn after one missed interval, DEGRADED after
	// two, FAILED with task release after three.
	t.Run("RunningAgentGoesSilent", func(t *testing.T) {
		e := newEnv()
		restarts := &failureRecorder{}
		e.monitor.SetRestartHandler(restarts)

		wfID, _ := e.workflows.CreateWorkflow(ctx, "wf", "", "build")
		task, err := e.scheduler.CreateTask(ctx, service.TaskSpec{WorkflowID: wfID, Name: "work", PhaseID: "build", MaxRetries: 3})
		assert.NoError(t, err)
		agent := liveAgent(t, e, "build")
		got, err := e.scheduler.NextTask(ctx, agent.ID, "build", nil)
		assert.NoError(t, err)
		assert.NotNil(t, got)
		assert.NoError(t, e.monitor.Record(ctx, heartbeat(agent.ID, 2, task.ID)))

		// t=16s: one interval missed, warning only.
		e.clock.Advance(16 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		got1, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.RunningAgentStatus, got1.Status)
		assert.Equal(t, 1, got1.MissedHeartbeats)
		assert.Len(t, e.rec.ByTopic(events.TopicHeartbeatMissed), 1)

		// t=31s: two intervals missed, DEGRADED.
		e.clock.Advance(15 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		got2, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.DegradedAgentStatus, got2.Status)
		assert.Equal(t, 2, got2.MissedHeartbeats)

		// t=46s: three intervals missed, FAILED; the task goes back to the
		// queue untouched and the restart path kicks in.
		e.clock.Advance(15 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		got3, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.FailedAgentStatus, got3.Status)

		released, err := e.store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, released.Status)
		assert.Nil(t, released.AgentID)
		assert.Equal(t, 0, released.RetryCount)

		assert.Equal(t, []string{agent.ID}, restarts.calls())
	})

	t.Run("IdleAgentUsesLooserTTL", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")

		// 29s of silence is fine for an IDLE agent (TTL 30s).
		e.clock.Advance(29 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		got, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.IdleAgentStatus, got.Status)
		assert.Equal(t, 0, got.MissedHeartbeats)

		e.clock.Advance(2 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		got, _ = e.registry.GetAgent(agent.ID)
		assert.Equal(t, 1, got.MissedHeartbeats)
	})

	t.Run("IdleEscalationPassesThroughDegraded", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")

		// Jump straight past three IDLE intervals in one tick.
		e.clock.Advance(91 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		got, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.FailedAgentStatus, got.Status)

		transitions, err := e.registry.ListTransitions(agent.ID)
		assert.NoError(t, err)
		var statuses []models.AgentStatus
		for _, tr := range transitions {
			statuses = append(statuses, tr.ToStatus)
		}
		assert.Equal(t, []models.AgentStatus{
			models.SpawningAgentStatus,
			models.IdleAgentStatus,
			models.DegradedAgentStatus,
			models.FailedAgentStatus,
		}, statuses)
	})

	t.Run("DegradedAgentRecoversOnHeartbeat", func(t *testing.T) {
		e := newEnv()
		wfID, _ := e.workflows.CreateWorkflow(ctx, "wf", "", "build")
		task, err := e.scheduler.CreateTask(ctx, service.TaskSpec{WorkflowID: wfID, Name: "work", PhaseID: "build"})
		assert.NoError(t, err)
		agent := liveAgent(t, e, "build")
		got, err := e.scheduler.NextTask(ctx, agent.ID, "build", nil)
		assert.NoError(t, err)
		assert.NotNil(t, got)

		e.clock.Advance(31 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		degraded, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.DegradedAgentStatus, degraded.Status)

		// A valid heartbeat carrying the active task restores RUNNING and
		// clears the missed counter.
		assert.NoError(t, e.monitor.Record(ctx, heartbeat(agent.ID, 2, task.ID)))
		recovered, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.RunningAgentStatus, recovered.Status)
		assert.Equal(t, 0, recovered.MissedHeartbeats)

		// The carried task is now RUNNING too.
		active, err := e.store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, active.Status)
	})

	t.Run("DegradedIdleAgentRecoversToIdle", func(t *testing.T) {
		e := newEnv()
		agent := liveAgent(t, e, "build")
		e.clock.Advance(61 * time.Second)
		assert.NoError(t, e.monitor.Tick(ctx))
		degraded, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.DegradedAgentStatus, degraded.Status)

		assert.NoError(t, e.monitor.Record(ctx, heartbeat(agent.ID, 2, "")))
		recovered, _ := e.registry.GetAgent(agent.ID)
		assert.Equal(t, models.IdleAgentStatus, recovered.Status)
	})
}
