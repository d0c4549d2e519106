package service_test

import (
	"context"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/service"
	"github.com/stanchev/swarmflow/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ByTopic(topic string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// env wires the full service stack over the in-memory store.
type env struct {
	store      storage.Store
	clock      *fakeClock
	rec        *recorder
	registry   *service.AgentRegistry
	scorer     *service.TaskScorer
	scheduler  *service.TaskScheduler
	monitor    *service.HeartbeatMonitor
	diagnostic *service.StuckWorkflowDiagnostic
	workflows  *service.WorkflowService
}

func newEnv() *env {
	store := storage.NewMockStore()
	clock := newFakeClock()
	rec := &recorder{}
	registry := service.NewAgentRegistry(store, clock, rec, logger{})
	scorer := service.NewTaskScorer(service.DefaultScorerConfig())
	scheduler := service.NewTaskScheduler(store, scorer, registry, clock, rec, logger{})
	monitor := service.NewHeartbeatMonitor(store, registry, scheduler, clock, rec, logger{}, service.DefaultMonitorConfig())
	diagnostic := service.NewStuckWorkflowDiagnostic(store, scheduler, clock, rec, logger{}, service.DefaultDiagnosticConfig())
	workflows := service.NewWorkflowService(store, clock, logger{})
	return &env{
		store:      store,
		clock:      clock,
		rec:        rec,
		registry:   registry,
		scorer:     scorer,
		scheduler:  scheduler,
		monitor:    monitor,
		diagnostic: diagnostic,
		workflows:  workflows,
	}
}

// liveAgent registers an agent and sends its first heartbeat so it lands in
// IDLE, ready for assignment.
func liveAgent(t *testing.T, e *env, phase string, capabilities ...string) models.Agent {
	t.Helper()
	if len(capabilities) == 0 {
		capabilities = []string{"general"}
	}
	agent, err := e.registry.Register(context.Background(), service.AgentSpec{
		Capabilities: capabilities,
		PhaseID:      phase,
		Capacity:     1,
	})
	assert.NoError(t, err)
	assert.NoError(t, e.monitor.Record(context.Background(), heartbeat(agent.ID, 1, "")))
	live, err := e.registry.GetAgent(agent.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.IdleAgentStatus, live.Status)
	return live
}

// heartbeat builds a valid heartbeat with a matching checksum.
func heartbeat(agentID string, seq int64, activeTaskID string) service.Heartbeat {
	metrics := []byte(`{"cpu":0.2}`)
	return service.Heartbeat{
		AgentID:      agentID,
		Sequence:     seq,
		Checksum:     crc32.ChecksumIEEE(metrics),
		Metrics:      metrics,
		ActiveTaskID: activeTaskID,
	}
}

func TestTaskPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	wfID, err := e.workflows.CreateWorkflow(ctx, "ship-parser", "parse all the things", "build")
	assert.NoError(t, err)

	taskA, err := e.scheduler.CreateTask(ctx, service.TaskSpec{
		WorkflowID:   wfID,
		Name:         "implement",
		PhaseID:      "build",
		Capabilities: []string{"golang"},
		Priority:     models.HighPriority,
	})
	assert.NoError(t, err)
	taskB, err := e.scheduler.CreateTask(ctx, service.TaskSpec{
		WorkflowID:   wfID,
		Name:         "review",
		PhaseID:      "build",
		Capabilities: []string{"golang"},
		Priority:     models.CriticalPriority,
		Dependencies: []string{taskA.ID},
	})
	assert.NoError(t, err)

	agent := liveAgent(t, e, "build", "golang")

	// B outranks A on priority but is blocked behind it.
	got, err := e.scheduler.NextTask(ctx, agent.ID, "build", []string{"golang"})
	assert.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, taskA.ID, got.ID)

	running, err := e.registry.GetAgent(agent.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.RunningAgentStatus, running.Status)

	assert.NoError(t, e.scheduler.ReportOutcome(ctx, taskA.ID, agent.ID, true, ""))

	// A is done; B crosses its dependency barrier.
	got, err = e.scheduler.NextTask(ctx, agent.ID, "build", []string{"golang"})
	assert.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, taskB.ID, got.ID)
	assert.NoError(t, e.scheduler.ReportOutcome(ctx, taskB.ID, agent.ID, true, ""))

	idle, err := e.registry.GetAgent(agent.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.IdleAgentStatus, idle.Status)

	_, err = e.workflows.RecordResult(ctx, wfID, "parser shipped", true)
	assert.NoError(t, err)
	wf, err := e.workflows.GetWorkflow(wfID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)

	assert.Len(t, e.rec.ByTopic(events.TopicTaskAssigned), 2)
	assert.Len(t, e.rec.ByTopic(events.TopicTaskCompleted), 2)
}
