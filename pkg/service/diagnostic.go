package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// DiagnosticConfig holds the stuck-workflow detection tunables.
type DiagnosticConfig struct {
	StuckThreshold time.Duration `yaml:"stuck_threshold"` // quiet time before a workflow counts as stuck
	Cooldown       time.Duration `yaml:"cooldown"`        // minimum spacing between runs per workflow
	MaxRetries     int           `yaml:"max_retries"`     // retry budget for injected recovery tasks
}

func DefaultDiagnosticConfig() DiagnosticConfig {
	return DiagnosticConfig{
		StuckThreshold: 60 * time.Second,
		Cooldown:       60 * time.Second,
		MaxRetries:     3,
	}
}

// StuckWorkflowDiagnostic detects workflows that exhausted all assignable
// work without producing a validated result, and injects recovery work
// through the ordinary task creation path.
type StuckWorkflowDiagnostic struct {
	store     storage.Store
	scheduler *TaskScheduler
	clock     Clock
	publisher events.Publisher
	logger    Logger
	cfg       DiagnosticConfig
}

func NewStuckWorkflowDiagnostic(store storage.Store, scheduler *TaskScheduler, clock Clock, publisher events.Publisher, logger Logger, cfg DiagnosticConfig) *StuckWorkflowDiagnostic {
	return &StuckWorkflowDiagnostic{
		store:     store,
		scheduler: scheduler,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// Sweep runs one detection pass over all non-terminal workflows. Every
// confirmed detection produces a DiagnosticRun: RECOVERED when at least one
// recovery task was injected, NO_ACTION otherwise. Both count toward the
// cooldown so an undiagnosable workflow cannot cause a tight retry loop.
func (d *StuckWorkflowDiagnostic) Sweep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	workflows, err := d.store.ListWorkflows()
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if wf.Status.Terminal() {
			continue
		}
		if err := d.inspect(ctx, wf); err != nil {
			d.logger.Errorf("Diagnostic inspection of workflow %d failed: %v", wf.ID, err)
		}
	}
	return nil
}

// inspect confirms the four stuck conditions for one workflow and, when all
// hold, runs the recovery path.
func (d *StuckWorkflowDiagnostic) inspect(ctx context.Context, wf models.Workflow) error {
	now := d.clock.Now()
	tasks, err := d.store.ListTasksByWorkflow(wf.ID)
	if err != nil {
		return err
	}

	// (a) zero runnable work left
	var completed, failed int
	var lastActivity time.Time
	for _, t := range tasks {
		if t.Status.Active() {
			return nil
		}
		switch t.Status {
		case models.CompletedTaskStatus:
			completed++
		case models.FailedTaskStatus:
			failed++
		}
		if t.CompletedAt != nil && t.CompletedAt.After(lastActivity) {
			lastActivity = *t.CompletedAt
		}
	}
	if lastActivity.IsZero() {
		lastActivity = wf.UpdatedAt
	}

	// (b) no accepted result
	if _, err := d.store.GetAcceptedResult(wf.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// (c) quiet for long enough
	idleFor := now.Sub(lastActivity)
	if idleFor < d.cfg.StuckThreshold {
		return nil
	}

	// (d) cooldown since the previous run, NO_ACTION included
	if last, err := d.store.LatestDiagnosticRun(wf.ID); err == nil {
		if now.Sub(last.CreatedAt) < d.cfg.Cooldown {
			return nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return d.recover(ctx, wf, tasks, completed, failed, idleFor)
}

// recover creates the DiagnosticRun and injects recovery work through the
// ordinary creation path, tagged with the run as its discovery origin.
func (d *StuckWorkflowDiagnostic) recover(ctx context.Context, wf models.Workflow, tasks []models.Task, completed, failed int, idleFor time.Duration) error {
	now := d.clock.Now()
	run := models.DiagnosticRun{
		WorkflowID:     wf.ID,
		Outcome:        models.RunningDiagnosticOutcome,
		CompletedTasks: completed,
		FailedTasks:    failed,
		IdleFor:        idleFor,
		GoalText:       wf.Goal,
		CreatedAt:      now,
	}
	runID, err := d.store.SaveDiagnosticRun(run)
	if err != nil {
		return errors.Wrapf(err, "failed to record diagnostic run for workflow %d", wf.ID)
	}
	d.publisher.Publish(events.New(events.TopicDiagnosticStarted, map[string]interface{}{
		"run_id":      runID,
		"workflow_id": wf.ID,
		"idle_ms":     idleFor.Milliseconds(),
	}))
	d.logger.Warnf("Workflow %d stuck for %s (completed=%d failed=%d), diagnostic run %d started",
		wf.ID, idleFor, completed, failed, runID)

	outcome := models.NoActionDiagnosticOutcome
	spec, ok := d.recoverySpec(wf, tasks, runID)
	if ok {
		if task, err := d.scheduler.CreateTask(ctx, spec); err != nil {
			d.logger.Errorf("Failed to inject recovery task for workflow %d: %v", wf.ID, err)
		} else {
			outcome = models.RecoveredDiagnosticOutcome
			d.logger.Infof("Injected recovery task %s into workflow %d", task.ID, wf.ID)
		}
	} else {
		d.logger.Warnf("No recovery task could be determined for workflow %d", wf.ID)
	}

	if err := d.store.UpdateDiagnosticOutcome(runID, outcome); err != nil {
		return errors.Wrapf(err, "failed to finish diagnostic run %d", runID)
	}
	d.publisher.Publish(events.New(events.TopicDiagnosticDone, map[string]interface{}{
		"run_id":      runID,
		"workflow_id": wf.ID,
		"outcome":     string(outcome),
	}))
	return nil
}

// ListRuns returns the audit trail of diagnostic runs for a workflow.
func (d *StuckWorkflowDiagnostic) ListRuns(workflowID int64) ([]models.DiagnosticRun, error) {
	return d.store.ListDiagnosticRuns(workflowID)
}

// recoverySpec derives the injected task from the workflow's last activity.
// The phase and capabilities come from the most recently finished task, or
// the workflow's own phase when it never ran one; with neither available no
// recovery can be determined.
func (d *StuckWorkflowDiagnostic) recoverySpec(wf models.Workflow, tasks []models.Task, runID int64) (TaskSpec, bool) {
	var last *models.Task
	for i := range tasks {
		t := &tasks[i]
		if last == nil || (t.CompletedAt != nil && (last.CompletedAt == nil || t.CompletedAt.After(*last.CompletedAt))) {
			last = t
		}
	}
	phase := wf.PhaseID
	var capabilities []string
	if last != nil {
		if last.PhaseID != "" {
			phase = last.PhaseID
		}
		capabilities = last.Capabilities
	}
	if phase == "" {
		return TaskSpec{}, false
	}
	// Elevated priority so the scorer surfaces the recovery work immediately.
	return TaskSpec{
		WorkflowID:   wf.ID,
		Name:         "recover: " + wf.Name,
		PhaseID:      phase,
		Capabilities: capabilities,
		Priority:     models.CriticalPriority,
		MaxRetries:   d.cfg.MaxRetries,
		SpawnedFrom:  &runID,
	}, true
}
