package service

import (
	"context"
	"sort"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// TaskSpec is the creation input consumed from upstream collaborators (the
// workflow/phase layer) and from the diagnostic injector.
type TaskSpec struct {
	WorkflowID   int64
	Name         string
	PhaseID      string
	Capabilities []string
	Priority     models.TaskPriority
	Dependencies []string
	MaxRetries   int
	DeadlineAt   *time.Time
	ParentTaskID *string
	SpawnedFrom  *int64 // set only by the diagnostic's discovery-tagged creation path
}

// TaskScheduler owns the assignment algorithm: it matches ready work to
// capable, healthy agents and is the only writer of PENDING->ASSIGNED.
type TaskScheduler struct {
	store     storage.Store
	scorer    *TaskScorer
	registry  *AgentRegistry
	clock     Clock
	publisher events.Publisher
	logger    Logger
}

func NewTaskScheduler(store storage.Store, scorer *TaskScorer, registry *AgentRegistry, clock Clock, publisher events.Publisher, logger Logger) *TaskScheduler {
	return &TaskScheduler{
		store:     store,
		scorer:    scorer,
		registry:  registry,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateTask validates the spec, rejects dependency cycles and persists the
// task together with its dependency edges.
func (s *TaskScheduler) CreateTask(ctx context.Context, spec TaskSpec) (task models.Task, err error) {
	if err := ctx.Err(); err != nil {
		return models.Task{}, err
	}
	if spec.Name == "" {
		return models.Task{}, &ValidationError{Msg: "task name cannot be empty"}
	}
	if spec.PhaseID == "" {
		return models.Task{}, &ValidationError{Msg: "task phase cannot be empty"}
	}
	for _, c := range spec.Capabilities {
		if c == "" {
			return models.Task{}, &ValidationError{Msg: "empty capability"}
		}
	}
	switch spec.Priority {
	case models.CriticalPriority, models.HighPriority, models.MediumPriority, models.LowPriority:
	case "":
		spec.Priority = models.MediumPriority
	default:
		return models.Task{}, &ValidationError{Msg: "invalid priority '" + string(spec.Priority) + "'"}
	}
	if spec.MaxRetries < 0 {
		return models.Task{}, &ValidationError{Msg: "max retries cannot be negative"}
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Task{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if _, err = txStore.GetWorkflow(spec.WorkflowID); err != nil {
		return models.Task{}, &ValidationError{Msg: errors.Wrapf(err, "workflow %d", spec.WorkflowID).Error()}
	}

	id := uuid.NewString()
	// Dependency references must exist; missing rows fail the creation, not
	// silently satisfy it.
	for _, dep := range spec.Dependencies {
		if _, err = txStore.GetTask(dep); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return models.Task{}, &ValidationError{Msg: "dependency '" + dep + "' does not exist"}
			}
			return models.Task{}, err
		}
	}
	if err = s.checkCycle(txStore, spec.WorkflowID, id, spec.Dependencies); err != nil {
		return models.Task{}, err
	}

	task = models.Task{
		ID:           id,
		WorkflowID:   spec.WorkflowID,
		Name:         spec.Name,
		PhaseID:      spec.PhaseID,
		Capabilities: spec.Capabilities,
		Priority:     spec.Priority,
		Status:       models.PendingTaskStatus,
		MaxRetries:   spec.MaxRetries,
		ParentTaskID: spec.ParentTaskID,
		SpawnedFrom:  spec.SpawnedFrom,
		DeadlineAt:   spec.DeadlineAt,
		CreatedAt:    s.clock.Now(),
		Dependencies: spec.Dependencies,
	}
	if err = txStore.SaveTask(task); err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to save task %s", id)
	}
	for _, dep := range spec.Dependencies {
		if err = txStore.SaveDependency(models.Dependency{TaskID: id, DependsOn: dep, WorkflowID: spec.WorkflowID}); err != nil {
			return models.Task{}, errors.Wrapf(err, "failed to save dependency %s -> %s", id, dep)
		}
	}
	s.logger.Infof("Created task '%s' (%s) in workflow %d with dependencies %v", spec.Name, id, spec.WorkflowID, spec.Dependencies)
	return task, nil
}

// checkCycle validates the workflow's dependency graph with the candidate
// task's edges added.
func (s *TaskScheduler) checkCycle(store storage.Store, workflowID int64, taskID string, deps []string) error {
	existing, err := store.ListTasksByWorkflow(workflowID)
	if err != nil {
		return err
	}
	var edges []toposort.Edge
	for _, t := range existing {
		if len(t.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.Dependencies {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	if len(deps) == 0 {
		edges = append(edges, toposort.Edge{nil, taskID})
	}
	for _, dep := range deps {
		edges = append(edges, toposort.Edge{dep, taskID})
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return &DependencyCycleError{TaskID: taskID}
	}
	return nil
}

// scored pairs a task with its freshly computed score for ordering.
type scored struct {
	task  models.Task
	score float64
}

// NextTask selects the highest-scored eligible PENDING task for an agent and
// atomically claims it. Returns storage.ErrNotFound-free (nil, nil) when no
// eligible task exists; callers poll, they are never blocked.
func (s *TaskScheduler) NextTask(ctx context.Context, agentID, phaseID string, capabilities []string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &UnknownAgentError{AgentID: agentID}
		}
		return nil, err
	}
	if !agent.Status.Assignable() || agent.MissedHeartbeats >= FailedAfterMissed {
		s.logger.Infof("Agent %s not assignable (status=%s, missed=%d)", agentID, agent.Status, agent.MissedHeartbeats)
		return nil, nil
	}
	held, err := s.store.ListAgentTasks(agentID)
	if err != nil {
		return nil, err
	}
	if len(held) >= agent.Capacity {
		return nil, nil
	}

	candidates, err := s.eligible(phaseID, capabilities, true)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	// The reads above may be stale; the claim below re-validates atomically,
	// so losing a race just moves on to the next candidate.
	for _, c := range candidates {
		won, err := s.store.ClaimTask(c.task.ID, agentID, now)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		if err := s.store.UpdateTaskScore(c.task.ID, c.score); err != nil {
			s.logger.Errorf("Failed to cache score for task %s: %v", c.task.ID, err)
		}
		if agent.Status == models.IdleAgentStatus {
			if err := s.registry.Transition(ctx, agentID, models.RunningAgentStatus, "scheduler", "task assigned", false); err != nil {
				s.logger.Errorf("Failed to mark agent %s RUNNING: %v", agentID, err)
			}
		}
		claimed := c.task
		claimed.Status = models.AssignedTaskStatus
		claimed.AgentID = &agentID
		claimed.AssignedAt = &now
		claimed.Score = c.score
		s.publisher.Publish(events.New(events.TopicTaskAssigned, map[string]interface{}{
			"task_id":     claimed.ID,
			"workflow_id": claimed.WorkflowID,
			"agent_id":    agentID,
			"score":       c.score,
		}))
		s.logger.Infof("Assigned task %s (score %.3f) to agent %s", claimed.ID, c.score, agentID)
		return &claimed, nil
	}
	return nil, nil
}

// ReadyBatch returns up to limit dependency-satisfied tasks for a phase in
// score order without assigning them. It mutates nothing.
func (s *TaskScheduler) ReadyBatch(ctx context.Context, phaseID string, limit int) ([]models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates, err := s.eligible(phaseID, nil, false)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.Task, len(candidates))
	for i, c := range candidates {
		c.task.Score = c.score
		out[i] = c.task
	}
	return out, nil
}

// eligible filters PENDING tasks by phase, dependency barrier and (when
// checkCaps is set) capability match, then sorts by score with the
// deterministic FIFO tie-break.
func (s *TaskScheduler) eligible(phaseID string, capabilities []string, checkCaps bool) ([]scored, error) {
	pending, err := s.store.ListPendingTasks(phaseID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var candidates []scored
	for _, task := range pending {
		ok, err := s.depsSatisfied(task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if checkCaps {
			if missing := missingCapabilities(task.Capabilities, capabilities); len(missing) > 0 {
				s.logger.Infof("Task %s skipped: agent lacks capabilities %v", task.ID, missing)
				continue
			}
		}
		dependents, err := s.store.CountDependents(task.ID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scored{task: task, score: s.scorer.Score(task, dependents > 0, now)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// FIFO fallback guarantees a deterministic total order
		if !candidates[i].task.CreatedAt.Equal(candidates[j].task.CreatedAt) {
			return candidates[i].task.CreatedAt.Before(candidates[j].task.CreatedAt)
		}
		return candidates[i].task.ID < candidates[j].task.ID
	})
	return candidates, nil
}

// depsSatisfied enforces the dependency barrier: every dependency must be a
// task currently in COMPLETED. A missing dependency row is unsatisfied, not
// satisfied — fail closed.
func (s *TaskScheduler) depsSatisfied(task models.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		d, err := s.store.GetTask(dep)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warnf("Task %s references missing dependency %s, treating as unsatisfied", task.ID, dep)
				return false, nil
			}
			return false, err
		}
		if d.Status != models.CompletedTaskStatus {
			return false, nil
		}
	}
	return true, nil
}

func missingCapabilities(required, available []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, c := range available {
		have[c] = struct{}{}
	}
	var missing []string
	for _, c := range required {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// StartTask moves a claimed task ASSIGNED->RUNNING once the holding agent
// reports it active.
func (s *TaskScheduler) StartTask(ctx context.Context, taskID, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.AgentID == nil || *task.AgentID != agentID {
		return &NotAssignedToAgentError{TaskID: taskID, AgentID: agentID}
	}
	if task.Status != models.AssignedTaskStatus {
		return nil
	}
	_, err = s.store.UpdateTaskStatus(taskID, models.AssignedTaskStatus, models.RunningTaskStatus, "", s.clock.Now())
	return err
}

// ReportOutcome applies an explicit completion or failure report from the
// holding agent. Failures with retry budget left re-queue the task with the
// retry counter bumped; exhausted tasks go terminal FAILED.
func (s *TaskScheduler) ReportOutcome(ctx context.Context, taskID, agentID string, success bool, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ValidationError{Msg: "task '" + taskID + "' does not exist"}
		}
		return err
	}
	if task.AgentID == nil || *task.AgentID != agentID {
		return &NotAssignedToAgentError{TaskID: taskID, AgentID: agentID}
	}
	if !task.Status.Active() {
		return &ValidationError{Msg: "task '" + taskID + "' is already terminal"}
	}

	now := s.clock.Now()
	if success {
		if _, err := s.store.UpdateTaskStatus(taskID, task.Status, models.CompletedTaskStatus, "", now); err != nil {
			return errors.Wrapf(err, "failed to complete task %s", taskID)
		}
		s.publisher.Publish(events.New(events.TopicTaskCompleted, map[string]interface{}{
			"task_id":     taskID,
			"workflow_id": task.WorkflowID,
			"agent_id":    agentID,
		}))
		s.logger.Infof("Task %s completed by agent %s", taskID, agentID)
	} else {
		retrying := task.RetryCount < task.MaxRetries
		if retrying {
			if _, err := s.store.RequeueTask(taskID, task.Status, true); err != nil {
				return errors.Wrapf(err, "failed to requeue task %s", taskID)
			}
		} else {
			if _, err := s.store.UpdateTaskStatus(taskID, task.Status, models.FailedTaskStatus, message, now); err != nil {
				return errors.Wrapf(err, "failed to fail task %s", taskID)
			}
		}
		s.publisher.Publish(events.New(events.TopicTaskFailed, map[string]interface{}{
			"task_id":     taskID,
			"workflow_id": task.WorkflowID,
			"agent_id":    agentID,
			"error":       message,
			"retrying":    retrying,
		}))
		s.logger.Infof("Task %s failed on agent %s (retrying=%t): %s", taskID, agentID, retrying, message)
	}

	// Agent falls back to IDLE when it holds nothing else.
	remaining, err := s.store.ListAgentTasks(agentID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		agent, err := s.store.GetAgent(agentID)
		if err == nil && agent.Status == models.RunningAgentStatus {
			if err := s.registry.Transition(ctx, agentID, models.IdleAgentStatus, "scheduler", "no tasks held", false); err != nil {
				s.logger.Errorf("Failed to mark agent %s IDLE: %v", agentID, err)
			}
		}
	}
	return nil
}

// ReleaseAgentTasks returns every task held by a lost agent to PENDING. The
// retry counter is untouched: retries are consumed only by explicit failure
// reports, never by agent loss.
func (s *TaskScheduler) ReleaseAgentTasks(ctx context.Context, agentID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	held, err := s.store.ListAgentTasks(agentID)
	if err != nil {
		return nil, err
	}
	var released []string
	for _, task := range held {
		ok, err := s.store.RequeueTask(task.ID, task.Status, false)
		if err != nil {
			return released, errors.Wrapf(err, "failed to release task %s", task.ID)
		}
		if ok {
			released = append(released, task.ID)
			s.logger.Infof("Released task %s from lost agent %s", task.ID, agentID)
		}
	}
	return released, nil
}
