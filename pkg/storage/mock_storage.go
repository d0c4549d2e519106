package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/models"
)

// mockStore implements Store with in-memory storage. The single mutex stands
// in for the database's row-level atomicity, so the conditional updates keep
// their compare-and-set semantics under concurrent callers.
type mockStore struct {
	mu           sync.Mutex
	workflows    []models.Workflow
	results      []models.WorkflowResult
	tasks        []models.Task
	dependencies []models.Dependency
	agents       []models.Agent
	transitions  []models.AgentStatusTransition
	heartbeats   map[string]models.HeartbeatRecord
	runs         []models.DiagnosticRun
	nextID       int64 // workflows, results, transitions, runs
}

func NewMockStore() Store {
	return &mockStore{heartbeats: make(map[string]models.HeartbeatRecord)}
}

// Begin returns the store itself: the mock applies writes immediately and
// only exists to satisfy the transactional interface.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(wf models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	wf.ID = m.nextID
	m.workflows = append(m.workflows, wf)
	return wf.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			for _, t := range m.tasks {
				if t.WorkflowID == id {
					wf.Tasks = append(wf.Tasks, t)
				}
			}
			return wf, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, len(m.workflows))
	copy(out, m.workflows)
	return out, nil
}

func (m *mockStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wf := range m.workflows {
		if wf.ID == id {
			m.workflows[i].Status = status
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveWorkflowResult(r models.WorkflowResult) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.results = append(m.results, r)
	return r.ID, nil
}

func (m *mockStore) GetAcceptedResult(workflowID int64) (models.WorkflowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		if r.WorkflowID == workflowID && r.Accepted {
			return r, nil
		}
	}
	return models.WorkflowResult{}, ErrNotFound
}

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.ID == t.ID {
			return errors.New("task already exists")
		}
	}
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			t.Dependencies = m.depsOf(id)
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) ListTasksByWorkflow(workflowID int64) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.WorkflowID == workflowID {
			t.Dependencies = m.depsOf(t.ID)
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) ListPendingTasks(phaseID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == models.PendingTaskStatus && (phaseID == "" || t.PhaseID == phaseID) {
			t.Dependencies = m.depsOf(t.ID)
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) ListAgentTasks(agentID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.AgentID != nil && *t.AgentID == agentID &&
			(t.Status == models.AssignedTaskStatus || t.Status == models.RunningTaskStatus) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) CountDependents(taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.dependencies {
		if d.DependsOn == taskID {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) ClaimTask(id, agentID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id {
			if t.Status != models.PendingTaskStatus {
				return false, nil
			}
			m.tasks[i].Status = models.AssignedTaskStatus
			m.tasks[i].AgentID = &agentID
			assignedAt := at
			m.tasks[i].AssignedAt = &assignedAt
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) UpdateTaskStatus(id string, from, to models.TaskStatus, errMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id {
			if t.Status != from {
				return false, nil
			}
			m.tasks[i].Status = to
			m.tasks[i].ErrorMsg = errMsg
			if to.Terminal() {
				completedAt := at
				m.tasks[i].CompletedAt = &completedAt
			}
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) RequeueTask(id string, from models.TaskStatus, bumpRetry bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id {
			if t.Status != from {
				return false, nil
			}
			m.tasks[i].Status = models.PendingTaskStatus
			m.tasks[i].AgentID = nil
			m.tasks[i].AssignedAt = nil
			if bumpRetry {
				m.tasks[i].RetryCount++
			}
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) UpdateTaskScore(id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks[i].Score = score
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveDependency(d models.Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.dependencies {
		if existing.TaskID == d.TaskID && existing.DependsOn == d.DependsOn {
			return errors.New("dependency already exists")
		}
	}
	m.dependencies = append(m.dependencies, d)
	return nil
}

func (m *mockStore) GetDependencies(taskID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depsOf(taskID), nil
}

// depsOf assumes m.mu is held.
func (m *mockStore) depsOf(taskID string) []string {
	var deps []string
	for _, d := range m.dependencies {
		if d.TaskID == taskID {
			deps = append(deps, d.DependsOn)
		}
	}
	return deps
}

func (m *mockStore) SaveAgent(a models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.agents {
		if existing.ID == a.ID {
			return errors.New("agent already exists")
		}
	}
	m.agents = append(m.agents, a)
	return nil
}

func (m *mockStore) GetAgent(id string) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return models.Agent{}, ErrNotFound
}

func (m *mockStore) ListAgents(statuses ...models.AgentStatus) ([]models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Agent
	for _, a := range m.agents {
		if len(statuses) == 0 {
			out = append(out, a)
			continue
		}
		for _, s := range statuses {
			if a.Status == s {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) UpdateAgentStatus(id string, from, to models.AgentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if a.ID == id {
			if a.Status != from {
				return false, nil
			}
			m.agents[i].Status = to
			m.agents[i].UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) RecordAgentHeartbeat(id string, seq int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if a.ID == id {
			receivedAt := at
			m.agents[i].LastHeartbeatAt = &receivedAt
			m.agents[i].LastSequence = seq
			m.agents[i].MissedHeartbeats = 0
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) UpdateAgentMissed(id string, missed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if a.ID == id {
			m.agents[i].MissedHeartbeats = missed
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) IncrementRestartAttempts(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if a.ID == id {
			m.agents[i].RestartAttempts++
			return m.agents[i].RestartAttempts, nil
		}
	}
	return 0, ErrNotFound
}

func (m *mockStore) DeleteAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if a.ID == id {
			m.agents = append(m.agents[:i], m.agents[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveTransition(tr models.AgentStatusTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tr.ID = m.nextID
	m.transitions = append(m.transitions, tr)
	return nil
}

func (m *mockStore) ListTransitions(agentID string) ([]models.AgentStatusTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AgentStatusTransition
	for _, tr := range m.transitions {
		if tr.AgentID == agentID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *mockStore) SaveHeartbeat(hb models.HeartbeatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[hb.AgentID] = hb
	return nil
}

func (m *mockStore) GetHeartbeat(agentID string) (models.HeartbeatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.heartbeats[agentID]
	if !ok {
		return models.HeartbeatRecord{}, ErrNotFound
	}
	return hb, nil
}

func (m *mockStore) SaveDiagnosticRun(run models.DiagnosticRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	run.ID = m.nextID
	m.runs = append(m.runs, run)
	return run.ID, nil
}

func (m *mockStore) UpdateDiagnosticOutcome(id int64, outcome models.DiagnosticOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, run := range m.runs {
		if run.ID == id {
			m.runs[i].Outcome = outcome
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) LatestDiagnosticRun(workflowID int64) (models.DiagnosticRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.DiagnosticRun
	for i, run := range m.runs {
		if run.WorkflowID != workflowID {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = &m.runs[i]
		}
	}
	if latest == nil {
		return models.DiagnosticRun{}, ErrNotFound
	}
	return *latest, nil
}

func (m *mockStore) ListDiagnosticRuns(workflowID int64) ([]models.DiagnosticRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DiagnosticRun
	for _, run := range m.runs {
		if run.WorkflowID == workflowID {
			out = append(out, run)
		}
	}
	return out, nil
}
