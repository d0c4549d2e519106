package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow creates a new workflow and returns its ID
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(
		"INSERT INTO workflows (name, goal, phase_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		w.Name, w.Goal, w.PhaseID, w.Status, w.CreatedAt, w.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return wfID, nil
}

// GetWorkflow retrieves a workflow by ID, including its tasks
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT id, name, goal, phase_id, status, created_at, updated_at FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	tasks, err := s.ListTasksByWorkflow(id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	wf.Tasks = tasks
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	query := "SELECT id, name, goal, phase_id, status, created_at, updated_at FROM workflows ORDER BY created_at DESC"
	if err := s.db.Select(&workflows, query); err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	_, err := s.db.Exec("UPDATE workflows SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) SaveWorkflowResult(r models.WorkflowResult) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		"INSERT INTO workflow_results (workflow_id, summary, accepted, created_at) VALUES ($1, $2, $3, $4) RETURNING id",
		r.WorkflowID, r.Summary, r.Accepted, r.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow result: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetAcceptedResult(workflowID int64) (models.WorkflowResult, error) {
	var r models.WorkflowResult
	err := s.db.Get(&r,
		"SELECT * FROM workflow_results WHERE workflow_id = $1 AND accepted ORDER BY created_at DESC LIMIT 1", workflowID)
	if err == sql.ErrNoRows {
		return models.WorkflowResult{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowResult{}, err
	}
	return r, nil
}

// SaveTask creates a new task within a workflow
func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, workflow_id, name, phase_id, capabilities, priority, status, retry_count, max_retries,
			error_msg, agent_id, parent_task_id, spawned_from, score, deadline_at, created_at, assigned_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.WorkflowID, t.Name, t.PhaseID, t.Capabilities, t.Priority, t.Status, t.RetryCount, t.MaxRetries,
		t.ErrorMsg, t.AgentID, t.ParentTaskID, t.SpawnedFrom, t.Score, t.DeadlineAt, t.CreatedAt, t.AssignedAt, t.CompletedAt)
	return err
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	deps, err := s.GetDependencies(id)
	if err != nil {
		return models.Task{}, err
	}
	task.Dependencies = deps
	return task, nil
}

func (s *PostgresStore) ListTasksByWorkflow(workflowID int64) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE workflow_id = $1 ORDER BY created_at", workflowID)
	if err != nil {
		return nil, err
	}
	return s.attachDependencies(tasks)
}

func (s *PostgresStore) ListPendingTasks(phaseID string) ([]models.Task, error) {
	var tasks []models.Task
	var err error
	if phaseID == "" {
		err = s.db.Select(&tasks, "SELECT * FROM tasks WHERE status = $1 ORDER BY created_at", models.PendingTaskStatus)
	} else {
		err = s.db.Select(&tasks, "SELECT * FROM tasks WHERE status = $1 AND phase_id = $2 ORDER BY created_at",
			models.PendingTaskStatus, phaseID)
	}
	if err != nil {
		return nil, err
	}
	return s.attachDependencies(tasks)
}

func (s *PostgresStore) ListAgentTasks(agentID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE agent_id = $1 AND status IN ($2, $3)",
		agentID, models.AssignedTaskStatus, models.RunningTaskStatus)
	if err != nil {
		return nil, err
	}
	return s.attachDependencies(tasks)
}

func (s *PostgresStore) attachDependencies(tasks []models.Task) ([]models.Task, error) {
	for i := range tasks {
		deps, err := s.GetDependencies(tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Dependencies = deps
	}
	return tasks, nil
}

func (s *PostgresStore) CountDependents(taskID string) (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM dependencies WHERE depends_on = $1", taskID); err != nil {
		return 0, err
	}
	return count, nil
}

// ClaimTask is the assignment compare-and-set: the WHERE clause on the
// current status guarantees that two racing schedulers can never both win.
func (s *PostgresStore) ClaimTask(id, agentID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE tasks SET status = $1, agent_id = $2, assigned_at = $3 WHERE id = $4 AND status = $5",
		models.AssignedTaskStatus, agentID, at, id, models.PendingTaskStatus)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) UpdateTaskStatus(id string, from, to models.TaskStatus, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		error_msg = $2,
		completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED') THEN $4 ELSE completed_at END
		WHERE id = $5 AND status = $6`,
		// The status appears twice since parameters inside the CASE clause are interpreted separately
		to, errMsg, to, at, id, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) RequeueTask(id string, from models.TaskStatus, bumpRetry bool) (bool, error) {
	bump := 0
	if bumpRetry {
		bump = 1
	}
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1, agent_id = NULL, assigned_at = NULL, retry_count = retry_count + $2
		WHERE id = $3 AND status = $4`,
		models.PendingTaskStatus, bump, id, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) UpdateTaskScore(id string, score float64) error {
	_, err := s.db.Exec("UPDATE tasks SET score = $1 WHERE id = $2", score, id)
	return err
}

func (s *PostgresStore) SaveDependency(d models.Dependency) error {
	_, err := s.db.Exec("INSERT INTO dependencies (task_id, depends_on, workflow_id) VALUES ($1, $2, $3)",
		d.TaskID, d.DependsOn, d.WorkflowID)
	return err
}

func (s *PostgresStore) GetDependencies(taskID string) ([]string, error) {
	var deps []string
	if err := s.db.Select(&deps, "SELECT depends_on FROM dependencies WHERE task_id = $1", taskID); err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) SaveAgent(a models.Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, capabilities, phase_id, capacity, status, missed_heartbeats, last_heartbeat_at,
			last_sequence, restart_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Capabilities, a.PhaseID, a.Capacity, a.Status, a.MissedHeartbeats, a.LastHeartbeatAt,
		a.LastSequence, a.RestartAttempts, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAgent(id string) (models.Agent, error) {
	var a models.Agent
	err := s.db.Get(&a, "SELECT * FROM agents WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Agent{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Agent{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(statuses ...models.AgentStatus) ([]models.Agent, error) {
	agents := []models.Agent{}
	if len(statuses) == 0 {
		if err := s.db.Select(&agents, "SELECT * FROM agents ORDER BY created_at"); err != nil {
			return nil, err
		}
		return agents, nil
	}
	in := make([]string, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}
	query, args, err := sqlx.In("SELECT * FROM agents WHERE status IN (?) ORDER BY created_at", in)
	if err != nil {
		return nil, err
	}
	if err := s.db.Select(&agents, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	return agents, nil
}

// UpdateAgentStatus is the agent-side compare-and-set; the restart and
// escalation paths only ever transition agents still observed in the
// expected status.
func (s *PostgresStore) UpdateAgentStatus(id string, from, to models.AgentStatus) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE agents SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3",
		to, id, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) RecordAgentHeartbeat(id string, seq int64, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE agents SET last_heartbeat_at = $1, last_sequence = $2, missed_heartbeats = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`, at, seq, id)
	return err
}

func (s *PostgresStore) UpdateAgentMissed(id string, missed int) error {
	_, err := s.db.Exec("UPDATE agents SET missed_heartbeats = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", missed, id)
	return err
}

func (s *PostgresStore) IncrementRestartAttempts(id string) (int, error) {
	var attempts int
	err := s.db.QueryRowx(
		"UPDATE agents SET restart_attempts = restart_attempts + 1, updated_at = CURRENT_TIMESTAMP WHERE id = $1 RETURNING restart_attempts",
		id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *PostgresStore) DeleteAgent(id string) error {
	_, err := s.db.Exec("DELETE FROM agents WHERE id = $1", id)
	return err
}

func (s *PostgresStore) SaveTransition(tr models.AgentStatusTransition) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_status_transitions (agent_id, from_status, to_status, initiator, reason, forced, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.AgentID, tr.FromStatus, tr.ToStatus, tr.Initiator, tr.Reason, tr.Forced, tr.CreatedAt)
	return err
}

func (s *PostgresStore) ListTransitions(agentID string) ([]models.AgentStatusTransition, error) {
	var transitions []models.AgentStatusTransition
	err := s.db.Select(&transitions,
		"SELECT * FROM agent_status_transitions WHERE agent_id = $1 ORDER BY id", agentID)
	if err != nil {
		return nil, err
	}
	return transitions, nil
}

// SaveHeartbeat supersedes the previous snapshot for the agent.
func (s *PostgresStore) SaveHeartbeat(hb models.HeartbeatRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO heartbeats (agent_id, sequence, checksum, metrics, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE
		SET sequence = EXCLUDED.sequence, checksum = EXCLUDED.checksum,
			metrics = EXCLUDED.metrics, received_at = EXCLUDED.received_at`,
		hb.AgentID, hb.Sequence, int64(hb.Checksum), hb.Metrics, hb.ReceivedAt)
	return err
}

func (s *PostgresStore) GetHeartbeat(agentID string) (models.HeartbeatRecord, error) {
	var hb models.HeartbeatRecord
	err := s.db.Get(&hb, "SELECT * FROM heartbeats WHERE agent_id = $1", agentID)
	if err == sql.ErrNoRows {
		return models.HeartbeatRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.HeartbeatRecord{}, err
	}
	return hb, nil
}

func (s *PostgresStore) SaveDiagnosticRun(run models.DiagnosticRun) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO diagnostic_runs (workflow_id, outcome, completed_tasks, failed_tasks, idle_for, goal_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		run.WorkflowID, run.Outcome, run.CompletedTasks, run.FailedTasks, run.IdleFor, run.GoalText, run.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save diagnostic run: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateDiagnosticOutcome(id int64, outcome models.DiagnosticOutcome) error {
	_, err := s.db.Exec("UPDATE diagnostic_runs SET outcome = $1 WHERE id = $2", outcome, id)
	return err
}

func (s *PostgresStore) LatestDiagnosticRun(workflowID int64) (models.DiagnosticRun, error) {
	var run models.DiagnosticRun
	err := s.db.Get(&run,
		"SELECT * FROM diagnostic_runs WHERE workflow_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", workflowID)
	if err == sql.ErrNoRows {
		return models.DiagnosticRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.DiagnosticRun{}, err
	}
	return run, nil
}

func (s *PostgresStore) ListDiagnosticRuns(workflowID int64) ([]models.DiagnosticRun, error) {
	var runs []models.DiagnosticRun
	err := s.db.Select(&runs, "SELECT * FROM diagnostic_runs WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
