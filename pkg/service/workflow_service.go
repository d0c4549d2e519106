package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/storage"
)

// WorkflowService manages workflow instances and their results. Workflows
// are created by upstream collaborators; this core only needs them as the
// grouping the scheduler and diagnostic operate over.
type WorkflowService struct {
	store  storage.Store
	clock  Clock
	logger Logger
}

func NewWorkflowService(store storage.Store, clock Clock, logger Logger) *WorkflowService {
	return &WorkflowService{store: store, clock: clock, logger: logger}
}

func (s *WorkflowService) CreateWorkflow(ctx context.Context, name, goal, phaseID string) (id int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, &ValidationError{Msg: "workflow name cannot be empty"}
	}
	if len(name) > 100 {
		return 0, &ValidationError{Msg: "workflow name too long (max 100 characters)"}
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
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

	now := s.clock.Now()
	wf := models.Workflow{
		Name:      name,
		Goal:      goal,
		PhaseID:   phaseID,
		Status:    models.PendingWorkflowStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Created workflow '%s' with ID %d", name, id)
	return id, nil
}

// UpdateWorkflowStatus updates the status of an existing workflow by ID.
func (s *WorkflowService) UpdateWorkflowStatus(ctx context.Context, id int64, status string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id <= 0 {
		return &ValidationError{Msg: "workflow ID must be positive"}
	}
	wfStatus := models.WorkflowStatus(status)
	switch wfStatus {
	case models.PendingWorkflowStatus, models.RunningWorkflowStatus,
		models.CompletedWorkflowStatus, models.FailedWorkflowStatus:
		// Valid status, proceed
	default:
		return &ValidationError{Msg: "invalid status; must be 'PENDING', 'RUNNING', 'COMPLETED', or 'FAILED'"}
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return err
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

	wf, err := txStore.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := txStore.UpdateWorkflowStatus(wf.ID, wfStatus); err != nil {
		return err
	}
	s.logger.Infof("Updated workflow ID %d to status '%s'", id, status)
	return nil
}

// RecordResult stores a result reported for a workflow. An accepted result
// marks the workflow COMPLETED and takes it out of the diagnostic's scope.
func (s *WorkflowService) RecordResult(ctx context.Context, workflowID int64, summary string, accepted bool) (id int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
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

	if _, err = txStore.GetWorkflow(workflowID); err != nil {
		return 0, errors.Wrapf(err, "workflow %d", workflowID)
	}
	id, err = txStore.SaveWorkflowResult(models.WorkflowResult{
		WorkflowID: workflowID,
		Summary:    summary,
		Accepted:   accepted,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		return 0, err
	}
	if accepted {
		if err = txStore.UpdateWorkflowStatus(workflowID, models.CompletedWorkflowStatus); err != nil {
			return 0, err
		}
	}
	s.logger.Infof("Recorded result %d for workflow %d (accepted=%t)", id, workflowID, accepted)
	return id, nil
}

func (s *WorkflowService) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

// GetWorkflow fetches a workflow with its tasks.
func (s *WorkflowService) GetWorkflow(workflowID int64) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "failed to get workflow %d", workflowID)
	}
	return wf, nil
}
