// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tombee/taskflow/internal/model"
	taskflowerrors "github.com/tombee/taskflow/pkg/errors"
)

// CreateWorkflow implements store.WorkflowStore.
func (s *Store) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	if wf.WorkflowID == "" {
		wf.WorkflowID = newID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (workflow_id, name, is_deprecated, new_workflow_id) VALUES ($1, $2, $3, $4)`,
		wf.WorkflowID, wf.Name, wf.IsDeprecated, wf.NewWorkflowID,
	)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements store.WorkflowStore.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var wf model.Workflow
	err := s.pool.QueryRow(ctx,
		`SELECT workflow_id, name, is_deprecated, new_workflow_id FROM workflows WHERE workflow_id = $1`,
		workflowID,
	).Scan(&wf.WorkflowID, &wf.Name, &wf.IsDeprecated, &wf.NewWorkflowID)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &wf, nil
}

// DeprecateWorkflow implements store.WorkflowStore. Invariant:
// new_workflow_id set implies is_deprecated.
func (s *Store) DeprecateWorkflow(ctx context.Context, workflowID string, newWorkflowID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET is_deprecated = TRUE, new_workflow_id = $2 WHERE workflow_id = $1`,
		workflowID, newWorkflowID,
	)
	if err != nil {
		return fmt.Errorf("deprecate workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return nil
}

// SetWorkflowTasks implements store.WorkflowStore. Replaces the entire
// task_order sequence for one workflow atomically, so the dense
// 1-based-no-gaps invariant (§3) always holds on commit: taskIDs[i]
// becomes task_order i+1.
func (s *Store) SetWorkflowTasks(ctx context.Context, workflowID string, taskIDs []string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_tasks WHERE workflow_id = $1`, workflowID); err != nil {
			return fmt.Errorf("clear workflow_tasks: %w", err)
		}
		for i, taskID := range taskIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO workflow_tasks (workflow_id, task_order, task_id) VALUES ($1, $2, $3)`,
				workflowID, i+1, taskID,
			); err != nil {
				return fmt.Errorf("insert workflow_task %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// DeleteWorkflow implements store.WorkflowStore.
func (s *Store) DeleteWorkflow(ctx context.Context, workflowID string) error {
	var refCount int
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM jobs WHERE workflow_id = $1) +
			(SELECT count(*) FROM workflow_runs WHERE workflow_id = $1)`,
		workflowID,
	).Scan(&refCount)
	if err != nil {
		return fmt.Errorf("check workflow references: %w", err)
	}
	if refCount > 0 {
		return &taskflowerrors.PreconditionError{
			Operation: "DeleteWorkflow",
			Resource:  "workflow",
			ID:        workflowID,
			Expected:  "unreferenced",
			Actual:    "referenced by jobs or workflow_runs",
		}
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return nil
}

// CreateTaskService implements store.TaskServiceStore.
func (s *Store) CreateTaskService(ctx context.Context, svc *model.TaskService) error {
	if svc.ServiceID == "" {
		svc.ServiceID = newID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_services (service_id, name, base_url) VALUES ($1, $2, $3)`,
		svc.ServiceID, svc.Name, svc.BaseURL,
	)
	if err != nil {
		return fmt.Errorf("create task service: %w", err)
	}
	return nil
}

// GetTaskService implements store.TaskServiceStore.
func (s *Store) GetTaskService(ctx context.Context, serviceID string) (*model.TaskService, error) {
	var svc model.TaskService
	err := s.pool.QueryRow(ctx,
		`SELECT service_id, name, base_url FROM task_services WHERE service_id = $1`, serviceID,
	).Scan(&svc.ServiceID, &svc.Name, &svc.BaseURL)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "task_service", ID: serviceID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task service: %w", err)
	}
	return &svc, nil
}

// CreateTask implements store.TaskServiceStore.
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	if task.TaskID == "" {
		task.TaskID = newID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (task_id, name, description, task_service_id, url) VALUES ($1, $2, $3, $4, $5)`,
		task.TaskID, task.Name, task.Description, task.TaskServiceID, task.URL,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask implements store.TaskServiceStore.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	err := s.pool.QueryRow(ctx,
		`SELECT task_id, name, description, task_service_id, url FROM tasks WHERE task_id = $1`, taskID,
	).Scan(&t.TaskID, &t.Name, &t.Description, &t.TaskServiceID, &t.URL)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// EffectiveURL implements store.TaskServiceStore: rtrim(base_url,'/') +
// '/' + ltrim(url,'/') (§3).
func (s *Store) EffectiveURL(ctx context.Context, taskID string) (string, error) {
	var baseURL, url string
	err := s.pool.QueryRow(ctx,
		`SELECT ts.base_url, t.url
		 FROM tasks t JOIN task_services ts ON ts.service_id = t.task_service_id
		 WHERE t.task_id = $1`,
		taskID,
	).Scan(&baseURL, &url)
	if err == pgx.ErrNoRows {
		return "", &taskflowerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	if err != nil {
		return "", fmt.Errorf("resolve effective url: %w", err)
	}
	return joinURL(baseURL, url), nil
}

func joinURL(baseURL, url string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(url, "/")
}
