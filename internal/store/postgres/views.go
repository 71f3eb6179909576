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
	"time"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
)

// ListQueuedJobs implements store.ViewStore: v_queued_jobs (§4.5).
func (s *Store) ListQueuedJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		jobSelectColumns+`
		 WHERE is_paused = FALSE
		 AND (current_workflow_run_id IS NULL OR current_workflow_run_id IN (
			SELECT workflow_run_id FROM workflow_runs WHERE status = $1
		 ))
		 ORDER BY next_run`,
		model.WorkflowRunComplete,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetWorkflowView implements store.ViewStore: v_workflows for one
// workflow.
func (s *Store) GetWorkflowView(ctx context.Context, workflowID string) (*store.WorkflowView, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, task_order, task_id FROM workflow_tasks WHERE workflow_id = $1 ORDER BY task_order`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.WorkflowTask
	for rows.Next() {
		var t model.WorkflowTask
		if err := rows.Scan(&t.WorkflowID, &t.TaskOrder, &t.TaskID); err != nil {
			return nil, fmt.Errorf("scan workflow task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &store.WorkflowView{Workflow: *wf, Tasks: tasks}, nil
}

// GetTaskView implements store.ViewStore: v_tasks for one task.
func (s *Store) GetTaskView(ctx context.Context, taskID string) (*store.TaskView, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	effectiveURL, err := s.EffectiveURL(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &store.TaskView{Task: *task, EffectiveURL: effectiveURL}, nil
}

// GetWorkflowRunView implements store.ViewStore: v_workflow_runs for one
// run.
func (s *Store) GetWorkflowRunView(ctx context.Context, workflowRunID string) (*store.WorkflowRunView, error) {
	run, err := s.GetWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		taskQueueSelectColumns+` WHERE workflow_run_id = $1 ORDER BY task_order`, workflowRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task queue: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskQueueRow
	for rows.Next() {
		t, err := scanTaskQueueRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &store.WorkflowRunView{Run: *run, Tasks: tasks}, nil
}

// ListJobViews implements store.ViewStore: v_jobs.
func (s *Store) ListJobViews(ctx context.Context) ([]store.JobView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT j.job_id, j.workflow_id, j.job_type, j.maintainer, j.is_paused, j.next_run,
			j.current_workflow_run_id, j.job_interval_seconds, j.job_schedule,
			w.name, wr.status
		 FROM jobs j
		 JOIN workflows w ON w.workflow_id = j.workflow_id
		 LEFT JOIN workflow_runs wr ON wr.workflow_run_id = j.current_workflow_run_id
		 ORDER BY j.next_run`,
	)
	if err != nil {
		return nil, fmt.Errorf("list job views: %w", err)
	}
	defer rows.Close()

	var views []store.JobView
	for rows.Next() {
		var intervalSeconds *int64
		var rawSchedule []byte
		var j model.Job
		var workflowName string
		var currentStatus *model.WorkflowRunStatus
		if err := rows.Scan(&j.JobID, &j.WorkflowID, &j.JobType, &j.Maintainer, &j.IsPaused, &j.NextRun,
			&j.CurrentWorkflowRunID, &intervalSeconds, &rawSchedule, &workflowName, &currentStatus); err != nil {
			return nil, fmt.Errorf("scan job view: %w", err)
		}
		if intervalSeconds != nil {
			d := time.Duration(*intervalSeconds) * time.Second
			j.JobInterval = &d
		}
		if j.JobSchedule, err = unmarshalSchedule(rawSchedule); err != nil {
			return nil, err
		}
		views = append(views, store.JobView{Job: j, WorkflowName: workflowName, CurrentRunStatus: currentStatus})
	}
	return views, rows.Err()
}

// ListExecutors implements store.ViewStore: v_executors.
func (s *Store) ListExecutors(ctx context.Context) ([]model.Executor, error) {
	rows, err := s.pool.Query(ctx, executorSelectColumns)
	if err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	defer rows.Close()

	var executors []model.Executor
	for rows.Next() {
		e, err := scanExecutor(rows)
		if err != nil {
			return nil, err
		}
		executors = append(executors, *e)
	}
	return executors, rows.Err()
}

// ListActiveExecutors implements store.ViewStore: v_active_executors.
// Liveness is status = Active and a heartbeat within the last
// 2*staleAfter (§9 design note).
func (s *Store) ListActiveExecutors(ctx context.Context) ([]model.Executor, error) {
	staleAfter := s.staleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	cutoff := time.Now().UTC().Add(-2 * staleAfter)

	rows, err := s.pool.Query(ctx,
		executorSelectColumns+` WHERE status = $1 AND last_heartbeat >= $2`,
		model.ExecutorActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list active executors: %w", err)
	}
	defer rows.Close()

	var executors []model.Executor
	for rows.Next() {
		e, err := scanExecutor(rows)
		if err != nil {
			return nil, err
		}
		executors = append(executors, *e)
	}
	return executors, rows.Err()
}
