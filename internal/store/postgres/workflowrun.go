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

	"github.com/jackc/pgx/v5"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/notify"
	"github.com/tombee/taskflow/internal/store"
	taskflowerrors "github.com/tombee/taskflow/pkg/errors"
)

// InitializeWorkflowRun implements store.WorkflowRunStore (§4.3.1).
func (s *Store) InitializeWorkflowRun(ctx context.Context, workflowID string) (*model.WorkflowRun, error) {
	var run *model.WorkflowRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := s.initializeWorkflowRunTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// initializeWorkflowRunTx is the tx-scoped body of InitializeWorkflowRun,
// shared with RunJob (§4.5), which must initialize a run as one step of
// its own larger all-or-nothing transaction rather than nesting a begin.
func (s *Store) initializeWorkflowRunTx(ctx context.Context, tx pgx.Tx, workflowID string) (*model.WorkflowRun, error) {
	var run *model.WorkflowRun
	err := func() error {
		var isDeprecated bool
		var newWorkflowID *string
		err := tx.QueryRow(ctx,
			`SELECT is_deprecated, new_workflow_id FROM workflows WHERE workflow_id = $1`, workflowID,
		).Scan(&isDeprecated, &newWorkflowID)
		if err == pgx.ErrNoRows {
			return &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
		}
		if err != nil {
			return fmt.Errorf("lookup workflow: %w", err)
		}
		if isDeprecated {
			suggestion := ""
			if newWorkflowID != nil {
				suggestion = fmt.Sprintf(" (use %s instead)", *newWorkflowID)
			}
			return &taskflowerrors.PreconditionError{
				Operation: "InitializeWorkflowRun",
				Resource:  "workflow",
				ID:        workflowID,
				Expected:  "not deprecated" + suggestion,
				Actual:    "deprecated",
			}
		}

		runID := newID()
		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_runs (workflow_run_id, workflow_id, status, executor_id, progress)
			 VALUES ($1, $2, $3, NULL, NULL)`,
			runID, workflowID, model.WorkflowRunWaiting,
		); err != nil {
			return fmt.Errorf("insert workflow_run: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT task_order, task_id FROM workflow_tasks WHERE workflow_id = $1 ORDER BY task_order`,
			workflowID,
		)
		if err != nil {
			return fmt.Errorf("read workflow_tasks: %w", err)
		}
		type trow struct {
			order  int
			taskID string
		}
		var templateRows []trow
		for rows.Next() {
			var r trow
			if err := rows.Scan(&r.order, &r.taskID); err != nil {
				rows.Close()
				return fmt.Errorf("scan workflow_task: %w", err)
			}
			templateRows = append(templateRows, r)
		}
		rows.Close()

		for _, r := range templateRows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_queue (workflow_run_id, task_order, task_id, status)
				 VALUES ($1, $2, $3, $4)`,
				runID, r.order, r.taskID, model.TaskWaiting,
			); err != nil {
				return fmt.Errorf("insert task_queue row %d: %w", r.order, err)
			}
		}

		run = &model.WorkflowRun{WorkflowRunID: runID, WorkflowID: workflowID, Status: model.WorkflowRunWaiting}
		return nil
	}()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetWorkflowRun implements store.WorkflowRunStore.
func (s *Store) GetWorkflowRun(ctx context.Context, workflowRunID string) (*model.WorkflowRun, error) {
	return s.getWorkflowRun(ctx, s.pool, workflowRunID)
}

func (s *Store) getWorkflowRun(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, workflowRunID string) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	err := q.QueryRow(ctx,
		`SELECT workflow_run_id, workflow_id, status, executor_id, progress FROM workflow_runs WHERE workflow_run_id = $1`,
		workflowRunID,
	).Scan(&run.WorkflowRunID, &run.WorkflowID, &run.Status, &run.ExecutorID, &run.Progress)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow_run: %w", err)
	}
	return &run, nil
}

// applyWorkflowRunTransition is the single "apply transition" function
// (§9) invoked by every state-change path on workflow_runs. It encodes
// the before-status-update trigger: auto-assigning an executor on
// transition to Scheduled, and publishing the topic messages of §4.3
// and §4.6 inside the same transaction as the status write.
func applyWorkflowRunTransition(ctx context.Context, tx pgx.Tx, run *model.WorkflowRun, newStatus model.WorkflowRunStatus) error {
	oldExecutorID := run.ExecutorID
	newExecutorID := run.ExecutorID

	if newStatus == model.WorkflowRunScheduled && newExecutorID == nil {
		picked, err := nextExecutorTx(ctx, tx)
		if err != nil {
			return err
		}
		if picked != nil {
			newExecutorID = &picked.ExecutorID
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE workflow_runs SET status = $2, executor_id = $3 WHERE workflow_run_id = $1`,
		run.WorkflowRunID, newStatus, newExecutorID,
	); err != nil {
		return fmt.Errorf("update workflow_run status: %w", err)
	}

	if newStatus == model.WorkflowRunScheduled && newExecutorID != nil && (oldExecutorID == nil || *oldExecutorID != *newExecutorID) {
		if err := notifyTx(ctx, tx, notify.TopicScheduled(*newExecutorID), run.WorkflowRunID); err != nil {
			return fmt.Errorf("notify wr_scheduled: %w", err)
		}
	}

	if newStatus == model.WorkflowRunCanceled && oldExecutorID != nil {
		if err := notifyTx(ctx, tx, notify.TopicCanceled(*oldExecutorID), run.WorkflowRunID); err != nil {
			return fmt.Errorf("notify wr_canceled: %w", err)
		}
	}

	if newStatus.IsTerminal() {
		var jobID *string
		if err := tx.QueryRow(ctx,
			`SELECT job_id FROM jobs WHERE current_workflow_run_id = $1`, run.WorkflowRunID,
		).Scan(&jobID); err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("lookup owning job: %w", err)
		}
		if jobID != nil {
			if err := notifyTx(ctx, tx, notify.TopicJobs, *jobID); err != nil {
				return fmt.Errorf("notify jobs: %w", err)
			}
		}
	}

	run.Status = newStatus
	run.ExecutorID = newExecutorID
	return nil
}

// publishProgressIfChanged is the before-progress-update trigger (§4.3):
// publishes wr_progress whenever progress actually changes.
func publishProgressIfChanged(ctx context.Context, tx pgx.Tx, workflowRunID string, oldProgress, newProgress *int) error {
	changed := (oldProgress == nil) != (newProgress == nil)
	if !changed && oldProgress != nil && newProgress != nil {
		changed = *oldProgress != *newProgress
	}
	if !changed {
		return nil
	}
	return notifyTx(ctx, tx, notify.TopicProgress, workflowRunID)
}

// ScheduleWorkflowRun implements store.WorkflowRunStore.
func (s *Store) ScheduleWorkflowRun(ctx context.Context, workflowRunID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		if run.Status != model.WorkflowRunWaiting && run.Status != model.WorkflowRunRunning {
			return &taskflowerrors.PreconditionError{
				Operation: "ScheduleWorkflowRun", Resource: "workflow_run", ID: workflowRunID,
				Expected: "Waiting or Running", Actual: string(run.Status),
			}
		}
		return applyWorkflowRunTransition(ctx, tx, run, model.WorkflowRunScheduled)
	})
}

// StartWorkflowRun implements store.WorkflowRunStore: Scheduled ->
// Running, assigning executor_id and progress = 0.
func (s *Store) StartWorkflowRun(ctx context.Context, workflowRunID string, executorID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $2, executor_id = $3, progress = 0
		 WHERE workflow_run_id = $1 AND status = $4`,
		workflowRunID, model.WorkflowRunRunning, executorID, model.WorkflowRunScheduled,
	)
	if err != nil {
		return fmt.Errorf("start workflow_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskflowerrors.PreconditionError{
			Operation: "StartWorkflowRun", Resource: "workflow_run", ID: workflowRunID,
			Expected: string(model.WorkflowRunScheduled), Actual: "not Scheduled",
		}
	}
	return nil
}

// StartWorkflowRunMove implements store.WorkflowRunStore (§4.3.2 phase 1).
func (s *Store) StartWorkflowRunMove(ctx context.Context, workflowRunID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var taskOrder int
		err := tx.QueryRow(ctx,
			`SELECT task_order FROM task_queue
			 WHERE workflow_run_id = $1 AND status = $2
			 ORDER BY task_order LIMIT 1 FOR UPDATE SKIP LOCKED`,
			workflowRunID, model.TaskWaiting,
		).Scan(&taskOrder)
		if err == pgx.ErrNoRows {
			return nil // nothing to bookmark; move is a no-op
		}
		if err != nil {
			return fmt.Errorf("lease earliest waiting task: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3 WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder, model.TaskPaused,
		); err != nil {
			return fmt.Errorf("pause task as move bookmark: %w", err)
		}
		return nil
	})
}

// CompleteWorkflowRunMove implements store.WorkflowRunStore (§4.3.2
// phase 2). The spec treats this as one transactional operation;
// callers do not nest a begin/commit inside an already-open transaction
// (§9 open question, resolved).
func (s *Store) CompleteWorkflowRunMove(ctx context.Context, workflowRunID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var taskOrder int
		err := tx.QueryRow(ctx,
			`SELECT task_order FROM task_queue
			 WHERE workflow_run_id = $1 AND status = $2
			 ORDER BY task_order LIMIT 1 FOR UPDATE SKIP LOCKED`,
			workflowRunID, model.TaskPaused,
		).Scan(&taskOrder)
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("lease earliest paused task: %w", err)
		}
		if err == nil {
			if _, err := tx.Exec(ctx,
				`UPDATE task_queue SET status = $3 WHERE workflow_run_id = $1 AND task_order = $2`,
				workflowRunID, taskOrder, model.TaskWaiting,
			); err != nil {
				return fmt.Errorf("unpause move bookmark: %w", err)
			}
		}

		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		run.ExecutorID = nil // let the transition pick the least-loaded live executor
		return applyWorkflowRunTransition(ctx, tx, run, model.WorkflowRunScheduled)
	})
}

// CompleteWorkflowRun implements store.WorkflowRunStore (§4.3.3).
func (s *Store) CompleteWorkflowRun(ctx context.Context, workflowRunID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT status FROM task_queue WHERE workflow_run_id = $1`, workflowRunID,
		)
		if err != nil {
			return fmt.Errorf("read task statuses: %w", err)
		}
		counts := map[model.TaskStatus]int{}
		total := 0
		for rows.Next() {
			var st model.TaskStatus
			if err := rows.Scan(&st); err != nil {
				rows.Close()
				return fmt.Errorf("scan task status: %w", err)
			}
			counts[st]++
			total++
		}
		rows.Close()

		var newStatus model.WorkflowRunStatus
		var newProgress *int
		hundred := 100
		switch {
		case total > 0 && counts[model.TaskComplete] == total:
			newStatus, newProgress = model.WorkflowRunComplete, &hundred
		case counts[model.TaskFailed] > 0:
			newStatus, newProgress = model.WorkflowRunFailed, nil
		case counts[model.TaskRuleBroken] > 0:
			newStatus, newProgress = model.WorkflowRunPaused, &hundred
		case counts[model.TaskPaused] > 0:
			newStatus, newProgress = model.WorkflowRunPaused, &hundred
		case counts[model.TaskCanceled] > 0:
			newStatus, newProgress = model.WorkflowRunCanceled, nil
		default:
			newStatus, newProgress = model.WorkflowRunPaused, nil
		}

		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		run.ExecutorID = nil // cleared in all cases
		if err := applyWorkflowRunTransition(ctx, tx, run, newStatus); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE workflow_runs SET progress = $2, executor_id = NULL WHERE workflow_run_id = $1`,
			workflowRunID, newProgress,
		); err != nil {
			return fmt.Errorf("clear executor_id and set progress: %w", err)
		}
		return publishProgressIfChanged(ctx, tx, workflowRunID, run.Progress, newProgress)
	})
}

// CancelWorkflowRun implements store.WorkflowRunStore.
func (s *Store) CancelWorkflowRun(ctx context.Context, workflowRunID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		if run.Status != model.WorkflowRunWaiting && run.Status != model.WorkflowRunScheduled {
			return &taskflowerrors.PreconditionError{
				Operation: "CancelWorkflowRun", Resource: "workflow_run", ID: workflowRunID,
				Expected: "Waiting or Scheduled", Actual: string(run.Status),
			}
		}
		return applyWorkflowRunTransition(ctx, tx, run, model.WorkflowRunCanceled)
	})
}

// RestartWorkflowRun implements store.WorkflowRunStore (§4.3.4).
func (s *Store) RestartWorkflowRun(ctx context.Context, workflowRunID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		if run.Status == model.WorkflowRunRunning {
			return &taskflowerrors.PreconditionError{
				Operation: "RestartWorkflowRun", Resource: "workflow_run", ID: workflowRunID,
				Expected: "not Running", Actual: string(run.Status),
			}
		}

		if err := archiveAndResetTasks(ctx, tx, workflowRunID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE workflow_runs SET status = $2, executor_id = NULL, progress = NULL WHERE workflow_run_id = $1`,
			workflowRunID, model.WorkflowRunWaiting,
		); err != nil {
			return fmt.Errorf("reset workflow_run: %w", err)
		}
		return nil
	})
}

// archiveAndResetTasks archives every task_queue row of a run and resets
// it to Waiting with output/task_start/task_end cleared, for
// RestartWorkflowRun. See archiveAndResetTaskOrder in taskqueue.go for
// RetryTask's single-row equivalent.
func archiveAndResetTasks(ctx context.Context, tx pgx.Tx, workflowRunID string) error {
	rows, err := tx.Query(ctx,
		`SELECT task_order, task_id, status, parameters, output, rules, task_start, task_end
		 FROM task_queue WHERE workflow_run_id = $1`,
		workflowRunID,
	)
	if err != nil {
		return fmt.Errorf("read task_queue for archive: %w", err)
	}
	type snap struct {
		order      int
		taskID     string
		status     model.TaskStatus
		parameters []byte
		output     *string
		rules      []byte
		taskStart  *time.Time
		taskEnd    *time.Time
	}
	var snaps []snap
	for rows.Next() {
		var sn snap
		if err := rows.Scan(&sn.order, &sn.taskID, &sn.status, &sn.parameters, &sn.output, &sn.rules, &sn.taskStart, &sn.taskEnd); err != nil {
			rows.Close()
			return fmt.Errorf("scan task_queue row for archive: %w", err)
		}
		snaps = append(snaps, sn)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, sn := range snaps {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_queue_archive
			 (archive_id, workflow_run_id, task_order, task_id, status, parameters, output, rules, task_start, task_end, archived_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			newID(), workflowRunID, sn.order, sn.taskID, sn.status, sn.parameters, sn.output, sn.rules, sn.taskStart, sn.taskEnd, now,
		); err != nil {
			return fmt.Errorf("insert archive row %d: %w", sn.order, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3, output = NULL, task_start = NULL, task_end = NULL
			 WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, sn.order, model.TaskWaiting,
		); err != nil {
			return fmt.Errorf("reset task_queue row %d: %w", sn.order, err)
		}
	}
	return nil
}

// LeaseNextWorkflowRun implements store.WorkflowRunStore (§4.1).
func (s *Store) LeaseNextWorkflowRun(ctx context.Context, executorID string) (*store.LeasedWorkflowRun, error) {
	var result *store.LeasedWorkflowRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var run model.WorkflowRun
		err := tx.QueryRow(ctx,
			`SELECT workflow_run_id, workflow_id, status, executor_id, progress
			 FROM workflow_runs
			 WHERE status = $1 AND (executor_id IS NULL OR executor_id = $2)
			 ORDER BY workflow_run_id
			 LIMIT 1 FOR UPDATE SKIP LOCKED`,
			model.WorkflowRunScheduled, executorID,
		).Scan(&run.WorkflowRunID, &run.WorkflowID, &run.Status, &run.ExecutorID, &run.Progress)
		if err == pgx.ErrNoRows {
			return nil // no row leased; result stays nil
		}
		if err != nil {
			return fmt.Errorf("lease next workflow_run: %w", err)
		}

		var invalidCount int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM task_queue
			 WHERE workflow_run_id = $1 AND status NOT IN ($2, $3)`,
			run.WorkflowRunID, model.TaskWaiting, model.TaskComplete,
		).Scan(&invalidCount); err != nil {
			return fmt.Errorf("check run validity: %w", err)
		}

		result = &store.LeasedWorkflowRun{Run: run, IsValid: invalidCount == 0}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
