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
	"github.com/tombee/taskflow/internal/store"
	taskflowerrors "github.com/tombee/taskflow/pkg/errors"
)

const taskQueueSelectColumns = `SELECT workflow_run_id, task_order, task_id, status, parameters, output, rules,
	task_start, task_end, progress FROM task_queue`

func scanTaskQueueRow(row pgx.Row) (*model.TaskQueueRow, error) {
	var t model.TaskQueueRow
	var rawRules []byte
	err := row.Scan(&t.WorkflowRunID, &t.TaskOrder, &t.TaskID, &t.Status, &t.Parameters, &t.Output, &rawRules,
		&t.TaskStart, &t.TaskEnd, &t.Progress)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "task_queue_row"}
	}
	if err != nil {
		return nil, fmt.Errorf("scan task_queue row: %w", err)
	}
	t.Rules, err = unmarshalRules(rawRules)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LeaseNextTask implements store.TaskQueueStore (§4.1): the first
// Waiting task of the run, unless a sibling blocks it (§4.4 next-task
// invariant).
func (s *Store) LeaseNextTask(ctx context.Context, workflowRunID string) (*model.TaskQueueRow, error) {
	return s.leaseNextTask(ctx, s.pool, workflowRunID)
}

func (s *Store) leaseNextTask(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, workflowRunID string) (*model.TaskQueueRow, error) {
	row := q.QueryRow(ctx,
		taskQueueSelectColumns+`
		 WHERE workflow_run_id = $1 AND status = $2
		 AND NOT EXISTS (
			SELECT 1 FROM task_queue b
			WHERE b.workflow_run_id = $1 AND b.status IN ($3, $4, $5, $6)
		 )
		 ORDER BY task_order LIMIT 1 FOR UPDATE SKIP LOCKED`,
		workflowRunID, model.TaskWaiting,
		model.TaskRunning, model.TaskPaused, model.TaskFailed, model.TaskRuleBroken,
	)
	row2, err := scanTaskQueueRow(row)
	if _, ok := err.(*taskflowerrors.NotFoundError); ok {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row2, nil
}

// AcquireNextTask implements store.TaskQueueStore (§4.4): the
// dispatcher's main-loop primitive.
func (s *Store) AcquireNextTask(ctx context.Context, workflowRunID string) (*store.LeasedTask, error) {
	var result *store.LeasedTask
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		leased, err := s.leaseNextTask(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		if leased == nil {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3, task_start = $4 WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, leased.TaskOrder, model.TaskRunning, now,
		); err != nil {
			return fmt.Errorf("start task: %w", err)
		}

		var baseURL, url string
		if err := tx.QueryRow(ctx,
			`SELECT ts.base_url, t.url FROM tasks t JOIN task_services ts ON ts.service_id = t.task_service_id
			 WHERE t.task_id = $1`,
			leased.TaskID,
		).Scan(&baseURL, &url); err != nil {
			return fmt.Errorf("resolve effective url: %w", err)
		}

		result = &store.LeasedTask{
			WorkflowRunID: workflowRunID,
			TaskOrder:     leased.TaskOrder,
			TaskID:        leased.TaskID,
			Parameters:    leased.Parameters,
			EffectiveURL:  joinURL(baseURL, url),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func requireTaskStatus(ctx context.Context, tx pgx.Tx, workflowRunID string, taskOrder int, want model.TaskStatus) error {
	var got model.TaskStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM task_queue WHERE workflow_run_id = $1 AND task_order = $2 FOR UPDATE`,
		workflowRunID, taskOrder,
	).Scan(&got)
	if err == pgx.ErrNoRows {
		return &taskflowerrors.NotFoundError{Resource: "task_queue_row", ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder)}
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if got != want {
		return &taskflowerrors.PreconditionError{
			Operation: "task transition", Resource: "task_queue_row",
			ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder), Expected: string(want), Actual: string(got),
		}
	}
	return nil
}

// recomputeProgress sets the owning run's progress to the percentage of
// task_queue rows in status Complete, publishing wr_progress if it
// changed.
func recomputeProgress(ctx context.Context, tx pgx.Tx, workflowRunID string) error {
	var completed, total int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status = $2), count(*) FROM task_queue WHERE workflow_run_id = $1`,
		workflowRunID, model.TaskComplete,
	).Scan(&completed, &total); err != nil {
		return fmt.Errorf("count task statuses: %w", err)
	}

	var oldProgress *int
	if err := tx.QueryRow(ctx, `SELECT progress FROM workflow_runs WHERE workflow_run_id = $1`, workflowRunID).
		Scan(&oldProgress); err != nil {
		return fmt.Errorf("read current progress: %w", err)
	}

	newProgress := progressFromCounts(completed, total)
	if _, err := tx.Exec(ctx, `UPDATE workflow_runs SET progress = $2 WHERE workflow_run_id = $1`,
		workflowRunID, newProgress); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return publishProgressIfChanged(ctx, tx, workflowRunID, oldProgress, &newProgress)
}

// CompleteTaskRun implements store.TaskQueueStore (§4.4).
func (s *Store) CompleteTaskRun(ctx context.Context, workflowRunID string, taskOrder int, isPaused bool, output *string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := requireTaskStatus(ctx, tx, workflowRunID, taskOrder, model.TaskRunning); err != nil {
			return err
		}

		var rawRules []byte
		if err := tx.QueryRow(ctx,
			`SELECT rules FROM task_queue WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder,
		).Scan(&rawRules); err != nil {
			return fmt.Errorf("read rules: %w", err)
		}
		rules, err := unmarshalRules(rawRules)
		if err != nil {
			return err
		}

		var newStatus model.TaskStatus
		switch {
		case model.AnyRuleFailed(rules):
			newStatus = model.TaskRuleBroken
		case isPaused:
			newStatus = model.TaskPaused
		default:
			newStatus = model.TaskComplete
		}

		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3, output = $4, task_end = now() WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder, newStatus, output,
		); err != nil {
			return fmt.Errorf("complete task run: %w", err)
		}
		return recomputeProgress(ctx, tx, workflowRunID)
	})
}

// FailTaskRun implements store.TaskQueueStore (§4.4).
func (s *Store) FailTaskRun(ctx context.Context, workflowRunID string, taskOrder int, message string) error {
	if message == "" {
		return &taskflowerrors.ValidationError{Field: "message", Message: "must be non-blank"}
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := requireTaskStatus(ctx, tx, workflowRunID, taskOrder, model.TaskRunning); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3, output = $4, task_end = now() WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder, model.TaskFailed, message,
		); err != nil {
			return fmt.Errorf("fail task run: %w", err)
		}
		return recomputeProgress(ctx, tx, workflowRunID)
	})
}

// AppendTaskRule implements store.TaskQueueStore (§4.4).
func (s *Store) AppendTaskRule(ctx context.Context, workflowRunID string, taskOrder int, rule model.TaskRule) error {
	if rule.Name == "" {
		return &taskflowerrors.ValidationError{Field: "name", Message: "must be non-blank"}
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := requireTaskStatus(ctx, tx, workflowRunID, taskOrder, model.TaskRunning); err != nil {
			return err
		}
		var rawRules []byte
		if err := tx.QueryRow(ctx,
			`SELECT rules FROM task_queue WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder,
		).Scan(&rawRules); err != nil {
			return fmt.Errorf("read rules: %w", err)
		}
		rules, err := unmarshalRules(rawRules)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
		if !model.ValidRules(rules) {
			return &taskflowerrors.InvariantError{Invariant: "rule names non-blank", Detail: "appended rule produced an invalid rule set"}
		}
		newRaw, err := marshalRules(rules)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET rules = $3 WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder, newRaw,
		); err != nil {
			return fmt.Errorf("append task rule: %w", err)
		}
		return nil
	})
}

// SetTaskProgress implements store.TaskQueueStore (§4.4).
func (s *Store) SetTaskProgress(ctx context.Context, workflowRunID string, taskOrder int, progress int) error {
	if progress < 0 || progress > 100 {
		return &taskflowerrors.ValidationError{Field: "progress", Message: "must be between 0 and 100"}
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := requireTaskStatus(ctx, tx, workflowRunID, taskOrder, model.TaskRunning); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET progress = $3 WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder, progress,
		); err != nil {
			return fmt.Errorf("set task progress: %w", err)
		}
		return nil
	})
}

// CompleteTask implements store.TaskQueueStore (§4.4): manual
// continuation of a Paused task.
func (s *Store) CompleteTask(ctx context.Context, workflowRunID string, taskOrder int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := requireTaskStatus(ctx, tx, workflowRunID, taskOrder, model.TaskPaused); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3 WHERE workflow_run_id = $1 AND task_order = $2`,
			workflowRunID, taskOrder, model.TaskComplete,
		); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := recomputeProgress(ctx, tx, workflowRunID); err != nil {
			return err
		}

		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		return applyWorkflowRunTransition(ctx, tx, run, model.WorkflowRunScheduled)
	})
}

// RetryTask implements store.TaskQueueStore (§4.4): all-or-nothing
// archive-then-reset of a single task row, reusing the run-level archive
// helper with a task_order filter.
func (s *Store) RetryTask(ctx context.Context, workflowRunID string, taskOrder int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status model.TaskStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM task_queue WHERE workflow_run_id = $1 AND task_order = $2 FOR UPDATE`,
			workflowRunID, taskOrder,
		).Scan(&status)
		if err == pgx.ErrNoRows {
			return &taskflowerrors.NotFoundError{Resource: "task_queue_row", ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder)}
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		if status != model.TaskFailed && status != model.TaskRuleBroken {
			return &taskflowerrors.PreconditionError{
				Operation: "RetryTask", Resource: "task_queue_row",
				ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder), Expected: "Failed or Rule Broken", Actual: string(status),
			}
		}

		if err := archiveAndResetTaskOrder(ctx, tx, workflowRunID, taskOrder); err != nil {
			return err
		}

		run, err := s.getWorkflowRun(ctx, tx, workflowRunID)
		if err != nil {
			return err
		}
		return applyWorkflowRunTransition(ctx, tx, run, model.WorkflowRunScheduled)
	})
}

// archiveAndResetTaskOrder archives and resets exactly one task_queue
// row, for RetryTask.
func archiveAndResetTaskOrder(ctx context.Context, tx pgx.Tx, workflowRunID string, taskOrder int) error {
	row := tx.QueryRow(ctx,
		`SELECT task_id, status, parameters, output, rules, task_start, task_end
		 FROM task_queue WHERE workflow_run_id = $1 AND task_order = $2`,
		workflowRunID, taskOrder,
	)
	var taskID string
	var status model.TaskStatus
	var parameters []byte
	var output *string
	var rawRules []byte
	var taskStart, taskEnd *time.Time
	if err := row.Scan(&taskID, &status, &parameters, &output, &rawRules, &taskStart, &taskEnd); err != nil {
		return fmt.Errorf("read task_queue row for archive: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO task_queue_archive
		 (archive_id, workflow_run_id, task_order, task_id, status, parameters, output, rules, task_start, task_end, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		newID(), workflowRunID, taskOrder, taskID, status, parameters, output, rawRules, taskStart, taskEnd, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE task_queue SET status = $3, output = NULL, task_start = NULL, task_end = NULL
		 WHERE workflow_run_id = $1 AND task_order = $2`,
		workflowRunID, taskOrder, model.TaskWaiting,
	); err != nil {
		return fmt.Errorf("reset task_queue row: %w", err)
	}
	return nil
}
