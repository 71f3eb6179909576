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

// defaultStaleAfter is used by CleanExecutors when the Store was not
// configured with an explicit StaleAfter (§9 heartbeat design note).
const defaultStaleAfter = 2 * time.Minute

// RegisterExecutor implements store.ExecutorStore (§4.2).
func (s *Store) RegisterExecutor(ctx context.Context, session store.ExecutorSession) (string, error) {
	id := newID()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executors
		 (executor_id, pid, username, application_name, client_addr, client_port, exec_start, status, last_heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)`,
		id, session.PID, session.Username, session.ApplicationName, session.ClientAddr, session.ClientPort, now, model.ExecutorActive,
	)
	if err != nil {
		return "", fmt.Errorf("register executor: %w", err)
	}
	return id, nil
}

// GetExecutor implements store.ExecutorStore.
func (s *Store) GetExecutor(ctx context.Context, executorID string) (*model.Executor, error) {
	return scanExecutor(s.pool.QueryRow(ctx, executorSelectColumns+` WHERE executor_id = $1`, executorID))
}

const executorSelectColumns = `SELECT executor_id, pid, username, application_name, client_addr, client_port,
	exec_start, exec_end, status, error_message, last_heartbeat FROM executors`

func scanExecutor(row pgx.Row) (*model.Executor, error) {
	var e model.Executor
	err := row.Scan(&e.ExecutorID, &e.PID, &e.Username, &e.ApplicationName, &e.ClientAddr, &e.ClientPort,
		&e.ExecStart, &e.ExecEnd, &e.Status, &e.ErrorMessage, &e.LastHeartbeat)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "executor"}
	}
	if err != nil {
		return nil, fmt.Errorf("scan executor: %w", err)
	}
	return &e, nil
}

// ShutdownExecutor implements store.ExecutorStore: requests a graceful
// drain-and-stop.
func (s *Store) ShutdownExecutor(ctx context.Context, executorID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executors SET status = $2 WHERE executor_id = $1 AND status = $3`,
			executorID, model.ExecutorShutdown, model.ExecutorActive)
		if err != nil {
			return fmt.Errorf("shutdown executor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &taskflowerrors.PreconditionError{
				Operation: "ShutdownExecutor", Resource: "executor", ID: executorID,
				Expected: string(model.ExecutorActive), Actual: "not Active",
			}
		}
		return notifyTx(ctx, tx, notify.TopicExecStatus(executorID), "shutdown")
	})
}

// CancelExecutor implements store.ExecutorStore: requests a forced stop.
func (s *Store) CancelExecutor(ctx context.Context, executorID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executors SET status = $2 WHERE executor_id = $1 AND status = $3`,
			executorID, model.ExecutorCanceled, model.ExecutorActive)
		if err != nil {
			return fmt.Errorf("cancel executor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &taskflowerrors.PreconditionError{
				Operation: "CancelExecutor", Resource: "executor", ID: executorID,
				Expected: string(model.ExecutorActive), Actual: "not Active",
			}
		}
		return notifyTx(ctx, tx, notify.TopicExecStatus(executorID), "cancel")
	})
}

// CloseExecutor implements store.ExecutorStore (§4.2): the executor
// process's own final call (or the reaper's, on its behalf) once it has
// actually stopped dispatching. Cancels every Running workflow run it
// still owns along with that run's Running task.
func (s *Store) CloseExecutor(ctx context.Context, executorID string, isCancelled bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		finalStatus := model.ExecutorShutdown
		if isCancelled {
			finalStatus = model.ExecutorCanceled
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE executors SET status = $2, exec_end = $3 WHERE executor_id = $1`,
			executorID, finalStatus, now,
		); err != nil {
			return fmt.Errorf("close executor: %w", err)
		}
		return cancelRunsOwnedByExecutor(ctx, tx, executorID)
	})
}

// cancelRunsOwnedByExecutor cancels every Running workflow run owned by
// executorID, stamping its Running task's output with
// model.OutputCanceledByExecutor and marking it Canceled (§4.2).
func cancelRunsOwnedByExecutor(ctx context.Context, tx pgx.Tx, executorID string) error {
	rows, err := tx.Query(ctx,
		`SELECT workflow_run_id FROM workflow_runs WHERE executor_id = $1 AND status = $2`,
		executorID, model.WorkflowRunRunning,
	)
	if err != nil {
		return fmt.Errorf("find owned runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan owned run: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()

	for _, runID := range runIDs {
		output := model.OutputCanceledByExecutor
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = $3, output = $4, task_end = now()
			 WHERE workflow_run_id = $1 AND status = $2`,
			runID, model.TaskRunning, model.TaskCanceled, output,
		); err != nil {
			return fmt.Errorf("cancel running task of run %s: %w", runID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE workflow_runs SET status = $2, executor_id = NULL WHERE workflow_run_id = $1`,
			runID, model.WorkflowRunCanceled,
		); err != nil {
			return fmt.Errorf("cancel run %s: %w", runID, err)
		}
	}
	return nil
}

// CleanExecutors implements store.ExecutorStore: the liveness reaper
// (§4.2, §9). Because pool connections are shared and recycled, a
// client-observed PID cannot be matched one-to-one against a single
// long-lived backend session, so liveness is decided by last_heartbeat
// rather than a pg_stat_activity lookup, per the heartbeat substitution
// the design notes allow.
func (s *Store) CleanExecutors(ctx context.Context) (int, error) {
	staleAfter := s.staleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	cutoff := time.Now().UTC().Add(-2 * staleAfter)

	reaped := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT executor_id FROM executors WHERE status = $1 AND last_heartbeat < $2 FOR UPDATE SKIP LOCKED`,
			model.ExecutorActive, cutoff,
		)
		if err != nil {
			return fmt.Errorf("find stale executors: %w", err)
		}
		var staleIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale executor: %w", err)
			}
			staleIDs = append(staleIDs, id)
		}
		rows.Close()

		for _, id := range staleIDs {
			if _, err := tx.Exec(ctx,
				`UPDATE executors SET status = $2, exec_end = now() WHERE executor_id = $1`,
				id, model.ExecutorCanceled,
			); err != nil {
				return fmt.Errorf("mark executor %s canceled: %w", id, err)
			}
			if err := cancelRunsOwnedByExecutor(ctx, tx, id); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reaped, nil
}

// NextExecutor implements store.ExecutorStore (§4.2): a pure selection
// among live Active executors, least-loaded first.
func (s *Store) NextExecutor(ctx context.Context) (*model.Executor, error) {
	var result *model.Executor
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		picked, err := nextExecutorTx(ctx, tx)
		if err != nil {
			return err
		}
		result = picked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// nextExecutorTx is the selection primitive shared with the
// ScheduleWorkflowRun before-status-update trigger in workflowrun.go.
func nextExecutorTx(ctx context.Context, tx pgx.Tx) (*model.Executor, error) {
	staleAfter := defaultStaleAfter
	cutoff := time.Now().UTC().Add(-2 * staleAfter)

	row := tx.QueryRow(ctx,
		`SELECT e.executor_id, e.pid, e.username, e.application_name, e.client_addr, e.client_port,
			e.exec_start, e.exec_end, e.status, e.error_message, e.last_heartbeat
		 FROM executors e
		 WHERE e.status = $1 AND e.last_heartbeat >= $2
		 ORDER BY (
			SELECT count(*) FROM workflow_runs wr
			WHERE wr.executor_id = e.executor_id AND wr.status IN ($3, $4)
		 ) ASC, e.executor_id ASC
		 LIMIT 1`,
		model.ExecutorActive, cutoff, model.WorkflowRunScheduled, model.WorkflowRunRunning,
	)
	executor, err := scanExecutor(row)
	if _, ok := err.(*taskflowerrors.NotFoundError); ok {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next executor: %w", err)
	}
	return executor, nil
}

// Heartbeat implements store.ExecutorStore.
func (s *Store) Heartbeat(ctx context.Context, executorID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executors SET last_heartbeat = now() WHERE executor_id = $1 AND status = $2`,
		executorID, model.ExecutorActive,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskflowerrors.PreconditionError{
			Operation: "Heartbeat", Resource: "executor", ID: executorID,
			Expected: string(model.ExecutorActive), Actual: "not Active",
		}
	}
	return nil
}
