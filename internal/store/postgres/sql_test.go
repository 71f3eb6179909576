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

// These tests assert properties of the SQL text itself rather than
// behavior against a live database: the invariants they check (lease
// concurrency, dense task ordering, migration idempotency) are enforced
// by the query, not by Go code this module can exercise without a
// Postgres connection.
package postgres

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readSource(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	return string(data)
}

func TestLeaseQueriesUseSkipLocked(t *testing.T) {
	for _, file := range []string{"taskqueue.go", "workflowrun.go"} {
		src := readSource(t, file)
		require.Contains(t, src, "FOR UPDATE SKIP LOCKED",
			"%s must lease contested rows with SKIP LOCKED, not in-process locking", file)
	}
}

func TestTaskLeaseOrdersByTaskOrder(t *testing.T) {
	src := readSource(t, "taskqueue.go")
	require.Contains(t, src, "ORDER BY task_order LIMIT 1 FOR UPDATE SKIP LOCKED",
		"lease_next_task must take the lowest task_order among Waiting rows, not an arbitrary one")
}

func TestWorkflowRunTaskInsertsPreserveTaskOrder(t *testing.T) {
	src := readSource(t, "workflowrun.go")
	require.Contains(t, src, "ORDER BY task_order",
		"initialize_workflow_run must read the template in task_order so the instantiated queue is dense and gap-free")
}

func TestTaskQueueTableHasNoGapsByConstruction(t *testing.T) {
	src := readSource(t, "postgres.go")
	require.Contains(t, src, "CREATE TABLE IF NOT EXISTS task_queue")
	require.Contains(t, src, "task_order")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	src := readSource(t, "postgres.go")
	migrationCount := strings.Count(src, "CREATE TABLE IF NOT EXISTS")
	require.GreaterOrEqual(t, migrationCount, 9, "every migration statement must be guarded with IF NOT EXISTS so New() can run against an already-migrated database")
}

func TestCompileTimeStoreInterfaceAssertion(t *testing.T) {
	src := readSource(t, "postgres.go")
	require.Contains(t, src, "var _ store.Store = (*Store)(nil)",
		"Store must assert it satisfies store.Store at compile time, the way the rest of this codebase pins interface satisfaction")
}

func TestEveryWriteQueryUsesPositionalPlaceholders(t *testing.T) {
	for _, file := range []string{"workflow.go", "job.go", "workflowrun.go", "taskqueue.go", "executor.go"} {
		src := readSource(t, file)
		require.Contains(t, src, "$1", "%s must parameterize queries with pgx's $N placeholders, never string-built SQL", file)
	}
}

// TestCompleteJobKeepsRunReferenceOnNonCompleteOutcome guards against the
// job.go equivalent of S3 (Rule Broken): a run that settles Paused must
// leave current_workflow_run_id in place and set is_paused, not clear the
// reference the way the Complete branch does, or the job could never run
// again.
func TestCompleteJobKeepsRunReferenceOnNonCompleteOutcome(t *testing.T) {
	src := readSource(t, "job.go")
	require.Contains(t, src, "run.Status == model.WorkflowRunScheduled || run.Status == model.WorkflowRunRunning",
		"CompleteJob must only refuse while the run is still Scheduled or Running, not on every non-terminal-by-old-definition status")
	require.Contains(t, src, "UPDATE jobs SET is_paused = TRUE WHERE job_id = $1",
		"a non-Complete terminal outcome (Failed, Canceled, Paused) must set is_paused and must not clear current_workflow_run_id")
	require.NotContains(t, src, "current_workflow_run_id = NULL, is_paused",
		"the non-Complete branch must not clear current_workflow_run_id in the same statement that sets is_paused")
}

// TestIsTerminalCoversPausedStatus guards the model-level fix: Paused
// settles a run the same as Failed and Canceled, and the
// before-status-update trigger's jobs notification relies on IsTerminal
// including it.
func TestIsTerminalCoversPausedStatus(t *testing.T) {
	src := readSource(t, "../../model/model.go")
	require.Contains(t, src, "case WorkflowRunComplete, WorkflowRunFailed, WorkflowRunCanceled, WorkflowRunPaused:")
}
