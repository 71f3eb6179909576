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

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
)

func newWorkflow(t *testing.T, s *memory.Store) string {
	t.Helper()
	ctx := context.Background()
	svc := &model.TaskService{Name: "svc", BaseURL: "http://svc.internal"}
	require.NoError(t, s.CreateTaskService(ctx, svc))
	wf := &model.Workflow{Name: "wf"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	task := &model.Task{Name: "task", TaskServiceID: svc.ServiceID, URL: "/run"}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.SetWorkflowTasks(ctx, wf.WorkflowID, []string{task.TaskID}))
	return wf.WorkflowID
}

func TestLifecycleDrivesRunToCompletion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	lc := New(s, s.Bus(), nil)
	workflowID := newWorkflow(t, s)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	run, err := lc.Initialize(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunWaiting, run.Status)

	require.NoError(t, lc.Schedule(ctx, run.WorkflowRunID))
	require.NoError(t, lc.Start(ctx, run.WorkflowRunID, executorID))

	_, err = s.AcquireNextTask(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTaskRun(ctx, run.WorkflowRunID, 1, false, nil))

	require.NoError(t, lc.Complete(ctx, run.WorkflowRunID))

	final, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunComplete, final.Status)
}

func TestLifecycleCancelAndRestart(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	lc := New(s, s.Bus(), nil)
	workflowID := newWorkflow(t, s)

	run, err := lc.Initialize(ctx, workflowID)
	require.NoError(t, err)
	require.NoError(t, lc.Schedule(ctx, run.WorkflowRunID))

	require.NoError(t, lc.Cancel(ctx, run.WorkflowRunID))
	canceled, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunCanceled, canceled.Status)

	require.NoError(t, lc.Restart(ctx, run.WorkflowRunID))
	restarted, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunWaiting, restarted.Status)
}

func TestLifecycleAwaitScheduledReceivesNotification(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := memory.New()
	lc := New(s, s.Bus(), nil)
	workflowID := newWorkflow(t, s)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	sub, err := lc.AwaitScheduled(ctx, executorID)
	require.NoError(t, err)
	defer sub.Cancel()

	run, err := lc.Initialize(ctx, workflowID)
	require.NoError(t, err)
	require.NoError(t, lc.Schedule(ctx, run.WorkflowRunID))

	select {
	case payload := <-sub.C:
		require.Equal(t, run.WorkflowRunID, payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for wr_scheduled notification")
	}
}

func TestLifecycleMoveIsTwoIndependentPhases(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	lc := New(s, s.Bus(), nil)
	workflowID := newWorkflow(t, s)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	run, err := lc.Initialize(ctx, workflowID)
	require.NoError(t, err)
	require.NoError(t, lc.Schedule(ctx, run.WorkflowRunID))
	require.NoError(t, lc.Start(ctx, run.WorkflowRunID, executorID))

	require.NoError(t, lc.StartMove(ctx, run.WorkflowRunID))
	view, err := s.GetWorkflowRunView(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPaused, view.Tasks[0].Status)

	require.NoError(t, lc.CompleteMove(ctx, run.WorkflowRunID))
	view, err = s.GetWorkflowRunView(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.TaskWaiting, view.Tasks[0].Status)
}
