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

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskflow/internal/driver"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
)

// fakeClient is a scripted driver.TaskServiceClient for exercising the
// dispatcher's three outcome branches without an HTTP server.
type fakeClient struct {
	result driver.TaskResult
	err    error
}

func (f *fakeClient) Invoke(ctx context.Context, effectiveURL string, parameters json.RawMessage) (driver.TaskResult, error) {
	return f.result, f.err
}

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

func setupRunningRun(t *testing.T, s *memory.Store) string {
	t.Helper()
	ctx := context.Background()
	workflowID := newWorkflow(t, s)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)
	run, err := s.InitializeWorkflowRun(ctx, workflowID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleWorkflowRun(ctx, run.WorkflowRunID))
	require.NoError(t, s.StartWorkflowRun(ctx, run.WorkflowRunID, executorID))
	return run.WorkflowRunID
}

func TestRunNextCompletesOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	runID := setupRunningRun(t, s)

	d := New(s, &fakeClient{result: driver.TaskResult{Output: "ok"}}, nil, nil)

	more, err := d.RunNext(ctx, runID)
	require.NoError(t, err)
	require.True(t, more)

	view, err := s.GetWorkflowRunView(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.TaskComplete, view.Tasks[0].Status)
	require.Equal(t, "ok", *view.Tasks[0].Output)

	more, err = d.RunNext(ctx, runID)
	require.NoError(t, err)
	require.False(t, more)
}

func TestRunNextFailsTaskOnInvokeError(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	runID := setupRunningRun(t, s)

	d := New(s, &fakeClient{err: errors.New("connection refused")}, nil, nil)

	more, err := d.RunNext(ctx, runID)
	require.NoError(t, err)
	require.True(t, more)

	view, err := s.GetWorkflowRunView(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, view.Tasks[0].Status)
	require.Equal(t, "connection refused", *view.Tasks[0].Output)
}

func TestRunNextRecordsRuleBroken(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	runID := setupRunningRun(t, s)

	d := New(s, &fakeClient{result: driver.TaskResult{
		Output: "done",
		Rules:  []model.TaskRule{{Name: "limit", Failed: true}},
	}}, nil, nil)

	more, err := d.RunNext(ctx, runID)
	require.NoError(t, err)
	require.True(t, more)

	view, err := s.GetWorkflowRunView(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.TaskRuleBroken, view.Tasks[0].Status)
}

func TestRunNextFailsOnMalformedRule(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	runID := setupRunningRun(t, s)

	d := New(s, &fakeClient{result: driver.TaskResult{
		Output: "done",
		Rules:  []model.TaskRule{{Name: ""}},
	}}, nil, nil)

	more, err := d.RunNext(ctx, runID)
	require.NoError(t, err)
	require.True(t, more)

	view, err := s.GetWorkflowRunView(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, view.Tasks[0].Status)
}

func TestRunNextMarksPausedFromDriver(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	runID := setupRunningRun(t, s)

	d := New(s, &fakeClient{result: driver.TaskResult{Output: "needs review", Paused: true}}, nil, nil)

	more, err := d.RunNext(ctx, runID)
	require.NoError(t, err)
	require.True(t, more)

	view, err := s.GetWorkflowRunView(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPaused, view.Tasks[0].Status)
}
