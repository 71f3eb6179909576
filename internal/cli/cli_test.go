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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskflow/internal/lifecycle"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/registry"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
)

func newTestApp(t *testing.T) (*App, *memory.Store) {
	t.Helper()
	s := memory.New()
	app := &App{
		Store:     s,
		Lifecycle: lifecycle.New(s, s.Bus(), nil),
		Registry:  registry.New(registry.Config{}, s, nil),
		Out:       &bytes.Buffer{},
	}
	return app, s
}

func newTestWorkflow(t *testing.T, s *memory.Store) string {
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

func TestJobPauseResumeRunNow(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	workflowID := newTestWorkflow(t, s)

	interval := time.Hour
	job := &model.Job{WorkflowID: workflowID, JobType: model.JobTypeInterval, JobInterval: &interval}
	require.NoError(t, s.CreateJob(ctx, job))

	pause := newJobPauseCommand(app)
	pause.SetContext(ctx)
	require.NoError(t, pause.RunE(pause, []string{job.JobID}))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.True(t, got.IsPaused)

	resume := newJobResumeCommand(app)
	resume.SetContext(ctx)
	require.NoError(t, resume.RunE(resume, []string{job.JobID}))

	got, err = s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.False(t, got.IsPaused)

	runNow := newJobRunNowCommand(app)
	runNow.SetContext(ctx)
	require.NoError(t, runNow.RunE(runNow, []string{job.JobID}))

	got, err = s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentWorkflowRunID)
}

func TestJobListJSONOutput(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	workflowID := newTestWorkflow(t, s)
	app.JSON = true

	interval := time.Hour
	job := &model.Job{WorkflowID: workflowID, JobType: model.JobTypeInterval, JobInterval: &interval}
	require.NoError(t, s.CreateJob(ctx, job))

	list := newJobListCommand(app)
	list.SetContext(ctx)
	require.NoError(t, list.RunE(list, nil))

	var views []store.JobView
	require.NoError(t, json.Unmarshal(app.Out.(*bytes.Buffer).Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, job.JobID, views[0].Job.JobID)
}

func TestWorkflowDeprecateWithSuccessor(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	workflowID := newTestWorkflow(t, s)
	successorID := newTestWorkflow(t, s)

	cmd := newWorkflowDeprecateCommand(app)
	cmd.SetContext(ctx)
	require.NoError(t, cmd.Flags().Set("successor", successorID))
	require.NoError(t, cmd.RunE(cmd, []string{workflowID}))

	wf, err := s.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.True(t, wf.IsDeprecated)
	require.Equal(t, successorID, *wf.NewWorkflowID)
}

func TestRunShowHumanOutput(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	workflowID := newTestWorkflow(t, s)

	run, err := s.InitializeWorkflowRun(ctx, workflowID)
	require.NoError(t, err)

	cmd := newRunShowCommand(app)
	cmd.SetContext(ctx)
	require.NoError(t, cmd.RunE(cmd, []string{run.WorkflowRunID}))
	require.Contains(t, app.Out.(*bytes.Buffer).String(), run.WorkflowRunID)
}

func TestRunCancelAndRestart(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	workflowID := newTestWorkflow(t, s)

	run, err := s.InitializeWorkflowRun(ctx, workflowID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleWorkflowRun(ctx, run.WorkflowRunID))

	cancel := newRunCancelCommand(app)
	cancel.SetContext(ctx)
	require.NoError(t, cancel.RunE(cancel, []string{run.WorkflowRunID}))

	canceled, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunCanceled, canceled.Status)

	restart := newRunRestartCommand(app)
	restart.SetContext(ctx)
	require.NoError(t, restart.RunE(restart, []string{run.WorkflowRunID}))

	restarted, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunWaiting, restarted.Status)
}

func TestRunRetryTaskRejectsNonIntegerOrder(t *testing.T) {
	app, _ := newTestApp(t)
	cmd := newRunRetryTaskCommand(app)
	cmd.SetContext(context.Background())
	err := cmd.RunE(cmd, []string{"run-1", "not-a-number"})
	require.Error(t, err)
}

func TestRunMoveRunsBothPhases(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	workflowID := newTestWorkflow(t, s)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	run, err := s.InitializeWorkflowRun(ctx, workflowID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleWorkflowRun(ctx, run.WorkflowRunID))
	require.NoError(t, s.StartWorkflowRun(ctx, run.WorkflowRunID, executorID))

	cmd := newRunMoveCommand(app)
	cmd.SetContext(ctx)
	require.NoError(t, cmd.RunE(cmd, []string{run.WorkflowRunID}))

	moved, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunScheduled, moved.Status)
}

func TestExecutorListActiveFlag(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	_, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	cmd := newExecutorListCommand(app)
	cmd.SetContext(ctx)
	require.NoError(t, cmd.Flags().Set("active", "true"))
	require.NoError(t, cmd.RunE(cmd, nil))
	require.Contains(t, app.Out.(*bytes.Buffer).String(), "pid=1")
}

func TestExecutorCancelCancelsAndCloses(t *testing.T) {
	ctx := context.Background()
	app, s := newTestApp(t)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	cmd := newExecutorCancelCommand(app)
	cmd.SetContext(ctx)
	require.NoError(t, cmd.RunE(cmd, []string{executorID}))

	exec, err := s.GetExecutor(ctx, executorID)
	require.NoError(t, err)
	require.Equal(t, model.ExecutorCanceled, exec.Status)
}
