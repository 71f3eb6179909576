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

package scheduler

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

func TestTickStartsDueJob(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	workflowID := newWorkflow(t, s)

	interval := time.Hour
	job := &model.Job{
		WorkflowID:  workflowID,
		JobType:     model.JobTypeInterval,
		JobInterval: &interval,
		NextRun:     time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	sched := New(Config{PollInterval: time.Hour}, s, nil, nil)
	sched.Tick(ctx)

	updated, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, updated.CurrentWorkflowRunID)
}

func TestTickSkipsJobNotYetDue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	workflowID := newWorkflow(t, s)

	interval := time.Hour
	job := &model.Job{
		WorkflowID:  workflowID,
		JobType:     model.JobTypeInterval,
		JobInterval: &interval,
		NextRun:     time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	sched := New(Config{PollInterval: time.Hour}, s, nil, nil)
	sched.Tick(ctx)

	updated, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Nil(t, updated.CurrentWorkflowRunID)
}

func TestTickCompletesFinishedRunAndAdvances(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	workflowID := newWorkflow(t, s)
	executorID, err := s.RegisterExecutor(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	interval := time.Hour
	job := &model.Job{
		WorkflowID:  workflowID,
		JobType:     model.JobTypeInterval,
		JobInterval: &interval,
		NextRun:     time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	sched := New(Config{PollInterval: time.Hour}, s, nil, nil)
	sched.Tick(ctx)

	started, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, started.CurrentWorkflowRunID)
	runID := *started.CurrentWorkflowRunID

	scheduled, err := s.GetWorkflowRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunScheduled, scheduled.Status)
	require.NoError(t, s.StartWorkflowRun(ctx, runID, executorID))
	_, err = s.AcquireNextTask(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTaskRun(ctx, runID, 1, false, nil))
	require.NoError(t, s.CompleteWorkflowRun(ctx, runID))

	sched.Tick(ctx)

	settled, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Nil(t, settled.CurrentWorkflowRunID)
}
