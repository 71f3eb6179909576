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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
)

func TestRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	reg := New(Config{}, s, nil)

	id, err := reg.Register(ctx, store.ExecutorSession{PID: 42, ApplicationName: "test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, reg.Heartbeat(ctx, id))

	exec, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ExecutorActive, exec.Status)
}

func TestShutdownTransitionsToShutdown(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	reg := New(Config{}, s, nil)

	id, err := reg.Register(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	require.NoError(t, reg.Shutdown(ctx, id))

	exec, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ExecutorShutdown, exec.Status)
}

func TestCancelThenCloseCascadesToOwnedRuns(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	reg := New(Config{}, s, nil)

	svc := &model.TaskService{Name: "svc", BaseURL: "http://svc.internal"}
	require.NoError(t, s.CreateTaskService(ctx, svc))
	wf := &model.Workflow{Name: "wf"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	task := &model.Task{Name: "task", TaskServiceID: svc.ServiceID, URL: "/run"}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.SetWorkflowTasks(ctx, wf.WorkflowID, []string{task.TaskID}))

	id, err := reg.Register(ctx, store.ExecutorSession{PID: 1, ApplicationName: "test"})
	require.NoError(t, err)

	run, err := s.InitializeWorkflowRun(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleWorkflowRun(ctx, run.WorkflowRunID))
	require.NoError(t, s.StartWorkflowRun(ctx, run.WorkflowRunID, id))

	require.NoError(t, reg.Cancel(ctx, id))
	require.NoError(t, reg.Close(ctx, id, true))

	finalRun, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunCanceled, finalRun.Status)
}

func TestReaperStartStopIsIdempotentAndClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := memory.New()
	reg := New(Config{ReapInterval: 5 * time.Millisecond}, s, nil)

	reg.StartReaper(ctx)
	reg.StartReaper(ctx) // second call is a no-op while already running
	time.Sleep(20 * time.Millisecond)
	reg.StopReaper()
	reg.StopReaper() // second call is a no-op while already stopped
}
