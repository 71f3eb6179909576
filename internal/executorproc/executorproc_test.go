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

package executorproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskflow/internal/dispatcher"
	"github.com/tombee/taskflow/internal/driver"
	"github.com/tombee/taskflow/internal/lifecycle"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/registry"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
)

type fakeClient struct{}

func (fakeClient) Invoke(ctx context.Context, effectiveURL string, parameters json.RawMessage) (driver.TaskResult, error) {
	return driver.TaskResult{Output: "ok"}, nil
}

func TestProcessRunDrivesLeasedRunToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := memory.New()
	svc := &model.TaskService{Name: "svc", BaseURL: "http://svc.internal"}
	require.NoError(t, s.CreateTaskService(ctx, svc))
	wf := &model.Workflow{Name: "wf"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	task := &model.Task{Name: "task", TaskServiceID: svc.ServiceID, URL: "/run"}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.SetWorkflowTasks(ctx, wf.WorkflowID, []string{task.TaskID}))

	reg := registry.New(registry.Config{HeartbeatInterval: time.Hour}, s, nil)
	lc := lifecycle.New(s, s.Bus(), nil)
	disp := dispatcher.New(s, fakeClient{}, nil, nil)

	proc := New(Config{PollInterval: 10 * time.Millisecond, Session: store.ExecutorSession{PID: 1, ApplicationName: "test"}}, reg, lc, disp, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(ctx) }()

	// Give the process a moment to register before scheduling work.
	time.Sleep(20 * time.Millisecond)

	run, err := s.InitializeWorkflowRun(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleWorkflowRun(ctx, run.WorkflowRunID))

	require.Eventually(t, func() bool {
		r, err := s.GetWorkflowRun(ctx, run.WorkflowRunID)
		return err == nil && r.Status == model.WorkflowRunComplete
	}, 2*time.Second, 10*time.Millisecond)

	proc.Stop()
	require.NoError(t, <-runDone)
}
