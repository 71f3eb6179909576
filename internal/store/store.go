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

// Package store defines the durable-state contract for the dispatch
// engine: workflow templates, jobs, workflow runs, the task queue, and
// the executor registry, plus the read-only query surface.
//
// # Interface Hierarchy
//
// Following interface segregation, each concern is its own interface so
// a minimal backend (e.g. an in-memory reference implementation used in
// tests) can satisfy only what it needs, while Store composes all of
// them for the production postgres backend:
//
//   - WorkflowStore / TaskServiceStore: template CRUD
//   - JobStore: scheduling primitives
//   - WorkflowRunStore: lifecycle state machine
//   - TaskQueueStore: dispatcher primitives
//   - ExecutorStore: registry primitives
//   - ViewStore: read-only query surface (§6)
package store

import (
	"context"
	"io"

	"github.com/tombee/taskflow/internal/model"
)

// LeasedWorkflowRun is the return shape of lease_next_workflow_run
// (§4.1): the leased run plus whether it is valid to resume, where valid
// means no task of the run is in a state outside {Waiting, Complete}.
// Invalid runs are not auto-fixed by the store; the caller decides.
type LeasedWorkflowRun struct {
	Run     model.WorkflowRun
	IsValid bool
}

// LeasedTask is the return shape of acquire_next_task (§4.4): the task
// just moved Waiting->Running, plus the information needed to invoke
// the remote task service.
type LeasedTask struct {
	WorkflowRunID string
	TaskOrder     int
	TaskID        string
	Parameters    []byte
	EffectiveURL  string
}

// ExecutorSession describes the calling process registering itself with
// register_executor (§4.2). PID is recorded for display; liveness is
// judged by the executor's heartbeat, not by the PID.
type ExecutorSession struct {
	PID             int64
	Username        string
	ApplicationName string
	ClientAddr      string
	ClientPort      int
}

// WorkflowStore manages workflow templates and their dense, gap-free
// task_order sequence (§3).
type WorkflowStore interface {
	// CreateWorkflow inserts a new workflow template.
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error

	// GetWorkflow retrieves a workflow template by id.
	GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error)

	// DeprecateWorkflow marks a workflow deprecated, optionally pointing
	// at a successor. Invariant: new_workflow set implies is_deprecated.
	DeprecateWorkflow(ctx context.Context, workflowID string, newWorkflowID *string) error

	// SetWorkflowTasks replaces a workflow's task_order sequence
	// atomically with taskIDs in order, so the result is always dense
	// and 1-based. No statement may touch more than one workflow.
	SetWorkflowTasks(ctx context.Context, workflowID string, taskIDs []string) error

	// DeleteWorkflow removes a workflow template. Fails if referenced by
	// any job or workflow run.
	DeleteWorkflow(ctx context.Context, workflowID string) error
}

// TaskServiceStore manages task services and the tasks that reference
// them (§3).
type TaskServiceStore interface {
	// CreateTaskService registers a remote service base URL.
	CreateTaskService(ctx context.Context, svc *model.TaskService) error

	// GetTaskService retrieves a task service by id.
	GetTaskService(ctx context.Context, serviceID string) (*model.TaskService, error)

	// CreateTask registers a task against a task service.
	CreateTask(ctx context.Context, task *model.Task) error

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, taskID string) (*model.Task, error)

	// EffectiveURL resolves rtrim(base_url,'/') + '/' + ltrim(url,'/')
	// for the given task.
	EffectiveURL(ctx context.Context, taskID string) (string, error)
}

// JobStore manages recurring job definitions and the §4.5 scheduling
// primitives.
type JobStore interface {
	// CreateJob inserts a new job. Exactly one of JobInterval or
	// JobSchedule must be set, matching JobType.
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// PauseJob sets is_paused = true.
	PauseJob(ctx context.Context, jobID string) error

	// ResumeJob sets is_paused = false.
	ResumeJob(ctx context.Context, jobID string) error

	// RunJob is run_job(job_id) (§4.5): under a job row lock, rejects if
	// paused, initializes and schedules a new run, stamps
	// current_workflow_run_id, and advances next_run. All-or-nothing.
	RunJob(ctx context.Context, jobID string) error

	// CompleteJob is complete_job(job_id) (§4.5): settles the job after
	// its current run terminates. Returns an empty string on success or
	// a non-empty textual reason (e.g. "paused: run failed").
	CompleteJob(ctx context.Context, jobID string) (string, error)
}

// WorkflowRunStore drives a workflow run through its lifecycle state
// machine (§4.3).
type WorkflowRunStore interface {
	// InitializeWorkflowRun is initialize_workflow_run(workflow_id)
	// (§4.3.1): rejects deprecated workflows, then in one transaction
	// inserts the run and its task-queue rows from the template join.
	InitializeWorkflowRun(ctx context.Context, workflowID string) (*model.WorkflowRun, error)

	// GetWorkflowRun retrieves a workflow run by id.
	GetWorkflowRun(ctx context.Context, workflowRunID string) (*model.WorkflowRun, error)

	// ScheduleWorkflowRun transitions Waiting -> Scheduled, invoking the
	// before-status-update trigger logic (auto-assign executor via
	// next_executor, publish wr_scheduled_<picked>).
	ScheduleWorkflowRun(ctx context.Context, workflowRunID string) error

	// StartWorkflowRun transitions Scheduled -> Running, assigning
	// executor_id and setting progress = 0.
	StartWorkflowRun(ctx context.Context, workflowRunID string, executorID string) error

	// StartWorkflowRunMove is the first phase of a move (§4.3.2): finds
	// the earliest Waiting task with skip-locked and sets it Paused.
	StartWorkflowRunMove(ctx context.Context, workflowRunID string) error

	// CompleteWorkflowRunMove is the second phase of a move (§4.3.2):
	// finds the earliest Paused task with skip-locked, sets it back to
	// Waiting, then transitions the run to Scheduled.
	CompleteWorkflowRunMove(ctx context.Context, workflowRunID string) error

	// CompleteWorkflowRun is complete_workflow_run(workflow_run_id)
	// (§4.3.3): inspects the task-queue distribution and settles run
	// status by cascade, clearing executor_id in every case.
	CompleteWorkflowRun(ctx context.Context, workflowRunID string) error

	// CancelWorkflowRun transitions Scheduled|Waiting -> Canceled.
	CancelWorkflowRun(ctx context.Context, workflowRunID string) error

	// RestartWorkflowRun is restart_workflow_run(id) (§4.3.4): valid only
	// if the run is not Running. Archives every task-queue row, resets
	// them to Waiting, and sets the run to Waiting with executor_id
	// cleared. All-or-nothing.
	RestartWorkflowRun(ctx context.Context, workflowRunID string) error

	// LeaseNextWorkflowRun is lease_next_workflow_run(executor_id)
	// (§4.1): returns the first Scheduled row owned by this executor (or
	// unowned), locked with skip-locked semantics.
	LeaseNextWorkflowRun(ctx context.Context, executorID string) (*LeasedWorkflowRun, error)
}

// TaskQueueStore drives the per-task state machine within a workflow run
// (§4.4).
type TaskQueueStore interface {
	// LeaseNextTask is lease_next_task(workflow_run_id) (§4.1): returns
	// the first Waiting task only if no sibling is in
	// {Running, Paused, Failed, Rule Broken}, locked with skip-locked.
	LeaseNextTask(ctx context.Context, workflowRunID string) (*model.TaskQueueRow, error)

	// AcquireNextTask is acquire_next_task(workflow_run_id) (§4.4): the
	// dispatcher's main-loop primitive. Leases the next task and starts
	// it (Waiting -> Running, task_start = now) in one transaction,
	// returning the information needed to invoke the remote task
	// service. Returns (nil, nil) when no task is available.
	AcquireNextTask(ctx context.Context, workflowRunID string) (*LeasedTask, error)

	// CompleteTaskRun is complete_task_run(...) (§4.4): requires
	// status = Running. Terminal status is Rule Broken if any rule
	// failed, else Paused if isPaused, else Complete. Also recomputes
	// the owning run's progress.
	CompleteTaskRun(ctx context.Context, workflowRunID string, taskOrder int, isPaused bool, output *string) error

	// FailTaskRun is fail_task_run(...) (§4.4): message must be
	// non-blank. Requires status = Running.
	FailTaskRun(ctx context.Context, workflowRunID string, taskOrder int, message string) error

	// AppendTaskRule is append_task_rule(...) (§4.4): appends atomically,
	// requires status = Running, enforces rule validity.
	AppendTaskRule(ctx context.Context, workflowRunID string, taskOrder int, rule model.TaskRule) error

	// SetTaskProgress is set_task_progress(...) (§4.4): requires
	// status = Running.
	SetTaskProgress(ctx context.Context, workflowRunID string, taskOrder int, progress int) error

	// CompleteTask is complete_task(...) (§4.4): manually marks a Paused
	// task Complete and sets the run back to Scheduled. Rejects if the
	// current status is not Paused.
	CompleteTask(ctx context.Context, workflowRunID string, taskOrder int) error

	// RetryTask is retry_task(...) (§4.4): valid only if the current
	// status is Failed or Rule Broken. Archives, then resets the task to
	// Waiting and the run to Scheduled. All-or-nothing.
	RetryTask(ctx context.Context, workflowRunID string, taskOrder int) error
}

// ExecutorStore manages executor registration, liveness, and the
// dispatch-target selection primitive (§4.2).
type ExecutorStore interface {
	// RegisterExecutor is register_executor() (§4.2): returns a new
	// executor_id and captures the session's identity with
	// exec_start = now.
	RegisterExecutor(ctx context.Context, session ExecutorSession) (string, error)

	// GetExecutor retrieves an executor by id.
	GetExecutor(ctx context.Context, executorID string) (*model.Executor, error)

	// ShutdownExecutor sets status = Shutdown (graceful) and publishes
	// exec_status_<id> = "shutdown".
	ShutdownExecutor(ctx context.Context, executorID string) error

	// CancelExecutor sets status = Canceled (forced) and publishes
	// exec_status_<id> = "cancel".
	CancelExecutor(ctx context.Context, executorID string) error

	// CloseExecutor is close_executor(id, is_cancelled) (§4.2): stamps
	// exec_end = now, sets terminal status, and for every Running
	// workflow run still owned by this executor cancels the run and its
	// Running task.
	CloseExecutor(ctx context.Context, executorID string, isCancelled bool) error

	// CleanExecutors is the liveness reaper clean_executors() (§4.2):
	// finds executors whose status is still Active but whose last
	// heartbeat is older than the backend's stale cutoff, marks them
	// Canceled, and cancels their owning runs and Running tasks. Returns
	// the number reaped.
	CleanExecutors(ctx context.Context) (int, error)

	// NextExecutor is next_executor() (§4.2): a pure selection among
	// live Active executors, returning the one with the fewest owning
	// workflow runs. Returns nil if none exist.
	NextExecutor(ctx context.Context) (*model.Executor, error)

	// Heartbeat records liveness for backends that substitute a
	// heartbeat column for a session-pid catalog (§9 design note).
	Heartbeat(ctx context.Context, executorID string) error
}

// WorkflowView is v_workflows: a template plus its ordered tasks (§6).
type WorkflowView struct {
	Workflow model.Workflow
	Tasks    []model.WorkflowTask
}

// TaskView is v_tasks: a task plus its resolved effective URL (§6).
type TaskView struct {
	Task         model.Task
	EffectiveURL string
}

// WorkflowRunView is v_workflow_runs: a run plus its task-queue rows
// array (§6).
type WorkflowRunView struct {
	Run   model.WorkflowRun
	Tasks []model.TaskQueueRow
}

// JobView is v_jobs: a job plus its workflow name and current-run status
// (§6).
type JobView struct {
	Job                 model.Job
	WorkflowName        string
	CurrentRunStatus    *model.WorkflowRunStatus
}

// ViewStore exposes the read-only query surface that is the contract
// between the core and the portal/UI (§6).
type ViewStore interface {
	// ListQueuedJobs is v_queued_jobs (§4.5): jobs that are not paused
	// and have no current run or whose current run is Complete, ordered
	// by next_run.
	ListQueuedJobs(ctx context.Context) ([]model.Job, error)

	// GetWorkflowView is v_workflows for one workflow.
	GetWorkflowView(ctx context.Context, workflowID string) (*WorkflowView, error)

	// GetTaskView is v_tasks for one task.
	GetTaskView(ctx context.Context, taskID string) (*TaskView, error)

	// GetWorkflowRunView is v_workflow_runs for one run.
	GetWorkflowRunView(ctx context.Context, workflowRunID string) (*WorkflowRunView, error)

	// ListJobViews is v_jobs.
	ListJobViews(ctx context.Context) ([]JobView, error)

	// ListExecutors is v_executors.
	ListExecutors(ctx context.Context) ([]model.Executor, error)

	// ListActiveExecutors is v_active_executors: executors with
	// status = Active and a heartbeat within the backend's stale cutoff.
	ListActiveExecutors(ctx context.Context) ([]model.Executor, error)
}

// Store is the full contract for the dispatch engine's durable state.
// Production backends (postgres) implement every method; the in-memory
// reference backend used in tests implements the same contract against
// an in-process map guarded by a mutex.
type Store interface {
	WorkflowStore
	TaskServiceStore
	JobStore
	WorkflowRunStore
	TaskQueueStore
	ExecutorStore
	ViewStore
	io.Closer
}
