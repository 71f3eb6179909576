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

// Package model defines the entities of the dispatch engine: workflow
// templates, task services, jobs, workflow runs, task-queue rows, task
// rules, and executors.
package model

import "time"

// WorkflowRunStatus is the status domain of workflow_runs.status.
type WorkflowRunStatus string

const (
	WorkflowRunWaiting   WorkflowRunStatus = "Waiting"
	WorkflowRunScheduled WorkflowRunStatus = "Scheduled"
	WorkflowRunRunning   WorkflowRunStatus = "Running"
	WorkflowRunPaused    WorkflowRunStatus = "Paused"
	WorkflowRunFailed    WorkflowRunStatus = "Failed"
	WorkflowRunComplete  WorkflowRunStatus = "Complete"
	WorkflowRunCanceled  WorkflowRunStatus = "Canceled"
)

// IsTerminal reports whether status settles a run: Complete, Failed,
// Canceled or Paused. A settled run moves again only by operator action
// (complete_task, retry_task or restart_workflow_run).
func (s WorkflowRunStatus) IsTerminal() bool {
	switch s {
	case WorkflowRunComplete, WorkflowRunFailed, WorkflowRunCanceled, WorkflowRunPaused:
		return true
	default:
		return false
	}
}

// TaskStatus is the status domain of task_queue.status.
type TaskStatus string

const (
	TaskWaiting     TaskStatus = "Waiting"
	TaskRunning     TaskStatus = "Running"
	TaskPaused      TaskStatus = "Paused"
	TaskFailed      TaskStatus = "Failed"
	TaskRuleBroken  TaskStatus = "Rule Broken"
	TaskComplete    TaskStatus = "Complete"
	TaskCanceled    TaskStatus = "Canceled"
)

// BlocksNextTask reports whether a task in this status blocks
// lease_next_task from returning any sibling in the same run (§4.1, §4.4
// next-task invariant).
func (s TaskStatus) BlocksNextTask() bool {
	switch s {
	case TaskRunning, TaskPaused, TaskFailed, TaskRuleBroken:
		return true
	default:
		return false
	}
}

// ExecutorStatus is the status domain of executors.status.
type ExecutorStatus string

const (
	ExecutorActive   ExecutorStatus = "Active"
	ExecutorCanceled ExecutorStatus = "Canceled"
	ExecutorShutdown ExecutorStatus = "Shutdown"
)

// JobType selects which of JobInterval / JobSchedule is populated on a Job.
type JobType string

const (
	JobTypeInterval  JobType = "Interval"
	JobTypeScheduled JobType = "Scheduled"
)

// Workflow is the immutable template identity a run is instantiated from.
type Workflow struct {
	WorkflowID    string
	Name          string
	IsDeprecated  bool
	NewWorkflowID *string // successor workflow, set only when IsDeprecated
}

// WorkflowTask is one template row in a workflow's dense, 1-based,
// gap-free task_order sequence.
type WorkflowTask struct {
	WorkflowID string
	TaskOrder  int
	TaskID     string
}

// TaskService is a named remote endpoint base a Task's effective URL is
// resolved against.
type TaskService struct {
	ServiceID string
	Name      string
	BaseURL   string
}

// Task identifies one remote operation reachable through a TaskService.
type Task struct {
	TaskID        string
	Name          string
	Description   string
	TaskServiceID string
	URL           string
}

// WeeklySlot is one (day_of_week, time_of_day) pair in a Scheduled job's
// job_schedule. Monday = 1 .. Sunday = 7.
type WeeklySlot struct {
	DayOfWeek  int
	TimeOfDay  time.Duration // offset since UTC midnight
}

// Job is a recurring definition that produces workflow runs on a
// schedule, always with at most one non-terminal run outstanding.
type Job struct {
	JobID                string
	WorkflowID           string
	JobType              JobType
	Maintainer           string
	IsPaused             bool
	NextRun              time.Time // UTC
	CurrentWorkflowRunID *string

	// JobInterval is set (and positive) iff JobType == JobTypeInterval.
	JobInterval *time.Duration

	// JobSchedule is set (non-empty) iff JobType == JobTypeScheduled.
	JobSchedule []WeeklySlot
}

// WorkflowRun is a stateful instance of a Workflow.
type WorkflowRun struct {
	WorkflowRunID string
	WorkflowID    string
	Status        WorkflowRunStatus
	ExecutorID    *string
	Progress      *int // 0..100
}

// TaskRule is a named boolean finding recorded against a Running task.
type TaskRule struct {
	Name    string
	Failed  bool
	Message *string
}

// ValidRules reports whether a rules slice satisfies the §3/§8 invariant:
// null (empty) or non-empty with every element having a non-blank name.
func ValidRules(rules []TaskRule) bool {
	for _, r := range rules {
		if r.Name == "" {
			return false
		}
	}
	return true
}

// AnyRuleFailed reports whether any rule in rules has Failed == true.
func AnyRuleFailed(rules []TaskRule) bool {
	for _, r := range rules {
		if r.Failed {
			return true
		}
	}
	return false
}

// TaskQueueRow is the per-run, per-order state record for one task of
// one workflow run.
type TaskQueueRow struct {
	WorkflowRunID string
	TaskOrder     int
	TaskID        string
	Status        TaskStatus
	Parameters    []byte // opaque blob, caller-defined encoding
	Output        *string
	Rules         []TaskRule
	TaskStart     *time.Time
	TaskEnd       *time.Time
	Progress      *int // 0..100
}

// ArchivedTaskQueueRow is an append-only snapshot of a TaskQueueRow
// captured immediately before retry_task or restart_workflow_run resets
// it.
type ArchivedTaskQueueRow struct {
	ArchiveID     string
	WorkflowRunID string
	TaskOrder     int
	TaskID        string
	Status        TaskStatus
	Parameters    []byte
	Output        *string
	Rules         []TaskRule
	TaskStart     *time.Time
	TaskEnd       *time.Time
	ArchivedAt    time.Time
}

// Executor is a process session registered to dispatch runs and tasks.
// Liveness is status == Active AND a live backing session (§3, §4.2).
type Executor struct {
	ExecutorID      string
	PID             int64
	Username        string
	ApplicationName string
	ClientAddr      string
	ClientPort      int
	ExecStart       time.Time
	ExecEnd         *time.Time
	Status          ExecutorStatus
	ErrorMessage    *string

	// LastHeartbeat substitutes for a session-pid liveness catalog (§9
	// design note): the reaper criterion is "no heartbeat within 2x the
	// configured heartbeat interval".
	LastHeartbeat time.Time
}

// OutputCanceledByExecutor is the fixed output message stamped onto a
// Running task canceled by close_executor or clean_executors (§4.2).
const OutputCanceledByExecutor = "Task executor canceled workflow run"
