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

// Package memory is an in-process reference implementation of
// store.Store, guarded by a single mutex instead of row-level locking.
// It exists for tests and for running the engine without a database; it
// is not a fit for multi-writer deployment since the skip-locked
// concurrency model (§5) collapses to a single exclusive critical
// section here.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/notify"
	"github.com/tombee/taskflow/internal/store"
	taskflowerrors "github.com/tombee/taskflow/pkg/errors"
)

// defaultStaleAfter mirrors postgres.defaultStaleAfter for the heartbeat
// liveness substitution (§9 design note).
const defaultStaleAfter = 2 * time.Minute

// Store is the in-memory store.Store implementation.
type Store struct {
	mu sync.Mutex

	bus        *notify.MemoryBus
	staleAfter time.Duration

	workflows     map[string]*model.Workflow
	workflowTasks map[string][]model.WorkflowTask // workflowID -> ordered tasks
	taskServices  map[string]*model.TaskService
	tasks         map[string]*model.Task
	jobs          map[string]*model.Job
	runs          map[string]*model.WorkflowRun
	queue         map[string][]*model.TaskQueueRow // workflowRunID -> rows by order
	archive       []model.ArchivedTaskQueueRow
	executors     map[string]*model.Executor
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store, with a notify.MemoryBus for its
// subscribers.
func New() *Store {
	return &Store{
		bus:           notify.NewMemoryBus(),
		staleAfter:    defaultStaleAfter,
		workflows:     make(map[string]*model.Workflow),
		workflowTasks: make(map[string][]model.WorkflowTask),
		taskServices:  make(map[string]*model.TaskService),
		tasks:         make(map[string]*model.Task),
		jobs:          make(map[string]*model.Job),
		runs:          make(map[string]*model.WorkflowRun),
		queue:         make(map[string][]*model.TaskQueueRow),
		executors:     make(map[string]*model.Executor),
	}
}

// Bus exposes the backing notification bus, for components that need to
// subscribe (mirrors postgres.Store.Pool's sharing role).
func (s *Store) Bus() *notify.MemoryBus { return s.bus }

// Close implements io.Closer.
func (s *Store) Close() error { return s.bus.Close() }

func newID() string { return uuid.NewString() }

func (s *Store) publish(topic, payload string) {
	_ = s.bus.Publish(context.Background(), topic, payload)
}

// --- WorkflowStore ---

func (s *Store) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.WorkflowID == "" {
		wf.WorkflowID = newID()
	}
	cp := *wf
	s.workflows[wf.WorkflowID] = &cp
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	cp := *wf
	return &cp, nil
}

func (s *Store) DeprecateWorkflow(ctx context.Context, workflowID string, newWorkflowID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	wf.IsDeprecated = true
	wf.NewWorkflowID = newWorkflowID
	return nil
}

func (s *Store) SetWorkflowTasks(ctx context.Context, workflowID string, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]model.WorkflowTask, len(taskIDs))
	for i, taskID := range taskIDs {
		rows[i] = model.WorkflowTask{WorkflowID: workflowID, TaskOrder: i + 1, TaskID: taskID}
	}
	s.workflowTasks[workflowID] = rows
	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	for _, j := range s.jobs {
		if j.WorkflowID == workflowID {
			return &taskflowerrors.PreconditionError{Operation: "DeleteWorkflow", Resource: "workflow", ID: workflowID, Expected: "unreferenced", Actual: "referenced by jobs or workflow_runs"}
		}
	}
	for _, r := range s.runs {
		if r.WorkflowID == workflowID {
			return &taskflowerrors.PreconditionError{Operation: "DeleteWorkflow", Resource: "workflow", ID: workflowID, Expected: "unreferenced", Actual: "referenced by jobs or workflow_runs"}
		}
	}
	delete(s.workflows, workflowID)
	delete(s.workflowTasks, workflowID)
	return nil
}

// --- TaskServiceStore ---

func (s *Store) CreateTaskService(ctx context.Context, svc *model.TaskService) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.ServiceID == "" {
		svc.ServiceID = newID()
	}
	cp := *svc
	s.taskServices[svc.ServiceID] = &cp
	return nil
}

func (s *Store) GetTaskService(ctx context.Context, serviceID string) (*model.TaskService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.taskServices[serviceID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "task_service", ID: serviceID}
	}
	cp := *svc
	return &cp, nil
}

func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.TaskID == "" {
		task.TaskID = newID()
	}
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	cp := *t
	return &cp, nil
}

func (s *Store) EffectiveURL(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", &taskflowerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	svc, ok := s.taskServices[t.TaskServiceID]
	if !ok {
		return "", &taskflowerrors.NotFoundError{Resource: "task_service", ID: t.TaskServiceID}
	}
	return joinURL(svc.BaseURL, t.URL), nil
}

func joinURL(baseURL, url string) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	for len(url) > 0 && url[0] == '/' {
		url = url[1:]
	}
	return baseURL + "/" + url
}

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.JobType == model.JobTypeInterval && job.JobInterval == nil {
		return &taskflowerrors.ValidationError{Field: "job_interval", Message: "required when job_type = Interval"}
	}
	if job.JobType == model.JobTypeScheduled && len(job.JobSchedule) == 0 {
		return &taskflowerrors.ValidationError{Field: "job_schedule", Message: "required when job_type = Scheduled"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.JobID == "" {
		job.JobID = newID()
	}
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	cp := *j
	return &cp, nil
}

func (s *Store) PauseJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	j.IsPaused = true
	return nil
}

func (s *Store) ResumeJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	j.IsPaused = false
	return nil
}

func (s *Store) RunJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	if j.IsPaused {
		return &taskflowerrors.PreconditionError{Operation: "RunJob", Resource: "job", ID: jobID, Expected: "not paused", Actual: "paused"}
	}
	if j.CurrentWorkflowRunID != nil {
		return &taskflowerrors.PreconditionError{Operation: "RunJob", Resource: "job", ID: jobID, Expected: "no outstanding run", Actual: "current_workflow_run_id set"}
	}

	run, err := s.initializeWorkflowRunLocked(j.WorkflowID)
	if err != nil {
		return err
	}
	s.applyTransitionLocked(run, model.WorkflowRunScheduled)

	nextRun := nextRunAfter(j, j.NextRun)
	j.CurrentWorkflowRunID = &run.WorkflowRunID
	j.NextRun = nextRun
	s.publish(notify.TopicJobs, jobID)
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	if j.CurrentWorkflowRunID == nil {
		return "no outstanding run", nil
	}
	run, ok := s.runs[*j.CurrentWorkflowRunID]
	if !ok {
		return "", &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: *j.CurrentWorkflowRunID}
	}
	if run.Status == model.WorkflowRunScheduled || run.Status == model.WorkflowRunRunning {
		return "current run not yet terminal", nil
	}
	if run.Status == model.WorkflowRunComplete {
		j.CurrentWorkflowRunID = nil
		return "", nil
	}
	j.IsPaused = true
	return fmt.Sprintf("paused: run %s", run.Status), nil
}

func nextRunAfter(job *model.Job, from time.Time) time.Time {
	if job.JobType == model.JobTypeInterval && job.JobInterval != nil {
		return from.Add(*job.JobInterval)
	}
	return nextWeeklySlotAfter(job.JobSchedule, from)
}

func nextWeeklySlotAfter(slots []model.WeeklySlot, from time.Time) time.Time {
	if len(slots) == 0 {
		return from
	}
	sorted := make([]model.WeeklySlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DayOfWeek != sorted[j].DayOfWeek {
			return sorted[i].DayOfWeek < sorted[j].DayOfWeek
		}
		return sorted[i].TimeOfDay < sorted[j].TimeOfDay
	})

	from = from.UTC()
	weekStart := from.AddDate(0, 0, -isoWeekday(from)+1).Truncate(24 * time.Hour)

	for week := 0; week < 2; week++ {
		for _, slot := range sorted {
			candidate := weekStart.AddDate(0, 0, (week*7)+slot.DayOfWeek-1).Add(slot.TimeOfDay)
			if candidate.After(from) {
				return candidate
			}
		}
	}
	return from
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// --- WorkflowRunStore ---

func (s *Store) InitializeWorkflowRun(ctx context.Context, workflowID string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeWorkflowRunLocked(workflowID)
}

func (s *Store) initializeWorkflowRunLocked(workflowID string) (*model.WorkflowRun, error) {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	if wf.IsDeprecated {
		suggestion := ""
		if wf.NewWorkflowID != nil {
			suggestion = fmt.Sprintf(" (use %s instead)", *wf.NewWorkflowID)
		}
		return nil, &taskflowerrors.PreconditionError{
			Operation: "InitializeWorkflowRun", Resource: "workflow", ID: workflowID,
			Expected: "not deprecated" + suggestion, Actual: "deprecated",
		}
	}

	runID := newID()
	run := &model.WorkflowRun{WorkflowRunID: runID, WorkflowID: workflowID, Status: model.WorkflowRunWaiting}
	s.runs[runID] = run

	template := s.workflowTasks[workflowID]
	rows := make([]*model.TaskQueueRow, len(template))
	for i, t := range template {
		rows[i] = &model.TaskQueueRow{WorkflowRunID: runID, TaskOrder: t.TaskOrder, TaskID: t.TaskID, Status: model.TaskWaiting}
	}
	s.queue[runID] = rows

	cp := *run
	return &cp, nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, workflowRunID string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[workflowRunID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	cp := *r
	return &cp, nil
}

// applyTransitionLocked mirrors postgres.applyWorkflowRunTransition: the
// before-status-update trigger auto-assigning an executor on transition
// to Scheduled and publishing wr_scheduled_<id>/wr_canceled_<id>/jobs.
func (s *Store) applyTransitionLocked(run *model.WorkflowRun, newStatus model.WorkflowRunStatus) {
	oldExecutorID := run.ExecutorID

	if newStatus == model.WorkflowRunScheduled && run.ExecutorID == nil {
		if picked := s.nextExecutorLocked(); picked != nil {
			run.ExecutorID = &picked.ExecutorID
		}
	}
	run.Status = newStatus

	if newStatus == model.WorkflowRunScheduled && run.ExecutorID != nil &&
		(oldExecutorID == nil || *oldExecutorID != *run.ExecutorID) {
		s.publish(notify.TopicScheduled(*run.ExecutorID), run.WorkflowRunID)
	}
	if newStatus == model.WorkflowRunCanceled && oldExecutorID != nil {
		s.publish(notify.TopicCanceled(*oldExecutorID), run.WorkflowRunID)
	}
	if newStatus.IsTerminal() {
		for _, j := range s.jobs {
			if j.CurrentWorkflowRunID != nil && *j.CurrentWorkflowRunID == run.WorkflowRunID {
				s.publish(notify.TopicJobs, j.JobID)
			}
		}
	}
}

func (s *Store) publishProgressIfChangedLocked(workflowRunID string, oldProgress, newProgress *int) {
	changed := (oldProgress == nil) != (newProgress == nil)
	if !changed && oldProgress != nil && newProgress != nil {
		changed = *oldProgress != *newProgress
	}
	if changed {
		s.publish(notify.TopicProgress, workflowRunID)
	}
}

func (s *Store) ScheduleWorkflowRun(ctx context.Context, workflowRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	if run.Status != model.WorkflowRunWaiting && run.Status != model.WorkflowRunRunning {
		return &taskflowerrors.PreconditionError{Operation: "ScheduleWorkflowRun", Resource: "workflow_run", ID: workflowRunID, Expected: "Waiting or Running", Actual: string(run.Status)}
	}
	s.applyTransitionLocked(run, model.WorkflowRunScheduled)
	return nil
}

func (s *Store) StartWorkflowRun(ctx context.Context, workflowRunID string, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	if run.Status != model.WorkflowRunScheduled {
		return &taskflowerrors.PreconditionError{Operation: "StartWorkflowRun", Resource: "workflow_run", ID: workflowRunID, Expected: string(model.WorkflowRunScheduled), Actual: "not Scheduled"}
	}
	run.Status = model.WorkflowRunRunning
	run.ExecutorID = &executorID
	zero := 0
	run.Progress = &zero
	return nil
}

func (s *Store) StartWorkflowRunMove(ctx context.Context, workflowRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.queue[workflowRunID]
	for _, r := range rows {
		if r.Status == model.TaskWaiting {
			r.Status = model.TaskPaused
			return nil
		}
	}
	return nil
}

func (s *Store) CompleteWorkflowRunMove(ctx context.Context, workflowRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.queue[workflowRunID]
	for _, r := range rows {
		if r.Status == model.TaskPaused {
			r.Status = model.TaskWaiting
			break
		}
	}
	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	run.ExecutorID = nil // let the transition pick the least-loaded live executor
	s.applyTransitionLocked(run, model.WorkflowRunScheduled)
	return nil
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, workflowRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	rows := s.queue[workflowRunID]
	counts := map[model.TaskStatus]int{}
	for _, r := range rows {
		counts[r.Status]++
	}
	total := len(rows)

	var newStatus model.WorkflowRunStatus
	var newProgress *int
	hundred := 100
	switch {
	case total > 0 && counts[model.TaskComplete] == total:
		newStatus, newProgress = model.WorkflowRunComplete, &hundred
	case counts[model.TaskFailed] > 0:
		newStatus, newProgress = model.WorkflowRunFailed, nil
	case counts[model.TaskRuleBroken] > 0:
		newStatus, newProgress = model.WorkflowRunPaused, &hundred
	case counts[model.TaskPaused] > 0:
		newStatus, newProgress = model.WorkflowRunPaused, &hundred
	case counts[model.TaskCanceled] > 0:
		newStatus, newProgress = model.WorkflowRunCanceled, nil
	default:
		newStatus, newProgress = model.WorkflowRunPaused, nil
	}

	oldProgress := run.Progress
	run.ExecutorID = nil
	s.applyTransitionLocked(run, newStatus)
	run.Progress = newProgress
	s.publishProgressIfChangedLocked(workflowRunID, oldProgress, newProgress)
	return nil
}

func (s *Store) CancelWorkflowRun(ctx context.Context, workflowRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	if run.Status != model.WorkflowRunWaiting && run.Status != model.WorkflowRunScheduled {
		return &taskflowerrors.PreconditionError{Operation: "CancelWorkflowRun", Resource: "workflow_run", ID: workflowRunID, Expected: "Waiting or Scheduled", Actual: string(run.Status)}
	}
	s.applyTransitionLocked(run, model.WorkflowRunCanceled)
	return nil
}

func (s *Store) RestartWorkflowRun(ctx context.Context, workflowRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	if run.Status == model.WorkflowRunRunning {
		return &taskflowerrors.PreconditionError{Operation: "RestartWorkflowRun", Resource: "workflow_run", ID: workflowRunID, Expected: "not Running", Actual: string(run.Status)}
	}
	s.archiveAndResetAllLocked(workflowRunID)
	run.Status = model.WorkflowRunWaiting
	run.ExecutorID = nil
	run.Progress = nil
	return nil
}

func (s *Store) archiveAndResetAllLocked(workflowRunID string) {
	now := time.Now().UTC()
	for _, r := range s.queue[workflowRunID] {
		s.archive = append(s.archive, model.ArchivedTaskQueueRow{
			ArchiveID: newID(), WorkflowRunID: r.WorkflowRunID, TaskOrder: r.TaskOrder, TaskID: r.TaskID,
			Status: r.Status, Parameters: r.Parameters, Output: r.Output, Rules: r.Rules,
			TaskStart: r.TaskStart, TaskEnd: r.TaskEnd, ArchivedAt: now,
		})
		r.Status = model.TaskWaiting
		r.Output = nil
		r.TaskStart = nil
		r.TaskEnd = nil
	}
}

func (s *Store) LeaseNextWorkflowRun(ctx context.Context, executorID string) (*store.LeasedWorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, r := range s.runs {
		if r.Status == model.WorkflowRunScheduled && (r.ExecutorID == nil || *r.ExecutorID == executorID) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	run := s.runs[ids[0]]

	invalid := false
	for _, r := range s.queue[run.WorkflowRunID] {
		if r.Status != model.TaskWaiting && r.Status != model.TaskComplete {
			invalid = true
			break
		}
	}
	cp := *run
	return &store.LeasedWorkflowRun{Run: cp, IsValid: !invalid}, nil
}

// --- TaskQueueStore ---

func (s *Store) findTaskLocked(workflowRunID string, taskOrder int) *model.TaskQueueRow {
	for _, r := range s.queue[workflowRunID] {
		if r.TaskOrder == taskOrder {
			return r
		}
	}
	return nil
}

func (s *Store) LeaseNextTask(ctx context.Context, workflowRunID string) (*model.TaskQueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseNextTaskLocked(workflowRunID)
}

func (s *Store) leaseNextTaskLocked(workflowRunID string) (*model.TaskQueueRow, error) {
	rows := s.queue[workflowRunID]
	for _, r := range rows {
		if r.Status.BlocksNextTask() {
			return nil, nil
		}
		if r.Status == model.TaskWaiting {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) AcquireNextTask(ctx context.Context, workflowRunID string) (*store.LeasedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leased, err := s.leaseNextTaskLocked(workflowRunID)
	if err != nil || leased == nil {
		return nil, err
	}
	row := s.findTaskLocked(workflowRunID, leased.TaskOrder)
	now := time.Now().UTC()
	row.Status = model.TaskRunning
	row.TaskStart = &now

	t, ok := s.tasks[row.TaskID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "task", ID: row.TaskID}
	}
	svc, ok := s.taskServices[t.TaskServiceID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "task_service", ID: t.TaskServiceID}
	}

	return &store.LeasedTask{
		WorkflowRunID: workflowRunID, TaskOrder: row.TaskOrder, TaskID: row.TaskID,
		Parameters: row.Parameters, EffectiveURL: joinURL(svc.BaseURL, t.URL),
	}, nil
}

func (s *Store) requireTaskStatusLocked(workflowRunID string, taskOrder int, want model.TaskStatus) (*model.TaskQueueRow, error) {
	row := s.findTaskLocked(workflowRunID, taskOrder)
	if row == nil {
		return nil, &taskflowerrors.NotFoundError{Resource: "task_queue_row", ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder)}
	}
	if row.Status != want {
		return nil, &taskflowerrors.PreconditionError{
			Operation: "task transition", Resource: "task_queue_row",
			ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder), Expected: string(want), Actual: string(row.Status),
		}
	}
	return row, nil
}

func (s *Store) recomputeProgressLocked(workflowRunID string) {
	rows := s.queue[workflowRunID]
	completed, total := 0, len(rows)
	for _, r := range rows {
		if r.Status == model.TaskComplete {
			completed++
		}
	}
	newProgress := 0
	if total > 0 {
		newProgress = int((float64(completed) / float64(total) * 100) + 0.5)
	}
	run := s.runs[workflowRunID]
	if run == nil {
		return
	}
	old := run.Progress
	run.Progress = &newProgress
	s.publishProgressIfChangedLocked(workflowRunID, old, &newProgress)
}

func (s *Store) CompleteTaskRun(ctx context.Context, workflowRunID string, taskOrder int, isPaused bool, output *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.requireTaskStatusLocked(workflowRunID, taskOrder, model.TaskRunning)
	if err != nil {
		return err
	}
	switch {
	case model.AnyRuleFailed(row.Rules):
		row.Status = model.TaskRuleBroken
	case isPaused:
		row.Status = model.TaskPaused
	default:
		row.Status = model.TaskComplete
	}
	row.Output = output
	now := time.Now().UTC()
	row.TaskEnd = &now
	s.recomputeProgressLocked(workflowRunID)
	return nil
}

func (s *Store) FailTaskRun(ctx context.Context, workflowRunID string, taskOrder int, message string) error {
	if message == "" {
		return &taskflowerrors.ValidationError{Field: "message", Message: "must be non-blank"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.requireTaskStatusLocked(workflowRunID, taskOrder, model.TaskRunning)
	if err != nil {
		return err
	}
	row.Status = model.TaskFailed
	row.Output = &message
	now := time.Now().UTC()
	row.TaskEnd = &now
	s.recomputeProgressLocked(workflowRunID)
	return nil
}

func (s *Store) AppendTaskRule(ctx context.Context, workflowRunID string, taskOrder int, rule model.TaskRule) error {
	if rule.Name == "" {
		return &taskflowerrors.ValidationError{Field: "name", Message: "must be non-blank"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.requireTaskStatusLocked(workflowRunID, taskOrder, model.TaskRunning)
	if err != nil {
		return err
	}
	candidate := append(append([]model.TaskRule{}, row.Rules...), rule)
	if !model.ValidRules(candidate) {
		return &taskflowerrors.InvariantError{Invariant: "rule names non-blank", Detail: "appended rule produced an invalid rule set"}
	}
	row.Rules = candidate
	return nil
}

func (s *Store) SetTaskProgress(ctx context.Context, workflowRunID string, taskOrder int, progress int) error {
	if progress < 0 || progress > 100 {
		return &taskflowerrors.ValidationError{Field: "progress", Message: "must be between 0 and 100"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.requireTaskStatusLocked(workflowRunID, taskOrder, model.TaskRunning)
	if err != nil {
		return err
	}
	row.Progress = &progress
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, workflowRunID string, taskOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.requireTaskStatusLocked(workflowRunID, taskOrder, model.TaskPaused)
	if err != nil {
		return err
	}
	row.Status = model.TaskComplete
	s.recomputeProgressLocked(workflowRunID)

	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	s.applyTransitionLocked(run, model.WorkflowRunScheduled)
	return nil
}

func (s *Store) RetryTask(ctx context.Context, workflowRunID string, taskOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.findTaskLocked(workflowRunID, taskOrder)
	if row == nil {
		return &taskflowerrors.NotFoundError{Resource: "task_queue_row", ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder)}
	}
	if row.Status != model.TaskFailed && row.Status != model.TaskRuleBroken {
		return &taskflowerrors.PreconditionError{
			Operation: "RetryTask", Resource: "task_queue_row",
			ID: fmt.Sprintf("%s/%d", workflowRunID, taskOrder), Expected: "Failed or Rule Broken", Actual: string(row.Status),
		}
	}

	s.archive = append(s.archive, model.ArchivedTaskQueueRow{
		ArchiveID: newID(), WorkflowRunID: row.WorkflowRunID, TaskOrder: row.TaskOrder, TaskID: row.TaskID,
		Status: row.Status, Parameters: row.Parameters, Output: row.Output, Rules: row.Rules,
		TaskStart: row.TaskStart, TaskEnd: row.TaskEnd, ArchivedAt: time.Now().UTC(),
	})
	row.Status = model.TaskWaiting
	row.Output = nil
	row.TaskStart = nil
	row.TaskEnd = nil

	run, ok := s.runs[workflowRunID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	s.applyTransitionLocked(run, model.WorkflowRunScheduled)
	return nil
}

// --- ExecutorStore ---

func (s *Store) RegisterExecutor(ctx context.Context, session store.ExecutorSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := newID()
	now := time.Now().UTC()
	s.executors[id] = &model.Executor{
		ExecutorID: id, PID: session.PID, Username: session.Username, ApplicationName: session.ApplicationName,
		ClientAddr: session.ClientAddr, ClientPort: session.ClientPort, ExecStart: now, Status: model.ExecutorActive,
		LastHeartbeat: now,
	}
	return id, nil
}

func (s *Store) GetExecutor(ctx context.Context, executorID string) (*model.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[executorID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "executor", ID: executorID}
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ShutdownExecutor(ctx context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[executorID]
	if !ok || e.Status != model.ExecutorActive {
		return &taskflowerrors.PreconditionError{Operation: "ShutdownExecutor", Resource: "executor", ID: executorID, Expected: string(model.ExecutorActive), Actual: "not Active"}
	}
	e.Status = model.ExecutorShutdown
	s.publish(notify.TopicExecStatus(executorID), "shutdown")
	return nil
}

func (s *Store) CancelExecutor(ctx context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[executorID]
	if !ok || e.Status != model.ExecutorActive {
		return &taskflowerrors.PreconditionError{Operation: "CancelExecutor", Resource: "executor", ID: executorID, Expected: string(model.ExecutorActive), Actual: "not Active"}
	}
	e.Status = model.ExecutorCanceled
	s.publish(notify.TopicExecStatus(executorID), "cancel")
	return nil
}

func (s *Store) CloseExecutor(ctx context.Context, executorID string, isCancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[executorID]
	if !ok {
		return &taskflowerrors.NotFoundError{Resource: "executor", ID: executorID}
	}
	now := time.Now().UTC()
	e.ExecEnd = &now
	if isCancelled {
		e.Status = model.ExecutorCanceled
	} else {
		e.Status = model.ExecutorShutdown
	}
	s.cancelRunsOwnedByExecutorLocked(executorID)
	return nil
}

func (s *Store) cancelRunsOwnedByExecutorLocked(executorID string) {
	for id, r := range s.runs {
		if r.ExecutorID == nil || *r.ExecutorID != executorID || r.Status != model.WorkflowRunRunning {
			continue
		}
		for _, row := range s.queue[id] {
			if row.Status == model.TaskRunning {
				output := model.OutputCanceledByExecutor
				row.Status = model.TaskCanceled
				row.Output = &output
				now := time.Now().UTC()
				row.TaskEnd = &now
			}
		}
		r.Status = model.WorkflowRunCanceled
		r.ExecutorID = nil
	}
}

func (s *Store) CleanExecutors(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-2 * s.staleAfterOrDefault())
	reaped := 0
	for id, e := range s.executors {
		if e.Status == model.ExecutorActive && e.LastHeartbeat.Before(cutoff) {
			e.Status = model.ExecutorCanceled
			now := time.Now().UTC()
			e.ExecEnd = &now
			s.cancelRunsOwnedByExecutorLocked(id)
			reaped++
		}
	}
	return reaped, nil
}

func (s *Store) staleAfterOrDefault() time.Duration {
	if s.staleAfter > 0 {
		return s.staleAfter
	}
	return defaultStaleAfter
}

func (s *Store) NextExecutor(ctx context.Context) (*model.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.nextExecutorLocked()
	if e == nil {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *Store) nextExecutorLocked() *model.Executor {
	cutoff := time.Now().UTC().Add(-2 * s.staleAfterOrDefault())

	load := func(executorID string) int {
		n := 0
		for _, r := range s.runs {
			if r.ExecutorID != nil && *r.ExecutorID == executorID &&
				(r.Status == model.WorkflowRunScheduled || r.Status == model.WorkflowRunRunning) {
				n++
			}
		}
		return n
	}

	var candidates []*model.Executor
	for _, e := range s.executors {
		if e.Status == model.ExecutorActive && !e.LastHeartbeat.Before(cutoff) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := load(candidates[i].ExecutorID), load(candidates[j].ExecutorID)
		if li != lj {
			return li < lj
		}
		return candidates[i].ExecutorID < candidates[j].ExecutorID
	})
	return candidates[0]
}

func (s *Store) Heartbeat(ctx context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[executorID]
	if !ok || e.Status != model.ExecutorActive {
		return &taskflowerrors.PreconditionError{Operation: "Heartbeat", Resource: "executor", ID: executorID, Expected: string(model.ExecutorActive), Actual: "not Active"}
	}
	e.LastHeartbeat = time.Now().UTC()
	return nil
}

// --- ViewStore ---

func (s *Store) ListQueuedJobs(ctx context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []model.Job
	for _, j := range s.jobs {
		if j.IsPaused {
			continue
		}
		if j.CurrentWorkflowRunID != nil {
			run, ok := s.runs[*j.CurrentWorkflowRunID]
			if !ok || run.Status != model.WorkflowRunComplete {
				continue
			}
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].NextRun.Before(jobs[k].NextRun) })
	return jobs, nil
}

func (s *Store) GetWorkflowView(ctx context.Context, workflowID string) (*store.WorkflowView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	wfCopy := *wf
	tasks := append([]model.WorkflowTask{}, s.workflowTasks[workflowID]...)
	return &store.WorkflowView{Workflow: wfCopy, Tasks: tasks}, nil
}

func (s *Store) GetTaskView(ctx context.Context, taskID string) (*store.TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "task", ID: taskID}
	}
	svc, ok := s.taskServices[t.TaskServiceID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "task_service", ID: t.TaskServiceID}
	}
	cp := *t
	return &store.TaskView{Task: cp, EffectiveURL: joinURL(svc.BaseURL, t.URL)}, nil
}

func (s *Store) GetWorkflowRunView(ctx context.Context, workflowRunID string) (*store.WorkflowRunView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowRunID]
	if !ok {
		return nil, &taskflowerrors.NotFoundError{Resource: "workflow_run", ID: workflowRunID}
	}
	runCopy := *run
	var tasks []model.TaskQueueRow
	for _, r := range s.queue[workflowRunID] {
		tasks = append(tasks, *r)
	}
	return &store.WorkflowRunView{Run: runCopy, Tasks: tasks}, nil
}

func (s *Store) ListJobViews(ctx context.Context) ([]store.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var views []store.JobView
	for _, j := range s.jobs {
		wf := s.workflows[j.WorkflowID]
		workflowName := ""
		if wf != nil {
			workflowName = wf.Name
		}
		var status *model.WorkflowRunStatus
		if j.CurrentWorkflowRunID != nil {
			if run, ok := s.runs[*j.CurrentWorkflowRunID]; ok {
				st := run.Status
				status = &st
			}
		}
		views = append(views, store.JobView{Job: *j, WorkflowName: workflowName, CurrentRunStatus: status})
	}
	sort.Slice(views, func(i, k int) bool { return views[i].Job.NextRun.Before(views[k].Job.NextRun) })
	return views, nil
}

func (s *Store) ListExecutors(ctx context.Context) ([]model.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var executors []model.Executor
	for _, e := range s.executors {
		executors = append(executors, *e)
	}
	return executors, nil
}

func (s *Store) ListActiveExecutors(ctx context.Context) ([]model.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-2 * s.staleAfterOrDefault())
	var executors []model.Executor
	for _, e := range s.executors {
		if e.Status == model.ExecutorActive && !e.LastHeartbeat.Before(cutoff) {
			executors = append(executors, *e)
		}
	}
	return executors, nil
}
