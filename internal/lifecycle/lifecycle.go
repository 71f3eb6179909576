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

// Package lifecycle drives a workflow run through its state machine
// (§4.3). Every compound operation here is one call into the store's
// all-or-nothing transactional primitive; this package adds structured
// logging and the notification-bus plumbing an executor loop waits on,
// on top of what the store already guarantees atomically.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/notify"
	"github.com/tombee/taskflow/internal/store"
)

// Lifecycle is a thin, logged facade over store.WorkflowRunStore.
type Lifecycle struct {
	store  store.Store
	bus    notify.Bus
	logger *slog.Logger
}

// New creates a Lifecycle over s, subscribing through bus.
func New(s store.Store, bus notify.Bus, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: s, bus: bus, logger: log.WithComponent(logger, "lifecycle")}
}

// Initialize is initialize_workflow_run (§4.3.1).
func (l *Lifecycle) Initialize(ctx context.Context, workflowID string) (*model.WorkflowRun, error) {
	run, err := l.store.InitializeWorkflowRun(ctx, workflowID)
	if err != nil {
		l.logger.Error("initialize workflow run failed", slog.String(log.WorkflowIDKey, workflowID), log.Error(err))
		return nil, err
	}
	log.WithWorkflowRun(l.logger, run.WorkflowRunID).Info("initialized workflow run")
	return run, nil
}

// Schedule transitions Waiting|Running -> Scheduled.
func (l *Lifecycle) Schedule(ctx context.Context, workflowRunID string) error {
	if err := l.store.ScheduleWorkflowRun(ctx, workflowRunID); err != nil {
		l.logger.Error("schedule workflow run failed", slog.String(log.WorkflowRunIDKey, workflowRunID), log.Error(err))
		return err
	}
	return nil
}

// Start transitions Scheduled -> Running for the given executor.
func (l *Lifecycle) Start(ctx context.Context, workflowRunID, executorID string) error {
	if err := l.store.StartWorkflowRun(ctx, workflowRunID, executorID); err != nil {
		l.logger.Error("start workflow run failed", slog.String(log.WorkflowRunIDKey, workflowRunID), log.Error(err))
		return err
	}
	return nil
}

// StartMove is the first phase of a hand-off (§4.3.2).
func (l *Lifecycle) StartMove(ctx context.Context, workflowRunID string) error {
	return l.store.StartWorkflowRunMove(ctx, workflowRunID)
}

// CompleteMove is the second phase of a hand-off (§4.3.2). The two
// phases are independent transactions by design (§9 open question,
// resolved): a crash between them leaves the moved task Paused, which
// LeaseNextWorkflowRun's is_valid check surfaces rather than silently
// losing progress.
func (l *Lifecycle) CompleteMove(ctx context.Context, workflowRunID string) error {
	return l.store.CompleteWorkflowRunMove(ctx, workflowRunID)
}

// Complete settles a run by cascade over its task-queue distribution
// (§4.3.3).
func (l *Lifecycle) Complete(ctx context.Context, workflowRunID string) error {
	if err := l.store.CompleteWorkflowRun(ctx, workflowRunID); err != nil {
		l.logger.Error("complete workflow run failed", slog.String(log.WorkflowRunIDKey, workflowRunID), log.Error(err))
		return err
	}
	return nil
}

// Cancel transitions Waiting|Scheduled -> Canceled.
func (l *Lifecycle) Cancel(ctx context.Context, workflowRunID string) error {
	return l.store.CancelWorkflowRun(ctx, workflowRunID)
}

// Restart is restart_workflow_run (§4.3.4).
func (l *Lifecycle) Restart(ctx context.Context, workflowRunID string) error {
	return l.store.RestartWorkflowRun(ctx, workflowRunID)
}

// LeaseNext is lease_next_workflow_run (§4.1), the entry point an
// executor's poll loop calls each cycle.
func (l *Lifecycle) LeaseNext(ctx context.Context, executorID string) (*store.LeasedWorkflowRun, error) {
	return l.store.LeaseNextWorkflowRun(ctx, executorID)
}

// AwaitScheduled subscribes to wr_scheduled_<executorID> so an executor
// loop can block between poll cycles instead of busy-waiting (§4.6).
func (l *Lifecycle) AwaitScheduled(ctx context.Context, executorID string) (*notify.Subscription, error) {
	return l.bus.Subscribe(ctx, notify.TopicScheduled(executorID))
}

// AwaitCanceled subscribes to wr_canceled_<executorID>.
func (l *Lifecycle) AwaitCanceled(ctx context.Context, executorID string) (*notify.Subscription, error) {
	return l.bus.Subscribe(ctx, notify.TopicCanceled(executorID))
}
