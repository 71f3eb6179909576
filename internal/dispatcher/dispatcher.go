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

// Package dispatcher is the task dispatcher (§4.4): it fetches the next
// unit of work for a workflow run, executes it through an external
// driver, and records the result. Grounded on the teacher's
// daemon/runner step-loop shape (fetch next unit of work -> execute ->
// record result -> loop), but with the "in-memory map of runs" replaced
// by the store's lease primitives, since persistence is the store's job
// here, not the dispatcher's.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/taskflow/internal/driver"
	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/metrics"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/tracing"
)

// Dispatcher drives one workflow run's task-queue rows to completion, one
// lease at a time.
type Dispatcher struct {
	store  store.Store
	driver driver.TaskServiceClient
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Dispatcher. tracer may be nil, in which case spans are
// taken from the global otel provider.
func New(s store.Store, d driver.TaskServiceClient, logger *slog.Logger, tracer trace.Tracer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, driver: d, logger: log.WithComponent(logger, "dispatcher"), tracer: tracer}
}

// RunNext acquires the next Waiting task of workflowRunID, invokes the
// driver against its effective URL, and records the outcome. It returns
// (false, nil) when there is no task left to acquire, which tells the
// caller's step loop (§4.9) the run is done from this executor's
// perspective.
func (d *Dispatcher) RunNext(ctx context.Context, workflowRunID string) (bool, error) {
	leased, err := d.AcquireNextTask(ctx, workflowRunID)
	if err != nil {
		return false, err
	}
	if leased == nil {
		return false, nil
	}

	taskLogger := log.WithTask(d.logger, leased.WorkflowRunID, leased.TaskOrder)
	ctx, finish := tracing.StartSpan(ctx, d.tracer, "acquire_next_task",
		attribute.String(log.WorkflowRunIDKey, leased.WorkflowRunID),
		attribute.Int(log.TaskOrderKey, leased.TaskOrder),
	)

	result, invokeErr := d.driver.Invoke(ctx, leased.EffectiveURL, json.RawMessage(leased.Parameters))
	finish(invokeErr)

	if invokeErr != nil {
		taskLogger.Warn("task invocation failed", log.Error(invokeErr))
		metrics.RecordTaskInvocation("failed")
		if failErr := d.FailTaskRun(ctx, leased.WorkflowRunID, leased.TaskOrder, invokeErr.Error()); failErr != nil {
			return true, failErr
		}
		return true, nil
	}

	if !model.ValidRules(result.Rules) {
		taskLogger.Warn("task returned malformed rules, treating as failure")
		metrics.RecordTaskInvocation("failed")
		if failErr := d.FailTaskRun(ctx, leased.WorkflowRunID, leased.TaskOrder, "task service returned a rule with no name"); failErr != nil {
			return true, failErr
		}
		return true, nil
	}

	for _, rule := range result.Rules {
		if err := d.AppendTaskRule(ctx, leased.WorkflowRunID, leased.TaskOrder, rule); err != nil {
			return true, err
		}
	}

	ruleFailed := model.AnyRuleFailed(result.Rules)
	isPaused := result.Paused || ruleFailed
	output := result.Output
	if err := d.CompleteTaskRun(ctx, leased.WorkflowRunID, leased.TaskOrder, isPaused, &output); err != nil {
		return true, err
	}

	outcome := "complete"
	switch {
	case ruleFailed:
		outcome = "rule_broken"
	case isPaused:
		outcome = "paused"
	}
	metrics.RecordTaskInvocation(outcome)
	taskLogger.Info("task run recorded", slog.Bool("paused", isPaused))
	return true, nil
}

// AcquireNextTask implements store.TaskQueueStore's primitive, logged.
func (d *Dispatcher) AcquireNextTask(ctx context.Context, workflowRunID string) (*store.LeasedTask, error) {
	leased, err := d.store.AcquireNextTask(ctx, workflowRunID)
	if err != nil {
		d.logger.Error("acquire next task failed", slog.String(log.WorkflowRunIDKey, workflowRunID), log.Error(err))
		return nil, err
	}
	return leased, nil
}

// CompleteTaskRun implements complete_task_run (§4.4).
func (d *Dispatcher) CompleteTaskRun(ctx context.Context, workflowRunID string, taskOrder int, isPaused bool, output *string) error {
	return d.store.CompleteTaskRun(ctx, workflowRunID, taskOrder, isPaused, output)
}

// FailTaskRun implements fail_task_run (§4.4).
func (d *Dispatcher) FailTaskRun(ctx context.Context, workflowRunID string, taskOrder int, message string) error {
	return d.store.FailTaskRun(ctx, workflowRunID, taskOrder, message)
}

// AppendTaskRule implements append_task_rule (§4.4).
func (d *Dispatcher) AppendTaskRule(ctx context.Context, workflowRunID string, taskOrder int, rule model.TaskRule) error {
	return d.store.AppendTaskRule(ctx, workflowRunID, taskOrder, rule)
}

// SetTaskProgress implements set_task_progress (§4.4).
func (d *Dispatcher) SetTaskProgress(ctx context.Context, workflowRunID string, taskOrder int, progress int) error {
	return d.store.SetTaskProgress(ctx, workflowRunID, taskOrder, progress)
}

// CompleteTask implements complete_task (§4.4): resumes a Paused task.
func (d *Dispatcher) CompleteTask(ctx context.Context, workflowRunID string, taskOrder int) error {
	return d.store.CompleteTask(ctx, workflowRunID, taskOrder)
}

// RetryTask implements retry_task (§4.4).
func (d *Dispatcher) RetryTask(ctx context.Context, workflowRunID string, taskOrder int) error {
	return d.store.RetryTask(ctx, workflowRunID, taskOrder)
}
