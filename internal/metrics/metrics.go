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

// Package metrics exposes the engine's Prometheus surface: task-queue
// depth per status, lease contention, and reaper reclaims (§4.10).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks task_queue rows by status. It is set whole
	// through RecordQueueDepth rather than incremented inline (the set
	// of statuses a row cycles through is too wide to track with
	// Inc/Dec pairs without risking drift). No engine component calls
	// RecordQueueDepth, so the gauge stays empty unless a caller sets it.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskflow_task_queue_depth",
			Help: "Task queue rows by status",
		},
		[]string{"status"},
	)

	// LeaseContention is the counter for lease_next_task/
	// lease_next_workflow_run calls that found nothing to lease because a
	// concurrent executor already took it. It moves only through
	// RecordLeaseContention, which no engine component calls.
	LeaseContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_lease_contention_total",
			Help: "Lease attempts that found no row after a concurrent lease won",
		},
		[]string{"resource"},
	)

	// ReaperReclaims counts executors reclaimed by the liveness reaper.
	ReaperReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_reaper_reclaims_total",
			Help: "Executors reclaimed for missing a heartbeat within 2x the configured interval",
		},
	)

	// TaskInvocations counts driver.Invoke calls by outcome.
	TaskInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_task_invocations_total",
			Help: "Task service invocations by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordQueueDepth sets the gauge for one status to n.
func RecordQueueDepth(status string, n int) {
	QueueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordLeaseContention increments the contention counter for resource
// ("workflow_run" or "task").
func RecordLeaseContention(resource string) {
	LeaseContention.WithLabelValues(resource).Inc()
}

// RecordReaperReclaims adds n reclaimed executors to the counter.
func RecordReaperReclaims(n int) {
	if n > 0 {
		ReaperReclaims.Add(float64(n))
	}
}

// RecordTaskInvocation increments the invocation counter for outcome
// ("complete", "paused", "rule_broken", "failed").
func RecordTaskInvocation(outcome string) {
	TaskInvocations.WithLabelValues(outcome).Inc()
}
