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

// Package notify implements the topic-addressed best-effort notification
// bus (§4.6): wr_scheduled_<executor_id>, wr_canceled_<executor_id>,
// exec_status_<executor_id>, wr_progress, jobs.
//
// Delivery is best-effort: a subscriber present at commit time receives
// the message, but a subscriber that connects later does not. Every
// consumer in this codebase treats a notification purely as a wake-up
// hint and reconciles state by polling the authoritative store views.
package notify

import "context"

// Well-known topics (§4.6). Per-executor topics are constructed from the
// executor id at subscribe time.
const (
	TopicJobs        = "jobs"
	TopicProgress    = "wr_progress"
	wrScheduledPrefix = "wr_scheduled_"
	wrCanceledPrefix  = "wr_canceled_"
	execStatusPrefix  = "exec_status_"
)

// TopicScheduled returns the wr_scheduled_<executor_id> topic name.
func TopicScheduled(executorID string) string {
	return wrScheduledPrefix + executorID
}

// TopicCanceled returns the wr_canceled_<executor_id> topic name.
func TopicCanceled(executorID string) string {
	return wrCanceledPrefix + executorID
}

// TopicExecStatus returns the exec_status_<executor_id> topic name.
func TopicExecStatus(executorID string) string {
	return execStatusPrefix + executorID
}

// Subscription is a live subscription to one topic. Cancel stops
// delivery and releases any resources held by the subscription.
type Subscription struct {
	C      <-chan string
	Cancel func()
}

// Bus is the subscriber-facing contract of the notification fabric.
// Publishing happens as a side effect of store mutations (the postgres
// backend issues pg_notify in the same transaction as the state change,
// so delivery is commit-synchronous); Bus only models the listen side,
// which is backend-agnostic.
type Bus interface {
	// Subscribe begins receiving payloads published on topic. The
	// returned channel is closed when Cancel is called or ctx is
	// canceled. Bus implementations buffer a bounded number of pending
	// payloads per subscriber; a slow subscriber may miss messages,
	// which is consistent with the best-effort delivery contract.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)

	// Publish delivers payload to every current subscriber of topic.
	// The in-memory bus implements this directly; the postgres-backed
	// bus implements it as a convenience wrapper around pg_notify for
	// callers that are not already inside a store transaction.
	Publish(ctx context.Context, topic string, payload string) error

	// Close releases bus resources (listener connections, goroutines).
	Close() error
}
