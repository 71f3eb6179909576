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

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, TopicJobs)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, b.Publish(ctx, TopicJobs, "job-1"))

	select {
	case payload := <-sub.C:
		require.Equal(t, "job-1", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestMemoryBusIgnoresOtherTopics(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, TopicScheduled("exec-1"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, b.Publish(ctx, TopicCanceled("exec-1"), "run-1"))

	select {
	case payload := <-sub.C:
		t.Fatalf("unexpected delivery: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, TopicProgress)
	require.NoError(t, err)
	sub.Cancel()

	_, ok := <-sub.C
	require.False(t, ok, "channel should be closed after Cancel")
}

func TestMemoryBusSubscribeCanceledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, TopicJobs)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestTopicHelpersNamespaceByExecutor(t *testing.T) {
	require.Equal(t, "wr_scheduled_exec-1", TopicScheduled("exec-1"))
	require.Equal(t, "wr_canceled_exec-1", TopicCanceled("exec-1"))
	require.Equal(t, "exec_status_exec-1", TopicExecStatus("exec-1"))
}
