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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskInvocationIncrementsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(TaskInvocations.WithLabelValues("complete"))
	RecordTaskInvocation("complete")
	after := testutil.ToFloat64(TaskInvocations.WithLabelValues("complete"))
	require.Equal(t, before+1, after)
}

func TestRecordReaperReclaimsSkipsZero(t *testing.T) {
	before := testutil.ToFloat64(ReaperReclaims)
	RecordReaperReclaims(0)
	require.Equal(t, before, testutil.ToFloat64(ReaperReclaims))

	RecordReaperReclaims(3)
	require.Equal(t, before+3, testutil.ToFloat64(ReaperReclaims))
}

func TestRecordQueueDepthSetsGauge(t *testing.T) {
	RecordQueueDepth("Waiting", 7)
	require.Equal(t, float64(7), testutil.ToFloat64(QueueDepth.WithLabelValues("Waiting")))

	RecordQueueDepth("Waiting", 2)
	require.Equal(t, float64(2), testutil.ToFloat64(QueueDepth.WithLabelValues("Waiting")))
}

func TestRecordLeaseContentionIncrementsByResource(t *testing.T) {
	before := testutil.ToFloat64(LeaseContention.WithLabelValues("task"))
	RecordLeaseContention("task")
	require.Equal(t, before+1, testutil.ToFloat64(LeaseContention.WithLabelValues("task")))
}
