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

package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "retry_count", Message: "must be non-negative"}
	require.Equal(t, "validation failed on retry_count: must be non-negative", err.Error())

	bare := &ValidationError{Message: "name required"}
	require.Equal(t, "validation failed: name required", bare.Error())
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{Resource: "workflow_run", ID: "wr-1"}
	require.Equal(t, "workflow_run not found: wr-1", err.Error())
}

func TestPreconditionErrorMessage(t *testing.T) {
	err := &PreconditionError{
		Operation: "complete_task_run",
		Resource:  "task_run",
		ID:        "tr-1",
		Expected:  "InProgress",
		Actual:    "Complete",
	}
	require.Equal(t, "complete_task_run: task_run tr-1 expected state InProgress, found Complete", err.Error())
}

func TestInvariantErrorMessage(t *testing.T) {
	err := &InvariantError{Invariant: "dense_task_order", Detail: "gap at order 2"}
	require.Equal(t, "invariant violated (dense_task_order): gap at order 2", err.Error())
}

func TestCompoundOperationErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := &CompoundOperationError{Operation: "complete_workflow_run", Step: "cascade_tasks", Cause: cause}
	require.Equal(t, "complete_workflow_run failed at step cascade_tasks: boom", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestTransportErrorMessageWithAndWithoutStatusCode(t *testing.T) {
	withStatus := &TransportError{Service: "billing", StatusCode: 503, Message: "service unavailable"}
	require.Equal(t, "task service billing error [HTTP 503]: service unavailable", withStatus.Error())

	withoutStatus := &TransportError{Service: "billing", Message: "connection refused"}
	require.Equal(t, "task service billing error: connection refused", withoutStatus.Error())

	cause := errors.New("dial tcp: refused")
	wrapped := &TransportError{Service: "billing", Cause: cause}
	require.ErrorIs(t, wrapped, cause)
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Operation: "task run", Duration: 30 * time.Second}
	require.Equal(t, "task run timed out after 30s", err.Error())

	cause := errors.New("context deadline exceeded")
	wrapped := &TimeoutError{Operation: "driver call", Duration: time.Second, Cause: cause}
	require.ErrorIs(t, wrapped, cause)
}

func TestErrorsAreDistinguishableViaAs(t *testing.T) {
	var err error = &PreconditionError{Operation: "lease_next_task", Resource: "workflow_run", ID: "wr-1", Expected: "Queued", Actual: "Running"}

	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)

	var validation *ValidationError
	require.False(t, errors.As(err, &validation))
}
