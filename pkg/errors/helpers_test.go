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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapReturnsNilForNilError(t *testing.T) {
	require.NoError(t, Wrap(nil, "context"))
}

func TestWrapPrependsMessageAndPreservesCause(t *testing.T) {
	cause := New("underlying failure")
	wrapped := Wrap(cause, "loading config")
	require.EqualError(t, wrapped, "loading config: underlying failure")
	require.True(t, Is(wrapped, cause))
}

func TestWrapfFormatsMessage(t *testing.T) {
	cause := New("not found")
	wrapped := Wrapf(cause, "workflow %s", "wf-1")
	require.EqualError(t, wrapped, "workflow wf-1: not found")
}

func TestWrapfReturnsNilForNilError(t *testing.T) {
	require.NoError(t, Wrapf(nil, "workflow %s", "wf-1"))
}

func TestAsUnwrapsTypedErrors(t *testing.T) {
	var err error = &NotFoundError{Resource: "executor", ID: "exec-1"}
	var notFound *NotFoundError
	require.True(t, As(err, &notFound))
	require.Equal(t, "executor", notFound.Resource)
}

func TestUnwrapReturnsUnderlyingCause(t *testing.T) {
	cause := New("root cause")
	wrapped := Wrap(cause, "context")
	require.Equal(t, cause, Unwrap(wrapped))
}

func TestIsRetryableForTransportAndTimeoutErrors(t *testing.T) {
	require.True(t, IsRetryable(&TransportError{Service: "billing", Message: "reset"}))
	require.True(t, IsRetryable(&TimeoutError{Operation: "driver call", Duration: time.Second}))
}

func TestIsRetryableFalseForPreconditionAndValidationErrors(t *testing.T) {
	require.False(t, IsRetryable(&PreconditionError{Operation: "start_workflow_run", Resource: "workflow_run", ID: "wr-1", Expected: "Queued", Actual: "Running"}))
	require.False(t, IsRetryable(&ValidationError{Field: "name", Message: "required"}))
	require.False(t, IsRetryable(nil))
}
