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

// Package driver is the external driver interface (§6): the contract an
// executor uses to actually carry out a task against its resolved
// effective URL. taskflow never executes task bodies itself; it always
// calls out through a TaskServiceClient.
package driver

import (
	"context"
	"encoding/json"

	"github.com/tombee/taskflow/internal/model"
)

// TaskResult is what a task service returns for one invocation. It maps
// directly onto the three outcomes complete_task_run/fail_task_run
// distinguish (§4.4): a normal completion (Paused false, Rules nil or all
// passing), a rule-triggered pause (Paused true or a failed rule), or an
// error returned instead of a result (handled by the caller, not this
// type).
type TaskResult struct {
	Output string
	Paused bool
	Rules  []model.TaskRule
}

// TaskServiceClient invokes a task's effective URL with its parameters
// and returns the outcome. Implementations must treat ctx cancellation as
// authoritative: a canceled invocation must not be reported as Complete.
type TaskServiceClient interface {
	Invoke(ctx context.Context, effectiveURL string, parameters json.RawMessage) (TaskResult, error)
}
