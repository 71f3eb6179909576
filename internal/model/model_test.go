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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowRunStatusIsTerminal(t *testing.T) {
	terminal := []WorkflowRunStatus{WorkflowRunComplete, WorkflowRunFailed, WorkflowRunCanceled, WorkflowRunPaused}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []WorkflowRunStatus{WorkflowRunWaiting, WorkflowRunScheduled, WorkflowRunRunning}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTaskStatusBlocksNextTask(t *testing.T) {
	blocking := []TaskStatus{TaskRunning, TaskPaused, TaskFailed, TaskRuleBroken}
	for _, s := range blocking {
		assert.Truef(t, s.BlocksNextTask(), "%s should block", s)
	}

	nonBlocking := []TaskStatus{TaskWaiting, TaskComplete, TaskCanceled}
	for _, s := range nonBlocking {
		assert.Falsef(t, s.BlocksNextTask(), "%s should not block", s)
	}
}

func TestValidRules(t *testing.T) {
	assert.True(t, ValidRules(nil))
	assert.True(t, ValidRules([]TaskRule{{Name: "schema"}, {Name: "bounds", Failed: true}}))
	assert.False(t, ValidRules([]TaskRule{{Name: ""}}))
	assert.False(t, ValidRules([]TaskRule{{Name: "schema"}, {Name: ""}}))
}

func TestAnyRuleFailed(t *testing.T) {
	assert.False(t, AnyRuleFailed(nil))
	assert.False(t, AnyRuleFailed([]TaskRule{{Name: "a"}, {Name: "b"}}))
	assert.True(t, AnyRuleFailed([]TaskRule{{Name: "a"}, {Name: "b", Failed: true}}))
}
