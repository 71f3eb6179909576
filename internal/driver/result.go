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

package driver

import "github.com/tombee/taskflow/internal/model"

func toTaskResult(env responseEnvelope) TaskResult {
	rules := make([]model.TaskRule, 0, len(env.Rules))
	for _, r := range env.Rules {
		rules = append(rules, model.TaskRule{Name: r.Name, Failed: r.Failed, Message: r.Message})
	}
	return TaskResult{Output: env.Output, Paused: env.Paused, Rules: rules}
}
