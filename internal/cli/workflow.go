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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkflowCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and manage workflow templates",
	}

	cmd.AddCommand(newWorkflowListCommand(app))
	cmd.AddCommand(newWorkflowDeprecateCommand(app))

	return cmd
}

// newWorkflowListCommand shows one workflow's template and ordered
// tasks; the engine has no list-all-workflows view (§6 exposes
// v_workflows per id), so this takes the id as an argument.
func newWorkflowListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "Show a workflow template and its ordered tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := app.Store.GetWorkflowView(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return app.printOrJSON(view, func() error {
				status := "active"
				if view.Workflow.IsDeprecated {
					status = "deprecated"
					if view.Workflow.NewWorkflowID != nil {
						status = fmt.Sprintf("deprecated -> %s", *view.Workflow.NewWorkflowID)
					}
				}
				app.printf("%s\t%s\t%s\n", view.Workflow.WorkflowID, view.Workflow.Name, status)
				for _, t := range view.Tasks {
					app.printf("  %d\t%s\n", t.TaskOrder, t.TaskID)
				}
				return nil
			})
		},
	}
}

func newWorkflowDeprecateCommand(app *App) *cobra.Command {
	var newWorkflowID string

	cmd := &cobra.Command{
		Use:   "deprecate <workflow-id>",
		Short: "Mark a workflow deprecated, optionally pointing at a successor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var successor *string
			if newWorkflowID != "" {
				successor = &newWorkflowID
			}
			if err := app.Store.DeprecateWorkflow(cmd.Context(), args[0], successor); err != nil {
				return err
			}
			app.printf("workflow %s deprecated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&newWorkflowID, "successor", "", "Workflow id that replaces this one")
	return cmd
}
