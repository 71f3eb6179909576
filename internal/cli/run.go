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
	"strconv"

	"github.com/spf13/cobra"
)

func newRunCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Inspect and control workflow runs",
		Aliases: []string{"workflow-run"},
	}

	cmd.AddCommand(newRunShowCommand(app))
	cmd.AddCommand(newRunCancelCommand(app))
	cmd.AddCommand(newRunRestartCommand(app))
	cmd.AddCommand(newRunRetryTaskCommand(app))
	cmd.AddCommand(newRunMoveCommand(app))

	return cmd
}

func newRunShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a workflow run and its task-queue rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := app.Store.GetWorkflowRunView(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return app.printOrJSON(view, func() error {
				progress := "-"
				if view.Run.Progress != nil {
					progress = fmt.Sprintf("%d%%", *view.Run.Progress)
				}
				executor := "-"
				if view.Run.ExecutorID != nil {
					executor = *view.Run.ExecutorID
				}
				app.printf("%s\t%s\texecutor=%s\tprogress=%s\n", view.Run.WorkflowRunID, view.Run.Status, executor, progress)
				for _, t := range view.Tasks {
					app.printf("  %d\t%s\t%s\n", t.TaskOrder, t.TaskID, t.Status)
				}
				return nil
			})
		},
	}
}

func newRunCancelCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a Waiting or Scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Lifecycle.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.printf("run %s canceled\n", args[0])
			return nil
		},
	}
}

func newRunRestartCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <run-id>",
		Short: "Archive every task-queue row and restart the run from its first task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Lifecycle.Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.printf("run %s restarted\n", args[0])
			return nil
		},
	}
}

func newRunRetryTaskCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-task <run-id> <task-order>",
		Short: "Reset a Failed or Rule Broken task back to Waiting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("task-order must be an integer: %w", err)
			}
			if err := app.Store.RetryTask(cmd.Context(), args[0], order); err != nil {
				return err
			}
			app.printf("run %s task %d queued for retry\n", args[0], order)
			return nil
		},
	}
}

// newRunMoveCommand runs both phases of a hand-off (§4.3.2) back to
// back: pause the run's earliest Waiting task as a bookmark, then unpause
// it and return the run to Scheduled on the least-loaded live executor
// (which can be the same one). The two phases stay independent
// transactions store-side; a crash between them here just leaves the
// run showing a Paused task, which is exactly the is_valid signal
// LeaseNextWorkflowRun already surfaces.
func newRunMoveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "move <run-id>",
		Short: "Hand a running run off its current executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Lifecycle.StartMove(ctx, args[0]); err != nil {
				return fmt.Errorf("start move: %w", err)
			}
			if err := app.Lifecycle.CompleteMove(ctx, args[0]); err != nil {
				return fmt.Errorf("complete move: %w", err)
			}
			app.printf("run %s moved, now Scheduled for pickup\n", args[0])
			return nil
		},
	}
}
