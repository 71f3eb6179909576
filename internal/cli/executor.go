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
	"github.com/spf13/cobra"

	"github.com/tombee/taskflow/internal/model"
)

func newExecutorCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Inspect and control registered executors",
	}

	cmd.AddCommand(newExecutorListCommand(app))
	cmd.AddCommand(newExecutorCancelCommand(app))

	return cmd
}

func newExecutorListCommand(app *App) *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				execs []model.Executor
				err   error
			)
			if activeOnly {
				execs, err = app.Store.ListActiveExecutors(cmd.Context())
			} else {
				execs, err = app.Store.ListExecutors(cmd.Context())
			}
			if err != nil {
				return err
			}
			return app.printOrJSON(execs, func() error {
				if len(execs) == 0 {
					app.printf("no executors\n")
					return nil
				}
				for _, e := range execs {
					app.printf("%s\t%s\tpid=%d\t%s\tlast_heartbeat=%s\n",
						e.ExecutorID, e.Status, e.PID, e.ApplicationName, e.LastHeartbeat.Format("2006-01-02T15:04:05Z"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show Active executors with a live backing session")
	return cmd
}

func newExecutorCancelCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <executor-id>",
		Short: "Force-cancel an executor, canceling any run and task it still owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Registry.Cancel(ctx, args[0]); err != nil {
				return err
			}
			if err := app.Registry.Close(ctx, args[0], true); err != nil {
				return err
			}
			app.printf("executor %s canceled\n", args[0])
			return nil
		},
	}
}
