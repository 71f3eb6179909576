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
)

func newJobCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control recurring jobs",
	}

	cmd.AddCommand(newJobListCommand(app))
	cmd.AddCommand(newJobPauseCommand(app))
	cmd.AddCommand(newJobResumeCommand(app))
	cmd.AddCommand(newJobRunNowCommand(app))

	return cmd
}

func newJobListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs with their workflow name and current run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := app.Store.ListJobViews(cmd.Context())
			if err != nil {
				return err
			}
			return app.printOrJSON(views, func() error {
				if len(views) == 0 {
					app.printf("no jobs\n")
					return nil
				}
				for _, v := range views {
					status := "-"
					if v.CurrentRunStatus != nil {
						status = string(*v.CurrentRunStatus)
					}
					paused := ""
					if v.Job.IsPaused {
						paused = " (paused)"
					}
					app.printf("%s\t%s\t%s\tnext_run=%s\trun_status=%s%s\n",
						v.Job.JobID, v.WorkflowName, v.Job.JobType, v.Job.NextRun.Format("2006-01-02T15:04:05Z"), status, paused)
				}
				return nil
			})
		},
	}
}

func newJobPauseCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a job so the scheduler stops starting new runs for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Store.PauseJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.printf("job %s paused\n", args[0])
			return nil
		},
	}
}

func newJobResumeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Store.ResumeJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.printf("job %s resumed\n", args[0])
			return nil
		},
	}
}

func newJobRunNowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <job-id>",
		Short: "Start a job's run immediately, ahead of its scheduled next_run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Store.RunJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.printf("job %s run started\n", args[0])
			return nil
		},
	}
}
