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

package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/notify"
	taskflowerrors "github.com/tombee/taskflow/pkg/errors"
)

const jobSelectColumns = `SELECT job_id, workflow_id, job_type, maintainer, is_paused, next_run,
	current_workflow_run_id, job_interval_seconds, job_schedule FROM jobs`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var intervalSeconds *int64
	var rawSchedule []byte
	err := row.Scan(&j.JobID, &j.WorkflowID, &j.JobType, &j.Maintainer, &j.IsPaused, &j.NextRun,
		&j.CurrentWorkflowRunID, &intervalSeconds, &rawSchedule)
	if err == pgx.ErrNoRows {
		return nil, &taskflowerrors.NotFoundError{Resource: "job"}
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if intervalSeconds != nil {
		d := time.Duration(*intervalSeconds) * time.Second
		j.JobInterval = &d
	}
	j.JobSchedule, err = unmarshalSchedule(rawSchedule)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob implements store.JobStore.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.JobType == model.JobTypeInterval && job.JobInterval == nil {
		return &taskflowerrors.ValidationError{Field: "job_interval", Message: "required when job_type = Interval"}
	}
	if job.JobType == model.JobTypeScheduled && len(job.JobSchedule) == 0 {
		return &taskflowerrors.ValidationError{Field: "job_schedule", Message: "required when job_type = Scheduled"}
	}
	if job.JobID == "" {
		job.JobID = newID()
	}
	var intervalSeconds *int64
	if job.JobInterval != nil {
		secs := int64(job.JobInterval.Seconds())
		intervalSeconds = &secs
	}
	rawSchedule, err := marshalSchedule(job.JobSchedule)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, workflow_id, job_type, maintainer, is_paused, next_run, current_workflow_run_id, job_interval_seconds, job_schedule)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.JobID, job.WorkflowID, job.JobType, job.Maintainer, job.IsPaused, job.NextRun, job.CurrentWorkflowRunID, intervalSeconds, rawSchedule,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, jobSelectColumns+` WHERE job_id = $1`, jobID))
}

// PauseJob implements store.JobStore.
func (s *Store) PauseJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET is_paused = TRUE WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	return nil
}

// ResumeJob implements store.JobStore.
func (s *Store) ResumeJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET is_paused = FALSE WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskflowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	return nil
}

// RunJob implements store.JobStore (§4.5): run_job(job_id). next_run
// advances from the job's own prior next_run through its schedule
// function, never from wall-clock "now" — a job whose scheduler fell
// behind catches up deterministically instead of drifting forward every
// time it is (re)triggered late.
func (s *Store) RunJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, jobSelectColumns+` WHERE job_id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return err
		}
		if job.IsPaused {
			return &taskflowerrors.PreconditionError{
				Operation: "RunJob", Resource: "job", ID: jobID, Expected: "not paused", Actual: "paused",
			}
		}
		if job.CurrentWorkflowRunID != nil {
			return &taskflowerrors.PreconditionError{
				Operation: "RunJob", Resource: "job", ID: jobID,
				Expected: "no outstanding run", Actual: "current_workflow_run_id set",
			}
		}

		run, err := s.initializeWorkflowRunTx(ctx, tx, job.WorkflowID)
		if err != nil {
			return err
		}
		if err := applyWorkflowRunTransition(ctx, tx, run, model.WorkflowRunScheduled); err != nil {
			return err
		}

		nextRun := nextRunAfter(job, job.NextRun)
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET current_workflow_run_id = $2, next_run = $3 WHERE job_id = $1`,
			jobID, run.WorkflowRunID, nextRun,
		); err != nil {
			return fmt.Errorf("advance job: %w", err)
		}
		return notifyTx(ctx, tx, notify.TopicJobs, jobID)
	})
}

// CompleteJob implements store.JobStore (§4.5): settles a job after its
// current run terminates.
func (s *Store) CompleteJob(ctx context.Context, jobID string) (string, error) {
	var reason string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, jobSelectColumns+` WHERE job_id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return err
		}
		if job.CurrentWorkflowRunID == nil {
			reason = "no outstanding run"
			return nil
		}
		run, err := s.getWorkflowRun(ctx, tx, *job.CurrentWorkflowRunID)
		if err != nil {
			return err
		}
		if run.Status == model.WorkflowRunScheduled || run.Status == model.WorkflowRunRunning {
			reason = "current run not yet terminal"
			return nil
		}

		if run.Status == model.WorkflowRunComplete {
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET current_workflow_run_id = NULL WHERE job_id = $1`,
				jobID,
			); err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
			return nil
		}

		reason = fmt.Sprintf("paused: run %s", run.Status)
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET is_paused = TRUE WHERE job_id = $1`,
			jobID,
		); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return reason, nil
}

// nextRunAfter applies the job's schedule function to compute the next
// run time strictly after from.
func nextRunAfter(job *model.Job, from time.Time) time.Time {
	if job.JobType == model.JobTypeInterval && job.JobInterval != nil {
		return from.Add(*job.JobInterval)
	}
	return nextWeeklySlotAfter(job.JobSchedule, from)
}

// nextWeeklySlotAfter finds the earliest (day_of_week, time_of_day) slot
// strictly after from, wrapping to the following week if necessary.
// DayOfWeek is 1 (Monday) .. 7 (Sunday), matching time.Time's Weekday
// with Sunday remapped from 0 to 7.
func nextWeeklySlotAfter(slots []model.WeeklySlot, from time.Time) time.Time {
	if len(slots) == 0 {
		return from
	}
	sorted := make([]model.WeeklySlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DayOfWeek != sorted[j].DayOfWeek {
			return sorted[i].DayOfWeek < sorted[j].DayOfWeek
		}
		return sorted[i].TimeOfDay < sorted[j].TimeOfDay
	})

	from = from.UTC()
	weekStart := from.AddDate(0, 0, -isoWeekday(from)+1).Truncate(24 * time.Hour)

	for week := 0; week < 2; week++ {
		for _, slot := range sorted {
			candidate := weekStart.AddDate(0, 0, (week*7)+slot.DayOfWeek-1).Add(slot.TimeOfDay)
			if candidate.After(from) {
				return candidate
			}
		}
	}
	// Unreachable for a non-empty slot list within two weeks.
	return from
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
