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

// Package scheduler drives recurring jobs forward (§4.5): on each tick
// it reads the queued-jobs view and calls RunJob for everything due.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/tracing"
)

// Config controls the scheduler's polling cadence.
type Config struct {
	// PollInterval is how often the scheduler checks for due jobs.
	PollInterval time.Duration
}

// Scheduler polls store.ViewStore.ListQueuedJobs and runs every job
// whose NextRun has passed.
type Scheduler struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Scheduler against s, ticking at cfg.PollInterval. tracer
// may be nil.
func New(cfg Config, s store.Store, logger *slog.Logger, tracer trace.Tracer) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Scheduler{cfg: cfg, store: s, logger: log.WithComponent(logger, "scheduler"), tracer: tracer}
}

// Start launches the polling loop in a goroutine. Call Stop to end it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop ends the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick settles every queued job whose current run has completed and runs
// every queued job whose NextRun has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	jobs, err := s.store.ListQueuedJobs(ctx)
	if err != nil {
		s.logger.Error("list queued jobs failed", log.Error(err))
		return
	}
	for _, job := range jobs {
		if job.NextRun.After(now) {
			if job.CurrentWorkflowRunID != nil {
				if _, err := s.store.CompleteJob(ctx, job.JobID); err != nil {
					s.logger.Error("complete job failed", slog.String(log.JobIDKey, job.JobID), log.Error(err))
				}
			}
			continue
		}
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job model.Job) {
	jobLogger := s.logger.With(slog.String(log.JobIDKey, job.JobID), slog.String(log.WorkflowIDKey, job.WorkflowID))

	ctx, finish := tracing.StartSpan(ctx, s.tracer, "run_job",
		attribute.String(log.JobIDKey, job.JobID),
		attribute.String(log.WorkflowIDKey, job.WorkflowID),
	)
	var runErr error
	defer func() { finish(runErr) }()

	if job.CurrentWorkflowRunID != nil {
		if reason, err := s.store.CompleteJob(ctx, job.JobID); err != nil {
			jobLogger.Error("complete job failed", log.Error(err))
			runErr = err
			return
		} else if reason != "" {
			jobLogger.Debug("job not yet complete", slog.String("reason", reason))
			return
		}
	}

	if err := s.store.RunJob(ctx, job.JobID); err != nil {
		jobLogger.Error("run job failed", log.Error(err))
		runErr = err
		return
	}
	jobLogger.Info("started workflow run for job")
}

// Tick runs one polling pass synchronously, for tests and for a
// notification-driven wake-up path in addition to the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx, time.Now().UTC())
}
