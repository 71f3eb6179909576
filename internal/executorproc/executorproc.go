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

// Package executorproc is the in-process executor runtime loop described
// in spec.md's control-flow paragraph: register -> loop { lease next run
// for me -> acquire next task -> invoke driver -> report -> repeat until
// no task -> complete run }, waking on wr_scheduled notifications or the
// poll ticker. The loop ends on ctx cancellation, Stop or Drain; it does
// not subscribe to exec_status or wr_canceled, so a Shutdown or Canceled
// status set in the store does not stop it. Grounded on the teacher's
// daemon/runner.Runner: the
// draining/WaitForDrain shape for graceful shutdown carries over, with
// the goroutine-per-run execute() loop collapsed to a single loop, since
// one taskflow-executor process is exactly one executor identity.
package executorproc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/taskflow/internal/dispatcher"
	"github.com/tombee/taskflow/internal/lifecycle"
	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/registry"
	"github.com/tombee/taskflow/internal/store"
)

// Config controls the executor process's polling cadence and the session
// it registers as. The heartbeat cadence is set on the registry.
type Config struct {
	// PollInterval is how long the loop waits between lease attempts
	// when AwaitScheduled hasn't woken it first.
	PollInterval time.Duration

	// Session is what this process registers itself as.
	Session store.ExecutorSession
}

// Process is one executor identity's full runtime: registration,
// heartbeat, the lease/acquire/invoke/report loop, and cancellation.
type Process struct {
	cfg        Config
	registry   *registry.Registry
	lifecycle  *lifecycle.Lifecycle
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger

	executorID string
	draining   atomic.Bool

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Process. Call Run to register and start the loop.
func New(cfg Config, reg *registry.Registry, lc *lifecycle.Lifecycle, disp *dispatcher.Dispatcher, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Process{cfg: cfg, registry: reg, lifecycle: lc, dispatcher: disp, logger: log.WithComponent(logger, "executorproc")}
}

// Run registers the executor, then blocks running the loop until ctx is
// canceled or Stop is called. It always leaves the executor in a
// terminal state (Shutdown on graceful stop, Canceled on ctx
// cancellation) before returning.
func (p *Process) Run(ctx context.Context) error {
	executorID, err := p.registry.Register(ctx, p.cfg.Session)
	if err != nil {
		return err
	}
	p.executorID = executorID
	p.logger = log.WithExecutor(p.logger, executorID)

	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()
	defer close(p.doneCh)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.registry.StartHeartbeatLoop(heartbeatCtx, executorID)

	var scheduledCh <-chan string
	scheduled, err := p.lifecycle.AwaitScheduled(ctx, executorID)
	if err != nil {
		p.logger.Warn("subscribe to scheduled notifications failed, falling back to polling only", log.Error(err))
	} else {
		defer scheduled.Cancel()
		scheduledCh = scheduled.C
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if p.draining.Load() {
			return p.closeGracefully(ctx)
		}

		select {
		case <-ctx.Done():
			return p.closeOnCancel()
		case <-p.stopCh:
			return p.closeGracefully(ctx)
		default:
		}

		ran, err := p.tick(ctx)
		if err != nil {
			p.logger.Error("executor tick failed", log.Error(err))
		}
		if ran {
			continue // immediately look for the next run, don't wait out the ticker
		}

		select {
		case <-ctx.Done():
			return p.closeOnCancel()
		case <-p.stopCh:
			return p.closeGracefully(ctx)
		case <-ticker.C:
		case <-scheduledCh:
		}
	}
}

// Drain puts the process into draining mode: the current run (if any)
// finishes, but no new run is leased.
func (p *Process) Drain() {
	p.draining.Store(true)
}

// Stop ends the loop after the current run finishes and waits for exit.
func (p *Process) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
}

// tick leases one workflow run (if any) and drives it to completion,
// reporting whether it found work.
func (p *Process) tick(ctx context.Context) (bool, error) {
	leased, err := p.lifecycle.LeaseNext(ctx, p.executorID)
	if err != nil {
		return false, err
	}
	if leased == nil {
		return false, nil
	}

	runLogger := log.WithWorkflowRun(p.logger, leased.Run.WorkflowRunID)
	if !leased.IsValid {
		runLogger.Warn("leased run has a task outside {Waiting, Complete}; running it anyway, store is source of truth")
	}

	if err := p.lifecycle.Start(ctx, leased.Run.WorkflowRunID, p.executorID); err != nil {
		return true, err
	}

	for {
		ran, err := p.dispatcher.RunNext(ctx, leased.Run.WorkflowRunID)
		if err != nil {
			runLogger.Error("task dispatch failed", log.Error(err))
			return true, err
		}
		if !ran {
			break
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
	}

	if err := p.lifecycle.Complete(ctx, leased.Run.WorkflowRunID); err != nil {
		return true, err
	}
	runLogger.Info("workflow run settled")
	return true, nil
}

func (p *Process) closeGracefully(ctx context.Context) error {
	return p.registry.Shutdown(ctx, p.executorID)
}

func (p *Process) closeOnCancel() error {
	// ctx is already done; use a fresh background context bounded by a
	// short timeout so the terminal transition still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.registry.Cancel(ctx, p.executorID)
}
