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

// Package registry is the executor registry (§4.2): it registers
// executor sessions, keeps their heartbeat current, and reaps the ones
// that have gone silent. Grounded on the teacher's leader-election
// ticker/callback shape (internal/controller/leader), adapted from a
// single advisory-locked leader to many independently-heartbeating
// executor sessions plus one reaper loop.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/metrics"
	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
)

// Config controls the registry's background loops.
type Config struct {
	// HeartbeatInterval is how often a registered executor's own
	// process refreshes its last_heartbeat (§9 design note). The
	// reaper's dead-executor cutoff is decided store-side, not here:
	// 2x the store's StaleAfter (postgres.Config.StaleAfter / memory's
	// 2-minute default), independent of this interval.
	HeartbeatInterval time.Duration

	// ReapInterval is how often the registry sweeps for stale
	// executors and cancels their owned runs.
	ReapInterval time.Duration
}

// Registry is a thin, logged facade over store.ExecutorStore that also
// owns the heartbeat and reaper background loops.
type Registry struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a Registry over s.
func New(cfg Config, s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	return &Registry{cfg: cfg, store: s, logger: log.WithComponent(logger, "registry")}
}

// Register creates an executor session (§4.2).
func (r *Registry) Register(ctx context.Context, session store.ExecutorSession) (string, error) {
	executorID, err := r.store.RegisterExecutor(ctx, session)
	if err != nil {
		r.logger.Error("register executor failed", log.Error(err))
		return "", err
	}
	log.WithExecutor(r.logger, executorID).Info("executor registered", slog.Int64("pid", session.PID))
	return executorID, nil
}

// Heartbeat records executorID's liveness.
func (r *Registry) Heartbeat(ctx context.Context, executorID string) error {
	return r.store.Heartbeat(ctx, executorID)
}

// Shutdown transitions an executor to Shutdown (§4.2, graceful).
func (r *Registry) Shutdown(ctx context.Context, executorID string) error {
	if err := r.store.ShutdownExecutor(ctx, executorID); err != nil {
		return err
	}
	log.WithExecutor(r.logger, executorID).Info("executor shut down")
	return nil
}

// Cancel transitions an executor to Canceled (§4.2, forced).
func (r *Registry) Cancel(ctx context.Context, executorID string) error {
	if err := r.store.CancelExecutor(ctx, executorID); err != nil {
		return err
	}
	log.WithExecutor(r.logger, executorID).Info("executor canceled")
	return nil
}

// Close finalizes a terminal executor, cascading cancellation to any
// runs it still owned (§4.2).
func (r *Registry) Close(ctx context.Context, executorID string, isCancelled bool) error {
	return r.store.CloseExecutor(ctx, executorID, isCancelled)
}

// Get returns one executor's current record.
func (r *Registry) Get(ctx context.Context, executorID string) (*model.Executor, error) {
	return r.store.GetExecutor(ctx, executorID)
}

// StartHeartbeatLoop runs executorID's heartbeat on cfg.HeartbeatInterval
// until ctx is done, for the executor's own process to call.
func (r *Registry) StartHeartbeatLoop(ctx context.Context, executorID string) {
	executorLogger := log.WithExecutor(r.logger, executorID)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, executorID); err != nil {
				executorLogger.Warn("heartbeat failed", log.Error(err))
			}
		}
	}
}

// StartReaper launches the reaper loop in a goroutine. Call Stop to end
// it. Exactly one taskflow-executor process (or a dedicated controller)
// should run the reaper; running it from every executor is harmless
// (CleanExecutors is idempotent) but redundant.
func (r *Registry) StartReaper(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.runReaper(ctx)
}

// StopReaper ends the reaper loop and waits for it to exit.
func (r *Registry) StopReaper() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
}

func (r *Registry) runReaper(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			n, err := r.store.CleanExecutors(ctx)
			if err != nil {
				r.logger.Error("reap stale executors failed", log.Error(err))
				continue
			}
			metrics.RecordReaperReclaims(n)
			if n > 0 {
				r.logger.Info("reaped stale executors", slog.Int("count", n))
			}
		}
	}
}
