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

// Package postgres is the production store backend. It is built on
// pgx/v5 rather than database/sql: the transition-trigger logic in
// §4.3/§4.5 needs to issue pg_notify in the same transaction as the
// status change it announces, and database/sql's driver interface
// cannot expose Postgres's session-scoped LISTEN/NOTIFY. Concurrency
// safety between executors comes from SELECT ... FOR UPDATE SKIP LOCKED,
// never from in-process locking.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/taskflow/internal/model"
	"github.com/tombee/taskflow/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Config contains PostgreSQL connection configuration.
type Config struct {
	// DSN is the PostgreSQL connection URL.
	DSN string

	// MaxOpenConns sets the maximum number of pool connections.
	MaxOpenConns int

	// MaxIdleConns is retained for parity with the config surface but is
	// not meaningful for pgxpool, which does not distinguish idle from
	// open connections; it is accepted and ignored.
	MaxIdleConns int

	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration

	// StaleAfter is the expected heartbeat interval; the liveness reaper
	// treats an executor as dead after 2x this duration without a
	// heartbeat (§9 design note). Defaults to defaultStaleAfter.
	StaleAfter time.Duration
}

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
}

// New opens a connection pool, runs migrations, and returns a ready
// Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, staleAfter: cfg.StaleAfter}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// Pool returns the underlying connection pool, for components (e.g. the
// notification bus) that must share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close implements io.Closer.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			is_deprecated BOOLEAN NOT NULL DEFAULT FALSE,
			new_workflow_id TEXT REFERENCES workflows(workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_tasks (
			workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			task_order INTEGER NOT NULL,
			task_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, task_order)
		)`,
		`CREATE TABLE IF NOT EXISTS task_services (
			service_id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			base_url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_service_id TEXT NOT NULL REFERENCES task_services(service_id),
			url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id),
			job_type TEXT NOT NULL,
			maintainer TEXT NOT NULL,
			is_paused BOOLEAN NOT NULL DEFAULT FALSE,
			next_run TIMESTAMPTZ NOT NULL,
			current_workflow_run_id TEXT,
			job_interval_seconds BIGINT,
			job_schedule JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			workflow_run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id),
			status TEXT NOT NULL,
			executor_id TEXT,
			progress INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_executor ON workflow_runs(executor_id)`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(workflow_run_id),
			task_order INTEGER NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters BYTEA,
			output TEXT,
			rules JSONB,
			task_start TIMESTAMPTZ,
			task_end TIMESTAMPTZ,
			progress INTEGER,
			PRIMARY KEY (workflow_run_id, task_order)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_run_status ON task_queue(workflow_run_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_queue_archive (
			archive_id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			task_order INTEGER NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters BYTEA,
			output TEXT,
			rules JSONB,
			task_start TIMESTAMPTZ,
			task_end TIMESTAMPTZ,
			archived_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_run ON task_queue_archive(workflow_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_run_order ON task_queue_archive(workflow_run_id, task_order)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_run_task ON task_queue_archive(workflow_run_id, task_id)`,
		`CREATE TABLE IF NOT EXISTS executors (
			executor_id TEXT PRIMARY KEY,
			pid BIGINT NOT NULL,
			username TEXT NOT NULL,
			application_name TEXT NOT NULL,
			client_addr TEXT NOT NULL,
			client_port INTEGER NOT NULL,
			exec_start TIMESTAMPTZ NOT NULL,
			exec_end TIMESTAMPTZ,
			status TEXT NOT NULL,
			error_message TEXT,
			last_heartbeat TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executors_status ON executors(status)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and
// rolling back (re-raising the original error) otherwise. This is the
// "stored procedures with control flow -> explicit transactional
// service functions" pattern (§9): every compound operation in this
// file is one call to withTx.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// notifyTx issues pg_notify inside the current transaction so delivery
// is commit-synchronous (§4.1, §9).
func notifyTx(ctx context.Context, tx pgx.Tx, topic, payload string) error {
	_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", topic, payload)
	return err
}

func newID() string { return uuid.NewString() }

func marshalRules(rules []model.TaskRule) ([]byte, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	return json.Marshal(rules)
}

func unmarshalRules(raw []byte) ([]model.TaskRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rules []model.TaskRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	return rules, nil
}

func marshalSchedule(slots []model.WeeklySlot) ([]byte, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	return json.Marshal(slots)
}

func unmarshalSchedule(raw []byte) ([]model.WeeklySlot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var slots []model.WeeklySlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, fmt.Errorf("unmarshal job_schedule: %w", err)
	}
	return slots, nil
}

func progressFromCounts(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
