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

// Package config loads and validates taskflow configuration from a YAML
// file overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	taskflowerrors "github.com/tombee/taskflow/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete taskflow configuration.
type Config struct {
	// Version indicates the config format version.
	Version int `yaml:"version,omitempty"`

	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Driver    DriverConfig    `yaml:"driver"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: TASKFLOW_LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: TASKFLOW_LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the persistent store.
type StoreConfig struct {
	// Driver selects the backend: "postgres" or "memory".
	Driver string `yaml:"driver"`

	// DSN is the PostgreSQL connection string.
	// Environment: TASKFLOW_STORE_DSN
	DSN string `yaml:"dsn,omitempty"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns bounds idle pool connections.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`

	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// ExecutorConfig configures an executor process's polling and liveness
// behavior.
type ExecutorConfig struct {
	// Name is registered as this executor's application name. If empty,
	// "taskflow-executor" is used.
	Name string `yaml:"name,omitempty"`

	// PollInterval is how often the executor leases new workflow runs
	// and tasks when idle.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// HeartbeatInterval is how often the executor updates its liveness row.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// StaleAfter is passed to the store: clean_executors considers an
	// executor dead after 2x StaleAfter without a heartbeat. It is also the
	// interval at which the reaper sweeps.
	StaleAfter time.Duration `yaml:"stale_after,omitempty"`

	// MaxConcurrentRuns must be positive. taskflow-executor does not read
	// it: the process leases and drives one workflow run at a time.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`

	// DrainTimeout is not read by taskflow-executor: graceful shutdown
	// waits for the in-flight run without a time bound.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// SchedulerConfig configures the job scheduler loop.
type SchedulerConfig struct {
	// PollInterval is how often the scheduler checks v_queued_jobs.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// DriverConfig configures the HTTP client used to call external task
// services.
type DriverConfig struct {
	// Timeout bounds a single task-service call.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// RetryAttempts is the number of retries after a failed call.
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	// RetryBackoff is the base backoff between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// MaxBackoff caps exponential backoff growth.
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty"`

	// UserAgent is sent with every task-service request.
	UserAgent string `yaml:"user_agent,omitempty"`

	// RateLimit caps sustained task invocations per second across every
	// task service this process calls. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the token bucket's burst size.
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled activates the /metrics endpoint.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the address the metrics server binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled activates span emission.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in emitted traces.
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter names a trace exporter. taskflow-executor does not read it:
	// with Enabled set, spans always go to the stdout exporter.
	Exporter string `yaml:"exporter,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Executor: ExecutorConfig{
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        30 * time.Second,
			MaxConcurrentRuns: 5,
			DrainTimeout:      30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 15 * time.Second,
		},
		Driver: DriverConfig{
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
			MaxBackoff:    10 * time.Second,
			UserAgent:     "taskflow-executor/1",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "taskflow",
			Exporter:    "stdout",
		},
	}
}

// Load loads configuration from environment variables, optionally
// overlaid on top of a YAML file. Environment variables take precedence.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &taskflowerrors.CompoundOperationError{
				Operation: "config.Load",
				Step:      "loadFromFile",
				Cause:     err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &taskflowerrors.CompoundOperationError{
			Operation: "config.Load",
			Step:      "Validate",
			Cause:     err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TASKFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TASKFLOW_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("TASKFLOW_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("TASKFLOW_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("TASKFLOW_EXECUTOR_NAME"); v != "" {
		c.Executor.Name = v
	}
	if v := os.Getenv("TASKFLOW_EXECUTOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.PollInterval = d
		}
	}
	if v := os.Getenv("TASKFLOW_EXECUTOR_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("TASKFLOW_SCHEDULER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.PollInterval = d
		}
	}
	if v := os.Getenv("TASKFLOW_METRICS_LISTEN_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("TASKFLOW_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	validStoreDrivers := map[string]bool{"postgres": true, "memory": true}
	if !validStoreDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver must be one of [postgres, memory], got %q", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, "store.dsn is required when store.driver is \"postgres\"")
	}

	if c.Executor.MaxConcurrentRuns <= 0 {
		errs = append(errs, "executor.max_concurrent_runs must be positive")
	}
	if c.Executor.PollInterval <= 0 {
		errs = append(errs, "executor.poll_interval must be positive")
	}
	if c.Executor.StaleAfter <= c.Executor.HeartbeatInterval {
		errs = append(errs, "executor.stale_after must be greater than executor.heartbeat_interval")
	}

	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.poll_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
