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

// Package log provides structured logging shared by every taskflow component.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys for structured logging, kept consistent across
// every component so log aggregation queries don't have to guess names.
const (
	JobIDKey         = "job_id"
	WorkflowIDKey    = "workflow_id"
	WorkflowRunIDKey = "workflow_run_id"
	TaskOrderKey     = "task_order"
	TaskIDKey        = "task_id"
	ExecutorIDKey    = "executor_id"
	ComponentKey     = "component"
	TopicKey         = "topic"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string

	// Format sets the output format (json, text).
	Format Format

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
//
//   - TASKFLOW_DEBUG: true/1 enables debug level and source logging
//   - TASKFLOW_LOG_LEVEL: debug, info, warn, error
//   - TASKFLOW_LOG_FORMAT: json, text
func FromEnv() *Config {
	cfg := DefaultConfig()

	if debug := os.Getenv("TASKFLOW_DEBUG"); debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := os.Getenv("TASKFLOW_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("TASKFLOW_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a new logger tagged with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String(ComponentKey, component))
}

// WithWorkflowRun returns a new logger tagged with a workflow run id.
func WithWorkflowRun(logger *slog.Logger, workflowRunID string) *slog.Logger {
	return logger.With(slog.String(WorkflowRunIDKey, workflowRunID))
}

// WithTask returns a new logger tagged with the run/task-order pair that
// identifies one task-queue row.
func WithTask(logger *slog.Logger, workflowRunID string, taskOrder int) *slog.Logger {
	return logger.With(
		slog.String(WorkflowRunIDKey, workflowRunID),
		slog.Int(TaskOrderKey, taskOrder),
	)
}

// WithExecutor returns a new logger tagged with an executor id.
func WithExecutor(logger *slog.Logger, executorID string) *slog.Logger {
	return logger.With(slog.String(ExecutorIDKey, executorID))
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
