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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigUsesJSONAndInfo(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "info", cfg.Level)
	require.Equal(t, FormatJSON, cfg.Format)
	require.False(t, cfg.AddSource)
}

func TestFromEnvDebugFlagEnablesDebugAndSource(t *testing.T) {
	t.Setenv("TASKFLOW_DEBUG", "true")
	cfg := FromEnv()
	require.Equal(t, "debug", cfg.Level)
	require.True(t, cfg.AddSource)
}

func TestFromEnvHonorsExplicitLevelAndFormat(t *testing.T) {
	t.Setenv("TASKFLOW_LOG_LEVEL", "WARN")
	t.Setenv("TASKFLOW_LOG_FORMAT", "TEXT")
	cfg := FromEnv()
	require.Equal(t, "warn", cfg.Level)
	require.Equal(t, FormatText, cfg.Format)
}

func TestNewWithNilConfigFallsBackToDefaults(t *testing.T) {
	logger := New(nil)
	require.NotNil(t, logger)
}

func TestNewJSONHandlerEmitsParsableJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("job scheduled", JobIDKey, "job-1")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "job scheduled", decoded["msg"])
	require.Equal(t, "job-1", decoded[JobIDKey])
}

func TestNewTextHandlerOmitsDebugBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})
	logger.Debug("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "should appear")
}

func TestWithComponentTagsEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger := WithComponent(base, "dispatcher")
	logger.Info("tick")

	require.Contains(t, buf.String(), `"component":"dispatcher"`)
}

func TestWithWorkflowRunAndTaskTagFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithWorkflowRun(base, "wr-1").Info("started")
	require.Contains(t, buf.String(), `"workflow_run_id":"wr-1"`)

	buf.Reset()
	WithTask(base, "wr-1", 2).Info("leased")
	out := buf.String()
	require.Contains(t, out, `"workflow_run_id":"wr-1"`)
	require.Contains(t, out, `"task_order":2`)
}

func TestWithExecutorTagsExecutorID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithExecutor(base, "exec-1").Info("registered")
	require.Contains(t, buf.String(), `"executor_id":"exec-1"`)
}

func TestErrorAttrCarriesMessage(t *testing.T) {
	attr := Error(errors.New("boom"))
	require.Equal(t, "error", attr.Key)
	require.True(t, strings.Contains(attr.Value.String(), "boom"))
}

func TestParseLevelRecognizesAllLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"warn":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"info":     slog.LevelInfo,
		"unknown":  slog.LevelInfo,
		"":         slog.LevelInfo,
		"DEBUG":    slog.LevelDebug,
	}
	for input, want := range cases {
		require.Equal(t, want, parseLevel(input), "input=%q", input)
	}
}
