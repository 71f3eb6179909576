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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRequiresDSNForPostgresDriver(t *testing.T) {
	// Default() picks "postgres" but leaves DSN empty; Validate catches
	// the incomplete combination rather than silently accepting it.
	require.Error(t, Default().Validate())
}

func TestLoadWithNoPathRequiresDSN(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadWithDSNEnvUsesDefaults(t *testing.T) {
	t.Setenv("TASKFLOW_STORE_DSN", "postgres://example/db")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Store.Driver)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
log:
  level: debug
  format: text
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	// untouched defaults survive the overlay
	require.Equal(t, 3, cfg.Driver.RetryAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0o644))

	t.Setenv("TASKFLOW_STORE_DRIVER", "postgres")
	t.Setenv("TASKFLOW_STORE_DSN", "postgres://example/db")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, "postgres://example/db", cfg.Store.DSN)
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsStaleAfterNotGreaterThanHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Executor.StaleAfter = cfg.Executor.HeartbeatInterval
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}
