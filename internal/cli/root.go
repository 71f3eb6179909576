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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/taskflow/internal/config"
	"github.com/tombee/taskflow/internal/lifecycle"
	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/registry"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
	"github.com/tombee/taskflow/internal/store/postgres"
)

// NewRootCommand builds taskflowctl's root command and wires every
// resource subcommand (job, workflow, run, executor) against app. The
// store connection is opened lazily in PersistentPreRunE, once cobra has
// parsed --config/--store-driver/--store-dsn, so every subcommand shares
// one connection without main needing to know which backend to open.
func NewRootCommand(app *App) *cobra.Command {
	var (
		configPath  string
		storeDriver string
		dsn         string
	)

	cmd := &cobra.Command{
		Use:   "taskflowctl",
		Short: "Operate a taskflow dispatch engine",
		Long: `taskflowctl is the operator CLI for a taskflow dispatch engine.

It inspects and drives jobs, workflow runs, and executors directly
against the engine's store, the same primitives the engine itself uses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if storeDriver != "" {
				cfg.Store.Driver = storeDriver
			}
			if dsn != "" {
				cfg.Store.DSN = dsn
			}

			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			logger := log.New(&log.Config{Level: "warn", Format: log.Format(cfg.Log.Format)})

			app.Store = s
			app.Lifecycle = lifecycle.New(s, nil, logger)
			app.Registry = registry.New(registry.Config{}, s, logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.Store != nil {
				return app.Store.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&app.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&storeDriver, "store-driver", "", "Storage backend (memory, postgres)")
	cmd.PersistentFlags().StringVar(&dsn, "store-dsn", "", "PostgreSQL connection string")

	cmd.AddCommand(newJobCommand(app))
	cmd.AddCommand(newWorkflowCommand(app))
	cmd.AddCommand(newRunCommand(app))
	cmd.AddCommand(newExecutorCommand(app))

	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		return memory.New(), nil
	}
	return postgres.New(ctx, postgres.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		StaleAfter:      cfg.Executor.StaleAfter,
	})
}
