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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/taskflow/internal/config"
	"github.com/tombee/taskflow/internal/dispatcher"
	"github.com/tombee/taskflow/internal/driver"
	"github.com/tombee/taskflow/internal/executorproc"
	"github.com/tombee/taskflow/internal/lifecycle"
	"github.com/tombee/taskflow/internal/log"
	"github.com/tombee/taskflow/internal/notify"
	"github.com/tombee/taskflow/internal/registry"
	"github.com/tombee/taskflow/internal/scheduler"
	"github.com/tombee/taskflow/internal/store"
	"github.com/tombee/taskflow/internal/store/memory"
	"github.com/tombee/taskflow/internal/store/postgres"
	"github.com/tombee/taskflow/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		storeDriver = flag.String("store-driver", "", "Storage backend (memory, postgres)")
		dsn         = flag.String("store-dsn", "", "PostgreSQL connection string")
		runScheduler = flag.Bool("scheduler", false, "Also run the job scheduler loop from this process")
		runReaper   = flag.Bool("reaper", false, "Also run the executor liveness reaper from this process")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("taskflow-executor %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *storeDriver != "" {
		cfg.Store.Driver = *storeDriver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), AddSource: cfg.Log.AddSource})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, bus, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", log.Error(err))
		os.Exit(1)
	}
	defer s.Close()
	defer bus.Close()

	tracerProvider, err := tracing.New(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", log.Error(err))
		os.Exit(1)
	}
	defer tracerProvider.Shutdown(context.Background())
	tracer := tracerProvider.Tracer("taskflow-executor")

	httpClient, err := driver.NewHTTPClient(driver.Config{
		Timeout:       cfg.Driver.Timeout,
		RetryAttempts: cfg.Driver.RetryAttempts,
		RetryBackoff:  cfg.Driver.RetryBackoff,
		MaxBackoff:    cfg.Driver.MaxBackoff,
		UserAgent:     cfg.Driver.UserAgent,
		RateLimit:     cfg.Driver.RateLimit,
		RateBurst:     cfg.Driver.RateBurst,
	}, logger)
	if err != nil {
		logger.Error("failed to build task service client", log.Error(err))
		os.Exit(1)
	}

	reg := registry.New(registry.Config{
		HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		ReapInterval:       cfg.Executor.StaleAfter,
	}, s, logger)
	lc := lifecycle.New(s, bus, logger)
	disp := dispatcher.New(s, httpClient, logger, tracer)

	if *runReaper {
		reg.StartReaper(ctx)
		defer reg.StopReaper()
	}

	if *runScheduler {
		sched := scheduler.New(scheduler.Config{PollInterval: cfg.Scheduler.PollInterval}, s, logger, tracer)
		sched.Start(ctx)
		defer sched.Stop()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	session := store.ExecutorSession{
		PID:             int64(os.Getpid()),
		Username:        currentUsername(),
		ApplicationName: "taskflow-executor",
		ClientAddr:      "127.0.0.1",
		ClientPort:      0,
	}
	if cfg.Executor.Name != "" {
		session.ApplicationName = cfg.Executor.Name
	}

	proc := executorproc.New(executorproc.Config{
		PollInterval: cfg.Executor.PollInterval,
		Session:      session,
	}, reg, lc, disp, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- proc.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal, draining", slog.String("signal", sig.String()))
		proc.Drain()
		proc.Stop()
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Error("executor process exited with error", log.Error(err))
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, notify.Bus, error) {
	switch cfg.Store.Driver {
	case "memory":
		s := memory.New()
		return s, s.Bus(), nil
	default:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			StaleAfter:      cfg.Executor.StaleAfter,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		bus, err := notify.NewPostgresBus(ctx, s.Pool(), logger)
		if err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("open notification bus: %w", err)
		}
		return s, bus, nil
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", log.Error(err))
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return strconv.Itoa(os.Getuid())
}
