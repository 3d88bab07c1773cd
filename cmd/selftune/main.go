/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d-incubation/pipeline-selftune/internal/config"
	"github.com/llm-d-incubation/pipeline-selftune/internal/constants"
	"github.com/llm-d-incubation/pipeline-selftune/internal/engines/executor"
	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/internal/metrics"
	"github.com/llm-d-incubation/pipeline-selftune/internal/orchestrator"
	"github.com/llm-d-incubation/pipeline-selftune/internal/persistence"
	"github.com/llm-d-incubation/pipeline-selftune/internal/server"
	"github.com/llm-d-incubation/pipeline-selftune/internal/utils"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

type options struct {
	configPath string
	host       string
	port       string
	redisAddr  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "selftune",
		Short:         "Self-tuning control loop for the request pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Server.Host = opts.host
			}
			if flags.Changed("port") {
				cfg.Server.Port = opts.port
			}
			if flags.Changed("redis-addr") {
				cfg.Redis.Enabled = true
				cfg.Redis.Addr = opts.redisAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&opts.host, "host", "", "Address the HTTP API binds to")
	cmd.Flags().StringVar(&opts.port, "port", "", "Port the HTTP API listens on")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "Redis address for configuration history persistence")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if _, err := logger.InitLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.SyncLogger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	emitter := metrics.InitMetricsAndEmitter(registry)

	g, ctx := errgroup.WithContext(ctx)

	bus := telemetry.NewBus(cfg.Bus)
	bus.StartEmitter(ctx)

	orcOpts := []orchestrator.Option{orchestrator.WithMetricsEmitter(emitter)}
	var store *persistence.SnapshotStore
	if cfg.Redis.Enabled {
		redisStore, err := persistence.ConnectRedis(ctx, cfg.Redis.Addr, utils.RedisConnectBackoff)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisStore.Close(); err != nil {
				logger.Log.Warnw("Failed to close Redis client", "error", err)
			}
		}()
		store = persistence.NewSnapshotStore(redisStore, cfg.Redis.Key, cfg.Snapshots.Capacity)
		orcOpts = append(orcOpts, orchestrator.WithPersistence(store))
	}

	orc, err := orchestrator.New(ctx, cfg, bus, orcOpts...)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if store != nil {
		g.Go(func() error { return store.Run(ctx) })
	}
	logger.Log.Infow("Self-tuner starting",
		"runId", orc.Status().RunID,
		"addr", cfg.Server.Addr(),
		"redis", cfg.Redis.Enabled,
		"experiments", len(cfg.Experiments))

	var housekeeping executor.Executor = executor.NewPollingExecutor(executor.PollingConfig{
		Config: executor.Config{
			Name:     "housekeeping",
			TaskFunc: orc.Housekeeping,
		},
		Interval:     cfg.Orchestrator.HousekeepingInterval,
		RetryBackoff: constants.DefaultExecutorRetryBackoff,
	})

	g.Go(func() error { return orc.Run(ctx) })
	g.Go(func() error {
		housekeeping.Start(ctx)
		return nil
	})
	g.Go(func() error { return server.New(orc, registry, cfg.Server.Addr()).Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Log.Errorw("Self-tuner stopped with error", "error", err)
		return err
	}
	logger.Log.Info("Self-tuner stopped")
	return nil
}
