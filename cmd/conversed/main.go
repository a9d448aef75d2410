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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/converse/internal/chat"
	"github.com/tombee/converse/internal/config"
	"github.com/tombee/converse/internal/log"
	"github.com/tombee/converse/internal/mcp"
	"github.com/tombee/converse/internal/store"
	"github.com/tombee/converse/internal/tracing"
	"github.com/tombee/converse/pkg/llm"
	_ "github.com/tombee/converse/pkg/llm/providers"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "conversed",
		Short: "Multi-tenant AI chat orchestration daemon",
		Long: `conversed runs the converse chat core: per-user MCP hubs, LLM
provider registry, and the tool-calling conversation loop. Front-end
transports attach as separate collaborators.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: XDG config dir)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conversed %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	return root
}

func runDaemon(configPath string) error {
	if configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		configPath = path
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	tracer, err := tracing.New(tracing.Config{
		ServiceName:    "conversed",
		ServiceVersion: version,
		SampleRate:     1.0,
		Debug:          os.Getenv("CONVERSE_TRACE_STDOUT") == "1",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := store.NewSQLite(store.SQLiteConfig{
		Path: cfg.Database.Path,
		WAL:  cfg.Database.WAL,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := activateProviders(cfg, logger); err != nil {
		return err
	}
	provider, err := llm.GetDefault()
	if err != nil {
		return fmt.Errorf("no usable LLM provider configured: %w", err)
	}
	logger.Info("default provider selected", "provider", provider.Name())

	var poolOpts []mcp.PoolOption
	if cfg.MCP.ConfigPath != "" {
		poolOpts = append(poolOpts, mcp.WithSharedConfigFile(cfg.MCP.ConfigPath))
	}
	pool := mcp.NewPool(db, logger, poolOpts...)
	defer pool.Close()

	service, err := chat.NewService(chat.ServiceConfig{
		Provider:         llm.NewRetryableProvider(provider, llm.DefaultRetryConfig()),
		Store:            db,
		Stops:            chat.NewStopRegistry(),
		Logger:           logger,
		MaxIterations:    cfg.Chat.MaxIterations,
		MaxContextTokens: cfg.Chat.MaxContextTokens,
	})
	if err != nil {
		return err
	}
	_ = service // Consumed by the transport layer once it attaches.

	if cfg.MCP.Watch && cfg.MCP.ConfigPath != "" {
		watcher, err := mcp.NewWatcher(mcp.WatcherConfig{
			Path:   cfg.MCP.ConfigPath,
			Logger: logger,
			Reload: func(ctx context.Context) error {
				for _, userID := range pool.ActiveUsers() {
					if _, err := pool.RefreshUser(ctx, userID); err != nil {
						logger.Warn("hub refresh failed", "user_id", userID, "error", err)
					}
				}
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		defer watcher.Close()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tracer.MetricsHandler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("conversed started",
		"version", version,
		"database", cfg.Database.Path,
		"mcp_config", cfg.MCP.ConfigPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

// activateProviders registers credentials for every configured
// provider. Individual failures are logged so one bad credential does
// not take down the rest.
func activateProviders(cfg *config.Config, logger *slog.Logger) error {
	activated := 0
	for name, pc := range cfg.Providers {
		err := llm.Activate(name, llm.Credentials{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
		})
		if err != nil {
			logger.Warn("provider activation failed", "provider", name, "error", err)
			continue
		}
		logger.Info("provider activated", "provider", name)
		activated++
	}
	if len(cfg.Providers) > 0 && activated == 0 {
		return fmt.Errorf("no providers could be activated")
	}
	return nil
}
