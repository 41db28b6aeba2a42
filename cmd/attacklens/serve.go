package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"attacklens/internal/analysis"
	"attacklens/internal/logging"
	"attacklens/internal/mitre"
	"attacklens/internal/server"
	"attacklens/internal/store"
	"attacklens/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attacklens HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logging.BootError("opening database: %v", err)
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	provider := mitre.NewProvider(mitre.ProviderConfig{
		URL:             cfg.Catalog.URL,
		BackupURL:       cfg.Catalog.BackupURL,
		CacheDir:        cfg.Catalog.CacheDir,
		RefreshInterval: cfg.Catalog.RefreshInterval,
		FetchTimeout:    cfg.Catalog.FetchTimeout,
		Fallback:        st,
	})

	engine := workflow.NewEngine(st, workflow.Config{
		MaxConcurrent: cfg.Workflow.MaxConcurrent,
		TaskTimeout:   cfg.Workflow.TaskTimeout,
		TaskRetries:   cfg.Workflow.TaskRetries,
		RetryDelay:    cfg.Workflow.RetryDelay,
		CrashGrace:    cfg.Workflow.CrashGrace,
	})

	pipe := analysis.NewPipeline(cfg, provider, st)
	if err := engine.Register(pipe.Definition()); err != nil {
		logging.BootError("registering analysis workflow: %v", err)
		return fmt.Errorf("register workflow: %w", err)
	}

	if recovered, err := engine.RecoverCrashed(ctx); err != nil {
		logging.BootError("crash recovery sweep: %v", err)
	} else if recovered > 0 {
		logging.Boot("marked %d crashed run(s) as failed", recovered)
	}

	srv := server.New(cfg, engine, st)

	// Warm the catalog so the first submission does not pay for the fetch.
	go func() {
		if _, err := provider.Snapshot(ctx); err != nil {
			logging.CatalogWarn("catalog warm-up failed, first run will retry: %v", err)
		}
	}()
	if cfg.Catalog.WatchCache {
		go func() {
			if err := provider.Watch(ctx); err != nil {
				logging.CatalogWarn("catalog cache watcher stopped: %v", err)
			}
		}()
	}

	logging.Boot("%s %s starting", cfg.Name, cfg.Version)
	return srv.Run(ctx)
}
