// Command detectd runs the anomaly detection engine.
//
// Responsibilities:
//   - Load and validate configuration from YAML and DETECTK_* environment
//     variables
//   - Open the engine's SQLite store and the configured source databases
//   - Load per-metric YAML files and assemble each metric's pipeline
//   - Start the periodic runner and the operations HTTP server
//   - Implement graceful shutdown with context cancellation
//
// Pipeline flow:
//  1. Loader queries the source database and stores aligned datapoints
//  2. Detectors score the stored series and persist their verdicts
//  3. The alert orchestrator evaluates the latest complete point and
//     delivers notifications over the configured channels
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/config"
	"github.com/detectk/detectd/internal/logging"
	"github.com/detectk/detectd/internal/server"
	"github.com/detectk/detectd/internal/source"
	"github.com/detectk/detectd/internal/store"
	"github.com/detectk/detectd/internal/task"
)

func main() {
	configPath := flag.String("config", "detectk.yaml", "path to the engine configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "detectd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager := config.NewManager(configPath)
	if err := manager.Load(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := manager.Validate(); err != nil {
		return err
	}
	cfg := manager.Get()

	log, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.File.Path,
		MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
		MaxBackups: cfg.Logging.File.MaxBackups,
		MaxAgeDays: cfg.Logging.File.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = log.Sync() }()

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	log.Info("store opened", zap.String("path", cfg.Store.Path))

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return fmt.Errorf("load source profiles: %w", err)
	}
	clients := map[string]source.Client{}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()
	for name, profile := range profiles {
		client, err := source.Open(profile)
		if err != nil {
			return fmt.Errorf("open source %q: %w", name, err)
		}
		clients[name] = client
		log.Info("source connected", zap.String("profile", name), zap.String("type", profile.Type))
	}

	metricConfigs, err := config.LoadMetricsDir(cfg.MetricsDir)
	if err != nil {
		return fmt.Errorf("load metric configs: %w", err)
	}
	if len(metricConfigs) == 0 {
		log.Warn("no metric configs found", zap.String("dir", cfg.MetricsDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := task.NewManager(st, cfg.Runner.LockTimeout, cfg.Runner.DetectionWindow, log)
	for _, mc := range metricConfigs {
		metric, err := task.BuildMetric(mc, clients, st, log)
		if err != nil {
			return err
		}
		if err := mgr.Register(ctx, metric); err != nil {
			return fmt.Errorf("register metric %q: %w", mc.Name, err)
		}
		log.Info("metric registered",
			zap.String("metric", mc.Name),
			zap.String("interval", mc.Interval),
			zap.Bool("enabled", mc.Enabled),
		)
	}

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
	}, mgr, st, log)
	if err := srv.Start(); err != nil {
		return err
	}

	var runner *task.Runner
	if cfg.Runner.Enabled {
		runner = task.NewRunner(mgr, log)
		runner.Start(ctx)
		log.Info("runner started", zap.Int("metrics", len(metricConfigs)))
	} else {
		log.Info("runner disabled, metrics run on demand only")
	}

	<-ctx.Done()
	log.Info("shutting down")

	if runner != nil {
		runner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}
