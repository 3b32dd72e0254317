package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"annihilator/internal/config"
	"annihilator/internal/daemon"
	"annihilator/internal/daemonctl"
	"annihilator/internal/history"
	"annihilator/internal/job"
	"annihilator/internal/logging"
	"annihilator/internal/preflight"
	"annihilator/internal/separator"
	"annihilator/internal/storage"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the annihilator daemon and blocks until cmdCtx is cancelled or
// the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("annihilator-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update annihilator.log link: %v\n", err)
	}
	logDependencySnapshot(logger, cfg)

	var store *history.Store
	var recorder job.Recorder
	if cfg.History.Enabled {
		store, err = history.Open(cfg)
		if err != nil {
			logger.Error("open job history", logging.Error(err))
			return err
		}
		recorder = store
	}

	client := storage.NewClient(storage.WithLogger(logger))
	if err := client.Initialize(signalCtx, storage.SettingsFromConfig(cfg)); err != nil {
		// Handlers retry through Acquire, so a cold object store is not fatal.
		logging.WarnWithContext(logger, "storage not ready at startup", "storage_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "jobs will fail until storage is reachable"),
		)
	}

	runner, err := separator.NewFromConfig(cfg, separator.WithLogger(logger))
	if err != nil {
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("create separator: %w", err)
	}
	jobOpts := []job.Option{job.WithLogger(logger)}
	if recorder != nil {
		jobOpts = append(jobOpts, job.WithRecorder(recorder))
	}
	jobs := job.New(runner, storage.NewUploader(client, logger), job.SettingsFromConfig(cfg), jobOpts...)

	d, err := daemon.New(cfg, logger, store, client, jobs)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the api bind address and state directory"),
		)
		return err
	}

	pidPath := daemonctl.PIDPath(cfg)
	if err := daemonctl.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	<-signalCtx.Done()
	logger.Info("annihilator daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "annihilator.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("separator_model", cfg.Separator.Model),
		logging.String("separator_codec", cfg.Separator.Codec),
		logging.String("storage_endpoint", cfg.Storage.Endpoint),
		logging.String("storage_bucket", cfg.Storage.Bucket),
		logging.Bool("history_enabled", cfg.History.Enabled),
	}
	for _, dep := range preflight.CheckSystemDeps(cfg) {
		attrs = append(attrs,
			logging.Bool(dep.Name+"_available", dep.Available),
			logging.String(dep.Name+"_binary", dep.Command),
		)
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
