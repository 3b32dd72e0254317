package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"annihilator/internal/config"
	"annihilator/internal/history"
	"annihilator/internal/logging"
	"annihilator/internal/storage"
)

// storageDialer opens object store connections for CLI commands. Tests swap
// it for an in-memory store.
var storageDialer storage.Dialer = storage.DialMinio

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logLevel(fallback string) string {
	if c.logLevelFlag != nil {
		if level := strings.TrimSpace(*c.logLevelFlag); level != "" {
			return level
		}
	}
	return fallback
}

// cliLogger writes diagnostics to w so they never mix with command output.
func (c *commandContext) cliLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger, err := logging.New(logging.Options{
		Level:  c.logLevel("warn"),
		Format: cfg.Logging.Format,
		Writer: w,
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// storageClient connects to the configured object store.
func (c *commandContext) storageClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Client, error) {
	client := storage.NewClient(storage.WithDialer(storageDialer), storage.WithLogger(logger))
	if _, err := client.Acquire(ctx, storage.SettingsFromConfig(cfg)); err != nil {
		return client, err
	}
	return client, nil
}

func (c *commandContext) withHistory(ctx context.Context, fn func(*history.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("job history is disabled (set history.enabled = true)")
	}
	store, err := history.Open(cfg)
	if err != nil {
		return fmt.Errorf("open job history: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
