package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"annihilator/internal/daemonctl"
	"annihilator/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var development bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    ctx.logLevel(cfg.Logging.Level),
				Development: development,
			})
		},
	}
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cfg, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in %s and was killed\n", result.PID, grace)
				return nil
			}
			fmt.Fprintf(out, "Daemon (pid %d) stopped\n", result.PID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "Time to wait for in-flight jobs before killing the daemon")
	return cmd
}
