package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"annihilator/internal/logs"
)

// currentLogName is the pointer the daemon refreshes on every start.
const currentLogName = "annihilator.log"

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var jobID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if lines < 0 {
				return fmt.Errorf("--lines must not be negative")
			}
			path := filepath.Join(cfg.Paths.LogDir, currentLogName)
			out := cmd.OutOrStdout()

			result, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Offset: -1, Limit: lines, JobID: jobID})
			if err != nil {
				return err
			}
			for _, line := range result.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				if len(result.Lines) == 0 && result.Offset == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "No log output at %s\n", path)
				}
				return nil
			}

			offset := result.Offset
			for {
				result, err = logs.Tail(cmd.Context(), path, logs.TailOptions{
					Offset: offset,
					Follow: true,
					Wait:   5 * time.Second,
					JobID:  jobID,
				})
				if err != nil {
					if errors.Is(err, cmd.Context().Err()) {
						return nil
					}
					return err
				}
				for _, line := range result.Lines {
					fmt.Fprintln(out, line)
				}
				// The daemon points the log at a new file on restart.
				if result.Offset < offset {
					offset = 0
					continue
				}
				offset = result.Offset
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show lines for this job id")
	return cmd
}
