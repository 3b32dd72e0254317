package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"annihilator/internal/api"
	"annihilator/internal/daemonctl"
	"annihilator/internal/history"
	"annihilator/internal/workdir"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job history",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsPruneCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withHistory(cmd.Context(), func(store *history.Store) error {
				svc := api.NewJobService(store, cfg.Separator.Codec)
				items, err := svc.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No jobs recorded")
					return nil
				}
				fmt.Fprintln(out, renderJobsTable(items))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to show")
	return cmd
}

func renderJobsTable(items []api.JobItem) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.Filename,
			item.Progress.Label,
			strconv.Itoa(item.Progress.Percent) + "%",
			strings.Join(item.Stems, ", "),
			item.UpdatedAt,
		})
	}
	return renderTable(
		[]string{"ID", "File", "Stage", "Progress", "Stems", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withHistory(cmd.Context(), func(store *history.Store) error {
				item, err := api.NewJobService(store, cfg.Separator.Codec).Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				rows := [][]string{
					{"ID", item.ID},
					{"File", item.Filename},
					{"Status", item.Status},
					{"Stage", fmt.Sprintf("%s (%d%%)", item.Progress.Label, item.Progress.Percent)},
					{"Message", item.Progress.Message},
					{"Started", item.StartedAt},
					{"Updated", item.UpdatedAt},
				}
				if len(item.Stems) > 0 {
					rows = append(rows, []string{"Stems", strings.Join(item.Stems, ", ")})
				}
				fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
				// Kept outside the table so wrapping never splits a command.
				if len(item.Files) > 0 {
					fmt.Fprintln(out, "\nFetch with:")
					for _, file := range item.Files {
						fmt.Fprintf(out, "  annihilator fetch %s %s\n", item.ID, file)
					}
				}
				return nil
			})
		},
	}
}

func newJobsPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished jobs from the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			err := ctx.withHistory(cmd.Context(), func(store *history.Store) error {
				removed, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished job(s)\n", removed)
				return nil
			})
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			// A running daemon sweeps its own work dir on start.
			if running, _, _ := daemonctl.ProcessInfo(cfg); running {
				return nil
			}
			swept := workdir.CleanStale(cmd.Context(), cfg.Paths.WorkDir, olderThan, ctx.cliLogger(cfg, cmd.ErrOrStderr()))
			if len(swept.Removed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale work directory(ies)\n", len(swept.Removed))
			}
			for _, failure := range swept.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "warn: %s: %v\n", failure.Path, failure.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only remove jobs finished before this age")
	return cmd
}
