package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"annihilator/internal/api"
	"annihilator/internal/daemonctl"
	"annihilator/internal/progress"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, dependency, and storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.cliLogger(cfg, cmd.ErrOrStderr())
			// A connection failure is reported by the storage check below.
			client, _ := ctx.storageClient(cmd.Context(), cfg, logger)

			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), cfg, client)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			renderStatus(out, status, shouldColorize(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func renderStatus(out io.Writer, status *api.DaemonStatus, colorize bool) {
	var lines []string

	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	if status.Running {
		lines = append(lines, renderStatusLine("Annihilator", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	} else {
		lines = append(lines, renderStatusLine("Annihilator", statusInfo, "Not running", colorize))
	}
	lines = append(lines, renderStatusLine("Active jobs", statusInfo, fmt.Sprintf("%d", len(status.ActiveJobs)), colorize))
	lines = append(lines, renderStatusLine("Storage", statusInfo,
		fmt.Sprintf("%s bucket=%s connected=%s", displayValue(status.Storage.Endpoint), displayValue(status.Storage.Bucket), yesNo(status.Storage.Initialized)), colorize))
	workKind := statusInfo
	if status.WorkDirs.Count > len(status.ActiveJobs) {
		workKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Work dirs", workKind,
		fmt.Sprintf("%d (%s)", status.WorkDirs.Count, humanize.Bytes(uint64(max(status.WorkDirs.Bytes, 0)))), colorize))

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Dependencies", colorize)...)
	for _, dep := range status.Dependencies {
		kind, msg := statusOK, dep.Command
		if !dep.Available {
			kind, msg = statusError, dep.Detail
			if dep.Optional {
				kind = statusWarn
			}
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, msg, colorize))
	}

	if len(status.Checks) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Checks", colorize)...)
		for _, check := range status.Checks {
			kind := statusOK
			if !check.Passed {
				kind = statusError
			}
			lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
		}
	}

	if len(status.JobCounts) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Jobs", colorize)...)
		for _, stage := range progress.Stages() {
			count := status.JobCounts[string(stage)]
			if count == 0 {
				continue
			}
			kind := statusInfo
			switch stage {
			case progress.StageDone:
				kind = statusOK
			case progress.StageError:
				kind = statusError
			}
			lines = append(lines, renderStatusLine(stage.Label(), kind, fmt.Sprintf("%d", count), colorize))
		}
	}

	fmt.Fprintln(out, strings.Join(lines, "\n"))
}

func displayValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(unset)"
	}
	return value
}
