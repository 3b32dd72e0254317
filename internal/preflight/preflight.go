package preflight

import (
	"context"
	"strings"

	"annihilator/internal/config"
	"annihilator/internal/storage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RunAll executes all applicable preflight checks for the given config.
// A nil client skips the storage check.
func RunAll(ctx context.Context, cfg *config.Config, client *storage.Client) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir))
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))

	for _, status := range CheckSystemDeps(cfg) {
		result := Result{Name: status.Name, Passed: status.Available || status.Optional, Detail: status.Detail}
		if status.Available {
			result.Detail = status.Command
		}
		results = append(results, result)
	}

	if client != nil && strings.TrimSpace(cfg.Storage.Endpoint) != "" {
		results = append(results, CheckStorage(ctx, client, storage.SettingsFromConfig(cfg)))
	}

	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
