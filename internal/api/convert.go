package api

import (
	"slices"

	"annihilator/internal/deps"
	"annihilator/internal/job"
	"annihilator/internal/preflight"
	"annihilator/internal/progress"
)

// FromRecord converts a ledger record to its API representation. codec names
// the extension stems were stored with; finished jobs list their download
// file names.
func FromRecord(rec job.Record, codec string) JobItem {
	dto := JobItem{
		ID:       rec.ID,
		Filename: rec.Filename,
		Status:   StatusFor(rec.Stage),
		Progress: JobProgress{
			Stage:   string(rec.Stage),
			Label:   rec.Stage.Label(),
			Percent: rec.Stage.Percent(),
			Message: rec.Message,
		},
		Stems: append([]string(nil), rec.Stems...),
	}
	if rec.Stage == progress.StageDone && codec != "" {
		for _, stem := range rec.Stems {
			dto.Files = append(dto.Files, stem+"."+codec)
		}
	}
	if !rec.StartedAt.IsZero() {
		dto.StartedAt = rec.StartedAt.UTC().Format(dateTimeFormat)
	}
	if !rec.UpdatedAt.IsZero() {
		dto.UpdatedAt = rec.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromRecords converts a slice of ledger records.
func FromRecords(recs []job.Record, codec string) []JobItem {
	out := make([]JobItem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(rec, codec))
	}
	return out
}

// StatusFor collapses a stage into running, succeeded or failed. A stage at
// 100% is not enough to count as success; only DONE does.
func StatusFor(stage progress.Stage) string {
	switch stage {
	case progress.StageDone:
		return StatusSucceeded
	case progress.StageError:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// MergeStageCounts returns counts for every stage, zeros included.
func MergeStageCounts(counts map[progress.Stage]int) map[string]int {
	out := make(map[string]int, len(progress.Stages()))
	for _, stage := range progress.Stages() {
		out[string(stage)] = counts[stage]
	}
	return out
}

// ActiveJobs converts the orchestrator's in-flight map into a sorted slice.
func ActiveJobs(active map[string]progress.Stage) []ActiveJob {
	out := make([]ActiveJob, 0, len(active))
	for id, stage := range active {
		out = append(out, ActiveJob{ID: id, Stage: string(stage)})
	}
	slices.SortFunc(out, func(a, b ActiveJob) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// FromDependencies converts dependency statuses.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, len(statuses))
	for i, dep := range statuses {
		out[i] = DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		}
	}
	return out
}

// FromChecks converts preflight results.
func FromChecks(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, len(results))
	for i, r := range results {
		out[i] = CheckResult{Name: r.Name, Passed: r.Passed, Detail: r.Detail}
	}
	return out
}
