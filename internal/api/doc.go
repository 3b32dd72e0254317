// Package api defines wire-format types and converters for the HTTP API and
// the CLI. It translates job ledger records and daemon state into
// transport-friendly DTOs so consumers do not couple to internal types.
//
// # Key Types
//
// JobItem: transport representation of a ledger entry with stage progress
// and the stems a job produced.
//
// DaemonStatus: daemon running state, in-flight jobs, dependency and
// preflight results.
//
// # Converters
//
// FromRecord: job.Record -> JobItem, including the download file names for
// finished jobs.
//
// MergeStageCounts: ledger counts keyed by every known stage, zeros included.
//
// # Design Notes
//
// DTOs use camelCase JSON tags for JavaScript/TypeScript consumers. Stages
// are exposed by their upper-case names. Timestamps use RFC3339 with
// milliseconds.
package api
