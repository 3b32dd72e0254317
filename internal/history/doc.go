// Package history persists a ledger of separation jobs in SQLite.
//
// The ledger is an operational aid: the orchestrator writes lifecycle
// transitions into it through job.Recorder, and the HTTP API and CLI read it
// back. Nothing in the processing path depends on it.
package history
