// Package daemon coordinates the long-running annihilator process.
//
// It wires configuration, the shared storage client, the job orchestrator and
// the optional job ledger into a single lifecycle with flock-based locking to
// prevent multiple instances on one state directory. The daemon owns the HTTP
// API (gin): separation requests streamed over SSE or WebSocket, stem
// downloads, ledger queries and a status endpoint.
//
// Keep orchestration logic here: the job state machine lives in internal/job
// and event framing in internal/transport, while the daemon focuses on
// startup, shutdown and request plumbing.
package daemon
