// Package daemonctl inspects and controls a daemon running in another
// process. Liveness comes from the single-instance lock, the pid file names
// the process to signal, and status is read from the daemon's HTTP API with
// an offline fallback built from local checks and the job ledger.
package daemonctl
