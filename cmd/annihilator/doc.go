// Package main hosts the annihilator CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the HTTP daemon, performs one-off
// separations and stem downloads against the configured object store, renders
// the job ledger, and scaffolds configuration. It centralizes configuration
// resolution and logger setup so subcommands can focus on output.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it through dedicated commands or flags here.
package main
