// Package progress defines the job stages and the closed set of events a job
// emits: Progress for intermediate stages, Error and Result as the mutually
// exclusive terminal events. Tracker builds events and logs them.
package progress
