// Package logs tails daemon log files for the CLI.
//
// Tail reads the last N lines or everything after a byte offset, and in
// follow mode polls until new lines arrive or the wait expires. Lines can be
// narrowed to one job by its correlation id in either log format.
package logs
