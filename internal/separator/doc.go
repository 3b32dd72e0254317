// Package separator runs the external source-separation tool (spleeter) as a
// child process.
//
// Runner builds the argument vector, bounds the run with a timeout, drains
// stdout and stderr concurrently, and reports the exit status. A non-zero
// exit is a result, not an error; failing to start the binary is reported as
// services.ErrLaunch so callers can tell the two apart.
package separator
