// Package job sequences one stem-separation request end to end.
//
// Orchestrator.Start stages the uploaded audio in a fresh working directory,
// runs the separator, collects the stems it wrote, uploads them, and reports
// each step as a progress event. Every job runs on its own goroutine and ends
// with exactly one terminal event, Error or Result. The working directory is
// removed before the Stream reports end-of-stream, on every path.
package job
