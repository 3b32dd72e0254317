// Package storage manages the S3-compatible object store that receives
// separated stems.
//
// Client owns the process-wide connection: it validates settings, provisions
// the bucket, checks liveness, and recreates the connection when it degrades.
// Concurrent reconnect attempts share one in-flight dial. Uploader pushes
// local files under job-scoped keys and stops at the first failure. Fetch
// streams stored objects back with their content type and length.
package storage
