// Package services defines shared utilities consumed by the job pipeline, the
// storage layer, and the HTTP surface.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures keep their
//     classification (launch failure, not found, storage) across layers.
//   - StatusCode, which maps those markers onto HTTP responses.
//
// Use these helpers when wiring new pipeline code so error handling and
// observability stay uniform.
package services
