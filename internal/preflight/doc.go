// Package preflight provides readiness checks for the filesystem paths,
// external binaries, and object store that annihilator depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failure, so a missing
//     spleeter install or unreachable bucket shows up before the first upload.
//   - The CLI "annihilator status" command and GET /api/status render the same
//     results for operators.
//
// The storage check is skipped when no endpoint is configured.
package preflight
