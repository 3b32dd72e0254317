// Package config loads, normalizes, and validates annihilator configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads .env files, and honours environment
// fallbacks such as S3_ENDPOINT_URL and S3_BUCKET. The Config type centralizes
// every knob the server and CLI need, so working directories, separator
// options, and object store credentials are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
