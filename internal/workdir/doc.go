// Package workdir inspects and sweeps per-job scratch directories.
//
// Every job writes its upload and separator output under a directory named
// "<job id>-<suffix>" inside the configured work dir. Jobs remove their own
// directory on exit; this package reclaims what a crash or kill left behind.
package workdir
