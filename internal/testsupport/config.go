package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"annihilator/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Storage points at a placeholder endpoint; tests inject a dialer.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Storage.Endpoint = "http://127.0.0.1:9000"
	cfgVal.Storage.AccessKey = "test-access"
	cfgVal.Storage.SecretKey = "test-secret"
	cfgVal.Storage.Region = "us-east-1"
	cfgVal.Storage.Bucket = "annihilator-test"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithoutStorage clears the storage endpoint and credentials.
func WithoutStorage() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Storage.Endpoint = ""
		b.cfg.Storage.AccessKey = ""
		b.cfg.Storage.SecretKey = ""
	}
}

// WithSeparatorScript writes an executable shell script as the separator
// binary and points the config at it.
func WithSeparatorScript(body string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		target := filepath.Join(binDir, "spleeter")
		if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			b.t.Fatalf("write separator script: %v", err)
		}
		b.cfg.Separator.Binary = target
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, spleeter is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"spleeter"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkDir)
}
