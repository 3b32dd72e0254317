package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"annihilator/internal/config"
	"annihilator/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	objects    *testsupport.MemoryObjectStore
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)

	opts = append([]testsupport.ConfigOption{
		testsupport.WithSeparatorScript(testsupport.SeparatorScript("mp3", 0, "vocals", "accompaniment")),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)

	configPath := filepath.Join(homeDir, ".config", "annihilator", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	objects := testsupport.NewMemoryObjectStore(cfg.Storage.Bucket)
	previous := storageDialer
	storageDialer = objects.Dialer()
	t.Cleanup(func() { storageDialer = previous })

	return &cliTestEnv{cfg: cfg, objects: objects, configPath: configPath, baseDir: base}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
work_dir = %q
log_dir = %q
state_dir = %q
api_bind = %q

[separator]
binary = %q
codec = "mp3"

[storage]
endpoint = %q
access_key = %q
secret_key = %q
region = %q
bucket = %q
key_prefix = "processed"
`,
		cfg.Paths.WorkDir,
		cfg.Paths.LogDir,
		cfg.Paths.StateDir,
		cfg.Paths.APIBind,
		cfg.Separator.Binary,
		cfg.Storage.Endpoint,
		cfg.Storage.AccessKey,
		cfg.Storage.SecretKey,
		cfg.Storage.Region,
		cfg.Storage.Bucket,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "song.wav")
	testsupport.WriteFile(t, path, 1024)
	return path
}
