package separator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"testing"
	"time"

	"annihilator/internal/config"
	"annihilator/internal/separator"
	"annihilator/internal/services"
)

type stubExecutor struct {
	lines []string
	code  int
	err   error
	calls int
	args  [][]string
}

func (s *stubExecutor) Run(_ context.Context, _ string, args []string, onLine func(separator.Stream, string)) (int, error) {
	s.calls++
	s.args = append(s.args, append([]string(nil), args...))
	for _, line := range s.lines {
		onLine(separator.Stdout, line)
	}
	return s.code, s.err
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "spleeter")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestBuildArgs(t *testing.T) {
	args := separator.BuildArgs(separator.Request{
		InputPath: "/work/job/abc.wav",
		OutputDir: "/work/job/output",
		Params:    separator.Params{Model: "4stems", Codec: "wav", Bitrate: "320k", Verbose: true},
	})
	want := []string{
		"separate", "-p", "spleeter:4stems", "-c", "wav", "-b", "320k",
		"-o", "/work/job/output", "-f", "{instrument}.{codec}", "/work/job/abc.wav", "--verbose",
	}
	if !slices.Equal(args, want) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", args, want)
	}
}

func TestBuildArgsAppliesDefaults(t *testing.T) {
	args := separator.BuildArgs(separator.Request{InputPath: "in.mp3", OutputDir: "out"})
	if !slices.Contains(args, "spleeter:2stems") || !slices.Contains(args, "mp3") || !slices.Contains(args, "192k") {
		t.Fatalf("expected defaults in args, got %v", args)
	}
	if slices.Contains(args, "--verbose") {
		t.Fatalf("expected no verbose flag, got %v", args)
	}
}

func TestRunReturnsExitStatusAndForwardsOutput(t *testing.T) {
	exec := &stubExecutor{lines: []string{"INFO:spleeter:Loading audio", "INFO:spleeter:File written"}, code: 0}
	var got []string
	runner, err := separator.New("spleeter", time.Minute,
		separator.WithExecutor(exec),
		separator.WithOutputHandler(func(_ separator.Stream, line string) { got = append(got, line) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	code, err := runner.Run(context.Background(), separator.Request{InputPath: "in.mp3", OutputDir: "out"})
	if err != nil || code != 0 {
		t.Fatalf("Run: code=%d err=%v", code, err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected one executor call, got %d", exec.calls)
	}
	if !slices.Equal(got, exec.lines) {
		t.Fatalf("unexpected forwarded lines: %v", got)
	}
}

func TestRunUsesConfiguredParams(t *testing.T) {
	cfg := config.Default()
	cfg.Separator.Model = "5stems"
	cfg.Separator.Codec = "flac"
	exec := &stubExecutor{}
	runner, err := separator.NewFromConfig(&cfg, separator.WithExecutor(exec))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if _, err := runner.Run(context.Background(), separator.Request{InputPath: "in", OutputDir: "out"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	args := exec.args[0]
	if !slices.Contains(args, "spleeter:5stems") || !slices.Contains(args, "flac") || !slices.Contains(args, "--verbose") {
		t.Fatalf("expected configured params, got %v", args)
	}
	if runner.Defaults().Codec != "flac" {
		t.Fatalf("unexpected defaults: %+v", runner.Defaults())
	}
}

func TestRunRequiresPaths(t *testing.T) {
	runner, err := separator.New("spleeter", 0, separator.WithExecutor(&stubExecutor{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := runner.Run(context.Background(), separator.Request{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewRequiresBinary(t *testing.T) {
	if _, err := separator.New("  ", 0); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestCommandExecutorDrainsBothStreams(t *testing.T) {
	script := writeScript(t, `echo "out line"; echo "err line" 1>&2; exit 3`)

	var mu sync.Mutex
	seen := map[separator.Stream][]string{}
	runner, err := separator.New(script, 10*time.Second, separator.WithOutputHandler(func(s separator.Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		seen[s] = append(seen[s], line)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	code, err := runner.Run(context.Background(), separator.Request{InputPath: "in", OutputDir: "out"})
	if err != nil {
		t.Fatalf("expected non-zero exit to be a status, got error %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if !slices.Equal(seen[separator.Stdout], []string{"out line"}) || !slices.Equal(seen[separator.Stderr], []string{"err line"}) {
		t.Fatalf("unexpected stream capture: %v", seen)
	}
}

func TestCommandExecutorLaunchFailure(t *testing.T) {
	runner, err := separator.New(filepath.Join(t.TempDir(), "missing-binary"), time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = runner.Run(context.Background(), separator.Request{InputPath: "in", OutputDir: "out"})
	if !errors.Is(err, services.ErrLaunch) {
		t.Fatalf("expected launch failure, got %v", err)
	}
}

func TestCommandExecutorTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 10`)
	runner, err := separator.New(script, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	started := time.Now()
	_, err = runner.Run(context.Background(), separator.Request{InputPath: "in", OutputDir: "out"})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("timeout did not stop the child promptly")
	}
}
