package daemonctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"annihilator/internal/api"
	"annihilator/internal/config"
	"annihilator/internal/history"
	"annihilator/internal/preflight"
	"annihilator/internal/storage"
	"annihilator/internal/workdir"
)

// ErrDaemonNotRunning indicates no daemon holds the instance lock.
var ErrDaemonNotRunning = errors.New("daemon not running")

// PIDPath returns the pid file written by a running daemon.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "annihilator.pid")
}

// WritePIDFile records the current process id at path.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ProcessInfo reports whether a daemon holds the instance lock and its pid
// when the pid file is readable.
func ProcessInfo(cfg *config.Config) (bool, int, error) {
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("probe daemon lock: %w", err)
	}
	if ok {
		_ = lock.Unlock()
		return false, 0, nil
	}
	pid, _ := readPID(PIDPath(cfg))
	return true, pid, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", path)
	}
	return pid, nil
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Stop sends SIGTERM to the running daemon and escalates to SIGKILL when the
// lock is still held after gracePeriod.
func Stop(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	running, pid, err := ProcessInfo(cfg)
	if err != nil {
		return StopResult{}, err
	}
	if !running {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid <= 0 {
		return StopResult{}, fmt.Errorf("unable to determine daemon pid (pid file: %s)", PIDPath(cfg))
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return StopResult{}, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	result := StopResult{PID: pid}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitForRelease(cfg, gracePeriod) {
		return result, nil
	}
	if err := proc.Kill(); err != nil {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(PIDPath(cfg)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file: %w", err)
	}
	result.ForcedKill = true
	return result, nil
}

func waitForRelease(cfg *config.Config, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		running, _, err := ProcessInfo(cfg)
		if err == nil && !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// StatusURL derives the daemon status endpoint from the bind address.
func StatusURL(cfg *config.Config) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(cfg.Paths.APIBind))
	if err != nil {
		return "", fmt.Errorf("parse api bind %q: %w", cfg.Paths.APIBind, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/status", nil
}

// FetchStatus queries a running daemon over HTTP.
func FetchStatus(ctx context.Context, cfg *config.Config) (*api.DaemonStatus, error) {
	url, err := StatusURL(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"?checks=1", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("query daemon status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query daemon status: unexpected status %s", resp.Status)
	}
	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode daemon status: %w", err)
	}
	return &status, nil
}

// BuildStatusSnapshot returns the daemon's own status when it answers, and
// otherwise assembles an offline view from local checks and the ledger.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config, client *storage.Client) (*api.DaemonStatus, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	if running, _, _ := ProcessInfo(cfg); running {
		if status, err := FetchStatus(ctx, cfg); err == nil {
			return status, nil
		}
	}

	status := &api.DaemonStatus{
		LockFilePath: cfg.LockPath(),
		ActiveJobs:   []api.ActiveJob{},
		Storage: api.StorageStatus{
			Endpoint: cfg.Storage.Endpoint,
			Bucket:   cfg.Storage.Bucket,
		},
		Dependencies: api.FromDependencies(preflight.CheckSystemDeps(cfg)),
		Checks:       api.FromChecks(preflight.RunAll(ctx, cfg, client)),
	}
	if count, size, err := workdir.Usage(cfg.Paths.WorkDir); err == nil {
		status.WorkDirs = api.WorkDirStatus{Path: cfg.Paths.WorkDir, Count: count, Bytes: size}
	}
	if client != nil {
		status.Storage.Initialized = client.IsInitialized()
	}
	if cfg.History.Enabled {
		status.HistoryDBPath = cfg.HistoryPath()
		if _, err := os.Stat(status.HistoryDBPath); err == nil {
			queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if store, err := history.Open(cfg); err == nil {
				if counts, err := store.Counts(queryCtx); err == nil {
					status.JobCounts = api.MergeStageCounts(counts)
				}
				_ = store.Close()
			}
		}
	}
	return status, nil
}
