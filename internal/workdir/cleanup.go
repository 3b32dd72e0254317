package workdir

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"annihilator/internal/logging"
)

// Result contains the outcome of a sweep.
type Result struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// DirInfo describes one job work directory.
type DirInfo struct {
	Name    string
	JobID   string
	Path    string
	ModTime time.Time
	Size    int64
}

// uuidLen is the length of a job id in its canonical text form.
const uuidLen = 36

// JobID extracts the job id from a "<uuid>-<suffix>" work directory name.
// Anything else yields "" and is never swept.
func JobID(name string) string {
	if len(name) <= uuidLen+1 || name[uuidLen] != '-' {
		return ""
	}
	id := name[:uuidLen]
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

// CleanOrphaned removes work directories whose job is not in active.
func CleanOrphaned(ctx context.Context, workDir string, active map[string]struct{}, logger *slog.Logger) Result {
	return sweep(ctx, workDir, logger, "orphaned", func(entry os.DirEntry, _ os.FileInfo) bool {
		id := JobID(entry.Name())
		if id == "" {
			return false
		}
		_, running := active[id]
		return !running
	})
}

// CleanStale removes work directories last modified before maxAge ago.
func CleanStale(ctx context.Context, workDir string, maxAge time.Duration, logger *slog.Logger) Result {
	cutoff := time.Now().Add(-maxAge)
	return sweep(ctx, workDir, logger, "stale", func(entry os.DirEntry, info os.FileInfo) bool {
		return JobID(entry.Name()) != "" && info.ModTime().Before(cutoff)
	})
}

func sweep(ctx context.Context, workDir string, logger *slog.Logger, reason string, remove func(os.DirEntry, os.FileInfo) bool) Result {
	var result Result
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: workDir, Error: err})
		}
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(workDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			continue
		}
		if !remove(entry, info) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			logging.WarnWithContext(logger, "failed to remove "+reason+" work directory", "workdir_cleanup_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check work_dir permissions"),
			)
			continue
		}
		result.Removed = append(result.Removed, path)
		logger.Info("removed "+reason+" work directory",
			logging.String("path", path),
			logging.String(logging.FieldJobID, JobID(entry.Name())),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "workdir_cleanup"),
		)
	}
	return result
}

// List returns every job work directory with its size. Directories that do
// not carry a job id are skipped.
func List(workDir string) ([]DirInfo, error) {
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() || JobID(entry.Name()) == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(workDir, entry.Name())
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			JobID:   JobID(entry.Name()),
			Path:    path,
			ModTime: info.ModTime(),
			Size:    dirSize(path),
		})
	}
	return dirs, nil
}

// Usage sums List into a directory count and total bytes.
func Usage(workDir string) (int, int64, error) {
	dirs, err := List(workDir)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, dir := range dirs {
		total += dir.Size
	}
	return len(dirs), total, nil
}

// dirSize is best effort; unreadable entries are skipped.
func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
