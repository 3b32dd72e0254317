package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"annihilator/internal/logging"
)

const pollInterval = 250 * time.Millisecond

// TailOptions selects which lines Tail returns. A negative Offset means
// "the last Limit lines".
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	// JobID keeps only lines tagged with this job.
	JobID string
}

// TailResult carries the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads path according to opts. A missing file yields no lines.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.Follow && opts.Wait > 0 {
				return waitForLines(ctx, path, 0, opts)
			}
			return TailResult{}, nil
		}
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}
	opts.Wait = max(opts.Wait, 0)

	var lines []string
	var offset int64
	if opts.Offset < 0 {
		lines, offset, err = readLast(path, opts.Limit, opts.JobID)
	} else {
		offset = min(opts.Offset, info.Size())
		lines, offset, err = readFrom(path, offset, opts.JobID)
	}
	if err != nil {
		return TailResult{Offset: opts.Offset}, err
	}
	if len(lines) == 0 && opts.Follow && opts.Wait > 0 {
		return waitForLines(ctx, path, offset, opts)
	}
	return TailResult{Lines: lines, Offset: offset}, nil
}

// MatchesJob reports whether a console or JSON log line carries jobID.
func MatchesJob(line, jobID string) bool {
	if jobID == "" {
		return true
	}
	if strings.Contains(line, `"`+logging.FieldJobID+`":"`+jobID+`"`) {
		return true
	}
	// Console headers carry at most the first eight characters of the id.
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return strings.Contains(line, "Job "+short+" ") || strings.HasSuffix(line, "Job "+short)
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func readLast(path string, limit int, jobID string) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	ring := make([]string, 0, limit)
	scanner := newScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !MatchesJob(line, jobID) {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	end, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	return ring, end, nil
}

// readFrom returns complete lines after offset. A trailing partial line is
// left for the next read.
func readFrom(path string, offset int64, jobID string) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek log file: %w", err)
	}
	reader := bufio.NewReader(file)
	var lines []string
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, offset, nil
			}
			return nil, offset, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(raw))
		if line := strings.TrimRight(raw, "\r\n"); MatchesJob(line, jobID) {
			lines = append(lines, line)
		}
	}
}

func waitForLines(ctx context.Context, path string, offset int64, opts TailOptions) (TailResult, error) {
	deadline := time.Now().Add(opts.Wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		lines, next, err := readFrom(path, offset, opts.JobID)
		if err != nil {
			return TailResult{Offset: offset}, err
		}
		offset = next
		if len(lines) > 0 || time.Now().After(deadline) {
			return TailResult{Lines: lines, Offset: offset}, nil
		}
		select {
		case <-ctx.Done():
			return TailResult{Offset: offset}, ctx.Err()
		case <-ticker.C:
		}
	}
}
