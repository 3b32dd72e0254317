package separator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"annihilator/internal/services"
)

// Stream identifies which output pipe a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Executor abstracts command execution for testability. Run returns the exit
// status of a process that started; errors are reserved for launch and I/O
// failures.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(Stream, string)) (int, error)
}

const maxLineBytes = 1 << 20

// pipeGrace bounds how long output pipes stay open after cancellation. A
// grandchild that inherited them would otherwise hold the drains open.
var pipeGrace = 10 * time.Second

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(Stream, string)) (int, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.WaitDelay = pipeGrace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, services.Wrap(services.ErrLaunch, "separator", "start", binary, err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader, stream Stream) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if onLine != nil {
				onLine(stream, scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
			// Keep the pipe flowing so the child cannot block on a full buffer.
			_, _ = io.Copy(io.Discard, r)
		}
	}

	stopClose := context.AfterFunc(ctx, func() {
		time.AfterFunc(pipeGrace, func() {
			_ = stdout.Close()
			_ = stderr.Close()
		})
	})
	defer stopClose()

	wg.Add(2)
	go scan(stdout, Stdout)
	go scan(stderr, Stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return -1, services.Wrap(services.ErrTimeout, "separator", "wait", "separation exceeded its time limit", ctxErr)
		}
		return -1, ctxErr
	}
	if scanErr != nil {
		return -1, fmt.Errorf("scan output: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait command: %w", waitErr)
	}
	return 0, nil
}
