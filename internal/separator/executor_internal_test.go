package separator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"annihilator/internal/services"
)

func TestCommandExecutorReleasesPipesHeldByGrandchild(t *testing.T) {
	previous := pipeGrace
	pipeGrace = 200 * time.Millisecond
	t.Cleanup(func() { pipeGrace = previous })

	script := filepath.Join(t.TempDir(), "spleeter")
	// The background sleep inherits stdout and outlives the killed shell.
	body := "#!/bin/sh\nsleep 30 &\necho started\nwait\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := commandExecutor{}.Run(ctx, script, nil, nil)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("drains stayed blocked for %s after cancellation", elapsed)
	}
}
