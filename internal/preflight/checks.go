package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"annihilator/internal/config"
	"annihilator/internal/deps"
	"annihilator/internal/services"
	"annihilator/internal/storage"
)

const storageCheckTimeout = 10 * time.Second

// CheckStorage verifies the object store is reachable and the bucket exists,
// initializing the shared client on first use.
func CheckStorage(ctx context.Context, client *storage.Client, settings storage.Settings) Result {
	name := "Object storage"
	if settings.Bucket != "" {
		name = fmt.Sprintf("Object storage (%s)", settings.Bucket)
	}

	checkCtx, cancel := context.WithTimeout(ctx, storageCheckTimeout)
	defer cancel()

	if _, err := client.Acquire(checkCtx, settings); err != nil {
		return Result{Name: name, Detail: summarizeStorageError(err)}
	}
	ok, err := client.CheckConnection(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeStorageError(err)}
	}
	if !ok {
		return Result{Name: name, Detail: "endpoint unreachable"}
	}
	return Result{Name: name, Passed: true, Detail: settings.Endpoint}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the external binaries a separation run needs.
// Both the daemon and the CLI status command use this list.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "spleeter",
			Command:     cfg.Separator.Binary,
			Description: "Required for stem separation",
		},
	})
	return append(statuses, deps.CheckFFmpegForSeparator(cfg.Separator.Binary))
}

func summarizeStorageError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "storage check timed out (endpoint unresponsive)"
	case errors.Is(err, services.ErrConfiguration):
		return "storage not configured: " + err.Error()
	case errors.Is(err, services.ErrProvisioning):
		return "bucket unavailable: " + err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "storage check timed out (endpoint unreachable)"
	}
	return err.Error()
}
