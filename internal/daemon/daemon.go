package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"annihilator/internal/api"
	"annihilator/internal/config"
	"annihilator/internal/history"
	"annihilator/internal/job"
	"annihilator/internal/logging"
	"annihilator/internal/preflight"
	"annihilator/internal/storage"
	"annihilator/internal/workdir"
)

// drainTimeout bounds how long Stop waits for in-flight jobs to clean up.
const drainTimeout = 30 * time.Second

// Daemon coordinates the HTTP API and job processing and enforces
// single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	history *history.Store
	storage *storage.Client
	jobs    *job.Orchestrator
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool
	PID           int
	HistoryDBPath string
	LockFilePath  string
	Active        map[string]string
	Checks        []preflight.Result
}

// New constructs a daemon with initialized dependencies. store may be nil
// when the job ledger is disabled.
func New(cfg *config.Config, logger *slog.Logger, store *history.Store, client *storage.Client, jobs *job.Orchestrator) (*Daemon, error) {
	if cfg == nil || client == nil || jobs == nil {
		return nil, errors.New("daemon requires config, storage client, and job orchestrator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		history:  store,
		storage:  client,
		jobs:     jobs,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, runs preflight checks, and starts serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another annihilator daemon instance is already running")
	}

	if d.history != nil {
		if n, err := d.history.MarkInterrupted(ctx); err != nil {
			d.logger.Warn("failed to close out interrupted jobs", logging.Error(err))
		} else if n > 0 {
			d.logger.Info("marked interrupted jobs as failed", logging.Int64("count", n))
		}
	}

	active := make(map[string]struct{})
	for id := range d.jobs.Active() {
		active[id] = struct{}{}
	}
	if swept := workdir.CleanOrphaned(ctx, d.cfg.Paths.WorkDir, active, d.logger); len(swept.Removed) > 0 {
		d.logger.Info("reclaimed leftover work directories", logging.Int("count", len(swept.Removed)))
	}

	for _, check := range preflight.Failed(preflight.RunAll(ctx, d.cfg, d.storage)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldErrorHint, "jobs will fail until this is fixed"),
		)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.api.start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start api server: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("annihilator daemon started",
		logging.String("lock", d.lockPath),
		logging.String("address", d.api.address()),
	)
	return nil
}

// Stop stops serving, waits for in-flight jobs to clean up, and releases the
// daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()

	drained := make(chan struct{})
	go func() {
		d.jobs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		d.logger.Warn("jobs still running after shutdown timeout", logging.Int("active", len(d.jobs.Active())))
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("annihilator daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.history != nil {
		return d.history.Close()
	}
	return nil
}

// Address returns the address the API listens on, or "" before Start.
func (d *Daemon) Address() string {
	return d.api.address()
}

// Handler exposes the HTTP handler, mainly for tests.
func (d *Daemon) Handler() http.Handler {
	return d.api.engine
}

// Status returns the current daemon status. Preflight checks run only when
// withChecks is set because they touch the object store.
func (d *Daemon) Status(ctx context.Context, withChecks bool) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		Active:       make(map[string]string),
	}
	if d.history != nil {
		status.HistoryDBPath = d.history.Path()
	}
	for id, stage := range d.jobs.Active() {
		status.Active[id] = string(stage)
	}
	if withChecks {
		status.Checks = preflight.RunAll(ctx, d.cfg, d.storage)
	}
	return status
}

func (d *Daemon) apiStatus(ctx context.Context, withChecks bool) api.DaemonStatus {
	status := d.Status(ctx, withChecks)
	payload := api.DaemonStatus{
		Running:       status.Running,
		PID:           status.PID,
		HistoryDBPath: status.HistoryDBPath,
		LockFilePath:  status.LockFilePath,
		ActiveJobs:    api.ActiveJobs(d.jobs.Active()),
		Storage: api.StorageStatus{
			Endpoint:    d.cfg.Storage.Endpoint,
			Bucket:      d.cfg.Storage.Bucket,
			Initialized: d.storage.IsInitialized(),
		},
		Dependencies: api.FromDependencies(preflight.CheckSystemDeps(d.cfg)),
		Checks:       api.FromChecks(status.Checks),
	}
	if count, size, err := workdir.Usage(d.cfg.Paths.WorkDir); err == nil {
		payload.WorkDirs = api.WorkDirStatus{Path: d.cfg.Paths.WorkDir, Count: count, Bytes: size}
	}
	if svc := d.api.jobs; svc != nil {
		if counts, err := svc.Counts(ctx); err == nil {
			payload.JobCounts = counts
		}
	}
	return payload
}
