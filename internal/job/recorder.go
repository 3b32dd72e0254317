package job

import (
	"context"
	"time"

	"annihilator/internal/logging"
	"annihilator/internal/progress"
)

// Record is a ledger entry for one job.
type Record struct {
	ID        string
	Filename  string
	Stage     progress.Stage
	Message   string
	Stems     []string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Recorder persists job lifecycle transitions. Failures are logged and never
// affect the job.
type Recorder interface {
	JobStarted(ctx context.Context, rec Record) error
	JobStage(ctx context.Context, id string, stage progress.Stage, message string) error
	JobFinished(ctx context.Context, rec Record) error
}

func (w *worker) recordStart(ctx context.Context) {
	if w.o.recorder == nil {
		return
	}
	now := time.Now().UTC()
	rec := Record{ID: w.id, Filename: w.filename, Stage: progress.StageNotStarted, StartedAt: now, UpdatedAt: now}
	if err := w.o.recorder.JobStarted(context.WithoutCancel(ctx), rec); err != nil {
		logging.WarnWithContext(w.logger, "job ledger write failed", "history_write_failed", logging.Error(err))
	}
}

func (w *worker) record(ctx context.Context, ev progress.Event) {
	if w.o.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	switch e := ev.(type) {
	case progress.Progress:
		err = w.o.recorder.JobStage(ctx, w.id, e.Stage, e.Message)
	case progress.Error:
		err = w.o.recorder.JobFinished(ctx, Record{ID: w.id, Stage: progress.StageError, Message: e.Message, Stems: w.stems, UpdatedAt: time.Now().UTC()})
	case progress.Result:
		err = w.o.recorder.JobFinished(ctx, Record{ID: w.id, Stage: progress.StageDone, Message: e.Message, Stems: w.stems, UpdatedAt: time.Now().UTC()})
	}
	if err != nil {
		logging.WarnWithContext(w.logger, "job ledger write failed", "history_write_failed", logging.Error(err))
	}
}
