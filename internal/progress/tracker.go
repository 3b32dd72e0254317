package progress

import (
	"context"
	"log/slog"

	"annihilator/internal/logging"
)

// Tracker shapes events and logs each one as it is created.
type Tracker struct {
	logger *slog.Logger
}

// NewTracker returns a tracker logging through logger. A nil logger disables logging.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logging.NewComponentLogger(logger, "progress")}
}

// Progress builds a progress event for stage.
func (t *Tracker) Progress(ctx context.Context, stage Stage, message string, files ...string) Progress {
	ev := Progress{Stage: stage, Message: message, Files: files}
	attrs := []logging.Attr{
		logging.String("progress_stage", string(stage)),
		logging.Int("progress_percent", stage.Percent()),
	}
	if len(files) > 0 {
		attrs = append(attrs, logging.Strings("files", files))
	}
	t.log(ctx, slog.LevelInfo, "progress: "+stage.Label()+messageSuffix(message), attrs...)
	return ev
}

// Error builds a terminal error event. A non-nil cause is kept as detail.
func (t *Tracker) Error(ctx context.Context, message string, cause error) Error {
	ev := Error{Message: message}
	attrs := []logging.Attr{logging.String("progress_stage", string(StageError))}
	if cause != nil {
		ev.Detail = cause.Error()
		attrs = append(attrs, logging.Error(cause))
	}
	t.log(ctx, slog.LevelError, "error: "+message, attrs...)
	return ev
}

// Result builds the terminal success event for job id.
func (t *Tracker) Result(ctx context.Context, id, message string) Result {
	t.log(ctx, slog.LevelInfo, "result"+messageSuffix(message),
		logging.String("progress_stage", string(StageDone)),
		logging.String("result", id),
	)
	return Result{ID: id, Message: message}
}

func (t *Tracker) log(ctx context.Context, level slog.Level, msg string, attrs ...logging.Attr) {
	if t == nil || t.logger == nil {
		return
	}
	logging.WithContext(ctx, t.logger).Log(ctx, level, msg, logging.Args(attrs...)...)
}

func messageSuffix(message string) string {
	if message == "" {
		return ""
	}
	return " - " + message
}
