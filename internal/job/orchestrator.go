package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"annihilator/internal/config"
	"annihilator/internal/logging"
	"annihilator/internal/progress"
	"annihilator/internal/separator"
	"annihilator/internal/services"
	"annihilator/internal/storage"
)

// Runner executes the separation tool.
type Runner interface {
	Run(ctx context.Context, req separator.Request) (int, error)
}

// Uploader stores a job's output files under a remote prefix and names the
// first file that failed.
type Uploader interface {
	UploadMany(ctx context.Context, files map[string]string, remotePrefix string) (string, bool)
}

// Submission is one uploaded audio file.
type Submission struct {
	// Filename is the client-supplied name; only its extension is used.
	Filename string
	Data     io.Reader
	// Params overrides the configured separator parameters when set.
	Params separator.Params
}

// Settings controls where jobs stage files and how outputs are keyed.
type Settings struct {
	WorkDir   string
	KeyPrefix string
	// Timeout bounds a whole job. Zero disables the bound.
	Timeout time.Duration
}

// SettingsFromConfig derives orchestrator settings from cfg. Uploads get a
// fixed slack on top of the separator timeout.
func SettingsFromConfig(cfg *config.Config) Settings {
	timeout := cfg.SeparatorTimeout()
	if timeout > 0 {
		timeout += uploadSlack
	}
	return Settings{
		WorkDir:   cfg.Paths.WorkDir,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Timeout:   timeout,
	}
}

const (
	uploadSlack = 10 * time.Minute
	// eventBuffer holds every event a job can emit so a slow consumer never
	// holds up cleanup.
	eventBuffer = 8

	MsgProcessingFailed = "processing failed"
	MsgNoOutputFiles    = "no output files generated"
	MsgComplete         = "processing complete"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logging.NewComponentLogger(logger, "job")
		o.tracker = progress.NewTracker(logger)
	}
}

// WithRecorder attaches a job ledger.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithIDGenerator overrides job id creation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// Orchestrator runs separation jobs.
type Orchestrator struct {
	runner   Runner
	uploader Uploader
	settings Settings
	tracker  *progress.Tracker
	logger   *slog.Logger
	recorder Recorder
	newID    func() string
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]progress.Stage
}

// New constructs an orchestrator.
func New(runner Runner, uploader Uploader, settings Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:   runner,
		uploader: uploader,
		settings: settings,
		tracker:  progress.NewTracker(nil),
		logger:   logging.NewComponentLogger(nil, "job"),
		newID:    uuid.NewString,
		active:   make(map[string]progress.Stage),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active returns the in-flight jobs and their current stage.
func (o *Orchestrator) Active() map[string]progress.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]progress.Stage, len(o.active))
	for id, stage := range o.active {
		out[id] = stage
	}
	return out
}

// Wait blocks until every started job has finished its cleanup.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Start launches a job and returns its event stream. The job is cancelled
// when ctx is done or the stream is closed.
func (o *Orchestrator) Start(ctx context.Context, sub Submission) *Stream {
	id := o.newID()
	jobCtx, cancel := context.WithCancel(ctx)
	if o.settings.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, o.settings.Timeout)
		parentCancel := cancel
		cancel = func() {
			timeoutCancel()
			parentCancel()
		}
	}
	jobCtx = services.WithJobID(jobCtx, id)

	events := make(chan progress.Event, eventBuffer)
	done := make(chan struct{})
	stream := &Stream{id: id, events: events, cancel: cancel, done: done}

	w := &worker{o: o, id: id, events: events, logger: logging.WithContext(jobCtx, o.logger)}
	o.track(id, progress.StageNotStarted)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer cancel()
		defer close(events)
		defer o.untrack(id)
		defer w.cleanup()
		defer w.recoverPanic(jobCtx)
		w.run(jobCtx, sub)
	}()
	return stream
}

func (o *Orchestrator) track(id string, stage progress.Stage) {
	o.mu.Lock()
	o.active[id] = stage
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// worker holds the state of one running job.
type worker struct {
	o        *Orchestrator
	id       string
	events   chan<- progress.Event
	logger   *slog.Logger
	dir      string
	filename string
	stems    []string
	finished bool
}

func (w *worker) emit(ctx context.Context, ev progress.Event) {
	stage := ev.CurrentStage()
	w.o.track(w.id, stage)
	w.record(ctx, ev)
	if ev.Terminal() {
		w.finished = true
	}
	// The buffer fits every event of a job, so this only waits if a bug
	// emits more than that.
	select {
	case w.events <- ev:
	case <-ctx.Done():
		select {
		case w.events <- ev:
		default:
			w.logger.Warn("event dropped after cancellation", logging.String("progress_stage", string(stage)))
		}
	}
}

func (w *worker) fail(ctx context.Context, message string, cause error) {
	w.emit(ctx, w.o.tracker.Error(w.stageCtx(ctx, progress.StageError), message, cause))
}

func (w *worker) stageCtx(ctx context.Context, stage progress.Stage) context.Context {
	return services.WithStage(ctx, string(stage))
}

func (w *worker) progress(ctx context.Context, stage progress.Stage, message string, files ...string) {
	w.emit(ctx, w.o.tracker.Progress(w.stageCtx(ctx, stage), stage, message, files...))
}

func (w *worker) run(ctx context.Context, sub Submission) {
	w.filename = filepath.Base(strings.TrimSpace(sub.Filename))
	w.recordStart(ctx)

	if err := separator.ValidateParams(sub.Params); err != nil {
		w.fail(ctx, err.Error(), nil)
		return
	}

	inputPath, outputDir, err := w.prepare(sub)
	if err != nil {
		logging.ErrorWithContext(w.logger, "job preparation failed", "job_prepare_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions on paths.work_dir"))
		w.fail(ctx, err.Error(), nil)
		return
	}
	w.progress(ctx, progress.StagePreparing, "input saved")

	w.progress(ctx, progress.StageRunning, "separation started")
	code, err := w.o.runner.Run(w.stageCtx(ctx, progress.StageRunning), separator.Request{
		InputPath: inputPath,
		OutputDir: outputDir,
		Params:    sub.Params,
	})
	if err != nil {
		w.fail(ctx, err.Error(), nil)
		return
	}
	if code != 0 {
		w.logger.Error("separator exited with failure", logging.Int("exit_code", code))
		w.fail(ctx, MsgProcessingFailed, fmt.Errorf("exit status %d", code))
		return
	}
	w.progress(ctx, progress.StageProcessed, "separation finished")

	files, err := collectOutputs(outputDir)
	if err != nil {
		w.fail(ctx, err.Error(), nil)
		return
	}
	if len(files) == 0 {
		w.fail(ctx, MsgNoOutputFiles, nil)
		return
	}
	w.progress(ctx, progress.StageFinalizing, "collecting outputs")

	stems := sortedKeys(files)
	w.stems = stems
	w.progress(ctx, progress.StageFilesFound, fmt.Sprintf("%d files found", len(stems)), stems...)

	prefix, err := storage.JobPrefix(w.o.settings.KeyPrefix, w.id)
	if err != nil {
		w.fail(ctx, err.Error(), nil)
		return
	}
	uploads := make(map[string]string, len(files))
	stemOf := make(map[string]string, len(files))
	for stem, path := range files {
		name := storage.FileName(stem, path)
		uploads[name] = path
		stemOf[name] = stem
	}
	if failed, ok := w.o.uploader.UploadMany(ctx, uploads, prefix); !ok {
		if err := ctx.Err(); err != nil {
			w.fail(ctx, err.Error(), nil)
			return
		}
		w.fail(ctx, "upload failed for "+stemOf[failed], nil)
		return
	}
	w.emit(ctx, w.o.tracker.Result(w.stageCtx(ctx, progress.StageDone), w.id, MsgComplete))
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// prepare creates the job directory, writes the input as <id><ext>, and
// creates the output directory.
func (w *worker) prepare(sub Submission) (string, string, error) {
	if sub.Data == nil {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "input", "no audio data supplied", nil)
	}
	if err := os.MkdirAll(w.o.settings.WorkDir, 0o755); err != nil {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "work dir", w.o.settings.WorkDir, err)
	}
	dir, err := os.MkdirTemp(w.o.settings.WorkDir, w.id+"-")
	if err != nil {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "job dir", "create working directory", err)
	}
	w.dir = dir

	ext := strings.ToLower(filepath.Ext(w.filename))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	inputPath := filepath.Join(dir, w.id+ext)
	file, err := os.OpenFile(inputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "input", "create input file", err)
	}
	written, copyErr := io.Copy(file, sub.Data)
	closeErr := file.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "input", "write input file", err)
	}
	if written == 0 {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "input", "uploaded file is empty", nil)
	}

	outputDir := filepath.Join(dir, "output")
	if err := os.Mkdir(outputDir, 0o755); err != nil {
		return "", "", services.Wrap(services.ErrValidation, "prepare", "output dir", "create output directory", err)
	}
	w.logger.Info("job input staged",
		logging.String("input_path", inputPath),
		logging.Int64("input_bytes", written),
	)
	return inputPath, outputDir, nil
}

// collectOutputs maps stem name to path for each regular file in dir.
func collectOutputs(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "finalize", "scan outputs", dir, err)
	}
	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if stem == "" {
			continue
		}
		files[stem] = filepath.Join(dir, name)
	}
	return files, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// recoverPanic turns a panic inside the job into a terminal error event.
func (w *worker) recoverPanic(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	w.logger.Error("job panicked",
		logging.Any("panic", r),
		logging.String("stack", string(debug.Stack())),
	)
	if !w.finished {
		w.fail(ctx, fmt.Sprint(r), nil)
	}
}

// cleanup removes the working directory. It runs on every exit path.
func (w *worker) cleanup() {
	if w.dir == "" {
		return
	}
	if err := os.RemoveAll(w.dir); err != nil {
		logging.WarnWithContext(w.logger, "failed to remove working directory", "job_cleanup_failed",
			logging.String("job_dir", w.dir), logging.Error(err))
		return
	}
	w.logger.Debug("working directory removed", logging.String("job_dir", w.dir))
}
