package separator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"annihilator/internal/config"
	"annihilator/internal/logging"
	"annihilator/internal/services"
)

const (
	DefaultModel   = "2stems"
	DefaultCodec   = "mp3"
	DefaultBitrate = "192k"
)

// Params selects the separation model and output encoding.
type Params struct {
	Model   string
	Codec   string
	Bitrate string
	Verbose bool
}

func (p Params) withDefaults() Params {
	if strings.TrimSpace(p.Model) == "" {
		p.Model = DefaultModel
	}
	if strings.TrimSpace(p.Codec) == "" {
		p.Codec = DefaultCodec
	}
	if strings.TrimSpace(p.Bitrate) == "" {
		p.Bitrate = DefaultBitrate
	}
	return p
}

// Request describes one separation run.
type Request struct {
	InputPath string
	OutputDir string
	Params    Params
}

// Option configures the runner.
type Option func(*Runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *Runner) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// WithLogger attaches a logger that receives every output line.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logging.NewComponentLogger(logger, "separator")
	}
}

// WithOutputHandler registers a callback invoked for each output line.
func WithOutputHandler(fn func(Stream, string)) Option {
	return func(r *Runner) {
		r.onOutput = fn
	}
}

// Runner wraps spleeter CLI interactions.
type Runner struct {
	binary   string
	timeout  time.Duration
	params   Params
	exec     Executor
	logger   *slog.Logger
	onOutput func(Stream, string)
}

// New constructs a runner. A zero timeout leaves runs unbounded.
func New(binary string, timeout time.Duration, opts ...Option) (*Runner, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("separator binary required")
	}
	r := &Runner{
		binary:  binary,
		timeout: timeout,
		exec:    commandExecutor{},
		logger:  logging.NewComponentLogger(nil, "separator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewFromConfig builds a runner from the separator section of cfg.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Runner, error) {
	r, err := New(cfg.Separator.Binary, cfg.SeparatorTimeout(), opts...)
	if err != nil {
		return nil, err
	}
	r.params = Params{
		Model:   cfg.Separator.Model,
		Codec:   cfg.Separator.Codec,
		Bitrate: cfg.Separator.Bitrate,
		Verbose: cfg.Separator.Verbose,
	}
	return r, nil
}

// Binary returns the executable the runner invokes.
func (r *Runner) Binary() string {
	return r.binary
}

// Defaults returns the parameters applied when a request leaves them empty.
func (r *Runner) Defaults() Params {
	return r.params.withDefaults()
}

// BuildArgs renders the spleeter argument vector for req.
func BuildArgs(req Request) []string {
	p := req.Params.withDefaults()
	args := []string{
		"separate",
		"-p", "spleeter:" + p.Model,
		"-c", p.Codec,
		"-b", p.Bitrate,
		"-o", req.OutputDir,
		"-f", "{instrument}.{codec}",
		req.InputPath,
	}
	if p.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// Run executes the separator and returns its exit status. A non-zero status
// is not an error.
func (r *Runner) Run(ctx context.Context, req Request) (int, error) {
	if req.InputPath == "" || req.OutputDir == "" {
		return -1, services.Wrap(services.ErrValidation, "separator", "run", "input path and output directory required", nil)
	}
	req.Params = r.merge(req.Params)

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	logger := logging.WithContext(ctx, r.logger)
	args := BuildArgs(req)
	logger.Info("starting separator",
		logging.String("command", r.binary+" "+strings.Join(args, " ")),
		logging.Duration("timeout", r.timeout),
	)

	started := time.Now()
	code, err := r.exec.Run(runCtx, r.binary, args, func(stream Stream, line string) {
		logger.Info(strings.ToUpper(string(stream))+": "+line, logging.String("stream", string(stream)))
		if r.onOutput != nil {
			r.onOutput(stream, line)
		}
	})
	if err != nil {
		logging.ErrorWithContext(logger, "separator failed", "separator_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify the spleeter installation and model files"),
		)
		return code, err
	}
	logger.Info("separator finished",
		logging.Int("exit_code", code),
		logging.Duration("elapsed", time.Since(started)),
	)
	return code, nil
}

func (r *Runner) merge(p Params) Params {
	if p.Model == "" {
		p.Model = r.params.Model
	}
	if p.Codec == "" {
		p.Codec = r.params.Codec
	}
	if p.Bitrate == "" {
		p.Bitrate = r.params.Bitrate
	}
	if !p.Verbose {
		p.Verbose = r.params.Verbose
	}
	return p.withDefaults()
}

var supportedCodecs = []string{"wav", "mp3", "ogg", "m4a", "wma", "flac"}

// ValidateParams rejects codecs and bitrates spleeter cannot produce. Empty
// fields are allowed and fall back to defaults.
func ValidateParams(p Params) error {
	if p.Codec != "" && !slices.Contains(supportedCodecs, strings.ToLower(p.Codec)) {
		return services.Wrap(services.ErrValidation, "separator", "params",
			"unsupported codec "+p.Codec, nil)
	}
	if p.Bitrate != "" && !strings.HasSuffix(p.Bitrate, "k") {
		return services.Wrap(services.ErrValidation, "separator", "params",
			"bitrate must look like 192k", nil)
	}
	if strings.ContainsAny(p.Model, " /\t") {
		return services.Wrap(services.ErrValidation, "separator", "params",
			"invalid model "+p.Model, nil)
	}
	return nil
}
