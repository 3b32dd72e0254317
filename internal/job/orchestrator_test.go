package job_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"annihilator/internal/job"
	"annihilator/internal/progress"
	"annihilator/internal/separator"
	"annihilator/internal/services"
)

type fakeRunner struct {
	mu      sync.Mutex
	stems   []string
	codec   string
	code    int
	err     error
	panicOn bool
	block   bool
	reqs    []separator.Request
}

func (f *fakeRunner) Run(ctx context.Context, req separator.Request) (int, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.panicOn {
		panic("separator exploded")
	}
	if f.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if f.err != nil {
		return -1, f.err
	}
	codec := f.codec
	if codec == "" {
		codec = "mp3"
	}
	for _, stem := range f.stems {
		if err := os.WriteFile(filepath.Join(req.OutputDir, stem+"."+codec), []byte(stem), 0o644); err != nil {
			return -1, err
		}
	}
	return f.code, nil
}

func (f *fakeRunner) lastRequest() separator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeUploader struct {
	mu     sync.Mutex
	failAt int
	keys   []string
	stored map[string][]byte
}

func (f *fakeUploader) UploadMany(ctx context.Context, files map[string]string, remotePrefix string) (string, bool) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if ctx.Err() != nil || !f.upload(files[name], remotePrefix+"/"+name) {
			return name, false
		}
	}
	return "", true
}

func (f *fakeUploader) upload(localPath, remoteKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, remoteKey)
	if f.failAt == len(f.keys) {
		return false
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return false
	}
	if f.stored == nil {
		f.stored = map[string][]byte{}
	}
	f.stored[remoteKey] = data
	return true
}

func (f *fakeUploader) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

type harness struct {
	workDir  string
	runner   *fakeRunner
	uploader *fakeUploader
	orch     *job.Orchestrator
}

func newHarness(t *testing.T, runner *fakeRunner, uploader *fakeUploader, opts ...job.Option) *harness {
	t.Helper()
	workDir := filepath.Join(t.TempDir(), "work")
	opts = append([]job.Option{job.WithIDGenerator(func() string { return "J" })}, opts...)
	orch := job.New(runner, uploader, job.Settings{WorkDir: workDir, KeyPrefix: "processed", Timeout: time.Minute}, opts...)
	return &harness{workDir: workDir, runner: runner, uploader: uploader, orch: orch}
}

func (h *harness) run(t *testing.T, name, body string) []progress.Event {
	t.Helper()
	stream := h.orch.Start(context.Background(), job.Submission{Filename: name, Data: strings.NewReader(body)})
	var events []progress.Event
	for ev := range stream.All() {
		events = append(events, ev)
	}
	return events
}

func stagesOf(events []progress.Event) []progress.Stage {
	out := make([]progress.Stage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.CurrentStage())
	}
	return out
}

// assertWellFormed checks the stages form a prefix of the success path
// followed by exactly one terminal event.
func assertWellFormed(t *testing.T, events []progress.Event) {
	t.Helper()
	success := []progress.Stage{
		progress.StagePreparing, progress.StageRunning, progress.StageProcessed,
		progress.StageFinalizing, progress.StageFilesFound,
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	body := events[:len(events)-1]
	for i, ev := range body {
		if ev.Terminal() {
			t.Fatalf("terminal event before the end: %v", stagesOf(events))
		}
		if i >= len(success) || ev.CurrentStage() != success[i] {
			t.Fatalf("stage sequence is not a prefix of the success path: %v", stagesOf(events))
		}
	}
	if !events[len(events)-1].Terminal() {
		t.Fatalf("expected terminal last event, got %v", stagesOf(events))
	}
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected work dir to be empty after stream end, found %d entries", len(entries))
	}
}

func TestSuccessfulJobUploadsEveryStem(t *testing.T) {
	h := newHarness(t, &fakeRunner{stems: []string{"vocals", "drums", "bass"}}, &fakeUploader{})
	events := h.run(t, "song.MP3", "audio-bytes")

	assertWellFormed(t, events)
	want := []progress.Stage{
		progress.StagePreparing, progress.StageRunning, progress.StageProcessed,
		progress.StageFinalizing, progress.StageFilesFound, progress.StageDone,
	}
	if got := stagesOf(events); !slices.Equal(got, want) {
		t.Fatalf("unexpected stages %v", got)
	}
	result, ok := events[len(events)-1].(progress.Result)
	if !ok {
		t.Fatalf("expected Result, got %#v", events[len(events)-1])
	}
	if result.ID != "J" || result.Message != job.MsgComplete {
		t.Fatalf("unexpected result %#v", result)
	}

	files := events[4].(progress.Progress).Files
	if !slices.Equal(files, []string{"bass", "drums", "vocals"}) {
		t.Fatalf("unexpected FILES_FOUND payload %v", files)
	}

	for _, key := range []string{"processed/J/vocals.mp3", "processed/J/drums.mp3", "processed/J/bass.mp3"} {
		if _, ok := h.uploader.stored[key]; !ok {
			t.Fatalf("expected key %s in store, have %v", key, h.uploader.keys)
		}
	}

	req := h.runner.lastRequest()
	if filepath.Base(req.InputPath) != "J.mp3" {
		t.Fatalf("expected job-scoped input name, got %q", req.InputPath)
	}
	if _, err := os.Stat(filepath.Dir(req.InputPath)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected job dir removed, stat err=%v", err)
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestNonZeroExitSkipsUploads(t *testing.T) {
	h := newHarness(t, &fakeRunner{stems: []string{"vocals"}, code: 1}, &fakeUploader{})
	events := h.run(t, "song.wav", "audio")

	assertWellFormed(t, events)
	last, ok := events[len(events)-1].(progress.Error)
	if !ok || last.Message != job.MsgProcessingFailed {
		t.Fatalf("expected processing failed error, got %#v", events[len(events)-1])
	}
	if h.uploader.attempts() != 0 {
		t.Fatalf("expected zero uploads, got %d", h.uploader.attempts())
	}
	if slices.Contains(stagesOf(events), progress.StageProcessed) {
		t.Fatalf("PROCESSED must not be emitted after a failed run: %v", stagesOf(events))
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestNoOutputFilesIsAnError(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, &fakeUploader{})
	events := h.run(t, "song.wav", "audio")

	assertWellFormed(t, events)
	last, ok := events[len(events)-1].(progress.Error)
	if !ok || last.Message != job.MsgNoOutputFiles {
		t.Fatalf("expected no output files error, got %#v", events[len(events)-1])
	}
	if h.uploader.attempts() != 0 {
		t.Fatalf("expected zero uploads, got %d", h.uploader.attempts())
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestUploadFailureStopsRemainingUploads(t *testing.T) {
	h := newHarness(t, &fakeRunner{stems: []string{"bass", "drums", "vocals"}}, &fakeUploader{failAt: 2})
	events := h.run(t, "song.wav", "audio")

	assertWellFormed(t, events)
	if h.uploader.attempts() != 2 {
		t.Fatalf("expected exactly two upload attempts, got %d (%v)", h.uploader.attempts(), h.uploader.keys)
	}
	last, ok := events[len(events)-1].(progress.Error)
	if !ok || last.Message != "upload failed for drums" {
		t.Fatalf("expected upload failure for drums, got %#v", events[len(events)-1])
	}
	if _, ok := h.uploader.stored["processed/J/bass.mp3"]; !ok {
		t.Fatal("expected the first upload to remain in place")
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestLaunchFailureBecomesErrorEvent(t *testing.T) {
	launchErr := services.Wrap(services.ErrLaunch, "separator", "start", "spleeter", os.ErrNotExist)
	h := newHarness(t, &fakeRunner{err: launchErr}, &fakeUploader{})
	events := h.run(t, "song.wav", "audio")

	assertWellFormed(t, events)
	last, ok := events[len(events)-1].(progress.Error)
	if !ok || !strings.Contains(last.Message, "launch failure") {
		t.Fatalf("expected launch failure message, got %#v", events[len(events)-1])
	}
	if h.uploader.attempts() != 0 {
		t.Fatal("expected no uploads after launch failure")
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestPanicIsConvertedAndCleanedUp(t *testing.T) {
	h := newHarness(t, &fakeRunner{panicOn: true}, &fakeUploader{})
	events := h.run(t, "song.wav", "audio")

	assertWellFormed(t, events)
	last, ok := events[len(events)-1].(progress.Error)
	if !ok || last.Message != "separator exploded" {
		t.Fatalf("expected panic message in error event, got %#v", events[len(events)-1])
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestEmptyUploadFailsDuringPreparation(t *testing.T) {
	h := newHarness(t, &fakeRunner{stems: []string{"vocals"}}, &fakeUploader{})
	events := h.run(t, "song.wav", "")

	if len(events) != 1 {
		t.Fatalf("expected a single error event, got %v", stagesOf(events))
	}
	if _, ok := events[0].(progress.Error); !ok {
		t.Fatalf("expected error event, got %#v", events[0])
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestInvalidParamsRejected(t *testing.T) {
	h := newHarness(t, &fakeRunner{stems: []string{"vocals"}}, &fakeUploader{})
	stream := h.orch.Start(context.Background(), job.Submission{
		Filename: "song.wav",
		Data:     strings.NewReader("audio"),
		Params:   separator.Params{Codec: "aiff"},
	})
	var events []progress.Event
	for ev := range stream.All() {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].CurrentStage() != progress.StageError {
		t.Fatalf("expected immediate error, got %v", stagesOf(events))
	}
}

func TestCloseCancelsRunningJobAndCleansUp(t *testing.T) {
	h := newHarness(t, &fakeRunner{block: true}, &fakeUploader{})
	stream := h.orch.Start(context.Background(), job.Submission{Filename: "song.wav", Data: strings.NewReader("audio")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			t.Fatal("stream ended before RUNNING")
		}
		if ev.CurrentStage() == progress.StageRunning {
			break
		}
	}

	closed := make(chan struct{})
	go func() {
		stream.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after cancelling the job")
	}
	assertWorkDirEmpty(t, h.workDir)
	if len(h.orch.Active()) != 0 {
		t.Fatalf("expected no active jobs, got %v", h.orch.Active())
	}
	stream.Close()
}

func TestJobTimeoutEndsWithError(t *testing.T) {
	runner := &fakeRunner{block: true}
	workDir := filepath.Join(t.TempDir(), "work")
	orch := job.New(runner, &fakeUploader{}, job.Settings{WorkDir: workDir, KeyPrefix: "processed", Timeout: 50 * time.Millisecond})
	stream := orch.Start(context.Background(), job.Submission{Filename: "a.wav", Data: strings.NewReader("audio")})

	var events []progress.Event
	for ev := range stream.All() {
		events = append(events, ev)
	}
	assertWellFormed(t, events)
	if _, ok := events[len(events)-1].(progress.Error); !ok {
		t.Fatalf("expected error after timeout, got %#v", events[len(events)-1])
	}
	assertWorkDirEmpty(t, workDir)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	runner := &fakeRunner{stems: []string{"accompaniment", "vocals"}}
	uploader := &fakeUploader{}
	workDir := filepath.Join(t.TempDir(), "work")
	var counter int
	var mu sync.Mutex
	orch := job.New(runner, uploader, job.Settings{WorkDir: workDir, KeyPrefix: "processed"},
		job.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			counter++
			return "job-" + string(rune('a'+counter))
		}))

	var wg sync.WaitGroup
	results := make([][]progress.Event, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := orch.Start(context.Background(), job.Submission{Filename: "x.mp3", Data: strings.NewReader("audio")})
			for ev := range stream.All() {
				results[i] = append(results[i], ev)
			}
		}()
	}
	wg.Wait()
	orch.Wait()

	for i, events := range results {
		assertWellFormed(t, events)
		if _, ok := events[len(events)-1].(progress.Result); !ok {
			t.Fatalf("job %d did not succeed: %v", i, stagesOf(events))
		}
	}
	if uploader.attempts() != 8 {
		t.Fatalf("expected 8 uploads, got %d", uploader.attempts())
	}
	assertWorkDirEmpty(t, workDir)
}

type memoryRecorder struct {
	mu       sync.Mutex
	started  []job.Record
	stages   []progress.Stage
	finished []job.Record
	fail     bool
}

func (m *memoryRecorder) JobStarted(_ context.Context, rec job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, rec)
	if m.fail {
		return errors.New("ledger offline")
	}
	return nil
}

func (m *memoryRecorder) JobStage(_ context.Context, _ string, stage progress.Stage, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
	if m.fail {
		return errors.New("ledger offline")
	}
	return nil
}

func (m *memoryRecorder) JobFinished(_ context.Context, rec job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, rec)
	if m.fail {
		return errors.New("ledger offline")
	}
	return nil
}

func TestRecorderReceivesLifecycle(t *testing.T) {
	rec := &memoryRecorder{}
	h := newHarness(t, &fakeRunner{stems: []string{"vocals"}}, &fakeUploader{}, job.WithRecorder(rec))
	h.run(t, "track.flac", "audio")

	if len(rec.started) != 1 || rec.started[0].Filename != "track.flac" {
		t.Fatalf("unexpected start records %#v", rec.started)
	}
	if len(rec.stages) != 5 {
		t.Fatalf("expected five stage records, got %v", rec.stages)
	}
	if len(rec.finished) != 1 || rec.finished[0].Stage != progress.StageDone {
		t.Fatalf("unexpected finish records %#v", rec.finished)
	}
	if !slices.Equal(rec.finished[0].Stems, []string{"vocals"}) {
		t.Fatalf("expected stems in finish record, got %v", rec.finished[0].Stems)
	}
}

func TestRecorderFailuresDoNotAffectJob(t *testing.T) {
	rec := &memoryRecorder{fail: true}
	h := newHarness(t, &fakeRunner{stems: []string{"vocals"}}, &fakeUploader{}, job.WithRecorder(rec))
	events := h.run(t, "track.flac", "audio")
	if _, ok := events[len(events)-1].(progress.Result); !ok {
		t.Fatalf("expected success despite ledger failures, got %v", stagesOf(events))
	}
}

func TestBreakingOutOfAllClosesStream(t *testing.T) {
	h := newHarness(t, &fakeRunner{block: true}, &fakeUploader{})
	stream := h.orch.Start(context.Background(), job.Submission{Filename: "a.wav", Data: strings.NewReader("audio")})
	for ev := range stream.All() {
		if ev.CurrentStage() == progress.StageRunning {
			break
		}
	}
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected job to finish after the consumer stopped")
	}
	assertWorkDirEmpty(t, h.workDir)
}
