package progress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"annihilator/internal/logging"
	"annihilator/internal/progress"
)

func TestStagePercentAndOrder(t *testing.T) {
	want := map[progress.Stage]int{
		progress.StageNotStarted: 0,
		progress.StagePreparing:  15,
		progress.StageRunning:    30,
		progress.StageProcessed:  50,
		progress.StageFinalizing: 80,
		progress.StageFilesFound: 90,
		progress.StageDone:       100,
		progress.StageError:      100,
	}
	for stage, pct := range want {
		if stage.Percent() != pct {
			t.Fatalf("%s: percent %d want %d", stage, stage.Percent(), pct)
		}
	}
	stages := progress.Stages()
	for i := 1; i < len(stages)-1; i++ {
		if !stages[i-1].Before(stages[i]) {
			t.Fatalf("expected %s before %s", stages[i-1], stages[i])
		}
		if stages[i-1].Percent() >= stages[i].Percent() {
			t.Fatalf("expected percent to increase from %s to %s", stages[i-1], stages[i])
		}
	}
}

func TestTerminalStagesAreDistinct(t *testing.T) {
	if !progress.StageDone.IsTerminal() || !progress.StageError.IsTerminal() {
		t.Fatal("expected DONE and ERROR to be terminal")
	}
	if progress.StageFilesFound.IsTerminal() {
		t.Fatal("FILES_FOUND must not be terminal")
	}
	if progress.StageDone == progress.StageError {
		t.Fatal("DONE and ERROR must be distinct even though both report 100")
	}
}

func TestStageLabel(t *testing.T) {
	if got := progress.StageFilesFound.Label(); got != "Files Found" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := progress.StageNotStarted.Label(); got != "Not Started" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestParseStage(t *testing.T) {
	stage, err := progress.ParseStage(" running ")
	if err != nil || stage != progress.StageRunning {
		t.Fatalf("ParseStage: %v %v", stage, err)
	}
	if _, err := progress.ParseStage("sleeping"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestEventJSONShapes(t *testing.T) {
	tests := []struct {
		name  string
		event progress.Event
		want  map[string]any
	}{
		{
			name:  "progress",
			event: progress.Progress{Stage: progress.StageRunning, Message: "separating"},
			want:  map[string]any{"type": "progress", "stage": "RUNNING", "progress": float64(30), "message": "separating"},
		},
		{
			name:  "files",
			event: progress.Progress{Stage: progress.StageFilesFound, Files: []string{"accompaniment", "vocals"}},
			want:  map[string]any{"type": "progress", "stage": "FILES_FOUND", "progress": float64(90), "files": []any{"accompaniment", "vocals"}},
		},
		{
			name:  "error",
			event: progress.Error{Message: "processing failed"},
			want:  map[string]any{"type": "error", "stage": "ERROR", "progress": float64(100), "error": "processing failed"},
		},
		{
			name:  "result",
			event: progress.Result{ID: "job-1", Message: "processing complete"},
			want:  map[string]any{"type": "result", "stage": "DONE", "progress": float64(100), "result": "job-1", "message": "processing complete"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("unexpected keys: %s", data)
			}
			for key, want := range tt.want {
				if w, ok := want.([]any); ok {
					g, _ := got[key].([]any)
					if !slices.Equal(g, w) {
						t.Fatalf("%s = %v want %v", key, got[key], want)
					}
					continue
				}
				if got[key] != want {
					t.Fatalf("%s = %v want %v (%s)", key, got[key], want, data)
				}
			}

			decoded, err := progress.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.CurrentStage() != tt.event.CurrentStage() || decoded.Terminal() != tt.event.Terminal() {
				t.Fatalf("decoded %#v does not match %#v", decoded, tt.event)
			}
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := progress.Decode([]byte(`{"type":"mystery"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestTrackerPinsTerminalStagesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	tracker := progress.NewTracker(logger)
	ctx := context.Background()

	p := tracker.Progress(ctx, progress.StagePreparing, "saving input")
	if p.CurrentStage() != progress.StagePreparing || p.Terminal() {
		t.Fatalf("unexpected progress event %#v", p)
	}
	e := tracker.Error(ctx, "processing failed", errors.New("exit status 1"))
	if e.CurrentStage() != progress.StageError || e.Detail != "exit status 1" {
		t.Fatalf("unexpected error event %#v", e)
	}
	r := tracker.Result(ctx, "job-1", "processing complete")
	if r.CurrentStage() != progress.StageDone {
		t.Fatalf("unexpected result event %#v", r)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected three log lines, got %d: %s", len(lines), buf.String())
	}
	var errLine map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &errLine); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if errLine["level"] != "error" {
		t.Fatalf("expected error severity for error events, got %v", errLine["level"])
	}
}

func TestNilLoggerTrackerStillBuildsEvents(t *testing.T) {
	tracker := progress.NewTracker(nil)
	ev := tracker.Result(context.Background(), "id", "")
	if ev.ID != "id" {
		t.Fatalf("unexpected result %#v", ev)
	}
}
