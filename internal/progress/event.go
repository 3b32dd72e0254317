package progress

import (
	"encoding/json"
	"fmt"
)

// Event is one message in a job's event sequence. The set of implementations
// is closed: Progress, Error and Result.
type Event interface {
	// CurrentStage is the stage the job is in once the event is emitted.
	CurrentStage() Stage
	// Terminal reports whether the event ends the job.
	Terminal() bool
	json.Marshaler
	sealed()
}

// Progress reports that a job reached a non-terminal stage.
type Progress struct {
	Stage   Stage
	Message string
	// Files lists discovered stem names on FILES_FOUND.
	Files []string
}

// Error ends a job unsuccessfully.
type Error struct {
	Message string
	// Detail carries the underlying cause when one exists.
	Detail string
}

// Result ends a job successfully and names the stored output.
type Result struct {
	ID      string
	Message string
}

func (Progress) sealed() {}
func (Error) sealed()    {}
func (Result) sealed()   {}

func (p Progress) CurrentStage() Stage { return p.Stage }
func (Error) CurrentStage() Stage      { return StageError }
func (Result) CurrentStage() Stage     { return StageDone }

func (p Progress) Terminal() bool { return p.Stage.IsTerminal() }
func (Error) Terminal() bool      { return true }
func (Result) Terminal() bool     { return true }

// Wire type tags.
const (
	TypeProgress = "progress"
	TypeError    = "error"
	TypeResult   = "result"
)

type wireEvent struct {
	Type     string   `json:"type"`
	Stage    Stage    `json:"stage"`
	Progress int      `json:"progress"`
	Message  string   `json:"message,omitempty"`
	Files    []string `json:"files,omitempty"`
	Error    string   `json:"error,omitempty"`
	Result   string   `json:"result,omitempty"`
}

func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:     TypeProgress,
		Stage:    p.Stage,
		Progress: p.Stage.Percent(),
		Message:  p.Message,
		Files:    p.Files,
	})
}

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:     TypeError,
		Stage:    StageError,
		Progress: StageError.Percent(),
		Error:    e.Message,
		Message:  e.Detail,
	})
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:     TypeResult,
		Stage:    StageDone,
		Progress: StageDone.Percent(),
		Result:   r.ID,
		Message:  r.Message,
	})
}

// Decode parses a serialized event back into its concrete type.
func Decode(data []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch wire.Type {
	case TypeProgress:
		if !wire.Stage.Valid() {
			return nil, fmt.Errorf("decode event: unknown stage %q", wire.Stage)
		}
		return Progress{Stage: wire.Stage, Message: wire.Message, Files: wire.Files}, nil
	case TypeError:
		return Error{Message: wire.Error, Detail: wire.Message}, nil
	case TypeResult:
		return Result{ID: wire.Result, Message: wire.Message}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", wire.Type)
	}
}
