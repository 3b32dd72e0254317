package progress

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage is a job lifecycle state.
type Stage string

const (
	StageNotStarted Stage = "NOT_STARTED"
	StagePreparing  Stage = "PREPARING"
	StageRunning    Stage = "RUNNING"
	StageProcessed  Stage = "PROCESSED"
	StageFinalizing Stage = "FINALIZING"
	StageFilesFound Stage = "FILES_FOUND"
	StageDone       Stage = "DONE"
	StageError      Stage = "ERROR"
)

var stageOrder = []Stage{
	StageNotStarted,
	StagePreparing,
	StageRunning,
	StageProcessed,
	StageFinalizing,
	StageFilesFound,
	StageDone,
	StageError,
}

var stagePercent = map[Stage]int{
	StageNotStarted: 0,
	StagePreparing:  15,
	StageRunning:    30,
	StageProcessed:  50,
	StageFinalizing: 80,
	StageFilesFound: 90,
	StageDone:       100,
	StageError:      100,
}

var titleCaser = cases.Title(language.English)

// Stages returns every stage in lifecycle order. ERROR is last.
func Stages() []Stage {
	return append([]Stage(nil), stageOrder...)
}

// ParseStage converts a stage name into a Stage.
func ParseStage(value string) (Stage, error) {
	candidate := Stage(strings.ToUpper(strings.TrimSpace(value)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stagePercent[s]
	return ok
}

// Percent is the nominal completion for the stage. DONE and ERROR both
// report 100; use IsTerminal and the stage itself to tell them apart.
func (s Stage) Percent() int {
	return stagePercent[s]
}

// IsTerminal reports whether no further progress follows the stage.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageError
}

// Label renders the stage for humans, e.g. "Files Found".
func (s Stage) Label() string {
	return titleCaser.String(strings.ReplaceAll(strings.ToLower(string(s)), "_", " "))
}

// Before reports whether s precedes other on the success path.
func (s Stage) Before(other Stage) bool {
	return s.index() < other.index()
}

func (s Stage) index() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return len(stageOrder)
}

func (s Stage) String() string {
	return string(s)
}
