package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"annihilator/internal/progress"
)

// Source is the event sequence of one job.
type Source interface {
	Next(ctx context.Context) (progress.Event, bool)
	Close()
}

// CloseType is the type tag of the final WebSocket message.
const CloseType = "close"

var closeMessage = []byte(`{"type":"` + CloseType + `"}`)

func encode(ev progress.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.CurrentStage(), err)
	}
	return data, nil
}

// Replay is a Source over a fixed list of events. It is used when a request
// fails before a job could start, so the client still receives a terminal
// event and the close sentinel.
type Replay struct {
	events []progress.Event
	pos    int
}

// NewReplay returns a Source yielding evs in order.
func NewReplay(evs ...progress.Event) *Replay {
	return &Replay{events: evs}
}

func (r *Replay) Next(ctx context.Context) (progress.Event, bool) {
	if ctx.Err() != nil || r.pos >= len(r.events) {
		return nil, false
	}
	ev := r.events[r.pos]
	r.pos++
	return ev, true
}

func (r *Replay) Close() {
	r.pos = len(r.events)
}
