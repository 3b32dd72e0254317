package job

import (
	"context"
	"iter"
	"sync"

	"annihilator/internal/progress"
)

// Stream is the finite, single-consumer event sequence of one job. It
// cannot be restarted.
type Stream struct {
	id     string
	events <-chan progress.Event
	cancel context.CancelFunc
	done   <-chan struct{}
	once   sync.Once
}

// ID returns the job identifier.
func (s *Stream) ID() string {
	return s.id
}

// Next blocks until the next event arrives. It returns false once the job
// has finished and its working directory is gone, or when ctx is done.
func (s *Stream) Next(ctx context.Context) (progress.Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close stops delivery, cancels the job if it is still running, and waits
// until its cleanup has finished. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the job has fully finished, cleanup included.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// All ranges over the remaining events. Breaking out of the loop closes the
// stream.
func (s *Stream) All() iter.Seq[progress.Event] {
	return func(yield func(progress.Event) bool) {
		for {
			ev, ok := s.Next(context.Background())
			if !ok {
				return
			}
			if !yield(ev) {
				s.Close()
				return
			}
		}
	}
}
