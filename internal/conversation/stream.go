package conversation

import (
	"context"
	"sync"

	"retention-agent/internal/domain"
)

// Stream carries session events from a producer goroutine to one consumer.
// The consumer pulls with Next until a terminal event; Close stops pulling
// early and cancels the producer.
type Stream struct {
	events chan domain.SessionEvent
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
	err      error
}

func newStream(ctx context.Context) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{events: make(chan domain.SessionEvent), cancel: cancel}, ctx
}

// send delivers e unless the consumer has gone away.
func (s *Stream) send(ctx context.Context, e domain.SessionEvent) bool {
	select {
	case s.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail records err as the stream's terminal cause.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Next returns the next event. ok is false once the terminal event has been
// returned or the stream was closed.
func (s *Stream) Next() (domain.SessionEvent, bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return domain.SessionEvent{}, false
	}
	s.mu.Unlock()

	e, ok := <-s.events
	if !ok {
		s.markFinished()
		return domain.SessionEvent{}, false
	}
	if e.Terminal() {
		s.markFinished()
	}
	return e, true
}

func (s *Stream) markFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.cancel()
}

// Close stops the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.markFinished()
}

// Err returns the error behind a terminal error event, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain pulls every remaining event.
func (s *Stream) Drain() []domain.SessionEvent {
	var out []domain.SessionEvent
	for {
		e, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}
