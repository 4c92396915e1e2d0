package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/mictrail/pkg/audio"
)

// FrameSink receives captured frames. [buffering.Controller] is the
// production implementation.
type FrameSink interface {
	OnFrame(frame audio.AudioFrame)
	Close() error
}

// Session connects one capture [audio.Source] to a [FrameSink]. It is an
// explicit object rather than process state, so several sessions (for
// example one per test) can coexist.
type Session struct {
	src  audio.Source
	sink FrameSink

	frames atomic.Int64

	mu      sync.Mutex
	running bool
	closed  bool
}

// NewSession returns a session that will pump frames from src into sink.
func NewSession(src audio.Source, sink FrameSink) (*Session, error) {
	if src == nil {
		return nil, errors.New("session: source must not be nil")
	}
	if sink == nil {
		return nil, errors.New("session: sink must not be nil")
	}
	return &Session{src: src, sink: sink}, nil
}

// Run starts the source and delivers its frames until ctx is done or the
// source closes its channel. Both are normal terminations and return nil.
// Run may be called only once.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.running = true
	s.mu.Unlock()

	ch, err := s.src.Start(ctx)
	if err != nil {
		return fmt.Errorf("session: start source: %w", err)
	}
	slog.Info("capture started", "format", s.src.Format().String())

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				slog.Info("capture source ended", "frames", s.frames.Load())
				return nil
			}
			s.sink.OnFrame(frame)
			s.frames.Add(1)
		case <-ctx.Done():
			// The source closes ch once it notices ctx; keep it from blocking.
			go audio.Drain(ch)
			slog.Info("capture stopped", "frames", s.frames.Load())
			return nil
		}
	}
}

// Frames returns how many frames were delivered so far.
func (s *Session) Frames() int64 {
	return s.frames.Load()
}

// Close finalizes the sink's open segment and releases the source. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return errors.Join(s.sink.Close(), s.src.Close())
}
