// Package mock provides an in-memory mock implementation of the
// [audio.Source] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{Frames: []audio.AudioFrame{frame1, frame2}}
//	ch, err := src.Start(ctx)
//	for f := range ch { ... } // delivers frame1, frame2, then closes
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/mictrail/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source].
// Set the exported fields before calling Start; inspect the CallCount*
// fields afterwards.
type Source struct {
	mu sync.Mutex

	// Frames are delivered in order by the channel returned from Start.
	Frames []audio.AudioFrame

	// Hold keeps the channel open after all Frames were delivered until the
	// context is cancelled or Close is called. When false the channel closes
	// right after the last frame, simulating an exhausted input.
	Hold bool

	// StartError is returned by Start instead of a channel.
	StartError error

	// CloseError is returned by Close.
	CloseError error

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	done     chan struct{}
	doneOnce sync.Once
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	s.CallCountStart++
	if s.StartError != nil {
		err := s.StartError
		s.mu.Unlock()
		return nil, err
	}
	frames := append([]audio.AudioFrame(nil), s.Frames...)
	hold := s.Hold
	done := s.doneChan()
	s.mu.Unlock()

	ch := make(chan audio.AudioFrame)
	go func() {
		defer close(ch)
		for _, f := range frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		if hold {
			select {
			case <-ctx.Done():
			case <-done:
			}
		}
	}()
	return ch, nil
}

// Format implements [audio.Source]. Returns FormatResult.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Close implements [audio.Source]. Returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	done := s.doneChan()
	err := s.CloseError
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(done) })
	return err
}

// doneChan lazily creates the stop channel. Caller must hold s.mu.
func (s *Source) doneChan() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}
