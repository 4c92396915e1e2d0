// Package mock provides an in-memory [catalog.Recorder] for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/mictrail/internal/catalog"
)

var _ catalog.Recorder = (*Recorder)(nil)

// Recorder stores events in memory. Set RecordError to make Record fail.
type Recorder struct {
	mu sync.Mutex

	// RecordError is returned by Record when non-nil; the event is not stored.
	RecordError error

	// RecentError is returned by Recent when non-nil.
	RecentError error

	events []catalog.Event
	notify chan struct{}
}

// Record implements [catalog.Sink].
func (r *Recorder) Record(_ context.Context, ev catalog.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RecordError != nil {
		return r.RecordError
	}
	r.events = append(r.events, ev)
	if r.notify != nil {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Recent implements [catalog.Recorder].
func (r *Recorder) Recent(_ context.Context, limit int) ([]catalog.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RecentError != nil {
		return nil, r.RecentError
	}
	out := slices.Clone(r.events)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns a copy of all recorded events, oldest first.
func (r *Recorder) Events() []catalog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Notify returns a channel that receives a value after each recorded event.
func (r *Recorder) Notify() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notify == nil {
		r.notify = make(chan struct{}, 1)
	}
	return r.notify
}
