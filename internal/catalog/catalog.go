// Package catalog turns buffering registry changes into [Event] values and
// fans them out to sinks that run off the capture path: the durable segment
// history in catalog/postgres and the live WebSocket stream in internal/api.
//
// [Feed] implements [buffering.Observer]. Its callbacks only enqueue, so a
// slow database or client never stalls frame delivery; when the queue is
// full, events are dropped and counted. Every sink sits behind its own
// circuit breaker so an unreachable database is skipped until it recovers.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/mictrail/internal/buffering"
	"github.com/MrWong99/mictrail/internal/observe"
	"github.com/MrWong99/mictrail/internal/resilience"
)

// EventType names a registry change.
type EventType string

const (
	EventFinalized EventType = "finalized"
	EventEvicted   EventType = "evicted"
	EventCleared   EventType = "cleared"
)

// Event is a single registry change.
type Event struct {
	Type    EventType             `json:"type"`
	Segment buffering.SegmentInfo `json:"segment"`
	At      time.Time             `json:"at"`
}

// Sink consumes events. Sinks are called sequentially from the [Feed]
// goroutine in the order the changes happened.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Recorder is a durable event sink that can also answer history queries.
type Recorder interface {
	Sink

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// DefaultQueueSize is the event buffer of a [Feed].
const DefaultQueueSize = 1024

// Feed queues registry changes and delivers them to its sinks.
type Feed struct {
	sinks       []namedSink
	queue       chan Event
	metrics     *observe.Metrics
	breakerOpts []resilience.Option
	now         func() time.Time
}

type namedSink struct {
	name    string
	sink    Sink
	breaker *resilience.Breaker
}

var _ buffering.Observer = (*Feed)(nil)

// FeedOption configures a [Feed].
type FeedOption func(*Feed)

// WithQueueSize overrides [DefaultQueueSize].
func WithQueueSize(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.queue = make(chan Event, n)
		}
	}
}

// WithFeedMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithFeedMetrics(m *observe.Metrics) FeedOption {
	return func(f *Feed) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithBreaker configures the circuit breaker placed in front of every sink.
func WithBreaker(opts ...resilience.Option) FeedOption {
	return func(f *Feed) { f.breakerOpts = append(f.breakerOpts, opts...) }
}

// WithSink adds a sink under name. The name appears in logs and metrics.
func WithSink(name string, s Sink) FeedOption {
	return func(f *Feed) {
		if s != nil {
			f.sinks = append(f.sinks, namedSink{name: name, sink: s})
		}
	}
}

// NewFeed creates a feed. Call [Feed.Run] to start delivery.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		queue: make(chan Event, DefaultQueueSize),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	for i := range f.sinks {
		f.sinks[i].breaker = resilience.NewBreaker("catalog."+f.sinks[i].name, f.breakerOpts...)
	}
	return f
}

// SinkStates reports the breaker state of every sink by name.
func (f *Feed) SinkStates() map[string]resilience.State {
	states := make(map[string]resilience.State, len(f.sinks))
	for _, s := range f.sinks {
		states[s.name] = s.breaker.State()
	}
	return states
}

// SegmentFinalized implements [buffering.Observer].
func (f *Feed) SegmentFinalized(info buffering.SegmentInfo) {
	f.enqueue(Event{Type: EventFinalized, Segment: info, At: f.now()})
}

// SegmentEvicted implements [buffering.Observer].
func (f *Feed) SegmentEvicted(info buffering.SegmentInfo) {
	f.enqueue(Event{Type: EventEvicted, Segment: info, At: f.now()})
}

// SegmentsCleared implements [buffering.Observer]. One event is emitted per
// removed segment.
func (f *Feed) SegmentsCleared(removed []buffering.SegmentInfo) {
	at := f.now()
	for _, info := range removed {
		f.enqueue(Event{Type: EventCleared, Segment: info, At: at})
	}
}

func (f *Feed) enqueue(ev Event) {
	select {
	case f.queue <- ev:
	default:
		f.metrics.RecordDropped(context.Background(), "feed")
		slog.Debug("catalog: event queue full, dropping event", "type", ev.Type, "segment", ev.Segment.ID)
	}
}

// Run delivers queued events until ctx is cancelled, then drains whatever
// is still queued with a short grace period. It always returns nil.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		case <-ctx.Done():
			f.drain()
			return nil
		}
	}
}

func (f *Feed) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (f *Feed) deliver(ctx context.Context, ev Event) {
	for _, s := range f.sinks {
		err := s.breaker.Do(func() error { return s.sink.Record(ctx, ev) })
		if errors.Is(err, resilience.ErrOpen) {
			f.metrics.RecordDropped(ctx, s.name)
			slog.Debug("catalog: sink unavailable, dropping event", "sink", s.name, "segment", ev.Segment.ID)
			continue
		}
		if err != nil {
			f.metrics.CatalogErrors.Add(ctx, 1)
			slog.Warn("catalog: sink failed to record event",
				"sink", s.name,
				"type", ev.Type,
				"segment", ev.Segment.ID,
				"err", err,
			)
		}
	}
}
