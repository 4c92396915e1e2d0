package api

import (
	"context"
	"sync"

	"github.com/MrWong99/mictrail/internal/catalog"
	"github.com/MrWong99/mictrail/internal/observe"
)

// subscriberBuffer is the per-client event backlog before events are dropped.
const subscriberBuffer = 64

// Hub broadcasts segment events to live WebSocket clients. It implements
// [catalog.Sink] so that it can hang off the same [catalog.Feed] as the
// durable history. A slow client loses events instead of slowing others.
type Hub struct {
	metrics *observe.Metrics

	mu   sync.Mutex
	subs map[chan catalog.Event]struct{}
}

var _ catalog.Sink = (*Hub)(nil)

// NewHub returns an empty hub. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewHub(m *observe.Metrics) *Hub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{metrics: m, subs: make(map[chan catalog.Event]struct{})}
}

// Record implements [catalog.Sink]. It never blocks and never fails.
func (h *Hub) Record(ctx context.Context, ev catalog.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.metrics.RecordDropped(ctx, "websocket")
		}
	}
	return nil
}

// Subscribe registers a client. The returned cancel func unregisters it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan catalog.Event, func()) {
	ch := make(chan catalog.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
