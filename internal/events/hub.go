// Package events fans PTY notifications out to any number of subscribers.
package events

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/metrics"
)

// ErrClosed is returned by Emit once the hub has been closed.
var ErrClosed = errors.New("event hub closed")

// Event is one named notification.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub broadcasts events to subscribers. A subscriber that cannot keep up is
// dropped, its channel closed, so one slow consumer never stalls the PTY
// readers feeding the hub.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:    make(map[chan Event]struct{}),
		log:     log,
		metrics: m,
	}
}

// Emit implements pty.Sink.
func (h *Hub) Emit(name string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	ev := Event{Name: name, Payload: payload}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping slow event subscriber", zap.String("event", name))
			delete(h.subs, ch)
			close(ch)
			h.metrics.SubscriberRemoved(true)
		}
	}
	return nil
}

// Subscribe returns a channel of events and a function that detaches it.
// The channel is closed when the subscriber is detached, dropped, or the hub
// is closed.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	h.metrics.SubscriberAdded()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
				h.metrics.SubscriberRemoved(false)
			}
		})
	}
	return ch, unsub
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber. Later Emit calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
		h.metrics.SubscriberRemoved(false)
	}
}
