package events

import (
	"sync"
	"sync/atomic"

	"grimm.is/ipclient/internal/clock"
)

// Hub is the callback event bus. Publishing never blocks; a subscriber
// whose channel is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	clock  clock.Clock
	subs   map[EventType][]chan Event
	global []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub. A nil clock means the wall clock.
func NewHub(c clock.Clock) *Hub {
	return &Hub{
		clock: clock.Or(c),
		subs:  make(map[EventType][]chan Event),
	}
}

// Publish sends an event to the subscribers of its type and to the global
// subscribers.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)
	for _, ch := range h.subs[e.Type] {
		h.send(ch, e)
	}
	for _, ch := range h.global {
		h.send(ch, e)
	}
}

func (h *Hub) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		h.dropped.Add(1)
	}
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given. The caller must drain it.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes a channel from all subscriptions. The channel is
// not closed.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish and drop counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}
