package server

import (
	"sync"

	"github.com/adwatch/adwatchd/orchestrator"
)

const subscriberBuffer = 16

// Hub fans broadcast events out to event-stream subscribers. Slow
// subscribers drop events rather than block the broadcaster.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan orchestrator.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan orchestrator.Event]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be called
// to release it.
func (h *Hub) Subscribe() (<-chan orchestrator.Event, func()) {
	ch := make(chan orchestrator.Event, subscriberBuffer)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Broadcast delivers event to every subscriber without blocking.
func (h *Hub) Broadcast(event orchestrator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
