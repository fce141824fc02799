package protocol

import (
	"sync"

	"github.com/ent0n29/hearth/internal/observability"
)

// Hub fans out server events to websocket subscribers. Publishing never
// blocks: a slow subscriber loses low-priority events first, and a
// critical event evicts the oldest queued one to make room.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan any
	nextID  int
	buffer  int
	metrics *observability.Metrics
}

func NewHub(buffer int, metrics *observability.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]chan any), buffer: buffer, metrics: metrics}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan any, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan any, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(msg any) {
	msgType, critical := Meta(msg)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		h.metrics.ObserveOutboundMessage(string(msgType), deliver(ch, msg, critical))
	}
}

func deliver(ch chan any, msg any, critical bool) string {
	select {
	case ch <- msg:
		return "delivered"
	default:
	}
	if !critical {
		return "dropped"
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
		return "evicted"
	default:
		return "dropped"
	}
}
