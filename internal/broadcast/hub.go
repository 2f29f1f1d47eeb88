// Package broadcast fans session updates out to in-process subscribers and
// external sinks. Delivery never blocks the publisher: a subscriber whose
// buffer is full misses the update.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/kilianp07/cpsim/core/model"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 64

// Sink receives every update synchronously from Publish. Sinks must not block.
type Sink interface {
	Publish(u model.SessionUpdate)
}

type subscriber struct {
	session string
	ch      chan model.SessionUpdate
}

// Hub is a typed publish/subscribe bus keyed by session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	sinks  []Sink
	closed bool

	dropped atomic.Uint64
}

// New creates an empty Hub.
func New() *Hub { return &Hub{subs: make(map[*subscriber]struct{})} }

// AddSink registers an external sink.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Publish delivers u to matching subscribers and to every sink.
func (h *Hub) Publish(u model.SessionUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		if s.session != "" && s.session != u.SessionID {
			continue
		}
		select {
		case s.ch <- u:
		default:
			h.dropped.Add(1)
		}
	}
	for _, s := range h.sinks {
		s.Publish(u)
	}
}

// Subscribe returns a channel of updates for sessionID, or for every session
// when sessionID is empty, and a function ending the subscription.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan model.SessionUpdate, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{session: sessionID, ch: make(chan model.SessionUpdate, buffer)}
	h.mu.Lock()
	if h.closed {
		close(s.ch)
		h.mu.Unlock()
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = make(map[*subscriber]struct{})
}
