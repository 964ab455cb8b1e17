package publish

import (
	"context"
	"errors"
	"sync"
)

// ErrHubClosed is returned when publishing to a closed Hub.
var ErrHubClosed = errors.New("hub closed")

// Event is one published message.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub fans events out to in-process subscribers. Each subscriber holds at most
// one pending event; slow subscribers lose the oldest one, so Publish never blocks.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	latest      Event
	hasLatest   bool
	closed      bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[*subscriber]struct{})}
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, event string, payload any) error {
	msg := Event{Name: event, Payload: payload}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.latest = msg
	h.hasLatest = true
	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.send(msg)
	}
	return nil
}

// Subscribe registers a listener. The most recent event, if any, is delivered
// immediately. The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := newSubscriber()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	h.subscribers[sub] = struct{}{}
	if h.hasLatest {
		sub.send(h.latest)
	}
	h.mu.Unlock()

	return sub.channel(), func() { h.remove(sub) }
}

// Latest returns the most recent event.
func (h *Hub) Latest() (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.hasLatest
}

// Subscribers reports the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscription. Later publishes fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, sub)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Event, 1)}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) send(msg Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
		return
	default:
		// Drop oldest to make room for the new event.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
