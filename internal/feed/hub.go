// Package feed fans change events out to per-channel subscribers.
package feed

import (
	"context"
	"sync"

	"github.com/zoobzio/rill"
)

// Hub routes published events to the subscribers of their collection.
// Each subscriber gets its own unbounded queue, so a slow consumer never
// blocks a writer and events reach each subscriber in publish order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe registers channel on collection. Channel names are unique across
// the hub; reusing a live one returns rill.ErrChannelInUse.
func (h *Hub) Subscribe(ctx context.Context, collection, channel string) (*Subscription, error) {
	if collection == "" {
		return nil, rill.ErrEmptyCollection
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, rill.ErrClosed
	}
	for _, chans := range h.subs {
		if _, ok := chans[channel]; ok {
			return nil, rill.ErrChannelInUse
		}
	}

	s := &Subscription{
		hub:        h,
		collection: collection,
		channel:    channel,
		wake:       make(chan struct{}, 1),
		out:        make(chan rill.ChangeEvent),
		done:       make(chan struct{}),
	}
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[string]*Subscription)
	}
	h.subs[collection][channel] = s

	go s.pump()
	s.stop = context.AfterFunc(ctx, func() {
		_ = s.Close() //nolint:errcheck // always nil
	})
	return s, nil
}

// Publish queues ev for every subscriber of its collection.
func (h *Hub) Publish(ev rill.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[ev.Collection] {
		s.enqueue(ev)
	}
}

// Subscribers returns the number of live subscriptions on collection.
func (h *Hub) Subscribers(collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[collection])
}

// Close ends every subscription. Later Subscribe calls fail with rill.ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, chans := range h.subs {
		for _, s := range chans {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		_ = s.Close() //nolint:errcheck // always nil
	}
	return nil
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if chans, ok := h.subs[s.collection]; ok {
		delete(chans, s.channel)
		if len(chans) == 0 {
			delete(h.subs, s.collection)
		}
	}
}

// Subscription is one channel on a Hub. It implements rill.Subscription.
type Subscription struct {
	hub        *Hub
	collection string
	channel    string

	mu    sync.Mutex
	queue []rill.ChangeEvent

	wake chan struct{}
	out  chan rill.ChangeEvent
	done chan struct{}
	once sync.Once
	stop func() bool
}

// Events delivers queued events in order; it is closed after Close.
func (s *Subscription) Events() <-chan rill.ChangeEvent {
	return s.out
}

// Channel returns the subscription's channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// Close unregisters the subscription and discards undelivered events.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}

func (s *Subscription) enqueue(ev rill.ChangeEvent) {
	ev.New = ev.New.Clone()
	ev.Old = ev.Old.Clone()

	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = rill.ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

var _ rill.Subscription = (*Subscription)(nil)
