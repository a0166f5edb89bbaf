// Package streamstore is an in-process StreamStore: a bounded recent window
// per session with non-blocking subscriber fan-out. It backs live tailing
// only; the durable record lives in the event store.
package streamstore

import (
	"context"
	"sync"

	"github.com/devintel-sh/devintel/pkg/devent"
)

const defaultWindow = 256

// Store keeps the last N events per session and fans them out to
// subscribers. Publish never blocks on a slow subscriber.
type Store struct {
	mu     sync.RWMutex
	window int
	nextID int
	bySess map[string][]devent.Event
	subs   map[string]map[int]*subscriber
}

// subscriber guards its channel with its own mutex so a concurrent cancel
// can never close the channel between a publisher's snapshot and its send.
type subscriber struct {
	mu     sync.Mutex
	ch     chan devent.Event
	closed bool
}

// deliver sends without blocking; a full buffer drops the event. A closed
// subscriber drops silently.
func (sub *subscriber) deliver(e devent.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- e:
	default:
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Option configures the store.
type Option func(*Store)

// WithWindow sets the per-session recent-window size.
func WithWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// New creates an empty stream store.
func New(opts ...Option) *Store {
	s := &Store{
		window: defaultWindow,
		bySess: make(map[string][]devent.Event),
		subs:   make(map[string]map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish appends the event to the session window and notifies subscribers.
// Subscribers whose buffer is full miss the event rather than stalling the
// publisher.
func (s *Store) Publish(ctx context.Context, e devent.Event) error {
	s.mu.Lock()
	buf := append(s.bySess[e.SessionID], e)
	if len(buf) > s.window {
		buf = buf[len(buf)-s.window:]
	}
	s.bySess[e.SessionID] = buf
	targets := make([]*subscriber, 0, len(s.subs[e.SessionID]))
	for _, sub := range s.subs[e.SessionID] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(e)
	}
	return nil
}

// Recent returns up to limit events for the session, newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]devent.Event, error) {
	s.mu.RLock()
	buf := s.bySess[sessionID]
	out := make([]devent.Event, 0, len(buf))
	for i := len(buf) - 1; i >= 0; i-- {
		out = append(out, buf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// Subscribe registers a tail subscriber for the session. The returned
// cancel func is idempotent and closes the channel.
func (s *Store) Subscribe(sessionID string) (<-chan devent.Event, func()) {
	sub := &subscriber{ch: make(chan devent.Event, 64)}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]*subscriber)
	}
	s.subs[sessionID][id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs[sessionID], id)
		if len(s.subs[sessionID]) == 0 {
			delete(s.subs, sessionID)
		}
		s.mu.Unlock()
		// In-flight publishers may still hold a snapshot of this subscriber;
		// close is serialized against their sends by the subscriber's own lock.
		sub.close()
	}
	return sub.ch, cancel
}
