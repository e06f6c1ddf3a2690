// Package inmem provides an in-memory eventlog.Log implementation for tests
// and local development. It is not durable.
package inmem

import (
	"context"
	"sync"

	"github.com/choiros/director/eventlog"
)

// Store implements eventlog.Log in memory, with idempotent Append and
// channel-fanout Tail subscriptions.
type Store struct {
	mu      sync.Mutex
	events  []*eventlog.Event
	byID    map[string]int64 // event.ID -> seq, for idempotent Append
	subs    []*subscription
}

// New returns a new in-memory event log.
func New() *Store {
	return &Store{byID: make(map[string]int64)}
}

// Append implements eventlog.Log.
func (s *Store) Append(_ context.Context, e *eventlog.Event) (int64, error) {
	if err := eventlog.Validate(e); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.byID[e.ID]; ok {
		return seq, nil // idempotent collapse
	}

	seq := int64(len(s.events)) + 1
	stored := *e
	stored.Seq = seq
	s.events = append(s.events, &stored)
	s.byID[e.ID] = seq

	for _, sub := range s.subs {
		sub.deliver(&stored)
	}
	return seq, nil
}

// Range implements eventlog.Log.
func (s *Store) Range(_ context.Context, from, to int64) ([]*eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 1 {
		from = 1
	}
	var out []*eventlog.Event
	for _, e := range s.events {
		if e.Seq < from {
			continue
		}
		if to > 0 && e.Seq > to {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Tail implements eventlog.Log, replaying history after `from` and then
// following new appends until Close.
func (s *Store) Tail(ctx context.Context, from int64) (eventlog.Subscription, error) {
	sub := newSubscription(ctx)

	s.mu.Lock()
	for _, e := range s.events {
		if e.Seq > from {
			sub.deliver(e)
		}
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeSub(sub)
		sub.Close()
	}()
	return sub, nil
}

func (s *Store) removeSub(target *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

type subscription struct {
	ctx    context.Context
	ch     chan *eventlog.Event
	once   sync.Once
	closed chan struct{}
}

func newSubscription(ctx context.Context) *subscription {
	return &subscription{ctx: ctx, ch: make(chan *eventlog.Event, 256), closed: make(chan struct{})}
}

func (s *subscription) deliver(e *eventlog.Event) {
	select {
	case s.ch <- e:
	case <-s.closed:
	}
}

func (s *subscription) Events() <-chan *eventlog.Event { return s.ch }

func (s *subscription) Err() error { return s.ctx.Err() }

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
