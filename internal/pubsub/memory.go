package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/akshatgg/turngate/internal/event"
)

const subscriptionBuffer = 64

// MemoryBroker fans events out to every live subscription on a key. It is
// the in-process stand-in for the real transport in tests and local dev.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Subscribe(_ context.Context, key string, idleTimeout time.Duration) (Subscription, error) {
	sub := &memorySubscription{
		broker: b,
		key:    key,
		events: make(chan event.Event, subscriptionBuffer),
	}
	if idleTimeout > 0 {
		sub.idleTimer = time.AfterFunc(idleTimeout, func() { sub.finish(ErrIdleTimeout) })
		sub.idleTimeout = idleTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		b.subs[key] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) Publish(_ context.Context, key string, ev event.Event) error {
	b.mu.Lock()
	targets := make([]*memorySubscription, 0, len(b.subs[key]))
	for sub := range b.subs[key] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
	return nil
}

func (b *MemoryBroker) remove(key string, sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

type memorySubscription struct {
	broker      *MemoryBroker
	key         string
	idleTimeout time.Duration
	idleTimer   *time.Timer

	mu     sync.Mutex
	events chan event.Event
	closed bool
	err    error
}

func (s *memorySubscription) deliver(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
	select {
	case s.events <- ev:
	default:
		// Slow consumer; the stream's own timeout will end it.
	}
}

func (s *memorySubscription) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	close(s.events)
	s.mu.Unlock()

	s.broker.remove(s.key, s)
}

func (s *memorySubscription) Events() <-chan event.Event {
	return s.events
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() {
	s.finish(nil)
}
