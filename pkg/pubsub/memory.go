package pubsub

import (
	"context"
	"path"
	"sync"
)

type memorySubscription struct {
	pattern string
	glob    bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryPubSub is an in-process PubSub for single-instance deployments
// and tests. Patterns use path.Match syntax, so '*' spans one segment
// between ':' separators as long as it contains no '/'.
type MemoryPubSub struct {
	subs map[string]*memorySubscription
	mu   sync.RWMutex
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]*memorySubscription)}
}

// Publish delivers the event to every matching subscription. Slow
// subscribers drop events, mirroring the Redis implementation.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false), nil
}

// SubscribePattern subscribes to channels matching a pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return m.subscribe(ctx, pattern, true), nil
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, glob bool) <-chan *Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subs[key]; ok {
		existing.cancel()
		delete(m.subs, key)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		pattern: key,
		glob:    glob,
		ch:      make(chan *Event, 100),
		cancel:  cancel,
	}
	m.subs[key] = sub

	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		if m.subs[key] == sub {
			delete(m.subs, key)
		}
		m.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.RLock()
	sub, ok := m.subs[channel]
	m.mu.RUnlock()
	if ok {
		sub.cancel()
	}
	return nil
}

// Close cancels every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.RLock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.glob {
		return s.pattern == channel
	}
	ok, err := path.Match(s.pattern, channel)
	return err == nil && ok
}
