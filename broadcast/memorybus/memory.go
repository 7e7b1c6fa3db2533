// Package memorybus provides an in-memory implementation of
// broadcast.Broadcaster using Go channels. Suitable for the single-node
// deployment that is this server's default.
package memorybus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast"
)

// Bus implements broadcast.Broadcaster with per-channel subscriber sets.
// Slow subscribers are skipped rather than blocking the publisher.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}
	closed   bool
}

type subscription struct {
	bus     *Bus
	channel string

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// deliver hands a payload to the subscriber without blocking. The lock
// orders delivery against close so we never send on a closed channel.
func (s *subscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	default:
		// Subscriber not keeping up; drop rather than stall the publisher.
	}
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// New creates an in-memory bus.
func New() *Bus {
	return &Bus{channels: make(map[string]map[*subscription]struct{})}
}

var _ broadcast.Broadcaster = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := make([]*subscription, 0, len(b.channels[channel]))
	for sub := range b.channels[channel] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	payload := append([]byte(nil), data...)
	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (broadcast.Subscription, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &subscription{bus: b, channel: channel, ch: make(chan []byte, 16)}
	set, ok := b.channels[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.channels[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.channels {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.channels = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.channels[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.channels, s.channel)
		}
	}
	s.bus.mu.Unlock()
	s.shutdown()
	return nil
}
