// Package eventbus fans session events out to in-process subscribers
// (websocket clients, SSE streams, push notifications, metrics).
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Event names published by the session layer.
const (
	QR                   = "qr"
	Authenticated        = "authenticated"
	Ready                = "ready"
	AuthFailure          = "auth_failure"
	Disconnected         = "disconnected"
	Retrying             = "retrying"
	InitFailed           = "init_failed"
	MessageSent          = "message_sent"
	Message              = "message"
	ConversationAssigned = "conversation_assigned"
)

// Event is one published occurrence scoped to a tenant slot. IDs are
// monotonic per Bus so consumers can de-duplicate redeliveries.
type Event struct {
	ID      uint64    `json:"id"`
	Tenant  string    `json:"tenant"`
	Slot    string    `json:"slot,omitempty"`
	Name    string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher is the producer side used by sessions, ingest and assignment.
type Publisher interface {
	Publish(tenant, slot, name string, payload any)
}

type subscription struct {
	tenant string
	ch     chan Event
}

// Bus is a non-blocking fan-out broker. A slow subscriber loses events
// rather than stalling the publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*subscription]struct{}
	done       chan struct{}
	bufferSize int
	seq        atomic.Uint64
	dropped    atomic.Uint64
	now        func() time.Time
}

// New creates a bus with the default per-subscriber buffer (64).
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a bus with a custom per-subscriber buffer.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		subs:       make(map[*subscription]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
		now:        time.Now,
	}
}

// Subscribe returns a channel of events for tenant ("" receives every
// tenant). The channel is closed when ctx is cancelled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, tenant string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event)
		close(ch)
		return ch
	default:
	}

	sub := &subscription{tenant: tenant, ch: make(chan Event, b.bufferSize)}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub.ch)
	}()

	return sub.ch
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(tenant, slot, name string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	ev := Event{
		ID:      b.seq.Add(1),
		Tenant:  tenant,
		Slot:    slot,
		Name:    name,
		Payload: payload,
		Time:    b.now(),
	}
	for sub := range b.subs {
		if sub.tenant != "" && sub.tenant != tenant {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]struct{})
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(tenant, slot, name string, payload any)

// Publish calls f.
func (f PublisherFunc) Publish(tenant, slot, name string, payload any) { f(tenant, slot, name, payload) }

// Multi publishes to every non-nil publisher in order.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(tenant, slot, name string, payload any) {
		for _, p := range pubs {
			if p != nil {
				p.Publish(tenant, slot, name, payload)
			}
		}
	})
}
