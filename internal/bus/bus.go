// Package bus implements the process-local publish/subscribe fabric shared
// by the core services.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
)

// Handler receives one published payload. Handlers run inline on the
// publisher's goroutine, so events from a single service reach every
// subscriber in emission order. Handlers must not block.
type Handler func(ctx context.Context, topic string, payload any)

// Bus is a synchronous in-process pub/sub. Subscription order is preserved
// per topic.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[string][]subscription
}

type subscription struct {
	id int
	fn Handler
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for the topic and returns an unsubscribe
// function. Subscribers registered earlier are invoked earlier.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		lst := b.subs[topic]
		out := lst[:0]
		for _, s := range lst {
			if s.id != id {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = out
		}
	}
}

// SubscribeAll registers the handler for every listed topic, returning a
// single unsubscribe function covering them all.
func (b *Bus) SubscribeAll(topics []string, fn Handler) func() {
	cancels := make([]func(), 0, len(topics))
	for _, t := range topics {
		cancels = append(cancels, b.Subscribe(t, fn))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Publish delivers the payload to every subscriber of the topic, inline.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	metrics.IncBusPublish(topic)
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.IncBusDropReason(topic, "panic")
					l := log.WithComponent("bus")
					l.Error().
						Str(log.FieldTopic, topic).
						Interface("panic", r).
						Msg("subscriber panicked; event dropped for that handler")
				}
			}()
			s.fn(ctx, topic, payload)
		}()
	}
	return nil
}
