// Package eventbus provides the minimal typed pub/sub primitive used to wire
// adapters to the engine manager and the engine manager to the gateway
// server, without either side holding a reference to the other (Design Notes
// §9: "cyclic references... model as unidirectional event emission").
//
// The implementation is a single-writer event loop modelled on the teacher's
// websocket.Hub (server/internal/websocket/hub.go): register, unregister and
// delivery are all serialised through the one Run goroutine via channels.
// Publish only enqueues; the loop copies the target set under a short
// read-lock, then sends without blocking, dropping any subscriber whose
// buffer is full so a slow subscriber cannot stall the others.
package eventbus

import (
	"context"
	"sync"
)

// Event is the envelope carried on every topic. Payload is intentionally
// `any` — adapter events, engine-manager events, and gateway notifications
// each define their own concrete payload types and type-switch on receipt.
type Event struct {
	Topic   string
	Payload any
}

// subscriberBufferSize is the per-subscriber channel capacity. A subscriber
// that falls this far behind is considered too slow and is dropped so it
// cannot block delivery to the rest of the bus.
const subscriberBufferSize = 256

// Subscriber is the channel a caller reads published events from.
type Subscriber <-chan Event

// Bus is a single-writer pub/sub broker. All topics share one dispatch loop.
// The zero value is not usable — create instances with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]filter

	register   chan subscription
	unregister chan chan Event
	publish    chan Event
	done       chan struct{}
}

type filter struct {
	topics map[string]struct{} // nil/empty means "all topics"
}

type subscription struct {
	ch     chan Event
	topics []string
}

// New creates an idle Bus. Call Run in its own goroutine to start it.
func New() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]filter),
		register:    make(chan subscription),
		unregister:  make(chan chan Event, 16),
		publish:     make(chan Event, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the bus's dispatch loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			f := filter{}
			if len(sub.topics) > 0 {
				f.topics = make(map[string]struct{}, len(sub.topics))
				for _, t := range sub.topics {
					f.topics[t] = struct{}{}
				}
			}
			b.subscribers[sub.ch] = f
			b.mu.Unlock()

		case ch := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			b.mu.Unlock()

		case ev := <-b.publish:
			b.mu.RLock()
			var targets []chan Event
			for ch, f := range b.subscribers {
				if f.topics == nil {
					targets = append(targets, ch)
					continue
				}
				if _, ok := f.topics[ev.Topic]; ok {
					targets = append(targets, ch)
				}
			}
			b.mu.RUnlock()

			for _, ch := range targets {
				select {
				case ch <- ev:
				default:
					// Subscriber too slow — drop it rather than block the
					// whole bus on one stalled consumer.
					select {
					case b.unregister <- ch:
					default:
					}
				}
			}

		case <-ctx.Done():
			b.mu.Lock()
			for ch := range b.subscribers {
				close(ch)
			}
			b.subscribers = make(map[chan Event]filter)
			b.mu.Unlock()
			return
		}
	}
}

// Publish sends an event to every subscriber whose filter accepts its topic.
// Safe to call from any goroutine.
func (b *Bus) Publish(topic string, payload any) {
	b.publish <- Event{Topic: topic, Payload: payload}
}

// Subscribe registers a new subscriber. If topics is empty the subscriber
// receives every published event; otherwise it receives only events whose
// topic is in the list. It returns once Run has registered the subscriber,
// so every event published afterwards is delivered to it. Call the returned
// cancel function to unsubscribe.
func (b *Bus) Subscribe(topics ...string) (Subscriber, func()) {
	ch := make(chan Event, subscriberBufferSize)
	b.register <- subscription{ch: ch, topics: topics}
	cancel := func() {
		select {
		case b.unregister <- ch:
		default:
		}
	}
	return ch, cancel
}
