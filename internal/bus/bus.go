// Package bus is the typed publish/subscribe relay every coordinator
// component publishes onto. It carries no business logic.
//
// Delivery is at-least-once from the consumer's point of view: the bus
// never drops an event for a live subscriber, but events may be re-sent by
// transports further down the line, so handlers must be idempotent. Use
// Dedupe to guard a handler by event ID.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/domain"
)

type Handler func(Event)

type Filter func(Event) bool

func ForSession(id domain.SessionID) Filter {
	return func(e Event) bool { return e.SessionID == id }
}

func ForTypes(types ...Type) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

type subscriber struct {
	name    string
	filter  Filter
	handler Handler
	ch      chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.ch:
			s.handler(e)
		}
	}
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	next      uint64
	queueSize int
	observers []func(Event)
}

func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
	}
}

// Observe registers a synchronous hook run on every Publish (metrics).
func (b *Bus) Observe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Subscribe registers h for events passing filter (nil = all). Each
// subscriber gets its own ordered queue and goroutine.
func (b *Bus) Subscribe(name string, filter Filter, h Handler) (unsubscribe func()) {
	s := &subscriber{
		name:    name,
		filter:  filter,
		handler: h,
		ch:      make(chan Event, b.queueSize),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	go s.loop()
	log.Debug().Str("module", "bus").Str("subscriber", name).Msg("subscribed")

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

// Publish enqueues e for every matching subscriber. It blocks while a
// subscriber queue is full and returns ctx.Err() if ctx ends first.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == nil || s.filter(e) {
			targets = append(targets, s)
		}
	}
	observers := b.observers
	b.mu.RUnlock()

	for _, fn := range observers {
		fn(e)
	}

	for _, s := range targets {
		select {
		case s.ch <- e:
		case <-s.done:
		case <-ctx.Done():
			log.Warn().Str("module", "bus").Str("subscriber", s.name).Str("event", string(e.Type)).Msg("publish aborted")
			return ctx.Err()
		}
	}
	log.Debug().Str("module", "bus").Str("event", string(e.Type)).Str("key", e.Key()).Int("subscribers", len(targets)).Msg("published")
	return nil
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}
