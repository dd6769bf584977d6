// Package events fans tunnel state changes out to subscribers. Publishing
// never blocks: a subscriber whose queue is full loses the event.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tunfleet/internal/model"
)

const DefaultBuffer = 64

type subscriber struct {
	ch      chan model.Event
	dropped atomic.Uint64
}

type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log, subs: make(map[uint64]*subscriber)}
}

// Publish stamps ev with an ID when it has none and offers it to every
// subscriber.
func (b *Bus) Publish(ev model.Event) model.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ev
	}
	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			b.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				b.log.Warn().Uint64("subscriber", id).Uint64("dropped", n).Str("device", ev.Device).Msg("subscriber queue full, dropping event")
			}
		}
	}
	return ev
}

// Subscribe registers a queue of the given capacity. The returned cancel
// function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{ch: make(chan model.Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Dropped returns the number of events lost to full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Pump calls handle for each event from ch until ch closes or ctx ends.
func Pump(ctx context.Context, ch <-chan model.Event, handle func(model.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			handle(ev)
		}
	}
}
