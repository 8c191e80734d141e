// Package event is the in-process fan-out channel between the
// transport/call/chat layers and whoever observes them (local API,
// history tracking). Subscribers get a handle and cancel it explicitly.
package event

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Kind int

const (
	KindConnectionChanged Kind = iota + 1
	KindCallStateChanged
	KindCallSignal
	KindMessageReceived
)

func (k Kind) String() string {
	switch k {
	case KindConnectionChanged:
		return "connection_changed"
	case KindCallStateChanged:
		return "call_state_changed"
	case KindCallSignal:
		return "call_signal"
	case KindMessageReceived:
		return "message_received"
	}
	return "unknown"
}

type Event struct {
	Kind    Kind
	Payload any
}

type Subscription struct {
	C chan Event

	id  int
	bus *Bus
}

// Cancel unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.bus.cancel(s.id)
}

type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

func (b *Bus) Subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		C:   make(chan Event, buffer),
		id:  b.nextID,
		bus: b,
	}
	if b.closed {
		close(s.C)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every live subscription. A subscriber that
// cannot keep up loses the event rather than blocking the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.C <- ev:
		default:
			log.Warn().Str("module", "event").Str("kind", ev.Kind.String()).Msg("slow subscriber, event dropped")
		}
	}
}

func (b *Bus) cancel(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.C)
	}
}

// Close cancels every subscription. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.C)
	}
}
