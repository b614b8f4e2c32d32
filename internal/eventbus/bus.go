// Package eventbus is an in-process fanout for host lifecycle notifications
// (slot transitions, callback outcomes, script errors). Publish never blocks;
// a subscriber that falls behind loses events.
package eventbus

import (
	"sync"
	"time"
)

const (
	TypeSlotState       = "slot.state"
	TypeCallbackOutcome = "callback.outcome"
	TypeScriptError     = "script.error"
	TypeScriptChanged   = "script.changed"
	TypeProfileClosed   = "profile.closed"
)

type Event struct {
	Type    string
	Time    time.Time
	Profile string
	SlotID  uint64
	Data    any
}

// SlotState is the Data of TypeSlotState events.
type SlotState struct {
	From, To string
}

// CallbackOutcome is the Data of TypeCallbackOutcome events.
type CallbackOutcome struct {
	Callback string
	Outcome  string
	Elapsed  time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type sub struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	next uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, id)
		close(s.ch)
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
