package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"scripthost/internal/reload"
	"scripthost/internal/schedule"
)

type State int32

const (
	Loading State = iota
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	Loading:      {Running, ShuttingDown},
	Running:      {ShuttingDown},
	ShuttingDown: {Terminated},
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type call struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Slot is one script instance. Its worker goroutine is started by NewSlot and
// is never reused for another slot.
type Slot struct {
	id       uint64
	script   string
	client   Client
	sched    *schedule.Scheduler
	incoming *reload.Data
	started  time.Time

	inbox chan *call
	quit  chan struct{}

	mu           sync.Mutex
	state        State
	shutdownOnce bool
	wasRunning   bool
	abandoned    bool
	outgoing     *reload.Data
}

// NewSlot creates a slot in Loading and starts its worker. Timer fires from
// its scheduler go to sink.
func NewSlot(id uint64, script string, c Client, incoming *reload.Data, sink schedule.Sink, opts ...schedule.Option) *Slot {
	if incoming == nil {
		incoming = reload.New()
	}
	s := &Slot{
		id:       id,
		script:   script,
		client:   c,
		sched:    schedule.New(sink, opts...),
		incoming: incoming,
		started:  time.Now(),
		inbox:    make(chan *call, 1),
		quit:     make(chan struct{}),
		state:    Loading,
	}
	go s.work()
	return s
}

// ID is unique within the owning profile and increases with each start.
func (s *Slot) ID() uint64 { return s.id }

// Script names the source the slot's client was loaded from.
func (s *Slot) Script() string { return s.script }

// Scheduler owns the slot's timers. It is closed once the slot terminates.
func (s *Slot) Scheduler() *schedule.Scheduler { return s.sched }

// Incoming is the reload data handed to Init.
func (s *Slot) Incoming() *reload.Data { return s.incoming }

// State is safe to call from any goroutine.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outgoing is the reload data produced by shutdown, nil until then.
func (s *Slot) Outgoing() *reload.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoing
}

func (s *Slot) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from || !legal(from, to) {
		return fmt.Errorf("%w: slot %d %s -> %s (current %s)", ErrIllegalTransition, s.id, from, to, s.state)
	}
	s.state = to
	if to == Running {
		s.wasRunning = true
	}
	return nil
}

// claimShutdown reports true exactly once.
func (s *Slot) claimShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownOnce {
		return false
	}
	s.shutdownOnce = true
	return true
}

func (s *Slot) work() {
	for {
		select {
		case c := <-s.inbox:
			if c.ctx.Err() != nil {
				// The dispatcher gave up before we got to it.
				c.done <- errStale
				continue
			}
			c.done <- safeCall(c.name, func() error { return c.fn(c.ctx) })
		case <-s.quit:
			return
		}
	}
}

// retire stops the worker after its current call, if any. An abandoned worker
// still exits once its stuck call returns.
func (s *Slot) retire(abandoned bool) {
	s.mu.Lock()
	s.abandoned = abandoned
	s.mu.Unlock()
	close(s.quit)
}

func safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Callback: name, Err: fmt.Errorf("panic: %v", r), stack: string(debug.Stack())}
		}
	}()
	if err := fn(); err != nil {
		return &CallbackError{Callback: name, Err: err}
	}
	return nil
}

// Snapshot is a point-in-time view of a slot for diagnostics.
type Snapshot struct {
	ID        uint64    `json:"id"`
	State     string    `json:"state"`
	Script    string    `json:"script"`
	Started   time.Time `json:"started"`
	Pending   int       `json:"pending_callbacks"`
	Abandoned bool      `json:"abandoned,omitempty"`
}

// Snapshot reads the slot without waiting on its worker.
func (s *Slot) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.id,
		State:     s.state.String(),
		Script:    s.script,
		Started:   s.started,
		Abandoned: s.abandoned,
	}
	s.mu.Unlock()
	snap.Pending = s.sched.Len()
	return snap
}
