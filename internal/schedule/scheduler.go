package schedule

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "scripthost/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock overrides time.Now. Only the timer goroutine's wait is computed
// from it, so tests that use a fake clock drive firing through fireDue.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type Scheduler struct {
	mu      sync.Mutex
	q       entryHeap
	entries map[uint64]*entry // queued entries plus fired one-shots awaiting Run
	nextID  uint64
	nextSeq uint64
	closed  bool
	reg     Registry

	// postMu serialises pop+post so fires reach the sink in heap order.
	postMu sync.Mutex
	sink   Sink

	now func() time.Time
	log logx.Logger

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New creates a scheduler and starts its timer goroutine.
func New(sink Sink, opts ...Option) *Scheduler {
	s := newScheduler(sink, opts...)
	go s.loop()
	return s
}

func newScheduler(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: map[uint64]*entry{},
		reg:     Registry{},
		sink:    sink,
		now:     time.Now,
		log:     logx.Nop(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sink == nil {
		s.sink = func(uint64) {}
	}
	return s
}

// Register adds reloaders used by ExportReloadable.
func (s *Scheduler) Register(rs ...Reloader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range NewRegistry(rs...) {
		s.reg[k] = r
	}
}

// Registry returns a copy of the registered reloaders.
func (s *Scheduler) Registry() Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Registry, len(s.reg))
	for k, r := range s.reg {
		out[k] = r
	}
	return out
}

// Once schedules task to run once after delay.
func (s *Scheduler) Once(delay time.Duration, task Task) Handle {
	return s.add(&entry{fireAt: s.now().Add(clampDelay(delay)), task: task})
}

// OnceReloadable is Once for tasks that survive a reload. typeKey selects the
// Reloader that encodes the task at export time.
func (s *Scheduler) OnceReloadable(delay time.Duration, task Task, typeKey string) Handle {
	return s.add(&entry{fireAt: s.now().Add(clampDelay(delay)), task: task, reloadable: true, typeKey: typeKey})
}

// Every schedules task at initialDelay and then every period after that
// first fire time. Periodic entries are never reloadable.
func (s *Scheduler) Every(initialDelay, period time.Duration, task Task) (Handle, error) {
	if period <= 0 {
		return Handle{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}
	return s.add(&entry{fireAt: s.now().Add(clampDelay(initialDelay)), period: period, task: task}), nil
}

// Cron schedules task by a cron expression (seconds optional, descriptors such
// as @hourly and @every 5m accepted).
func (s *Scheduler) Cron(spec string, task Task) (Handle, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return Handle{}, fmt.Errorf("cron %q: %w", spec, err)
	}
	next := sched.Next(s.now())
	if next.IsZero() {
		return Handle{}, fmt.Errorf("cron %q: no future activation", spec)
	}
	return s.add(&entry{fireAt: next, cron: sched, task: task}), nil
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) add(e *entry) Handle {
	s.mu.Lock()
	if s.closed || e.task == nil {
		s.mu.Unlock()
		return Handle{}
	}
	s.nextID++
	s.nextSeq++
	e.id = s.nextID
	e.seq = s.nextSeq
	heap.Push(&s.q, e)
	s.entries[e.id] = e
	top := s.q[0] == e
	s.mu.Unlock()

	if top {
		s.signal()
	}
	return Handle{s: s, id: e.id}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) cancel(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.index < 0 {
		// Unknown, already cancelled, or a one-shot whose fire is committed.
		return false
	}
	heap.Remove(&s.q, e.index)
	delete(s.entries, id)
	return true
}

// Run executes a fired entry on the calling goroutine (the slot worker). It
// reports false when the entry no longer exists, which happens when a periodic
// entry was cancelled after its fire was posted or the scheduler was closed.
func (s *Scheduler) Run(ctx context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.posted == 0 {
		s.mu.Unlock()
		return false, nil
	}
	e.posted--
	if !e.periodic() || (e.index < 0 && e.posted == 0) {
		delete(s.entries, id)
	}
	task := e.task
	s.mu.Unlock()

	return true, task.Run(ctx)
}

// Len reports live entries, including fired one-shots not yet run.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the timer goroutine and drops every entry. Scheduling after
// Close returns inert handles. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.q = nil
	s.entries = map[uint64]*entry{}
	s.mu.Unlock()

	close(s.done)
}

// Done is closed once the timer goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

func (s *Scheduler) loop() {
	defer close(s.stopped)

	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	for {
		wait, ok := s.nextWait()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		t.Reset(wait)
		select {
		case <-t.C:
			s.fireDue(s.now())
		case <-s.wake:
			t.Stop()
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q) == 0 {
		return 0, false
	}
	return clampDelay(s.q[0].fireAt.Sub(s.now())), true
}

// fireDue pops every entry due at now and posts it to the sink in order.
func (s *Scheduler) fireDue(now time.Time) int {
	s.postMu.Lock()
	defer s.postMu.Unlock()

	ids := s.popDue(now)
	for _, id := range ids {
		s.sink(id)
	}
	return len(ids)
}

// popDue removes due entries and marks them fired in one critical section.
// Periodic entries are re-armed from their previous fire time and posted once
// per due period, even when earlier fires have not run yet.
func (s *Scheduler) popDue(now time.Time) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint64
	for len(s.q) > 0 && !s.q[0].fireAt.After(now) {
		e := heap.Pop(&s.q).(*entry)
		e.posted++
		ids = append(ids, e.id)
		if !e.periodic() {
			continue
		}
		if e.cron != nil {
			e.fireAt = e.cron.Next(e.fireAt)
		} else {
			e.fireAt = e.fireAt.Add(e.period)
		}
		if e.fireAt.IsZero() {
			// Exhausted cron schedule: Run drops it after the last fire.
			continue
		}
		s.nextSeq++
		e.seq = s.nextSeq
		heap.Push(&s.q, e)
	}
	return ids
}
