package schedule

import (
	"context"
	"errors"
)

var (
	// ErrMissingReloader means a pending callback names a type key that has no
	// registered Reloader. Such entries are dropped.
	ErrMissingReloader = errors.New("schedule: missing reloader")
	ErrClosed          = errors.New("schedule: scheduler closed")
	ErrInvalidPeriod   = errors.New("schedule: period must be positive")
)

// Task is work executed on the slot's worker goroutine.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Sink receives the id of each fired entry. It is called from the scheduler's
// timer goroutine and must not block or call back into the scheduler.
type Sink func(id uint64)

// Reloader turns reloadable tasks into payload strings and back.
type Reloader interface {
	TypeKey() string
	EncodeTask(t Task) (string, error)
	DecodeTask(payload string) (Task, error)
}

// Registry maps type keys to reloaders.
type Registry map[string]Reloader

// NewRegistry builds a registry keyed by each reloader's TypeKey. Later
// entries replace earlier ones with the same key.
func NewRegistry(rs ...Reloader) Registry {
	reg := make(Registry, len(rs))
	for _, r := range rs {
		if r != nil {
			reg[r.TypeKey()] = r
		}
	}
	return reg
}

// Handle refers to one scheduled entry. The zero Handle is inert.
type Handle struct {
	s  *Scheduler
	id uint64
}

func (h Handle) ID() uint64 { return h.id }

// Cancel removes the entry. It reports true only if the entry was removed
// before its firing was committed; at most one Cancel call ever succeeds.
func (h Handle) Cancel() bool {
	if h.s == nil {
		return false
	}
	return h.s.cancel(h.id)
}
