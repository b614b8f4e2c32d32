// Package profile runs the per-profile dispatcher: one goroutine that
// sequences inbound protocol events, timer fires and control requests into
// the live client slot.
package profile

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"scripthost/internal/client"
	"scripthost/internal/event"
	"scripthost/internal/eventbus"
	"scripthost/internal/reload"
	"scripthost/internal/report"
	logx "scripthost/pkg/logx"
)

var ErrClosed = errors.New("profile closed")

// Transport is the connection to the server. It is provided by the caller.
type Transport interface {
	Send(text string, echo bool) error
	Connect() error
	Disconnect() error
	Reconnect() error
}

// Display renders text for the user.
type Display interface {
	WriteLine(window, text string)
}

// MainWindow is the window protocol output and echoes go to.
const MainWindow = "main"

// Factory builds the client for a new slot. It is called on the dispatcher
// goroutine before the slot's worker exists, so it must not run script
// callbacks.
type Factory func() (client.Client, error)

type Options struct {
	Name      string
	Script    string
	Factory   Factory
	Transport Transport
	Display   Display
	Reporter  report.Reporter
	Bus       eventbus.Bus
	Logger    logx.Logger
	// Initial is handed to the first slot, nil for a fresh start.
	Initial *reload.Data
}

const historySize = 8

type Profile struct {
	id        string
	name      string
	script    string
	coord     *client.Coordinator
	factory   Factory
	transport Transport
	display   Display
	rep       report.Reporter
	bus       eventbus.Bus
	log       logx.Logger

	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	control []event.Control
	queues  map[uint64]*slotQueue
	closing bool
	liveID  uint64
	live    *client.Slot
	history []*client.Slot

	// Owned by the dispatcher goroutine.
	carry  *reload.Data
	nextID uint64
}

func New(coord *client.Coordinator, opts Options) *Profile {
	p := &Profile{
		id:        uuid.NewString(),
		name:      opts.Name,
		script:    opts.Script,
		coord:     coord,
		factory:   opts.Factory,
		transport: opts.Transport,
		display:   opts.Display,
		rep:       opts.Reporter,
		bus:       opts.Bus,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		queues:    map[uint64]*slotQueue{},
		carry:     opts.Initial,
	}
	if p.transport == nil {
		p.transport = nopTransport{}
	}
	if p.display == nil {
		p.display = nopDisplay{}
	}
	if p.rep == nil {
		p.rep = report.Discard
	}
	if p.bus == nil {
		p.bus = eventbus.Nop()
	}
	p.log = opts.Logger.With(logx.String("comp", "profile"), logx.String("profile", p.name))
	return p
}

func (p *Profile) ID() string   { return p.id }
func (p *Profile) Name() string { return p.name }

// Done is closed when the dispatcher has exited.
func (p *Profile) Done() <-chan struct{} { return p.done }

// Post queues an inbound event for the live slot. With no live slot a command
// goes straight to the transport and other events are dropped.
func (p *Profile) Post(ev event.Event) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrClosed
	}
	id := p.liveID
	if id == 0 {
		p.mu.Unlock()
		if cmd, ok := ev.(event.Command); ok {
			return p.Request(event.Send{Text: cmd.Text})
		}
		dropped("no_slot")
		return nil
	}
	p.enqueueLocked(id, ev)
	p.mu.Unlock()
	p.wake()
	return nil
}

// Request queues a control request. CloseProfile takes effect immediately:
// everything still queued is discarded.
func (p *Profile) Request(c event.Control) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.(event.CloseProfile); ok {
		p.closing = true
		p.discardLocked("closed")
	} else {
		p.control = append(p.control, c)
	}
	p.gaugesLocked()
	p.mu.Unlock()
	p.wake()
	return nil
}

// Close asks the dispatcher to shut down. Repeated calls are harmless.
func (p *Profile) Close() {
	_ = p.Request(event.CloseProfile{})
}

func (p *Profile) Restart() error     { return p.Request(event.ClientRestart{}) }
func (p *Profile) StopClient() error  { return p.Request(event.ClientStop{}) }
func (p *Profile) StartClient() error { return p.Request(event.ClientStart{}) }

// StartClientWith starts a client seeded with d instead of the retained data.
// It does nothing while a client is live.
func (p *Profile) StartClientWith(d *reload.Data) error {
	return p.Request(event.ClientStart{Data: d})
}

// Slots returns the live slot (if any) followed by recently terminated ones,
// newest first.
func (p *Profile) Slots() []client.Snapshot {
	p.mu.Lock()
	slots := make([]*client.Slot, 0, len(p.history)+1)
	if p.live != nil {
		slots = append(slots, p.live)
	}
	for i := len(p.history) - 1; i >= 0; i-- {
		slots = append(slots, p.history[i])
	}
	p.mu.Unlock()

	out := make([]client.Snapshot, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Snapshot())
	}
	return out
}

// ReloadData returns the data a slot handed over, or the data it was started
// with while it has not shut down yet.
func (p *Profile) ReloadData(slotID uint64) (*reload.Data, bool) {
	p.mu.Lock()
	var s *client.Slot
	if p.live != nil && p.live.ID() == slotID {
		s = p.live
	}
	for _, h := range p.history {
		if h.ID() == slotID {
			s = h
		}
	}
	p.mu.Unlock()
	if s == nil {
		return nil, false
	}
	if out := s.Outgoing(); out != nil {
		return out, true
	}
	return s.Incoming(), true
}

func (p *Profile) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

type nopTransport struct{}

func (nopTransport) Send(string, bool) error { return nil }
func (nopTransport) Connect() error          { return nil }
func (nopTransport) Disconnect() error       { return nil }
func (nopTransport) Reconnect() error        { return nil }

type nopDisplay struct{}

func (nopDisplay) WriteLine(string, string) {}
