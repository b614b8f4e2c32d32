package script

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"

	"scripthost/internal/client"
	"scripthost/internal/codec"
	"scripthost/internal/event"
	"scripthost/internal/reload"
	"scripthost/internal/schedule"
)

// kindPrefix namespaces script timer kinds among reloader type keys.
const kindPrefix = "script:"

// binding connects one script instance to its profile and scheduler. The
// exported host functions close over it.
type binding struct {
	c     *Client
	p     client.Profile
	sched *schedule.Scheduler

	ctx atomic.Value // context.Context of the callback in progress

	in    *reload.Data // data the slot was started with
	saved *reload.Data // states recorded with SaveState, merged into Shutdown's output

	mu       sync.Mutex
	volatile map[int64]schedule.Handle
	handles  map[int64]schedule.Handle
}

func newBinding(c *Client, p client.Profile, in *reload.Data) *binding {
	return &binding{
		c:        c,
		p:        p,
		sched:    p.Scheduler(),
		in:       in,
		saved:    reload.New(),
		volatile: map[int64]schedule.Handle{},
		handles:  map[int64]schedule.Handle{},
	}
}

func (b *binding) enter(ctx context.Context) { b.ctx.Store(ctx) }

// interrupted reports whether the host has stopped waiting for the current
// callback. Long-running scripts should poll it and return.
func (b *binding) interrupted() bool {
	ctx, _ := b.ctx.Load().(context.Context)
	return ctx != nil && ctx.Err() != nil
}

func (b *binding) track(h schedule.Handle, volatile bool) int64 {
	id := int64(h.ID())
	if id == 0 {
		return 0
	}
	b.mu.Lock()
	b.handles[id] = h
	if volatile {
		b.volatile[id] = h
	}
	b.mu.Unlock()
	return id
}

func (b *binding) cancel(id int64) bool {
	b.mu.Lock()
	h, ok := b.handles[id]
	delete(b.handles, id)
	delete(b.volatile, id)
	b.mu.Unlock()
	return ok && h.Cancel()
}

// forget drops a one-shot handle once its timer has run.
func (b *binding) forget(id int64) {
	b.mu.Lock()
	delete(b.handles, id)
	delete(b.volatile, id)
	b.mu.Unlock()
}

// cancelVolatile drops non-reloadable timers so none fire between shutdown
// and the scheduler being closed.
func (b *binding) cancelVolatile() {
	b.mu.Lock()
	hs := b.volatile
	b.volatile = map[int64]schedule.Handle{}
	b.mu.Unlock()
	for _, h := range hs {
		h.Cancel()
	}
}

func (b *binding) task(f func()) schedule.Task {
	return schedule.TaskFunc(func(context.Context) error {
		f()
		return nil
	})
}

func (b *binding) after(ms int, f func()) int64 {
	id := new(atomic.Int64)
	h := b.sched.Once(time.Duration(ms)*time.Millisecond, b.task(func() {
		b.forget(id.Load())
		f()
	}))
	id.Store(b.track(h, true))
	return id.Load()
}

func (b *binding) every(ms int, f func()) int64 {
	d := time.Duration(ms) * time.Millisecond
	h, err := b.sched.Every(d, d, b.task(f))
	if err != nil {
		b.p.PrintError(err)
		return 0
	}
	return b.track(h, true)
}

func (b *binding) cron(spec string, f func()) int64 {
	h, err := b.sched.Cron(spec, b.task(f))
	if err != nil {
		b.p.PrintError(err)
		return 0
	}
	return b.track(h, true)
}

func (b *binding) afterReloadable(ms int, kind, payload string) int64 {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		b.p.PrintError(fmt.Errorf("AfterReloadable: kind required"))
		return 0
	}
	b.sched.Register(timerReloader{b: b, kind: kind})
	t := timerTask{b: b, kind: kind, payload: payload, id: new(atomic.Int64)}
	t.id.Store(b.track(b.sched.OnceReloadable(time.Duration(ms)*time.Millisecond, t, kindPrefix+kind), false))
	return t.id.Load()
}

// registerPendingKinds accepts every script timer carried in data, so a
// script only needs an OnTimer function to receive them.
func (b *binding) registerPendingKinds(data *reload.Data) {
	for _, pc := range data.Pending {
		if kind, ok := strings.CutPrefix(pc.TypeKey, kindPrefix); ok && kind != "" {
			b.sched.Register(timerReloader{b: b, kind: kind})
		}
	}
}

func (b *binding) saveState(name string, version int, fields map[string]string) {
	if strings.TrimSpace(name) == "" {
		b.p.PrintError(fmt.Errorf("SaveState: name required"))
		return
	}
	reload.SaveState(b.saved, name, &scriptState{name: name, version: version, fields: fields})
}

// loadState returns nil when nothing was saved under name at this version.
func (b *binding) loadState(name string, version int) map[string]string {
	st := &scriptState{name: name, version: version}
	ok, err := reload.LoadState(b.in, name, st)
	if err != nil {
		b.p.PrintError(err)
		return nil
	}
	if !ok {
		return nil
	}
	return st.fields
}

// scriptState stores a script's named field set under "<name>." keys.
type scriptState struct {
	name    string
	version int
	fields  map[string]string
}

func (s *scriptState) SchemaVersion() int { return s.version }

func (s *scriptState) prefix() string { return s.name + "." }

func (s *scriptState) ToReloadData(d *reload.Data) {
	for k := range d.Fields {
		if strings.HasPrefix(k, s.prefix()) {
			delete(d.Fields, k)
		}
	}
	for k, v := range s.fields {
		d.Set(s.prefix()+k, v)
	}
}

func (s *scriptState) FromReloadData(d *reload.Data) error {
	s.fields = map[string]string{}
	for k, v := range d.Fields {
		if key, ok := strings.CutPrefix(k, s.prefix()); ok {
			s.fields[key] = v
		}
	}
	return nil
}

// timerTask is a reloadable script timer. Its payload is opaque to the host.
type timerTask struct {
	b       *binding
	kind    string
	payload string
	id      *atomic.Int64 // nil for timers carried over a reload
}

func (t timerTask) Run(context.Context) error {
	if t.id != nil {
		t.b.forget(t.id.Load())
	}
	t.b.c.onTimer(t.kind, t.payload)
	return nil
}

type timerReloader struct {
	b    *binding
	kind string
}

func (r timerReloader) TypeKey() string { return kindPrefix + r.kind }

func (r timerReloader) EncodeTask(t schedule.Task) (string, error) {
	tt, ok := t.(timerTask)
	if !ok {
		return "", fmt.Errorf("%s: unexpected task %T", r.TypeKey(), t)
	}
	return tt.payload, nil
}

func (r timerReloader) DecodeTask(payload string) (schedule.Task, error) {
	return timerTask{b: r.b, kind: r.kind, payload: payload}, nil
}

// exports is the "host" package seen by the script.
func (b *binding) exports() interp.Exports {
	p := b.p
	return interp.Exports{
		"host/host": {
			"Name":            reflect.ValueOf(p.Name),
			"Send":            reflect.ValueOf(p.Send),
			"SendSilently":    reflect.ValueOf(p.SendSilently),
			"Echo":            reflect.ValueOf(p.Echo),
			"Connect":         reflect.ValueOf(p.Connect),
			"Disconnect":      reflect.ValueOf(p.Disconnect),
			"Reconnect":       reflect.ValueOf(p.Reconnect),
			"Restart":         reflect.ValueOf(p.ClientRestart),
			"Stop":            reflect.ValueOf(p.ClientStop),
			"Close":           reflect.ValueOf(p.Close),
			"Error":           reflect.ValueOf(func(msg string) { p.PrintError(fmt.Errorf("%s", msg)) }),
			"After":           reflect.ValueOf(b.after),
			"Every":           reflect.ValueOf(b.every),
			"Cron":            reflect.ValueOf(b.cron),
			"AfterReloadable": reflect.ValueOf(b.afterReloadable),
			"Cancel":          reflect.ValueOf(b.cancel),
			"SaveState":       reflect.ValueOf(b.saveState),
			"LoadState":       reflect.ValueOf(b.loadState),
			"Interrupted":     reflect.ValueOf(b.interrupted),
			"StripColors":     reflect.ValueOf(event.StripColors),
			"Encode":          reflect.ValueOf(codec.Encode),
			"Decode":          reflect.ValueOf(decodeOrNil),
		},
	}
}

func decodeOrNil(s string) []string {
	out, err := codec.Decode(s)
	if err != nil {
		return nil
	}
	return out
}
