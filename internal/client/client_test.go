package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/internal/config"
	"scripthost/internal/event"
	"scripthost/internal/reload"
	"scripthost/internal/report"
	"scripthost/internal/schedule"
)

type fakeClient struct {
	init     func(ctx context.Context, p Profile, d *reload.Data) error
	shutdown func(ctx context.Context) (*reload.Data, error)
	onEvent  func(ctx context.Context, ev event.Event) (bool, error)

	shutdowns atomic.Int32
}

func (f *fakeClient) Init(ctx context.Context, p Profile, d *reload.Data) error {
	if f.init == nil {
		return nil
	}
	return f.init(ctx, p, d)
}

func (f *fakeClient) Shutdown(ctx context.Context) (*reload.Data, error) {
	f.shutdowns.Add(1)
	if f.shutdown == nil {
		return reload.New(), nil
	}
	return f.shutdown(ctx)
}

func (f *fakeClient) OnEvent(ctx context.Context, ev event.Event) (bool, error) {
	if f.onEvent == nil {
		return false, nil
	}
	return f.onEvent(ctx, ev)
}

type fakeProfile struct {
	slot *Slot
}

func (fakeProfile) Name() string        { return "test" }
func (fakeProfile) Send(string)         {}
func (fakeProfile) SendSilently(string) {}
func (fakeProfile) Echo(string)         {}
func (fakeProfile) Connect()            {}
func (fakeProfile) Disconnect()         {}
func (fakeProfile) Reconnect()          {}
func (fakeProfile) ClientRestart()      {}
func (fakeProfile) ClientStop()         {}
func (fakeProfile) Close()              {}
func (fakeProfile) PrintError(error)    {}

func (p fakeProfile) Scheduler(rs ...schedule.Reloader) *schedule.Scheduler {
	p.slot.Scheduler().Register(rs...)
	return p.slot.Scheduler()
}

type reports struct {
	mu   sync.Mutex
	errs []error
}

func (r *reports) reporter() report.Reporter {
	return report.Func(func(_ uint64, _ string, err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
}

func (r *reports) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

var fastTimeouts = config.TimeoutPolicy{
	Init:     100 * time.Millisecond,
	Call:     50 * time.Millisecond,
	Shutdown: 100 * time.Millisecond,
}

func newTestSlot(t *testing.T, c Client, incoming *reload.Data) *Slot {
	t.Helper()
	s := NewSlot(1, "test.go", c, incoming, nil)
	t.Cleanup(s.sched.Close)
	return s
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	in := reload.New()
	in.Set("count", "4")

	var seen *reload.Data
	fc := &fakeClient{
		init: func(_ context.Context, _ Profile, d *reload.Data) error {
			seen = d
			return nil
		},
		onEvent: func(_ context.Context, ev event.Event) (bool, error) {
			_, isCmd := ev.(event.Command)
			return isCmd, nil
		},
		shutdown: func(context.Context) (*reload.Data, error) {
			d := reload.New()
			d.Set("count", "5")
			return d, nil
		},
	}
	c := NewCoordinator(fastTimeouts)
	s := newTestSlot(t, fc, in)
	require.Equal(t, Loading, s.State())

	require.NoError(t, c.Start(context.Background(), s, fakeProfile{slot: s}))
	assert.Equal(t, Running, s.State())
	assert.Equal(t, "4", seen.GetOr("count", ""))

	assert.True(t, c.Deliver(context.Background(), s, event.Command{Text: "look"}))
	assert.False(t, c.Deliver(context.Background(), s, event.Line{Num: 1, Raw: "x"}))

	out := c.Stop(context.Background(), s)
	assert.Equal(t, Terminated, s.State())
	assert.Equal(t, "5", out.GetOr("count", ""))

	again := c.Stop(context.Background(), s)
	assert.Same(t, out, again)
	assert.Equal(t, int32(1), fc.shutdowns.Load())

	assert.False(t, c.Deliver(context.Background(), s, event.Command{Text: "look"}))
}

func TestInitErrorShutsDown(t *testing.T) {
	t.Parallel()

	in := reload.New()
	in.Set("keep", "me")
	in.Pending = []reload.PendingCallback{{TypeKey: "echo", RemainingDelay: time.Second, Payload: "p"}}

	rep := &reports{}
	fc := &fakeClient{
		init: func(context.Context, Profile, *reload.Data) error { return errors.New("syntax") },
		shutdown: func(context.Context) (*reload.Data, error) {
			return nil, nil
		},
	}
	c := NewCoordinator(fastTimeouts, WithReporter(rep.reporter()))
	s := newTestSlot(t, fc, in)

	err := c.Start(context.Background(), s, fakeProfile{slot: s})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitError)
	assert.ErrorIs(t, err, ErrCallbackError)
	assert.Equal(t, Terminated, s.State())
	assert.Equal(t, int32(1), fc.shutdowns.Load())

	out := c.Stop(context.Background(), s)
	assert.Equal(t, int32(1), fc.shutdowns.Load())
	assert.Equal(t, in.Pending, out.Pending, "callbacks never re-armed are carried forward")
	assert.Equal(t, "me", out.GetOr("keep", ""))
	require.Len(t, rep.all(), 1)
}

func TestInitTimeoutEscalation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	in := reload.New()
	in.Set("keep", "me")
	fc := &fakeClient{
		init: func(context.Context, Profile, *reload.Data) error {
			<-release
			return nil
		},
	}
	c := NewCoordinator(fastTimeouts)
	s := newTestSlot(t, fc, in)

	start := time.Now()
	err := c.Start(context.Background(), s, fakeProfile{slot: s})
	took := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallbackTimeout)
	assert.ErrorIs(t, err, ErrInitError)
	assert.Less(t, took, fastTimeouts.Init+fastTimeouts.Shutdown+time.Second)
	assert.GreaterOrEqual(t, took, fastTimeouts.Init+fastTimeouts.Shutdown)

	assert.Equal(t, Terminated, s.State())
	assert.True(t, s.Snapshot().Abandoned)
	assert.Equal(t, int32(0), fc.shutdowns.Load(), "worker never got to shutdown")
	assert.Equal(t, "me", c.Stop(context.Background(), s).GetOr("keep", ""))
}

func TestCallTimeoutCancelsContext(t *testing.T) {
	t.Parallel()

	interrupted := make(chan error, 1)
	rep := &reports{}
	fc := &fakeClient{
		onEvent: func(ctx context.Context, _ event.Event) (bool, error) {
			<-ctx.Done()
			interrupted <- ctx.Err()
			return true, nil
		},
	}
	c := NewCoordinator(fastTimeouts, WithReporter(rep.reporter()))
	s := newTestSlot(t, fc, nil)
	require.NoError(t, c.Start(context.Background(), s, fakeProfile{slot: s}))

	assert.False(t, c.Deliver(context.Background(), s, event.Line{Raw: "slow"}))
	select {
	case err := <-interrupted:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("callback context was not cancelled")
	}
	errs := rep.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCallbackTimeout)
	assert.Equal(t, Running, s.State())
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		ran      atomic.Int32
	)
	fc := &fakeClient{
		onEvent: func(context.Context, event.Event) (bool, error) {
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			ran.Add(1)
			time.Sleep(120 * time.Millisecond)
			inFlight.Add(-1)
			return true, nil
		},
	}
	c := NewCoordinator(fastTimeouts)
	s := newTestSlot(t, fc, nil)
	require.NoError(t, c.Start(context.Background(), s, fakeProfile{slot: s}))

	for i := 0; i < 5; i++ {
		c.Deliver(context.Background(), s, event.Line{Num: int64(i)})
	}
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Less(t, ran.Load(), int32(5), "expired calls are skipped by the worker")
}

func TestPanicBecomesCallbackError(t *testing.T) {
	t.Parallel()

	rep := &reports{}
	var calls atomic.Int32
	fc := &fakeClient{
		onEvent: func(context.Context, event.Event) (bool, error) {
			if calls.Add(1) == 1 {
				panic("kaboom")
			}
			return true, nil
		},
	}
	c := NewCoordinator(fastTimeouts, WithReporter(rep.reporter()))
	s := newTestSlot(t, fc, nil)
	require.NoError(t, c.Start(context.Background(), s, fakeProfile{slot: s}))

	assert.False(t, c.Deliver(context.Background(), s, event.Command{Text: "x"}))
	assert.True(t, c.Deliver(context.Background(), s, event.Command{Text: "y"}))

	errs := rep.all()
	require.Len(t, errs, 1)
	var ce *CallbackError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, "command", ce.Callback)
	assert.NotEmpty(t, ce.Stack())
	assert.ErrorIs(t, errs[0], ErrCallbackError)
}

func TestShutdownTimeoutAbandonsWorker(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	in := reload.New()
	in.Set("last", "good")
	fc := &fakeClient{
		shutdown: func(context.Context) (*reload.Data, error) {
			<-release
			return reload.New(), nil
		},
	}
	c := NewCoordinator(fastTimeouts)
	s := newTestSlot(t, fc, in)
	require.NoError(t, c.Start(context.Background(), s, fakeProfile{slot: s}))

	start := time.Now()
	out := c.Stop(context.Background(), s)
	assert.Less(t, time.Since(start), fastTimeouts.Shutdown+time.Second)

	assert.Equal(t, Terminated, s.State())
	assert.True(t, s.Snapshot().Abandoned)
	assert.Equal(t, "good", out.GetOr("last", ""))
}

type echoTask struct{ msg string }

func (echoTask) Run(context.Context) error { return nil }

type echoReloader struct{}

func (echoReloader) TypeKey() string { return "echo" }

func (echoReloader) EncodeTask(t schedule.Task) (string, error) {
	return t.(echoTask).msg, nil
}

func (echoReloader) DecodeTask(p string) (schedule.Task, error) { return echoTask{msg: p}, nil }

func TestReloadCarriesPendingCallbacks(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(fastTimeouts)
	scheduling := &fakeClient{
		init: func(_ context.Context, p Profile, _ *reload.Data) error {
			p.Scheduler(echoReloader{}).OnceReloadable(5*time.Second, echoTask{msg: "hello"}, "echo")
			return nil
		},
	}
	first := newTestSlot(t, scheduling, nil)
	require.NoError(t, c.Start(context.Background(), first, fakeProfile{slot: first}))

	out := c.Stop(context.Background(), first)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "hello", out.Pending[0].Payload)
	assert.LessOrEqual(t, out.Pending[0].RemainingDelay, 5*time.Second)
	assert.Greater(t, out.Pending[0].RemainingDelay, 4*time.Second)

	// Survives the wire format too.
	carried, err := reload.Unmarshal(reload.Marshal(out))
	require.NoError(t, err)

	registering := &fakeClient{
		init: func(_ context.Context, p Profile, _ *reload.Data) error {
			p.Scheduler(echoReloader{})
			return nil
		},
	}
	second := NewSlot(2, "test.go", registering, carried, nil)
	t.Cleanup(second.sched.Close)
	require.NoError(t, c.Start(context.Background(), second, fakeProfile{slot: second}))
	assert.Equal(t, 1, second.Snapshot().Pending)

	// No reloader registered: dropped silently.
	third := NewSlot(3, "test.go", &fakeClient{}, carried, nil)
	t.Cleanup(third.sched.Close)
	require.NoError(t, c.Start(context.Background(), third, fakeProfile{slot: third}))
	assert.Equal(t, 0, third.Snapshot().Pending)
}

func TestTimerFiresOnWorker(t *testing.T) {
	t.Parallel()

	fired := make(chan uint64, 1)
	ran := make(chan struct{}, 1)
	fc := &fakeClient{
		init: func(_ context.Context, p Profile, _ *reload.Data) error {
			p.Scheduler().Once(time.Millisecond, schedule.TaskFunc(func(context.Context) error {
				ran <- struct{}{}
				return nil
			}))
			return nil
		},
	}
	c := NewCoordinator(fastTimeouts)
	s := NewSlot(1, "test.go", fc, nil, func(id uint64) { fired <- id })
	t.Cleanup(s.sched.Close)
	require.NoError(t, c.Start(context.Background(), s, fakeProfile{slot: s}))

	var id uint64
	select {
	case id = <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, c.Deliver(context.Background(), s, event.TimerFire{CallbackID: id}))
	select {
	case <-ran:
	default:
		t.Fatal("task did not run")
	}
}

func TestIllegalTransition(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, &fakeClient{}, nil)
	assert.ErrorIs(t, s.transition(Running, Loading), ErrIllegalTransition)
	assert.ErrorIs(t, s.transition(Loading, Terminated), ErrIllegalTransition)
	require.NoError(t, s.transition(Loading, Running))
	assert.ErrorIs(t, s.transition(Loading, Running), ErrIllegalTransition)
}
