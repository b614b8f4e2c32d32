package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scripthost/internal/config"
	"scripthost/internal/event"
	"scripthost/internal/eventbus"
	"scripthost/internal/metrics"
	"scripthost/internal/reload"
	"scripthost/internal/report"
	logx "scripthost/pkg/logx"
)

var errStale = errors.New("call expired before it started")

// Coordinator hands callbacks from the dispatcher goroutine to slot workers.
// It is used by a single dispatcher and holds no per-slot state.
type Coordinator struct {
	timeouts config.TimeoutPolicy
	rep      report.Reporter
	bus      eventbus.Bus
	log      logx.Logger
	profile  string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReporter routes callback failures to r. The default discards them.
func WithReporter(r report.Reporter) Option { return func(c *Coordinator) { c.rep = r } }

// WithBus publishes slot lifecycle events on b.
func WithBus(b eventbus.Bus) Option { return func(c *Coordinator) { c.bus = b } }

func WithLogger(l logx.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithProfileName labels published events with the owning profile.
func WithProfileName(n string) Option { return func(c *Coordinator) { c.profile = n } }

// NewCoordinator applies tp to every callback it hands to a worker.
func NewCoordinator(tp config.TimeoutPolicy, opts ...Option) *Coordinator {
	c := &Coordinator{
		timeouts: tp,
		rep:      report.Discard,
		bus:      eventbus.Nop(),
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "handoff"))
	return c
}

// Timeouts returns the policy the coordinator was built with.
func (c *Coordinator) Timeouts() config.TimeoutPolicy { return c.timeouts }

// Start runs Init on the slot worker and then re-arms the pending callbacks
// carried in the slot's reload data. On an init error or timeout the slot is
// shut down (with its own deadline) and the returned error wraps ErrInitError.
func (c *Coordinator) Start(ctx context.Context, s *Slot, p Profile) error {
	var (
		imported int
		impErr   error
	)
	err := c.invoke(ctx, s, "init", c.timeouts.Init, func(ctx context.Context) error {
		if err := s.client.Init(ctx, p, s.incoming); err != nil {
			return err
		}
		imported, impErr = s.sched.ImportReloadable(s.incoming.Pending, s.sched.Registry())
		return nil
	})
	if err == nil {
		c.recordImport(s, imported, impErr)
		return c.move(s, Loading, Running)
	}

	c.rep.Report(s.id, "init", err)
	err = fmt.Errorf("%w: slot %d: %w", ErrInitError, s.id, err)
	if merr := c.move(s, Loading, ShuttingDown); merr != nil {
		return errors.Join(err, merr)
	}
	c.shutdown(ctx, s)
	return err
}

func (c *Coordinator) recordImport(s *Slot, imported int, err error) {
	total := len(s.incoming.Pending)
	if total == 0 {
		return
	}
	metrics.ReloadCarried.Add(float64(imported))
	failed := 0
	if err != nil {
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			failed = len(j.Unwrap())
		} else {
			failed = 1
		}
		metrics.ReloadDropped.WithLabelValues("decode").Add(float64(failed))
		c.rep.Report(s.id, "reload", err)
	}
	if missing := total - imported - failed; missing > 0 {
		metrics.ReloadDropped.WithLabelValues("missing_reloader").Add(float64(missing))
	}
	c.log.Debug("pending callbacks re-armed",
		logx.Uint64("slot", s.id),
		logx.Int("imported", imported),
		logx.Int("total", total),
	)
}

// Deliver offers ev to a running slot and reports whether the script
// consumed it. Errors and timeouts are reported and count as not handled.
func (c *Coordinator) Deliver(ctx context.Context, s *Slot, ev event.Event) bool {
	if tf, ok := ev.(event.TimerFire); ok {
		c.Fire(ctx, s, tf.CallbackID)
		return true
	}
	if s.State() != Running {
		metrics.EventsDropped.WithLabelValues("slot_not_running").Inc()
		return false
	}
	var handled bool
	err := c.invoke(ctx, s, ev.Name(), c.timeouts.Call, func(ctx context.Context) error {
		h, err := s.client.OnEvent(ctx, ev)
		handled = h
		return err
	})
	if err != nil {
		c.rep.Report(s.id, ev.Name(), err)
		return false
	}
	return handled
}

// Fire runs scheduled callback id on the slot worker.
func (c *Coordinator) Fire(ctx context.Context, s *Slot, id uint64) {
	if s.State() != Running {
		metrics.EventsDropped.WithLabelValues("slot_not_running").Inc()
		return
	}
	err := c.invoke(ctx, s, "timer", c.timeouts.Call, func(ctx context.Context) error {
		_, err := s.sched.Run(ctx, id)
		return err
	})
	if err != nil {
		c.rep.Report(s.id, "timer", err)
	}
}

// Stop shuts the slot down and returns the reload data for its successor.
// It is safe to call more than once and on a slot that failed to start.
func (c *Coordinator) Stop(ctx context.Context, s *Slot) *reload.Data {
	switch st := s.State(); st {
	case Loading, Running:
		if err := c.move(s, st, ShuttingDown); err != nil {
			c.log.Warn("stop rejected", logx.Uint64("slot", s.id), logx.Err(err))
			break
		}
		return c.shutdown(ctx, s)
	}
	if out := s.Outgoing(); out != nil {
		return out
	}
	return s.incoming.Clone()
}

type shutdownResult struct {
	data    *reload.Data
	err     error
	pending []reload.PendingCallback
	expErr  error
}

func (c *Coordinator) shutdown(ctx context.Context, s *Slot) *reload.Data {
	if !s.claimShutdown() {
		return s.Outgoing()
	}

	results := make(chan shutdownResult, 1)
	err := c.invoke(ctx, s, "shutdown", c.timeouts.Shutdown, func(ctx context.Context) error {
		var r shutdownResult
		r.data, r.err = s.client.Shutdown(ctx)
		r.pending, r.expErr = s.sched.ExportReloadable()
		results <- r
		return r.err
	})

	var (
		res shutdownResult
		got bool
	)
	select {
	case res = <-results:
		got = true
	default:
	}
	timedOut := errors.Is(err, ErrCallbackTimeout)
	if err != nil {
		c.rep.Report(s.id, "shutdown", err)
	}
	if got && res.expErr != nil {
		metrics.ReloadDropped.WithLabelValues("encode").Inc()
		c.rep.Report(s.id, "reload", res.expErr)
	}

	out := c.outgoing(s, res, got && err == nil)

	s.sched.Close()
	s.mu.Lock()
	s.outgoing = out
	s.mu.Unlock()
	if merr := c.move(s, ShuttingDown, Terminated); merr != nil {
		c.log.Warn("terminate rejected", logx.Uint64("slot", s.id), logx.Err(merr))
	}
	s.retire(timedOut)

	if timedOut {
		metrics.AbandonedWorkers.Inc()
		c.log.Warn("slot worker abandoned",
			logx.Uint64("slot", s.id),
			logx.String("script", s.script),
			logx.Duration("shutdown_timeout", c.timeouts.Shutdown),
		)
	}
	return out
}

// outgoing builds the successor's reload data. A clean shutdown hands over
// what the script returned plus its exported callbacks. When shutdown failed,
// or the slot never finished init, the slot's incoming fields are carried
// forward underneath, so a broken script version does not wipe state.
func (c *Coordinator) outgoing(s *Slot, res shutdownResult, clean bool) *reload.Data {
	s.mu.Lock()
	wasRunning := s.wasRunning
	s.mu.Unlock()

	out := reload.New()
	if !clean || !wasRunning {
		for k, v := range s.incoming.Fields {
			out.Fields[k] = v
		}
	}
	if clean && res.data != nil {
		for k, v := range res.data.Fields {
			out.Fields[k] = v
		}
		out.Pending = append(out.Pending, res.data.Pending...)
	}
	switch {
	case !wasRunning:
		// Incoming callbacks were never re-armed; keep them for the next slot.
		out.Pending = append(out.Pending, s.incoming.Pending...)
	case res.pending != nil:
		out.Pending = append(out.Pending, res.pending...)
	}
	return out
}

// invoke submits fn to the slot worker and waits for it, both bounded by
// timeout. On timeout the call's context is cancelled and the worker is left
// to finish (or skip) it on its own.
func (c *Coordinator) invoke(ctx context.Context, s *Slot, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cl := &call{name: name, ctx: cctx, fn: fn, done: make(chan error, 1)}
	err := func() error {
		select {
		case s.inbox <- cl:
		case <-cctx.Done():
			return fmt.Errorf("%w: %s: worker busy for %s", ErrCallbackTimeout, name, timeout)
		}
		select {
		case err := <-cl.done:
			return err
		case <-cctx.Done():
			select {
			case err := <-cl.done:
				return err
			default:
			}
			return fmt.Errorf("%w: %s after %s", ErrCallbackTimeout, name, timeout)
		}
	}()
	if errors.Is(err, errStale) {
		err = fmt.Errorf("%w: %s expired in queue", ErrCallbackTimeout, name)
	}
	c.observe(s, name, err, time.Since(start))
	return err
}

func (c *Coordinator) observe(s *Slot, name string, err error, took time.Duration) {
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, ErrCallbackTimeout):
		outcome = metrics.OutcomeTimeout
	case err != nil:
		outcome = metrics.OutcomeError
	}
	metrics.CallbackOutcomes.WithLabelValues(name, outcome).Inc()
	metrics.CallbackDuration.WithLabelValues(name).Observe(float64(took) / float64(time.Millisecond))
	c.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeCallbackOutcome,
		Profile: c.profile,
		SlotID:  s.id,
		Data:    eventbus.CallbackOutcome{Callback: name, Outcome: outcome, Elapsed: took},
	})
	if outcome == metrics.OutcomeTimeout {
		c.log.Warn("callback timeout", logx.Uint64("slot", s.id), logx.String("callback", name), logx.Duration("took", took))
	}
}

func (c *Coordinator) move(s *Slot, from, to State) error {
	if err := s.transition(from, to); err != nil {
		return err
	}
	metrics.SlotTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeSlotState,
		Profile: c.profile,
		SlotID:  s.id,
		Data:    eventbus.SlotState{From: from.String(), To: to.String()},
	})
	c.log.Debug("slot state", logx.Uint64("slot", s.id), logx.String("from", from.String()), logx.String("to", to.String()))
	return nil
}
