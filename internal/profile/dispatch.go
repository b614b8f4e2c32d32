package profile

import (
	"context"
	"fmt"

	"scripthost/internal/client"
	"scripthost/internal/event"
	"scripthost/internal/eventbus"
	"scripthost/internal/reload"
	"scripthost/internal/schedule"
	logx "scripthost/pkg/logx"
)

// Run is the dispatcher loop. It starts the first slot, then handles work
// until CloseProfile is accepted or ctx is cancelled; either way the live
// slot is shut down before Run returns. Script callbacks are bounded by the
// coordinator's timeouts, not by ctx.
func (p *Profile) Run(ctx context.Context) error {
	defer close(p.done)
	cctx := context.WithoutCancel(ctx)

	p.log.Info("profile started", logx.String("id", p.id), logx.String("script", p.script))
	p.startSlot(cctx)

	for {
		w, ok := p.next()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-ctx.Done():
				p.mu.Lock()
				p.closing = true
				p.discardLocked("closed")
				p.mu.Unlock()
				continue
			}
		}
		switch {
		case w.close:
			p.stopSlot(cctx)
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeProfileClosed, Profile: p.name})
			p.log.Info("profile closed", logx.String("id", p.id))
			return nil
		case w.control != nil:
			p.handleControl(cctx, w.control)
		default:
			p.deliver(cctx, w.slotID, w.ev)
		}
	}
}

func (p *Profile) handleControl(ctx context.Context, c event.Control) {
	p.log.Trace("control", logx.String("request", c.ControlName()))
	var err error
	switch c := c.(type) {
	case event.Send:
		err = p.transport.Send(c.Text, !c.Silent)
	case event.ConnectRequest:
		err = p.transport.Connect()
	case event.DisconnectRequest:
		err = p.transport.Disconnect()
	case event.ReconnectRequest:
		err = p.transport.Reconnect()
	case event.ClientStart:
		if p.liveSlot() != nil {
			break
		}
		if c.Data != nil {
			p.carry = c.Data
		}
		p.startSlot(ctx)
	case event.ClientStop:
		p.stopSlot(ctx)
	case event.ClientRestart:
		p.stopSlot(ctx)
		p.startSlot(ctx)
	}
	if err != nil {
		p.log.Warn("transport request failed", logx.String("request", c.ControlName()), logx.Err(err))
		p.display.WriteLine(MainWindow, fmt.Sprintf("[%s] %v", c.ControlName(), err))
	}
}

func (p *Profile) deliver(ctx context.Context, slotID uint64, ev event.Event) {
	s := p.liveSlot()
	if s == nil || s.ID() != slotID || s.State() != client.Running {
		dropped("slot_not_running")
		return
	}
	handled := p.coord.Deliver(ctx, s, ev)
	if handled {
		return
	}
	switch ev := ev.(type) {
	case event.Command:
		if err := p.transport.Send(ev.Text, true); err != nil {
			p.log.Warn("send failed", logx.Err(err))
		}
	case event.Line:
		p.display.WriteLine(MainWindow, ev.Raw)
	case event.Fragment:
		p.display.WriteLine(MainWindow, ev.Raw)
	}
}

func (p *Profile) liveSlot() *client.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Profile) setLive(s *client.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live != nil && p.live != s {
		p.orphanLocked(p.live.ID())
		p.history = append(p.history, p.live)
		if len(p.history) > historySize {
			p.history = p.history[len(p.history)-historySize:]
		}
	}
	p.live = s
	p.liveID = 0
	if s != nil {
		p.liveID = s.ID()
	}
}

func (p *Profile) startSlot(ctx context.Context) {
	c, err := p.factory()
	if err != nil {
		p.log.Error("client load failed", logx.String("script", p.script), logx.Err(err))
		p.rep.Report(0, "load", err)
		p.display.WriteLine(MainWindow, fmt.Sprintf("[script] load failed: %v", err))
		return
	}

	p.nextID++
	id := p.nextID
	s := client.NewSlot(id, p.script, c, p.carry, p.postTimer(id),
		schedule.WithLogger(p.log.With(logx.Uint64("slot", id))))
	p.setLive(s)

	if err := p.coord.Start(ctx, s, &slotAPI{p: p, slot: s}); err != nil {
		p.carry = s.Outgoing()
		p.setLive(nil)
		p.log.Warn("client start failed", logx.Uint64("slot", id), logx.Err(err))
		p.display.WriteLine(MainWindow, fmt.Sprintf("[script] start failed: %v", err))
		return
	}
	p.carry = nil
	p.log.Info("client started", logx.Uint64("slot", id), logx.String("script", p.script))
}

func (p *Profile) stopSlot(ctx context.Context) {
	s := p.liveSlot()
	if s == nil {
		return
	}
	p.carry = p.coord.Stop(ctx, s)
	p.setLive(nil)
	p.log.Info("client stopped",
		logx.Uint64("slot", s.ID()),
		logx.Int("fields", len(p.carry.Fields)),
		logx.Int("pending", len(p.carry.Pending)),
	)
}

// Carry waits for Run to return and reports the reload data the last slot
// handed over.
func (p *Profile) Carry() *reload.Data {
	<-p.done
	return p.carry
}
