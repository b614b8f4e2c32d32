package profile

import (
	"scripthost/internal/event"
	"scripthost/internal/metrics"
)

type slotQueue struct {
	high   []event.Event
	normal []event.Event

	// A round drains the high events queued when it began, then takes one
	// normal event. High events queued during the round wait for the next.
	inRound    bool
	highBudget int
}

func (q *slotQueue) empty() bool { return len(q.high) == 0 && len(q.normal) == 0 }

func (q *slotQueue) push(ev event.Event) {
	if ev.Priority() == event.High {
		q.high = append(q.high, ev)
	} else {
		q.normal = append(q.normal, ev)
	}
}

func popFront(evs *[]event.Event) (event.Event, bool) {
	if len(*evs) == 0 {
		return nil, false
	}
	ev := (*evs)[0]
	(*evs)[0] = nil
	*evs = (*evs)[1:]
	return ev, true
}

func (q *slotQueue) pop() (event.Event, bool) {
	if !q.inRound {
		q.inRound = true
		q.highBudget = len(q.high)
	}
	if q.highBudget > 0 {
		q.highBudget--
		if ev, ok := popFront(&q.high); ok {
			return ev, true
		}
	}
	q.inRound = false
	if ev, ok := popFront(&q.normal); ok {
		return ev, true
	}
	// No normal event to interleave: start the next round straight away.
	if len(q.high) > 0 {
		q.inRound = true
		q.highBudget = len(q.high) - 1
		return popFront(&q.high)
	}
	return nil, false
}

// work is one unit for the dispatcher: a control request or a slot event.
type work struct {
	control event.Control
	slotID  uint64
	ev      event.Event
	close   bool
}

func (p *Profile) enqueueLocked(slotID uint64, ev event.Event) {
	q := p.queues[slotID]
	if q == nil {
		q = &slotQueue{}
		p.queues[slotID] = q
	}
	q.push(ev)
	p.gaugesLocked()
}

// postTimer is the scheduler sink for slot slotID.
func (p *Profile) postTimer(slotID uint64) func(id uint64) {
	return func(id uint64) {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return
		}
		p.enqueueLocked(slotID, event.TimerFire{CallbackID: id})
		p.mu.Unlock()
		p.wake()
	}
}

// next picks the next unit of work: close first, then controls, then the
// live slot's events. Queues of slots that are no longer live are dropped.
func (p *Profile) next() (work, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return work{close: true}, true
	}
	if len(p.control) > 0 {
		c := p.control[0]
		p.control[0] = nil
		p.control = p.control[1:]
		p.gaugesLocked()
		return work{control: c}, true
	}
	for id, q := range p.queues {
		if id != p.liveID {
			countDropped("stale_slot", q)
			delete(p.queues, id)
		}
	}
	q := p.queues[p.liveID]
	if q == nil {
		return work{}, false
	}
	ev, ok := q.pop()
	if q.empty() {
		delete(p.queues, p.liveID)
	}
	p.gaugesLocked()
	return work{slotID: p.liveID, ev: ev}, ok
}

// orphanLocked drops the queue of a slot that is no longer live. Queued
// commands still reach the server, as they would with no slot at all.
func (p *Profile) orphanLocked(slotID uint64) {
	q := p.queues[slotID]
	if q == nil {
		return
	}
	delete(p.queues, slotID)
	for _, ev := range q.high {
		if cmd, ok := ev.(event.Command); ok {
			p.control = append(p.control, event.Send{Text: cmd.Text})
			continue
		}
		dropped("stale_slot")
	}
	if n := len(q.normal); n > 0 {
		metrics.EventsDropped.WithLabelValues("stale_slot").Add(float64(n))
	}
	p.gaugesLocked()
}

func (p *Profile) discardLocked(reason string) {
	if n := len(p.control); n > 0 {
		metrics.EventsDropped.WithLabelValues(reason).Add(float64(n))
	}
	p.control = nil
	for id, q := range p.queues {
		countDropped(reason, q)
		delete(p.queues, id)
	}
}

func (p *Profile) gaugesLocked() {
	var high, normal int
	for _, q := range p.queues {
		high += len(q.high)
		normal += len(q.normal)
	}
	metrics.QueueDepth.WithLabelValues("control").Set(float64(len(p.control)))
	metrics.QueueDepth.WithLabelValues("high").Set(float64(high))
	metrics.QueueDepth.WithLabelValues("normal").Set(float64(normal))
}

func countDropped(reason string, q *slotQueue) {
	if n := len(q.high) + len(q.normal); n > 0 {
		metrics.EventsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func dropped(reason string) { metrics.EventsDropped.WithLabelValues(reason).Inc() }
