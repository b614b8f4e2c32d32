package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

type entry struct {
	id     uint64
	seq    uint64
	fireAt time.Time

	period time.Duration
	cron   cron.Schedule

	reloadable bool
	typeKey    string
	task       Task

	index  int // position in the heap, -1 when not queued
	posted int // fires posted to the sink and not yet run
}

func (e *entry) periodic() bool { return e.period > 0 || e.cron != nil }

// entryHeap orders by fireAt, then insertion sequence.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
