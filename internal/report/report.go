// Package report surfaces script errors to the operator.
package report

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scripthost/internal/eventbus"
	"scripthost/internal/metrics"
	logx "scripthost/pkg/logx"
)

// Reporter receives errors raised by script callbacks. Report must not block.
type Reporter interface {
	Report(slotID uint64, callback string, err error)
}

type Config struct {
	RatePerSec float64
	Burst      int
}

// Log reports to the logger and the event bus. A token bucket bounds the log
// volume of a script that fails on every line; suppressed reports are counted
// and summarised when logging resumes.
type Log struct {
	log     logx.Logger
	bus     eventbus.Bus
	profile string
	lim     *rate.Limiter

	mu         sync.Mutex
	suppressed int
	lastErr    error
}

func NewLog(log logx.Logger, bus eventbus.Bus, profile string, cfg Config) *Log {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Log{
		log:     log.With(logx.String("comp", "report")),
		bus:     bus,
		profile: profile,
		lim:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (r *Log) Report(slotID uint64, callback string, err error) {
	if err == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeScriptError,
		Time:    time.Now(),
		Profile: r.profile,
		SlotID:  slotID,
		Data:    map[string]string{"callback": callback, "error": err.Error()},
	})

	if !r.lim.Allow() {
		r.mu.Lock()
		r.suppressed++
		r.lastErr = err
		r.mu.Unlock()
		metrics.ReportsSuppressed.Inc()
		return
	}

	r.mu.Lock()
	n := r.suppressed
	r.suppressed = 0
	r.lastErr = nil
	r.mu.Unlock()

	fields := []logx.Field{
		logx.Uint64("slot", slotID),
		logx.String("callback", callback),
		logx.Err(err),
	}
	if n > 0 {
		fields = append(fields, logx.Int("suppressed", n))
	}
	var st interface{ Stack() string }
	if errors.As(err, &st) {
		fields = append(fields, logx.Stack(st.Stack()))
	}
	r.log.Warn("script error", fields...)
}

// Suppressed reports how many errors were dropped since the last logged one.
func (r *Log) Suppressed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// Func adapts a function to Reporter.
type Func func(slotID uint64, callback string, err error)

func (f Func) Report(slotID uint64, callback string, err error) { f(slotID, callback, err) }

// Discard drops every report.
var Discard Reporter = Func(func(uint64, string, error) {})
