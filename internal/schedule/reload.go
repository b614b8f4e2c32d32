package schedule

import (
	"errors"
	"fmt"
	"sort"

	"scripthost/internal/reload"
	logx "scripthost/pkg/logx"
)

// ExportReloadable lists pending reloadable one-shots in fire order with their
// remaining delay. Fired one-shots that have not run yet are included with a
// zero delay. Entries whose reloader is missing or fails to encode are left
// out and reported in the returned error.
func (s *Scheduler) ExportReloadable() ([]reload.PendingCallback, error) {
	reg := s.Registry()
	s.mu.Lock()
	now := s.now()
	var list []*entry
	for _, e := range s.entries {
		if e.reloadable && !e.periodic() {
			list = append(list, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].fireAt.Equal(list[j].fireAt) {
			return list[i].seq < list[j].seq
		}
		return list[i].fireAt.Before(list[j].fireAt)
	})

	var (
		out  = make([]reload.PendingCallback, 0, len(list))
		errs []error
	)
	for _, e := range list {
		r, ok := reg[e.typeKey]
		if !ok {
			errs = append(errs, fmt.Errorf("export %q: %w", e.typeKey, ErrMissingReloader))
			continue
		}
		payload, err := r.EncodeTask(e.task)
		if err != nil {
			errs = append(errs, fmt.Errorf("export %q: %w", e.typeKey, err))
			continue
		}
		out = append(out, reload.PendingCallback{
			TypeKey:        e.typeKey,
			RemainingDelay: clampDelay(e.fireAt.Sub(now)),
			Payload:        payload,
		})
	}
	return out, errors.Join(errs...)
}

// ImportReloadable schedules pending callbacks carried from a previous slot.
// Callbacks with no reloader in reg are dropped silently; a decode failure
// drops only that callback and is reported in the returned error. The
// reloaders in reg are registered so imported entries can be exported again.
func (s *Scheduler) ImportReloadable(pending []reload.PendingCallback, reg Registry) (int, error) {
	for _, r := range reg {
		s.Register(r)
	}
	var (
		imported int
		errs     []error
	)
	for _, p := range pending {
		r, ok := reg[p.TypeKey]
		if !ok {
			s.log.Debug("pending callback dropped",
				logx.String("type_key", p.TypeKey),
				logx.Err(ErrMissingReloader),
			)
			continue
		}
		task, err := r.DecodeTask(p.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("import %q: %w", p.TypeKey, err))
			continue
		}
		if h := s.OnceReloadable(p.RemainingDelay, task, p.TypeKey); h.s == nil {
			errs = append(errs, fmt.Errorf("import %q: %w", p.TypeKey, ErrClosed))
			continue
		}
		imported++
	}
	return imported, errors.Join(errs...)
}
