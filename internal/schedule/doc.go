// Package schedule implements the per-slot timer scheduler.
//
// The scheduler never runs tasks itself. A single timer goroutine pops due
// entries and posts their ids to a Sink (the profile dispatcher), which later
// calls Run on the slot's worker goroutine. This keeps every script callback on
// the worker, whichever goroutine did the scheduling.
//
// One-shot entries may be marked reloadable; ExportReloadable and
// ImportReloadable carry them across a script reload with their remaining delay.
package schedule
