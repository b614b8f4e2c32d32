package script

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"scripthost/internal/eventbus"
	logx "scripthost/pkg/logx"
)

// Watcher calls onChange when the script file's content changes. Editors
// often emit several events per save, so events are debounced and content
// that hashes the same as the last seen version is ignored.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	log      logx.Logger
	bus      eventbus.Bus

	mu   sync.Mutex
	last [32]byte
	seen bool
}

func NewWatcher(path string, debounce time.Duration, log logx.Logger, bus eventbus.Bus, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	w := &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		log:      log.With(logx.String("comp", "script.watch"), logx.String("path", path)),
		bus:      bus,
	}
	w.changed()
	return w
}

// changed rehashes the file and reports whether it differs from the last
// version seen. An unreadable file is not a change.
func (w *Watcher) changed() bool {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return false
	}
	sum := blake3.Sum256(b)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen && sum == w.last {
		return false
	}
	first := !w.seen
	w.last, w.seen = sum, true
	return !first
}

func (w *Watcher) fire() {
	if !w.changed() {
		w.log.Debug("script unchanged; skipping restart")
		return
	}
	w.log.Info("script changed; restarting client")
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeScriptChanged, Data: w.path})
	w.onChange()
}

// Run watches until ctx is done. The fsnotify watcher is recreated with
// jittered backoff if it breaks.
func (w *Watcher) Run(ctx context.Context) error {
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	dir, file := filepath.Dir(w.path), filepath.Base(w.path)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() == nil {
				w.fire()
			}
		})
	}
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, backoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("script watch setup failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = backoffBase
		w.log.Debug("script watcher started")

		w.loop(ctx, fw, file, schedule)
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("script watcher stopped; restarting")
		if !wait() {
			return nil
		}
	}
	return nil
}

// loop returns when ctx is done or the watcher breaks.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, file string, schedule func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("script watch overflow; rechecking")
				schedule()
				continue
			}
			w.log.Warn("script watch error", logx.Err(err))
		}
	}
}
