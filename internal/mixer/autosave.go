package mixer

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSaveDelay is the idle period before a debounced write.
const DefaultSaveDelay = 10 * time.Second

// autosaver owns the debounce timer. Every schedule cancels the pending timer
// and arms a new one; flush cancels it for good and writes exactly once.
type autosaver struct {
	delay    time.Duration
	store    SnapshotStore
	source   func() Snapshot
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64 // invalidates timers that fired while being replaced
	exiting bool

	// writeMu keeps a background write and the shutdown flush apart.
	writeMu sync.Mutex
}

func newAutosaver(store SnapshotStore, delay time.Duration, source func() Snapshot, logger *slog.Logger, obs Observer) *autosaver {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &autosaver{
		delay:    delay,
		store:    store,
		source:   source,
		logger:   logger,
		observer: obs,
	}
}

func (a *autosaver) schedule() {
	if a == nil || a.store == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exiting {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.delay, func() { a.fire(gen) })
}

// pending reports whether a debounced write is armed.
func (a *autosaver) pending() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

func (a *autosaver) fire(gen uint64) {
	a.mu.Lock()
	if a.exiting || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	_ = a.write("debounce")
}

// flush cancels any pending timer and writes synchronously. Only the first
// call writes; later calls return nil without touching storage.
func (a *autosaver) flush() error {
	if a == nil || a.store == nil {
		return nil
	}
	a.mu.Lock()
	if a.exiting {
		a.mu.Unlock()
		return nil
	}
	a.exiting = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.mu.Unlock()

	return a.write("shutdown")
}

func (a *autosaver) write(reason string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	// Nothing but the shutdown flush writes once exiting is set.
	if reason != "shutdown" {
		a.mu.Lock()
		exiting := a.exiting
		a.mu.Unlock()
		if exiting {
			return nil
		}
	}

	err := a.store.Save(a.source())
	a.observer.StatePersisted(err)
	if err != nil {
		a.logger.Error("failed to save state", "reason", reason, "error", err)
		return err
	}
	a.logger.Debug("state saved", "reason", reason)
	return nil
}
