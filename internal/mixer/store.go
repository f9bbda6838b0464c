package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"
)

// ErrUnknownParameter is returned when a logical key is not in the catalog.
var ErrUnknownParameter = errors.New("mixer: unknown parameter")

// entry is one arena slot. Its mutex covers state only; def never changes.
type entry struct {
	mu    sync.Mutex
	key   Key
	def   *Operation
	state State

	// stereo lists the arena slots of multi-index parameters that share this
	// (mono) parameter's id and index.
	stereo []int
}

func (e *entry) snapshot() Parameter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Parameter{Key: e.key, Def: e.def, State: e.state}
}

// Store is the runtime state layered over a Catalog.
//
// Parameters live in a single arena; the key and address maps index into it.
// Each parameter has its own lock, so updates to different parameters never
// wait on each other.
type Store struct {
	catalog *Catalog
	logger  *slog.Logger

	entries []*entry
	byKey   map[Key]int
	byAddr  map[Address]int
	byMute  map[Address]int

	activeMu sync.RWMutex
	active   OutputDevice

	saver *autosaver
}

// StoreOptions configures persistence and logging for NewStore.
type StoreOptions struct {
	// Snapshots is where debounced writes go. Nil disables persistence.
	Snapshots SnapshotStore
	// SaveDelay defaults to DefaultSaveDelay.
	SaveDelay time.Duration
	Logger    *slog.Logger
	Observer  Observer
}

// NewStore builds the arena and reverse indices from cat and seeds every
// parameter with its catalog default.
func NewStore(cat *Catalog, opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	n := cat.Len()
	s := &Store{
		catalog: cat,
		logger:  logger,
		entries: make([]*entry, 0, n),
		byKey:   make(map[Key]int, n),
		byAddr:  make(map[Address]int, n),
		byMute:  make(map[Address]int),
		active:  Monitoring,
	}

	for _, c := range cat.Categories {
		for _, op := range c.Operations {
			idx := len(s.entries)
			k := Key{Category: c.Command, Operation: op.Command}
			s.entries = append(s.entries, &entry{
				key: k,
				def: op,
				state: State{
					CurrentValue: op.Default,
					PreMuteValue: op.Default,
				},
			})
			s.byKey[k] = idx
			// Later catalog entries win an address collision.
			for _, i := range op.Indices {
				s.byAddr[Address{ID: op.ID, Index: i}] = idx
			}
			if op.MuteID != 0 {
				for _, i := range op.MuteIndices {
					s.byMute[Address{ID: op.MuteID, Index: i}] = idx
				}
			}
		}
	}

	// Link every mono parameter to the stereo pairs that contain its index.
	for i, e := range s.entries {
		if len(e.def.Indices) != 1 {
			continue
		}
		mono := e.def.Indices[0]
		for j, o := range s.entries {
			if i == j || o.def.ID != e.def.ID || !o.def.Stereo() {
				continue
			}
			for _, idx := range o.def.Indices {
				if idx == mono {
					e.stereo = append(e.stereo, j)
					break
				}
			}
		}
	}

	s.saver = newAutosaver(opts.Snapshots, opts.SaveDelay, s.Snapshot, logger, obs)
	return s
}

// Catalog returns the immutable catalog the store was built from.
func (s *Store) Catalog() *Catalog { return s.catalog }

// Get returns a copy of the parameter at k.
func (s *Store) Get(k Key) (Parameter, bool) {
	idx, ok := s.byKey[k]
	if !ok {
		return Parameter{}, false
	}
	return s.entries[idx].snapshot(), true
}

// LookupAddress resolves a device (id, index) to the parameter written there.
func (s *Store) LookupAddress(id, index int) (Parameter, bool) {
	idx, ok := s.byAddr[Address{ID: id, Index: index}]
	if !ok {
		return Parameter{}, false
	}
	return s.entries[idx].snapshot(), true
}

// LookupMuteAddress resolves a device mute address to its parameter key.
func (s *Store) LookupMuteAddress(id, index int) (Key, bool) {
	idx, ok := s.byMute[Address{ID: id, Index: index}]
	if !ok {
		return Key{}, false
	}
	return s.entries[idx].key, true
}

// Update merges p into the parameter at k and schedules a debounced save.
//
// Callers resolve keys through the catalog first, so a miss here is a
// programming error: it is logged and reported, and nothing changes.
func (s *Store) Update(k Key, p Patch) (Parameter, error) {
	return s.mutate(k, func(_ *Operation, st *State) bool {
		p.apply(st)
		return true
	})
}

// mutate runs fn under the parameter's lock. fn reports whether it changed
// anything; only changes schedule a save.
func (s *Store) mutate(k Key, fn func(def *Operation, st *State) bool) (Parameter, error) {
	idx, ok := s.byKey[k]
	if !ok {
		s.logger.Error("update of non-existent parameter", "key", k.String())
		return Parameter{}, fmt.Errorf("%w: %s", ErrUnknownParameter, k)
	}
	e := s.entries[idx]

	e.mu.Lock()
	changed := fn(e.def, &e.state)
	out := Parameter{Key: e.key, Def: e.def, State: e.state}
	e.mu.Unlock()

	if changed {
		s.saver.schedule()
	}
	return out, nil
}

// PropagateMono copies value into every stereo parameter that shares the mono
// parameter's id and index. It sets currentValue only: mute flags are left as
// they are and the copies do not propagate further. Parameters that are not
// mono are ignored. The updated stereo parameters are returned.
func (s *Store) PropagateMono(k Key, value float64) []Parameter {
	idx, ok := s.byKey[k]
	if !ok {
		return nil
	}
	src := s.entries[idx]
	if len(src.stereo) == 0 {
		return nil
	}

	out := make([]Parameter, 0, len(src.stereo))
	for _, j := range src.stereo {
		e := s.entries[j]
		e.mu.Lock()
		e.state.CurrentValue = value
		out = append(out, Parameter{Key: e.key, Def: e.def, State: e.state})
		e.mu.Unlock()
	}
	s.saver.schedule()
	return out
}

// ActiveDevice returns the output currently driven by the listening surface.
func (s *Store) ActiveDevice() OutputDevice {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.active
}

// SetActiveDevice changes the active output. It reports whether the value
// changed; only a change schedules a save.
func (s *Store) SetActiveDevice(d OutputDevice) (bool, error) {
	if _, err := ParseOutputDevice(string(d)); err != nil {
		s.logger.Error("invalid active output device", "device", string(d))
		return false, err
	}
	s.activeMu.Lock()
	changed := s.active != d
	s.active = d
	s.activeMu.Unlock()

	if changed {
		s.saver.schedule()
	}
	return changed, nil
}

// Categories returns the catalog, in order, with each parameter's live state.
func (s *Store) Categories() []CategoryView {
	out := make([]CategoryView, 0, len(s.catalog.Categories))
	idx := 0
	for _, c := range s.catalog.Categories {
		v := CategoryView{Command: c.Command, Name: c.Name, Operations: make([]Parameter, 0, len(c.Operations))}
		for range c.Operations {
			v.Operations = append(v.Operations, s.entries[idx].snapshot())
			idx++
		}
		out = append(out, v)
	}
	return out
}

// Snapshot captures every parameter and the active device. Each parameter is
// read under its own lock; the result is not a single atomic cut.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		ActiveOutputDevice: s.ActiveDevice(),
		Commands:           make(map[Key]SavedState, len(s.entries)),
	}
	for _, e := range s.entries {
		p := e.snapshot()
		cur, pre := p.CurrentValue, p.PreMuteValue
		snap.Commands[e.key] = SavedState{
			CurrentValue: &cur,
			PreMuteValue: &pre,
			IsMuted:      p.IsMuted,
		}
	}
	return snap
}

// Restore seeds the store from snap. Parameters missing from snap keep their
// catalog defaults. Restoring does not schedule a save.
func (s *Store) Restore(snap Snapshot) int {
	if dev, err := ParseOutputDevice(string(snap.ActiveOutputDevice)); err == nil {
		s.activeMu.Lock()
		s.active = dev
		s.activeMu.Unlock()
	} else if snap.ActiveOutputDevice != "" {
		s.logger.Warn("ignoring saved active output device", "device", string(snap.ActiveOutputDevice))
	}

	restored := 0
	for _, e := range s.entries {
		saved, ok := snap.Commands[e.key]
		if !ok {
			// Oldest state files keyed parameters by operation name only.
			saved, ok = snap.Commands[Key{Operation: e.key.Operation}]
		}
		if !ok {
			continue
		}

		cur := e.def.Default
		if saved.CurrentValue != nil && !math.IsNaN(*saved.CurrentValue) {
			cur = *saved.CurrentValue
		}
		cur = e.def.Clamp(cur)
		pre := cur
		if saved.PreMuteValue != nil && !math.IsNaN(*saved.PreMuteValue) {
			pre = e.def.Clamp(*saved.PreMuteValue)
		}

		e.mu.Lock()
		e.state = State{CurrentValue: cur, PreMuteValue: pre, IsMuted: saved.IsMuted}
		e.mu.Unlock()
		restored++
	}
	return restored
}

// LoadSnapshot restores from src. A missing or unreadable snapshot is logged
// and the catalog defaults stay in place.
func (s *Store) LoadSnapshot(src SnapshotStore) {
	if src == nil {
		return
	}
	snap, err := src.Load()
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no saved state; using catalog defaults")
		return
	}
	if err != nil {
		s.logger.Warn("could not load saved state; using catalog defaults", "error", err)
		return
	}
	n := s.Restore(snap)
	s.logger.Info("state restored", "parameters", n, "active_output_device", string(s.ActiveDevice()))
}

// SavePending reports whether a debounced write is waiting on its timer.
func (s *Store) SavePending() bool { return s.saver.pending() }

// Close cancels any pending debounced write and saves synchronously. Only the
// first call saves; it is safe to call from several shutdown paths.
func (s *Store) Close() error {
	return s.saver.flush()
}
