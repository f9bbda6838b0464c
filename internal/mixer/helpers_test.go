package mixer

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testCatalogJSON = `[
  {"command": "output", "name": "Output", "operations": [
    {"command": "monitoring", "name": "Monitoring", "type": "Trim", "id": 1, "indices": [0, 1], "min": -100, "max": 0},
    {"command": "phones", "name": "Phones", "type": "Trim", "id": 1, "indices": [2, 3], "min": -100, "max": 0}
  ]},
  {"command": "bus", "name": "Mix Bus", "operations": [
    {"command": "mix1", "name": "Mix 1", "type": "mixvol", "id": 20, "indices": [0, 1], "muteId": 21, "muteIndices": [0, 1]}
  ]},
  {"command": "input", "name": "Input", "operations": [
    {"command": "gain12", "name": "Gain 1-2", "type": "Gain", "id": 10, "indices": [0, 1], "min": 0, "max": 60},
    {"command": "gain1", "name": "Gain 1", "type": "Gain", "id": 10, "indices": [0], "min": "0", "max": "60"},
    {"command": "phantom1", "name": "48V 1", "type": "Toggle", "id": 11, "indices": [0], "onValue": 1, "offValue": 0},
    {"command": "local", "name": "UI only", "type": "Gain", "id": 0, "indices": [0], "min": 0, "max": 10}
  ]}
]`

var (
	keyMonitoring = Key{Category: "output", Operation: "monitoring"}
	keyPhones     = Key{Category: "output", Operation: "phones"}
	keyMix1       = Key{Category: "bus", Operation: "mix1"}
	keyGain12     = Key{Category: "input", Operation: "gain12"}
	keyGain1      = Key{Category: "input", Operation: "gain1"}
	keyPhantom1   = Key{Category: "input", Operation: "phantom1"}
	keyLocal      = Key{Category: "input", Operation: "local"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := ParseCatalog([]byte(testCatalogJSON))
	require.NoError(t, err)
	return cat
}

func newTestStore(t *testing.T, snaps SnapshotStore) *Store {
	t.Helper()
	return NewStore(testCatalog(t), StoreOptions{
		Snapshots: snaps,
		SaveDelay: time.Hour,
		Logger:    discardLogger(),
	})
}

func ptr(v float64) *float64 { return &v }

// recordingLink captures every frame handed to Send.
type recordingLink struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func (l *recordingLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

func (l *recordingLink) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = FrameHex(f)
	}
	return out
}

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// memorySnapshots is an in-memory SnapshotStore.
type memorySnapshots struct {
	mu    sync.Mutex
	saved []Snapshot
	load  *Snapshot
	fail  error
}

func (m *memorySnapshots) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.load == nil {
		return Snapshot{}, errors.New("nothing saved")
	}
	return *m.load, nil
}

func (m *memorySnapshots) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved = append(m.saved, s)
	return nil
}

func (m *memorySnapshots) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func (m *memorySnapshots) last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[len(m.saved)-1]
}

type testEngine struct {
	store *Store
	link  *recordingLink
	pub   *recordingPublisher
	*Engine
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := newTestStore(t, nil)
	link := &recordingLink{}
	pub := &recordingPublisher{}
	return &testEngine{
		store: store,
		link:  link,
		pub:   pub,
		Engine: NewEngine(store, EngineOptions{
			Link:      link,
			Publisher: pub,
			Logger:    discardLogger(),
		}),
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
