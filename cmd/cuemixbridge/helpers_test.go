package main

import (
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cuemixbridge/internal/mixer"
)

const testCommandsJSON = `[
  {"command": "output", "name": "Output", "operations": [
    {"command": "monitoring", "name": "Monitoring", "type": "Trim", "id": 7, "indices": [0, 1], "min": -100, "max": 0},
    {"command": "phones", "name": "Phones", "type": "Trim", "id": 7, "indices": [2, 3], "min": -100, "max": 0}
  ]},
  {"command": "input", "name": "Input", "operations": [
    {"command": "gain1", "name": "Gain 1", "type": "Gain", "id": 3, "indices": [0], "min": 0, "max": 60},
    {"command": "phantom1", "name": "48V 1", "type": "Toggle", "id": 4, "indices": [0]}
  ]}
]`

var (
	keyMonitoring = mixer.Key{Category: "output", Operation: "monitoring"}
	keyPhones     = mixer.Key{Category: "output", Operation: "phones"}
	keyGain1      = mixer.Key{Category: "input", Operation: "gain1"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls cond until it returns true or the timeout expires.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func ptr(v float64) *float64 { return &v }

// recordingLink captures every frame handed to it.
type recordingLink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (l *recordingLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return l.err
}

func (l *recordingLink) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = hex.EncodeToString(f)
	}
	return out
}

// fakeLinkControl stands in for the device link where only status and
// reconnect requests matter.
type fakeLinkControl struct {
	mu         sync.Mutex
	status     string
	reconnects int
}

func (f *fakeLinkControl) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLinkControl) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeLinkControl) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

// newTestEngine builds an engine over the test catalog with in-memory
// persistence and the given link and publisher.
func newTestEngine(t *testing.T, link mixer.Link, pub mixer.Publisher) *mixer.Engine {
	t.Helper()
	cat, err := mixer.ParseCatalog([]byte(testCommandsJSON))
	require.NoError(t, err)

	store := mixer.NewStore(cat, mixer.StoreOptions{
		SaveDelay: time.Hour,
		Logger:    discardLogger(),
	})
	t.Cleanup(func() { _ = store.Close() })

	return mixer.NewEngine(store, mixer.EngineOptions{
		Link:      link,
		Publisher: pub,
		Logger:    discardLogger(),
	})
}
