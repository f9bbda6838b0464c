package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSettings_ReconnectsOnConnectionChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	settings, err := OpenSettings(path, testSettings(), discardLogger())
	require.NoError(t, err)

	var reconnects atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchSettings(ctx, settings, func() { reconnects.Add(1) }, discardLogger())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// A sibling file is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o644))

	// Only the listening port changes: reload, no reconnect.
	require.NoError(t, os.WriteFile(path, []byte(
		`{"connectionSettings":{"motuIp":"127.0.0.1","motuPort":"1281","motuSn":""},"listeningPort":9000}`), 0o644))
	waitUntil(t, 2*time.Second, func() bool { return settings.Get().ListeningPort == 9000 }, "settings were not reloaded")
	assert.Zero(t, reconnects.Load())

	// Replacing the file with new connection fields reconnects once.
	tmp := filepath.Join(dir, "settings.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(
		`{"connectionSettings":{"motuIp":"10.9.9.9","motuPort":"1281","motuSn":"x"},"listeningPort":9000}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	waitUntil(t, 2*time.Second, func() bool { return reconnects.Load() == 1 }, "connection change did not reconnect")
	assert.Equal(t, "ws://10.9.9.9:1281/x", settings.Endpoint().URL())
}

func TestWatchSettings_MissingDirectory(t *testing.T) {
	settings := &SettingsFile{path: filepath.Join(t.TempDir(), "gone", "settings.json"), logger: discardLogger()}
	err := watchSettings(context.Background(), settings, func() {}, discardLogger())
	assert.Error(t, err)
}
