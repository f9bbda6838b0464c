package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuemixbridge/internal/mixer"
)

func TestDefaultCommands_Parse(t *testing.T) {
	cat, err := mixer.ParseCatalog(defaultCommands)
	require.NoError(t, err)

	_, ok := cat.Lookup(mixer.Monitoring.Key())
	assert.True(t, ok, "default catalog has the monitoring output")
	_, ok = cat.Lookup(mixer.Phones.Key())
	assert.True(t, ok, "default catalog has the phones output")
}

func TestBootstrapCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.json")

	require.NoError(t, bootstrapCatalog(path, discardLogger()))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, defaultCommands, b)

	require.NoError(t, os.WriteFile(path, []byte(testCommandsJSON), 0o644))
	require.NoError(t, bootstrapCatalog(path, discardLogger()))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testCommandsJSON, string(b), "an existing catalog is never overwritten")
}

func TestRunDaemon_StartsAndFlushesState(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.State.Dir = dir
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.HTTP.PublicDir = ""
	cfg.IPC.Enabled = false
	// Nothing listens here; the link just keeps retrying.
	cfg.Device.Port = 1
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg, false, discardLogger()) }()

	waitUntil(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(dir, "settings.json"))
		return err == nil
	}, "settings file was not created")
	_, err := os.Stat(filepath.Join(dir, "commands.json"))
	require.NoError(t, err, "default catalog was written")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	snap, err := mixer.FileSnapshots{Path: filepath.Join(dir, "state.json")}.Load()
	require.NoError(t, err, "state is flushed on shutdown")
	assert.Equal(t, mixer.Monitoring, snap.ActiveOutputDevice)
}

func TestRunDaemon_BadCatalogIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "commands.json"), []byte("[{"), 0o644))

	cfg := DefaultConfig()
	cfg.State.Dir = dir
	cfg.IPC.Enabled = false

	err := runDaemon(context.Background(), cfg, false, discardLogger())
	assert.Error(t, err)
}

func TestRunDaemon_DeviceFlagsOverrideSavedSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(
		`{"connectionSettings":{"motuIp":"10.0.0.1","motuPort":"1281","motuSn":"old"},"listeningPort":3000}`), 0o644))

	cfg := DefaultConfig()
	cfg.State.Dir = dir
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.IPC.Enabled = false
	cfg.Device.Host = "127.0.0.1"
	cfg.Device.Port = 1
	cfg.Device.Serial = "new"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, runDaemon(ctx, cfg, true, discardLogger()))

	b, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"connectionSettings":{"motuIp":"127.0.0.1","motuPort":"1","motuSn":"new"},"listeningPort":3000}`,
		string(b))
}
