package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuemixbridge/internal/mixer"
)

func newTestIPCHandler(t *testing.T) (*ipcHandler, *recordingLink, *fakeLinkControl) {
	t.Helper()
	link := &recordingLink{}
	control := &fakeLinkControl{}
	return &ipcHandler{
		engine: newTestEngine(t, link, nil),
		link:   control,
		logger: discardLogger(),
	}, link, control
}

func ipcReq(t *testing.T, typ string, data any) IPCRequest {
	t.Helper()
	req := IPCRequest{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		req.Data = b
	}
	return req
}

func TestIPCHandler_Apply(t *testing.T) {
	h, link, _ := newTestIPCHandler(t)

	resp := h.handle(ipcReq(t, "apply", ipcApply{Category: "input", Operation: "gain1", Value: ptr(30)}))
	require.Equal(t, "ok", resp.Status, resp.Error)
	assert.Contains(t, resp.Message, "input/gain1 = 30")
	assert.Equal(t, []string{"0003000000011e"}, link.sent())

	resp = h.handle(ipcReq(t, "apply", ipcApply{Category: "input", Operation: "gain1", Mute: "1"}))
	require.Equal(t, "ok", resp.Status, resp.Error)
	p, _ := h.engine.Store().Get(keyGain1)
	assert.Equal(t, 0.0, p.CurrentValue)
	assert.Equal(t, 30.0, p.PreMuteValue)

	resp = h.handle(ipcReq(t, "apply", ipcApply{Category: "input", Operation: "gain1", Mute: "maybe"}))
	assert.Equal(t, "error", resp.Status)

	resp = h.handle(ipcReq(t, "apply", ipcApply{Category: "input", Operation: "nope", Delta: ptr(1)}))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "unknown parameter")
}

func TestIPCHandler_Listening(t *testing.T) {
	h, _, _ := newTestIPCHandler(t)

	resp := h.handle(ipcReq(t, "toggle_listening", nil))
	require.Equal(t, "ok", resp.Status, resp.Error)
	assert.Equal(t, mixer.Phones, h.engine.Store().ActiveDevice())

	resp = h.handle(ipcReq(t, "adjust_listening", ipcApply{Value: ptr(-40)}))
	require.Equal(t, "ok", resp.Status, resp.Error)
	p, _ := h.engine.Store().Get(keyPhones)
	assert.Equal(t, -40.0, p.CurrentValue)

	resp = h.handle(ipcReq(t, "adjust_listening", nil))
	assert.Equal(t, "error", resp.Status)
}

func TestIPCHandler_GetReconnectLogLevel(t *testing.T) {
	t.Cleanup(func() { logLevel.Set(slog.LevelInfo) })
	h, _, control := newTestIPCHandler(t)

	resp := h.handle(ipcReq(t, "get", ipcApply{Category: "output", Operation: "monitoring"}))
	require.Equal(t, "ok", resp.Status, resp.Error)
	var p map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	assert.Equal(t, "monitoring", p["command"])
	assert.Equal(t, -100.0, p["currentValue"])

	resp = h.handle(ipcReq(t, "get", ipcApply{Category: "output", Operation: "nope"}))
	assert.Equal(t, "error", resp.Status)

	resp = h.handle(ipcReq(t, "reconnect", nil))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, control.count())

	resp = h.handle(ipcReq(t, "set_log_level", ipcLogLevel{Level: "debug"}))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, slog.LevelDebug, logLevel.Level())

	resp = h.handle(ipcReq(t, "set_log_level", ipcLogLevel{Level: "chatty"}))
	assert.Equal(t, "error", resp.Status)

	resp = h.handle(IPCRequest{Type: "explode"})
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "unknown request type")

	resp = h.handle(IPCRequest{Type: "apply", Data: json.RawMessage(`[1,2]`)})
	assert.Equal(t, "error", resp.Status)
}

func TestIPCServer_RoundTrip(t *testing.T) {
	h, link, _ := newTestIPCHandler(t)

	// Unix socket paths are length-limited, so keep it short.
	dir, err := os.MkdirTemp("", "cmx")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, sock, h, discardLogger()) }()

	var conn net.Conn
	waitUntil(t, 2*time.Second, func() bool {
		c, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, "IPC socket never came up")
	defer conn.Close()

	rd := bufio.NewReader(conn)
	roundTrip := func(line string) IPCResponse {
		t.Helper()
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		out, err := rd.ReadBytes('\n')
		require.NoError(t, err)
		var resp IPCResponse
		require.NoError(t, json.Unmarshal(out, &resp))
		return resp
	}

	resp := roundTrip(`{"type":"apply","data":{"category":"input","operation":"gain1","delta":6}}`)
	assert.Equal(t, "ok", resp.Status, resp.Error)
	assert.Equal(t, []string{"00030000000106"}, link.sent())

	fi, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), fi.Mode().Perm())

	resp = roundTrip(`{nonsense`)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "parse request")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("IPC server did not stop")
	}
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "socket is removed on shutdown")
}
