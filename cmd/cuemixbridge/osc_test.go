package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuemixbridge/internal/mixer"
)

type appliedCall struct {
	key mixer.Key
	req mixer.Request
}

type fakeOSCTarget struct {
	fakeListener

	applyMu sync.Mutex
	applied []appliedCall
}

func (f *fakeOSCTarget) Apply(k mixer.Key, req mixer.Request) (mixer.Outcome, error) {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()
	f.applied = append(f.applied, appliedCall{key: k, req: req})
	return mixer.Outcome{Parameter: mixer.Parameter{Key: k}}, nil
}

func (f *fakeOSCTarget) calls() []appliedCall {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()
	return append([]appliedCall(nil), f.applied...)
}

func oscMsg(addr string, args ...any) *osc.Message {
	m := osc.NewMessage(addr)
	for _, a := range args {
		m.Append(a)
	}
	return m
}

func TestOSCDispatcher_Routes(t *testing.T) {
	target := &fakeOSCTarget{}
	d := newOSCDispatcher("/cuemix/", target, discardLogger())

	d.Dispatch(oscMsg("/cuemix/output/monitoring", float32(-12)))
	d.Dispatch(oscMsg("/cuemix/input/gain1/delta", int32(3)))
	d.Dispatch(oscMsg("/cuemix/input/gain1/mute"))
	d.Dispatch(oscMsg("/cuemix/input/gain1/mute", true))
	d.Dispatch(oscMsg("/cuemix/input/gain1/mute", int32(0)))

	calls := target.calls()
	require.Len(t, calls, 5)

	assert.Equal(t, keyMonitoring, calls[0].key)
	require.NotNil(t, calls[0].req.Value)
	assert.Equal(t, -12.0, *calls[0].req.Value)

	assert.Equal(t, keyGain1, calls[1].key)
	require.NotNil(t, calls[1].req.Delta)
	assert.Equal(t, 3.0, *calls[1].req.Delta)

	assert.Equal(t, mixer.MuteToggle, calls[2].req.Mute)
	assert.Equal(t, mixer.MuteOn, calls[3].req.Mute)
	assert.Equal(t, mixer.MuteOff, calls[4].req.Mute)
}

func TestOSCDispatcher_Listening(t *testing.T) {
	target := &fakeOSCTarget{}
	d := newOSCDispatcher("/cuemix", target, discardLogger())

	d.Dispatch(oscMsg("/cuemix/listening/toggle"))
	d.Dispatch(oscMsg("/cuemix/listening/delta", float64(-2)))
	d.Dispatch(oscMsg("/cuemix/listening/delta"))

	toggles, deltas := target.snapshot()
	assert.Equal(t, 1, toggles)
	assert.Equal(t, []float64{-2}, deltas)
}

func TestOSCDispatcher_IgnoresMalformed(t *testing.T) {
	target := &fakeOSCTarget{}
	d := newOSCDispatcher("/cuemix", target, discardLogger())

	for _, m := range []*osc.Message{
		oscMsg("/other/output/monitoring", float32(1)),
		oscMsg("/cuemix/output", float32(1)),
		oscMsg("/cuemix/output/monitoring"),
		oscMsg("/cuemix/output/monitoring", "loud"),
		oscMsg("/cuemix/output/monitoring/solo", float32(1)),
		oscMsg("/cuemix/a/b/c/d", float32(1)),
		oscMsg("/cuemix/listening/sideways"),
	} {
		d.Dispatch(m)
	}
	assert.Empty(t, target.calls())
	toggles, deltas := target.snapshot()
	assert.Zero(t, toggles)
	assert.Empty(t, deltas)
}

func TestOSCDispatcher_Bundle(t *testing.T) {
	target := &fakeOSCTarget{}
	d := newOSCDispatcher("/cuemix", target, discardLogger())

	inner := osc.NewBundle(time.Now())
	require.NoError(t, inner.Append(oscMsg("/cuemix/input/gain1", float32(10))))
	outer := osc.NewBundle(time.Now())
	require.NoError(t, outer.Append(oscMsg("/cuemix/output/phones", float32(-6))))
	require.NoError(t, outer.Append(inner))

	d.Dispatch(outer)
	calls := target.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, keyPhones, calls[0].key)
	assert.Equal(t, keyGain1, calls[1].key)
}

func TestOSCFloat(t *testing.T) {
	for _, arg := range []any{float32(2), float64(2), int32(2), int64(2)} {
		v, err := oscFloat(oscMsg("/x", arg))
		require.NoError(t, err)
		assert.Equal(t, 2.0, v)
	}
	_, err := oscFloat(oscMsg("/x"))
	assert.Error(t, err)
	_, err = oscFloat(oscMsg("/x", "two"))
	assert.Error(t, err)
}

func TestRunOSCServer_UDP(t *testing.T) {
	link := &recordingLink{}
	engine := newTestEngine(t, link, nil)
	d := newOSCDispatcher("/cuemix", engine, discardLogger())

	// Reserve a free port, then hand it to the server.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runOSCServer(ctx, addr, d, discardLogger()) }()

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	client := osc.NewClient(host, atoiPort(t, port))

	waitUntil(t, 2*time.Second, func() bool {
		_ = client.Send(oscMsg("/cuemix/input/gain1", float32(9)))
		p, _ := engine.Store().Get(keyGain1)
		return p.CurrentValue == 9
	}, "OSC message never applied")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OSC server did not stop")
	}
}

func atoiPort(t *testing.T, s string) int {
	t.Helper()
	p, err := net.LookupPort("udp", s)
	require.NoError(t, err)
	return p
}
