package main

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuemixbridge/internal/mixer"
)

func TestPromObserver(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	okBefore := testutil.ToFloat64(framesSent.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(framesSent.WithLabelValues("error"))
	valueBefore := testutil.ToFloat64(framesReceived.WithLabelValues(mixer.FrameValue))
	persistBefore := testutil.ToFloat64(statePersist.WithLabelValues("error"))

	obs := promObserver{}
	obs.FrameSent(nil)
	obs.FrameSent(nil)
	obs.FrameSent(errors.New("down"))
	obs.FrameReceived(mixer.FrameValue)
	obs.StatePersisted(errors.New("disk full"))

	assert.Equal(t, okBefore+2, testutil.ToFloat64(framesSent.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(framesSent.WithLabelValues("error")))
	assert.Equal(t, valueBefore+1, testutil.ToFloat64(framesReceived.WithLabelValues(mixer.FrameValue)))
	assert.Equal(t, persistBefore+1, testutil.ToFloat64(statePersist.WithLabelValues("error")))
}

func TestRecordConnectedAndDropped(t *testing.T) {
	recordConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(deviceConnected))
	recordConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(deviceConnected))

	before := testutil.ToFloat64(uiDropped)
	recordDropped()
	assert.Equal(t, before+1, testutil.ToFloat64(uiDropped))
}

func TestEngineReportsToObserver(t *testing.T) {
	cat, err := mixer.ParseCatalog([]byte(testCommandsJSON))
	require.NoError(t, err)
	store := mixer.NewStore(cat, mixer.StoreOptions{Logger: discardLogger()})
	engine := mixer.NewEngine(store, mixer.EngineOptions{
		Link:     &recordingLink{},
		Logger:   discardLogger(),
		Observer: promObserver{},
	})

	before := testutil.ToFloat64(framesSent.WithLabelValues("ok"))
	_, err = engine.Apply(keyGain1, mixer.Request{Value: ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(framesSent.WithLabelValues("ok")))
}
