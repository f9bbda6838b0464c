package main

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"cuemixbridge/internal/mixer"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cuemixbridge",
			Subsystem: "device",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the device link.",
		},
		[]string{"result"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cuemixbridge",
			Subsystem: "device",
			Name:      "frames_received_total",
			Help:      "Frames received from the device, by how they were handled.",
		},
		[]string{"kind"},
	)
	deviceConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cuemixbridge",
			Subsystem: "device",
			Name:      "connected",
			Help:      "1 while the device websocket is open.",
		},
	)
	statePersist = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cuemixbridge",
			Subsystem: "state",
			Name:      "persist_total",
			Help:      "State snapshot writes.",
		},
		[]string{"result"},
	)
	uiDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cuemixbridge",
			Subsystem: "ui",
			Name:      "broadcast_dropped_total",
			Help:      "UI broadcasts dropped on a full hub queue.",
		},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cuemixbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesSent, framesReceived, deviceConnected, statePersist, uiDropped, httpDuration)
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// promObserver reports engine and store activity to prometheus.
type promObserver struct{}

var _ mixer.Observer = promObserver{}

func (promObserver) FrameSent(err error) {
	framesSent.WithLabelValues(resultLabel(err)).Inc()
}

func (promObserver) FrameReceived(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

func (promObserver) StatePersisted(err error) {
	statePersist.WithLabelValues(resultLabel(err)).Inc()
}

func recordConnected(up bool) {
	if up {
		deviceConnected.Set(1)
		return
	}
	deviceConnected.Set(0)
}

func recordDropped() { uiDropped.Inc() }

func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
