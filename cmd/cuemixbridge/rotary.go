package main

import (
	"sync"
	"time"
)

// encoderTracker remembers recent encoder detents so fast spinning can be
// detected and the step size scaled up.
type encoderTracker struct {
	window time.Duration

	mu     sync.Mutex
	recent []detent
}

type detent struct {
	at        time.Time
	direction int // +1 clockwise, -1 counter-clockwise
}

func newEncoderTracker(window time.Duration) *encoderTracker {
	return &encoderTracker{
		window: window,
		recent: make([]detent, 0, 16),
	}
}

// observe records one detent at now and returns how many detents in the same
// direction fall inside the window, this one included.
func (e *encoderTracker) observe(direction int, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-e.window)
	kept := e.recent[:0]
	for _, d := range e.recent {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	kept = append(kept, detent{at: now, direction: direction})
	e.recent = kept

	n := 0
	for _, d := range kept {
		if d.direction == direction {
			n++
		}
	}
	return n
}

// RotaryConfig scales relative-axis events into listening deltas.
type RotaryConfig struct {
	DBPerStep          float64 `yaml:"db_per_step"`
	VelocityWindowMS   int     `yaml:"velocity_window_ms"`
	VelocityMultiplier float64 `yaml:"velocity_multiplier"`
	VelocityThreshold  int     `yaml:"velocity_threshold"`
}

// rotaryDelta converts a relative event value into a dB delta, applying the
// velocity multiplier once count reaches the threshold.
func (c RotaryConfig) rotaryDelta(steps int32, count int) float64 {
	delta := float64(steps) * c.DBPerStep
	if c.VelocityThreshold > 0 && count >= c.VelocityThreshold {
		delta *= c.VelocityMultiplier
	}
	return delta
}
