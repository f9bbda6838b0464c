package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuemixbridge/internal/mixer"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// readInputEvents reads input events from one device and sends them to a
// channel. It blocks on read and is the fallback where epoll is unavailable.
func readInputEvents(f *os.File, events chan<- inputEvent, readErr chan<- error) {
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize)
	reader := bytes.NewReader(buf)

	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			readErr <- fmt.Errorf("read from %s: %w", f.Name(), err)
			return
		}

		reader.Reset(buf)
		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			continue
		}

		events <- ev
	}
}

// listener is the part of the engine the key surface drives.
type listener interface {
	ToggleListening() (mixer.Outcome, error)
	AdjustListening(mixer.Request) (mixer.Outcome, error)
}

// keyRouter translates volume/mute keys and rotary encoder turns into
// listening-target actions.
type keyRouter struct {
	target listener
	stepDB float64
	logger *slog.Logger

	// Rotary handling is off while encoder is nil.
	rotary  RotaryConfig
	encoder *encoderTracker
}

func newKeyRouter(target listener, cfg InputConfig, logger *slog.Logger) *keyRouter {
	return &keyRouter{
		target:  target,
		stepDB:  cfg.StepDB,
		logger:  logger,
		rotary:  cfg.Rotary,
		encoder: newEncoderTracker(time.Duration(cfg.Rotary.VelocityWindowMS) * time.Millisecond),
	}
}

func (r *keyRouter) handle(ev inputEvent) {
	switch ev.Type {
	case EV_KEY:
		r.handleKey(ev)
	case EV_REL:
		r.handleRel(ev)
	}
}

func (r *keyRouter) handleRel(ev inputEvent) {
	if r.encoder == nil || ev.Value == 0 {
		return
	}
	switch ev.Code {
	case REL_DIAL, REL_WHEEL, REL_MISC:
	default:
		return
	}

	direction := 1
	if ev.Value < 0 {
		direction = -1
	}
	count := r.encoder.observe(direction, time.Now())
	delta := r.rotary.rotaryDelta(ev.Value, count)
	if _, err := r.target.AdjustListening(mixer.Request{Delta: &delta}); err != nil {
		r.logger.Warn("encoder action failed", "code", ev.Code, "error", err)
	}
}

func (r *keyRouter) handleKey(ev inputEvent) {
	var err error
	switch ev.Code {
	case KEY_VOLUMEUP, KEY_VOLUMEDOWN:
		if ev.Value != evValuePress && ev.Value != evValueRepeat {
			return
		}
		delta := r.stepDB
		if ev.Code == KEY_VOLUMEDOWN {
			delta = -delta
		}
		_, err = r.target.AdjustListening(mixer.Request{Delta: &delta})

	case KEY_MUTE:
		if ev.Value != evValuePress {
			return
		}
		_, err = r.target.ToggleListening()

	default:
		return
	}

	if err != nil {
		r.logger.Warn("key action failed", "code", ev.Code, "error", err)
	}
}

// runKeyInput opens the configured input devices and routes their key events
// until ctx is canceled. It returns nil when no devices are configured.
func runKeyInput(ctx context.Context, devices []string, router *keyRouter, logger *slog.Logger) error {
	if len(devices) == 0 {
		return nil
	}

	files := make([]*os.File, 0, len(devices))
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			for _, o := range files {
				o.Close()
			}
			return fmt.Errorf("open input device %s (run as root or add user to 'input' group): %w", dev, err)
		}
		files = append(files, f)
	}
	// Closing the devices unblocks the readers.
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	events := make(chan inputEvent, 64)
	readErr := make(chan error, len(files))
	startInputReaders(files, events, readErr)

	logger.Info("key input listening", "devices", devices, "step_db", router.stepDB)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input reader stopped: %w", err)
		case ev := <-events:
			router.handle(ev)
		}
	}
}
