package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
)

var (
	// ErrInvalidRequest means the request named nothing to do or carried a
	// non-numeric value.
	ErrInvalidRequest = errors.New("mixer: invalid request")

	// ErrTransmit wraps a device link failure. Local state has already been
	// updated and published when it is returned.
	ErrTransmit = errors.New("mixer: transmit failed")
)

// MuteAction selects the mute half of a Request.
type MuteAction int

const (
	MuteNone MuteAction = iota
	MuteToggle
	MuteOn
	MuteOff
)

// ParseMuteAction accepts "t" (toggle), "1" (mute) and "0" (unmute).
func ParseMuteAction(s string) (MuteAction, error) {
	switch s {
	case "t":
		return MuteToggle, nil
	case "1":
		return MuteOn, nil
	case "0":
		return MuteOff, nil
	default:
		return MuteNone, fmt.Errorf("%w: mute must be t, 1 or 0, got %q", ErrInvalidRequest, s)
	}
}

// Request is one control-surface action against a parameter. Mute takes
// precedence, then Delta, then Value.
type Request struct {
	Mute  MuteAction
	Delta *float64
	Value *float64
}

// Outcome describes what Apply did.
type Outcome struct {
	Parameter Parameter
	// Changed is false when a mute/unmute found the parameter already there.
	Changed bool
	// Transmitted is true when a frame went out on the link.
	Transmitted bool
	Frame       []byte
	// Message is a human-readable result line for the caller.
	Message string
}

const (
	msgNoChange       = "No state change."
	msgNotTransmitted = "Updated (not transmitted)."
)

// Engine applies control-surface requests and device reports to a Store,
// transmits the resulting frames and publishes the changes.
type Engine struct {
	store    *Store
	link     Link
	pub      Publisher
	logger   *slog.Logger
	observer Observer

	// listenMu serialises listening-target switches and listening adjustments.
	listenMu sync.Mutex
}

type EngineOptions struct {
	Link      Link
	Publisher Publisher
	Logger    *slog.Logger
	Observer  Observer
}

func NewEngine(store *Store, opts EngineOptions) *Engine {
	e := &Engine{
		store:    store,
		link:     opts.Link,
		pub:      opts.Publisher,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if e.pub == nil {
		e.pub = nopPublisher{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e
}

// Store returns the state store the engine mutates.
func (e *Engine) Store() *Store { return e.store }

// ============================================================================
// Control-surface requests
// ============================================================================

// Apply runs the generic update algorithm against the parameter at k.
func (e *Engine) Apply(k Key, req Request) (Outcome, error) {
	if _, ok := e.store.Get(k); !ok {
		e.logger.Warn("request for unknown parameter", "key", k.String())
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownParameter, k)
	}
	switch {
	case req.Mute != MuteNone:
		return e.applyMute(k, req.Mute)
	case req.Delta != nil || req.Value != nil:
		return e.applyLevel(k, req)
	default:
		return Outcome{}, fmt.Errorf("%w: request must include mute, value or delta", ErrInvalidRequest)
	}
}

func (e *Engine) applyMute(k Key, action MuteAction) (Outcome, error) {
	var (
		sendValue float64
		viaMute   bool
	)
	changed := false

	p, err := e.store.mutate(k, func(def *Operation, st *State) bool {
		muted := Parameter{Def: def, State: *st}.Muted()
		want := muted
		switch action {
		case MuteToggle:
			want = !muted
		case MuteOn:
			want = true
		case MuteOff:
			want = false
		}
		if want == muted {
			return false
		}

		switch {
		case def.Type == TypeMixVol:
			st.IsMuted = want
			viaMute = true
			sendValue = 0
			if want {
				sendValue = 1
			}
		case want:
			st.PreMuteValue = st.CurrentValue
			st.CurrentValue = def.Min
			sendValue = def.Min
		default:
			st.CurrentValue = st.PreMuteValue
			sendValue = st.PreMuteValue
		}
		changed = true
		return true
	})
	if err != nil {
		return Outcome{}, err
	}
	if !changed {
		return Outcome{Parameter: p, Message: msgNoChange}, nil
	}
	return e.transmit(p, sendValue, viaMute)
}

func (e *Engine) applyLevel(k Key, req Request) (Outcome, error) {
	if req.Delta != nil && (math.IsNaN(*req.Delta) || math.IsInf(*req.Delta, 0)) {
		return Outcome{}, fmt.Errorf("%w: delta is not a number", ErrInvalidRequest)
	}
	if req.Delta == nil && (math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0)) {
		return Outcome{}, fmt.Errorf("%w: value is not a number", ErrInvalidRequest)
	}

	var final float64
	p, err := e.store.mutate(k, func(def *Operation, st *State) bool {
		base := st.CurrentValue
		if (Parameter{Def: def, State: *st}).Muted() {
			base = st.PreMuteValue
		}
		v := base
		if req.Delta != nil {
			v += *req.Delta
		} else {
			v = *req.Value
		}
		final = def.Clamp(v)

		st.CurrentValue = final
		st.PreMuteValue = final
		// A mix-bus mute is its own switch and survives level changes.
		if def.Type != TypeMixVol {
			st.IsMuted = false
		}
		return true
	})
	if err != nil {
		return Outcome{}, err
	}

	for _, sp := range e.store.PropagateMono(k, final) {
		e.pub.Publish(ParameterChanged{Parameter: sp})
	}
	return e.transmit(p, final, false)
}

// ToggleListening switches the listening surface to the other output. The
// previous output is parked at its minimum, the new one is restored if it was
// parked, and both frames are sent, old first. Only the second send's result
// is returned.
func (e *Engine) ToggleListening() (Outcome, error) {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()

	oldDev := e.store.ActiveDevice()
	newDev := oldDev.Other()
	for _, k := range []Key{oldDev.Key(), newDev.Key()} {
		if _, ok := e.store.Get(k); !ok {
			e.logger.Error("output parameter missing from catalog", "key", k.String())
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownParameter, k)
		}
	}

	oldP, err := e.store.mutate(oldDev.Key(), func(def *Operation, st *State) bool {
		if st.CurrentValue == def.Min {
			return false
		}
		st.PreMuteValue = st.CurrentValue
		st.CurrentValue = def.Min
		return true
	})
	if err != nil {
		return Outcome{}, err
	}
	newP, err := e.store.mutate(newDev.Key(), func(def *Operation, st *State) bool {
		if st.CurrentValue != def.Min {
			return false
		}
		st.CurrentValue = st.PreMuteValue
		return true
	})
	if err != nil {
		return Outcome{}, err
	}

	if _, err := e.store.SetActiveDevice(newDev); err != nil {
		return Outcome{}, err
	}
	e.pub.Publish(ActiveDeviceChanged{Device: newDev})
	e.logger.Info("listening target switched", "from", string(oldDev), "to", string(newDev))

	if _, err := e.transmit(oldP, oldP.CurrentValue, false); err != nil {
		e.logger.Warn("failed to park previous output", "key", oldP.Key.String(), "error", err)
	}
	return e.transmit(newP, newP.CurrentValue, false)
}

// AdjustListening applies a value or delta to whichever output is active.
// It holds the switch lock so a concurrent toggle cannot redirect it to the
// output being parked.
func (e *Engine) AdjustListening(req Request) (Outcome, error) {
	if req.Delta == nil && req.Value == nil {
		return Outcome{}, fmt.Errorf("%w: listening requires a value or delta", ErrInvalidRequest)
	}
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	return e.Apply(e.store.ActiveDevice().Key(), Request{Delta: req.Delta, Value: req.Value})
}

// transmit encodes value for p, sends it and publishes p. The event goes out
// whether or not the send works; the send result goes only to the caller.
func (e *Engine) transmit(p Parameter, value float64, viaMute bool) (Outcome, error) {
	out := Outcome{Parameter: p, Changed: true}

	id, indices := p.Def.ID, p.Def.Indices
	var raw float64
	var length int
	if viaMute {
		id, indices = p.Def.MuteID, p.Def.MuteIndices
		raw, length = value, lengthByte
	} else {
		raw, length = rawValue(p.Def.Type, value)
	}

	var sendErr error
	if id != 0 && len(indices) > 0 {
		out.Frame = EncodeFrames(id, indices, raw, length)
		sendErr = e.send(out.Frame)
		if sendErr == nil {
			out.Transmitted = true
			out.Message = fmt.Sprintf("State send to device        : %s = %s(%s)",
				p.Key, strconv.FormatFloat(value, 'f', -1, 64), FrameHex(out.Frame))
			e.logger.Debug("sent to device", "key", p.Key.String(), "value", value, "frame", FrameHex(out.Frame))
		}
	}

	e.pub.Publish(ParameterChanged{Parameter: p})

	if sendErr != nil {
		e.logger.Warn("failed to send to device", "key", p.Key.String(), "error", sendErr)
		return out, fmt.Errorf("%w: %s: %w", ErrTransmit, p.Key, sendErr)
	}
	if !out.Transmitted {
		out.Message = msgNotTransmitted
	}
	return out, nil
}

func (e *Engine) send(frame []byte) error {
	if e.link == nil {
		err := errors.New("no device link")
		e.observer.FrameSent(err)
		return err
	}
	err := e.link.Send(frame)
	e.observer.FrameSent(err)
	return err
}

// ============================================================================
// Device reports
// ============================================================================

// HandleFrame applies one inbound device message. Malformed and unmodelled
// frames are dropped without touching state.
func (e *Engine) HandleFrame(b []byte) {
	f, err := ParseFrame(b)
	if err != nil {
		e.observer.FrameReceived(FrameMalformed)
		e.logger.Debug("dropping device frame", "frame", FrameHex(b), "error", err)
		return
	}

	if k, ok := e.store.LookupMuteAddress(f.ID, f.Index); ok {
		muted := f.Value == 1
		p, err := e.store.Update(k, Patch{IsMuted: &muted})
		if err != nil {
			return
		}
		e.observer.FrameReceived(FrameMute)
		e.logger.Debug("mute state from device", "key", k.String(), "muted", muted, "frame", FrameHex(b))
		e.pub.Publish(ParameterChanged{Parameter: p})
		return
	}

	p, ok := e.store.LookupAddress(f.ID, f.Index)
	if !ok {
		e.observer.FrameReceived(FrameIgnored)
		return
	}
	// A stereo pair reports both channels; the first index speaks for it.
	if p.Def.Stereo() && f.Index != p.Def.Indices[0] {
		e.observer.FrameReceived(FrameIgnored)
		return
	}

	v := p.Def.Clamp(logicalValue(p.Def.Type, f.Value))
	p, err = e.store.Update(p.Key, Patch{CurrentValue: &v})
	if err != nil {
		return
	}
	e.observer.FrameReceived(FrameValue)
	e.logger.Debug("state from device", "key", p.Key.String(), "value", v, "frame", FrameHex(b))

	propagated := e.store.PropagateMono(p.Key, v)
	e.pub.Publish(ParameterChanged{Parameter: p})
	for _, sp := range propagated {
		e.pub.Publish(ParameterChanged{Parameter: sp})
	}
}
