package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/hypebeast/go-osc/osc"

	"cuemixbridge/internal/mixer"
)

// ============================================================================
// OSC control surface
// ============================================================================
// Addresses under the configured prefix (default /cuemix):
//
//   <prefix>/<category>/<operation>        f  set value
//   <prefix>/<category>/<operation>/delta  f  nudge by delta
//   <prefix>/<category>/<operation>/mute   [i|T|F]  mute on/off, toggle without args
//   <prefix>/listening/toggle                 switch listening target
//   <prefix>/listening/delta               f  nudge the listening target
//
// Anything else is logged at debug and ignored.
// ============================================================================

// oscTarget is the part of the engine the OSC surface drives.
type oscTarget interface {
	listener
	Apply(mixer.Key, mixer.Request) (mixer.Outcome, error)
}

// oscDispatcher is a custom osc.Dispatcher that routes messages by address.
type oscDispatcher struct {
	prefix string
	target oscTarget
	logger *slog.Logger
}

var _ osc.Dispatcher = (*oscDispatcher)(nil)

func newOSCDispatcher(prefix string, target oscTarget, logger *slog.Logger) *oscDispatcher {
	return &oscDispatcher{
		prefix: strings.TrimSuffix(prefix, "/"),
		target: target,
		logger: logger,
	}
}

// Dispatch implements osc.Dispatcher. Bundles are unpacked recursively.
func (d *oscDispatcher) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		if err := d.handle(p); err != nil {
			d.logger.Debug("osc message ignored", "address", p.Address, "args", p.Arguments, "error", err)
		}
	case *osc.Bundle:
		for _, m := range p.Messages {
			d.Dispatch(m)
		}
		for _, b := range p.Bundles {
			d.Dispatch(b)
		}
	}
}

func (d *oscDispatcher) handle(m *osc.Message) error {
	rest, ok := strings.CutPrefix(m.Address, d.prefix+"/")
	if !ok {
		return errors.New("outside prefix")
	}
	parts := strings.Split(rest, "/")

	if len(parts) == 2 && parts[0] == "listening" {
		switch parts[1] {
		case "toggle":
			return d.result(d.target.ToggleListening())
		case "delta":
			v, err := oscFloat(m)
			if err != nil {
				return err
			}
			return d.result(d.target.AdjustListening(mixer.Request{Delta: &v}))
		}
		return fmt.Errorf("unknown listening action %q", parts[1])
	}

	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return errors.New("address must be <category>/<operation>[/delta|/mute]")
	}
	k := mixer.Key{Category: parts[0], Operation: parts[1]}

	var req mixer.Request
	switch {
	case len(parts) == 2:
		v, err := oscFloat(m)
		if err != nil {
			return err
		}
		req.Value = &v
	case parts[2] == "delta":
		v, err := oscFloat(m)
		if err != nil {
			return err
		}
		req.Delta = &v
	case parts[2] == "mute":
		req.Mute = oscMute(m)
	default:
		return fmt.Errorf("unknown action %q", parts[2])
	}
	return d.result(d.target.Apply(k, req))
}

func (d *oscDispatcher) result(out mixer.Outcome, err error) error {
	if err != nil {
		return err
	}
	d.logger.Debug("osc applied", "key", out.Parameter.Key.String(), "message", out.Message)
	return nil
}

// oscFloat reads the first argument as a number.
func oscFloat(m *osc.Message) (float64, error) {
	if len(m.Arguments) == 0 {
		return 0, errors.New("missing numeric argument")
	}
	switch v := m.Arguments[0].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %v (%T) is not numeric", v, v)
	}
}

// oscMute maps the optional first argument to a mute action: no argument
// toggles, true/non-zero mutes, false/zero unmutes.
func oscMute(m *osc.Message) mixer.MuteAction {
	if len(m.Arguments) == 0 {
		return mixer.MuteToggle
	}
	on := false
	switch v := m.Arguments[0].(type) {
	case bool:
		on = v
	case int32:
		on = v != 0
	case int64:
		on = v != 0
	case float32:
		on = v != 0
	case float64:
		on = v != 0
	default:
		return mixer.MuteToggle
	}
	if on {
		return mixer.MuteOn
	}
	return mixer.MuteOff
}

// runOSCServer serves OSC over UDP on addr until ctx is canceled.
func runOSCServer(ctx context.Context, addr string, d *oscDispatcher, logger *slog.Logger) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("osc listen on %s: %w", addr, err)
	}

	server := &osc.Server{Addr: addr, Dispatcher: d}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	logger.Info("osc listening", "addr", conn.LocalAddr().String(), "prefix", d.prefix)

	err = server.Serve(conn)
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("osc server: %w", err)
}
