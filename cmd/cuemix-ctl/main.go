package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

// ============================================================================
// cuemix-ctl - Command-line IPC Client
// ============================================================================
// Sends one request to the cuemixbridge daemon over its Unix socket and prints
// the reply.
//
// Usage:
//   cuemix-ctl set output/monitoring -20
//   cuemix-ctl nudge input/gain1 3
//   cuemix-ctl mute mix/main on
//   cuemix-ctl listen-toggle
//   cuemix-ctl get output/phones
// ============================================================================

// Wire types (duplicated from the daemon for a standalone binary)

type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type IPCResponse struct {
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type applyData struct {
	Category  string   `json:"category,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Mute      string   `json:"mute,omitempty"`
	Delta     *float64 `json:"delta,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

type logLevelData struct {
	Level string `json:"level"`
}

var errUsage = errors.New("usage")

func main() {
	fs := flag.NewFlagSet("cuemix-ctl", flag.ContinueOnError)
	socketPath := fs.StringP("socket", "s", "/tmp/cuemixbridge.sock", "Unix domain socket path")
	timeout := fs.Duration("timeout", 3*time.Second, "How long to wait for the daemon")
	fs.Usage = func() { printUsage(fs) }
	fs.SetInterspersed(false)

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	args := fs.Args()
	if len(args) == 0 {
		printUsage(fs)
		os.Exit(1)
	}
	if args[0] == "help" {
		printUsage(fs)
		os.Exit(0)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			printUsage(fs)
		}
		os.Exit(1)
	}

	resp, err := send(*socketPath, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if resp.Status == "error" {
		fmt.Fprintf(os.Stderr, "daemon error: %s\n", resp.Error)
		os.Exit(1)
	}

	switch {
	case len(resp.Data) > 0:
		var pretty map[string]any
		if err := json.Unmarshal(resp.Data, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(resp.Data))
		}
	case resp.Message != "":
		fmt.Println(resp.Message)
	default:
		fmt.Println("ok")
	}
}

// buildRequest turns command-line arguments into one IPC request.
func buildRequest(args []string) (IPCRequest, error) {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "set", "nudge":
		if len(rest) != 2 {
			return IPCRequest{}, fmt.Errorf("%w: %s <category/operation> <number>", errUsage, cmd)
		}
		d, err := parseKey(rest[0])
		if err != nil {
			return IPCRequest{}, err
		}
		v, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return IPCRequest{}, fmt.Errorf("invalid number %q", rest[1])
		}
		if cmd == "set" {
			d.Value = &v
		} else {
			d.Delta = &v
		}
		return encode("apply", d)

	case "mute":
		if len(rest) < 1 || len(rest) > 2 {
			return IPCRequest{}, fmt.Errorf("%w: mute <category/operation> [on|off|toggle]", errUsage)
		}
		d, err := parseKey(rest[0])
		if err != nil {
			return IPCRequest{}, err
		}
		d.Mute = "t"
		if len(rest) == 2 {
			switch rest[1] {
			case "on", "1":
				d.Mute = "1"
			case "off", "0":
				d.Mute = "0"
			case "toggle", "t":
			default:
				return IPCRequest{}, fmt.Errorf("invalid mute action %q (want on, off or toggle)", rest[1])
			}
		}
		return encode("apply", d)

	case "listen-toggle":
		return IPCRequest{Type: "toggle_listening"}, nil

	case "listen-nudge", "listen-set":
		if len(rest) != 1 {
			return IPCRequest{}, fmt.Errorf("%w: %s <number>", errUsage, cmd)
		}
		v, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return IPCRequest{}, fmt.Errorf("invalid number %q", rest[0])
		}
		var d applyData
		if cmd == "listen-set" {
			d.Value = &v
		} else {
			d.Delta = &v
		}
		return encode("adjust_listening", d)

	case "get":
		if len(rest) != 1 {
			return IPCRequest{}, fmt.Errorf("%w: get <category/operation>", errUsage)
		}
		d, err := parseKey(rest[0])
		if err != nil {
			return IPCRequest{}, err
		}
		return encode("get", d)

	case "reconnect":
		return IPCRequest{Type: "reconnect"}, nil

	case "log-level":
		if len(rest) != 1 {
			return IPCRequest{}, fmt.Errorf("%w: log-level <error|warn|info|debug>", errUsage)
		}
		return encode("set_log_level", logLevelData{Level: rest[0]})

	default:
		return IPCRequest{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func parseKey(s string) (applyData, error) {
	cat, op, ok := strings.Cut(s, "/")
	if !ok || cat == "" || op == "" {
		return applyData{}, fmt.Errorf("parameter must be category/operation, got %q", s)
	}
	return applyData{Category: cat, Operation: op}, nil
}

func encode(typ string, data any) (IPCRequest, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return IPCRequest{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return IPCRequest{Type: typ, Data: b}, nil
}

// send writes req as one JSON line and reads one response line.
func send(socketPath string, req IPCRequest, timeout time.Duration) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	line, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	out, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	var resp IPCResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cuemix-ctl - Control the cuemixbridge daemon via IPC

Usage:
  cuemix-ctl [options] <command> [args]

Options:
%s
Commands:
  set <cat/op> <value>            Set a parameter (dB for faders, raw for toggles)
  nudge <cat/op> <delta>          Change a parameter by delta
  mute <cat/op> [on|off|toggle]   Mute, unmute or toggle (default toggle)
  listen-toggle                   Switch listening between monitoring and phones
  listen-nudge <delta>            Change the active listening output by delta
  listen-set <value>              Set the active listening output
  get <cat/op>                    Print a parameter with its live state
  reconnect                       Force the daemon to reconnect to the mixer
  log-level <level>               Change the daemon log level
  help                            Show this help message

Examples:
  cuemix-ctl set output/monitoring -20
  cuemix-ctl mute mix/main on
  cuemix-ctl --socket /run/cuemixbridge.sock listen-toggle
`, fs.FlagUsages())
}
