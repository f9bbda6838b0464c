package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"cuemixbridge/internal/mixer"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// cuemix-ctl and local scripts talk to the daemon over a Unix socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "apply", "data": {...}}
//   - Server responds: {"status": "ok", "message": "..."} or
//                      {"status": "error", "error": "msg"}
//
// Request types: apply, toggle_listening, adjust_listening, get, reconnect,
// set_log_level.
// ============================================================================

// IPCRequest is one line from a client.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status  string          `json:"status"`            // "ok" or "error"
	Error   string          `json:"error,omitempty"`   // error message if status == "error"
	Message string          `json:"message,omitempty"` // send log line or other summary
	Data    json.RawMessage `json:"data,omitempty"`    // "get" result
}

// ipcApply is the data of "apply" and "adjust_listening".
type ipcApply struct {
	Category  string   `json:"category,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Mute      string   `json:"mute,omitempty"` // "t", "1" or "0"
	Delta     *float64 `json:"delta,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

type ipcLogLevel struct {
	Level string `json:"level"`
}

// ipcHandler executes IPC requests against the engine.
type ipcHandler struct {
	engine *mixer.Engine
	link   linkControl
	logger *slog.Logger
}

func (h *ipcHandler) handle(req IPCRequest) IPCResponse {
	switch req.Type {
	case "apply":
		var d ipcApply
		if err := decodeIPCData(req.Data, &d); err != nil {
			return ipcError(err)
		}
		r, err := d.request()
		if err != nil {
			return ipcError(err)
		}
		return ipcOutcome(h.engine.Apply(mixer.Key{Category: d.Category, Operation: d.Operation}, r))

	case "toggle_listening":
		return ipcOutcome(h.engine.ToggleListening())

	case "adjust_listening":
		var d ipcApply
		if err := decodeIPCData(req.Data, &d); err != nil {
			return ipcError(err)
		}
		return ipcOutcome(h.engine.AdjustListening(mixer.Request{Delta: d.Delta, Value: d.Value}))

	case "get":
		var d ipcApply
		if err := decodeIPCData(req.Data, &d); err != nil {
			return ipcError(err)
		}
		k := mixer.Key{Category: d.Category, Operation: d.Operation}
		p, ok := h.engine.Store().Get(k)
		if !ok {
			return ipcError(fmt.Errorf("%w: %s", mixer.ErrUnknownParameter, k))
		}
		b, err := json.Marshal(p)
		if err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok", Data: b}

	case "reconnect":
		h.link.Reconnect()
		return IPCResponse{Status: "ok", Message: "reconnecting"}

	case "set_log_level":
		var d ipcLogLevel
		if err := decodeIPCData(req.Data, &d); err != nil {
			return ipcError(err)
		}
		lvl, err := setLogLevel(d.Level)
		if err != nil {
			return ipcError(err)
		}
		h.logger.Info("log level changed", "level", string(lvl))
		return IPCResponse{Status: "ok", Message: "log level " + string(lvl)}

	default:
		return ipcError(fmt.Errorf("unknown request type: %q", req.Type))
	}
}

func (d ipcApply) request() (mixer.Request, error) {
	r := mixer.Request{Delta: d.Delta, Value: d.Value}
	if d.Mute != "" {
		action, err := mixer.ParseMuteAction(d.Mute)
		if err != nil {
			return mixer.Request{}, err
		}
		r.Mute = action
	}
	return r, nil
}

func decodeIPCData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse data: %w", err)
	}
	return nil
}

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}

func ipcOutcome(out mixer.Outcome, err error) IPCResponse {
	if err != nil {
		return ipcError(err)
	}
	return IPCResponse{Status: "ok", Message: out.Message}
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, h *ipcHandler, logger *slog.Logger) error {
	// Remove a stale socket from a previous run.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, h, logger)
	}
}

// handleIPCConnection serves one client until it hangs up.
func handleIPCConnection(conn net.Conn, h *ipcHandler, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		var resp IPCResponse
		var req IPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			resp = ipcError(fmt.Errorf("parse request: %w", err))
		} else {
			resp = h.handle(req)
		}

		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}
