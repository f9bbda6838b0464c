package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ============================================================================
// Connection settings file
// ============================================================================
// settings.json holds the runtime connection parameters the web UI edits:
//
//   {"connectionSettings":{"motuIp":"127.0.0.1","motuPort":"1281","motuSn":""},
//    "listeningPort":3000}
//
// It is created with defaults when missing, rewritten by POST /api/reconnect
// and watched for external edits.
// ============================================================================

// portString is a port kept as a string. Hand-edited files sometimes carry a
// JSON number instead.
type portString string

func (p *portString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '"' {
		if bytes.Equal(b, []byte("null")) {
			*p = ""
			return nil
		}
		n, err := strconv.Atoi(string(b))
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		*p = portString(strconv.Itoa(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = portString(s)
	return nil
}

type ConnectionSettings struct {
	IP     string     `json:"motuIp"`
	Port   portString `json:"motuPort"`
	Serial string     `json:"motuSn"`
}

type Settings struct {
	Connection    ConnectionSettings `json:"connectionSettings"`
	ListeningPort int                `json:"listeningPort"`
}

// Endpoint returns the device address the settings describe.
func (s Settings) Endpoint() Endpoint {
	return Endpoint{
		Host:   s.Connection.IP,
		Port:   string(s.Connection.Port),
		Serial: s.Connection.Serial,
	}
}

// ConnectionUpdate is a partial connection change. Nil fields are left alone.
type ConnectionUpdate struct {
	IP     *string `json:"ip"`
	Port   *string `json:"port"`
	Serial *string `json:"sn"`
}

// SettingsFile caches settings.json and serialises rewrites of it.
type SettingsFile struct {
	path     string
	defaults Settings
	logger   *slog.Logger

	mu  sync.Mutex
	cur Settings
}

// OpenSettings loads path, creating it from defaults when it does not exist.
// An unreadable or corrupt file is logged and the defaults are used.
func OpenSettings(path string, defaults Settings, logger *slog.Logger) (*SettingsFile, error) {
	f := &SettingsFile{path: path, defaults: defaults, logger: logger, cur: defaults}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeSettings(path, defaults); err != nil {
			return nil, fmt.Errorf("create default settings: %w", err)
		}
		logger.Info("default settings created", "path", path)
		return f, nil
	}

	s, err := readSettings(path)
	if err != nil {
		logger.Error("failed to read settings, using defaults", "path", path, "error", err)
		return f, nil
	}
	f.cur = s
	return f, nil
}

func (f *SettingsFile) Path() string { return f.path }

func (f *SettingsFile) Get() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// Endpoint is the device address currently configured. The device link calls
// it before every dial.
func (f *SettingsFile) Endpoint() Endpoint {
	return f.Get().Endpoint()
}

// Reload re-reads the file and reports whether the connection fields changed.
// A file that fails to parse leaves the cached settings untouched.
func (f *SettingsFile) Reload() (bool, error) {
	s, err := readSettings(f.path)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	changed := s.Connection != f.cur.Connection
	f.cur = s
	return changed, nil
}

// UpdateConnection applies u and rewrites the file when anything differs.
// It reports whether the connection changed.
func (f *SettingsFile) UpdateConnection(u ConnectionUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.cur
	if u.IP != nil {
		next.Connection.IP = *u.IP
	}
	if u.Port != nil {
		next.Connection.Port = portString(*u.Port)
	}
	if u.Serial != nil {
		next.Connection.Serial = *u.Serial
	}
	if next.Connection == f.cur.Connection {
		return false, nil
	}

	if err := writeSettings(f.path, next); err != nil {
		return false, err
	}
	f.cur = next
	f.logger.Info("settings updated", "path", f.path, "host", next.Connection.IP, "port", string(next.Connection.Port))
	return true, nil
}

func readSettings(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}
	return s, nil
}

func writeSettings(path string, s Settings) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return writeFileAtomic(path, b)
}

// writeFileAtomic writes b next to path and renames it into place.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// splitListen returns the host and numeric port of an HTTP listen address
// such as ":3000".
func splitListen(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("listen port %q: %w", port, err)
	}
	return host, n, nil
}
