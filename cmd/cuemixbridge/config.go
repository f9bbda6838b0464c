package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the cuemixbridge daemon.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config. Flags only override individual fields.
type Config struct {
	// Device link (mixer websocket endpoint and reconnect policy)
	Device DeviceConfig `yaml:"device"`

	// HTTP API, UI websocket and static assets
	HTTP HTTPConfig `yaml:"http"`

	// Catalog, snapshot and connection-settings files
	State StateConfig `yaml:"state"`

	// IPC socket used by cuemix-ctl
	IPC IPCConfig `yaml:"ipc"`

	// Linux key input (volume/mute keys drive the listening target)
	Input InputConfig `yaml:"input"`

	// OSC control surface
	OSC OSCConfig `yaml:"osc"`

	// Prometheus metrics
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type DeviceConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Serial              string `yaml:"serial"`
	HandshakeTimeoutMS  int    `yaml:"handshake_timeout_ms"`
	ReconnectIntervalMS int    `yaml:"reconnect_interval_ms"`
	MaxRetries          int    `yaml:"max_retries"`
}

type HTTPConfig struct {
	Listen      string   `yaml:"listen"`
	PublicDir   string   `yaml:"public_dir"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	CommandsFile string `yaml:"commands_file"`
	StateFile    string `yaml:"state_file"`
	SettingsFile string `yaml:"settings_file"`
	SaveDelayMS  int    `yaml:"save_delay_ms"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

type InputConfig struct {
	Devices []string     `yaml:"devices,omitempty"` // empty disables key input
	StepDB  float64      `yaml:"step_db"`
	Rotary  RotaryConfig `yaml:"rotary"`
}

type OSCConfig struct {
	Listen string `yaml:"listen"` // UDP address, empty disables OSC
	Prefix string `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Host:                "127.0.0.1",
			Port:                defaultDevicePort,
			HandshakeTimeoutMS:  2000,
			ReconnectIntervalMS: 1000,
			MaxRetries:          5,
		},
		HTTP: HTTPConfig{
			Listen:      ":3000",
			PublicDir:   "public",
			CORSOrigins: []string{"*"},
		},
		State: StateConfig{
			Dir:          "config",
			CommandsFile: "commands.json",
			StateFile:    "state.json",
			SettingsFile: "settings.json",
			SaveDelayMS:  10000,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/cuemixbridge.sock",
			Enabled:    true,
		},
		Input: InputConfig{
			StepDB: 1,
			Rotary: RotaryConfig{
				DBPerStep:          defaultRotaryDBPerStep,
				VelocityWindowMS:   defaultRotaryVelocityWindowMS,
				VelocityMultiplier: defaultRotaryVelocityMultiplier,
				VelocityThreshold:  defaultRotaryVelocityThreshold,
			},
		},
		OSC: OSCConfig{
			Prefix: "/cuemix",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields are rejected so typos surface at startup.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments may follow the document.
	var trailing yaml.Node
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries values from explicitly set flags. Nil pointers are
// ignored; non-nil values are applied even when they are zero values.
type FlagOverrides struct {
	DeviceHost   *string
	DevicePort   *int
	DeviceSerial *string

	HTTPListen    *string
	HTTPPublicDir *string

	StateDir *string

	IPCSocketPath *string

	InputDevices *[]string
	InputStepDB  *float64

	OSCListen *string

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.DeviceHost != nil {
		cfg.Device.Host = *o.DeviceHost
	}
	if o.DevicePort != nil {
		cfg.Device.Port = *o.DevicePort
	}
	if o.DeviceSerial != nil {
		cfg.Device.Serial = *o.DeviceSerial
	}

	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}
	if o.HTTPPublicDir != nil {
		cfg.HTTP.PublicDir = *o.HTTPPublicDir
	}

	if o.StateDir != nil {
		cfg.State.Dir = *o.StateDir
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.InputDevices != nil {
		cfg.Input.Devices = append([]string(nil), (*o.InputDevices)...)
	}
	if o.InputStepDB != nil {
		cfg.Input.StepDB = *o.InputStepDB
	}

	if o.OSCListen != nil {
		cfg.OSC.Listen = *o.OSCListen
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file and overrides have been applied.
func (c *Config) Validate() error {
	// Device
	if c.Device.Port < 0 || c.Device.Port > 65535 {
		return errors.New("device.port must be between 0 and 65535")
	}
	if c.Device.HandshakeTimeoutMS <= 0 {
		return errors.New("device.handshake_timeout_ms must be > 0")
	}
	if c.Device.ReconnectIntervalMS <= 0 {
		return errors.New("device.reconnect_interval_ms must be > 0")
	}
	if c.Device.MaxRetries <= 0 {
		return errors.New("device.max_retries must be > 0")
	}

	// HTTP
	if c.HTTP.Listen == "" {
		return errors.New("http.listen must not be empty")
	}

	// State
	if c.State.Dir == "" {
		return errors.New("state.dir must not be empty")
	}
	for name, v := range map[string]string{
		"state.commands_file": c.State.CommandsFile,
		"state.state_file":    c.State.StateFile,
		"state.settings_file": c.State.SettingsFile,
	} {
		if v == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if c.State.SaveDelayMS <= 0 {
		return errors.New("state.save_delay_ms must be > 0")
	}

	// IPC
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.enabled is true but ipc.socket_path is empty")
	}

	// Input
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}
	if c.Input.StepDB <= 0 {
		return errors.New("input.step_db must be > 0")
	}
	if c.Input.Rotary.DBPerStep <= 0 {
		return errors.New("input.rotary.db_per_step must be > 0")
	}
	if c.Input.Rotary.VelocityWindowMS <= 0 {
		return errors.New("input.rotary.velocity_window_ms must be > 0")
	}
	if c.Input.Rotary.VelocityMultiplier < 1 {
		return errors.New("input.rotary.velocity_multiplier must be >= 1")
	}
	if c.Input.Rotary.VelocityThreshold < 0 {
		return errors.New("input.rotary.velocity_threshold must be >= 0")
	}

	// OSC
	if c.OSC.Listen != "" && (c.OSC.Prefix == "" || c.OSC.Prefix[0] != '/') {
		return errors.New("osc.prefix must start with '/'")
	}

	// Metrics
	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		return errors.New("metrics.path must start with '/'")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.New(`logging.format must be "text" or "json"`)
	}

	return nil
}

// statePath joins a state file name onto the (expanded) state dir.
func (c *Config) statePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(ExpandPath(c.State.Dir), name)
}

func (c *Config) CommandsPath() string { return c.statePath(c.State.CommandsFile) }
func (c *Config) StatePath() string    { return c.statePath(c.State.StateFile) }
func (c *Config) SettingsPath() string { return c.statePath(c.State.SettingsFile) }

func (c *Config) SaveDelay() time.Duration {
	return time.Duration(c.State.SaveDelayMS) * time.Millisecond
}

// DefaultSettings derives the connection-settings file contents from the
// device section, for bootstrapping a missing settings file.
func (c *Config) DefaultSettings() Settings {
	port := ""
	if c.Device.Port > 0 {
		port = strconv.Itoa(c.Device.Port)
	}
	listen := defaultListeningPort
	if _, p, err := splitListen(c.HTTP.Listen); err == nil {
		listen = p
	}
	return Settings{
		Connection: ConnectionSettings{
			IP:     c.Device.Host,
			Port:   portString(port),
			Serial: c.Device.Serial,
		},
		ListeningPort: listen,
	}
}

func (c *Config) LinkConfig() DeviceLinkConfig {
	return DeviceLinkConfig{
		HandshakeTimeout:  time.Duration(c.Device.HandshakeTimeoutMS) * time.Millisecond,
		ReconnectInterval: time.Duration(c.Device.ReconnectIntervalMS) * time.Millisecond,
		MaxRetries:        c.Device.MaxRetries,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
