package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"cuemixbridge/internal/mixer"
)

//go:embed default_commands.json
var defaultCommands []byte

func printVersion() {
	fmt.Printf("cuemixbridge v%s\n", version)
	fmt.Println("HTTP/WebSocket/OSC control bridge for MOTU CueMix mixers")
}

func printUsage(fs *flag.FlagSet) {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  cuemixbridge [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Keeps a model of every mixer parameter in the command catalog, translates")
	fmt.Println("  UI requests into device frames, applies device reports back onto the model,")
	fmt.Println("  pushes every change to connected browsers and saves the state to disk.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("FILES (under --state-dir):")
	fmt.Println("  commands.json   command catalog (created from a built-in default when missing)")
	fmt.Println("  state.json      saved parameter state")
	fmt.Println("  settings.json   device connection settings (edited by the web UI)")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults (device at 127.0.0.1:1281, UI on :3000)")
	fmt.Println("  cuemixbridge")
	fmt.Println()
	fmt.Println("  # Connect to a networked interface and drive it from IR volume keys")
	fmt.Println("  cuemixbridge --device-host 192.168.1.50 --device-serial 0001f2fffe012345 --input-device /dev/input/event6")
	fmt.Println()
	fmt.Println("  # Accept OSC from a control surface")
	fmt.Println("  cuemixbridge --osc-listen :9000")
	fmt.Println()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("cuemixbridge", flag.ContinueOnError)
	var (
		configPath   = fs.String("config", "", "Path to YAML config file")
		deviceHost   = fs.String("device-host", "127.0.0.1", "Mixer host")
		devicePort   = fs.Int("device-port", defaultDevicePort, "Mixer websocket port")
		deviceSerial = fs.String("device-serial", "", "Mixer serial number (websocket path)")
		httpListen   = fs.String("http-listen", ":3000", "HTTP listen address")
		publicDir    = fs.String("public-dir", "public", "Directory with the web UI assets")
		stateDir     = fs.String("state-dir", "config", "Directory holding commands.json, state.json and settings.json")
		ipcSocket    = fs.String("ipc-socket", "/tmp/cuemixbridge.sock", "Unix domain socket path for IPC")
		inputDevices = fs.StringSlice("input-device", nil, "Linux input device for volume/mute keys or a rotary encoder (repeatable)")
		inputStepDB  = fs.Float64("input-step-db", 1, "dB change per volume key press")
		oscListen    = fs.String("osc-listen", "", "UDP address for the OSC control surface (empty disables)")
		logLevelStr  = fs.String("log-level", "info", "Log level: error, warn, info, debug")
		logFormat    = fs.String("log-format", "text", "Log format: text, json")
		showVersion  = fs.Bool("version", false, "Print version and exit")
		showHelp     = fs.BoolP("help", "h", false, "Print this help message")
	)
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showHelp {
		printUsage(fs)
		return nil
	}
	if *showVersion {
		printVersion()
		return nil
	}

	// Defaults, then file, then explicitly set flags.
	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	var ov FlagOverrides
	changed := fs.Changed
	if changed("device-host") {
		ov.DeviceHost = deviceHost
	}
	if changed("device-port") {
		ov.DevicePort = devicePort
	}
	if changed("device-serial") {
		ov.DeviceSerial = deviceSerial
	}
	if changed("http-listen") {
		ov.HTTPListen = httpListen
	}
	if changed("public-dir") {
		ov.HTTPPublicDir = publicDir
	}
	if changed("state-dir") {
		ov.StateDir = stateDir
	}
	if changed("ipc-socket") {
		ov.IPCSocketPath = ipcSocket
	}
	if changed("input-device") {
		ov.InputDevices = inputDevices
	}
	if changed("input-step-db") {
		ov.InputStepDB = inputStepDB
	}
	if changed("osc-listen") {
		ov.OSCListen = oscListen
	}
	if changed("log-level") {
		ov.LogLevel = logLevelStr
	}
	if changed("log-format") {
		ov.LogFormat = logFormat
	}
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceFlags := changed("device-host") || changed("device-port") || changed("device-serial")
	return runDaemon(ctx, cfg, deviceFlags, logger)
}

// runDaemon wires every component and blocks until ctx is canceled or a
// component fails. The state snapshot is flushed once on the way out.
func runDaemon(ctx context.Context, cfg Config, deviceFlags bool, logger *slog.Logger) error {
	logger.Debug("starting cuemixbridge", "version", version)

	// ------------------------------------------------------------------------
	// Catalog and state
	// ------------------------------------------------------------------------
	if err := os.MkdirAll(ExpandPath(cfg.State.Dir), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := bootstrapCatalog(cfg.CommandsPath(), logger); err != nil {
		return err
	}
	catalog, err := mixer.LoadCatalog(cfg.CommandsPath())
	if err != nil {
		return err
	}
	logger.Info("catalog loaded", "path", cfg.CommandsPath(), "parameters", catalog.Len())

	settings, err := OpenSettings(cfg.SettingsPath(), cfg.DefaultSettings(), logger)
	if err != nil {
		return err
	}
	if deviceFlags {
		// Explicit flags beat whatever the UI saved last.
		def := cfg.DefaultSettings().Connection
		port := string(def.Port)
		if _, err := settings.UpdateConnection(ConnectionUpdate{IP: &def.IP, Port: &port, Serial: &def.Serial}); err != nil {
			return err
		}
	}

	var observer mixer.Observer
	hubCfg := HubConfig{}
	if cfg.Metrics.Enabled {
		RegisterMetrics()
		observer = promObserver{}
		hubCfg.OnDrop = recordDropped
	}

	snapshots := mixer.FileSnapshots{Path: cfg.StatePath()}
	store := mixer.NewStore(catalog, mixer.StoreOptions{
		Snapshots: snapshots,
		SaveDelay: cfg.SaveDelay(),
		Logger:    logger,
		Observer:  observer,
	})
	store.LoadSnapshot(snapshots)

	// ------------------------------------------------------------------------
	// UI hub, device link, engine
	// ------------------------------------------------------------------------
	hub := NewHub(logger, hubCfg)
	notif := newNotifier(hub, logger)

	var engine *mixer.Engine
	linkOpts := DeviceLinkOptions{
		Endpoint: settings.Endpoint,
		OnFrame:  func(b []byte) { engine.HandleFrame(b) },
		OnStatus: notif.PublishStatus,
	}
	if cfg.Metrics.Enabled {
		linkOpts.OnConnected = recordConnected
	}
	link := NewDeviceLink(cfg.LinkConfig(), linkOpts, logger)

	engine = mixer.NewEngine(store, mixer.EngineOptions{
		Link:      link,
		Publisher: notif,
		Logger:    logger,
		Observer:  observer,
	})

	ui := NewUIServer(logger, hub, store)
	api := NewAPI(engine, link, settings, ui, logger)
	router := api.Router(cfg.HTTP, cfg.Metrics)

	// ------------------------------------------------------------------------
	// Run everything as one group
	// ------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return runHTTPServer(gctx, cfg.HTTP.Listen, router, logger) })
	g.Go(func() error { return watchSettings(gctx, settings, link.Reconnect, logger) })

	if cfg.IPC.Enabled {
		h := &ipcHandler{engine: engine, link: link, logger: logger}
		g.Go(func() error { return runIPCServer(gctx, cfg.IPC.SocketPath, h, logger) })
	}
	if len(cfg.Input.Devices) > 0 {
		router := newKeyRouter(engine, cfg.Input, logger)
		g.Go(func() error { return runKeyInput(gctx, cfg.Input.Devices, router, logger) })
	}
	if cfg.OSC.Listen != "" {
		d := newOSCDispatcher(cfg.OSC.Prefix, engine, logger)
		g.Go(func() error { return runOSCServer(gctx, cfg.OSC.Listen, d, logger) })
	}

	ep := settings.Endpoint()
	logger.Info("listening",
		"http", cfg.HTTP.Listen,
		"device", ep.URL(),
		"state_dir", cfg.State.Dir,
		"ipc", cfg.IPC.Enabled,
		"osc", cfg.OSC.Listen,
		"input_devices", len(cfg.Input.Devices))

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("shutting down after error", "error", runErr)
	} else {
		logger.Info("shutting down")
	}

	if err := store.Close(); err != nil {
		logger.Error("final state save failed", "error", err)
	}
	return runErr
}

// bootstrapCatalog writes the built-in catalog when path does not exist.
func bootstrapCatalog(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := writeFileAtomic(path, defaultCommands); err != nil {
		return fmt.Errorf("create default catalog: %w", err)
	}
	logger.Info("default catalog created", "path", path)
	return nil
}
