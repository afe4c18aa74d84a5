package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("spotipi v%s\n", version)
	fmt.Println("Spotify remote control for a Raspberry Pi with buttons and a volume knob")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  spotipi [OPTIONS]")
	fmt.Println("  spotipi librespot-hook [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Pairs with a Spotify account through the authorization-code flow, then")
	fmt.Println("  turns three push buttons (play/pause, skip, back) and a potentiometer")
	fmt.Println("  into Web API playback commands. A terminal UI shows the login, pairing")
	fmt.Println("  QR code, library and now-playing screens.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (optional; defaults are used when omitted)")
	fmt.Println()
	fmt.Println("  -client-id string, -client-secret string")
	fmt.Println("        Spotify application credentials; when both are set pairing starts at once")
	fmt.Println()
	fmt.Println("  -callback-port int")
	fmt.Printf("        Port for the authorization redirect listener (default %d)\n", defaultCallbackPort)
	fmt.Println()
	fmt.Println("  -hardware string")
	fmt.Println("        Hardware backend: linux|sim (default \"linux\")")
	fmt.Println()
	fmt.Println("  -button-device string")
	fmt.Println("        gpio-keys input event device (default \"/dev/input/by-path/platform-gpio-keys-event\")")
	fmt.Println()
	fmt.Println("  -i2c-bus int")
	fmt.Printf("        I2C bus number of the ADC (default %d)\n", defaultI2CBus)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/spotipi.sock\")")
	fmt.Println()
	fmt.Println("  -http-listen string")
	fmt.Println("        State websocket / health listen address; empty disables (default \":3001\")")
	fmt.Println()
	fmt.Println("  -ui")
	fmt.Println("        Run the terminal UI (default true; -ui=false runs headless)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -log-file string")
	fmt.Println("        Append logs to this file (recommended with the UI)")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  librespot-hook")
	fmt.Println("        Run as librespot event hook (reads PLAYER_EVENT from environment)")
	fmt.Println("        Options: -config, -ipc-socket, -log-level")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with a config file")
	fmt.Println("  spotipi -config /etc/spotipi.yaml -log-file /var/log/spotipi.log")
	fmt.Println()
	fmt.Println("  # Headless, simulated hardware (drive it with spotipi-ctl)")
	fmt.Println("  spotipi -ui=false -hardware sim -client-id ID -client-secret SECRET")
	fmt.Println()
	fmt.Println("  # Use as librespot hook (add to librespot config)")
	fmt.Println("  onevent = spotipi librespot-hook")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the input device and /dev/i2c-N")
	fmt.Println("    (run as root or add the user to the 'input' and 'i2c' groups)")
	fmt.Println("  - The redirect URI http://127.0.0.1:<callback-port>/callback must be")
	fmt.Println("    registered for the Spotify application")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "librespot-hook" {
		runLibrespotSubcommand()
		return
	}

	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath   = flag.String("config", "", "YAML config file")
		clientID     = flag.String("client-id", "", "Spotify client id")
		clientSecret = flag.String("client-secret", "", "Spotify client secret")
		callbackPort = flag.Int("callback-port", defaultCallbackPort, "Authorization redirect listener port")
		hwBackend    = flag.String("hardware", string(HardwareBackendLinux), "Hardware backend: linux|sim")
		buttonDevice = flag.String("button-device", "", "gpio-keys input event device")
		i2cBus       = flag.Int("i2c-bus", defaultI2CBus, "I2C bus number of the ADC")
		ipcSocket    = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		httpListen   = flag.String("http-listen", "", "State websocket / health listen address")
		uiEnabled    = flag.Bool("ui", true, "Run the terminal UI")
		logLevelStr  = flag.String("log-level", "", "Log level: error, warn, info, debug")
		logFile      = flag.String("log-file", "", "Append logs to this file")
	)

	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "client-id":
			o.ClientID = clientID
		case "client-secret":
			o.ClientSecret = clientSecret
		case "callback-port":
			o.CallbackPort = callbackPort
		case "hardware":
			o.HardwareBackend = hwBackend
		case "button-device":
			o.ButtonDevice = buttonDevice
		case "i2c-bus":
			o.I2CBus = i2cBus
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "http-listen":
			o.HTTPListenAddr = httpListen
		case "ui":
			o.UIEnabled = uiEnabled
		case "log-level":
			o.LogLevel = logLevelStr
		case "log-file":
			o.LogFile = logFile
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logOut, closeLog, err := openLogOutput(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer closeLog()
	logger := newLogger(logOut, logLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("spotipi stopped with error", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// openLogOutput picks the log destination: the configured file, stderr while
// the UI owns stdout, stdout otherwise.
func openLogOutput(cfg Config) (io.Writer, func(), error) {
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(ExpandPath(cfg.Logging.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, func() { _ = f.Close() }, nil
	}
	if cfg.UI.Enabled {
		return os.Stderr, func() {}, nil
	}
	return os.Stdout, func() {}, nil
}

// run wires the components together and blocks until shutdown.
func run(cfg Config, logger *slog.Logger) error {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	logger.Debug("starting spotipi", "version", version)
	logger.Debug("configuration",
		"hardware_backend", cfg.Hardware.Backend,
		"button_device", cfg.Hardware.ButtonDevice,
		"i2c_bus", cfg.Hardware.I2CBus,
		"adc_address", fmt.Sprintf("%#x", cfg.Hardware.ADCAddress),
		"analog_channel", cfg.Hardware.AnalogChannel,
		"button_debounce_ms", cfg.Hardware.ButtonDebounceMS,
		"volume_settle_ms", cfg.Hardware.VolumeSettleMS,
		"callback_port", cfg.Spotify.CallbackPort,
		"api_base_url", cfg.Spotify.APIBaseURL,
		"timeout_ms", cfg.Spotify.TimeoutMS,
		"poll_interval_ms", cfg.Sync.PollIntervalMS,
		"max_in_flight", cfg.Tasks.MaxInFlight,
		"ipc_socket", cfg.IPC.SocketPath,
		"http_listen", cfg.HTTP.ListenAddr,
		"ui", cfg.UI.Enabled)

	// ------------------------------------------------------------------
	// Core components
	// ------------------------------------------------------------------
	shared := NewShared()
	tasks := NewTaskSet(ctx, cfg.Tasks.MaxInFlight, logger)
	httpClient := &http.Client{}

	api := NewAPIClient(cfg.Spotify.APIBaseURL, httpClient, cfg.RequestTimeout())
	auth := NewAuthFlow(AuthConfig{
		AuthURL:      cfg.Spotify.AuthURL,
		TokenURL:     cfg.Spotify.TokenURL,
		CallbackPort: cfg.Spotify.CallbackPort,
		Scopes:       cfg.Spotify.Scopes,
		Timeout:      cfg.RequestTimeout(),
	}, shared, tasks, httpClient, logger)
	state := NewStateSync(StateSyncConfig{
		PollInterval: time.Duration(cfg.Sync.PollIntervalMS) * time.Millisecond,
		ArtSize:      cfg.Sync.ArtSizePx,
	}, api, shared, tasks, auth, logger)
	dispatcher := NewDispatcher(api, shared, tasks, state, logger)
	app := NewApp(auth, state, shared, logger)

	broadcasts := make(chan StateBroadcast, 64)
	state.OnPlayback(func(p PlaybackSnapshot) {
		publishBroadcast(broadcasts, BroadcastPlaybackChanged{Playback: p, At: p.FetchedAt}, logger)
	})
	app.OnScreen(func(s Screen) {
		publishBroadcast(broadcasts, BroadcastScreenChanged{Screen: s, At: time.Now()}, logger)
	})
	dispatcher.OnVolume(func(percent int) {
		publishBroadcast(broadcasts, BroadcastVolumeChanged{Percent: percent, At: time.Now()}, logger)
	})

	// ------------------------------------------------------------------
	// Hardware
	// ------------------------------------------------------------------
	hw, err := openHardware(cfg.Hardware, logger)
	if err != nil {
		return fmt.Errorf("open hardware: %w", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			logger.Warn("hardware close failed", "error", err)
		}
	}()
	sim, _ := hw.(*SimHardware)

	input := NewInputLoop(InputConfig{
		AnalogChannel:  cfg.Hardware.AnalogChannel,
		PollInterval:   time.Duration(cfg.Hardware.AnalogPollMS) * time.Millisecond,
		DebounceWindow: time.Duration(cfg.Hardware.ButtonDebounceMS) * time.Millisecond,
		SettleWindow:   time.Duration(cfg.Hardware.VolumeSettleMS) * time.Millisecond,
	}, hw, dispatcher.Dispatch, logger)
	if err := input.Start(); err != nil {
		return fmt.Errorf("register button callbacks: %w", err)
	}

	controller := NewController(app, dispatcher, state, sim, cfg.Hardware.AnalogChannel, logger)
	requests := make(chan ActionRequest, 64)

	// ------------------------------------------------------------------
	// Services
	// ------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runController(gctx, requests, controller)
		return nil
	})
	g.Go(func() error {
		input.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := runIPCServer(gctx, cfg.IPC.SocketPath, requests, logger); err != nil {
			return fmt.Errorf("IPC server: %w", err)
		}
		return nil
	})

	if cfg.HTTP.ListenAddr != "" {
		hub := NewHub(logger, HubConfig{})
		ws := NewStateServer(logger, hub, func() wsStateSnapshot {
			return currentStateSnapshot(app, state, shared)
		})
		mux := newHTTPMux(ws, func() healthStatus {
			return healthStatus{
				Status:        "ok",
				Screen:        app.Screen().String(),
				LoggedIn:      shared.LoggedIn.Get(),
				TasksInFlight: tasks.InFlight(),
				TasksDropped:  tasks.Dropped(),
				WSClients:     hub.Clients(),
			}
		})

		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, hub, broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.ListenAddr, mux, logger)
		})
	}

	if cfg.UI.Enabled {
		model := NewUIModel(gctx, app, state, shared, requests, cfg.UI.FPS)
		g.Go(func() error {
			// Quitting the UI stops the daemon.
			defer cancel()
			return runUI(gctx, model)
		})
	} else {
		g.Go(func() error {
			runHeadless(gctx, app, state, time.Second/time.Duration(cfg.UI.FPS))
			return nil
		})
	}

	if cfg.Spotify.ClientID != "" {
		autoLogin(gctx, app, cfg, logger)
	}

	logger.Info("listening",
		"ipc", cfg.IPC.SocketPath,
		"http", cfg.HTTP.ListenAddr,
		"callback_port", cfg.Spotify.CallbackPort,
		"hardware", cfg.Hardware.Backend)

	err = g.Wait()

	logger.Info("shutting down")
	auth.Cancel()
	if shutdownErr := tasks.Shutdown(cfg.ShutdownTimeout()); shutdownErr != nil {
		logger.Warn("background tasks did not finish", "error", shutdownErr, "in_flight", tasks.InFlight())
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// autoLogin submits the configured credentials. Without the UI the
// authorization URL is logged and its QR code printed to stderr.
func autoLogin(ctx context.Context, app *App, cfg Config, logger *slog.Logger) {
	if err := app.SubmitCredentials(ctx, cfg.Spotify.ClientID, cfg.Spotify.ClientSecret); err != nil {
		logger.Error("automatic login failed", "error", err)
		return
	}
	view := app.View()
	logger.Info("open this URL to pair", "url", view.AuthURL)

	if cfg.UI.Enabled {
		return
	}
	qr, err := qrcode.New(view.AuthURL, qrcode.Medium)
	if err != nil {
		logger.Warn("could not render pairing QR code", "error", err)
		return
	}
	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
}

// runHeadless stands in for the render loop when the UI is off: it advances
// the pairing screen and keeps the player snapshot fresh for WS clients.
func runHeadless(ctx context.Context, app *App, state *StateSync, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if app.Poll().loggedInScreen() {
				state.PollAsync()
			}
		}
	}
}

func printLibrespotHookUsage() {
	fmt.Printf("spotipi librespot-hook v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  spotipi librespot-hook [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Librespot event hook that asks the spotipi daemon (via its Unix socket)")
	fmt.Println("  to refresh the player state right away.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file to read ipc.socket_path from")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/spotipi.sock\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Println("  PLAYER_EVENT - Event type from librespot (track_changed|playing|paused|...)")
	fmt.Println()
	fmt.Println("EXAMPLE:")
	fmt.Println("  Add to librespot configuration:")
	fmt.Println("  onevent = /usr/local/bin/spotipi librespot-hook")
	fmt.Println()
}

// runLibrespotSubcommand handles librespot-hook subcommand mode
func runLibrespotSubcommand() {
	fs := flag.NewFlagSet("librespot-hook", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	ipcSocketPath := fs.String("ipc-socket", "", "Unix domain socket path for IPC")
	logLevelStr := fs.String("log-level", "info", "Log level: error, warn, info, debug")
	showHelp := fs.Bool("help", false, "Print help message")

	fs.Usage = printLibrespotHookUsage
	_ = fs.Parse(os.Args[2:])

	if *showHelp {
		printLibrespotHookUsage()
		return
	}

	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	socket := DefaultConfig().IPC.SocketPath
	if *configPath != "" {
		cfg, err := LoadConfigFile(*configPath)
		if err != nil {
			logger.Error("librespot hook config error", "error", err)
			os.Exit(1)
		}
		socket = cfg.IPC.SocketPath
	}
	if *ipcSocketPath != "" {
		socket = *ipcSocketPath
	}

	if err := runLibrespotHook(socket, os.Getenv, logger); err != nil {
		logger.Error("librespot hook error", "error", err)
		os.Exit(1)
	}
}
