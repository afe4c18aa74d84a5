package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the spotipi daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. The file is the primary configuration surface; flags
// are for small overrides.
type Config struct {
	// Spotify application and Web API settings
	Spotify SpotifyConfig `yaml:"spotify"`

	// Buttons and potentiometer
	Hardware HardwareConfig `yaml:"hardware"`

	// Player state polling and album art
	Sync SyncConfig `yaml:"sync"`

	// Background task set
	Tasks TasksConfig `yaml:"tasks"`

	// IPC configuration (spotipi-ctl, librespot hook, simulated hardware)
	IPC IPCConfig `yaml:"ipc"`

	// State websocket / health endpoint
	HTTP HTTPConfig `yaml:"http"`

	// Terminal renderer
	UI UIConfig `yaml:"ui"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type SpotifyConfig struct {
	// Optional. When both are set the login screen is skipped and pairing
	// starts immediately. Never written back anywhere.
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`

	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	APIBaseURL   string   `yaml:"api_base_url"`
	CallbackPort int      `yaml:"callback_port"`
	TimeoutMS    int      `yaml:"timeout_ms"`
	Scopes       []string `yaml:"scopes"`
}

type HardwareConfig struct {
	Backend          string `yaml:"backend"`       // "linux" or "sim"
	ButtonDevice     string `yaml:"button_device"` // gpio-keys evdev node
	I2CBus           int    `yaml:"i2c_bus"`
	ADCAddress       int    `yaml:"adc_address"`
	AnalogChannel    int    `yaml:"analog_channel"`
	AnalogPollMS     int    `yaml:"analog_poll_ms"`
	ButtonDebounceMS int    `yaml:"button_debounce_ms"`
	VolumeSettleMS   int    `yaml:"volume_settle_ms"`

	// Buttons maps evdev key codes to button channels.
	Buttons map[int]int `yaml:"buttons"`
}

type SyncConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	ArtSizePx      int `yaml:"art_size_px"`
}

type TasksConfig struct {
	MaxInFlight       int `yaml:"max_in_flight"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the server
}

type UIConfig struct {
	Enabled bool `yaml:"enabled"`
	FPS     int  `yaml:"fps"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"` // empty: stderr while the UI runs, stdout otherwise
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	scopes := make([]string, len(defaultScopes))
	copy(scopes, defaultScopes)

	return Config{
		Spotify: SpotifyConfig{
			AuthURL:      defaultAuthURL,
			TokenURL:     defaultTokenURL,
			APIBaseURL:   defaultAPIBaseURL,
			CallbackPort: defaultCallbackPort,
			TimeoutMS:    defaultRequestTimeoutMS,
			Scopes:       scopes,
		},
		Hardware: HardwareConfig{
			Backend:          string(HardwareBackendLinux),
			ButtonDevice:     "/dev/input/by-path/platform-gpio-keys-event",
			I2CBus:           defaultI2CBus,
			ADCAddress:       defaultADCAddress,
			AnalogChannel:    defaultAnalogChannel,
			AnalogPollMS:     defaultAnalogPollMS,
			ButtonDebounceMS: defaultButtonDebounceMS,
			VolumeSettleMS:   defaultVolumeSettleMS,
			Buttons: map[int]int{
				KEY_PLAYPAUSE:    channelPlayPause,
				KEY_NEXTSONG:     channelSkip,
				KEY_PREVIOUSSONG: channelBack,
			},
		},
		Sync: SyncConfig{
			PollIntervalMS: defaultPollIntervalMS,
			ArtSizePx:      defaultArtSizePx,
		},
		Tasks: TasksConfig{
			MaxInFlight:       defaultMaxInFlight,
			ShutdownTimeoutMS: defaultShutdownTimeoutMS,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/spotipi.sock",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":3001",
		},
		UI: UIConfig{
			Enabled: true,
			FPS:     defaultFPS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags pass pointers; a nil pointer means the flag was not set.
// main.go decides which flags exist.
type FlagOverrides struct {
	ClientID     *string
	ClientSecret *string
	CallbackPort *int

	HardwareBackend *string
	ButtonDevice    *string
	I2CBus          *int

	IPCSocketPath  *string
	HTTPListenAddr *string
	UIEnabled      *bool

	LogLevel *string
	LogFile  *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a "zero value").
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.ClientID != nil {
		cfg.Spotify.ClientID = *o.ClientID
	}
	if o.ClientSecret != nil {
		cfg.Spotify.ClientSecret = *o.ClientSecret
	}
	if o.CallbackPort != nil {
		cfg.Spotify.CallbackPort = *o.CallbackPort
	}

	if o.HardwareBackend != nil {
		cfg.Hardware.Backend = *o.HardwareBackend
	}
	if o.ButtonDevice != nil {
		cfg.Hardware.ButtonDevice = *o.ButtonDevice
	}
	if o.I2CBus != nil {
		cfg.Hardware.I2CBus = *o.I2CBus
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPListenAddr != nil {
		cfg.HTTP.ListenAddr = *o.HTTPListenAddr
	}
	if o.UIEnabled != nil {
		cfg.UI.Enabled = *o.UIEnabled
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFile != nil {
		cfg.Logging.File = *o.LogFile
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Spotify
	if (c.Spotify.ClientID == "") != (c.Spotify.ClientSecret == "") {
		return errors.New("spotify.client_id and spotify.client_secret must be set together")
	}
	if c.Spotify.AuthURL == "" {
		return errors.New("spotify.auth_url must not be empty")
	}
	if c.Spotify.TokenURL == "" {
		return errors.New("spotify.token_url must not be empty")
	}
	if c.Spotify.APIBaseURL == "" {
		return errors.New("spotify.api_base_url must not be empty")
	}
	c.Spotify.APIBaseURL = strings.TrimRight(c.Spotify.APIBaseURL, "/")
	if c.Spotify.CallbackPort <= 0 || c.Spotify.CallbackPort > 65535 {
		return errors.New("spotify.callback_port must be between 1 and 65535")
	}
	if c.Spotify.TimeoutMS <= 0 {
		return errors.New("spotify.timeout_ms must be > 0")
	}
	if len(c.Spotify.Scopes) == 0 {
		return errors.New("spotify.scopes must not be empty")
	}

	// Hardware
	switch HardwareBackend(c.Hardware.Backend) {
	case HardwareBackendLinux:
		if c.Hardware.ButtonDevice == "" {
			return errors.New("hardware.button_device must not be empty for the linux backend")
		}
		if c.Hardware.I2CBus < 0 {
			return errors.New("hardware.i2c_bus must be >= 0")
		}
		if c.Hardware.ADCAddress < 0x03 || c.Hardware.ADCAddress > 0x77 {
			return errors.New("hardware.adc_address must be a 7-bit address between 0x03 and 0x77")
		}
	case HardwareBackendSim:
	default:
		return fmt.Errorf("hardware.backend must be %q or %q", HardwareBackendLinux, HardwareBackendSim)
	}
	if c.Hardware.AnalogChannel < 0 || c.Hardware.AnalogChannel > 7 {
		return errors.New("hardware.analog_channel must be between 0 and 7")
	}
	if c.Hardware.AnalogPollMS <= 0 {
		return errors.New("hardware.analog_poll_ms must be > 0")
	}
	if c.Hardware.ButtonDebounceMS < 0 {
		return errors.New("hardware.button_debounce_ms must be >= 0")
	}
	if c.Hardware.VolumeSettleMS < 0 {
		return errors.New("hardware.volume_settle_ms must be >= 0")
	}
	for code, channel := range c.Hardware.Buttons {
		if code < 0 || code > 0x2ff {
			return fmt.Errorf("hardware.buttons: key code %d out of range", code)
		}
		switch channel {
		case channelPlayPause, channelSkip, channelBack:
		default:
			return fmt.Errorf("hardware.buttons[%d]: unknown channel %d (want %d, %d or %d)",
				code, channel, channelPlayPause, channelSkip, channelBack)
		}
	}

	// Sync
	if c.Sync.PollIntervalMS <= 0 {
		return errors.New("sync.poll_interval_ms must be > 0")
	}
	if c.Sync.ArtSizePx <= 0 {
		return errors.New("sync.art_size_px must be > 0")
	}

	// Tasks
	if c.Tasks.MaxInFlight <= 0 {
		return errors.New("tasks.max_in_flight must be > 0")
	}
	if c.Tasks.ShutdownTimeoutMS < 0 {
		return errors.New("tasks.shutdown_timeout_ms must be >= 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// UI
	if c.UI.FPS <= 0 || c.UI.FPS > 240 {
		return errors.New("ui.fps must be between 1 and 240")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// RequestTimeout is the per-request deadline for provider calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Spotify.TimeoutMS) * time.Millisecond
}

// ShutdownTimeout bounds how long shutdown waits for in-flight tasks.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Tasks.ShutdownTimeoutMS) * time.Millisecond
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
