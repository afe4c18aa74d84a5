package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01

	KEY_NEXTSONG     = 163
	KEY_PLAYPAUSE    = 164
	KEY_PREVIOUSSONG = 165
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Button channels. These are the BCM pin numbers the buttons are wired to;
// the evdev backend maps key codes onto them so the rest of the daemon only
// ever sees channel ids.
const (
	channelPlayPause = 23
	channelSkip      = 27
	channelBack      = 22
)

// Logic levels reported with an edge. Buttons are wired active-low with
// pull-ups, so a press is a falling edge.
const (
	levelLow  = 0
	levelHigh = 1
)

// Input timing
const (
	defaultButtonDebounceMS = 100 // Global edge debounce window (ms)
	defaultAnalogPollMS     = 100 // Potentiometer sampling cadence (ms)
	defaultVolumeSettleMS   = 250 // Quiet period before a volume change is committed (ms)

	// volumeLatchDelta is the minimum change (in percent) needed to latch a
	// new volume target. Smaller wiggles are treated as ADC noise.
	volumeLatchDelta = 1

	ticksPerMillisecond = 1000 // edge ticks are microseconds
)

// I2C ADC defaults (PCF8591-style, single byte reads)
const (
	defaultI2CBus        = 1
	defaultADCAddress    = 0x4b
	defaultAnalogChannel = 0

	i2cSlaveIoctl = 0x0703 // I2C_SLAVE from <linux/i2c-dev.h>
)

// Spotify provider defaults
const (
	defaultAuthURL      = "https://accounts.spotify.com/authorize"
	defaultTokenURL     = "https://accounts.spotify.com/api/token"
	defaultAPIBaseURL   = "https://api.spotify.com/v1"
	defaultCallbackPort = 8888
	callbackPath        = "/callback"

	defaultRequestTimeoutMS = 10000

	// tokenRefreshMargin is how long before expiry the access token is renewed.
	tokenRefreshMargin = 60 * time.Second
)

// defaultScopes is the fixed scope set requested during pairing.
var defaultScopes = []string{
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
	"user-read-private",
	"playlist-read-private",
}

// Callback listener bounds
const (
	callbackMaxRequestBytes = 4096
	callbackMaxValueBytes   = 512
	callbackReadTimeout     = 5 * time.Second
)

// State sync and rendering defaults
const (
	defaultPollIntervalMS = 1000
	defaultArtSizePx      = 300
	defaultFPS            = 60
	maxArtBytes           = 4 << 20
)

// Task set defaults
const (
	defaultMaxInFlight       = 32
	defaultShutdownTimeoutMS = 3000
)
