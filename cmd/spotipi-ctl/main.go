package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// spotipi-ctl - Command-line IPC Client
// ============================================================================
// Sends actions to the spotipi daemon over its Unix socket. Besides the
// playback commands it can drive the simulated hardware backend (button
// edges, potentiometer samples), which is how the daemon is exercised on a
// machine without the buttons wired up.
//
// Usage:
//   spotipi-ctl play-pause
//   spotipi-ctl volume 40
//   spotipi-ctl press 27
//   spotipi-ctl pot 128
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/spotipi.sock)
// ============================================================================

// ActionEnvelope wraps actions for JSON
type ActionEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Button channels, matching the daemon's wiring.
var buttonNames = map[string]int{
	"play-pause": 23,
	"pp":         23,
	"skip":       27,
	"next":       27,
	"back":       22,
	"prev":       22,
}

func main() {
	socketPath := "/tmp/spotipi.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(0)
	}

	envs, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	for _, env := range envs {
		if err := sendAction(socketPath, env); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("ok")
}

// parseCommand turns the command line into one or more envelopes. A button
// press is a falling edge followed by a rising edge.
func parseCommand(args []string) ([]ActionEnvelope, error) {
	one := func(typ string, data any) ([]ActionEnvelope, error) {
		return []ActionEnvelope{{Type: typ, Data: data}}, nil
	}

	switch args[0] {
	case "play-pause", "pp":
		return one("play_pause", nil)

	case "play":
		if len(args) > 1 {
			return one("play", map[string]any{"uris": args[1:]})
		}
		return one("play", nil)

	case "pause":
		return one("pause", nil)

	case "next", "skip":
		return one("next", nil)

	case "previous", "prev", "back":
		return one("previous", nil)

	case "shuffle":
		return one("shuffle", nil)

	case "volume", "vol":
		if len(args) < 2 {
			return nil, fmt.Errorf("volume requires a percent (0-100)")
		}
		pct, err := strconv.Atoi(args[1])
		if err != nil || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("invalid volume percent %q", args[1])
		}
		return one("set_volume", map[string]int{"percent": pct})

	case "random":
		if len(args) > 1 {
			return one("play_random", map[string]string{"playlist_id": args[1]})
		}
		return one("play_random", nil)

	case "press":
		if len(args) < 2 {
			return nil, fmt.Errorf("press requires a button (play-pause, skip, back) or channel number")
		}
		channel, ok := buttonNames[args[1]]
		if !ok {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, fmt.Errorf("unknown button %q", args[1])
			}
			channel = n
		}
		tick := uint32(time.Now().UnixMicro())
		return []ActionEnvelope{
			{Type: "button", Data: map[string]any{"channel": channel, "level": 0, "tick": tick}},
			{Type: "button", Data: map[string]any{"channel": channel, "level": 1, "tick": tick + 50_000}},
		}, nil

	case "pot":
		if len(args) < 2 {
			return nil, fmt.Errorf("pot requires a raw sample (0-255)")
		}
		sample, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid sample %q: %w", args[1], err)
		}
		return one("volume_sample", map[string]uint64{"sample": sample})

	case "refresh":
		return one("refresh", map[string]string{"reason": "spotipi-ctl"})

	case "nav", "navigate":
		if len(args) < 2 {
			return nil, fmt.Errorf("nav requires a screen (home, library, now_playing, back)")
		}
		return one("navigate", map[string]string{"screen": args[1]})

	case "login":
		if len(args) < 3 {
			return nil, fmt.Errorf("login requires a client id and a client secret")
		}
		return one("login", map[string]string{"client_id": args[1], "client_secret": args[2]})

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func sendAction(socketPath string, env ActionEnvelope) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send action: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `spotipi-ctl - Control the spotipi daemon via IPC

Usage:
  spotipi-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/spotipi.sock)

Playback commands:
  play-pause, pp            Toggle play/pause
  play [uri...]             Resume, or play the given track URIs
  pause                     Pause
  next, skip                Skip to the next track
  previous, prev, back      Go to the previous track
  shuffle                   Toggle shuffle
  volume, vol <0-100>       Set volume in percent
  random [playlist-id]      Play a random track (random playlist if omitted)

Simulated hardware (daemon started with -hardware sim):
  press <button|channel>    Press and release a button (play-pause, skip, back)
  pot <0-255>               Feed a raw potentiometer sample

Other:
  refresh                   Poll the player right away
  nav <screen>              Switch screen (home, library, now_playing, back)
  login <id> <secret>       Start pairing with the given credentials
  help, -h, --help          Show this help message

Examples:
  spotipi-ctl volume 35
  spotipi-ctl press skip
  spotipi-ctl -socket /run/spotipi.sock play-pause
`)
}
