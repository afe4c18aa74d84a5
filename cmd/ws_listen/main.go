package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen connects to the spotipi state websocket and prints one line per
// event. With -raw it prints the frames unchanged.

// envelope mirrors the daemon's {type, ts, data} frames.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type playback struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	ProgressSec int    `json:"progress_sec"`
	DurationSec int    `json:"duration_sec"`
	DeviceName  string `json:"device_name"`
	Playing     bool   `json:"playing"`
	Shuffle     bool   `json:"shuffle"`
}

type stateInit struct {
	Screen      string    `json:"screen"`
	LoggedIn    bool      `json:"logged_in"`
	User        string    `json:"user"`
	Playback    *playback `json:"playback"`
	Volume      int       `json:"volume"`
	VolumeKnown bool      `json:"volume_known"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3001/ws/state", "spotipi state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	// The server pings every 20s; answer within the read deadline.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			if *raw {
				fmt.Printf("%s\n", message)
				continue
			}
			handleTextMessage(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleTextMessage prints a one-line summary of a state frame.
func handleTextMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	switch env.Type {
	case "state_init":
		var s stateInit
		if err := json.Unmarshal(env.Data, &s); err != nil {
			break
		}
		fmt.Printf("[INIT] screen=%s logged_in=%t user=%q\n", s.Screen, s.LoggedIn, s.User)
		if s.VolumeKnown {
			fmt.Printf("[VOLUME] %d%%\n", s.Volume)
		}
		if s.Playback != nil {
			printPlayback(*s.Playback)
		}
		return

	case "playback_changed":
		var p playback
		if err := json.Unmarshal(env.Data, &p); err != nil {
			break
		}
		printPlayback(p)
		return

	case "screen_changed":
		var s struct {
			Screen string `json:"screen"`
		}
		if err := json.Unmarshal(env.Data, &s); err != nil {
			break
		}
		fmt.Printf("[SCREEN] %s\n", s.Screen)
		return

	case "volume_changed":
		var v struct {
			Percent int `json:"percent"`
		}
		if err := json.Unmarshal(env.Data, &v); err != nil {
			break
		}
		fmt.Printf("[VOLUME] %d%%\n", v.Percent)
		return
	}

	fmt.Printf("[%s] %s\n", env.Type, string(env.Data))
}

func printPlayback(p playback) {
	state := "PAUSED"
	if p.Playing {
		state = "PLAYING"
	}
	shuffle := ""
	if p.Shuffle {
		shuffle = " (shuffle)"
	}
	fmt.Printf("[%s] %s - %s [%s] %d:%02d/%d:%02d on %s%s\n",
		state, p.Artist, p.Title, p.Album,
		p.ProgressSec/60, p.ProgressSec%60, p.DurationSec/60, p.DurationSec%60,
		p.DeviceName, shuffle)
}
