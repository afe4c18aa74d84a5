package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// These tests exercise the hub without a real websocket server. Clients are
// built with a nil conn; the hub guards every Close against nil.

func newTestHub(sendBuf, broadcastBuf int) *Hub {
	return NewHub(discardLogger(), HubConfig{SendBuf: sendBuf, BroadcastBuf: broadcastBuf})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     discardLogger(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func runHub(t *testing.T, hub *Hub) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	}
}

// TestHubBroadcastDeliveredToAllClients tests fan-out to every client
func TestHubBroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(4, 8)
	stop := runHub(t, hub)
	defer stop()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	msg := []byte(`{"type":"volume_changed","data":{"percent":40}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Errorf("%s: expected %q, got %q", c.remoteAddr, msg, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	if n := hub.Clients(); n != 2 {
		t.Errorf("expected 2 clients, got %d", n)
	}
}

// TestHubSlowClientDisconnected tests that a full send buffer evicts the
// client without affecting the others
func TestHubSlowClientDisconnected(t *testing.T) {
	hub := newTestHub(1, 8)
	stop := runHub(t, hub)
	defer stop()

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"screen_changed","data":{"screen":"home"}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Errorf("expected %q, got %q", msg, got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	waitUntil(t, 500*time.Millisecond, func() bool { return hub.Clients() == 1 }, "slow client still registered")
}

// TestHubShutdownClosesClients tests that stopping the hub closes every
// client's send channel
func TestHubShutdownClosesClients(t *testing.T) {
	hub := newTestHub(4, 8)
	stop := runHub(t, hub)

	c := newTestClient(hub, "c", 4)
	registerAndWait(t, hub, c)
	stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Errorf("expected closed send channel, got a message")
		}
	default:
		t.Errorf("expected closed send channel")
	}

	// A late removal after shutdown must not panic on the closed channel.
	c.closeSend()
}

func decodeEnvelope(t *testing.T, b []byte) (string, json.RawMessage) {
	t.Helper()
	var env struct {
		Type string          `json:"type"`
		Ts   *time.Time      `json:"ts"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", b, err)
	}
	if env.Ts == nil {
		t.Errorf("expected ts in %q", b)
	}
	return env.Type, env.Data
}

// TestBroadcasterCoalescesVolume tests that a burst of volume updates turns
// into one frame carrying the latest level, and that other events pass
// straight through
func TestBroadcasterCoalescesVolume(t *testing.T) {
	hub := newTestHub(16, 16)
	src := make(chan StateBroadcast, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, hub, src, discardLogger())
	}()

	for _, p := range []int{10, 20, 30, 42} {
		src <- BroadcastVolumeChanged{Percent: p}
	}

	var frame []byte
	select {
	case frame = <-hub.broadcast:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for volume frame")
	}
	typ, data := decodeEnvelope(t, frame)
	if typ != "volume_changed" {
		t.Fatalf("expected volume_changed, got %s", typ)
	}
	var vol wsVolumeChangedData
	if err := json.Unmarshal(data, &vol); err != nil {
		t.Fatalf("decode volume data: %v", err)
	}
	if vol.Percent != 42 {
		t.Errorf("expected latest percent 42, got %d", vol.Percent)
	}

	select {
	case extra := <-hub.broadcast:
		t.Errorf("expected a single coalesced frame, got extra %q", extra)
	case <-time.After(3 * wsVolumeCoalesceWindow):
	}

	src <- BroadcastScreenChanged{Screen: ScreenNowPlaying}
	select {
	case frame = <-hub.broadcast:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for screen frame")
	}
	typ, data = decodeEnvelope(t, frame)
	if typ != "screen_changed" {
		t.Fatalf("expected screen_changed, got %s", typ)
	}
	var scr wsScreenChangedData
	if err := json.Unmarshal(data, &scr); err != nil {
		t.Fatalf("decode screen data: %v", err)
	}
	if scr.Screen != "now_playing" {
		t.Errorf("expected now_playing, got %s", scr.Screen)
	}

	cancel()
	<-done
}

// TestBroadcasterFlushesVolumeBeforeOtherEvents tests ordering when a
// playback change arrives while a volume update is pending
func TestBroadcasterFlushesVolumeBeforeOtherEvents(t *testing.T) {
	hub := newTestHub(16, 16)
	src := make(chan StateBroadcast, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunBroadcaster(ctx, hub, src, discardLogger())

	src <- BroadcastVolumeChanged{Percent: 55}
	src <- BroadcastPlaybackChanged{Playback: PlaybackSnapshot{Title: "Song", TrackID: "t1", Playing: true}}

	want := []string{"volume_changed", "playback_changed"}
	for _, w := range want {
		select {
		case frame := <-hub.broadcast:
			if typ, _ := decodeEnvelope(t, frame); typ != w {
				t.Errorf("expected %s, got %s", w, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", w)
		}
	}
}

// TestPublishBroadcastNeverBlocks tests that a full queue drops updates
func TestPublishBroadcastNeverBlocks(t *testing.T) {
	ch := make(chan StateBroadcast, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			publishBroadcast(ch, BroadcastVolumeChanged{Percent: i}, discardLogger())
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publishBroadcast blocked on a full queue")
	}
	if got := (<-ch).(BroadcastVolumeChanged).Percent; got != 0 {
		t.Errorf("expected first update to be kept, got %d", got)
	}
}
