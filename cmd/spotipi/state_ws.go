package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Remote displays and scripts can follow the player without polling the
// Spotify API themselves. This file implements:
//   - A Hub that tracks connected WebSocket clients
//   - Per-client write pumps so one slow client doesn't block others
//   - A broadcaster loop that turns StateBroadcast values (published by the
//     state sync, the dispatcher and the app) into JSON frames
//
// Messages are JSON text frames with an envelope: {type, ts, data}. The first
// frame on connect is "state_init". After that: "playback_changed",
// "screen_changed" and "volume_changed" (volume is coalesced, latest wins).
// Slow clients are disconnected when their send buffer fills.
//
// ============================================================================

// StateBroadcast is a state change worth telling WS clients about.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastPlaybackChanged struct {
	Playback PlaybackSnapshot
	At       time.Time
}

type BroadcastScreenChanged struct {
	Screen Screen
	At     time.Time
}

type BroadcastVolumeChanged struct {
	Percent int
	At      time.Time
}

func (BroadcastPlaybackChanged) broadcastMarker() {}
func (BroadcastScreenChanged) broadcastMarker()   {}
func (BroadcastVolumeChanged) broadcastMarker()   {}

// publishBroadcast enqueues b without blocking. Callers are state-change
// hooks running on task goroutines; a full queue drops the update.
func publishBroadcast(ch chan<- StateBroadcast, b StateBroadcast, logger *slog.Logger) {
	select {
	case ch <- b:
	default:
		logger.Warn("state broadcast queue full, dropping update", "type", broadcastType(b))
	}
}

// wsStateSnapshot is the JSON `data` payload for "state_init".
type wsStateSnapshot struct {
	Screen      string            `json:"screen"`
	LoggedIn    bool              `json:"logged_in"`
	User        string            `json:"user,omitempty"`
	Playback    *PlaybackSnapshot `json:"playback,omitempty"`
	Volume      int               `json:"volume"`
	VolumeKnown bool              `json:"volume_known"`
}

// currentStateSnapshot copies the WS-visible state out of the shared
// structures.
func currentStateSnapshot(app *App, state *StateSync, shared *Shared) wsStateSnapshot {
	snap := wsStateSnapshot{
		Screen:   app.Screen().String(),
		LoggedIn: shared.LoggedIn.Get(),
	}
	if u, ok := shared.Library.User(); ok {
		snap.User = u.DisplayName
	}
	if pb, ok := state.Snapshot(); ok {
		snap.Playback = &pb
	}
	snap.Volume, snap.VolumeKnown = shared.Volume.Get()
	return snap
}

type wsScreenChangedData struct {
	Screen string `json:"screen"`
}

type wsVolumeChangedData struct {
	Percent int `json:"percent"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means now
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		c.closeSend()
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsVolumeCoalesceWindow is the maximum time window during which bursty volume
// updates are coalesced (latest-wins) before broadcasting to clients.
const wsVolumeCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump, what string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+what+" error)", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping", err)
				return
			}
		}
	}
}

// readPump discards incoming messages to detect disconnects and handle
// control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", "read", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type StateServer struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot func() wsStateSnapshot
}

// NewStateServer constructs the WS state endpoint. snapshot is called once
// per connection to build the state_init frame.
func NewStateServer(logger *slog.Logger, hub *Hub, snapshot func() wsStateSnapshot) *StateServer {
	return &StateServer{logger: logger, hub: hub, snapshot: snapshot}
}

// Register registers the WS handler on the provided mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Queue state_init before registering so it is the first frame the
	// client sees; broadcasts can only reach it after registration.
	initMsg, err := marshalEnvelope(wsOutboundEvent{Type: "state_init", Data: s.snapshot()})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- initMsg

	s.hub.register <- client

	// The pumps must outlive the handler: net/http cancels r.Context() when
	// it returns. The hub and socket errors end them instead.
	go client.writePump(context.Background())
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads StateBroadcast values, marshals them and broadcasts
// them to all hub clients. Intended to run as a single goroutine.
//
// Volume updates are flushed at most once per wsVolumeCoalesceWindow, even if
// updates keep arriving. Any other event flushes the pending volume first so
// ordering is kept.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	var pendingVol *wsOutboundEvent
	var volTimer *time.Timer
	var volTimerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPendingVol := func() {
		if pendingVol == nil {
			return
		}
		emit(*pendingVol)
		pendingVol = nil
	}

	stopVolTimer := func() {
		if volTimer != nil {
			volTimer.Stop()
		}
		volTimer = nil
		volTimerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingVol()
			stopVolTimer()
			return

		case <-volTimerCh:
			flushPendingVol()
			stopVolTimer()

		case b, ok := <-src:
			if !ok {
				flushPendingVol()
				stopVolTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "volume_changed" {
				pendingVol = &ev
				if volTimer == nil {
					volTimer = time.NewTimer(wsVolumeCoalesceWindow)
					volTimerCh = volTimer.C
				}
				continue
			}

			flushPendingVol()
			stopVolTimer()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastPlaybackChanged:
		return wsOutboundEvent{Type: "playback_changed", Data: ev.Playback, At: ev.At}, true
	case BroadcastScreenChanged:
		return wsOutboundEvent{Type: "screen_changed", Data: wsScreenChangedData{Screen: ev.Screen.String()}, At: ev.At}, true
	case BroadcastVolumeChanged:
		return wsOutboundEvent{Type: "volume_changed", Data: wsVolumeChangedData{Percent: ev.Percent}, At: ev.At}, true
	default:
		return wsOutboundEvent{}, false
	}
}

func broadcastType(b StateBroadcast) string {
	if ev, ok := convertBroadcast(b); ok {
		return ev.Type
	}
	return "unknown"
}
