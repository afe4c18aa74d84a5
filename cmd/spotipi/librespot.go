package main

import (
	"errors"
	"fmt"
	"log/slog"
)

// ============================================================================
// Librespot Integration
// ============================================================================
// librespot runs its onevent hook with the event in environment variables.
// The hook only nudges the daemon to poll the player right away; the daemon
// reads the actual state from the Web API.
// Usage: spotipi librespot-hook   (as librespot's --onevent program)
// ============================================================================

var errLibrespotEventUnset = errors.New("PLAYER_EVENT not set")

// parseLibrespotEvent maps a librespot event onto an action. A nil action
// means the event does not change anything the daemon shows.
func parseLibrespotEvent(getenv func(string) string) (Action, error) {
	eventType := getenv("PLAYER_EVENT")
	if eventType == "" {
		return nil, errLibrespotEventUnset
	}

	switch eventType {
	case "track_changed", "playing", "paused", "stopped", "seeked",
		"shuffle_changed", "volume_changed", "session_connected", "session_disconnected":
		return RefreshState{Reason: "librespot:" + eventType}, nil

	case "started", "end_of_track", "loading", "preloading", "unavailable",
		"position_correction", "session_client_changed", "repeat_changed",
		"auto_play_changed", "filter_explicit_content_changed", "play_request_id_changed":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// runLibrespotHook handles librespot hook mode.
func runLibrespotHook(socketPath string, getenv func(string) string, logger *slog.Logger) error {
	action, err := parseLibrespotEvent(getenv)
	if err != nil {
		return err
	}
	if action == nil {
		logger.Debug("librespot event ignored", "event", getenv("PLAYER_EVENT"))
		return nil
	}

	logger.Debug("librespot event", "event", getenv("PLAYER_EVENT"), "action", actionName(action))

	if err := SendIPCAction(socketPath, action); err != nil {
		return fmt.Errorf("send IPC action: %w", err)
	}
	return nil
}
