package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Action Types
// ============================================================================
// Actions represent intent from the buttons, the potentiometer, the UI and
// IPC clients (spotipi-ctl, the librespot hook). Playback actions go to the
// Dispatcher; the rest are handled by the Controller.
// ============================================================================

// Action is a marker interface for everything the daemon can be asked to do.
type Action interface {
	actionMarker()
}

// ----------------------------------------------------------------------------
// Playback actions (one network command each)
// ----------------------------------------------------------------------------

// PlayPause toggles playback based on the last known playing flag.
type PlayPause struct{}

// Play starts playback, optionally of specific URIs on a specific device.
type Play struct {
	URIs     []string `json:"uris,omitempty"`
	DeviceID string   `json:"device_id,omitempty"`
}

type Pause struct{}
type Next struct{}
type Previous struct{}

// ToggleShuffle flips the shuffle flag.
type ToggleShuffle struct{}

// SetVolume sets the player volume in percent (0-100).
type SetVolume struct {
	Percent int `json:"percent"`
}

// PlayRandomTrack plays one random track from a playlist. An empty
// PlaylistID picks a random playlist from the library.
type PlayRandomTrack struct {
	PlaylistID string `json:"playlist_id,omitempty"`
}

func (PlayPause) actionMarker()       {}
func (Play) actionMarker()            {}
func (Pause) actionMarker()           {}
func (Next) actionMarker()            {}
func (Previous) actionMarker()        {}
func (ToggleShuffle) actionMarker()   {}
func (SetVolume) actionMarker()       {}
func (PlayRandomTrack) actionMarker() {}

// ----------------------------------------------------------------------------
// Input and control actions
// ----------------------------------------------------------------------------

// ButtonEdge is a raw button edge, as the hardware would report it. Used to
// drive the simulated backend.
type ButtonEdge struct {
	Channel int    `json:"channel"`
	Level   int    `json:"level"`
	Tick    uint32 `json:"tick"`
}

// VolumeSample is a raw 8-bit potentiometer reading for the simulated backend.
type VolumeSample struct {
	Sample uint8 `json:"sample"`
}

// RefreshState asks for an immediate player poll.
type RefreshState struct {
	Reason string `json:"reason,omitempty"` // e.g. "librespot", "ipc"
}

// Navigate switches the UI screen.
type Navigate struct {
	Screen string `json:"screen"` // "home", "library", "now_playing" or "back"
}

// Login submits client credentials and starts pairing.
type Login struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (ButtonEdge) actionMarker()   {}
func (VolumeSample) actionMarker() {}
func (RefreshState) actionMarker() {}
func (Navigate) actionMarker()     {}
func (Login) actionMarker()        {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// ActionEnvelope wraps actions for JSON serialization/deserialization.
// Since Go doesn't have union types, we use a type discriminator.
// ============================================================================

// ActionEnvelope wraps an action with a type discriminator for JSON marshaling
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalAction deserializes a JSON action envelope into a concrete Action
func UnmarshalAction(data []byte) (Action, error) {
	var env ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "play_pause":
		return PlayPause{}, nil
	case "play":
		var a Play
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal Play: %w", err)
		}
		return a, nil
	case "pause":
		return Pause{}, nil
	case "next":
		return Next{}, nil
	case "previous":
		return Previous{}, nil
	case "shuffle":
		return ToggleShuffle{}, nil

	case "set_volume":
		var a SetVolume
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetVolume: %w", err)
		}
		if a.Percent < 0 || a.Percent > 100 {
			return nil, fmt.Errorf("set_volume percent %d out of range 0-100", a.Percent)
		}
		return a, nil

	case "play_random":
		var a PlayRandomTrack
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal PlayRandomTrack: %w", err)
		}
		return a, nil

	case "button":
		var a ButtonEdge
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal ButtonEdge: %w", err)
		}
		if a.Level != levelLow && a.Level != levelHigh {
			return nil, fmt.Errorf("button level must be 0 or 1, got %d", a.Level)
		}
		return a, nil

	case "volume_sample":
		var a VolumeSample
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal VolumeSample: %w", err)
		}
		return a, nil

	case "refresh":
		var a RefreshState
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal RefreshState: %w", err)
		}
		return a, nil

	case "navigate":
		var a Navigate
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal Navigate: %w", err)
		}
		return a, nil

	case "login":
		var a Login
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal Login: %w", err)
		}
		if a.ClientID == "" || a.ClientSecret == "" {
			return nil, fmt.Errorf("login requires client_id and client_secret")
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown action type: %q", env.Type)
	}
}

// unmarshalData decodes optional payloads; a missing data field is fine.
func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// actionType returns the envelope discriminator for a, or "" if a is not
// an IPC action.
func actionType(a Action) string {
	switch a.(type) {
	case PlayPause:
		return "play_pause"
	case Play:
		return "play"
	case Pause:
		return "pause"
	case Next:
		return "next"
	case Previous:
		return "previous"
	case ToggleShuffle:
		return "shuffle"
	case SetVolume:
		return "set_volume"
	case PlayRandomTrack:
		return "play_random"
	case ButtonEdge:
		return "button"
	case VolumeSample:
		return "volume_sample"
	case RefreshState:
		return "refresh"
	case Navigate:
		return "navigate"
	case Login:
		return "login"
	default:
		return ""
	}
}

// MarshalAction serializes an Action into a JSON envelope with type discriminator
func MarshalAction(a Action) ([]byte, error) {
	env := ActionEnvelope{Type: actionType(a)}
	if env.Type == "" {
		return nil, fmt.Errorf("unsupported action type: %T", a)
	}

	switch a.(type) {
	case PlayPause, Pause, Next, Previous, ToggleShuffle:
		// no payload
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}
