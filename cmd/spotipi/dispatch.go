package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Dispatcher turns playback actions into fire-and-forget network commands.
//
// Dispatch copies the token and playback pointers out of the session in one
// locked read, builds a self-contained NetworkCommand and hands it to the
// task set. It never blocks on the network. Commands are not ordered
// relative to each other; on success each applies whole-field optimistic
// updates, on failure it logs and is dropped.
type Dispatcher struct {
	api    *APIClient
	shared *Shared
	tasks  *TaskSet
	state  *StateSync // optional; enables the skip/previous follow-up and play random
	logger *slog.Logger

	onVolume func(int)
}

func NewDispatcher(api *APIClient, shared *Shared, tasks *TaskSet, state *StateSync, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:    api,
		shared: shared,
		tasks:  tasks,
		state:  state,
		logger: logger,
	}
}

// OnVolume registers fn to be called after a volume command succeeds.
// Set it before dispatching starts; fn must not block.
func (d *Dispatcher) OnVolume(fn func(int)) {
	d.onVolume = fn
}

// Dispatch starts the command for a. It reports whether a task was started.
func (d *Dispatcher) Dispatch(a Action) bool {
	sess := d.shared.Session.Snapshot()
	token := sess.Credentials.AccessToken
	if token == "" {
		d.logger.Debug("dropping action: not logged in", "action", actionName(a))
		return false
	}
	device := sess.DeviceID

	var (
		cmd       NetworkCommand
		onSuccess func()
		followUp  bool
	)

	switch a := a.(type) {
	case PlayPause:
		if sess.Playing {
			cmd = PauseCommand(token, device)
			onSuccess = func() { d.shared.Session.SetPlaying(false) }
		} else {
			cmd = PlayCommand(token, device, nil)
			onSuccess = func() { d.shared.Session.SetPlaying(true) }
		}

	case Play:
		if a.DeviceID != "" {
			device = a.DeviceID
		}
		cmd = PlayCommand(token, device, a.URIs)
		onSuccess = func() { d.shared.Session.SetPlaying(true) }

	case Pause:
		cmd = PauseCommand(token, device)
		onSuccess = func() { d.shared.Session.SetPlaying(false) }

	case Next:
		cmd = NextCommand(token, device)
		followUp = true

	case Previous:
		cmd = PreviousCommand(token, device)
		followUp = true

	case ToggleShuffle:
		want := !sess.Shuffle
		cmd = ShuffleCommand(token, device, want)
		onSuccess = func() { d.shared.Session.SetShuffle(want) }

	case SetVolume:
		percent := min(max(a.Percent, 0), 100)
		cmd = VolumeCommand(token, device, percent)
		onSuccess = func() {
			d.shared.Volume.Set(percent, time.Now())
			if d.onVolume != nil {
				d.onVolume(percent)
			}
		}

	case PlayRandomTrack:
		return d.playRandom(a.PlaylistID, token, device)

	default:
		d.logger.Warn("dispatcher ignoring non-playback action", "action", actionName(a))
		return false
	}

	return d.run(cmd, onSuccess, followUp)
}

func (d *Dispatcher) run(cmd NetworkCommand, onSuccess func(), followUp bool) bool {
	return d.tasks.Go(cmd.Name, func(ctx context.Context) {
		if err := d.api.Execute(ctx, cmd); err != nil {
			d.logger.Warn("command failed", "command", cmd.Name, "error", err)
			return
		}
		d.logger.Debug("command ok", "command", cmd.Name)

		if onSuccess != nil {
			onSuccess()
		}
		if followUp {
			d.refreshAfterSkip(ctx)
		}
	})
}

// refreshAfterSkip drops the cover, re-polls the player and loads the new
// cover if the poll did not already do so. The three steps run in order on
// the command's task, after the skip succeeded: Dispatch is called from the
// input and render loops and must not wait on the network, and polling
// before the skip lands would only fetch the old track.
func (d *Dispatcher) refreshAfterSkip(ctx context.Context) {
	if d.state == nil {
		return
	}
	d.shared.Art.Discard()

	if _, err := d.state.Refresh(ctx); err != nil {
		if !errors.Is(err, ErrNoActiveDevice) {
			d.logger.Debug("post-skip refresh failed", "error", err)
		}
		return
	}
	if err := d.state.EnsureArt(ctx); err != nil {
		d.logger.Warn("post-skip album art fetch failed", "error", err)
	}
}

func (d *Dispatcher) playRandom(playlistID, token, device string) bool {
	if playlistID == "" {
		playlists := d.shared.Library.Playlists()
		if len(playlists) == 0 {
			d.logger.Warn("play random: no playlists loaded")
			return false
		}
		playlistID = playlists[rand.IntN(len(playlists))].ID
	}
	if d.state == nil {
		d.logger.Warn("play random: state sync not available")
		return false
	}

	return d.tasks.Go("play_random", func(ctx context.Context) {
		uris, err := d.state.Tracks(ctx, playlistID)
		if err != nil {
			d.logger.Warn("play random: fetch tracks failed", "playlist", playlistID, "error", err)
			return
		}
		if len(uris) == 0 {
			d.logger.Warn("play random: playlist has no playable tracks", "playlist", playlistID)
			return
		}
		pick := uris[rand.IntN(len(uris))]

		cmd := PlayCommand(token, device, []string{pick})
		if err := d.api.Execute(ctx, cmd); err != nil {
			d.logger.Warn("command failed", "command", "play_random", "error", err)
			return
		}
		d.logger.Info("playing random track", "playlist", playlistID, "uri", pick)
		d.shared.Session.SetPlaying(true)
		d.refreshAfterSkip(ctx)
	})
}

// actionName returns the IPC type name of a, for logs.
func actionName(a Action) string {
	if name := actionType(a); name != "" {
		return name
	}
	return fmt.Sprintf("%T", a)
}
