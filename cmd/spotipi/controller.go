package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ============================================================================
// Controller
// ============================================================================
//
// Actions from IPC clients and the UI arrive here. Playback actions go to
// the Dispatcher, navigation and login go to the App, and raw input actions
// drive the simulated hardware. Nothing here blocks on the network.
//
// ============================================================================

var errActionDropped = errors.New("action dropped (not logged in or task set full)")

type Controller struct {
	app        *App
	dispatcher *Dispatcher
	state      *StateSync
	sim        *SimHardware // nil unless hardware.backend is sim
	analogCh   int
	logger     *slog.Logger
}

func NewController(app *App, dispatcher *Dispatcher, state *StateSync, sim *SimHardware, analogChannel int, logger *slog.Logger) *Controller {
	return &Controller{
		app:        app,
		dispatcher: dispatcher,
		state:      state,
		sim:        sim,
		analogCh:   analogChannel,
		logger:     logger,
	}
}

// Handle applies one action.
func (c *Controller) Handle(ctx context.Context, a Action) error {
	switch a := a.(type) {
	case PlayPause, Play, Pause, Next, Previous, ToggleShuffle, SetVolume, PlayRandomTrack:
		if !c.dispatcher.Dispatch(a) {
			return errActionDropped
		}
		return nil

	case ButtonEdge:
		if c.sim == nil {
			return errors.New("button injection needs hardware.backend: sim")
		}
		if !c.sim.InjectEdge(a.Channel, a.Level, a.Tick) {
			return fmt.Errorf("no callback registered for channel %d", a.Channel)
		}
		return nil

	case VolumeSample:
		if c.sim == nil {
			return errors.New("volume samples need hardware.backend: sim")
		}
		c.sim.SetAnalog(c.analogCh, a.Sample)
		return nil

	case RefreshState:
		c.logger.Debug("refresh requested", "reason", a.Reason)
		if !c.state.RefreshAsync() {
			return errors.New("refresh already in flight")
		}
		return nil

	case Navigate:
		if a.Screen == "back" {
			c.app.Back()
			return nil
		}
		screen, err := ParseScreen(a.Screen)
		if err != nil {
			return err
		}
		return c.app.Navigate(screen)

	case Login:
		return c.app.SubmitCredentials(ctx, a.ClientID, a.ClientSecret)

	default:
		return fmt.Errorf("unhandled action %T", a)
	}
}

// ActionRequest is an action plus a channel for its outcome.
type ActionRequest struct {
	Action Action
	Reply  chan<- error // optional, buffered
}

// runController applies queued actions in arrival order until ctx is done
// or the channel is closed.
func runController(ctx context.Context, requests <-chan ActionRequest, c *Controller) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopping (context canceled)")
			return

		case req, ok := <-requests:
			if !ok {
				c.logger.Info("controller stopping (requests channel closed)")
				return
			}
			err := c.Handle(ctx, req.Action)
			if err != nil {
				c.logger.Warn("action failed", "action", actionName(req.Action), "error", err)
			}
			if req.Reply != nil {
				select {
				case req.Reply <- err:
				default:
					c.logger.Warn("action reply channel not ready; dropping result")
				}
			}
		}
	}
}
