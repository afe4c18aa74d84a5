package main

import (
	"context"
	"log/slog"
	"time"
)

// InputLoop owns the hardware side: it registers the button edge callbacks
// and polls the potentiometer.
//
// Edge callbacks run on the backend's goroutine and only touch the
// debouncer (which is locked) and the dispatcher (which never blocks). The
// settler is only used from Run.
type InputLoop struct {
	hw        Hardware
	debouncer *ButtonDebouncer
	settler   *VolumeSettler
	dispatch  func(Action) bool
	logger    *slog.Logger

	analogChannel int
	pollInterval  time.Duration
	buttons       map[int]Action // channel -> action on press
}

// InputConfig holds the input timing parameters.
type InputConfig struct {
	AnalogChannel  int
	PollInterval   time.Duration
	DebounceWindow time.Duration
	SettleWindow   time.Duration
}

func NewInputLoop(cfg InputConfig, hw Hardware, dispatch func(Action) bool, logger *slog.Logger) *InputLoop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultAnalogPollMS * time.Millisecond
	}
	return &InputLoop{
		hw:            hw,
		debouncer:     NewButtonDebouncer(cfg.DebounceWindow),
		settler:       NewVolumeSettler(cfg.SettleWindow),
		dispatch:      dispatch,
		logger:        logger,
		analogChannel: cfg.AnalogChannel,
		pollInterval:  cfg.PollInterval,
		buttons: map[int]Action{
			channelPlayPause: PlayPause{},
			channelSkip:      Next{},
			channelBack:      Previous{},
		},
	}
}

// Start registers the edge callback on every button channel.
func (l *InputLoop) Start() error {
	for channel := range l.buttons {
		if err := l.hw.RegisterEdge(channel, l.onEdge); err != nil {
			return err
		}
	}
	return nil
}

// onEdge debounces an edge and dispatches the button's action on a press.
// Releases still count towards the debounce window.
func (l *InputLoop) onEdge(channel, level int, tick uint32) {
	if !l.debouncer.Accept(channel, level, tick) {
		l.logger.Debug("button edge debounced", "channel", channel, "level", level, "tick", tick)
		return
	}
	if level != levelLow {
		return
	}

	action, ok := l.buttons[channel]
	if !ok {
		l.logger.Debug("edge on unknown channel", "channel", channel)
		return
	}
	l.logger.Debug("button pressed", "channel", channel, "action", actionName(action))
	l.dispatch(action)
}

// Run samples the potentiometer until ctx is done.
func (l *InputLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			raw, err := l.hw.ReadAnalog(l.analogChannel)
			if err != nil {
				// Log the first failure of a run only; the poll keeps going.
				if !failing {
					l.logger.Warn("analog read failed", "channel", l.analogChannel, "error", err)
					failing = true
				}
				continue
			}
			if failing {
				l.logger.Info("analog read recovered", "channel", l.analogChannel)
				failing = false
			}
			l.observe(raw, now)
		}
	}
}

func (l *InputLoop) observe(raw uint8, now time.Time) {
	level, ok := l.settler.Observe(ScaleSample(raw), now)
	if !ok {
		return
	}
	if !l.dispatch(SetVolume{Percent: level}) {
		// Offered again on the next sample.
		return
	}
	l.settler.Commit(level)
	l.logger.Debug("volume settled", "percent", level, "raw", raw)
}
