package main

import (
	"sync"
	"time"
)

// ButtonDebouncer suppresses bounce on the discrete buttons.
//
// The window is shared by all channels: an edge on any button within
// threshold of the last accepted edge (on any button) is dropped. Two
// different buttons pressed together inside the window therefore lose the
// second press. This matches the hardware behaviour the daemon has always
// had; see DESIGN.md before changing it to per-channel.
//
// Thread-safe: edge callbacks may arrive on the backend's reader goroutine
// and on the IPC goroutine at the same time.
type ButtonDebouncer struct {
	mu        sync.Mutex
	threshold uint32 // in ticks (microseconds)
	lastTick  uint32
	accepted  bool
}

// NewButtonDebouncer creates a debouncer with the given window.
func NewButtonDebouncer(window time.Duration) *ButtonDebouncer {
	return &ButtonDebouncer{
		threshold: uint32(window / time.Microsecond),
	}
}

// Accept reports whether an edge at tick should be acted on. Ticks are a
// free-running 32-bit microsecond counter, so the subtraction is wrap-safe.
// Accepted edges of either level reset the window.
func (d *ButtonDebouncer) Accept(channel, level int, tick uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.accepted && tick-d.lastTick < d.threshold {
		return false
	}
	d.lastTick = tick
	d.accepted = true
	return true
}

// ScaleSample rescales an 8-bit ADC sample to a 0-100 percentage.
func ScaleSample(sample uint8) int {
	return (int(sample)*100 + 127) / 255
}

// VolumeIntent is the latest latched volume target.
type VolumeIntent struct {
	Level     int
	ChangedAt time.Time
}

// VolumeSettler coalesces potentiometer jitter into at most one volume
// command per settle window.
//
// A reading latches a new target when it moves more than volumeLatchDelta away
// from the current target. The target is committed once it has been left alone
// for the settle window and differs from what was last committed.
//
// Owned by the hardware-poll goroutine; not safe for concurrent use.
type VolumeSettler struct {
	settle time.Duration

	intent        VolumeIntent
	latched       bool
	lastCommitted int
	committed     bool
}

// NewVolumeSettler creates a settler with the given quiet period.
func NewVolumeSettler(settle time.Duration) *VolumeSettler {
	return &VolumeSettler{settle: settle}
}

// Observe feeds one scaled reading taken at now. It returns (level, true)
// when level should be sent to the player. The level only counts as sent
// once Commit is called; until then every later reading offers it again.
func (v *VolumeSettler) Observe(level int, now time.Time) (int, bool) {
	if !v.latched || abs(level-v.intent.Level) > volumeLatchDelta {
		v.intent = VolumeIntent{Level: level, ChangedAt: now}
		v.latched = true
	}

	if now.Sub(v.intent.ChangedAt) < v.settle {
		return 0, false
	}
	if v.committed && v.intent.Level == v.lastCommitted {
		return 0, false
	}

	return v.intent.Level, true
}

// Commit records that level was handed to the player.
func (v *VolumeSettler) Commit(level int) {
	v.lastCommitted = level
	v.committed = true
}

// Intent returns the current target, if any reading has been latched.
func (v *VolumeSettler) Intent() (VolumeIntent, bool) {
	return v.intent, v.latched
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
