package main

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

// TestButtonDebouncer_BounceBurst tests that a burst of bounces inside the
// window collapses into a single accepted edge.
func TestButtonDebouncer_BounceBurst(t *testing.T) {
	d := NewButtonDebouncer(100 * time.Millisecond)

	base := uint32(5_000_000)
	if !d.Accept(channelPlayPause, levelLow, base) {
		t.Fatalf("expected first edge to be accepted")
	}

	accepted := 0
	for i := 1; i <= 5; i++ {
		tick := base + uint32(i*10_000) // every 10ms, up to 50ms after the accepted edge
		if d.Accept(channelPlayPause, i%2, tick) {
			accepted++
		}
	}
	if accepted != 0 {
		t.Errorf("expected 0 bounces accepted, got %d", accepted)
	}
}

// TestButtonDebouncer_GlobalWindow tests that the window is shared across
// channels: a second button inside the window is suppressed.
func TestButtonDebouncer_GlobalWindow(t *testing.T) {
	d := NewButtonDebouncer(100 * time.Millisecond)

	if !d.Accept(channelPlayPause, levelLow, 1_000_000) {
		t.Fatalf("expected play/pause edge to be accepted")
	}
	if d.Accept(channelSkip, levelLow, 1_040_000) {
		t.Errorf("expected skip edge 40ms later to be suppressed by the shared window")
	}
	if !d.Accept(channelSkip, levelLow, 1_100_000) {
		t.Errorf("expected skip edge exactly one window later to be accepted")
	}
}

// TestButtonDebouncer_TickWrap tests the 32-bit tick counter wrapping.
func TestButtonDebouncer_TickWrap(t *testing.T) {
	d := NewButtonDebouncer(100 * time.Millisecond)

	last := uint32(0xFFFFFFFF - 20_000)
	if !d.Accept(channelBack, levelLow, last) {
		t.Fatalf("expected first edge to be accepted")
	}
	if d.Accept(channelBack, levelLow, last+50_000) { // wraps past zero, 50ms later
		t.Errorf("expected edge 50ms after wrap to be suppressed")
	}
	if !d.Accept(channelBack, levelLow, last+150_000) {
		t.Errorf("expected edge 150ms after wrap to be accepted")
	}
}

// TestButtonDebouncer_SpacingProperty feeds random edge streams and checks that
// accepted edges are never closer than the window, whatever the firing rate.
func TestButtonDebouncer_SpacingProperty(t *testing.T) {
	const window = 100 * time.Millisecond
	threshold := uint32(window / time.Microsecond)
	channels := []int{channelPlayPause, channelSkip, channelBack}

	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		d := NewButtonDebouncer(window)
		tick := uint32(rng.Int63n(1 << 32))

		var acceptedTicks []uint32
		for i := 0; i < 500; i++ {
			tick += uint32(rng.Intn(60_000)) // 0-60ms between raw edges
			ch := channels[rng.Intn(len(channels))]
			if d.Accept(ch, rng.Intn(2), tick) {
				acceptedTicks = append(acceptedTicks, tick)
			}
		}

		for i := 1; i < len(acceptedTicks); i++ {
			if gap := acceptedTicks[i] - acceptedTicks[i-1]; gap < threshold {
				t.Fatalf("run %d: accepted edges %d and %d are %dus apart, want >= %dus",
					run, i-1, i, gap, threshold)
			}
		}
	}
}

// TestButtonDebouncer_Concurrent tests thread safety
func TestButtonDebouncer_Concurrent(t *testing.T) {
	d := NewButtonDebouncer(100 * time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	// Every goroutine fires at the same tick; only one may win.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if d.Accept(ch, levelLow, 777) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly 1 accepted edge, got %d", accepted)
	}
}

func TestScaleSample(t *testing.T) {
	tests := []struct {
		sample uint8
		want   int
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{127, 50},
		{128, 50},
		{254, 100},
		{255, 100},
	}
	for _, tt := range tests {
		if got := ScaleSample(tt.sample); got != tt.want {
			t.Errorf("ScaleSample(%d) = %d, want %d", tt.sample, got, tt.want)
		}
	}
}

// TestVolumeSettler_JitterThenSteady drives 40,41,40,42 within 100ms and then
// holds 42 for 300ms at the 100ms poll cadence.
func TestVolumeSettler_JitterThenSteady(t *testing.T) {
	v := NewVolumeSettler(250 * time.Millisecond)
	start := time.Now()

	var commits []int
	feed := func(level int, at time.Duration) {
		if got, ok := v.Observe(level, start.Add(at)); ok {
			v.Commit(got)
			commits = append(commits, got)
		}
	}

	feed(40, 0)
	feed(41, 25*time.Millisecond)
	feed(40, 50*time.Millisecond)
	feed(42, 75*time.Millisecond)
	for at := 175 * time.Millisecond; at <= 375*time.Millisecond; at += 100 * time.Millisecond {
		feed(42, at)
	}

	if len(commits) != 1 {
		t.Fatalf("expected exactly 1 volume commit, got %d (%v)", len(commits), commits)
	}
	if commits[0] != 42 {
		t.Errorf("expected committed volume 42, got %d", commits[0])
	}
}

// TestVolumeSettler_NoRecommit tests that a settled value is not sent twice.
func TestVolumeSettler_NoRecommit(t *testing.T) {
	v := NewVolumeSettler(250 * time.Millisecond)
	start := time.Now()

	if _, ok := v.Observe(60, start); ok {
		t.Fatalf("expected no commit before the settle window")
	}
	if got, ok := v.Observe(60, start.Add(300*time.Millisecond)); !ok || got != 60 {
		t.Fatalf("expected commit of 60, got %d (ok=%v)", got, ok)
	}
	v.Commit(60)
	for i := 4; i < 20; i++ {
		if _, ok := v.Observe(61, start.Add(time.Duration(i)*100*time.Millisecond)); ok {
			t.Fatalf("expected 1-unit wiggle not to commit again")
		}
	}

	// Moving away and back to the committed value does not produce a command.
	at := start.Add(3 * time.Second)
	v.Observe(70, at)
	v.Observe(60, at.Add(100*time.Millisecond))
	if _, ok := v.Observe(60, at.Add(500*time.Millisecond)); ok {
		t.Errorf("expected no commit when the settled value equals the last commit")
	}
}

// TestVolumeSettler_SettleSpacingProperty checks that commits are at least one
// settle window apart and always differ from the previous commit.
func TestVolumeSettler_SettleSpacingProperty(t *testing.T) {
	const settle = 250 * time.Millisecond
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 100; run++ {
		v := NewVolumeSettler(settle)
		now := time.Now()
		level := rng.Intn(101)

		var lastAt time.Time
		lastLevel := -1
		for i := 0; i < 300; i++ {
			now = now.Add(100 * time.Millisecond)
			if rng.Intn(4) == 0 {
				level = rng.Intn(101)
			}
			got, ok := v.Observe(level, now)
			if !ok {
				continue
			}
			v.Commit(got)
			if !lastAt.IsZero() && now.Sub(lastAt) < settle {
				t.Fatalf("run %d: commits %v apart, want >= %v", run, now.Sub(lastAt), settle)
			}
			if got == lastLevel {
				t.Fatalf("run %d: committed %d twice in a row", run, got)
			}
			lastAt, lastLevel = now, got
		}
	}
}

// TestVolumeSettler_UncommittedIsOfferedAgain tests that a settled level
// stays pending until Commit is called.
func TestVolumeSettler_UncommittedIsOfferedAgain(t *testing.T) {
	v := NewVolumeSettler(250 * time.Millisecond)
	start := time.Now()

	v.Observe(42, start)
	for i := 3; i < 6; i++ {
		got, ok := v.Observe(42, start.Add(time.Duration(i)*100*time.Millisecond))
		if !ok || got != 42 {
			t.Fatalf("sample %d: expected 42 offered again, got %d (ok=%v)", i, got, ok)
		}
	}
	v.Commit(42)
	if _, ok := v.Observe(42, start.Add(700*time.Millisecond)); ok {
		t.Errorf("expected no offer after commit")
	}
}
