package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestDispatcher(rig *testRig) *Dispatcher {
	client := NewAPIClient(rig.api.srv.URL, rig.api.srv.Client(), 2*time.Second)
	return NewDispatcher(client, rig.shared, rig.tasks, rig.state, discardLogger())
}

func (f *fakeAPI) waitForRequests(t *testing.T, n int) []recordedRequest {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return len(f.recorded()) >= n }, fmt.Sprintf("expected %d requests", n))
	return f.recorded()
}

// TestDispatcher_PlayPauseOptimistic tests the play/pause choice and the
// optimistic flag flip on success.
func TestDispatcher_PlayPauseOptimistic(t *testing.T) {
	rig := newTestRig(t, time.Second)
	d := newTestDispatcher(rig)
	rig.shared.Session.SetPlayback("dev1", "t1", true, false)

	if !d.Dispatch(PlayPause{}) {
		t.Fatal("expected dispatch to start")
	}
	reqs := rig.api.waitForRequests(t, 1)
	if reqs[0].Method != "PUT" || reqs[0].Path != "/me/player/pause" {
		t.Errorf("expected PUT /me/player/pause, got %s %s", reqs[0].Method, reqs[0].Path)
	}
	if reqs[0].Query != "device_id=dev1" {
		t.Errorf("expected device_id=dev1, got %q", reqs[0].Query)
	}
	if reqs[0].Auth != "Bearer AT1" {
		t.Errorf("expected bearer AT1, got %q", reqs[0].Auth)
	}
	waitUntil(t, time.Second, func() bool { return !rig.shared.Session.Snapshot().Playing }, "playing flag never cleared")

	if !d.Dispatch(PlayPause{}) {
		t.Fatal("expected second dispatch to start")
	}
	reqs = rig.api.waitForRequests(t, 2)
	if reqs[1].Path != "/me/player/play" {
		t.Errorf("expected /me/player/play, got %s", reqs[1].Path)
	}
	waitUntil(t, time.Second, func() bool { return rig.shared.Session.Snapshot().Playing }, "playing flag never set")
}

// TestDispatcher_FailureLeavesSession tests that a rejected command changes
// nothing.
func TestDispatcher_FailureLeavesSession(t *testing.T) {
	rig := newTestRig(t, time.Second)
	d := newTestDispatcher(rig)
	rig.shared.Session.SetPlayback("dev1", "t1", false, false)
	rig.api.commandFail.Store(true)

	d.Dispatch(ToggleShuffle{})
	d.Dispatch(PlayPause{})
	rig.api.waitForRequests(t, 2)
	waitUntil(t, time.Second, func() bool { return rig.tasks.InFlight() == 0 }, "tasks never finished")

	sess := rig.shared.Session.Snapshot()
	if sess.Playing || sess.Shuffle {
		t.Errorf("expected flags unchanged after failures, got playing=%v shuffle=%v", sess.Playing, sess.Shuffle)
	}
}

// TestDispatcher_NotLoggedIn tests that nothing is sent without a token.
func TestDispatcher_NotLoggedIn(t *testing.T) {
	rig := newTestRig(t, time.Second)
	rig.shared.Session.Publish(Credentials{})
	d := newTestDispatcher(rig)

	if d.Dispatch(Next{}) {
		t.Errorf("expected dispatch to be refused")
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(rig.api.recorded()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

// TestDispatcher_SetVolume tests clamping and the volume notification.
func TestDispatcher_SetVolume(t *testing.T) {
	rig := newTestRig(t, time.Second)
	d := newTestDispatcher(rig)

	got := make(chan int, 1)
	d.OnVolume(func(p int) { got <- p })

	d.Dispatch(SetVolume{Percent: 150})
	reqs := rig.api.waitForRequests(t, 1)
	if reqs[0].Path != "/me/player/volume" || !strings.Contains(reqs[0].Query, "volume_percent=100") {
		t.Errorf("expected clamped volume 100, got %s?%s", reqs[0].Path, reqs[0].Query)
	}

	select {
	case p := <-got:
		if p != 100 {
			t.Errorf("expected notification of 100, got %d", p)
		}
	case <-time.After(time.Second):
		t.Fatal("expected volume notification")
	}
	if level, ok := rig.shared.Volume.Get(); !ok || level != 100 {
		t.Errorf("expected displayed volume 100, got %d (%v)", level, ok)
	}
}

// TestDispatcher_SkipRefreshesState tests the follow-up after next: the
// cover is dropped, the player is polled and the cover reloaded.
func TestDispatcher_SkipRefreshesState(t *testing.T) {
	rig := newTestRig(t, time.Second)
	d := newTestDispatcher(rig)

	if _, err := rig.state.Refresh(t.Context()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	rig.api.trackID.Store("t2")

	if !d.Dispatch(Next{}) {
		t.Fatal("expected dispatch to start")
	}
	waitUntil(t, 2*time.Second, func() bool {
		snap, _ := rig.state.Snapshot()
		return snap.TrackID == "t2"
	}, "state never refreshed after skip")
	waitUntil(t, 2*time.Second, func() bool { return rig.shared.Art.Art() != nil }, "art never reloaded")

	reqs := rig.api.recorded()
	if reqs[0].Method != "POST" || reqs[0].Path != "/me/player/next" {
		t.Errorf("expected POST /me/player/next, got %s %s", reqs[0].Method, reqs[0].Path)
	}
}

// TestDispatcher_PlayRandomTrack tests that the chosen URI comes from the
// cached playlist.
func TestDispatcher_PlayRandomTrack(t *testing.T) {
	rig := newTestRig(t, time.Second)
	d := newTestDispatcher(rig)
	rig.shared.Library.SetTracks("pl1", []string{"spotify:track:only"})

	if !d.Dispatch(PlayRandomTrack{PlaylistID: "pl1"}) {
		t.Fatal("expected dispatch to start")
	}
	reqs := rig.api.waitForRequests(t, 1)
	if reqs[0].Path != "/me/player/play" {
		t.Fatalf("expected /me/player/play, got %s", reqs[0].Path)
	}
	var body struct {
		URIs []string `json:"uris"`
	}
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
		t.Fatalf("decode play body %q: %v", reqs[0].Body, err)
	}
	if len(body.URIs) != 1 || body.URIs[0] != "spotify:track:only" {
		t.Errorf("expected the cached track, got %v", body.URIs)
	}
}

// TestDispatcher_ConcurrentTokenRefresh hammers Dispatch while the token is
// replaced underneath it. Every request must carry one whole token.
func TestDispatcher_ConcurrentTokenRefresh(t *testing.T) {
	rig := newTestRig(t, time.Second)
	d := newTestDispatcher(rig)

	tokens := []string{"AAAAAAAAAAAAAAAA", "BBBBBBBBBBBBBBBB", "AT1"}
	valid := map[string]bool{}
	for _, tok := range tokens {
		valid["Bearer "+tok] = true
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			rig.shared.Session.UpdateTokens(tokens[i%2], "", time.Now().Add(time.Hour))
		}
	}()

	const workers, perWorker = 8, 25
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				d.Dispatch(Pause{})
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
	waitUntil(t, 5*time.Second, func() bool { return rig.tasks.InFlight() == 0 }, "tasks never drained")

	reqs := rig.api.recorded()
	if len(reqs) == 0 {
		t.Fatal("expected some requests")
	}
	for _, r := range reqs {
		if !valid[r.Auth] {
			t.Errorf("torn or unexpected Authorization header %q", r.Auth)
		}
	}
}
