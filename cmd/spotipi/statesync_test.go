package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zmb3/spotify/v2"
)

const playerBodyFmt = `{
  "device": {"id": "dev1", "name": "Kitchen", "volume_percent": 40},
  "shuffle_state": true,
  "is_playing": true,
  "progress_ms": 61500,
  "item": {
    "id": "%s",
    "type": "track",
    "name": "Song %s",
    "duration_ms": 200000,
    "artists": [{"name": "A"}, {"name": "B"}],
    "album": {"name": "Album", "images": [
      {"url": "%s/large.png", "width": 640, "height": 640},
      {"url": "%s/art.png", "width": 300, "height": 300},
      {"url": "%s/small.png", "width": 64, "height": 64}
    ]}
  }
}`

// fakeAPI is a minimal Web API: the player resource, a PNG cover and a
// recorder for every other request.
type fakeAPI struct {
	srv *httptest.Server

	playerStatus atomic.Int32
	playerRaw    atomic.Value // string; replaces the player body when non-empty
	trackID      atomic.Value // string
	playerCalls  atomic.Int32
	artCalls     atomic.Int32
	commandFail  atomic.Bool

	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	f.playerStatus.Store(http.StatusOK)
	f.trackID.Store("t1")
	f.playerRaw.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("/me/player", func(w http.ResponseWriter, r *http.Request) {
		f.playerCalls.Add(1)
		status := int(f.playerStatus.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if raw := f.playerRaw.Load().(string); raw != "" {
			_, _ = io.WriteString(w, raw)
			return
		}
		id := f.trackID.Load().(string)
		base := "http://" + r.Host
		fmt.Fprintf(w, playerBodyFmt, id, id, base, base, base)
	})
	mux.HandleFunc("/art.png", func(w http.ResponseWriter, r *http.Request) {
		f.artCalls.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(testPNG(t, 8, 8))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   body.String(),
		})
		f.mu.Unlock()
		if f.commandFail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 20), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// testRig wires a logged-in StateSync against a fake API.
type testRig struct {
	api    *fakeAPI
	shared *Shared
	tasks  *TaskSet
	state  *StateSync
}

func newTestRig(t *testing.T, pollInterval time.Duration) *testRig {
	t.Helper()
	api := newFakeAPI(t)
	shared := NewShared()
	shared.Session.Publish(Credentials{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		Expiry:       time.Now().Add(time.Hour),
	})
	shared.LoggedIn.Set(true)

	tasks := NewTaskSet(context.Background(), 64, discardLogger())
	t.Cleanup(func() { _ = tasks.Shutdown(2 * time.Second) })

	client := NewAPIClient(api.srv.URL, api.srv.Client(), 2*time.Second)
	state := NewStateSync(StateSyncConfig{PollInterval: pollInterval, ArtSize: 300}, client, shared, tasks, nil, discardLogger())
	return &testRig{api: api, shared: shared, tasks: tasks, state: state}
}

func decodePlayerState(t *testing.T, body string) *spotify.PlayerState {
	t.Helper()
	var st spotify.PlayerState
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode player state: %v", err)
	}
	return &st
}

// TestSnapshotFromState tests the player resource shapes.
func TestSnapshotFromState(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("track", func(t *testing.T) {
		st := decodePlayerState(t, fmt.Sprintf(playerBodyFmt, "t1", "t1", "http://img", "http://img", "http://img"))
		snap, err := snapshotFromState(st, now, 300)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.Title != "Song t1" || snap.Album != "Album" {
			t.Errorf("expected Song t1 / Album, got %q / %q", snap.Title, snap.Album)
		}
		if snap.Artist != "A, B" {
			t.Errorf("expected joined artists, got %q", snap.Artist)
		}
		if snap.ProgressSec != 61 || snap.DurationSec != 200 {
			t.Errorf("expected 61/200 s, got %d/%d", snap.ProgressSec, snap.DurationSec)
		}
		if snap.DeviceID != "dev1" || snap.DeviceName != "Kitchen" || !snap.Playing || !snap.Shuffle {
			t.Errorf("unexpected device/flags: %+v", snap)
		}
		if snap.ArtURL != "http://img/art.png" {
			t.Errorf("expected the 300px image, got %q", snap.ArtURL)
		}
		if !snap.FetchedAt.Equal(now) {
			t.Errorf("expected FetchedAt %v, got %v", now, snap.FetchedAt)
		}
	})

	t.Run("device without item", func(t *testing.T) {
		snap, err := snapshotFromState(decodePlayerState(t, `{"device":{"id":"d"},"is_playing":false}`), now, 300)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.DeviceID != "d" || snap.TrackID != "" {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	})

	failures := []struct {
		name  string
		state *spotify.PlayerState
	}{
		{"nil", nil},
		{"no content", &spotify.PlayerState{}},
		{"error payload", decodePlayerState(t, `{"error":{"status":429}}`)},
		{"no device", decodePlayerState(t, `{"is_playing":true}`)},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := snapshotFromState(tt.state, now, 300)
			if !errors.Is(err, ErrNoActiveDevice) {
				t.Fatalf("expected ErrNoActiveDevice, got %v", err)
			}
			if snap != (PlaybackSnapshot{}) {
				t.Errorf("expected zero snapshot, got %+v", snap)
			}
		})
	}
}

// TestPickImage tests cover selection around the target size.
func TestPickImage(t *testing.T) {
	images := []spotify.Image{
		{URL: "big", Width: 640},
		{URL: "mid", Width: 300},
		{URL: "small", Width: 64},
	}
	if got := pickImage(images, 300); got != "mid" {
		t.Errorf("expected mid, got %q", got)
	}
	if got := pickImage(images, 100); got != "mid" {
		t.Errorf("expected mid for 100px, got %q", got)
	}
	if got := pickImage(images, 1000); got != "big" {
		t.Errorf("expected largest when none is big enough, got %q", got)
	}
	if got := pickImage(nil, 300); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

// TestStateSync_RefreshLoadsArt tests that a new track updates the session
// and decodes the cover before Refresh returns.
func TestStateSync_RefreshLoadsArt(t *testing.T) {
	rig := newTestRig(t, time.Second)

	var notified atomic.Int32
	rig.state.OnPlayback(func(PlaybackSnapshot) { notified.Add(1) })

	snap, err := rig.state.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if snap.TrackID != "t1" {
		t.Errorf("expected track t1, got %q", snap.TrackID)
	}

	sess := rig.shared.Session.Snapshot()
	if sess.DeviceID != "dev1" || sess.TrackID != "t1" || !sess.Playing || !sess.Shuffle {
		t.Errorf("expected session pointers updated, got %+v", sess)
	}

	art := rig.shared.Art.Art()
	if art == nil {
		t.Fatal("expected album art cached")
	}
	if art.URL != snap.ArtURL {
		t.Errorf("expected art for %q, got %q", snap.ArtURL, art.URL)
	}
	if b := art.Image.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Errorf("expected 8x8 image, got %v", b)
	}

	// Same track again: no new art fetch, no new notification.
	if _, err := rig.state.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if n := rig.api.artCalls.Load(); n != 1 {
		t.Errorf("expected 1 art fetch, got %d", n)
	}
	if n := notified.Load(); n != 1 {
		t.Errorf("expected 1 playback notification, got %d", n)
	}

	rig.api.trackID.Store("t2")
	if _, err := rig.state.Refresh(context.Background()); err != nil {
		t.Fatalf("third Refresh: %v", err)
	}
	if n := notified.Load(); n != 2 {
		t.Errorf("expected 2 playback notifications after track change, got %d", n)
	}
}

// TestStateSync_FailureKeepsState tests that a failed poll leaves the last
// snapshot and the session untouched.
func TestStateSync_FailureKeepsState(t *testing.T) {
	rig := newTestRig(t, time.Second)

	before, err := rig.state.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sessBefore := rig.shared.Session.Snapshot()

	for _, status := range []int{http.StatusNoContent, http.StatusUnauthorized, http.StatusInternalServerError} {
		rig.api.playerStatus.Store(int32(status))
		if _, err := rig.state.Refresh(context.Background()); !errors.Is(err, ErrNoActiveDevice) {
			t.Errorf("status %d: expected ErrNoActiveDevice, got %v", status, err)
		}
		after, ok := rig.state.Snapshot()
		if !ok || after != before {
			t.Errorf("status %d: expected snapshot kept, got %+v", status, after)
		}
		if sess := rig.shared.Session.Snapshot(); sess != sessBefore {
			t.Errorf("status %d: expected session kept, got %+v", status, sess)
		}
		if rig.shared.Art.Art() == nil {
			t.Errorf("status %d: expected art kept", status)
		}
	}

	rig.api.playerStatus.Store(http.StatusOK)
	for _, raw := range []string{`{"device":`, `{"error":{"status":429}}`, `{"is_playing":true}`} {
		rig.api.playerRaw.Store(raw)
		if _, err := rig.state.Refresh(context.Background()); !errors.Is(err, ErrNoActiveDevice) {
			t.Errorf("body %s: expected ErrNoActiveDevice, got %v", raw, err)
		}
		if after, ok := rig.state.Snapshot(); !ok || after != before {
			t.Errorf("body %s: expected snapshot kept, got %+v", raw, after)
		}
	}
}

// TestStateSync_RefreshNotLoggedIn tests that nothing is requested before
// pairing.
func TestStateSync_RefreshNotLoggedIn(t *testing.T) {
	rig := newTestRig(t, time.Second)
	rig.shared.Session.Publish(Credentials{})

	if _, err := rig.state.Refresh(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("expected ErrNotLoggedIn, got %v", err)
	}
	if n := rig.api.playerCalls.Load(); n != 0 {
		t.Errorf("expected no player requests, got %d", n)
	}
}

// TestStateSync_PollAsyncRateLimited tests that the render loop cannot start
// more than one poll per interval.
func TestStateSync_PollAsyncRateLimited(t *testing.T) {
	rig := newTestRig(t, time.Hour)

	if !rig.state.PollAsync() {
		t.Fatal("expected first poll to start")
	}
	for i := 0; i < 10; i++ {
		if rig.state.PollAsync() {
			t.Fatalf("expected poll %d to be rate limited", i+2)
		}
	}
	waitUntil(t, 2*time.Second, func() bool {
		_, ok := rig.state.Snapshot()
		return ok
	}, "poll never completed")
	if n := rig.api.playerCalls.Load(); n != 1 {
		t.Errorf("expected 1 player request, got %d", n)
	}
}

// TestStateSync_BackgroundFetchKeyed tests that a busy key is not queued
// twice.
func TestStateSync_BackgroundFetchKeyed(t *testing.T) {
	rig := newTestRig(t, time.Second)

	release := make(chan struct{})
	if !rig.state.background("slow", func(ctx context.Context) error {
		<-release
		return nil
	}) {
		t.Fatal("expected first fetch to start")
	}
	if rig.state.background("slow", func(ctx context.Context) error { return nil }) {
		t.Errorf("expected duplicate fetch to be refused")
	}
	if !rig.state.InFlight("slow") {
		t.Errorf("expected key in flight")
	}
	close(release)
	waitUntil(t, time.Second, func() bool { return !rig.state.InFlight("slow") }, "key never released")
}

// TestDecodeArt tests thumbnailing of oversized covers.
func TestDecodeArt(t *testing.T) {
	img, err := decodeArt(testPNG(t, 64, 32), 16)
	if err != nil {
		t.Fatalf("decodeArt: %v", err)
	}
	if b := img.Bounds(); b.Dx() > 16 || b.Dy() > 16 {
		t.Errorf("expected image within 16x16, got %v", b)
	}
	if _, err := decodeArt([]byte("not an image"), 16); err == nil {
		t.Errorf("expected decode error")
	}
}
