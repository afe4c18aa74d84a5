package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/sync/singleflight"
)

// ErrNoActiveDevice is what every failed player poll reports: transport
// errors, error statuses, 204s, bad JSON and bodies without a device all
// look the same to callers.
var ErrNoActiveDevice = errors.New("no active device")

// PlaybackSnapshot is the player state from the latest successful poll.
type PlaybackSnapshot struct {
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	Album       string    `json:"album"`
	ArtURL      string    `json:"art_url,omitempty"`
	ProgressSec int       `json:"progress_sec"`
	DurationSec int       `json:"duration_sec"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	TrackID     string    `json:"track_id,omitempty"`
	Playing     bool      `json:"playing"`
	Shuffle     bool      `json:"shuffle"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// sameTrackState reports whether two snapshots differ only in progress and
// fetch time.
func (p PlaybackSnapshot) sameTrackState(o PlaybackSnapshot) bool {
	return p.TrackID == o.TrackID &&
		p.DeviceID == o.DeviceID &&
		p.Playing == o.Playing &&
		p.Shuffle == o.Shuffle &&
		p.Title == o.Title
}

// snapshotFromState turns a player resource into a snapshot. It never
// returns a partial snapshot: a missing state or device is reported as
// ErrNoActiveDevice.
func snapshotFromState(st *spotify.PlayerState, now time.Time, artSize int) (PlaybackSnapshot, error) {
	if st == nil || st.Device.ID == "" {
		return PlaybackSnapshot{}, fmt.Errorf("%w: no device in response", ErrNoActiveDevice)
	}

	snap := PlaybackSnapshot{
		ProgressSec: int(st.Progress) / 1000,
		DeviceID:    string(st.Device.ID),
		DeviceName:  st.Device.Name,
		Playing:     st.Playing,
		Shuffle:     st.ShuffleState,
		FetchedAt:   now,
	}

	if item := st.Item; item != nil {
		snap.TrackID = string(item.ID)
		snap.Title = item.Name
		snap.DurationSec = int(item.Duration) / 1000
		snap.Album = item.Album.Name
		for i, a := range item.Artists {
			if i == 0 {
				snap.Artist = a.Name
			} else {
				snap.Artist += ", " + a.Name
			}
		}
		snap.ArtURL = pickImage(item.Album.Images, artSize)
	}
	return snap, nil
}

// pickImage chooses the smallest image at least size pixels wide, or the
// largest one available.
func pickImage(images []spotify.Image, size int) string {
	best := -1
	for i, img := range images {
		if img.URL == "" {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		w, cur := int(img.Width), int(images[best].Width)
		switch {
		case w >= size && (cur < size || w < cur):
			best = i
		case cur < size && w > cur:
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return images[best].URL
}

// tokenRefresher renews the access token in the session.
type tokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// StateSync polls the player resource, keeps the playback snapshot and the
// album-art cache current, and runs the library fetches.
type StateSync struct {
	api       *APIClient
	shared    *Shared
	tasks     *TaskSet
	refresher tokenRefresher
	logger    *slog.Logger

	pollInterval time.Duration
	artSize      int

	// inflight joins callers asking for the same resource; busy stops the
	// same background fetch from being queued twice.
	inflight singleflight.Group
	busyMu   sync.Mutex
	busy     map[string]bool

	mu       sync.RWMutex
	snapshot PlaybackSnapshot
	has      bool

	pollMu   sync.Mutex
	lastPoll time.Time
	polling  atomic.Bool

	onPlayback func(PlaybackSnapshot)
}

// StateSyncConfig holds the polling and art parameters.
type StateSyncConfig struct {
	PollInterval time.Duration
	ArtSize      int
}

func NewStateSync(cfg StateSyncConfig, api *APIClient, shared *Shared, tasks *TaskSet, refresher tokenRefresher, logger *slog.Logger) *StateSync {
	if cfg.ArtSize <= 0 {
		cfg.ArtSize = defaultArtSizePx
	}
	return &StateSync{
		api:          api,
		shared:       shared,
		tasks:        tasks,
		refresher:    refresher,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		artSize:      cfg.ArtSize,
		busy:         make(map[string]bool),
	}
}

// OnPlayback registers fn to be called after a poll that changed the track,
// device or play/shuffle state. Set it before polling starts; fn must not
// block.
func (s *StateSync) OnPlayback(fn func(PlaybackSnapshot)) {
	s.onPlayback = fn
}

// Snapshot returns the latest successful poll result.
func (s *StateSync) Snapshot() (PlaybackSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.has
}

// Refresh polls the player synchronously. On success the session's playback
// pointers and the cached snapshot are replaced; if the track changed the
// new cover is fetched and decoded before Refresh returns. On failure
// nothing is touched.
func (s *StateSync) Refresh(ctx context.Context) (PlaybackSnapshot, error) {
	sess := s.shared.Session.Snapshot()
	creds := sess.Credentials
	if !creds.LoggedIn() {
		return PlaybackSnapshot{}, ErrNotLoggedIn
	}
	if creds.NeedsRefresh(time.Now(), tokenRefreshMargin) {
		s.RefreshTokenAsync()
	}

	st, err := s.api.PlayerState(ctx, creds.AccessToken)
	if err != nil {
		s.logger.Debug("player poll failed", "error", err)
		return PlaybackSnapshot{}, fmt.Errorf("%w: %v", ErrNoActiveDevice, err)
	}
	snap, err := snapshotFromState(st, time.Now(), s.artSize)
	if err != nil {
		s.logger.Debug("player poll returned no data", "error", err)
		return PlaybackSnapshot{}, err
	}

	s.shared.Session.SetPlayback(snap.DeviceID, snap.TrackID, snap.Playing, snap.Shuffle)

	s.mu.Lock()
	prev, hadPrev := s.snapshot, s.has
	s.snapshot, s.has = snap, true
	s.mu.Unlock()

	if snap.TrackID != sess.TrackID {
		if snap.ArtURL == "" {
			s.shared.Art.Discard()
		} else if err := s.LoadArt(ctx, snap.ArtURL); err != nil {
			s.logger.Warn("album art fetch failed", "url", snap.ArtURL, "error", err)
		}
	}

	if s.onPlayback != nil && (!hadPrev || !prev.sameTrackState(snap)) {
		s.onPlayback(snap)
	}
	return snap, nil
}

// PollAsync starts a background Refresh unless one is already running or the
// last one started less than the poll interval ago. The render loop calls it
// every frame while the now-playing screen is up.
func (s *StateSync) PollAsync() bool {
	s.pollMu.Lock()
	now := time.Now()
	if s.polling.Load() || now.Sub(s.lastPoll) < s.pollInterval {
		s.pollMu.Unlock()
		return false
	}
	s.lastPoll = now
	s.polling.Store(true)
	s.pollMu.Unlock()

	started := s.tasks.Go("poll", func(ctx context.Context) {
		defer s.polling.Store(false)
		_, _ = s.Refresh(ctx)
	})
	if !started {
		s.polling.Store(false)
	}
	return started
}

// EnsureArt fetches the cover for the current snapshot when the cache is
// empty (used after a skip discarded it).
func (s *StateSync) EnsureArt(ctx context.Context) error {
	snap, ok := s.Snapshot()
	if !ok || snap.ArtURL == "" {
		return nil
	}
	if art := s.shared.Art.Art(); art != nil && art.URL == snap.ArtURL {
		return nil
	}
	return s.LoadArt(ctx, snap.ArtURL)
}

// RefreshAsync polls once in the background, ignoring the poll interval.
// Used for explicit nudges (IPC, librespot events).
func (s *StateSync) RefreshAsync() bool {
	return s.background("player", func(ctx context.Context) error {
		_, err := s.Refresh(ctx)
		if errors.Is(err, ErrNoActiveDevice) {
			return nil
		}
		return err
	})
}
