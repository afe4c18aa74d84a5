package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// ============================================================================
// Background fetches
// ============================================================================
// Each fetch copies what it needs out of the session, runs on the task set
// and writes its result back as a whole value. Fetches are keyed by resource
// ("user", "playlists", "tracks:<id>", "art:<url>", "token"): a key already in
// flight is not queued again, and inline callers asking for the same key
// join the running request instead of issuing their own.
// ============================================================================

// background runs fn on the task set under key unless key is already busy.
func (s *StateSync) background(key string, fn func(ctx context.Context) error) bool {
	s.busyMu.Lock()
	if s.busy[key] {
		s.busyMu.Unlock()
		s.logger.Debug("fetch already in flight", "key", key)
		return false
	}
	s.busy[key] = true
	s.busyMu.Unlock()

	release := func() {
		s.busyMu.Lock()
		delete(s.busy, key)
		s.busyMu.Unlock()
	}

	started := s.tasks.Go("fetch "+key, func(ctx context.Context) {
		defer release()
		_, err, _ := s.inflight.Do(key, func() (any, error) {
			return nil, fn(ctx)
		})
		if err != nil {
			s.logger.Warn("background fetch failed", "key", key, "error", err)
		}
	})
	if !started {
		release()
	}
	return started
}

// InFlight reports whether a background fetch for key is running.
func (s *StateSync) InFlight(key string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy[key]
}

// FetchUser loads the signed-in profile into the library.
func (s *StateSync) FetchUser() bool {
	return s.background("user", func(ctx context.Context) error {
		token := s.shared.Session.Credentials().AccessToken
		if token == "" {
			return ErrNotLoggedIn
		}
		u, err := s.api.CurrentUser(ctx, token)
		if err != nil {
			return err
		}
		s.shared.Library.SetUser(u)
		s.logger.Info("signed in", "user", u.DisplayName, "id", u.ID)
		return nil
	})
}

// FetchPlaylists loads the playlist list into the library.
func (s *StateSync) FetchPlaylists() bool {
	return s.background("playlists", func(ctx context.Context) error {
		token := s.shared.Session.Credentials().AccessToken
		if token == "" {
			return ErrNotLoggedIn
		}
		p, err := s.api.Playlists(ctx, token)
		if err != nil {
			return err
		}
		s.shared.Library.SetPlaylists(p)
		s.logger.Debug("playlists loaded", "count", len(p))
		return nil
	})
}

// FetchPlaylistTracks loads one playlist's track URIs into the library.
func (s *StateSync) FetchPlaylistTracks(playlistID string) bool {
	return s.background("tracks:"+playlistID, func(ctx context.Context) error {
		_, err := s.loadTracks(ctx, playlistID)
		return err
	})
}

// Tracks returns a playlist's track URIs, from the library if cached,
// otherwise by fetching (or joining a fetch already running) inline.
func (s *StateSync) Tracks(ctx context.Context, playlistID string) ([]string, error) {
	if uris, ok := s.shared.Library.Tracks(playlistID); ok {
		return uris, nil
	}
	// The background fetch shares this key, so the result is read back from
	// the library rather than from the joined call.
	_, err, _ := s.inflight.Do("tracks:"+playlistID, func() (any, error) {
		_, err := s.loadTracks(ctx, playlistID)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	uris, _ := s.shared.Library.Tracks(playlistID)
	return uris, nil
}

func (s *StateSync) loadTracks(ctx context.Context, playlistID string) ([]string, error) {
	token := s.shared.Session.Credentials().AccessToken
	if token == "" {
		return nil, ErrNotLoggedIn
	}
	uris, err := s.api.PlaylistTracks(ctx, token, playlistID)
	if err != nil {
		return nil, err
	}
	s.shared.Library.SetTracks(playlistID, uris)
	return uris, nil
}

// RefreshTokenAsync renews the access token in the background.
func (s *StateSync) RefreshTokenAsync() bool {
	if s.refresher == nil {
		return false
	}
	return s.background("token", s.refresher.RefreshToken)
}

// LoadArt fetches, decodes and thumbnails the cover at url, blocking the
// caller. The result is stored only if url is still the one wanted.
func (s *StateSync) LoadArt(ctx context.Context, url string) error {
	s.shared.Art.SetPending(url)

	_, err, _ := s.inflight.Do("art:"+url, func() (any, error) {
		b, err := s.api.FetchImage(ctx, url)
		if err != nil {
			return nil, err
		}
		img, err := decodeArt(b, s.artSize)
		if err != nil {
			return nil, err
		}
		if !s.shared.Art.Store(url, &AlbumArt{URL: url, Image: img}) {
			s.logger.Debug("album art superseded", "url", url)
		}
		return nil, nil
	})
	return err
}

// decodeArt decodes a JPEG or PNG cover and scales it to fit size x size.
func decodeArt(b []byte, size int) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= size && bounds.Dy() <= size {
		return img, nil
	}
	return resize.Thumbnail(uint(size), uint(size), img, resize.Lanczos3), nil
}
