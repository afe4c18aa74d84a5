package main

import (
	"image"
	"sync"
	"time"
)

// ============================================================================
// Shared state
// ============================================================================
//
// Every structure touched by more than one goroutine lives here, each behind
// its own lock. Locks are held only long enough to copy a field out or replace
// it; nothing in this file performs I/O. Callers never get a pointer into the
// guarded fields, only copies.
//
// ============================================================================

// Credentials is the copy-out view of the authenticated session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	ClientID     string
	ClientSecret string
}

// LoggedIn reports whether an access token has been published.
func (c Credentials) LoggedIn() bool {
	return c.AccessToken != ""
}

// NeedsRefresh reports whether the access token expires within margin of now.
func (c Credentials) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.RefreshToken == "" || c.Expiry.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.Expiry)
}

// SessionSnapshot is a consistent copy of the session taken under one lock.
type SessionSnapshot struct {
	Credentials Credentials
	DeviceID    string
	TrackID     string
	Playing     bool
	Shuffle     bool
}

// Session is the authenticated remote-control session plus the current
// playback pointers. Created empty; populated once by the authorization flow.
type Session struct {
	mu sync.Mutex

	creds    Credentials
	deviceID string
	trackID  string
	playing  bool
	shuffle  bool
}

// NewSession returns an empty, unauthenticated session.
func NewSession() *Session {
	return &Session{}
}

// Publish replaces all credential fields at once.
func (s *Session) Publish(creds Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

// UpdateTokens replaces the token fields after a refresh. An empty refresh
// token keeps the previous one, matching the provider's refresh semantics.
func (s *Session) UpdateTokens(accessToken, refreshToken string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = accessToken
	if refreshToken != "" {
		s.creds.RefreshToken = refreshToken
	}
	s.creds.Expiry = expiry
}

// Credentials returns a copy of the credential fields.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Snapshot returns a copy of every session field.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		Credentials: s.creds,
		DeviceID:    s.deviceID,
		TrackID:     s.trackID,
		Playing:     s.playing,
		Shuffle:     s.shuffle,
	}
}

// SetPlayback replaces the pointers observed by a successful state poll.
func (s *Session) SetPlayback(deviceID, trackID string, playing, shuffle bool) {
	s.mu.Lock()
	s.deviceID = deviceID
	s.trackID = trackID
	s.playing = playing
	s.shuffle = shuffle
	s.mu.Unlock()
}

// SetPlaying records an optimistic play/pause flip.
func (s *Session) SetPlaying(playing bool) {
	s.mu.Lock()
	s.playing = playing
	s.mu.Unlock()
}

// SetShuffle records an optimistic shuffle flip.
func (s *Session) SetShuffle(shuffle bool) {
	s.mu.Lock()
	s.shuffle = shuffle
	s.mu.Unlock()
}

// Flag is a lock-guarded boolean (used for the logged-in signal the render
// loop polls every frame).
type Flag struct {
	mu sync.Mutex
	v  bool
}

func (f *Flag) Set(v bool) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

func (f *Flag) Get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

// AlbumArt is a decoded, display-sized cover image.
type AlbumArt struct {
	URL   string
	Image image.Image
}

// ArtCache holds the art URL waiting to be fetched and the last decoded image.
type ArtCache struct {
	mu      sync.Mutex
	pending string
	art     *AlbumArt
}

// Discard drops both the pending URL and the cached image.
func (c *ArtCache) Discard() {
	c.mu.Lock()
	c.pending = ""
	c.art = nil
	c.mu.Unlock()
}

// SetPending records the URL the next art fetch should load.
func (c *ArtCache) SetPending(url string) {
	c.mu.Lock()
	c.pending = url
	c.mu.Unlock()
}

// Pending returns the URL waiting to be fetched, if any.
func (c *ArtCache) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Store replaces the cached image if url is still the pending one. A slower
// fetch for an older track loses to whatever was requested since.
func (c *ArtCache) Store(url string, art *AlbumArt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != url {
		return false
	}
	c.art = art
	c.pending = ""
	return true
}

// Art returns the cached image, or nil.
func (c *ArtCache) Art() *AlbumArt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.art
}

// VolumeDisplay is the most recent volume level shown on screen.
type VolumeDisplay struct {
	mu    sync.Mutex
	level int
	known bool
	at    time.Time
}

func (v *VolumeDisplay) Set(level int, now time.Time) {
	v.mu.Lock()
	v.level = level
	v.known = true
	v.at = now
	v.mu.Unlock()
}

// Get returns (level, true) once any level has been recorded.
func (v *VolumeDisplay) Get() (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.level, v.known
}

// UserProfile is the signed-in Spotify account.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Playlist is one entry of the user's playlist list.
type Playlist struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TrackCount int    `json:"track_count"`
}

// Library caches the results of the one-shot background fetches.
type Library struct {
	mu        sync.Mutex
	user      *UserProfile
	playlists []Playlist
	tracks    map[string][]string // playlist id -> track URIs
}

func (l *Library) SetUser(u UserProfile) {
	l.mu.Lock()
	l.user = &u
	l.mu.Unlock()
}

// User returns a copy of the signed-in profile.
func (l *Library) User() (UserProfile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.user == nil {
		return UserProfile{}, false
	}
	return *l.user, true
}

func (l *Library) SetPlaylists(p []Playlist) {
	dup := make([]Playlist, len(p))
	copy(dup, p)
	l.mu.Lock()
	l.playlists = dup
	l.mu.Unlock()
}

// Playlists returns a copy of the playlist list.
func (l *Library) Playlists() []Playlist {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.playlists) == 0 {
		return nil
	}
	dup := make([]Playlist, len(l.playlists))
	copy(dup, l.playlists)
	return dup
}

func (l *Library) SetTracks(playlistID string, uris []string) {
	dup := make([]string, len(uris))
	copy(dup, uris)
	l.mu.Lock()
	if l.tracks == nil {
		l.tracks = make(map[string][]string)
	}
	l.tracks[playlistID] = dup
	l.mu.Unlock()
}

// Tracks returns a copy of the cached track URIs for a playlist.
func (l *Library) Tracks(playlistID string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	uris, ok := l.tracks[playlistID]
	if !ok {
		return nil, false
	}
	dup := make([]string, len(uris))
	copy(dup, uris)
	return dup, true
}

// Shared bundles the shared structures so they can be handed to each
// component as one capability.
type Shared struct {
	Session  *Session
	LoggedIn *Flag
	Art      *ArtCache
	Volume   *VolumeDisplay
	Library  *Library
}

// NewShared returns empty shared state for a fresh process.
func NewShared() *Shared {
	return &Shared{
		Session:  NewSession(),
		LoggedIn: &Flag{},
		Art:      &ArtCache{},
		Volume:   &VolumeDisplay{},
		Library:  &Library{},
	}
}
