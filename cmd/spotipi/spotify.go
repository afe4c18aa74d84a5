package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
)

// ============================================================================
// Spotify Web API client
// ============================================================================
// Player, user and playlist calls go through a zmb3 client built per request
// around a static token (copied out of the session by the caller), so a
// client never refreshes or retries. Every call carries its own timeout.
// ============================================================================

const (
	maxPlaylistPages = 10
	playlistPageSize = 50
	trackPageSize    = 100
)

// NetworkCommand is one self-contained playback request. It owns a copy of
// the token and never looks at the session again.
type NetworkCommand struct {
	Name     string
	Token    string
	DeviceID string
	URIs     []string

	call func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error
}

func (c NetworkCommand) String() string {
	return c.Name
}

// options builds the device and URI options shared by every player call.
func (c NetworkCommand) options() *spotify.PlayOptions {
	opt := &spotify.PlayOptions{}
	if c.DeviceID != "" {
		id := spotify.ID(c.DeviceID)
		opt.DeviceID = &id
	}
	for _, u := range c.URIs {
		opt.URIs = append(opt.URIs, spotify.URI(u))
	}
	return opt
}

// PlayCommand resumes playback, or starts the given URIs when non-empty.
func PlayCommand(token, deviceID string, uris []string) NetworkCommand {
	return NetworkCommand{
		Name:     "play",
		Token:    token,
		DeviceID: deviceID,
		URIs:     append([]string(nil), uris...),
		call: func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error {
			return c.PlayOpt(ctx, opt)
		},
	}
}

func PauseCommand(token, deviceID string) NetworkCommand {
	return NetworkCommand{
		Name:     "pause",
		Token:    token,
		DeviceID: deviceID,
		call: func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error {
			return c.PauseOpt(ctx, opt)
		},
	}
}

func NextCommand(token, deviceID string) NetworkCommand {
	return NetworkCommand{
		Name:     "next",
		Token:    token,
		DeviceID: deviceID,
		call: func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error {
			return c.NextOpt(ctx, opt)
		},
	}
}

func PreviousCommand(token, deviceID string) NetworkCommand {
	return NetworkCommand{
		Name:     "previous",
		Token:    token,
		DeviceID: deviceID,
		call: func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error {
			return c.PreviousOpt(ctx, opt)
		},
	}
}

func ShuffleCommand(token, deviceID string, state bool) NetworkCommand {
	return NetworkCommand{
		Name:     "shuffle",
		Token:    token,
		DeviceID: deviceID,
		call: func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error {
			return c.ShuffleOpt(ctx, state, opt)
		},
	}
}

func VolumeCommand(token, deviceID string, percent int) NetworkCommand {
	return NetworkCommand{
		Name:     "set_volume",
		Token:    token,
		DeviceID: deviceID,
		call: func(ctx context.Context, c *spotify.Client, opt *spotify.PlayOptions) error {
			return c.VolumeOpt(ctx, percent, opt)
		},
	}
}

// APIClient talks to the Web API.
type APIClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewAPIClient builds a client for baseURL. A nil httpClient means
// http.DefaultClient.
func NewAPIClient(baseURL string, httpClient *http.Client, timeout time.Duration) *APIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeoutMS * time.Millisecond
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		http:    httpClient,
		timeout: timeout,
	}
}

// client returns a Web API client that sends token on every request and
// nothing else.
func (c *APIClient) client(token string) *spotify.Client {
	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.http.Transport,
		},
		CheckRedirect: c.http.CheckRedirect,
		Jar:           c.http.Jar,
	}
	return spotify.New(hc, spotify.WithBaseURL(c.baseURL))
}

// Execute performs cmd. Any non-2xx status is an error.
func (c *APIClient) Execute(ctx context.Context, cmd NetworkCommand) error {
	if cmd.call == nil {
		return fmt.Errorf("command %q has no call", cmd.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := cmd.call(ctx, c.client(cmd.Token), cmd.options()); err != nil {
		return fmt.Errorf("execute %s: %w", cmd.Name, err)
	}
	return nil
}

// PlayerState fetches the player resource. A 204 yields a zero state with
// no device.
func (c *APIClient) PlayerState(ctx context.Context, token string) (*spotify.PlayerState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st, err := c.client(token).PlayerState(ctx)
	if err != nil {
		return nil, fmt.Errorf("player state: %w", err)
	}
	return st, nil
}

// CurrentUser fetches the signed-in profile.
func (c *APIClient) CurrentUser(ctx context.Context, token string) (UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := c.client(token).CurrentUser(ctx)
	if err != nil {
		return UserProfile{}, fmt.Errorf("current user: %w", err)
	}
	if u.ID == "" {
		return UserProfile{}, fmt.Errorf("profile response has no id")
	}
	return UserProfile{ID: u.ID, DisplayName: u.DisplayName}, nil
}

// Playlists fetches the user's playlists, paging by offset up to
// maxPlaylistPages pages.
func (c *APIClient) Playlists(ctx context.Context, token string) ([]Playlist, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := c.client(token)
	var out []Playlist
	offset := 0
	for page := 0; page < maxPlaylistPages; page++ {
		p, err := client.CurrentUsersPlaylists(ctx, spotify.Limit(playlistPageSize), spotify.Offset(offset))
		if err != nil {
			return nil, fmt.Errorf("playlists: %w", err)
		}
		for _, item := range p.Playlists {
			if item.ID == "" {
				continue
			}
			out = append(out, Playlist{
				ID:         string(item.ID),
				Name:       item.Name,
				TrackCount: int(item.Tracks.Total),
			})
		}
		if p.Next == "" || len(p.Playlists) == 0 {
			break
		}
		offset += len(p.Playlists)
	}
	return out, nil
}

// PlaylistTracks fetches the first page of track URIs in a playlist.
// Local files, episodes and removed tracks are skipped.
func (c *APIClient) PlaylistTracks(ctx context.Context, token, playlistID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p, err := c.client(token).GetPlaylistItems(ctx, spotify.ID(playlistID), spotify.Limit(trackPageSize))
	if err != nil {
		return nil, fmt.Errorf("playlist items: %w", err)
	}
	uris := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		tr := item.Track.Track
		if tr == nil || item.IsLocal || tr.URI == "" {
			continue
		}
		uris = append(uris, string(tr.URI))
	}
	return uris, nil
}

// FetchImage downloads a cover image. Image URLs are public CDN links
// outside the Web API, so this is a plain GET without a token.
func (c *APIClient) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("image %s returned status %d", imageURL, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxArtBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(b) > maxArtBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxArtBytes)
	}
	return b, nil
}
