package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Screen is one of the UI states.
type Screen int

const (
	ScreenLogin Screen = iota
	ScreenQrPairing
	ScreenHome
	ScreenLibrary
	ScreenNowPlaying
)

func (s Screen) String() string {
	switch s {
	case ScreenLogin:
		return "login"
	case ScreenQrPairing:
		return "qr_pairing"
	case ScreenHome:
		return "home"
	case ScreenLibrary:
		return "library"
	case ScreenNowPlaying:
		return "now_playing"
	default:
		return fmt.Sprintf("screen(%d)", int(s))
	}
}

// loggedInScreen reports whether s is only reachable after pairing.
func (s Screen) loggedInScreen() bool {
	return s == ScreenHome || s == ScreenLibrary || s == ScreenNowPlaying
}

// ParseScreen maps a navigation target name onto a Screen.
func ParseScreen(name string) (Screen, error) {
	switch name {
	case "home":
		return ScreenHome, nil
	case "library":
		return ScreenLibrary, nil
	case "now_playing", "nowplaying":
		return ScreenNowPlaying, nil
	default:
		return 0, fmt.Errorf("unknown screen %q (want home, library or now_playing)", name)
	}
}

// authStarter begins a pairing attempt.
type authStarter interface {
	Begin(ctx context.Context, clientID, clientSecret string) (string, *PendingAuthorization, error)
}

// libraryFetcher starts the one-shot library fetches.
type libraryFetcher interface {
	FetchUser() bool
	FetchPlaylists() bool
}

// App is the screen state machine:
//
//	Login -> QrPairing        on credential submission
//	QrPairing -> Home         once the logged-in flag is seen on a poll
//	Home <-> Library <-> NowPlaying
//	Library/NowPlaying -> Home on back
//	QrPairing -> Login        on back (abandons the attempt)
//
// A fresh process always starts at Login.
type App struct {
	auth    authStarter
	fetcher libraryFetcher
	shared  *Shared
	logger  *slog.Logger

	mu       sync.Mutex
	screen   Screen
	authURL  string
	pending  *PendingAuthorization
	loginErr string

	onScreen func(Screen)
}

func NewApp(auth authStarter, fetcher libraryFetcher, shared *Shared, logger *slog.Logger) *App {
	return &App{
		auth:    auth,
		fetcher: fetcher,
		shared:  shared,
		logger:  logger,
		screen:  ScreenLogin,
	}
}

// OnScreen registers fn to be called after every screen change. Set it
// before the app is used; fn must not block.
func (a *App) OnScreen(fn func(Screen)) {
	a.onScreen = fn
}

// AppView is a copy of the app state for rendering.
type AppView struct {
	Screen     Screen
	AuthURL    string
	LoginError string
}

// View returns a copy of the current state.
func (a *App) View() AppView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AppView{Screen: a.screen, AuthURL: a.authURL, LoginError: a.loginErr}
}

// Screen returns the current screen.
func (a *App) Screen() Screen {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.screen
}

// Pending returns the outstanding pairing attempt, if any.
func (a *App) Pending() *PendingAuthorization {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// SubmitCredentials starts pairing and moves to the QR screen. Submitting
// again from the QR screen supersedes the earlier attempt.
func (a *App) SubmitCredentials(ctx context.Context, clientID, clientSecret string) error {
	a.mu.Lock()
	if a.screen != ScreenLogin && a.screen != ScreenQrPairing {
		cur := a.screen
		a.mu.Unlock()
		return fmt.Errorf("cannot log in from %s", cur)
	}
	a.mu.Unlock()

	// Begin binds a socket; do not hold the lock across it.
	authURL, pending, err := a.auth.Begin(ctx, clientID, clientSecret)

	a.mu.Lock()
	if err != nil {
		a.loginErr = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("begin authorization: %w", err)
	}
	if a.screen != ScreenLogin && a.screen != ScreenQrPairing {
		// An earlier attempt completed while this one was starting.
		cur := a.screen
		a.mu.Unlock()
		pending.Close()
		return fmt.Errorf("cannot log in from %s", cur)
	}
	a.authURL = authURL
	a.pending = pending
	a.loginErr = ""
	changed := a.setScreenLocked(ScreenQrPairing)
	a.mu.Unlock()

	a.notify(changed, ScreenQrPairing)
	return nil
}

// Poll advances QrPairing to Home once the session is published. The render
// loop calls it every frame. It returns the screen after the poll.
func (a *App) Poll() Screen {
	a.mu.Lock()
	if a.screen != ScreenQrPairing || !a.shared.LoggedIn.Get() {
		s := a.screen
		a.mu.Unlock()
		return s
	}
	a.pending = nil
	a.authURL = ""
	a.setScreenLocked(ScreenHome)
	a.mu.Unlock()

	a.logger.Info("paired; entering home")
	a.enterHome()
	a.notify(true, ScreenHome)
	return ScreenHome
}

// Navigate switches among the logged-in screens.
func (a *App) Navigate(to Screen) error {
	if !to.loggedInScreen() {
		return fmt.Errorf("cannot navigate to %s", to)
	}

	a.mu.Lock()
	if !a.screen.loggedInScreen() {
		cur := a.screen
		a.mu.Unlock()
		return fmt.Errorf("cannot navigate from %s", cur)
	}
	changed := a.setScreenLocked(to)
	a.mu.Unlock()

	if changed {
		switch to {
		case ScreenHome:
			a.enterHome()
		case ScreenLibrary:
			if len(a.shared.Library.Playlists()) == 0 && a.fetcher != nil {
				a.fetcher.FetchPlaylists()
			}
		}
	}
	a.notify(changed, to)
	return nil
}

// Back returns to Home from Library or NowPlaying. From QrPairing it
// abandons the pending attempt and returns to Login. Elsewhere it is a no-op.
func (a *App) Back() Screen {
	a.mu.Lock()
	switch a.screen {
	case ScreenLibrary, ScreenNowPlaying:
		a.setScreenLocked(ScreenHome)
		a.mu.Unlock()
		a.notify(true, ScreenHome)
		return ScreenHome

	case ScreenQrPairing:
		pending := a.pending
		a.pending = nil
		a.authURL = ""
		a.setScreenLocked(ScreenLogin)
		a.mu.Unlock()
		if pending != nil {
			pending.Close()
		}
		a.notify(true, ScreenLogin)
		return ScreenLogin

	default:
		s := a.screen
		a.mu.Unlock()
		return s
	}
}

func (a *App) setScreenLocked(s Screen) bool {
	if a.screen == s {
		return false
	}
	a.logger.Debug("screen change", "from", a.screen.String(), "to", s.String())
	a.screen = s
	return true
}

func (a *App) notify(changed bool, s Screen) {
	if changed && a.onScreen != nil {
		a.onScreen(s)
	}
}

// enterHome starts whichever library fetches have not completed yet.
func (a *App) enterHome() {
	if a.fetcher == nil {
		return
	}
	if _, ok := a.shared.Library.User(); !ok {
		a.fetcher.FetchUser()
	}
	if len(a.shared.Library.Playlists()) == 0 {
		a.fetcher.FetchPlaylists()
	}
}
