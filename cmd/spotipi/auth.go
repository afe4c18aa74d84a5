package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrNotLoggedIn is returned by operations that need a published session.
var ErrNotLoggedIn = errors.New("not logged in")

// AuthConfig holds the provider endpoints and pairing parameters.
type AuthConfig struct {
	AuthURL      string
	TokenURL     string
	ListenHost   string // interface the callback listener binds; empty means all
	CallbackPort int    // 0 picks a free port (tests)
	Scopes       []string
	Timeout      time.Duration
}

// PendingAuthorization is one outstanding pairing attempt. It is consumed by
// the first connection to its listener.
type PendingAuthorization struct {
	ClientID     string
	ClientSecret string
	State        string
	RedirectURI  string

	listener  net.Listener
	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed once the attempt has finished, successfully or not.
func (p *PendingAuthorization) Done() <-chan struct{} {
	return p.done
}

// Addr is the address the callback listener is bound to.
func (p *PendingAuthorization) Addr() net.Addr {
	return p.listener.Addr()
}

// Close stops listening. A blocked Accept returns and the attempt ends.
func (p *PendingAuthorization) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.listener.Close()
	})
	return err
}

// AuthFlow runs the authorization-code pairing: compose the authorization
// URL, capture the redirect on a one-shot listener, exchange the code and
// publish the tokens.
type AuthFlow struct {
	cfg        AuthConfig
	shared     *Shared
	tasks      *TaskSet
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	pending *PendingAuthorization
}

// NewAuthFlow creates a pairing flow. httpClient is used for the token
// endpoint; nil means http.DefaultClient.
func NewAuthFlow(cfg AuthConfig, shared *Shared, tasks *TaskSet, httpClient *http.Client, logger *slog.Logger) *AuthFlow {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeoutMS * time.Millisecond
	}
	return &AuthFlow{
		cfg:        cfg,
		shared:     shared,
		tasks:      tasks,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (a *AuthFlow) oauthConfig(clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.cfg.AuthURL,
			TokenURL:  a.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      a.cfg.Scopes,
	}
}

// Begin starts a pairing attempt and returns the URL the user has to open.
//
// The callback listener is bound before Begin returns. Any attempt still
// pending is closed first.
func (a *AuthFlow) Begin(ctx context.Context, clientID, clientSecret string) (string, *PendingAuthorization, error) {
	if clientID == "" || clientSecret == "" {
		return "", nil, errors.New("client id and client secret are required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil {
		a.logger.Info("superseding pending authorization")
		a.pending.Close()
		a.pending = nil
	}

	addr := net.JoinHostPort(a.cfg.ListenHost, strconv.Itoa(a.cfg.CallbackPort))
	ln, err := listenReusable(ctx, addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen for callback on %s: %w", addr, err)
	}

	port := a.cfg.CallbackPort
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	p := &PendingAuthorization{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		State:        uuid.NewString(),
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath),
		listener:     ln,
		done:         make(chan struct{}),
	}
	authURL := a.oauthConfig(clientID, clientSecret, p.RedirectURI).AuthCodeURL(p.State)

	if !a.tasks.Go("auth-callback", func(ctx context.Context) { a.awaitCallback(ctx, p) }) {
		p.Close()
		return "", nil, errors.New("could not start callback listener task")
	}
	a.pending = p

	a.logger.Info("authorization started", "redirect_uri", p.RedirectURI, "listen", ln.Addr().String())
	return authURL, p, nil
}

// Cancel closes the pending attempt, if any.
func (a *AuthFlow) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		a.pending.Close()
		a.pending = nil
	}
}

// awaitCallback serves the single callback connection for p.
func (a *AuthFlow) awaitCallback(ctx context.Context, p *PendingAuthorization) {
	defer close(p.done)
	defer a.release(p)
	defer p.Close()

	stop := context.AfterFunc(ctx, func() { p.Close() })
	defer stop()

	conn, err := p.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			a.logger.Debug("callback listener closed before any connection")
		} else {
			a.logger.Warn("callback accept failed", "error", err)
		}
		return
	}
	p.Close()

	raw, readErr := readCallbackHead(conn, callbackReadTimeout)
	if err := writeCallbackResponse(conn); err != nil {
		a.logger.Debug("callback response not delivered", "error", err)
	}
	conn.Close()

	if readErr != nil {
		a.logger.Warn("authorization abandoned", "remote", conn.RemoteAddr().String(), "error", readErr)
		return
	}
	req, err := ParseCallbackRequest(raw)
	if err != nil {
		a.logger.Warn("authorization abandoned", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if req.State != p.State {
		a.logger.Warn("authorization abandoned: state mismatch", "remote", conn.RemoteAddr().String())
		return
	}

	if err := a.exchange(ctx, p, req.Code); err != nil {
		a.logger.Warn("token exchange failed", "error", err)
		return
	}
	a.logger.Info("authorization complete")
}

func (a *AuthFlow) release(p *PendingAuthorization) {
	a.mu.Lock()
	if a.pending == p {
		a.pending = nil
	}
	a.mu.Unlock()
}

// exchange trades the code for tokens. The session is written only when the
// response carries an access token, a refresh token and an integer
// expires_in; the logged-in flag is raised after the session is complete.
func (a *AuthFlow) exchange(ctx context.Context, p *PendingAuthorization, code string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	tok, err := a.oauthConfig(p.ClientID, p.ClientSecret, p.RedirectURI).Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("token response missing access_token")
	}
	if tok.RefreshToken == "" {
		return errors.New("token response missing refresh_token")
	}
	expiresIn, err := expiresInSeconds(tok.Extra("expires_in"))
	if err != nil {
		return err
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	a.shared.Session.Publish(Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiry,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
	})
	a.shared.LoggedIn.Set(true)
	return nil
}

// expiresInSeconds accepts the shapes oauth2 hands back through Extra: a
// JSON number (float64 or json.Number), or an int64 or string from a
// form-encoded body.
func expiresInSeconds(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, errors.New("token response missing expires_in")
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, fmt.Errorf("token response expires_in is not a non-negative integer: %v", n)
		}
		return int64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("token response expires_in is negative: %d", n)
		}
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, fmt.Errorf("token response expires_in is not a non-negative integer: %s", n)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil || i < 0 {
			return 0, fmt.Errorf("token response expires_in is not a non-negative integer: %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("token response expires_in has type %T", v)
	}
}

// RefreshToken renews the access token with the stored refresh token and
// writes the new token fields back. On failure the session is kept.
func (a *AuthFlow) RefreshToken(ctx context.Context) error {
	creds := a.shared.Session.Credentials()
	if creds.RefreshToken == "" {
		return ErrNotLoggedIn
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	// An empty access token forces the source to refresh.
	src := a.oauthConfig(creds.ClientID, creds.ClientSecret, "").TokenSource(ctx, &oauth2.Token{
		RefreshToken: creds.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("refresh response missing access_token")
	}

	a.shared.Session.UpdateTokens(tok.AccessToken, tok.RefreshToken, tok.Expiry)
	a.logger.Debug("access token refreshed", "expiry", tok.Expiry)
	return nil
}
