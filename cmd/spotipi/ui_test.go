package main

import (
	"context"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// TestFormatClock tests the progress clock.
func TestFormatClock(t *testing.T) {
	tests := map[int]string{0: "0:00", 5: "0:05", 61: "1:01", 3600: "60:00"}
	for in, want := range tests {
		if got := formatClock(in); got != want {
			t.Errorf("formatClock(%d): expected %q, got %q", in, want, got)
		}
	}
}

// TestRenderArt tests that a cover becomes half-block rows.
func TestRenderArt(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	out := renderArt(img, 8)
	lines := strings.Split(out, "\n")
	if len(lines) != 4 {
		t.Errorf("expected 4 rows for 8 pixel rows, got %d", len(lines))
	}
	if !strings.Contains(out, "▀") {
		t.Errorf("expected half-block cells")
	}
	if renderArt(nil, 8) != "" {
		t.Errorf("expected empty output for nil image")
	}
	if got := hexColor(color.RGBA{R: 0x12, G: 0x34, B: 0x56, A: 0xff}); got != "#123456" {
		t.Errorf("expected #123456, got %s", got)
	}
}

// TestRenderQR tests the pairing code rendering.
func TestRenderQR(t *testing.T) {
	if renderQR("") != "" {
		t.Errorf("expected nothing for an empty URL")
	}
	qr := renderQR("https://accounts.example.test/authorize?client_id=abc")
	if len(strings.Split(qr, "\n")) < 10 {
		t.Errorf("expected a multi-line code, got %q", qr)
	}
}

// TestUIModel_FrameAndKeys tests that frames advance pairing and keys
// become controller requests.
func TestUIModel_FrameAndKeys(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	app := NewApp(&fakeAuth{}, &fakeFetcher{}, rig.shared, discardLogger())

	requests := make(chan ActionRequest, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewUIModel(ctx, app, rig.state, rig.shared, requests, 30)

	if err := app.SubmitCredentials(ctx, "abc", "def"); err != nil {
		t.Fatalf("SubmitCredentials: %v", err)
	}
	if !strings.Contains(m.View(), "accounts.example.test") {
		t.Errorf("expected the authorization URL on the pairing screen")
	}

	m.Update(frameMsg(time.Now()))
	if app.Screen() != ScreenHome {
		t.Fatalf("expected home after a frame with the session published, got %s", app.Screen())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	if cmd == nil {
		t.Fatal("expected a command for n")
	}
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()

	req := <-requests
	if _, ok := req.Action.(Next); !ok {
		t.Errorf("expected Next, got %T", req.Action)
	}
	req.Reply <- nil

	msg := (<-done).(actionDoneMsg)
	if msg.err != nil {
		t.Errorf("expected success, got %v", msg.err)
	}

	cancel()
	if _, cmd := m.Update(frameMsg(time.Now())); cmd == nil {
		t.Errorf("expected quit once the context is done")
	}
}
