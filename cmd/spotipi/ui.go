package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/nfnt/resize"
	"github.com/skip2/go-qrcode"
)

// ============================================================================
// Terminal renderer
// ============================================================================
// The frame loop ticks at ui.fps. Each frame polls the app state machine
// (which is how QrPairing notices the login), asks the state sync for a
// rate-limited player poll while NowPlaying is up, and redraws from
// snapshots. Key presses become actions on the controller queue; nothing in
// Update waits on the network.
// ============================================================================

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	frameStyle  = lipgloss.NewStyle().Padding(1, 2)
	artBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

const (
	artCols        = 24 // terminal cells; each cell shows two pixel rows
	uiVolumeStep   = 5
	uiActionWait   = 3 * time.Second
	uiDefaultLevel = 50
)

var homeMenu = []Screen{ScreenNowPlaying, ScreenLibrary}

// UIModel is the bubbletea model.
type UIModel struct {
	ctx      context.Context
	app      *App
	state    *StateSync
	shared   *Shared
	requests chan<- ActionRequest
	frame    time.Duration

	idInput     textinput.Model
	secretInput textinput.Model

	cursor    int
	status    string
	qrURL     string
	qrText    string
	artURL    string
	artText   string
	width     int
	lastFrame time.Time
}

type frameMsg time.Time

// actionDoneMsg reports the controller's answer to a UI action.
type actionDoneMsg struct {
	name string
	err  error
}

// NewUIModel builds the renderer. fps <= 0 uses the default frame rate.
func NewUIModel(ctx context.Context, app *App, state *StateSync, shared *Shared, requests chan<- ActionRequest, fps int) *UIModel {
	if fps <= 0 {
		fps = defaultFPS
	}

	id := textinput.New()
	id.Placeholder = "client id"
	id.CharLimit = callbackMaxValueBytes
	id.Width = 40
	id.Focus()

	secret := textinput.New()
	secret.Placeholder = "client secret"
	secret.CharLimit = callbackMaxValueBytes
	secret.Width = 40
	secret.EchoMode = textinput.EchoPassword

	return &UIModel{
		ctx:         ctx,
		app:         app,
		state:       state,
		shared:      shared,
		requests:    requests,
		frame:       time.Second / time.Duration(fps),
		idInput:     id,
		secretInput: secret,
	}
}

func frameCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

// sendCmd queues a on the controller and waits for its answer off the UI
// goroutine.
func (m *UIModel) sendCmd(a Action) tea.Cmd {
	name := actionName(a)
	return func() tea.Msg {
		reply := make(chan error, 1)
		select {
		case m.requests <- ActionRequest{Action: a, Reply: reply}:
		default:
			return actionDoneMsg{name: name, err: errors.New("action queue full")}
		}
		select {
		case err := <-reply:
			return actionDoneMsg{name: name, err: err}
		case <-time.After(uiActionWait):
			return actionDoneMsg{name: name, err: errors.New("timed out")}
		case <-m.ctx.Done():
			return actionDoneMsg{name: name, err: m.ctx.Err()}
		}
	}
}

// Init implements tea.Model.
func (m *UIModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, frameCmd(m.frame))
}

// Update implements tea.Model.
func (m *UIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case frameMsg:
		if m.ctx.Err() != nil {
			return m, tea.Quit
		}
		m.lastFrame = time.Time(msg)
		if m.app.Poll() == ScreenNowPlaying {
			m.state.PollAsync()
		}
		return m, frameCmd(m.frame)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s: %v", msg.name, msg.err)
		} else {
			m.status = ""
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *UIModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	screen := m.app.Screen()
	switch screen {
	case ScreenLogin:
		return m.handleLoginKey(msg)
	case ScreenQrPairing:
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "esc":
			m.secretInput.Blur()
			return m, tea.Batch(m.idInput.Focus(), m.sendCmd(Navigate{Screen: "back"}))
		}
		return m, nil
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "esc":
		return m, m.sendCmd(Navigate{Screen: "back"})
	case " ", "p":
		return m, m.sendCmd(PlayPause{})
	case "n":
		return m, m.sendCmd(Next{})
	case "b":
		return m, m.sendCmd(Previous{})
	case "s":
		return m, m.sendCmd(ToggleShuffle{})
	case "r":
		return m, m.sendCmd(PlayRandomTrack{})
	case "+", "=":
		return m, m.sendCmd(SetVolume{Percent: m.volumeStep(uiVolumeStep)})
	case "-":
		return m, m.sendCmd(SetVolume{Percent: m.volumeStep(-uiVolumeStep)})
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < m.listLen(screen)-1 {
			m.cursor++
		}
		return m, nil
	case "enter":
		return m, m.choose(screen)
	}
	return m, nil
}

func (m *UIModel) handleLoginKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "up", "down":
		if m.idInput.Focused() {
			m.idInput.Blur()
			return m, m.secretInput.Focus()
		}
		m.secretInput.Blur()
		return m, m.idInput.Focus()

	case "enter":
		id := strings.TrimSpace(m.idInput.Value())
		secret := strings.TrimSpace(m.secretInput.Value())
		if id == "" || secret == "" {
			m.status = "client id and secret are both required"
			return m, nil
		}
		m.status = "starting pairing..."
		return m, m.sendCmd(Login{ClientID: id, ClientSecret: secret})
	}

	var cmd tea.Cmd
	if m.idInput.Focused() {
		m.idInput, cmd = m.idInput.Update(msg)
	} else {
		m.secretInput, cmd = m.secretInput.Update(msg)
	}
	return m, cmd
}

func (m *UIModel) volumeStep(delta int) int {
	level, ok := m.shared.Volume.Get()
	if !ok {
		level = uiDefaultLevel
	}
	return min(max(level+delta, 0), 100)
}

func (m *UIModel) listLen(screen Screen) int {
	switch screen {
	case ScreenHome:
		return len(homeMenu)
	case ScreenLibrary:
		return len(m.shared.Library.Playlists())
	default:
		return 0
	}
}

// choose acts on the highlighted list entry.
func (m *UIModel) choose(screen Screen) tea.Cmd {
	switch screen {
	case ScreenHome:
		if m.cursor >= len(homeMenu) {
			return nil
		}
		target := homeMenu[m.cursor]
		m.cursor = 0
		return m.sendCmd(Navigate{Screen: target.String()})

	case ScreenLibrary:
		playlists := m.shared.Library.Playlists()
		if m.cursor >= len(playlists) {
			return nil
		}
		id := playlists[m.cursor].ID
		m.cursor = 0
		return tea.Sequence(
			m.sendCmd(PlayRandomTrack{PlaylistID: id}),
			m.sendCmd(Navigate{Screen: ScreenNowPlaying.String()}),
		)
	}
	return nil
}

// View implements tea.Model.
func (m *UIModel) View() string {
	view := m.app.View()

	var body string
	switch view.Screen {
	case ScreenLogin:
		body = m.viewLogin(view)
	case ScreenQrPairing:
		body = m.viewPairing(view)
	case ScreenHome:
		body = m.viewHome()
	case ScreenLibrary:
		body = m.viewLibrary()
	case ScreenNowPlaying:
		body = m.viewNowPlaying()
	}

	if m.status != "" {
		body += "\n\n" + errorStyle.Render(m.status)
	}
	return frameStyle.Render(body)
}

func (m *UIModel) viewLogin(view AppView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("spotipi"))
	b.WriteString("\n\nEnter your Spotify application credentials.\n\n")
	b.WriteString(m.idInput.View())
	b.WriteString("\n")
	b.WriteString(m.secretInput.View())
	if view.LoginError != "" {
		b.WriteString("\n\n" + errorStyle.Render(view.LoginError))
	}
	b.WriteString("\n\n" + dimStyle.Render("tab switch field • enter submit • ctrl+c quit"))
	return b.String()
}

func (m *UIModel) viewPairing(view AppView) string {
	if view.AuthURL != m.qrURL {
		m.qrURL = view.AuthURL
		m.qrText = renderQR(view.AuthURL)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Scan to pair"))
	b.WriteString("\n\n")
	b.WriteString(m.qrText)
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(view.AuthURL))
	b.WriteString("\n\n" + dimStyle.Render("waiting for authorization • esc re-enter credentials • q quit"))
	return b.String()
}

// renderQR draws url as a compact block-character QR code, or an empty
// string if it cannot be encoded.
func renderQR(url string) string {
	if url == "" {
		return ""
	}
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return errorStyle.Render("qr: " + err.Error())
	}
	return qr.ToSmallString(false)
}

func (m *UIModel) viewHome() string {
	var b strings.Builder
	greeting := "Home"
	if u, ok := m.shared.Library.User(); ok && u.DisplayName != "" {
		greeting = "Hi, " + u.DisplayName
	} else if m.state.InFlight("user") {
		greeting = "Home (loading profile...)"
	}
	b.WriteString(titleStyle.Render(greeting))
	b.WriteString("\n\n")
	for i, s := range homeMenu {
		b.WriteString(m.menuLine(i, screenTitle(s)))
	}
	b.WriteString("\n" + dimStyle.Render(playbackHelp))
	return b.String()
}

func (m *UIModel) viewLibrary() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Library"))
	b.WriteString("\n\n")

	playlists := m.shared.Library.Playlists()
	switch {
	case len(playlists) == 0 && m.state.InFlight("playlists"):
		b.WriteString(dimStyle.Render("loading playlists..."))
	case len(playlists) == 0:
		b.WriteString(dimStyle.Render("no playlists"))
	default:
		for i, p := range playlists {
			b.WriteString(m.menuLine(i, fmt.Sprintf("%s (%d)", p.Name, p.TrackCount)))
		}
	}
	b.WriteString("\n" + dimStyle.Render("enter play random track • "+playbackHelp))
	return b.String()
}

func (m *UIModel) viewNowPlaying() string {
	snap, ok := m.state.Snapshot()
	if !ok {
		return titleStyle.Render("Now Playing") + "\n\n" + dimStyle.Render("no active device") +
			"\n\n" + dimStyle.Render(playbackHelp)
	}

	sess := m.shared.Session.Snapshot()
	state := "paused"
	if sess.Playing {
		state = "playing"
	}
	if sess.Shuffle {
		state += " • shuffle"
	}
	if level, known := m.shared.Volume.Get(); known {
		state += fmt.Sprintf(" • vol %d%%", level)
	}

	// Progress is extrapolated from the last poll while playing.
	progress := snap.ProgressSec
	if sess.Playing && !m.lastFrame.IsZero() {
		progress += int(m.lastFrame.Sub(snap.FetchedAt) / time.Second)
	}
	progress = min(max(progress, 0), snap.DurationSec)

	info := strings.Join([]string{
		titleStyle.Render(snap.Title),
		snap.Artist,
		dimStyle.Render(snap.Album),
		"",
		fmt.Sprintf("%s / %s", formatClock(progress), formatClock(snap.DurationSec)),
		dimStyle.Render(state),
		dimStyle.Render(snap.DeviceName),
	}, "\n")

	art := m.artBlock()
	if art == "" {
		return info + "\n\n" + dimStyle.Render(playbackHelp)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, art, "  ", info) + "\n\n" + dimStyle.Render(playbackHelp)
}

// artBlock renders the cached cover, re-rendering only when it changes.
func (m *UIModel) artBlock() string {
	art := m.shared.Art.Art()
	if art == nil {
		m.artURL, m.artText = "", ""
		return ""
	}
	if art.URL != m.artURL {
		m.artURL = art.URL
		m.artText = artBoxStyle.Render(renderArt(art.Image, artCols))
	}
	return m.artText
}

// renderArt draws img with upper-half blocks: each cell carries two pixel
// rows, foreground for the top and background for the bottom.
func renderArt(img image.Image, cols int) string {
	if img == nil || cols <= 0 {
		return ""
	}
	small := resize.Resize(uint(cols), uint(cols), img, resize.Bilinear)
	bounds := small.Bounds()

	var b strings.Builder
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			top := hexColor(small.At(x, y))
			bottom := top
			if y+1 < bounds.Max.Y {
				bottom = hexColor(small.At(x, y+1))
			}
			b.WriteString(lipgloss.NewStyle().
				Foreground(lipgloss.Color(top)).
				Background(lipgloss.Color(bottom)).
				Render("▀"))
		}
		if y+2 < bounds.Max.Y {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func hexColor(c interface{ RGBA() (r, g, b, a uint32) }) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
}

func (m *UIModel) menuLine(i int, label string) string {
	if i == m.cursor {
		return cursorStyle.Render("> "+label) + "\n"
	}
	return "  " + label + "\n"
}

func screenTitle(s Screen) string {
	switch s {
	case ScreenNowPlaying:
		return "Now Playing"
	case ScreenLibrary:
		return "Library"
	default:
		return s.String()
	}
}

const playbackHelp = "space play/pause • n next • b back • s shuffle • r random • +/- volume • esc home • q quit"

func formatClock(sec int) string {
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}

// runUI runs the renderer until the user quits or ctx is canceled.
func runUI(ctx context.Context, m *UIModel) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
