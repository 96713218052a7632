// Package tui provides a Bubble Tea viewer that replays the three tracks of
// a challenge side by side.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/rewind/internal/coordinator"
	"github.com/fakeyudi/rewind/internal/replay"
	"github.com/fakeyudi/rewind/internal/session"
)

// ── Styles ────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))

	focusedPaneStyle = paneStyle.
				BorderForeground(lipgloss.Color("62"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	notifyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("160")).
			Padding(0, 1)

	recordingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)
)

// SpeedPresets are the speeds the +/- keys step through.
var SpeedPresets = []float64{0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 4}

const tickInterval = 100 * time.Millisecond

// Controller is the part of the coordinator the viewer drives.
type Controller interface {
	StartAll() bool
	PauseAll()
	ResumeAll()
	SetSpeed(speed float64)
	Speed() float64
	Focus(i int)
	Dismiss(i int)
	Snapshot() [session.TrackCount]coordinator.TrackState
}

type tickMsg time.Time

// Model is the root Bubble Tea model for the viewer.
type Model struct {
	ctrl    Controller
	title   string
	snap    [session.TrackCount]coordinator.TrackState
	panes   [session.TrackCount]viewport.Model
	bar     progress.Model
	width   int
	height  int
	ready   bool
	message string
}

// New creates a viewer over ctrl.
func New(ctrl Controller, title string) Model {
	return Model{
		ctrl:  ctrl,
		title: title,
		snap:  ctrl.Snapshot(),
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd { return tick() }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.message = ""
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if !m.ctrl.StartAll() {
				m.message = "every track needs a recording before replay"
			}
		case " ", "space", "p":
			if m.anyReplaying() {
				m.ctrl.PauseAll()
			} else {
				m.ctrl.ResumeAll()
			}
		case "1", "2", "3":
			m.ctrl.Focus(int(msg.String()[0] - '1'))
		case "+", "=":
			m.ctrl.SetSpeed(stepSpeed(m.ctrl.Speed(), 1))
		case "-", "_":
			m.ctrl.SetSpeed(stepSpeed(m.ctrl.Speed(), -1))
		case "d":
			for i := range m.snap {
				m.ctrl.Dismiss(i)
			}
		case "up", "k", "down", "j", "pgup", "pgdown":
			var cmds []tea.Cmd
			for i := range m.panes {
				var cmd tea.Cmd
				m.panes[i], cmd = m.panes[i].Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}
		m.refresh()
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.layout()
		m.refresh()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	title := titleStyle.Width(m.width).Render(fmt.Sprintf("  rewind  %s  ×%s", m.title, formatSpeed(m.ctrl.Speed())))

	cols := make([]string, len(m.snap))
	for i, st := range m.snap {
		cols[i] = m.renderPane(i, st)
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, cols...)

	hint := "  r replay  space pause/resume  1-3 focus  +/- speed  d dismiss  q quit"
	if m.message != "" {
		hint = "  " + m.message
	}
	statusBar := statusBarStyle.Width(m.width).Render(hint)

	return lipgloss.JoinVertical(lipgloss.Left, title, body, statusBar)
}

// ── Layout ───────────────────

func (m *Model) paneWidth() int {
	w := m.width/session.TrackCount - 2
	if w < 10 {
		w = 10
	}
	return w
}

func (m *Model) layout() {
	// title(1) + statusBar(1) + borders(2) + header, progress, notification(3)
	h := m.height - 7
	if h < 1 {
		h = 1
	}
	w := m.paneWidth()
	for i := range m.panes {
		m.panes[i] = viewport.New(w, h)
	}
	m.bar.Width = w
}

func (m *Model) refresh() {
	m.snap = m.ctrl.Snapshot()
	if !m.ready {
		return
	}
	for i, st := range m.snap {
		m.panes[i].SetContent(st.Content)
	}
}

func (m *Model) anyReplaying() bool {
	for _, st := range m.snap {
		if st.Replay.Status == replay.Replaying {
			return true
		}
	}
	return false
}

func (m *Model) renderPane(i int, st coordinator.TrackState) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("Track %d", i+1)))
	sb.WriteString("  " + statusLabel(st) + "  ")
	sb.WriteString(timeStyle.Render(Progress(st.Replay)))
	sb.WriteString("\n")
	sb.WriteString(m.bar.ViewAs(fraction(st.Replay)))
	sb.WriteString("\n")
	sb.WriteString(m.panes[i].View())
	sb.WriteString("\n")
	if st.Notification != nil {
		sb.WriteString(notifyStyle.Render(st.Notification.Message()))
	} else {
		sb.WriteString(dimStyle.Render(fmt.Sprintf("vol %3.0f%%", st.Volume*100)))
	}

	style := paneStyle
	if st.Focused {
		style = focusedPaneStyle
	}
	return style.Width(m.paneWidth()).Render(sb.String())
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func statusLabel(st coordinator.TrackState) string {
	if st.Recording {
		return recordingStyle.Render("● rec")
	}
	if st.Events == 0 {
		return dimStyle.Render("empty")
	}
	return string(st.Replay.Status)
}

// Progress renders "m:ss / m:ss" for a replay state.
func Progress(s replay.State) string {
	return replay.FormatClock(s.PositionMs) + " / " + replay.FormatClock(s.TotalMs)
}

func fraction(s replay.State) float64 {
	if s.Status == replay.Finished {
		return 1
	}
	if s.TotalMs <= 0 {
		return 0
	}
	f := float64(s.PositionMs) / float64(s.TotalMs)
	if f > 1 {
		return 1
	}
	return f
}

func formatSpeed(s float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", s), "0"), ".")
}

// stepSpeed moves to the next preset above (dir > 0) or below (dir < 0)
// cur, staying at the ends of the list.
func stepSpeed(cur float64, dir int) float64 {
	if dir > 0 {
		for _, p := range SpeedPresets {
			if p > cur {
				return p
			}
		}
		return SpeedPresets[len(SpeedPresets)-1]
	}
	for i := len(SpeedPresets) - 1; i >= 0; i-- {
		if SpeedPresets[i] < cur {
			return SpeedPresets[i]
		}
	}
	return SpeedPresets[0]
}

// Line renders one track as a single plain-text line.
func Line(st coordinator.TrackState) string {
	status := string(st.Replay.Status)
	if st.Recording {
		status = "recording"
	}
	line := fmt.Sprintf("track %d  %-9s  %s  ×%s  vol %.0f%%", st.Index+1, status, Progress(st.Replay), formatSpeed(st.Replay.Speed), st.Volume*100)
	if st.Notification != nil {
		line += "  [" + st.Notification.Message() + "]"
	}
	return line
}

// Run starts the viewer and blocks until the user quits.
func Run(ctrl Controller, title string) error {
	p := tea.NewProgram(New(ctrl, title), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
