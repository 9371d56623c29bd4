package logview

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailtriage/internal/logsink"
	"github.com/nhle/mailtriage/internal/theme"
)

// Model shows the log sink in a scrollable viewport. It follows new
// lines until the user scrolls up.
type Model struct {
	sink     *logsink.Sink
	vp       viewport.Model
	revision uint64
	follow   bool
}

// New creates a log view over sink.
func New(sink *logsink.Sink, width, height int) Model {
	m := Model{
		sink:     sink,
		vp:       viewport.New(width, height),
		follow:   true,
		revision: ^uint64(0),
	}
	m.Refresh()
	return m
}

// Refresh reloads the sink if it changed since the last call.
func (m *Model) Refresh() {
	rev := m.sink.Revision()
	if rev == m.revision {
		return
	}
	m.revision = rev

	lines := m.sink.Lines()
	if len(lines) == 0 {
		m.vp.SetContent(theme.HelpStyle.Render("No log output yet. Press s to start triage."))
		return
	}

	styled := make([]string, len(lines))
	for i, l := range lines {
		styled[i] = styleLine(l)
	}
	m.vp.SetContent(strings.Join(styled, "\n"))

	if m.follow {
		m.vp.GotoBottom()
	}
}

// Update scrolls the viewport.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	m.follow = m.vp.AtBottom()
	return m, cmd
}

// View renders the visible part of the log.
func (m Model) View() string {
	return m.vp.View()
}

// Following reports whether the view tracks the newest line.
func (m Model) Following() bool {
	return m.follow
}

// GotoTop jumps to the oldest buffered line and stops following.
func (m *Model) GotoTop() {
	m.vp.GotoTop()
	m.follow = false
}

// GotoBottom jumps to the newest line and resumes following.
func (m *Model) GotoBottom() {
	m.vp.GotoBottom()
	m.follow = true
}

// Clear empties the sink and the view.
func (m *Model) Clear() {
	m.sink.Clear()
	m.follow = true
	m.Refresh()
}

// SetSize updates the viewport dimensions.
func (m *Model) SetSize(width, height int) {
	m.vp.Width = width
	m.vp.Height = height
	if m.follow {
		m.vp.GotoBottom()
	}
}

// styleLine colors the level column of a console-encoded log line.
func styleLine(line string) string {
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) < 3 {
		return line
	}
	parts[0] = theme.HelpStyle.UnsetItalic().Render(parts[0])
	parts[1] = theme.LogLevelStyle(parts[1]).Render(parts[1])
	return strings.Join(parts, "  ")
}
