package command

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailtriage/internal/theme"
)

// Name identifies a palette command.
type Name string

const (
	Start    Name = "start"
	Stop     Name = "stop"
	Mailbox  Name = "mailbox"
	APIKey   Name = "apikey"
	Rules    Name = "rules"
	Settings Name = "settings"
	Clear    Name = "clear"
	Quit     Name = "quit"
)

// aliases maps accepted spellings to commands.
var aliases = map[string]Name{
	"start":     Start,
	"run":       Start,
	"stop":      Stop,
	"mailbox":   Mailbox,
	"config":    Mailbox,
	"apikey":    APIKey,
	"api key":   APIKey,
	"key":       APIKey,
	"rules":     Rules,
	"settings":  Settings,
	"interval":  Settings,
	"clear":     Clear,
	"clear log": Clear,
	"quit":      Quit,
	"q":         Quit,
}

// CommandMsg is emitted when the user executes a known command.
type CommandMsg struct {
	Name Name
}

// UnknownCommandMsg is emitted for input that matches no command.
type UnknownCommandMsg struct {
	Input string
}

// Parse resolves input to a command name.
func Parse(input string) (Name, bool) {
	n, ok := aliases[strings.ToLower(strings.Join(strings.Fields(input), " "))]
	return n, ok
}

// Model is the command palette view.
type Model struct {
	input  textinput.Model
	width  int
	height int
}

// New creates a new command palette model.
func New(width, height int) Model {
	ti := textinput.New()
	ti.Placeholder = "start, stop, rules, mailbox, apikey, settings, clear, quit"
	ti.Prompt = ": "
	ti.ShowSuggestions = true
	ti.SetSuggestions([]string{
		string(Start), string(Stop), string(Mailbox), string(APIKey),
		string(Rules), string(Settings), string(Clear), string(Quit),
	})
	ti.Focus()
	ti.Width = width - 6

	return Model{
		input:  ti,
		width:  width,
		height: height,
	}
}

// Update handles messages for the command palette.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == "enter" {
		input := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if input == "" {
			return m, nil
		}
		return m, func() tea.Msg {
			if n, ok := Parse(input); ok {
				return CommandMsg{Name: n}
			}
			return UnknownCommandMsg{Input: input}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the command palette.
func (m Model) View() string {
	title := theme.TitleStyle.Render("Command Palette")
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.input.View())

	return theme.PanelStyle.
		Width(max(m.width-4, 0)).
		Render(content)
}

// SetSize updates the command palette dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.input.Width = max(width-6, 0)
}

// Focus gives keyboard focus to the text input.
func (m *Model) Focus() tea.Cmd {
	m.input.Reset()
	return m.input.Focus()
}
