package app

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/email"
	"github.com/nhle/mailtriage/internal/keys"
	appsync "github.com/nhle/mailtriage/internal/sync"
	"github.com/nhle/mailtriage/internal/theme"
	"github.com/nhle/mailtriage/internal/triage"
	"github.com/nhle/mailtriage/internal/ui"
	"github.com/nhle/mailtriage/internal/ui/command"
	configview "github.com/nhle/mailtriage/internal/ui/config"
	helpview "github.com/nhle/mailtriage/internal/ui/help"
	"github.com/nhle/mailtriage/internal/ui/logview"
)

// logTick is how often the log panel picks up new lines.
const logTick = 250 * time.Millisecond

// firstRunMsg opens the mailbox form when no address is configured.
type firstRunMsg struct{}

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewMain ViewState = iota
	ViewConfig
	ViewHelp
	ViewCommand
)

// Model is the root Bubble Tea model: it routes between views and owns
// the triage controller.
type Model struct {
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	env          *Env
	keys         *keys.KeyMap
	ctrl         *triage.Controller
	watcher      *appsync.Watcher
	logView      logview.Model
	configView   configview.Model
	helpView     helpview.Model
	commandView  command.Model

	status           appsync.Status
	statusMessage    string
	authErrorMessage string
	ready            bool
}

// New creates the root application model.
func New(env *Env) Model {
	k := keys.DefaultKeyMap()
	ctrl := env.NewController()

	return Model{
		currentView: ViewMain,
		env:         env,
		keys:        k,
		ctrl:        ctrl,
		watcher:     appsync.NewWatcher(ctrl),
		logView:     logview.New(env.Sink, 80, 22),
		configView:  configview.New(env.ConfigPath, env.Config, env.Store, email.NewMailbox(), k, 80, 22),
		helpView:    helpview.New(k, 80, 22),
		commandView: command.New(80, 22),
	}
}

// Controller exposes the triage controller so the caller can stop it on exit.
func (m Model) Controller() *triage.Controller {
	return m.ctrl
}

// Init starts the log ticker and the event subscription.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		appsync.TickLogs(logTick),
		m.watcher.WaitForNextEvent(),
	}
	if m.env.Config.Mailbox.Address == "" {
		cmds = append(cmds, func() tea.Msg { return firstRunMsg{} })
	}
	return tea.Batch(cmds...)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.logView.SetSize(w, h)
		m.configView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		m.commandView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case firstRunMsg:
		m.statusMessage = "Welcome! Configure your mailbox to get started."
		return m.openConfig(formMailbox)

	case appsync.LogTickMsg:
		m.logView.Refresh()
		m.status = m.watcher.Status()
		return m, appsync.TickLogs(logTick)

	case appsync.EventMsg:
		m.status = m.watcher.Status()
		if msg.Event.Report != nil || msg.Event.State == triage.StateStopped {
			m.statusMessage = ""
		}
		if msg.AuthError != nil {
			m.authErrorMessage = msg.AuthError.Message
		} else if msg.Event.Report != nil && msg.Event.Err == nil {
			m.authErrorMessage = ""
		}
		return m, m.watcher.WaitForNextEvent()

	case configview.ConfigDoneMsg:
		m.currentView = ViewMain
		if msg.Status != "" {
			m.statusMessage = msg.Status
		}
		return m, nil

	case configview.ConfigSavedMsg:
		m.env.Config = msg.Config
		m.configView.SetConfig(msg.Config)
		m.env.Logger.Info("configuration saved", zap.String("path", m.env.ConfigPath))
		return m, nil

	case configview.RulesSavedMsg:
		m.env.Rules.Set(msg.Rules)
		m.env.Logger.Info("rules updated", zap.Int("chars", len([]rune(msg.Rules.Text))))
		return m, nil

	case command.CommandMsg:
		m.currentView = m.previousView
		return m.executeCommand(msg.Name)

	case command.UnknownCommandMsg:
		m.currentView = m.previousView
		m.statusMessage = fmt.Sprintf("Unknown command: %s", msg.Input)
		return m, nil

	case tea.KeyMsg:
		// Global keys that work regardless of current view
		switch msg.String() {
		case "ctrl+c":
			m.ctrl.Stop()
			return m, tea.Quit

		case "esc":
			if m.currentView == ViewHelp || m.currentView == ViewCommand {
				m.currentView = ViewMain
				return m, nil
			}

		case "?":
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}
			if m.currentView == ViewMain {
				m.previousView = m.currentView
				m.currentView = ViewHelp
				return m, nil
			}

		case ":":
			if m.currentView == ViewCommand {
				m.currentView = m.previousView
				return m, nil
			}
			if m.currentView == ViewMain {
				m.previousView = m.currentView
				m.currentView = ViewCommand
				return m, m.commandView.Focus()
			}
		}

		if m.currentView == ViewMain {
			if model, cmd, ok := m.handleMainKey(msg); ok {
				return model, cmd
			}
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// handleMainKey handles keys of the log view. ok is false for keys the
// log viewport should receive.
func (m Model) handleMainKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.ctrl.Stop()
		return m, tea.Quit, true
	case key.Matches(msg, m.keys.Start):
		model, cmd := m.executeCommand(command.Start)
		return model, cmd, true
	case key.Matches(msg, m.keys.Stop):
		model, cmd := m.executeCommand(command.Stop)
		return model, cmd, true
	case key.Matches(msg, m.keys.Mailbox):
		model, cmd := m.executeCommand(command.Mailbox)
		return model, cmd, true
	case key.Matches(msg, m.keys.APIKey):
		model, cmd := m.executeCommand(command.APIKey)
		return model, cmd, true
	case key.Matches(msg, m.keys.Rules):
		model, cmd := m.executeCommand(command.Rules)
		return model, cmd, true
	case key.Matches(msg, m.keys.Settings):
		model, cmd := m.executeCommand(command.Settings)
		return model, cmd, true
	case key.Matches(msg, m.keys.Clear):
		model, cmd := m.executeCommand(command.Clear)
		return model, cmd, true
	case key.Matches(msg, m.keys.Top):
		m.logView.GotoTop()
		return m, nil, true
	case key.Matches(msg, m.keys.Bottom):
		m.logView.GotoBottom()
		return m, nil, true
	}
	return m, nil, false
}

// executeCommand runs a palette command or its key equivalent.
func (m Model) executeCommand(name command.Name) (tea.Model, tea.Cmd) {
	switch name {
	case command.Start:
		return m.startTriage()
	case command.Stop:
		if !m.ctrl.Running() {
			m.statusMessage = "Triage is not running"
			return m, nil
		}
		m.ctrl.Stop()
		m.statusMessage = "Stopping after the current step..."
		return m, nil
	case command.Mailbox:
		return m.openConfig(formMailbox)
	case command.APIKey:
		return m.openConfig(formAPIKey)
	case command.Rules:
		return m.openConfig(formRules)
	case command.Settings:
		return m.openConfig(formSettings)
	case command.Clear:
		m.logView.Clear()
		return m, nil
	case command.Quit:
		m.ctrl.Stop()
		return m, tea.Quit
	}
	return m, nil
}

// startTriage snapshots the configuration and starts a new loop.
func (m Model) startTriage() (tea.Model, tea.Cmd) {
	cfg, err := m.env.Snapshot()
	if err != nil {
		m.statusMessage = err.Error()
		return m, nil
	}

	_, err = m.ctrl.Start(cfg)

	var cfgErr *triage.ConfigError
	switch {
	case err == nil:
		m.authErrorMessage = ""
		m.statusMessage = ""
		m.status = m.watcher.Status()
		m.logView.GotoBottom()
		return m, nil
	case errors.As(err, &cfgErr):
		m.statusMessage = err.Error()
		return m.openConfig(formFor(cfgErr.Missing))
	case errors.Is(err, triage.ErrAlreadyRunning):
		m.statusMessage = "Triage is already running"
		return m, nil
	default:
		m.statusMessage = fmt.Sprintf("Could not start triage: %v", err)
		return m, nil
	}
}

// configForm selects one of the configuration forms.
type configForm int

const (
	formMailbox configForm = iota
	formAPIKey
	formRules
	formSettings
)

// formFor picks the form that fixes the first missing setting.
func formFor(missing []string) configForm {
	switch {
	case len(missing) == 0,
		slices.Contains(missing, "mailbox address"),
		slices.Contains(missing, "mailbox password"),
		slices.Contains(missing, "IMAP server"),
		slices.Contains(missing, "SMTP server"):
		return formMailbox
	case slices.Contains(missing, "analysis API key"):
		return formAPIKey
	default:
		return formSettings
	}
}

// openConfig switches to the config view and starts a form.
func (m Model) openConfig(form configForm) (tea.Model, tea.Cmd) {
	m.previousView = ViewMain
	m.currentView = ViewConfig

	var cmd tea.Cmd
	switch form {
	case formMailbox:
		cmd = m.configView.StartMailbox()
	case formAPIKey:
		cmd = m.configView.StartAPIKey()
	case formRules:
		cmd = m.configView.StartRules(m.env.Rules.Load())
	case formSettings:
		cmd = m.configView.StartSettings()
	}
	return m, cmd
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewMain:
		m.logView, cmd = m.logView.Update(msg)
	case ViewConfig:
		m.configView, cmd = m.configView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewCommand:
		m.commandView, cmd = m.commandView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.layout.RenderHeader("Mail Triage", m.headerStatus())
	statusBar := m.layout.RenderStatusBar(m.keyHints())

	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewMain:
		return m.logView.View()
	case ViewConfig:
		return m.configView.View()
	case ViewHelp:
		return m.helpView.View()
	case ViewCommand:
		return m.commandView.View()
	default:
		return ""
	}
}

// headerStatus shows the mailbox and the loop state.
func (m Model) headerStatus() string {
	state := m.status.State.String()
	s := theme.StateStyle(state).Render(state)
	if addr := m.env.Config.Mailbox.Address; addr != "" {
		s = addr + " " + s
	}
	if m.env.Config.Triage.DryRun {
		s += " (dry run)"
	}
	return s
}

// keyHints returns the status line for the bottom bar.
func (m Model) keyHints() string {
	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewCommand:
		return ": close command | enter execute | esc back"
	case ViewConfig:
		return "enter next | shift+tab previous | esc cancel"
	}

	// Show auth error prominently when present.
	if m.authErrorMessage != "" {
		return m.authErrorMessage
	}
	if m.statusMessage != "" {
		return m.statusMessage
	}

	hints := "s start | x stop | c mailbox | e rules | ? help | q quit"
	return appsync.Describe(m.status) + " | " + hints
}
