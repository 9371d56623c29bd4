package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/keys"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
	"github.com/nhle/mailtriage/internal/theme"
)

// checkTimeout bounds the login test run after saving mailbox settings.
const checkTimeout = 30 * time.Second

// ConfigMode represents the current state of the configuration view.
type ConfigMode int

const (
	ModeIdle           ConfigMode = iota
	ModeFormMailbox                      // Address, password, servers
	ModeFormAPIKey                       // Analysis API key
	ModeFormRules                        // Free-text processing rules
	ModeFormSettings                     // Poll interval, dry run
	ModeValidating                       // Testing the mailbox login
	ModeValidateResult                   // Show validation result
)

// ConfigDoneMsg signals the config view should close. Status, when set,
// is shown in the status bar.
type ConfigDoneMsg struct {
	Status string
}

// ConfigSavedMsg carries the configuration after it was written to disk.
type ConfigSavedMsg struct {
	Config *model.AppConfig
}

// RulesSavedMsg carries the rule set after it was persisted.
type RulesSavedMsg struct {
	Rules model.RuleSet
}

// ValidateResultMsg carries the result of a mailbox login test.
type ValidateResultMsg struct {
	Unread int
	Err    error
}

// mailboxSavedMsg is sent after the mailbox settings were persisted and
// the login was tested.
type mailboxSavedMsg struct {
	cfg     *model.AppConfig
	saveErr error
	result  ValidateResultMsg
}

type settingsSavedMsg struct {
	cfg *model.AppConfig
	err error
}

type apiKeySavedMsg struct {
	err error
}

type rulesSavedInternalMsg struct {
	rules model.RuleSet
	err   error
}

// ConnectionChecker tests a mailbox login and counts unread mail.
type ConnectionChecker interface {
	CountUnread(ctx context.Context, creds model.MailboxCredentials) (int, error)
}

// formFields holds the values huh binds to. It lives on the heap so the
// bindings survive copies of Model.
type formFields struct {
	address  string
	password string
	imapHost string
	imapPort string
	imapTLS  bool
	smtpHost string
	smtpPort string

	apiKey string
	rules  string

	interval string
	dryRun   bool
}

// Model is the Bubble Tea model for the configuration forms.
type Model struct {
	mode    ConfigMode
	cfgPath string
	cfg     *model.AppConfig
	store   store.RuleStore
	checker ConnectionChecker

	form   *huh.Form
	fields *formFields

	validUnread int
	validError  error
	spinner     spinner.Model

	keys          *keys.KeyMap
	width, height int
}

// New creates a new configuration view model.
func New(
	cfgPath string,
	cfg *model.AppConfig,
	s store.RuleStore,
	checker ConnectionChecker,
	k *keys.KeyMap,
	width, height int,
) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		mode:    ModeIdle,
		cfgPath: cfgPath,
		cfg:     cfg,
		store:   s,
		checker: checker,
		fields:  &formFields{},
		keys:    k,
		spinner: sp,
		width:   width,
		height:  height,
	}
}

// Mode returns the current mode.
func (m Model) Mode() ConfigMode {
	return m.mode
}

// SetConfig replaces the configuration the forms are pre-filled from.
func (m *Model) SetConfig(cfg *model.AppConfig) {
	m.cfg = cfg
}

// StartMailbox opens the mailbox form.
func (m *Model) StartMailbox() tea.Cmd {
	f := m.fields
	f.address = m.cfg.Mailbox.Address
	f.password = ""
	f.imapHost = m.cfg.Mailbox.IMAPHost
	f.imapPort = strconv.Itoa(m.cfg.Mailbox.IMAPPort)
	f.imapTLS = m.cfg.Mailbox.IMAPTLS
	f.smtpHost = m.cfg.Mailbox.SMTPHost
	f.smtpPort = strconv.Itoa(m.cfg.Mailbox.SMTPPort)

	m.mode = ModeFormMailbox
	m.form = m.buildMailboxForm()
	return m.form.Init()
}

// StartAPIKey opens the API key form.
func (m *Model) StartAPIKey() tea.Cmd {
	m.fields.apiKey = ""
	m.mode = ModeFormAPIKey
	m.form = m.buildAPIKeyForm()
	return m.form.Init()
}

// StartRules opens the rule editor with the current text.
func (m *Model) StartRules(current model.RuleSet) tea.Cmd {
	m.fields.rules = current.Text
	m.mode = ModeFormRules
	m.form = m.buildRulesForm()
	return m.form.Init()
}

// StartSettings opens the poll settings form.
func (m *Model) StartSettings() tea.Cmd {
	m.fields.interval = strconv.Itoa(m.cfg.Triage.PollIntervalSec)
	m.fields.dryRun = m.cfg.Triage.DryRun
	m.mode = ModeFormSettings
	m.form = m.buildSettingsForm()
	return m.form.Init()
}

// Update handles messages and dispatches based on current mode.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case mailboxSavedMsg:
		m.validUnread = msg.result.Unread
		m.validError = msg.result.Err
		m.mode = ModeValidateResult
		if msg.saveErr != nil {
			m.validError = fmt.Errorf("saving settings: %w", msg.saveErr)
			return m, nil
		}
		m.cfg = msg.cfg
		return m, func() tea.Msg { return ConfigSavedMsg{Config: msg.cfg} }

	case ValidateResultMsg:
		m.validUnread = msg.Unread
		m.validError = msg.Err
		m.mode = ModeValidateResult
		return m, nil

	case settingsSavedMsg:
		m.mode = ModeIdle
		if msg.err != nil {
			return m, done(fmt.Sprintf("Error saving settings: %v", msg.err))
		}
		m.cfg = msg.cfg
		return m, tea.Batch(
			func() tea.Msg { return ConfigSavedMsg{Config: msg.cfg} },
			done("Settings saved. Restart triage to apply them."),
		)

	case apiKeySavedMsg:
		m.mode = ModeIdle
		if msg.err != nil {
			return m, done(fmt.Sprintf("Error saving API key: %v", msg.err))
		}
		return m, done("API key saved")

	case rulesSavedInternalMsg:
		m.mode = ModeIdle
		if msg.err != nil {
			return m, done(fmt.Sprintf("Error saving rules: %v", msg.err))
		}
		return m, tea.Batch(
			func() tea.Msg { return RulesSavedMsg{Rules: msg.rules} },
			done("Rules saved. They apply from the next poll."),
		)

	case spinner.TickMsg:
		if m.mode == ModeValidating {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}

	return m.updateForm(msg)
}

// handleKeyMsg processes key messages based on the current mode.
func (m Model) handleKeyMsg(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch m.mode {
	case ModeValidateResult:
		switch msg.String() {
		case "enter", "esc":
			m.mode = ModeIdle
			status := fmt.Sprintf("Mailbox saved, %d unread", m.validUnread)
			if m.validError != nil {
				status = "Mailbox saved, login test failed"
			}
			m.validError = nil
			return m, done(status)
		case "r":
			if m.validError != nil {
				m.mode = ModeValidating
				return m, tea.Batch(m.spinner.Tick, m.checkLogin(m.cfg))
			}
		}
		return m, nil

	case ModeValidating:
		if key.Matches(msg, m.keys.Back) {
			m.mode = ModeIdle
			return m, done("Login test cancelled")
		}
		return m, nil

	case ModeFormMailbox, ModeFormAPIKey, ModeFormRules, ModeFormSettings:
		if key.Matches(msg, m.keys.Back) {
			m.mode = ModeIdle
			m.form = nil
			return m, done("")
		}
	}

	return m.updateForm(msg)
}

// updateForm forwards msg to the active form and acts on completion.
func (m Model) updateForm(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateAborted:
		m.mode = ModeIdle
		m.form = nil
		return m, done("")
	case huh.StateCompleted:
		m.form = nil
		return m.handleCompleted()
	}

	return m, cmd
}

func (m Model) handleCompleted() (Model, tea.Cmd) {
	switch m.mode {
	case ModeFormMailbox:
		cfg, err := applyMailbox(*m.cfg, m.fields)
		if err != nil {
			m.mode = ModeIdle
			return m, done(err.Error())
		}
		m.mode = ModeValidating
		return m, tea.Batch(m.spinner.Tick, m.saveMailbox(cfg, m.fields.password))

	case ModeFormAPIKey:
		return m, saveAPIKey(strings.TrimSpace(m.fields.apiKey))

	case ModeFormRules:
		return m, m.saveRules(m.fields.rules)

	case ModeFormSettings:
		cfg, err := applySettings(*m.cfg, m.fields)
		if err != nil {
			m.mode = ModeIdle
			return m, done(err.Error())
		}
		return m, m.saveSettings(cfg)
	}

	m.mode = ModeIdle
	return m, nil
}

// --- Forms ---

func (m *Model) buildMailboxForm() *huh.Form {
	f := m.fields

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email address").
				Description("Login name and sender of replies").
				Placeholder("you@gmail.com").
				Value(&f.address).
				Validate(validateAddress),
			huh.NewInput().
				Title("App password").
				Description("Leave empty to keep the stored password").
				EchoMode(huh.EchoModePassword).
				Value(&f.password),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Host").
				Placeholder("imap.gmail.com").
				Value(&f.imapHost).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Placeholder("993").
				Value(&f.imapPort).
				Validate(validatePort),
			huh.NewConfirm().
				Title("IMAP over TLS").
				Description("No upgrades a plain connection with STARTTLS").
				Affirmative("Yes").
				Negative("No").
				Value(&f.imapTLS),
			huh.NewInput().
				Title("SMTP Host").
				Placeholder("smtp.gmail.com").
				Value(&f.smtpHost).
				Validate(validateRequired("SMTP Host")),
			huh.NewInput().
				Title("SMTP Port").
				Description("587 uses STARTTLS, 465 implicit TLS").
				Placeholder("587").
				Value(&f.smtpPort).
				Validate(validatePort),
		),
	).WithWidth(m.formWidth())
}

func (m *Model) buildAPIKeyForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gemini API key").
				Description("Stored in the system keyring").
				EchoMode(huh.EchoModePassword).
				Value(&m.fields.apiKey).
				Validate(validateRequired("API key")),
		),
	).WithWidth(m.formWidth())
}

func (m *Model) buildRulesForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Processing rules").
				Description("Free text sent with every message to the analysis service").
				Lines(max(m.height-10, 6)).
				Value(&m.fields.rules),
		),
	).WithWidth(m.formWidth())
}

func (m *Model) buildSettingsForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Poll interval (seconds)").
				Placeholder("60").
				Value(&m.fields.interval).
				Validate(validatePositiveInt("Poll interval")),
			huh.NewConfirm().
				Title("Dry run").
				Description("Log replies instead of sending them").
				Affirmative("Yes").
				Negative("No").
				Value(&m.fields.dryRun),
		),
	).WithWidth(m.formWidth())
}

// --- Commands ---

func done(status string) tea.Cmd {
	return func() tea.Msg { return ConfigDoneMsg{Status: status} }
}

// saveMailbox persists the settings and the password, then tests the login.
func (m Model) saveMailbox(cfg *model.AppConfig, password string) tea.Cmd {
	path := m.cfgPath
	check := m.checkLogin(cfg)

	return func() tea.Msg {
		if err := model.SaveConfig(path, cfg); err != nil {
			return mailboxSavedMsg{saveErr: err}
		}
		if password != "" {
			if err := credential.Set(credential.KeyMailboxPassword, password); err != nil {
				return mailboxSavedMsg{saveErr: err}
			}
		}

		result, _ := check().(ValidateResultMsg)
		return mailboxSavedMsg{cfg: cfg, result: result}
	}
}

// checkLogin resolves the stored password and tests the mailbox login.
func (m Model) checkLogin(cfg *model.AppConfig) tea.Cmd {
	checker := m.checker
	return func() tea.Msg {
		if checker == nil {
			return ValidateResultMsg{Err: fmt.Errorf("no connection checker configured")}
		}

		password, err := credential.Resolve(credential.KeyMailboxPassword, credential.EnvMailboxPassword)
		if err != nil {
			return ValidateResultMsg{Err: err}
		}

		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		creds := cfg.Snapshot(password, "").Credentials
		n, err := checker.CountUnread(ctx, creds)
		return ValidateResultMsg{Unread: n, Err: err}
	}
}

func saveAPIKey(apiKey string) tea.Cmd {
	return func() tea.Msg {
		return apiKeySavedMsg{err: credential.Set(credential.KeyAnalysisAPIKey, apiKey)}
	}
}

func (m Model) saveRules(text string) tea.Cmd {
	s := m.store
	return func() tea.Msg {
		rs, err := s.SaveRules(context.Background(), text)
		return rulesSavedInternalMsg{rules: rs, err: err}
	}
}

func (m Model) saveSettings(cfg *model.AppConfig) tea.Cmd {
	path := m.cfgPath
	return func() tea.Msg {
		return settingsSavedMsg{cfg: cfg, err: model.SaveConfig(path, cfg)}
	}
}

// applyMailbox returns a copy of cfg with the mailbox form values.
func applyMailbox(cfg model.AppConfig, f *formFields) (*model.AppConfig, error) {
	imapPort, err := strconv.Atoi(strings.TrimSpace(f.imapPort))
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP port: %w", err)
	}
	smtpPort, err := strconv.Atoi(strings.TrimSpace(f.smtpPort))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP port: %w", err)
	}

	cfg.Mailbox = model.MailboxConfig{
		Address:  strings.TrimSpace(f.address),
		IMAPHost: strings.TrimSpace(f.imapHost),
		IMAPPort: imapPort,
		IMAPTLS:  f.imapTLS,
		SMTPHost: strings.TrimSpace(f.smtpHost),
		SMTPPort: smtpPort,
	}
	return &cfg, nil
}

// applySettings returns a copy of cfg with the poll settings.
func applySettings(cfg model.AppConfig, f *formFields) (*model.AppConfig, error) {
	interval, err := strconv.Atoi(strings.TrimSpace(f.interval))
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("invalid poll interval %q", f.interval)
	}

	cfg.Triage.PollIntervalSec = interval
	cfg.Triage.DryRun = f.dryRun
	return &cfg, nil
}

// --- View ---

// View renders the active form or validation screen.
func (m Model) View() string {
	style := lipgloss.NewStyle().
		Padding(1, 2).
		Width(m.width).
		Height(m.height)

	switch m.mode {
	case ModeFormMailbox, ModeFormAPIKey, ModeFormRules, ModeFormSettings:
		if m.form == nil {
			return ""
		}
		return style.Render(m.form.View())
	case ModeValidating:
		return style.Render(fmt.Sprintf(
			"%s Testing mailbox login...\n\nPress esc to cancel.",
			m.spinner.View(),
		))
	case ModeValidateResult:
		return style.Render(m.viewValidateResult())
	default:
		return ""
	}
}

func (m Model) viewValidateResult() string {
	hint := lipgloss.NewStyle().Foreground(theme.ColorGray)

	if m.validError != nil {
		errStyle := lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorRed)
		return errStyle.Render("Login failed") + "\n\n" +
			m.validError.Error() + "\n\n" +
			hint.Render("r retry | enter/esc back")
	}

	okStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorGreen)
	return okStyle.Render("Login successful") + "\n\n" +
		fmt.Sprintf("%d unread message(s) in INBOX", m.validUnread) + "\n\n" +
		hint.Render("enter/esc back")
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m Model) formWidth() int {
	w := m.width - 4
	if w > 80 {
		w = 80
	}
	if w < 30 {
		w = 30
	}
	return w
}

// --- Validators ---

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateAddress(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("email address is required")
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " <>") {
		return fmt.Errorf("enter a bare address like you@gmail.com")
	}
	return nil
}

func validatePort(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("port is required")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validatePositiveInt(fieldName string) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive number", fieldName)
		}
		return nil
	}
}
