package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the global keybindings for the application.
type KeyMap struct {
	// Loop control
	Start key.Binding
	Stop  key.Binding

	// Configuration
	Mailbox  key.Binding
	APIKey   key.Binding
	Rules    key.Binding
	Settings key.Binding

	// Log scrolling
	Up     key.Binding
	Down   key.Binding
	Top    key.Binding
	Bottom key.Binding
	Clear  key.Binding

	// Back / Quit
	Back key.Binding
	Quit key.Binding

	// Help toggle
	Help key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Start: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start triage"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop triage"),
		),
		Mailbox: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "mailbox settings"),
		),
		APIKey: key.NewBinding(
			key.WithKeys("k"),
			key.WithHelp("k", "analysis API key"),
		),
		Rules: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "edit rules"),
		),
		Settings: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "poll interval"),
		),
		Up: key.NewBinding(
			key.WithKeys("up"),
			key.WithHelp("↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down"),
			key.WithHelp("↓", "scroll down"),
		),
		Top: key.NewBinding(
			key.WithKeys("g", "home"),
			key.WithHelp("g", "oldest"),
		),
		Bottom: key.NewBinding(
			key.WithKeys("G", "end"),
			key.WithHelp("G", "follow"),
		),
		Clear: key.NewBinding(
			key.WithKeys("L"),
			key.WithHelp("L", "clear log"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
	}
}

// ShortHelp returns the most essential keybindings for the compact help view.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.Start, k.Stop, k.Mailbox, k.Rules,
		k.Quit, k.Help,
	}
}

// FullHelp returns all keybindings grouped by category for the expanded
// help view.
func (k *KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Start, k.Stop, k.Quit, k.Help},
		{k.Mailbox, k.APIKey, k.Rules, k.Settings},
		{k.Up, k.Down, k.Top, k.Bottom, k.Clear},
	}
}
