package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MailboxConfig holds the non-secret connection settings for the mailbox.
// The password lives in the keyring (see package credential).
type MailboxConfig struct {
	// Address is the login name and the From address of replies.
	Address string `mapstructure:"address" yaml:"address"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`

	// IMAPTLS selects implicit TLS (993). When false the session is
	// upgraded with STARTTLS instead.
	IMAPTLS bool `mapstructure:"imap_tls" yaml:"imap_tls"`

	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port"`
}

// AnalysisConfig holds settings for the language-model analysis service.
type AnalysisConfig struct {
	// Endpoint is the API base URL, e.g. https://generativelanguage.googleapis.com/v1beta.
	Endpoint        string  `mapstructure:"endpoint" yaml:"endpoint"`
	Model           string  `mapstructure:"model" yaml:"model"`
	Temperature     float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP            float64 `mapstructure:"top_p" yaml:"top_p"`
	TopK            int     `mapstructure:"top_k" yaml:"top_k"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	TimeoutSec      int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// TriageSettings controls the polling loop.
type TriageSettings struct {
	PollIntervalSec  int      `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	SubIntervalMS    int      `mapstructure:"sub_interval_ms" yaml:"sub_interval_ms"`
	BodyExcerptChars int      `mapstructure:"body_excerpt_chars" yaml:"body_excerpt_chars"`
	ReplyMarkers     []string `mapstructure:"reply_markers" yaml:"reply_markers"`

	// DryRun logs reply decisions without sending them.
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	File        string `mapstructure:"file" yaml:"file"`
	BufferLines int    `mapstructure:"buffer_lines" yaml:"buffer_lines"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Triage   TriageSettings `mapstructure:"triage" yaml:"triage"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`

	// DBPath is the SQLite file holding the rule text.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// Default reply markers: the same label with an ASCII and a full-width colon.
var DefaultReplyMarkers = []string{"回复内容:", "回复内容："}

// envPrefix is prepended to every environment override, e.g.
// MAILTRIAGE_MAILBOX_ADDRESS.
const envPrefix = "MAILTRIAGE"

// ConfigDir returns ~/.config/mailtriage, falling back to the working
// directory when the home directory is unknown.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailtriage")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailtriage/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultAppConfig returns a configuration for a Gmail mailbox with the
// analysis settings the service was tuned with.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Mailbox: MailboxConfig{
			IMAPHost: "imap.gmail.com",
			IMAPPort: 993,
			IMAPTLS:  true,
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Analysis: AnalysisConfig{
			Endpoint:        "https://generativelanguage.googleapis.com/v1beta",
			Model:           "gemini-2.0-flash",
			Temperature:     0.7,
			TopP:            0.8,
			TopK:            40,
			MaxOutputTokens: 1024,
			TimeoutSec:      60,
		},
		Triage: TriageSettings{
			PollIntervalSec:  60,
			SubIntervalMS:    1000,
			BodyExcerptChars: 500,
			ReplyMarkers:     append([]string(nil), DefaultReplyMarkers...),
		},
		Log: LogConfig{
			Level:       "info",
			BufferLines: 1000,
		},
		DBPath: filepath.Join(ConfigDir(), "mailtriage.db"),
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultAppConfig()

	v.SetDefault("mailbox.address", d.Mailbox.Address)
	v.SetDefault("mailbox.imap_host", d.Mailbox.IMAPHost)
	v.SetDefault("mailbox.imap_port", d.Mailbox.IMAPPort)
	v.SetDefault("mailbox.imap_tls", d.Mailbox.IMAPTLS)
	v.SetDefault("mailbox.smtp_host", d.Mailbox.SMTPHost)
	v.SetDefault("mailbox.smtp_port", d.Mailbox.SMTPPort)

	v.SetDefault("analysis.endpoint", d.Analysis.Endpoint)
	v.SetDefault("analysis.model", d.Analysis.Model)
	v.SetDefault("analysis.temperature", d.Analysis.Temperature)
	v.SetDefault("analysis.top_p", d.Analysis.TopP)
	v.SetDefault("analysis.top_k", d.Analysis.TopK)
	v.SetDefault("analysis.max_output_tokens", d.Analysis.MaxOutputTokens)
	v.SetDefault("analysis.timeout_sec", d.Analysis.TimeoutSec)

	v.SetDefault("triage.poll_interval_sec", d.Triage.PollIntervalSec)
	v.SetDefault("triage.sub_interval_ms", d.Triage.SubIntervalMS)
	v.SetDefault("triage.body_excerpt_chars", d.Triage.BodyExcerptChars)
	v.SetDefault("triage.reply_markers", d.Triage.ReplyMarkers)
	v.SetDefault("triage.dry_run", d.Triage.DryRun)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.buffer_lines", d.Log.BufferLines)

	v.SetDefault("db_path", d.DBPath)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILTRIAGE_ override file values.
// If the file does not exist, defaults (plus overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		_, pathErr := err.(*os.PathError)
		if !notFound && !pathErr {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(cfg.Triage.ReplyMarkers) == 0 {
		cfg.Triage.ReplyMarkers = append([]string(nil), DefaultReplyMarkers...)
	}
	if cfg.Triage.PollIntervalSec <= 0 {
		cfg.Triage.PollIntervalSec = 60
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("mailbox", cfg.Mailbox)
	v.Set("analysis", cfg.Analysis)
	v.Set("triage", cfg.Triage)
	v.Set("log", cfg.Log)
	v.Set("db_path", cfg.DBPath)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Snapshot freezes the configuration together with the resolved secrets
// into the value handed to a triage loop at start.
func (c *AppConfig) Snapshot(password, apiKey string) TriageConfig {
	sub := time.Duration(c.Triage.SubIntervalMS) * time.Millisecond
	if sub <= 0 {
		sub = time.Second
	}

	return TriageConfig{
		Credentials: MailboxCredentials{
			Address:  strings.TrimSpace(c.Mailbox.Address),
			Secret:   password,
			IMAPHost: c.Mailbox.IMAPHost,
			IMAPPort: c.Mailbox.IMAPPort,
			IMAPTLS:  c.Mailbox.IMAPTLS,
			SMTPHost: c.Mailbox.SMTPHost,
			SMTPPort: c.Mailbox.SMTPPort,
		},
		APIKey:           strings.TrimSpace(apiKey),
		Analysis:         c.Analysis,
		PollInterval:     time.Duration(c.Triage.PollIntervalSec) * time.Second,
		SubInterval:      sub,
		BodyExcerptChars: c.Triage.BodyExcerptChars,
		ReplyMarkers:     append([]string(nil), c.Triage.ReplyMarkers...),
		DryRun:           c.Triage.DryRun,
	}
}
