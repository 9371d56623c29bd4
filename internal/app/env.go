package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/ai"
	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/email"
	"github.com/nhle/mailtriage/internal/logsink"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/reply"
	"github.com/nhle/mailtriage/internal/store"
	"github.com/nhle/mailtriage/internal/triage"
)

// Env bundles what both the terminal UI and the headless runner need.
type Env struct {
	ConfigPath string
	Config     *model.AppConfig
	Store      store.RuleStore
	Rules      *model.LiveRules
	Sink       *logsink.Sink
	Logger     *zap.Logger

	// Secrets and Factory default to the keyring and the real mail and
	// analysis clients.
	Secrets func() (credential.Secrets, error)
	Factory triage.DepsFactory
}

func (e *Env) secrets() (credential.Secrets, error) {
	if e.Secrets != nil {
		return e.Secrets()
	}
	return credential.LoadSecrets()
}

func (e *Env) factory() triage.DepsFactory {
	if e.Factory != nil {
		return e.Factory
	}
	return NewDepsFactory(e.Rules, e.Logger)
}

// Snapshot builds the immutable run configuration from the current
// settings and stored secrets.
func (e *Env) Snapshot() (model.TriageConfig, error) {
	secrets, err := e.secrets()
	if err != nil {
		return model.TriageConfig{}, fmt.Errorf("loading secrets: %w", err)
	}
	return e.Config.Snapshot(secrets.MailboxPassword, secrets.AnalysisAPIKey), nil
}

// NewController returns a controller wired to the env's factory.
func (e *Env) NewController() *triage.Controller {
	return triage.NewController(e.factory())
}

// NewDepsFactory wires the IMAP, Gemini and SMTP clients for one run.
func NewDepsFactory(rules *model.LiveRules, logger *zap.Logger) triage.DepsFactory {
	return func(cfg model.TriageConfig) (triage.Deps, error) {
		marker := ""
		if len(cfg.ReplyMarkers) > 0 {
			marker = cfg.ReplyMarkers[0]
		}

		return triage.Deps{
			Mailbox:    email.NewMailbox(),
			Decoder:    email.NewDecoder(cfg.BodyExcerptChars),
			Analyzer:   ai.New(cfg.APIKey, cfg.Analysis, marker),
			Extractor:  reply.NewExtractor(cfg.ReplyMarkers...),
			Dispatcher: email.NewDispatcher(),
			Rules:      rules,
			Logger:     logger,
		}, nil
	}
}
