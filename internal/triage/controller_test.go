package triage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/triage"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, triage.Validate(validConfig()))

	err := triage.Validate(model.TriageConfig{})
	var cfgErr *triage.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{
		"mailbox address",
		"mailbox password",
		"IMAP server",
		"SMTP server",
		"analysis API key",
		"poll interval",
	}, cfgErr.Missing)

	cfg := validConfig()
	cfg.APIKey = "  "
	err = triage.Validate(cfg)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"analysis API key"}, cfgErr.Missing)
	assert.Contains(t, err.Error(), "analysis API key")
}

func TestScopeOf(t *testing.T) {
	auth := &triage.AuthError{Server: "imap.gmail.com", Message: "no"}

	tests := []struct {
		name string
		err  error
		want triage.Scope
	}{
		{"auth", auth, triage.ScopeFatal},
		{"wrapped auth", errors.Join(errors.New("login"), auth), triage.ScopeFatal},
		{"connection", &triage.ConnectionError{Op: "dial", Err: errors.New("x")}, triage.ScopeIteration},
		{"unknown", errors.New("boom"), triage.ScopeIteration},
		{"fetch", &triage.FetchError{ID: 1, Err: errors.New("x")}, triage.ScopeMessage},
		{"decode", &triage.DecodeError{Err: errors.New("x")}, triage.ScopeMessage},
		{"classifier", &triage.ClassifierError{Err: errors.New("x")}, triage.ScopeMessage},
		{"outbound auth", &triage.DispatchError{Recipient: "a@b", Err: auth}, triage.ScopeMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, triage.ScopeOf(tt.err))
		})
	}
}

func TestController_RefusesIncompleteConfig(t *testing.T) {
	called := false
	c := triage.NewController(func(model.TriageConfig) (triage.Deps, error) {
		called = true
		return triage.Deps{}, nil
	})

	cfg := validConfig()
	cfg.Credentials.Secret = ""

	_, err := c.Start(cfg)
	var cfgErr *triage.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, called)
	assert.False(t, c.Running())
	assert.Nil(t, c.Current())
}

func TestController_FactoryError(t *testing.T) {
	c := triage.NewController(func(model.TriageConfig) (triage.Deps, error) {
		return triage.Deps{}, errors.New("no keyring")
	})

	_, err := c.Start(validConfig())
	assert.ErrorContains(t, err, "no keyring")
	assert.False(t, c.Running())
}

func TestController_RestartAfterAuthFailure(t *testing.T) {
	f := newFixture()
	f.session.ids = nil
	f.mailbox.openErrs = []error{
		&triage.AuthError{Server: "imap.gmail.com", Message: "Invalid credentials"},
	}

	c := triage.NewController(func(model.TriageConfig) (triage.Deps, error) {
		return f.deps, nil
	})

	first, err := c.Start(validConfig())
	require.NoError(t, err)
	waitDone(t, first, 2*time.Second)
	assert.False(t, c.Running())

	// The stopped loop is replaced, not restarted.
	second, err := c.Start(validConfig())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.RunID(), second.RunID())
	assert.True(t, c.Running())
	assert.Same(t, second, c.Current())

	_, err = c.Start(validConfig())
	assert.ErrorIs(t, err, triage.ErrAlreadyRunning)

	waitForReport(t, c.Events(), 2*time.Second)

	c.Stop()
	waitDone(t, second, 2*time.Second)
	assert.False(t, c.Running())
	assert.Equal(t, triage.StateStopped, first.State())
}

func TestController_StopWithoutLoop(t *testing.T) {
	c := triage.NewController(nil)
	assert.NotPanics(t, c.Stop)
	assert.False(t, c.Running())
}
