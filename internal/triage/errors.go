package triage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nhle/mailtriage/internal/model"
)

// AuthError indicates that a mail server rejected the configured
// credentials. Retrying with the same credentials cannot succeed.
type AuthError struct {
	Server  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Server, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectionError is a transport-level failure opening or using a
// mailbox session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError is a failure retrieving one message.
type FetchError struct {
	ID  model.MessageID
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching message %d: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError is a malformed message payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ClassifierError is a failed call to the analysis service.
type ClassifierError struct {
	Err error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("analysis failed: %v", e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

// DispatchError is a failed outbound reply.
type DispatchError struct {
	Recipient string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("sending reply to %s: %v", e.Recipient, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ConfigError lists the settings missing from a snapshot.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "configuration incomplete: missing " + strings.Join(e.Missing, ", ")
}

// Scope is how far a failure reaches.
type Scope int

const (
	// ScopeMessage skips the current message only.
	ScopeMessage Scope = iota
	// ScopeIteration abandons the rest of the current poll.
	ScopeIteration
	// ScopeFatal stops the loop.
	ScopeFatal
)

func (s Scope) String() string {
	switch s {
	case ScopeMessage:
		return "message"
	case ScopeIteration:
		return "iteration"
	case ScopeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ScopeOf classifies an error returned by a loop step. Message-level kinds
// are checked first so that an AuthError wrapped inside a DispatchError
// (outbound login rejected) stays per-message. Unknown errors abort the
// iteration.
func ScopeOf(err error) Scope {
	var (
		fetchErr    *FetchError
		decodeErr   *DecodeError
		classErr    *ClassifierError
		dispatchErr *DispatchError
	)

	switch {
	case errors.As(err, &dispatchErr),
		errors.As(err, &fetchErr),
		errors.As(err, &decodeErr),
		errors.As(err, &classErr):
		return ScopeMessage
	case IsAuthError(err):
		return ScopeFatal
	default:
		return ScopeIteration
	}
}

// Validate checks that cfg carries everything a loop needs before it
// starts.
func Validate(cfg model.TriageConfig) error {
	var missing []string

	if strings.TrimSpace(cfg.Credentials.Address) == "" {
		missing = append(missing, "mailbox address")
	}
	if cfg.Credentials.Secret == "" {
		missing = append(missing, "mailbox password")
	}
	if strings.TrimSpace(cfg.Credentials.IMAPHost) == "" || cfg.Credentials.IMAPPort <= 0 {
		missing = append(missing, "IMAP server")
	}
	if strings.TrimSpace(cfg.Credentials.SMTPHost) == "" || cfg.Credentials.SMTPPort <= 0 {
		missing = append(missing, "SMTP server")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "analysis API key")
	}
	if cfg.PollInterval <= 0 {
		missing = append(missing, "poll interval")
	}

	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}
