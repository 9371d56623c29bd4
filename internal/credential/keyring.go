package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/nhle/mailtriage/internal/model"
)

const serviceName = "mailtriage"

// Keyring item keys.
const (
	KeyMailboxPassword = "imap-password"
	KeyAnalysisAPIKey  = "gemini-api-key"
)

// Environment overrides, checked before the keyring.
const (
	EnvMailboxPassword = "MAILTRIAGE_PASSWORD"
	EnvAnalysisAPIKey  = "GEMINI_API_KEY"
)

// ErrNotFound is returned when a secret is neither in the environment
// nor in the keyring.
var ErrNotFound = errors.New("credential not found")

// openRing is swapped out in tests.
var openRing = openKeyring

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(model.ConfigDir(), "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("mailtriage-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openRing()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openRing()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openRing()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Resolve returns the secret from envVar when set, otherwise from the
// keyring. An empty stored value counts as missing.
func Resolve(key, envVar string) (string, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}

	v, err := Get(key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	return v, nil
}

// Secrets is the pair of secrets a triage run needs. Missing values are
// left empty; validation reports them by name.
type Secrets struct {
	MailboxPassword string
	AnalysisAPIKey  string
}

// LoadSecrets resolves both secrets. Only errors other than "not found"
// are returned.
func LoadSecrets() (Secrets, error) {
	var s Secrets

	pw, err := Resolve(KeyMailboxPassword, EnvMailboxPassword)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return s, err
	}
	s.MailboxPassword = pw

	key, err := Resolve(KeyAnalysisAPIKey, EnvAnalysisAPIKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return s, err
	}
	s.AnalysisAPIKey = key

	return s, nil
}
