package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useArrayKeyring swaps the backend for an in-memory keyring.
func useArrayKeyring(t *testing.T, items ...keyring.Item) *keyring.ArrayKeyring {
	t.Helper()

	ring := keyring.NewArrayKeyring(items)
	prev := openRing
	openRing = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openRing = prev })

	return ring
}

func TestSetGetDelete(t *testing.T) {
	useArrayKeyring(t)

	require.NoError(t, Set(KeyMailboxPassword, "app-password"))

	got, err := Get(KeyMailboxPassword)
	require.NoError(t, err)
	assert.Equal(t, "app-password", got)

	require.NoError(t, Delete(KeyMailboxPassword))
	_, err = Get(KeyMailboxPassword)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, Delete(KeyMailboxPassword))
}

func TestResolve_EnvWins(t *testing.T) {
	useArrayKeyring(t, keyring.Item{Key: KeyAnalysisAPIKey, Data: []byte("from-ring")})

	t.Setenv(EnvAnalysisAPIKey, "from-env")
	got, err := Resolve(KeyAnalysisAPIKey, EnvAnalysisAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	t.Setenv(EnvAnalysisAPIKey, "")
	got, err = Resolve(KeyAnalysisAPIKey, EnvAnalysisAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "from-ring", got)
}

func TestLoadSecrets_Missing(t *testing.T) {
	useArrayKeyring(t, keyring.Item{Key: KeyMailboxPassword, Data: []byte("pw")})
	t.Setenv(EnvMailboxPassword, "")
	t.Setenv(EnvAnalysisAPIKey, "")

	s, err := LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "pw", s.MailboxPassword)
	assert.Empty(t, s.AnalysisAPIKey)
}
