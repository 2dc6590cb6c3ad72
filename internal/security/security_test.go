package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/security"
)

func TestTokenService(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)

	t.Run("RoundTrip", func(t *testing.T) {
		tok, err := svc.CreateForUser("alice")
		require.NoError(t, err)

		uid, err := svc.UserID(tok)
		require.NoError(t, err)
		assert.Equal(t, "alice", uid)
	})

	t.Run("Expired", func(t *testing.T) {
		tok, err := svc.CreateWithTTL("alice", -time.Minute)
		require.NoError(t, err)

		_, err = svc.UserID(tok)
		assert.Error(t, err)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := security.NewTokenService("other", time.Hour)
		tok, err := other.CreateForUser("alice")
		require.NoError(t, err)

		_, err = svc.UserID(tok)
		assert.Error(t, err)
	})
}

func TestEncryptor(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("test-key"), nil)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", sealed)

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	empty, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	_, err = enc.Decrypt("not-encrypted")
	assert.Error(t, err)

	_, err = security.NewEncryptor(nil, nil)
	assert.Error(t, err)
}
