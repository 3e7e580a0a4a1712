package vault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillio/keyvault/pkg/crypto"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func fastParams() crypto.Argon2Parameters {
	return crypto.Argon2Parameters{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLength: 32}
}

func TestNewCryptoRequiresMasterKey(t *testing.T) {
	_, err := NewCrypto(nil)
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCrypto(testKey, WithArgon2Parameters(fastParams()))
	require.NoError(t, err)

	envelope, err := c.EncryptString("sk-groq-abc123")
	require.NoError(t, err)
	require.NotEqual(t, "sk-groq-abc123", envelope)

	plaintext, err := c.DecryptString(envelope)
	require.NoError(t, err)
	require.Equal(t, "sk-groq-abc123", plaintext)
}

func TestEncryptEmptyIsPassthrough(t *testing.T) {
	c, err := NewCrypto(testKey, WithArgon2Parameters(fastParams()))
	require.NoError(t, err)

	envelope, err := c.EncryptString("")
	require.NoError(t, err)
	require.Empty(t, envelope)

	plaintext, err := c.DecryptString("")
	require.NoError(t, err)
	require.Empty(t, plaintext)
}

func TestEncryptSkipsAlreadySealedInput(t *testing.T) {
	c, err := NewCrypto(testKey, WithArgon2Parameters(fastParams()))
	require.NoError(t, err)

	envelope, err := c.EncryptString("sk-openai-xyz")
	require.NoError(t, err)

	again, err := c.EncryptString(envelope)
	require.NoError(t, err)
	require.Equal(t, envelope, again)

	plaintext, err := c.DecryptString(again)
	require.NoError(t, err)
	require.Equal(t, "sk-openai-xyz", plaintext)
}

func TestDecryptFailureIsRecoverable(t *testing.T) {
	c, err := NewCrypto(testKey, WithArgon2Parameters(fastParams()))
	require.NoError(t, err)

	_, err = c.DecryptString("garbage")
	require.ErrorIs(t, err, ErrDecryptFailed)

	other, err := NewCrypto([]byte("ffffffffffffffffffffffffffffffff"), WithArgon2Parameters(fastParams()))
	require.NoError(t, err)

	envelope, err := c.EncryptString("secret")
	require.NoError(t, err)

	_, err = other.DecryptString(envelope)
	require.True(t, errors.Is(err, ErrDecryptFailed))
}

func TestWithSaltChangesDerivedKey(t *testing.T) {
	base, err := NewCrypto(testKey, WithArgon2Parameters(fastParams()))
	require.NoError(t, err)

	salted, err := NewCrypto(testKey,
		WithArgon2Parameters(fastParams()),
		WithSalt([]byte("0123456789abcdef")))
	require.NoError(t, err)

	require.NotEqual(t, base.Key(), salted.Key())

	_, err = NewCrypto(testKey, WithArgon2Parameters(fastParams()), WithSalt([]byte("short")))
	require.Error(t, err)
}
