package vault

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/quillio/keyvault/pkg/crypto"
)

const defaultSaltLength = 16

// ErrDecryptFailed wraps any failure to recover a plaintext secret. Callers
// treat it as "no usable secret", never as a fatal condition: the master key
// may have rotated underneath stored data, or a row may be corrupted.
var ErrDecryptFailed = errors.New("vault crypto: decrypt failed")

// Crypto seals and opens credential secrets with a key derived from the
// configured master secret. The derived key is immutable for the lifetime of
// the instance.
type Crypto struct {
	key    []byte
	salt   []byte
	params crypto.Argon2Parameters
}

type cryptoConfig struct {
	params crypto.Argon2Parameters
	salt   []byte
}

// Option configures the vault crypto helper.
type Option func(*cryptoConfig)

// WithSalt overrides the salt used for Argon2 key derivation.
func WithSalt(salt []byte) Option {
	cp := make([]byte, len(salt))
	copy(cp, salt)
	return func(cfg *cryptoConfig) {
		cfg.salt = cp
	}
}

// WithArgon2Parameters overrides the Argon2 parameters used during key derivation.
func WithArgon2Parameters(params crypto.Argon2Parameters) Option {
	return func(cfg *cryptoConfig) {
		cfg.params = params
	}
}

// NewCrypto derives an AES-256 key from the provided master key using
// Argon2id. The master key is injected by the caller; there is no package
// level key state.
func NewCrypto(masterKey []byte, opts ...Option) (*Crypto, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("vault crypto: master key is required")
	}

	cfg := cryptoConfig{
		params: crypto.DefaultArgon2Params(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.salt) == 0 {
		cfg.salt = deriveSalt(masterKey)
	} else if len(cfg.salt) < defaultSaltLength {
		return nil, fmt.Errorf("vault crypto: salt must be at least %d bytes (got %d)", defaultSaltLength, len(cfg.salt))
	}

	derived, err := crypto.DeriveKeyArgon2id(masterKey, cfg.salt, cfg.params)
	if err != nil {
		return nil, fmt.Errorf("vault crypto: derive key: %w", err)
	}

	return &Crypto{
		key:    derived,
		salt:   append([]byte(nil), cfg.salt...),
		params: cfg.params,
	}, nil
}

// EncryptString seals a plaintext secret into the nonce:ciphertext envelope.
// Empty input passes through as an empty envelope, and input that already
// carries the envelope encoding is returned untouched so repeated saves never
// double-encrypt.
func (c *Crypto) EncryptString(plaintext string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.New("vault crypto: key is not initialised")
	}
	if plaintext == "" {
		return "", nil
	}
	if crypto.IsEnvelope(plaintext) {
		return plaintext, nil
	}
	return crypto.Seal([]byte(plaintext), c.key)
}

// DecryptString opens an envelope produced by EncryptString. All failure
// modes (malformed envelope, wrong key, corrupted ciphertext) collapse into
// ErrDecryptFailed.
func (c *Crypto) DecryptString(envelope string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.New("vault crypto: key is not initialised")
	}
	if envelope == "" {
		return "", nil
	}

	plaintext, err := crypto.Open(envelope, c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// Key returns a copy of the derived key bytes.
func (c *Crypto) Key() []byte {
	return append([]byte(nil), c.key...)
}

// Salt returns a copy of the salt used during derivation.
func (c *Crypto) Salt() []byte {
	return append([]byte(nil), c.salt...)
}

func deriveSalt(masterKey []byte) []byte {
	sum := sha256.Sum256(masterKey)
	return sum[:defaultSaltLength]
}
