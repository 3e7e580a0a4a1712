package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// EnvelopeSeparator splits the hex-encoded nonce from the hex-encoded
// ciphertext inside a sealed envelope.
const EnvelopeSeparator = ":"

// ErrMalformedEnvelope indicates the payload does not follow the
// nonce:ciphertext envelope encoding.
var ErrMalformedEnvelope = errors.New("crypto: malformed envelope")

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce and
// returns the envelope "hex(nonce):hex(ciphertext)". The nonce is generated
// per call and never reused for the same key.
func Seal(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(nonce) + EnvelopeSeparator + hex.EncodeToString(ciphertext), nil
}

// Open decrypts an envelope produced by Seal.
func Open(envelope string, key []byte) ([]byte, error) {
	nonce, ciphertext, err := splitEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, ErrMalformedEnvelope
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// IsEnvelope reports whether the value already carries the envelope encoding.
// Callers use it to avoid sealing an already-sealed payload twice.
func IsEnvelope(value string) bool {
	nonce, ciphertext, err := splitEnvelope(value)
	if err != nil {
		return false
	}
	// GCM nonces are 12 bytes; the ciphertext always carries the 16 byte tag.
	return len(nonce) == 12 && len(ciphertext) >= 16
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func splitEnvelope(envelope string) (nonce, ciphertext []byte, err error) {
	head, tail, found := strings.Cut(envelope, EnvelopeSeparator)
	if !found || head == "" || tail == "" {
		return nil, nil, ErrMalformedEnvelope
	}

	nonce, err = hex.DecodeString(head)
	if err != nil {
		return nil, nil, ErrMalformedEnvelope
	}
	ciphertext, err = hex.DecodeString(tail)
	if err != nil {
		return nil, nil, ErrMalformedEnvelope
	}
	return nonce, ciphertext, nil
}
