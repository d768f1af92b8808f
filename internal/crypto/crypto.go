// ABOUTME: AES-256-GCM helpers for notification channel config at rest
// ABOUTME: Key material is derived from the configured secret via SHA-256

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmptyKey         = errors.New("empty encryption key")
	ErrMalformedPayload = errors.New("malformed encrypted payload")
)

// deriveKey stretches an arbitrary secret into a 32-byte AES key.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce is prepended to
// the ciphertext and the whole blob base64-encoded for text column storage.
func Encrypt(plaintext, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptyKey
	}

	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptyKey
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedPayload
	}

	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", ErrMalformedPayload
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed payload: %w", err)
	}
	return string(plaintext), nil
}
