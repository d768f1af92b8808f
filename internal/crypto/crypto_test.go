// ABOUTME: Tests for AES-256-GCM channel config encryption
// ABOUTME: Covers round trips, wrong keys and malformed payloads

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := `{"bot_token":"123:abc","chat_id":"-100200300"}`

	encrypted, err := Encrypt(plaintext, "secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := Decrypt(encrypted, "secret-key")
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_NonceMakesCiphertextUnique(t *testing.T) {
	first, err := Encrypt("same input", "key")
	require.NoError(t, err)
	second, err := Encrypt("same input", "key")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecrypt_WrongKey(t *testing.T) {
	encrypted, err := Encrypt("payload", "right-key")
	require.NoError(t, err)

	_, err = Decrypt(encrypted, "wrong-key")
	require.Error(t, err)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := Encrypt("payload", "")
	require.ErrorIs(t, err, ErrEmptyKey)

	_, err = Decrypt("whatever", "")
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestDecrypt_MalformedPayload(t *testing.T) {
	t.Run("not base64", func(t *testing.T) {
		_, err := Decrypt("!!not-base64!!", "key")
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("too short for nonce", func(t *testing.T) {
		_, err := Decrypt("YWJj", "key") // "abc"
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		encrypted, err := Encrypt("payload", "key")
		require.NoError(t, err)
		tampered := encrypted[:len(encrypted)-4] + "AAAA"
		_, err = Decrypt(tampered, "key")
		require.Error(t, err)
	})
}

func TestEmptyPlaintext(t *testing.T) {
	encrypted, err := Encrypt("", "key")
	require.NoError(t, err)
	decrypted, err := Decrypt(encrypted, "key")
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}
