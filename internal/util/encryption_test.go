package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecrypt(t *testing.T) {
	t.Run("round trips a secret", func(t *testing.T) {
		sealed, err := Encrypt(testKey, "relay-password")
		require.NoError(t, err)
		assert.NotContains(t, sealed, "relay-password")

		plain, err := Decrypt(testKey, sealed)
		require.NoError(t, err)
		assert.Equal(t, "relay-password", plain)
	})

	t.Run("uses a fresh nonce each time", func(t *testing.T) {
		a, _ := Encrypt(testKey, "same")
		b, _ := Encrypt(testKey, "same")
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects short keys", func(t *testing.T) {
		_, err := Encrypt("abcd", "x")
		assert.Error(t, err)
	})

	t.Run("rejects tampered ciphertext", func(t *testing.T) {
		sealed, err := Encrypt(testKey, "secret")
		require.NoError(t, err)

		otherKey := "ff0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
		_, err = Decrypt(otherKey, sealed)
		assert.Error(t, err)
	})

	t.Run("rejects truncated ciphertext", func(t *testing.T) {
		_, err := Decrypt(testKey, "AAAA")
		assert.Error(t, err)
	})
}
