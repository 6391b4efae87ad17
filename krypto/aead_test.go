package krypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucidvault/vaultcore/krypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, krypto.KeySize)
	plaintext := []byte("hello vault")
	aad := []byte("manifest_v1|user|vault")

	nonce, ciphertext, err := krypto.Encrypt(key, plaintext, aad)
	require.NoError(t, err)
	require.Len(t, nonce, krypto.NonceSize)

	got, err := krypto.Decrypt(key, nonce, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptWrongKeyFailsGenerically(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, krypto.KeySize)
	wrongKey := bytes.Repeat([]byte{0x02}, krypto.KeySize)
	aad := []byte("aad")

	nonce, ciphertext, err := krypto.Encrypt(key, []byte("secret"), aad)
	require.NoError(t, err)

	_, err = krypto.Decrypt(wrongKey, nonce, ciphertext, aad)
	require.ErrorIs(t, err, krypto.ErrAuthFailed)
}

func TestDecryptWrongAADFailsGenerically(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, krypto.KeySize)

	nonce, ciphertext, err := krypto.Encrypt(key, []byte("secret"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = krypto.Decrypt(key, nonce, ciphertext, []byte("aad-b"))
	require.ErrorIs(t, err, krypto.ErrAuthFailed)
}

func TestDecryptTamperedCiphertextFailsGenerically(t *testing.T) {
	key := bytes.Repeat([]byte{0x04}, krypto.KeySize)

	nonce, ciphertext, err := krypto.Encrypt(key, []byte("secret"), nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	_, err = krypto.Decrypt(key, nonce, tampered, nil)
	require.ErrorIs(t, err, krypto.ErrAuthFailed)
}

func TestEncryptNeverReusesNonce(t *testing.T) {
	key := bytes.Repeat([]byte{0x05}, krypto.KeySize)

	nonce1, _, err := krypto.Encrypt(key, []byte("a"), nil)
	require.NoError(t, err)
	nonce2, _, err := krypto.Encrypt(key, []byte("a"), nil)
	require.NoError(t, err)

	require.NotEqual(t, nonce1, nonce2)
}
