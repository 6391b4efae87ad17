package krypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the byte length of every XChaCha20-Poly1305 key used in this module.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the byte length of the extended (X) nonce: 24 bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrAuthFailed is returned by Decrypt whenever the authentication tag or
// associated data fails to verify. Callers must surface this generically
// rather than distinguishing "wrong key" from "tampered ciphertext" from
// "wrong AAD".
var ErrAuthFailed = errors.New("krypto: authentication failed")

// Encrypt seals plaintext under key with the given associated data, sampling a
// fresh 24-byte nonce from the CSPRNG. Callers must never reuse a (key, nonce)
// pair; every call samples its own nonce, so sequential calls with the same
// key are safe.
func Encrypt(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("xchacha20poly1305 requires a %d-byte key", KeySize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create aead: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext (nonce-independent, includes the trailing 16-byte
// Poly1305 tag) under key, nonce, and aad. Any failure, bad key or nonce
// length, a mismatched tag, or mismatched aad, surfaces as ErrAuthFailed so
// callers cannot distinguish the cause.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrAuthFailed
	}
	if len(nonce) != NonceSize {
		return nil, ErrAuthFailed
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrAuthFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
