package krypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SaltLengthBytes is the length of the server-provided Argon2id salt.
const SaltLengthBytes = 16

// Argon2Params captures tunable parameters for Argon2id.
type Argon2Params struct {
	MemoryMB    uint32
	Time        uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

// DefaultArgon2Params returns the fixed parameter set used for password
// derivation: t=3, m=512 MiB, p=1, a 256-bit key from a 16-byte salt.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryMB:    512,
		Time:        3,
		Parallelism: 1,
		SaltLen:     SaltLengthBytes,
		KeyLen:      32,
	}
}

// DeriveKeyArgon2id derives a key using Argon2id with the provided parameters.
// salt is always supplied by the caller; this package never invents one for
// password derivation.
func DeriveKeyArgon2id(password []byte, salt []byte, p Argon2Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is required")
	}
	if p.SaltLen > 0 && len(salt) != p.SaltLen {
		return nil, fmt.Errorf("salt must be %d bytes", p.SaltLen)
	}
	if p.KeyLen == 0 {
		return nil, errors.New("key length must be positive")
	}
	if p.MemoryMB == 0 {
		return nil, errors.New("memory parameter must be positive")
	}
	if p.Time == 0 {
		return nil, errors.New("time parameter must be positive")
	}

	memoryKB := p.MemoryMB * 1024
	key := argon2.IDKey(password, salt, p.Time, memoryKB, uint8(p.Parallelism), p.KeyLen)
	if uint32(len(key)) != p.KeyLen {
		return nil, fmt.Errorf("derived key has unexpected length %d", len(key))
	}
	return key, nil
}

// NewRandomSalt returns a cryptographically secure random salt of length n
// bytes (SaltLengthBytes when n <= 0).
func NewRandomSalt(n int) ([]byte, error) {
	if n <= 0 {
		n = SaltLengthBytes
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
