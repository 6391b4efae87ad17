package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lucidvault/vaultcore/krypto"
)

// Envelope is the wire form PUT/stored at /vault/manifest: the
// server-visible version counter plus a base64-encoded nonce and AEAD
// output (ciphertext with the trailing 16-byte tag).
type Envelope struct {
	Version    uint64 `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// AAD builds the associated-data string bound into a manifest envelope's
// authentication tag: "manifest_v1|<user_id>|<vault_id>".
func AAD(userID, vaultID string) []byte {
	return []byte("manifest_v1|" + userID + "|" + vaultID)
}

// Encode serializes m to JSON and seals it under mak with the given aad,
// producing the wire Envelope. The plaintext JSON buffer and the raw
// nonce/ciphertext are wiped before Encode returns; only the base64
// strings, non-sensitive once sealed, survive in the result.
func Encode(m Manifest, mak []byte, aad []byte) (Envelope, error) {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal manifest: %w", err)
	}
	defer krypto.Wipe(plaintext)

	nonce, ciphertext, err := krypto.Encrypt(mak, plaintext, aad)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt manifest: %w", err)
	}
	defer krypto.Wipe(nonce)
	defer krypto.Wipe(ciphertext)

	return Envelope{
		Version:    m.Version,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decode opens env under mak and aad and unmarshals the recovered plaintext
// into a Manifest. An authentication failure is reported as
// krypto.ErrAuthFailed. A plaintext that fails to parse as JSON, which
// tolerates a server serving a zero-byte placeholder, falls back to an
// empty manifest at env.Version rather than erroring.
func Decode(env Envelope, mak []byte, aad []byte) (Manifest, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := krypto.Decrypt(mak, nonce, ciphertext, aad)
	if err != nil {
		return Manifest{}, err
	}
	defer krypto.Wipe(plaintext)

	var m Manifest
	if jsonErr := json.Unmarshal(plaintext, &m); jsonErr != nil {
		return Empty(env.Version), nil
	}
	return m, nil
}
