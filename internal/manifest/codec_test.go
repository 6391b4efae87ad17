package manifest_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucidvault/vaultcore/internal/manifest"
	"github.com/lucidvault/vaultcore/krypto"
)

func testMAK() []byte {
	return bytes.Repeat([]byte{0x11}, krypto.KeySize)
}

func TestCodecRoundTrip(t *testing.T) {
	mak := testMAK()
	aad := manifest.AAD("user-1", "vault-1")

	m := manifest.Manifest{
		Version: 3,
		Items: []manifest.Bookmark{
			{ID: "b1", URL: "https://example.com", Title: "Example", CreatedAt: 100, UpdatedAt: 100},
		},
		Tags: []manifest.Tag{{ID: "t1", Name: "reading"}},
	}

	env, err := manifest.Encode(m, mak, aad)
	require.NoError(t, err)
	require.Equal(t, uint64(3), env.Version)

	got, err := manifest.Decode(env, mak, aad)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestCodecRoundTripEmptyManifest(t *testing.T) {
	mak := testMAK()
	aad := manifest.AAD("user-1", "vault-1")

	m := manifest.Empty(0)
	env, err := manifest.Encode(m, mak, aad)
	require.NoError(t, err)

	got, err := manifest.Decode(env, mak, aad)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeWrongKeyFails(t *testing.T) {
	mak := testMAK()
	wrong := bytes.Repeat([]byte{0x22}, krypto.KeySize)
	aad := manifest.AAD("user-1", "vault-1")

	env, err := manifest.Encode(manifest.Empty(1), mak, aad)
	require.NoError(t, err)

	_, err = manifest.Decode(env, wrong, aad)
	require.ErrorIs(t, err, krypto.ErrAuthFailed)
}

func TestDecodeWrongAADFails(t *testing.T) {
	mak := testMAK()

	env, err := manifest.Encode(manifest.Empty(1), mak, manifest.AAD("user-1", "vault-1"))
	require.NoError(t, err)

	_, err = manifest.Decode(env, mak, manifest.AAD("user-2", "vault-1"))
	require.ErrorIs(t, err, krypto.ErrAuthFailed)
}
