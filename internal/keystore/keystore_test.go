package keystore_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucidvault/vaultcore/internal/keystore"
	"github.com/lucidvault/vaultcore/internal/vaulterr"
)

func testKeys() (mk, kek, mak []byte) {
	return bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32), bytes.Repeat([]byte{3}, 32)
}

func TestStoreStartsLocked(t *testing.T) {
	s := keystore.New()
	require.False(t, s.IsUnlocked())

	_, err := s.GetMAK()
	require.ErrorIs(t, err, vaulterr.ErrLocked)
}

func TestSetUnlocksAndGettersReturnCopies(t *testing.T) {
	s := keystore.New()
	mk, kek, mak := testKeys()
	aad := keystore.AADContext{UserID: "u1", VaultID: "v1", WMKLabel: "wmk_v1", ManifestLabel: "manifest_v1"}

	s.Set(mk, kek, mak, aad, time.Now().Add(time.Hour))
	require.True(t, s.IsUnlocked())

	got, err := s.GetMAK()
	require.NoError(t, err)
	require.Equal(t, mak, got)

	got[0] ^= 0xFF
	again, err := s.GetMAK()
	require.NoError(t, err)
	require.Equal(t, mak, again)

	gotAAD, ok := s.GetAADContext()
	require.True(t, ok)
	require.Equal(t, aad, gotAAD)
}

func TestSetBroadcastsUpdated(t *testing.T) {
	s := keystore.New()
	fired := make(chan struct{}, 1)
	s.OnUpdated(func() { fired <- struct{}{} })

	mk, kek, mak := testKeys()
	s.Set(mk, kek, mak, keystore.AADContext{}, time.Now().Add(time.Hour))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnUpdated listener was not invoked")
	}
}

func TestZeroizeWipesAndBroadcasts(t *testing.T) {
	s := keystore.New()
	mk, kek, mak := testKeys()
	s.Set(mk, kek, mak, keystore.AADContext{}, time.Now().Add(time.Hour))

	locked := make(chan string, 1)
	unauth := make(chan struct{}, 1)
	s.OnLocked(func(reason string) { locked <- reason })
	s.OnUnauthorized(func() { unauth <- struct{}{} })

	s.Zeroize("explicit")

	require.False(t, s.IsUnlocked())
	_, ok := s.GetAADContext()
	require.False(t, ok)

	select {
	case reason := <-locked:
		require.Equal(t, "explicit", reason)
	case <-time.After(time.Second):
		t.Fatal("OnLocked listener was not invoked")
	}
	select {
	case <-unauth:
	case <-time.After(time.Second):
		t.Fatal("OnUnauthorized listener was not invoked")
	}
}

func TestAutoLockFiresOnExpiry(t *testing.T) {
	s := keystore.New()
	s.SetIdleTimeout(time.Hour)
	mk, kek, mak := testKeys()

	locked := make(chan string, 1)
	s.OnLocked(func(reason string) { locked <- reason })
	s.Set(mk, kek, mak, keystore.AADContext{}, time.Now().Add(20*time.Millisecond))

	select {
	case reason := <-locked:
		require.Equal(t, "expired", reason)
	case <-time.After(time.Second):
		t.Fatal("auto-lock did not fire before expiry")
	}
	require.False(t, s.IsUnlocked())
}

func TestSetZeroizesPriorKeysBeforeReplacing(t *testing.T) {
	s := keystore.New()
	mk, kek, mak := testKeys()
	s.Set(mk, kek, mak, keystore.AADContext{}, time.Now().Add(time.Hour))

	mk2, kek2, mak2 := bytes.Repeat([]byte{9}, 32), bytes.Repeat([]byte{8}, 32), bytes.Repeat([]byte{7}, 32)
	s.Set(mk2, kek2, mak2, keystore.AADContext{}, time.Now().Add(time.Hour))

	got, err := s.GetMAK()
	require.NoError(t, err)
	require.Equal(t, mak2, got)
}

func TestAutoLockFiresOnceForOneIdlePeriod(t *testing.T) {
	s := keystore.New()
	s.SetIdleTimeout(30 * time.Millisecond)
	mk, kek, mak := testKeys()

	locked := make(chan string, 4)
	s.OnLocked(func(reason string) { locked <- reason })

	s.Set(mk, kek, mak, keystore.AADContext{}, time.Now().Add(time.Hour))
	s.Touch() // reschedules; must not leave a second timer behind

	select {
	case reason := <-locked:
		require.Equal(t, "idle", reason)
	case <-time.After(time.Second):
		t.Fatal("auto-lock did not fire")
	}

	select {
	case <-locked:
		t.Fatal("auto-lock fired more than once for a single idle period")
	case <-time.After(150 * time.Millisecond):
	}
}
