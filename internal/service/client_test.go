package service_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucidvault/vaultcore/auth"
	"github.com/lucidvault/vaultcore/internal/manifest"
	"github.com/lucidvault/vaultcore/internal/manifeststore"
	"github.com/lucidvault/vaultcore/internal/service"
	"github.com/lucidvault/vaultcore/internal/settings"
	"github.com/lucidvault/vaultcore/internal/testserver"
)

// newTestServer starts the fixture server and returns its base URL,
// closing both the httptest.Server and the underlying sqlite store at
// test cleanup.
func newTestServer(t *testing.T) string {
	t.Helper()
	store, err := testserver.Open("file::memory:?cache=shared")
	require.NoError(t, err)

	srv := httptest.NewServer(testserver.New(store).Handler())
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv.URL
}

func newTestClient(baseURL string) *service.Client {
	cli := service.New(settings.Settings{APIBaseURL: baseURL, AutoLockTimeout: time.Hour})
	// The breach-list lookup would hit the network; everything else about
	// the default policy stays in force.
	cli.SetPasswordPolicy(auth.ValidateOptions{EnableHIBP: false, RequireLUDS: true, MinLength: 12, MinZXCVBNScore: 3})
	return cli
}

// TestUnlockFirstTimeThenReUnlockRecoversSameMK covers first unlock and
// re-unlock: the second, independent Client simulates a fresh process
// re-unlocking from the server's now-persisted wrapped_mk. It must recover
// the identical MK (and therefore MAK) the first Client minted, which this
// test observes indirectly: a manifest saved by the first client must
// decrypt cleanly once the second client loads it.
func TestUnlockFirstTimeThenReUnlockRecoversSameMK(t *testing.T) {
	baseURL := newTestServer(t)
	ctx := context.Background()

	first := newTestClient(baseURL)
	_, err := first.RegisterAccount(ctx, "alice", "Correct-Horse-Battery-9-Staple!")
	require.NoError(t, err)
	require.NoError(t, first.Unlock(ctx, "alice", "Correct-Horse-Battery-9-Staple!"))
	require.NoError(t, first.LoadManifest(ctx))

	require.NoError(t, first.Manifest().Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Items = append(m.Items, manifest.Bookmark{
			ID: "b1", URL: "https://example.com", Title: "Ex", CreatedAt: 1000, UpdatedAt: 1000,
		})
		return m
	}))
	require.Eventually(t, func() bool {
		return first.Manifest().Snapshot().Status == manifeststore.StatusLoaded
	}, 3*time.Second, 20*time.Millisecond)

	second := newTestClient(baseURL)
	require.NoError(t, second.Unlock(ctx, "alice", "Correct-Horse-Battery-9-Staple!"))
	require.NoError(t, second.LoadManifest(ctx))

	snap := second.Manifest().Snapshot()
	require.Len(t, snap.Manifest.Items, 1)
	require.Equal(t, "Ex", snap.Manifest.Items[0].Title)
}

func TestUnlockWrongPasswordFailsAndStaysLocked(t *testing.T) {
	baseURL := newTestServer(t)
	ctx := context.Background()

	cli := newTestClient(baseURL)
	_, err := cli.RegisterAccount(ctx, "eve", "Correct-Horse-Battery-9-Staple!")
	require.NoError(t, err)
	require.NoError(t, cli.Unlock(ctx, "eve", "Correct-Horse-Battery-9-Staple!"))
	require.NoError(t, cli.Logout(ctx))

	err = cli.Unlock(ctx, "eve", "totally-wrong-password-99!")
	require.Error(t, err)
	require.False(t, cli.IsUnlocked())
}

func TestCreateBookmarkThenSaveAdvancesVersion(t *testing.T) {
	baseURL := newTestServer(t)
	ctx := context.Background()

	cli := newTestClient(baseURL)
	_, err := cli.RegisterAccount(ctx, "frank", "Correct-Horse-Battery-9-Staple!")
	require.NoError(t, err)
	require.NoError(t, cli.Unlock(ctx, "frank", "Correct-Horse-Battery-9-Staple!"))
	require.NoError(t, cli.LoadManifest(ctx))

	require.NoError(t, cli.Manifest().Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Items = append(m.Items, manifest.Bookmark{
			ID: manifest.NewID(), URL: "https://example.com", Title: "Ex",
			CreatedAt: 1000, UpdatedAt: 1000,
		})
		return m
	}))

	require.Eventually(t, func() bool {
		snap := cli.Manifest().Snapshot()
		return snap.Status == manifeststore.StatusLoaded && snap.Version == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLogoutClearsKeystoreAndManifest(t *testing.T) {
	baseURL := newTestServer(t)
	ctx := context.Background()

	cli := newTestClient(baseURL)
	_, err := cli.RegisterAccount(ctx, "gina", "Correct-Horse-Battery-9-Staple!")
	require.NoError(t, err)
	require.NoError(t, cli.Unlock(ctx, "gina", "Correct-Horse-Battery-9-Staple!"))
	require.NoError(t, cli.LoadManifest(ctx))

	require.NoError(t, cli.Logout(ctx))
	require.False(t, cli.IsUnlocked())
	require.Equal(t, manifeststore.StatusIdle, cli.Manifest().Snapshot().Status)
}
