package manifeststore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucidvault/vaultcore/internal/manifest"
	"github.com/lucidvault/vaultcore/internal/manifeststore"
	"github.com/lucidvault/vaultcore/internal/vaulterr"
)

func TestLoadSeatsLoadedStatus(t *testing.T) {
	s := manifeststore.New()
	m := manifest.Empty(1)
	s.Load(m, "E1", 1, nil)

	snap := s.Snapshot()
	require.Equal(t, manifeststore.StatusLoaded, snap.Status)
	require.Equal(t, "E1", snap.ETag)
	require.Equal(t, uint64(1), snap.Version)
}

func TestApplyFromIdleFails(t *testing.T) {
	s := manifeststore.New()
	err := s.Apply(func(m manifest.Manifest) manifest.Manifest { return m })
	require.ErrorIs(t, err, vaulterr.ErrInvalidState)
}

func TestApplyTransitionsToDirty(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)

	err := s.Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Items = append(m.Items, manifest.Bookmark{ID: "b1", Title: "Ex", URL: "https://example.com"})
		return m
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Equal(t, manifeststore.StatusDirty, snap.Status)
	require.Len(t, snap.Manifest.Items, 1)
}

func TestAutosaveFiresAfterDebounce(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)

	fired := make(chan manifeststore.SaveData, 1)
	s.OnAutosaveDue(func(d manifeststore.SaveData) { fired <- d })

	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))

	select {
	case data := <-fired:
		require.Equal(t, uint64(0), data.ServerVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("autosave did not fire within debounce window")
	}
}

func TestResetInvalidatesPendingAutosave(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)

	fired := make(chan manifeststore.SaveData, 1)
	s.OnAutosaveDue(func(d manifeststore.SaveData) { fired <- d })

	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))
	s.Reset()

	select {
	case <-fired:
		t.Fatal("autosave fired after reset invalidated its generation")
	case <-time.After(manifeststore.AutosaveDebounce + 200*time.Millisecond):
	}

	require.Equal(t, manifeststore.StatusIdle, s.Snapshot().Status)
}

func TestAckSavedReturnsToLoadedAndAdvancesBase(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Items = append(m.Items, manifest.Bookmark{ID: "b1", Title: "Ex", URL: "https://example.com"})
		return m
	}))

	s.SetSaving()
	require.Equal(t, manifeststore.StatusSaving, s.Snapshot().Status)

	s.AckSaved("E2", 1)
	snap := s.Snapshot()
	require.Equal(t, manifeststore.StatusLoaded, snap.Status)
	require.Equal(t, "E2", snap.ETag)
	require.Equal(t, uint64(1), snap.Version)
	require.Equal(t, snap.Manifest.Items, s.BaseSnapshot().Items)
}

func TestSetOfflineThenApplyReturnsToDirty(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))
	s.SetSaving()
	s.SetOffline()
	require.Equal(t, manifeststore.StatusOffline, s.Snapshot().Status)

	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))
	require.Equal(t, manifeststore.StatusDirty, s.Snapshot().Status)
}

func TestSubscribeReceivesEachTransition(t *testing.T) {
	s := manifeststore.New()
	var statuses []manifeststore.Status
	s.Subscribe(func(snap manifeststore.Snapshot) { statuses = append(statuses, snap.Status) })

	s.Load(manifest.Empty(0), "", 0, nil)
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))
	s.SetSaving()
	s.AckSaved("E1", 1)

	require.Equal(t, []manifeststore.Status{
		manifeststore.StatusLoaded,
		manifeststore.StatusDirty,
		manifeststore.StatusSaving,
		manifeststore.StatusLoaded,
	}, statuses)
}

func TestUnsubscribeStopsFutureNotifications(t *testing.T) {
	s := manifeststore.New()
	count := 0
	unsubscribe := s.Subscribe(func(manifeststore.Snapshot) { count++ })

	s.Load(manifest.Empty(0), "", 0, nil)
	unsubscribe()
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))

	require.Equal(t, 1, count)
}

func TestIdentityApplyStillMarksDirty(t *testing.T) {
	// Convention: Apply does not diff old against new; even an identity
	// updater marks the store dirty and schedules a save.
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))
	require.Equal(t, manifeststore.StatusDirty, s.Snapshot().Status)
}

func TestApplyDuringSavingReentersDirtyAfterAck(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Items = append(m.Items, manifest.Bookmark{ID: "b1", Title: "Ex", URL: "https://example.com"})
		return m
	}))

	data, ok := s.BeginSave()
	require.True(t, ok)
	require.Len(t, data.Manifest.Items, 1)

	// An edit lands while the save is in flight: the status stays saving
	// until the ack, then drops straight back to dirty.
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Items = append(m.Items, manifest.Bookmark{ID: "b2", Title: "Two", URL: "https://example.org"})
		return m
	}))
	require.Equal(t, manifeststore.StatusSaving, s.Snapshot().Status)

	s.AckSaved("E1", 1)
	snap := s.Snapshot()
	require.Equal(t, manifeststore.StatusDirty, snap.Status)
	require.Len(t, snap.Manifest.Items, 2)

	// The merge base is the snapshot that was PUT, not the raced-in edit.
	base := s.BaseSnapshot()
	require.Len(t, base.Items, 1)
	require.Equal(t, "b1", base.Items[0].ID)
}

func TestSetDirtyAfterFailedSaveDoesNotAutoRetry(t *testing.T) {
	s := manifeststore.New()
	s.Load(manifest.Empty(0), "", 0, nil)
	require.NoError(t, s.Apply(func(m manifest.Manifest) manifest.Manifest { return m }))

	fired := make(chan manifeststore.SaveData, 1)
	s.OnAutosaveDue(func(d manifeststore.SaveData) { fired <- d })

	_, ok := s.BeginSave()
	require.True(t, ok)
	s.SetDirty()
	require.Equal(t, manifeststore.StatusDirty, s.Snapshot().Status)

	select {
	case <-fired:
		t.Fatal("SetDirty must not arm the autosave debounce")
	case <-time.After(manifeststore.AutosaveDebounce + 200*time.Millisecond):
	}
}
