// Package syncengine drives the save protocol: debounced autosave,
// optimistic-concurrency PUT with If-Match, and the merge-and-retry
// algorithm on 409. It subscribes to internal/manifeststore's autosave
// signal and owns no state of its own beyond the singleflight gate that
// collapses concurrent save triggers.
package syncengine

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/lucidvault/vaultcore/internal/httpapi"
	"github.com/lucidvault/vaultcore/internal/keystore"
	"github.com/lucidvault/vaultcore/internal/manifest"
	"github.com/lucidvault/vaultcore/internal/manifeststore"
	"github.com/lucidvault/vaultcore/internal/merge"
	"github.com/lucidvault/vaultcore/internal/metrics"
	"github.com/lucidvault/vaultcore/internal/session"
	"github.com/lucidvault/vaultcore/internal/vaulterr"
	"github.com/lucidvault/vaultcore/krypto"
)

// Engine wires manifeststore, httpapi, and keystore together to implement
// the save protocol. Each triggered save runs under the singleflight gate
// keyed by "save" so overlapping autosave/flush triggers collapse into one
// attempt.
type Engine struct {
	store    *manifeststore.Store
	api      *httpapi.Client
	keys     *keystore.Store
	sessions *session.Store
	sf       singleflight.Group
}

// New constructs an Engine and subscribes it to store's autosave signal.
func New(store *manifeststore.Store, api *httpapi.Client, keys *keystore.Store, sessions *session.Store) *Engine {
	e := &Engine{store: store, api: api, keys: keys, sessions: sessions}
	store.OnAutosaveDue(func(manifeststore.SaveData) {
		metrics.AutosaveDebounceTotal.Inc()
		e.TriggerSave(context.Background())
	})
	return e
}

// TriggerSave runs one save attempt (collapsing concurrent callers) and
// returns its terminal error, or nil on success.
func (e *Engine) TriggerSave(ctx context.Context) error {
	_, err, _ := e.sf.Do("save", func() (any, error) {
		return nil, e.attemptSave(ctx)
	})
	return err
}

// FlushIfDirty performs the best-effort flush for host teardown: if the
// store is dirty, run the save once, synchronously. Callers that truly
// cannot await should run it in its own goroutine.
func (e *Engine) FlushIfDirty(ctx context.Context) error {
	if !e.store.IsDirty() {
		return nil
	}
	return e.TriggerSave(ctx)
}

func (e *Engine) attemptSave(ctx context.Context) error {
	sess, ok := e.sessions.Get()
	if !ok {
		return vaulterr.ErrUnauthenticated
	}

	mak, err := e.keys.GetMAK()
	if err != nil {
		return err
	}
	defer krypto.Wipe(mak)
	aad, ok := e.keys.GetAADContext()
	if !ok {
		return vaulterr.ErrLocked
	}

	data, ok := e.store.BeginSave()
	if !ok {
		return nil
	}
	gen := data.Generation

	env, err := manifest.Encode(data.Manifest, mak, manifest.AAD(aad.UserID, aad.VaultID))
	if err != nil {
		e.store.SetDirty()
		return err
	}

	ifMatch := ""
	if data.ServerVersion > 0 {
		ifMatch = data.ETag
	}

	resp, err := e.api.PutManifest(ctx, sess.Token, httpapi.PutManifestRequest{
		Version:    data.ServerVersion + 1,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
	}, ifMatch)

	// A Reset or zeroize during the round trip abandons this save; the
	// store's state is no longer ours to transition.
	if e.store.Generation() != gen {
		return err
	}

	switch {
	case err == nil:
		metrics.SavesTotal.WithLabelValues("ok").Inc()
		e.store.AckSaved(resp.ETag, resp.Version)
		return nil

	case httpapi.IsConflict(err):
		metrics.ConflictsTotal.Inc()
		return e.mergeAndRetry(ctx, gen, sess.Token, mak, aad, data)

	case errors.Is(err, vaulterr.ErrPayloadTooLarge):
		metrics.SavesTotal.WithLabelValues("payload_too_large").Inc()
		e.store.SetDirty()
		return err

	case errors.Is(err, vaulterr.ErrUnauthenticated):
		metrics.SavesTotal.WithLabelValues("unauthorized").Inc()
		return err

	default:
		metrics.SavesTotal.WithLabelValues("offline").Inc()
		e.store.SetOffline()
		return err
	}
}

// mergeAndRetry fetches the server's current manifest, merges it against
// the local edit and the last-known-server base, and retries the PUT
// exactly once. A second 409 surfaces ErrConflictUnresolved and parks the
// store offline.
func (e *Engine) mergeAndRetry(ctx context.Context, gen uint64, token string, mak []byte, aad keystore.AADContext, data manifeststore.SaveData) error {
	remoteEnv, ok, err := e.api.GetManifest(ctx, token)
	if err != nil {
		e.store.SetOffline()
		return err
	}

	base := e.store.BaseSnapshot()

	var remote manifest.Manifest
	if ok {
		remote, err = manifest.Decode(manifest.Envelope{
			Version:    remoteEnv.Version,
			Nonce:      remoteEnv.Nonce,
			Ciphertext: remoteEnv.Ciphertext,
		}, mak, manifest.AAD(aad.UserID, aad.VaultID))
		if err != nil {
			e.store.SetOffline()
			return err
		}
	} else {
		remote = manifest.Empty(0)
	}

	result := merge.Merge(base, data.Manifest, remote)

	if e.store.Generation() != gen {
		return nil
	}
	e.store.ReplaceManifest(result.Merged)

	env, err := manifest.Encode(result.Merged, mak, manifest.AAD(aad.UserID, aad.VaultID))
	if err != nil {
		e.store.SetDirty()
		return err
	}

	ifMatch := ""
	if remoteEnv.Version > 0 {
		ifMatch = remoteEnv.ETag
	}

	resp, err := e.api.PutManifest(ctx, token, httpapi.PutManifestRequest{
		Version:    remoteEnv.Version + 1,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
	}, ifMatch)

	if e.store.Generation() != gen {
		return err
	}

	switch {
	case err == nil:
		metrics.SavesTotal.WithLabelValues("ok").Inc()
		e.store.AckSaved(resp.ETag, resp.Version)
		return nil
	case httpapi.IsConflict(err):
		metrics.SavesTotal.WithLabelValues("conflict_unresolved").Inc()
		e.store.SetOffline()
		return vaulterr.ErrConflictUnresolved
	case errors.Is(err, vaulterr.ErrPayloadTooLarge):
		metrics.SavesTotal.WithLabelValues("payload_too_large").Inc()
		e.store.SetDirty()
		return err
	default:
		metrics.SavesTotal.WithLabelValues("offline").Inc()
		e.store.SetOffline()
		return err
	}
}
