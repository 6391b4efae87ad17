// Package manifeststore implements the manifest state machine: idle ->
// loaded -> dirty -> saving -> loaded|offline, with debounced autosave and
// subscriber fan-out. The store itself never performs network I/O;
// internal/syncengine drives the save protocol by calling BeginSave and
// AckSaved/SetDirty/SetOffline in response to HTTP outcomes.
package manifeststore

import (
	"sync"
	"time"

	"github.com/lucidvault/vaultcore/internal/manifest"
	"github.com/lucidvault/vaultcore/internal/vaulterr"
)

// Status is one of the manifest store's states.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoaded  Status = "loaded"
	StatusDirty   Status = "dirty"
	StatusSaving  Status = "saving"
	StatusOffline Status = "offline"
)

// AutosaveDebounce is the fixed delay between a dirty transition and the
// triggered save attempt.
const AutosaveDebounce = 800 * time.Millisecond

// SaveData is the snapshot handed to the sync engine for a save attempt.
type SaveData struct {
	Manifest      manifest.Manifest
	ETag          string
	ServerVersion uint64
	Generation    uint64
}

// Snapshot is the read-only view exposed to subscribers and callers that
// just need to inspect current state.
type Snapshot struct {
	Manifest manifest.Manifest
	ETag     string
	Version  uint64
	Status   Status
}

// Store is the process-wide manifest-store singleton. Safe for concurrent
// use; listener invocation is synchronous and happens with the lock
// released so a listener may call back into the store (but must not
// recurse infinitely).
type Store struct {
	mu sync.Mutex

	manifest      manifest.Manifest
	etag          string
	serverVersion uint64
	status        Status
	baseSnapshot  manifest.Manifest
	hasManifest   bool

	// savingManifest is the exact snapshot handed to the in-flight save;
	// AckSaved promotes it to baseSnapshot so the merge base always equals
	// what the server actually received, even if Apply raced the save.
	savingManifest *manifest.Manifest
	// pendingDirty records an Apply that landed while a save was in
	// flight; the store re-enters dirty when that save acks.
	pendingDirty bool

	generation uint64
	timer      *time.Timer

	listeners  []func(Snapshot)
	onAutosave []func(SaveData)
}

// New returns a store in the idle state.
func New() *Store {
	return &Store{status: StatusIdle}
}

// Subscribe registers listener, invoked synchronously after every state
// change. It returns an unsubscribe function.
func (s *Store) Subscribe(listener func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.listeners)
	s.listeners = append(s.listeners, listener)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

// OnAutosaveDue registers the callback invoked when the debounce timer
// fires for a dirty manifest. internal/syncengine is expected to be the
// sole subscriber, driving the save protocol.
func (s *Store) OnAutosaveDue(fn func(SaveData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAutosave = append(s.onAutosave, fn)
}

// Load seats m, etag, and version, and sets status = loaded. baseSnapshot
// defaults to a deep copy of m when nil.
func (s *Store) Load(m manifest.Manifest, etag string, version uint64, baseSnapshot *manifest.Manifest) {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.manifest = m.Clone()
	s.etag = etag
	s.serverVersion = version
	s.hasManifest = true
	s.savingManifest = nil
	s.pendingDirty = false
	if baseSnapshot != nil {
		s.baseSnapshot = baseSnapshot.Clone()
	} else {
		s.baseSnapshot = m.Clone()
	}
	s.status = StatusLoaded
	s.notifyLocked()
}

// Apply replaces the manifest with updater(current) and transitions
// loaded|offline -> dirty, arming the autosave debounce. A call while
// saving leaves the status alone and marks the edit pending; the store
// re-enters dirty once the in-flight save acks (AckSaved) or is handed back
// through SetDirty. SetOffline drops the pending mark and parks the store
// offline, with the edit kept in the manifest. A call from idle is a
// programming error.
func (s *Store) Apply(updater func(manifest.Manifest) manifest.Manifest) error {
	s.mu.Lock()
	if s.status == StatusIdle {
		s.mu.Unlock()
		return vaulterr.ErrInvalidState
	}
	s.manifest = updater(s.manifest.Clone())
	if s.status == StatusSaving {
		s.pendingDirty = true
		s.notifyLocked()
		return nil
	}
	s.status = StatusDirty
	s.armAutosaveLocked()
	s.notifyLocked()
	return nil
}

// GetSaveData returns a snapshot for a save attempt, or ok=false if no
// manifest has ever been loaded.
func (s *Store) GetSaveData() (SaveData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasManifest {
		return SaveData{}, false
	}
	return SaveData{
		Manifest:      s.manifest.Clone(),
		ETag:          s.etag,
		ServerVersion: s.serverVersion,
		Generation:    s.generation,
	}, true
}

// BeginSave transitions to saving and returns the exact snapshot the
// caller must PUT. ok=false if no manifest has ever been loaded.
func (s *Store) BeginSave() (SaveData, bool) {
	s.mu.Lock()
	if !s.hasManifest {
		s.mu.Unlock()
		return SaveData{}, false
	}
	snap := s.manifest.Clone()
	s.savingManifest = &snap
	s.pendingDirty = false
	s.status = StatusSaving
	data := SaveData{
		Manifest:      snap.Clone(),
		ETag:          s.etag,
		ServerVersion: s.serverVersion,
		Generation:    s.generation,
	}
	s.notifyLocked()
	return data, true
}

// SetSaving transitions dirty -> saving without handing out save data.
func (s *Store) SetSaving() {
	s.BeginSave()
}

// AckSaved finishes a save: etag and version advance, and the snapshot
// that was PUT becomes the new merge base. If an Apply landed during the
// save, the store goes straight back to dirty and re-arms the debounce;
// otherwise it returns to loaded.
func (s *Store) AckSaved(etag string, version uint64) {
	s.mu.Lock()
	s.etag = etag
	s.serverVersion = version
	if s.savingManifest != nil {
		s.baseSnapshot = *s.savingManifest
		s.savingManifest = nil
	} else {
		s.baseSnapshot = s.manifest.Clone()
	}
	if s.pendingDirty {
		s.pendingDirty = false
		s.status = StatusDirty
		s.armAutosaveLocked()
	} else {
		s.status = StatusLoaded
	}
	s.notifyLocked()
}

// SetOffline transitions saving -> offline (network failure, 5xx, or an
// unresolved conflict after merge-and-retry).
func (s *Store) SetOffline() {
	s.mu.Lock()
	s.savingManifest = nil
	s.pendingDirty = false
	s.status = StatusOffline
	s.notifyLocked()
}

// SetDirty returns a failed save to dirty without arming the debounce;
// the next Apply or an explicit retry re-enters the save loop. Used for
// failures that must not auto-retry, such as an oversized payload.
func (s *Store) SetDirty() {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.savingManifest = nil
	s.pendingDirty = false
	s.status = StatusDirty
	s.notifyLocked()
}

// ReplaceManifest re-seats the store with a merged manifest after a
// conflict retry, without otherwise changing status. The in-flight save
// snapshot is updated too: the retried PUT carries the merged manifest,
// so that is what AckSaved must promote to the merge base.
func (s *Store) ReplaceManifest(m manifest.Manifest) {
	s.mu.Lock()
	s.manifest = m.Clone()
	if s.status == StatusSaving {
		snap := m.Clone()
		s.savingManifest = &snap
	}
	s.notifyLocked()
}

// IsDirty reports whether a best-effort flush on host teardown should fire
// a save.
func (s *Store) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusDirty
}

// BaseSnapshot returns the last-known-server snapshot used as the base for
// three-way merge.
func (s *Store) BaseSnapshot() manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseSnapshot.Clone()
}

// Generation returns the current generation counter. A save captures this
// at start; on completion, if it no longer matches, the save's effects are
// stale and must be discarded.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Reset returns the store to idle, wiping the manifest and timers. Valid
// from any state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.manifest = manifest.Manifest{}
	s.baseSnapshot = manifest.Manifest{}
	s.etag = ""
	s.serverVersion = 0
	s.hasManifest = false
	s.savingManifest = nil
	s.pendingDirty = false
	s.generation++
	s.status = StatusIdle
	s.notifyLocked()
}

// Snapshot returns the current read-only view.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Manifest: s.manifest.Clone(),
		ETag:     s.etag,
		Version:  s.serverVersion,
		Status:   s.status,
	}
}

// armAutosaveLocked (re)arms the 800ms debounce timer. Caller must hold s.mu.
func (s *Store) armAutosaveLocked() {
	s.cancelTimerLocked()
	gen := s.generation
	s.timer = time.AfterFunc(AutosaveDebounce, func() { s.fireAutosave(gen) })
}

func (s *Store) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Store) fireAutosave(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.status != StatusDirty {
		s.mu.Unlock()
		return
	}
	data := SaveData{
		Manifest:      s.manifest.Clone(),
		ETag:          s.etag,
		ServerVersion: s.serverVersion,
		Generation:    s.generation,
	}
	listeners := append([]func(SaveData){}, s.onAutosave...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(data)
	}
}

// notifyLocked fans out the current snapshot to every subscriber. Caller
// must hold s.mu; the lock is released before listeners run and not
// reacquired by this call.
func (s *Store) notifyLocked() {
	snap := s.snapshotLocked()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(snap)
		}
	}
}
