// Package keystore holds the post-unlock secrets, MK, KEK, MAK, and the
// AAD context they are bound to, in memory and nothing else. Keys never
// reach disk, logs, or telemetry. The store is a process-wide singleton
// addressed through a narrow method surface guarded by a mutex.
package keystore

import (
	"sync"
	"time"

	"github.com/lucidvault/vaultcore/internal/vaulterr"
	"github.com/lucidvault/vaultcore/krypto"
)

// AADContext carries the labels and identifiers bound into AEAD associated
// data for WMK unwrap and manifest envelopes.
type AADContext struct {
	UserID        string
	VaultID       string
	WMKLabel      string
	ManifestLabel string
}

// Keys is the volatile post-unlock secret material.
type Keys struct {
	MK  []byte
	KEK []byte
	MAK []byte
}

// Store is the process-wide keystore singleton. It is safe for concurrent
// use; Set/Zeroize and the accessors all hold the same mutex.
type Store struct {
	mu sync.Mutex

	keys       Keys
	aadContext *AADContext
	expiresAt  time.Time
	idleTO     time.Duration

	timer *time.Timer

	onLocked       []func(reason string)
	onUnauthorized []func()
	onUpdated      []func()
}

// defaultIdleTimeout matches settings.Defaults().AutoLockTimeout; callers
// that wire internal/settings should call SetIdleTimeout to keep both in
// sync.
const defaultIdleTimeout = 20 * time.Minute

// New returns an empty, locked keystore.
func New() *Store {
	return &Store{idleTO: defaultIdleTimeout}
}

// OnLocked registers a callback invoked (with a reason: "idle", "expired",
// "explicit") whenever Zeroize runs. Intended for internal/service wiring,
// not for arbitrary UI fan-out.
func (s *Store) OnLocked(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLocked = append(s.onLocked, fn)
}

// OnUnauthorized registers a callback invoked alongside OnLocked whenever
// Zeroize broadcasts auth:unauthorized.
func (s *Store) OnUnauthorized(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnauthorized = append(s.onUnauthorized, fn)
}

// OnUpdated registers a callback invoked whenever Set seats a fresh set of
// keys (the session:updated broadcast).
func (s *Store) OnUpdated(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdated = append(s.onUpdated, fn)
}

// SetIdleTimeout updates the auto-lock idle duration used by future Set/
// touch calls. It does not retroactively reschedule an outstanding timer.
func (s *Store) SetIdleTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTO = d
}

// Set replaces the current keys, zeroizing any prior buffers first, seats
// aad and expiresAt, and (re)arms the auto-lock timer.
func (s *Store) Set(mk, kek, mak []byte, aad AADContext, expiresAt time.Time) {
	s.mu.Lock()
	s.wipeLocked()

	s.keys = Keys{MK: cloneBytes(mk), KEK: cloneBytes(kek), MAK: cloneBytes(mak)}
	s.aadContext = &aad
	s.expiresAt = expiresAt

	s.armLocked()
	listeners := append([]func(){}, s.onUpdated...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// IsUnlocked reports whether all three keys are currently present.
func (s *Store) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlockedLocked()
}

func (s *Store) unlockedLocked() bool {
	return len(s.keys.MK) > 0 && len(s.keys.KEK) > 0 && len(s.keys.MAK) > 0
}

// GetMAK returns a copy of MAK, touching the auto-lock timer. Returns
// vaulterr.ErrLocked if the store is not unlocked.
func (s *Store) GetMAK() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlockedLocked() {
		return nil, vaulterr.ErrLocked
	}
	s.armLocked()
	return cloneBytes(s.keys.MAK), nil
}

// GetKEK returns a copy of KEK, touching the auto-lock timer. Returns
// vaulterr.ErrLocked if the store is not unlocked.
func (s *Store) GetKEK() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlockedLocked() {
		return nil, vaulterr.ErrLocked
	}
	s.armLocked()
	return cloneBytes(s.keys.KEK), nil
}

// GetAADContext returns the seated AAD context, or ok=false if locked.
func (s *Store) GetAADContext() (AADContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aadContext == nil {
		return AADContext{}, false
	}
	return *s.aadContext, true
}

// Touch records qualifying activity (an explicit "user active" ping,
// settings update) without otherwise mutating state, rescheduling the
// auto-lock timer.
func (s *Store) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlockedLocked() {
		s.armLocked()
	}
}

// Zeroize wipes all key material and the AAD context, stops the auto-lock
// timer, and broadcasts keystore:locked/auth:unauthorized to registered
// listeners.
func (s *Store) Zeroize(reason string) {
	s.mu.Lock()
	s.wipeLocked()
	lockedListeners := append([]func(string){}, s.onLocked...)
	unauthListeners := append([]func(){}, s.onUnauthorized...)
	s.mu.Unlock()

	for _, fn := range lockedListeners {
		fn(reason)
	}
	for _, fn := range unauthListeners {
		fn()
	}
}

// wipeLocked zeroizes buffers and clears the AAD context and timer. Caller
// must hold s.mu.
func (s *Store) wipeLocked() {
	krypto.Wipe(s.keys.MK)
	krypto.Wipe(s.keys.KEK)
	krypto.Wipe(s.keys.MAK)
	s.keys = Keys{}
	s.aadContext = nil
	s.expiresAt = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// armLocked (re)schedules the auto-lock timer at now + min(idle_timeout,
// expires_at - now), firing Zeroize immediately if expires_at has already
// passed. Caller must hold s.mu.
func (s *Store) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}

	now := time.Now()
	if !s.expiresAt.IsZero() && !s.expiresAt.After(now) {
		go s.Zeroize("expired")
		return
	}

	delay := s.idleTO
	reason := "idle"
	if !s.expiresAt.IsZero() {
		if untilExpiry := s.expiresAt.Sub(now); untilExpiry <= delay {
			delay = untilExpiry
			reason = "expired"
		}
	}
	s.timer = time.AfterFunc(delay, func() { s.Zeroize(reason) })
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
