// Package settings holds the non-secret, persisted client configuration:
// auto-lock timeout, API base URL, and the hidden-tags UI filter. Keys,
// wrapped_mk, and session tokens are never represented here.
package settings

import (
	"time"

	"github.com/lucidvault/vaultcore/internal/vaulterr"
)

// AllowedAutoLockTimeouts enumerates the only valid auto-lock durations.
var AllowedAutoLockTimeouts = []time.Duration{
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

// DefaultAutoLockTimeout is the auto-lock duration a fresh client uses.
const DefaultAutoLockTimeout = 20 * time.Minute

// Settings is the persisted, non-secret client configuration.
type Settings struct {
	AutoLockTimeout time.Duration
	APIBaseURL      string
	ShowHiddenTags  bool
}

// Defaults returns the settings a fresh client starts with.
func Defaults() Settings {
	return Settings{AutoLockTimeout: DefaultAutoLockTimeout}
}

// Validate rejects an AutoLockTimeout outside AllowedAutoLockTimeouts. An
// empty APIBaseURL is valid here; it is only a configuration error at the
// point of use (vaulterr.ErrConfigMissing), not at the point of storage.
func (s Settings) Validate() error {
	for _, allowed := range AllowedAutoLockTimeouts {
		if s.AutoLockTimeout == allowed {
			return nil
		}
	}
	return vaulterr.NewValidation("auto_lock_timeout must be one of the enumerated durations")
}
