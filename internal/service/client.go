// Package service wires internal/keystore, internal/session,
// internal/manifeststore, internal/syncengine, and internal/httpapi into
// the single supervisor a host process talks to: Client. It implements
// the auth/unlock pipeline and the register/change-master flows that
// complete it.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lucidvault/vaultcore/auth"
	"github.com/lucidvault/vaultcore/internal/httpapi"
	"github.com/lucidvault/vaultcore/internal/keystore"
	"github.com/lucidvault/vaultcore/internal/manifest"
	"github.com/lucidvault/vaultcore/internal/manifeststore"
	"github.com/lucidvault/vaultcore/internal/metrics"
	"github.com/lucidvault/vaultcore/internal/session"
	"github.com/lucidvault/vaultcore/internal/settings"
	"github.com/lucidvault/vaultcore/internal/syncengine"
	"github.com/lucidvault/vaultcore/internal/vaulterr"
	"github.com/lucidvault/vaultcore/krypto"
)

const (
	wmkLabel      = "wmk_v1"
	manifestLabel = "manifest_v1"
	kekInfo       = "VAULT/KEK v1"
	makInfo       = "VAULT/MAK v1"
)

// Client is the process-wide supervisor a UI, CLI, or extension
// background worker talks to. It owns no network connections beyond the
// httpapi.Client and holds no key material itself; that lives in
// keystore.Store.
type Client struct {
	api      *httpapi.Client
	keys     *keystore.Store
	sessions *session.Store
	manifest *manifeststore.Store
	sync     *syncengine.Engine
	settings settings.Settings
	policy   auth.ValidateOptions

	vaultID string
}

// New constructs a Client against the given settings. It wires
// api.OnUnauthorized to session.NotifyUnauthorized and registers a
// session.OnUnauthorized handler that zeroizes the keystore, clears the
// session, and resets the manifest store, so "session cleared implies
// keystore zeroized" holds without session importing keystore.
func New(s settings.Settings) *Client {
	api := httpapi.New(s.APIBaseURL)
	keys := keystore.New()
	keys.SetIdleTimeout(s.AutoLockTimeout)
	sessions := session.New()
	mstore := manifeststore.New()

	sessions.OnUnauthorized(func() {
		keys.Zeroize("explicit")
		sessions.Clear()
		mstore.Reset()
	})
	api.OnUnauthorized(sessions.NotifyUnauthorized)
	keys.OnLocked(func(reason string) {
		metrics.KeystoreLocksTotal.WithLabelValues(reason).Inc()
	})

	engine := syncengine.New(mstore, api, keys, sessions)

	return &Client{
		api:      api,
		keys:     keys,
		sessions: sessions,
		manifest: mstore,
		sync:     engine,
		settings: s,
		policy:   auth.DefaultValidateOptions(),
	}
}

// SetPasswordPolicy overrides the registration password policy. Offline
// deployments and tests disable the breach-list lookup through this.
func (c *Client) SetPasswordPolicy(opts auth.ValidateOptions) {
	c.policy = opts
}

// ApplySettings validates and re-seats settings, repointing the HTTP
// client and resetting the keystore idle timeout. The httpapi.Client is
// mutated in place so the sync engine and the unauthorized wiring keep
// the instance they were constructed with.
func (c *Client) ApplySettings(s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.settings = s
	c.api.SetBaseURL(s.APIBaseURL)
	c.keys.SetIdleTimeout(s.AutoLockTimeout)
	c.keys.Touch()
	return nil
}

// Manifest exposes the manifest store for apply/subscribe calls.
func (c *Client) Manifest() *manifeststore.Store { return c.manifest }

// IsUnlocked reports whether the keystore currently holds seated keys.
func (c *Client) IsUnlocked() bool { return c.keys.IsUnlocked() }

// RegisterAccount runs auth.ValidateMasterPasswordAdvanced with the
// client's policy (see SetPasswordPolicy) before delegating to POST
// /auth/register,
// so a caller never round-trips a password the server would reject on
// strength grounds alone.
func (c *Client) RegisterAccount(ctx context.Context, login, password string) (httpapi.RegisterResponse, error) {
	if err := auth.ValidateMasterPasswordAdvanced(ctx, password, c.policy); err != nil {
		return httpapi.RegisterResponse{}, vaulterr.NewValidation(err.Error())
	}
	return c.api.Register(ctx, login, password)
}

// Unlock runs the auth/unlock pipeline: login, derive UEK, unwrap (or
// mint) MK, derive KEK/MAK, and seat the keystore. On any failure besides
// WmkUploadFailed, the session is left cleared and the keystore empty.
func (c *Client) Unlock(ctx context.Context, login, password string) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if c.keys.IsUnlocked() {
			c.keys.Zeroize("explicit")
		}
		if !errors.Is(err, vaulterr.ErrWmkUploadFailed) {
			c.sessions.Clear()
		}
	}()

	loginResp, err := c.api.Login(ctx, login, password)
	if err != nil {
		return err
	}

	vaultID := loginResp.UserID
	c.vaultID = vaultID

	salt, err := base64.StdEncoding.DecodeString(loginResp.KDF.Salt)
	if err != nil {
		return fmt.Errorf("decode kdf salt: %w", err)
	}
	hkdfSalt, err := base64.StdEncoding.DecodeString(loginResp.KDF.HKDFSalt)
	if err != nil {
		return fmt.Errorf("decode hkdf salt: %w", err)
	}

	uek, err := krypto.DeriveKeyArgon2id([]byte(password), salt, krypto.Argon2Params{
		MemoryMB: loginResp.KDF.M, Time: loginResp.KDF.T, Parallelism: loginResp.KDF.P,
		SaltLen: len(salt), KeyLen: krypto.KeySize,
	})
	if err != nil {
		return fmt.Errorf("derive uek: %w", err)
	}
	defer krypto.Wipe(uek)

	aadWMK := []byte(wmkLabel + "|" + loginResp.UserID + "|" + vaultID)

	var mk []byte
	if loginResp.WrappedMK != nil {
		mk, err = unwrapMK(*loginResp.WrappedMK, uek, aadWMK)
		if err != nil {
			return vaulterr.ErrAuthFailed
		}
	} else {
		mk = make([]byte, krypto.KeySize)
		if _, err := io.ReadFull(rand.Reader, mk); err != nil {
			return fmt.Errorf("generate mk: %w", err)
		}

		wrapped, err := wrapMK(mk, uek, aadWMK)
		if err != nil {
			krypto.Wipe(mk)
			return fmt.Errorf("wrap mk: %w", err)
		}
		if uploadErr := c.api.UploadWMK(ctx, loginResp.Token, wrapped); uploadErr != nil {
			c.sessions.Set(session.Session{
				Token: loginResp.Token, UserID: loginResp.UserID,
				ExpiresAt: unixToTime(loginResp.ExpiresAt),
			})
			krypto.Wipe(mk)
			return vaulterr.ErrWmkUploadFailed
		}
	}
	defer krypto.Wipe(mk)

	kek, err := krypto.HKDFSHA256(mk, hkdfSalt, []byte(kekInfo), krypto.KeySize)
	if err != nil {
		return fmt.Errorf("derive kek: %w", err)
	}
	defer krypto.Wipe(kek)

	mak, err := krypto.HKDFSHA256(mk, hkdfSalt, []byte(makInfo), krypto.KeySize)
	if err != nil {
		return fmt.Errorf("derive mak: %w", err)
	}
	defer krypto.Wipe(mak)

	c.sessions.Set(session.Session{
		Token: loginResp.Token, UserID: loginResp.UserID,
		ExpiresAt: unixToTime(loginResp.ExpiresAt),
	})
	c.keys.Set(mk, kek, mak, keystore.AADContext{
		UserID: loginResp.UserID, VaultID: vaultID,
		WMKLabel: wmkLabel, ManifestLabel: manifestLabel,
	}, unixToTime(loginResp.ExpiresAt))

	return nil
}

// ChangeMaster re-authenticates with currentPassword to recover a fresh copy of MK
// (the keystore never exposes MK itself, only KEK/MAK derived from it, so
// the rewrap re-derives from the server's wrapped_mk rather than reading
// the keystore), rewraps it under a UEK derived from newPassword, and
// re-uploads WMK. The server serves one KDF salt per account, so the new
// UEK reuses it; MK itself never changes, which means the manifest never
// needs re-encryption. The existing session and seated keystore are left
// untouched; a caller who wants the new password to take effect
// immediately should Unlock again with it.
func (c *Client) ChangeMaster(ctx context.Context, login, currentPassword, newPassword string) error {
	if err := auth.ValidateMasterPasswordAdvanced(ctx, newPassword, c.policy); err != nil {
		return vaulterr.NewValidation(err.Error())
	}

	loginResp, err := c.api.Login(ctx, login, currentPassword)
	if err != nil {
		return err
	}
	if loginResp.WrappedMK == nil {
		return vaulterr.ErrInvalidState
	}

	salt, err := base64.StdEncoding.DecodeString(loginResp.KDF.Salt)
	if err != nil {
		return fmt.Errorf("decode kdf salt: %w", err)
	}
	params := krypto.Argon2Params{
		MemoryMB: loginResp.KDF.M, Time: loginResp.KDF.T, Parallelism: loginResp.KDF.P,
		SaltLen: len(salt), KeyLen: krypto.KeySize,
	}
	oldUEK, err := krypto.DeriveKeyArgon2id([]byte(currentPassword), salt, params)
	if err != nil {
		return fmt.Errorf("derive current uek: %w", err)
	}
	defer krypto.Wipe(oldUEK)

	aadWMK := []byte(wmkLabel + "|" + loginResp.UserID + "|" + loginResp.UserID)
	mk, err := unwrapMK(*loginResp.WrappedMK, oldUEK, aadWMK)
	if err != nil {
		return vaulterr.ErrAuthFailed
	}
	defer krypto.Wipe(mk)

	newUEK, err := krypto.DeriveKeyArgon2id([]byte(newPassword), salt, params)
	if err != nil {
		return fmt.Errorf("derive new uek: %w", err)
	}
	defer krypto.Wipe(newUEK)

	wrapped, err := wrapMK(mk, newUEK, aadWMK)
	if err != nil {
		return fmt.Errorf("wrap mk: %w", err)
	}

	return c.api.UploadWMK(ctx, loginResp.Token, wrapped)
}

// Logout zeroizes the keystore, clears the session, and resets the
// manifest store, best-effort notifying the server.
func (c *Client) Logout(ctx context.Context) error {
	sess, ok := c.sessions.Get()
	if ok {
		_ = c.api.Logout(ctx, sess.Token)
	}
	c.keys.Zeroize("explicit")
	c.sessions.Clear()
	c.manifest.Reset()
	return nil
}

// FlushPendingSave performs the best-effort synchronous flush for
// host-teardown scenarios.
func (c *Client) FlushPendingSave(ctx context.Context) error {
	return c.sync.FlushIfDirty(ctx)
}

// LoadManifest fetches the vault's current manifest envelope and seats the
// manifest store with it, or with an empty manifest at version 0 if the
// vault has never been saved. Unlock must have already seated the keystore
// and session.
func (c *Client) LoadManifest(ctx context.Context) error {
	sess, ok := c.sessions.Get()
	if !ok {
		return vaulterr.ErrUnauthenticated
	}
	mak, err := c.keys.GetMAK()
	if err != nil {
		return err
	}
	defer krypto.Wipe(mak)
	aad, ok := c.keys.GetAADContext()
	if !ok {
		return vaulterr.ErrLocked
	}

	env, ok, err := c.api.GetManifest(ctx, sess.Token)
	if err != nil {
		return err
	}
	if !ok {
		c.manifest.Load(manifest.Empty(0), "", 0, nil)
		return nil
	}

	m, err := manifest.Decode(manifest.Envelope{
		Version: env.Version, Nonce: env.Nonce, Ciphertext: env.Ciphertext,
	}, mak, manifest.AAD(aad.UserID, aad.VaultID))
	if err != nil {
		return err
	}
	c.manifest.Load(m, env.ETag, env.Version, nil)
	return nil
}

func wrapMK(mk, uek, aad []byte) (string, error) {
	nonce, ciphertext, err := krypto.Encrypt(uek, mk, aad)
	if err != nil {
		return "", err
	}
	defer krypto.Wipe(nonce)
	defer krypto.Wipe(ciphertext)

	blob := append(append([]byte{}, nonce...), ciphertext...)
	defer krypto.Wipe(blob)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// unixToTime converts the server's unix-seconds expiry into a time.Time in
// the local process's clock domain; the keystore and session store only
// ever compare it against time.Now().
func unixToTime(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0)
}

func unwrapMK(wrappedB64 string, uek, aad []byte) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, vaulterr.ErrAuthFailed
	}
	if len(blob) < krypto.NonceSize {
		return nil, vaulterr.ErrAuthFailed
	}
	nonce := blob[:krypto.NonceSize]
	ciphertext := blob[krypto.NonceSize:]
	return krypto.Decrypt(uek, nonce, ciphertext, aad)
}

