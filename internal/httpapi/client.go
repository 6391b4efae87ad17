// Package httpapi is the thin, context-aware client for the external vault
// server contract. It owns an *http.Client, adds the bearer token on every
// authenticated call, and decodes the server's error body shape into the
// internal/vaulterr taxonomy. It never retains decrypted plaintext or key
// material.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucidvault/vaultcore/internal/vaulterr"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 10 * time.Second

// Client is the HTTP surface consumed by internal/service and
// internal/syncengine.
type Client struct {
	baseURL string
	http    *http.Client

	onUnauthorized func()
}

// New constructs a Client against baseURL. An empty baseURL is accepted
// here; every call-site checks it and returns vaulterr.ErrConfigMissing
// before issuing a request.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// SetBaseURL repoints the client at a new base URL, keeping registered
// callbacks and the underlying transport. Used on settings changes.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// OnUnauthorized registers a callback invoked whenever a call receives a
// 401 response, before the error is returned to the caller.
func (c *Client) OnUnauthorized(fn func()) {
	c.onUnauthorized = fn
}

// KDFParams mirrors the server's KDF/HKDF disclosure.
type KDFParams struct {
	Algo     string `json:"algo"`
	Salt     string `json:"salt"`
	M        uint32 `json:"m"`
	T        uint32 `json:"t"`
	P        uint8  `json:"p"`
	HKDFSalt string `json:"hkdf_salt"`
}

// RegisterResponse is the body of POST /auth/register.
type RegisterResponse struct {
	UserID string    `json:"user_id"`
	KDF    KDFParams `json:"kdf"`
}

// LoginResponse is the body of POST /auth/login.
type LoginResponse struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt int64     `json:"expires_at"`
	KDF       KDFParams `json:"kdf"`
	WrappedMK *string   `json:"wrapped_mk"`
}

// SessionResponse is the body of GET /auth/session.
type SessionResponse struct {
	UserID    string `json:"user_id"`
	Valid     bool   `json:"valid"`
	ExpiresAt int64  `json:"expires_at"`
}

// VaultResponse is the body of GET /vault.
type VaultResponse struct {
	VaultID     string `json:"vault_id"`
	Version     uint64 `json:"version"`
	HasManifest bool   `json:"has_manifest"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ManifestResponse is the body of GET /vault/manifest.
type ManifestResponse struct {
	VaultID    string `json:"vault_id"`
	Version    uint64 `json:"version"`
	ETag       string `json:"etag"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	UpdatedAt  int64  `json:"updated_at"`
}

// PutManifestRequest is the body of PUT /vault/manifest.
type PutManifestRequest struct {
	Version    uint64 `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// PutManifestResponse is the 2xx body of PUT /vault/manifest.
type PutManifestResponse struct {
	VaultID   string `json:"vault_id"`
	Version   uint64 `json:"version"`
	ETag      string `json:"etag"`
	UpdatedAt int64  `json:"updated_at"`
}

// HeadManifestResult carries the headers-only response to HEAD /vault/manifest.
type HeadManifestResult struct {
	ETag    string
	Version uint64
}

type errorBody struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (c *Client) Register(ctx context.Context, login, password string) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.do(ctx, http.MethodPost, "/auth/register", "", map[string]string{"login": login, "password": password}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, login, password string) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{"login": login, "password": password}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, token string) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
	if isStatus(err, http.StatusUnauthorized) {
		return nil // an already-dead session is a successful logout
	}
	return err
}

func (c *Client) GetSession(ctx context.Context, token string) (SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodGet, "/auth/session", token, nil, &out)
	return out, err
}

func (c *Client) UploadWMK(ctx context.Context, token, wrappedMK string) error {
	return c.do(ctx, http.MethodPost, "/user/wmk", token, map[string]string{"wrapped_mk": wrappedMK}, nil)
}

func (c *Client) GetVault(ctx context.Context, token string) (VaultResponse, error) {
	var out VaultResponse
	err := c.do(ctx, http.MethodGet, "/vault", token, nil, &out)
	return out, err
}

// GetManifest fetches the current manifest envelope. A 404 is reported as
// ok=false with no error, since an absent manifest is an expected state
// for a brand-new vault.
func (c *Client) GetManifest(ctx context.Context, token string) (ManifestResponse, bool, error) {
	var out ManifestResponse
	err := c.do(ctx, http.MethodGet, "/vault/manifest", token, nil, &out)
	if isStatus(err, http.StatusNotFound) {
		return ManifestResponse{}, false, nil
	}
	return out, err == nil, err
}

func (c *Client) HeadManifest(ctx context.Context, token string) (HeadManifestResult, error) {
	if c.baseURL == "" {
		return HeadManifestResult{}, vaulterr.ErrConfigMissing
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/vault/manifest", nil)
	if err != nil {
		return HeadManifestResult{}, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return HeadManifestResult{}, fmt.Errorf("%w: %v", vaulterr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(resp, token); err != nil {
		return HeadManifestResult{}, err
	}

	var version uint64
	fmt.Sscanf(resp.Header.Get("X-Vault-Version"), "%d", &version)
	return HeadManifestResult{ETag: resp.Header.Get("ETag"), Version: version}, nil
}

// PutManifest issues the optimistic-concurrency write: ifMatch is sent as
// If-Match only when non-empty (the vault has been saved at least once).
func (c *Client) PutManifest(ctx context.Context, token string, body PutManifestRequest, ifMatch string) (PutManifestResponse, error) {
	var out PutManifestResponse
	err := c.doWithHeaders(ctx, http.MethodPut, "/vault/manifest", token, body, &out, func(req *http.Request) {
		if ifMatch != "" {
			req.Header.Set("If-Match", ifMatch)
		}
	})
	return out, err
}

func (c *Client) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	return c.doWithHeaders(ctx, method, path, token, body, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path, token string, body, out any, mutate func(*http.Request)) error {
	if c.baseURL == "" {
		return vaulterr.ErrConfigMissing
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, token)
	if mutate != nil {
		mutate(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", vaulterr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(resp, token); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus maps a non-2xx response to the vaulterr taxonomy. A 401
// additionally invokes the registered unauthorized callback.
func (c *Client) classifyStatus(resp *http.Response, token string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return vaulterr.ErrUnauthenticated
	case http.StatusConflict:
		return &vaulterr.HTTPError{Status: resp.StatusCode, Message: eb.Error}
	case http.StatusRequestEntityTooLarge:
		return vaulterr.ErrPayloadTooLarge
	default:
		return &vaulterr.HTTPError{Status: resp.StatusCode, Message: eb.Error}
	}
}

func isStatus(err error, status int) bool {
	if err == nil {
		return false
	}
	var httpErr *vaulterr.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == status
	}
	return status == http.StatusUnauthorized && errors.Is(err, vaulterr.ErrUnauthenticated)
}

// IsConflict reports whether err is the 409 response from PutManifest.
func IsConflict(err error) bool {
	return isStatus(err, http.StatusConflict)
}
