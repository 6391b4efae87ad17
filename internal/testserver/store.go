// Package testserver is an in-process httptest fixture implementing the
// vault server's external HTTP contract, backed by a real sqlite database.
// It exists for integration tests exercising the full register -> unlock ->
// apply -> sync path without a real backend; it is not part of the client
// core.
package testserver

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrUserNotFound indicates no account exists for the given login.
var ErrUserNotFound = errors.New("testserver: user not found")

// ErrLoginTaken indicates a register call reused an existing login.
var ErrLoginTaken = errors.New("testserver: login already registered")

// ErrManifestNotFound indicates no manifest has ever been saved for a vault.
var ErrManifestNotFound = errors.New("testserver: manifest not found")

// ErrVersionConflict indicates an optimistic-concurrency mismatch on PUT.
var ErrVersionConflict = errors.New("testserver: version conflict")

// User is a registered account. PasswordHash is the server's own
// authentication verifier (distinct from the client-side Argon2id KDF used
// to derive UEK) and never leaves this package.
type User struct {
	ID           string
	Login        string
	PasswordHash []byte
	PasswordSalt []byte
	KDFSalt      []byte
	HKDFSalt     []byte
	WrappedMK    *string
}

// Manifest is one stored ciphertext envelope plus its optimistic-concurrency
// metadata.
type Manifest struct {
	VaultID    string
	Version    uint64
	ETag       string
	Nonce      string
	Ciphertext string
	UpdatedAt  int64
}

// Store is the sqlite-backed persistence layer for the fixture server.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	login          TEXT NOT NULL UNIQUE,
	password_hash  BLOB NOT NULL,
	password_salt  BLOB NOT NULL,
	kdf_salt       BLOB NOT NULL,
	hkdf_salt      BLOB NOT NULL,
	wrapped_mk     TEXT
);

CREATE TABLE IF NOT EXISTS manifests (
	vault_id   TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	etag       TEXT NOT NULL,
	nonce      TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open opens (creating if absent) the sqlite database at dsn, an in-memory
// database by convention in tests ("file::memory:?cache=shared"), and
// ensures its schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open testserver database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping testserver database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure testserver schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateUser inserts a new account. Returns ErrLoginTaken on a duplicate login.
func (s *Store) CreateUser(u User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, login, password_hash, password_salt, kdf_salt, hkdf_salt, wrapped_mk)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Login, u.PasswordHash, u.PasswordSalt, u.KDFSalt, u.HKDFSalt, u.WrappedMK,
	)
	if err != nil {
		return ErrLoginTaken
	}
	return nil
}

// UserByLogin fetches a user by login, or ErrUserNotFound.
func (s *Store) UserByLogin(login string) (User, error) {
	row := s.db.QueryRow(
		`SELECT id, login, password_hash, password_salt, kdf_salt, hkdf_salt, wrapped_mk
		 FROM users WHERE login = ?`, login)
	return scanUser(row)
}

// UserByID fetches a user by id, or ErrUserNotFound.
func (s *Store) UserByID(id string) (User, error) {
	row := s.db.QueryRow(
		`SELECT id, login, password_hash, password_salt, kdf_salt, hkdf_salt, wrapped_mk
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.PasswordSalt, &u.KDFSalt, &u.HKDFSalt, &u.WrappedMK); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// SetWrappedMK persists the first-unlock WMK upload for a user.
func (s *Store) SetWrappedMK(userID, wrappedMK string) error {
	res, err := s.db.Exec(`UPDATE users SET wrapped_mk = ? WHERE id = ?`, wrappedMK, userID)
	if err != nil {
		return fmt.Errorf("set wrapped mk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ManifestByVault fetches the stored envelope for vaultID, or
// ErrManifestNotFound if the vault has never been saved.
func (s *Store) ManifestByVault(vaultID string) (Manifest, error) {
	row := s.db.QueryRow(
		`SELECT vault_id, version, etag, nonce, ciphertext, updated_at
		 FROM manifests WHERE vault_id = ?`, vaultID)
	var m Manifest
	if err := row.Scan(&m.VaultID, &m.Version, &m.ETag, &m.Nonce, &m.Ciphertext, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Manifest{}, ErrManifestNotFound
		}
		return Manifest{}, fmt.Errorf("scan manifest: %w", err)
	}
	return m, nil
}

// PutManifest performs the optimistic-concurrency write: if ifMatch is
// non-empty, it must equal the stored etag or the call fails with
// ErrVersionConflict. A fresh etag is minted on every accepted write.
func (s *Store) PutManifest(vaultID string, version uint64, nonce, ciphertext string, ifMatch string, nowMs int64) (Manifest, error) {
	existing, err := s.ManifestByVault(vaultID)
	hasExisting := err == nil
	if err != nil && !errors.Is(err, ErrManifestNotFound) {
		return Manifest{}, err
	}

	if ifMatch != "" {
		if !hasExisting || existing.ETag != ifMatch {
			return Manifest{}, ErrVersionConflict
		}
	} else if hasExisting {
		// A write with no If-Match against an already-saved vault is only
		// valid for the very first accepted version.
		return Manifest{}, ErrVersionConflict
	}

	etag, err := newETag()
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{VaultID: vaultID, Version: version, ETag: etag, Nonce: nonce, Ciphertext: ciphertext, UpdatedAt: nowMs}
	_, err = s.db.Exec(
		`INSERT INTO manifests (vault_id, version, etag, nonce, ciphertext, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(vault_id) DO UPDATE SET
			version = excluded.version, etag = excluded.etag,
			nonce = excluded.nonce, ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		m.VaultID, m.Version, m.ETag, m.Nonce, m.Ciphertext, m.UpdatedAt,
	)
	if err != nil {
		return Manifest{}, fmt.Errorf("put manifest: %w", err)
	}
	return m, nil
}

func newETag() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate etag: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}
