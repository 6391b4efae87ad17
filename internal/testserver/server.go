package testserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// TestKDFParams is a deliberately light Argon2id parameter set for fixture
// servers: production clients derive UEK under 512 MiB/t=3, but a test
// server handing those out on every Register call would make the test
// suite slow for no benefit, since the tests exercise the wire protocol,
// not Argon2id's cost.
var TestKDFParams = struct {
	MemoryMB    uint32
	Time        uint32
	Parallelism uint8
}{MemoryMB: 19, Time: 2, Parallelism: 1}

// Server is the httptest-mountable handler implementing the vault API.
type Server struct {
	store *Store

	mu       sync.Mutex
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	userID    string
	expiresAt time.Time
}

// New constructs a Server backed by store.
func New(store *Store) *Server {
	return &Server{store: store, sessions: make(map[string]sessionEntry)}
}

// Handler returns the http.Handler mounting every vault API route.
func (s *Server) Handler() http.Handler {
	routes := map[string]http.HandlerFunc{
		"POST /auth/register":  s.handleRegister,
		"POST /auth/login":     s.handleLogin,
		"POST /auth/logout":    s.handleLogout,
		"GET /auth/session":    s.handleGetSession,
		"POST /user/wmk":       s.handleUploadWMK,
		"GET /vault":           s.handleGetVault,
		"GET /vault/manifest":  s.handleGetManifest,
		"HEAD /vault/manifest": s.handleHeadManifest,
		"PUT /vault/manifest":  s.handlePutManifest,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := routes[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct{ Login, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	passwordSalt := mustRandom(16)
	kdfSalt := mustRandom(16)
	hkdfSalt := mustRandom(16)
	hash := hashPassword(req.Password, passwordSalt)

	u := User{
		ID:           uuid.NewString(),
		Login:        req.Login,
		PasswordHash: hash,
		PasswordSalt: passwordSalt,
		KDFSalt:      kdfSalt,
		HKDFSalt:     hkdfSalt,
	}
	if err := s.store.CreateUser(u); err != nil {
		writeError(w, http.StatusConflict, "login already registered")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": u.ID,
		"kdf": map[string]any{
			"algo":      "argon2id",
			"salt":      base64.StdEncoding.EncodeToString(kdfSalt),
			"m":         TestKDFParams.MemoryMB,
			"t":         TestKDFParams.Time,
			"p":         TestKDFParams.Parallelism,
			"hkdf_salt": base64.StdEncoding.EncodeToString(hkdfSalt),
		},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct{ Login, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	u, err := s.store.UserByLogin(req.Login)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if subtle.ConstantTimeCompare(hashPassword(req.Password, u.PasswordSalt), u.PasswordHash) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := mustRandomB64(32)
	expiresAt := time.Now().Add(time.Hour)
	s.mu.Lock()
	s.sessions[token] = sessionEntry{userID: u.ID, expiresAt: expiresAt}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    u.ID,
		"token":      token,
		"expires_at": expiresAt.Unix(),
		"kdf": map[string]any{
			"algo":      "argon2id",
			"salt":      base64.StdEncoding.EncodeToString(u.KDFSalt),
			"m":         TestKDFParams.MemoryMB,
			"t":         TestKDFParams.Time,
			"p":         TestKDFParams.Parallelism,
			"hkdf_salt": base64.StdEncoding.EncodeToString(u.HKDFSalt),
		},
		"wrapped_mk": u.WrappedMK,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    sess.userID,
		"valid":      true,
		"expires_at": sess.expiresAt.Unix(),
	})
}

func (s *Server) handleUploadWMK(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		WrappedMK string `json:"wrapped_mk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WrappedMK == "" {
		writeError(w, http.StatusBadRequest, "wrapped_mk is required")
		return
	}
	if err := s.store.SetWrappedMK(sess.userID, req.WrappedMK); err != nil {
		writeError(w, http.StatusBadRequest, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	m, err := s.store.ManifestByVault(sess.userID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"vault_id": sess.userID, "version": 0, "has_manifest": false, "updated_at": 0,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id": sess.userID, "version": m.Version, "has_manifest": true, "updated_at": m.UpdatedAt,
	})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	m, err := s.store.ManifestByVault(sess.userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "manifest not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id": m.VaultID, "version": m.Version, "etag": m.ETag,
		"nonce": m.Nonce, "ciphertext": m.Ciphertext, "updated_at": m.UpdatedAt,
	})
}

func (s *Server) handleHeadManifest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	m, err := s.store.ManifestByVault(sess.userID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", m.ETag)
	w.Header().Set("X-Vault-Version", strconv.FormatUint(m.Version, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Version    uint64 `json:"version"`
		Nonce      string `json:"nonce"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	if len(req.Ciphertext) > maxManifestCiphertextLen {
		writeError(w, http.StatusRequestEntityTooLarge, "manifest exceeds server size limit")
		return
	}

	m, err := s.store.PutManifest(sess.userID, req.Version, req.Nonce, req.Ciphertext, r.Header.Get("If-Match"), time.Now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusConflict, "version mismatch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id": m.VaultID, "version": m.Version, "etag": m.ETag, "updated_at": m.UpdatedAt,
	})
}

// maxManifestCiphertextLen bounds the base64 ciphertext accepted by PUT
// /vault/manifest, giving clients a 413 path to exercise.
const maxManifestCiphertextLen = 1 << 20

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (sessionEntry, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return sessionEntry{}, false
	}

	s.mu.Lock()
	sess, ok := s.sessions[token]
	s.mu.Unlock()

	if !ok || sess.expiresAt.Before(time.Now()) {
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
		return sessionEntry{}, false
	}
	return sess, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 2, 19*1024, 1, 32)
}

func mustRandom(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("testserver: read random bytes: %v", err))
	}
	return b
}

func mustRandomB64(n int) string {
	return base64.StdEncoding.EncodeToString(mustRandom(n))
}
