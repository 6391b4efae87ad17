package testserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucidvault/vaultcore/internal/testserver"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := testserver.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(testserver.New(store).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body, out any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestRegisterThenLoginReturnsKDFAndNoWrappedMK(t *testing.T) {
	srv := newServer(t)

	var reg map[string]any
	resp := doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]string{"login": "alice", "password": "hunter2"}, &reg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, reg["user_id"])

	var login map[string]any
	resp = doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{"login": "alice", "password": "hunter2"}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, login["wrapped_mk"])
	require.NotEmpty(t, login["token"])
}

func TestLoginWrongPasswordIsUnauthorized(t *testing.T) {
	srv := newServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]string{"login": "bob", "password": "correct-horse"}, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{"login": "bob", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetManifestNotFoundUntilFirstPut(t *testing.T) {
	srv := newServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]string{"login": "carol", "password": "pw"}, nil)
	var login map[string]any
	doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{"login": "carol", "password": "pw"}, &login)
	token := login["token"].(string)

	resp := doJSON(t, http.MethodGet, srv.URL+"/vault/manifest", token, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var put map[string]any
	resp = doJSON(t, http.MethodPut, srv.URL+"/vault/manifest", token,
		map[string]any{"version": 1, "nonce": "n", "ciphertext": "c"}, &put)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), put["version"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/vault/manifest", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPutManifestWithStaleIfMatchConflicts(t *testing.T) {
	srv := newServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]string{"login": "dave", "password": "pw"}, nil)
	var login map[string]any
	doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{"login": "dave", "password": "pw"}, &login)
	token := login["token"].(string)

	doJSON(t, http.MethodPut, srv.URL+"/vault/manifest", token, map[string]any{"version": 1, "nonce": "n", "ciphertext": "c"}, nil)

	resp := doJSONWithIfMatch(t, srv.URL+"/vault/manifest", token, "stale-etag", map[string]any{"version": 2, "nonce": "n2", "ciphertext": "c2"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func doJSONWithIfMatch(t *testing.T, url, token, ifMatch string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-Match", ifMatch)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
