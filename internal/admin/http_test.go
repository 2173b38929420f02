package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
)

const testAPIKey = "admin-secret"

type fakeSessions struct {
	list    []dtls.SessionInfo
	evicted []string
}

func (f *fakeSessions) Sessions() []dtls.SessionInfo { return f.list }

func (f *fakeSessions) Evict(peer string) bool {
	for i, s := range f.list {
		if s.Peer == peer {
			f.list = append(f.list[:i], f.list[i+1:]...)
			f.evicted = append(f.evicted, peer)
			return true
		}
	}
	return false
}

func newTestMux(t *testing.T, creds CredentialService) (*http.ServeMux, *fakeSessions) {
	t.Helper()
	sessions := &fakeSessions{list: []dtls.SessionInfo{{
		ID:          "8c0a4f0e-0000-0000-0000-000000000001",
		Peer:        "127.0.0.1:40000",
		State:       "established",
		CipherSuite: "TLS_PSK_WITH_AES_128_CCM_8",
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}}}
	mux := http.NewServeMux()
	NewHandler(logging.NewNop(), testAPIKey, sessions, creds).RegisterRoutes(mux)
	return mux, sessions
}

func do(mux http.Handler, method, path string, body any, key string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	rec := do(mux, http.MethodGet, "/api/v1/admin/sessions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(mux, http.MethodGet, "/api/v1/admin/sessions", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	empty := http.NewServeMux()
	NewHandler(logging.NewNop(), "", &fakeSessions{}, nil).RegisterRoutes(empty)
	rec = do(empty, http.MethodGet, "/api/v1/admin/sessions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSessions(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	rec := do(mux, http.MethodGet, "/api/v1/admin/sessions", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "127.0.0.1:40000", resp.Sessions[0].Peer)

	rec = do(mux, http.MethodPost, "/api/v1/admin/sessions", nil, testAPIKey)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEvict(t *testing.T) {
	mux, sessions := newTestMux(t, nil)

	rec := do(mux, http.MethodPost, "/api/v1/admin/sessions/evict", evictRequest{Peer: "127.0.0.1:1"}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["evicted"])

	rec = do(mux, http.MethodPost, "/api/v1/admin/sessions/evict", evictRequest{Peer: "127.0.0.1:40000"}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["evicted"])
	assert.Equal(t, []string{"127.0.0.1:40000"}, sessions.evicted)

	rec = do(mux, http.MethodPost, "/api/v1/admin/sessions/evict", evictRequest{}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPSKRegisterAndUnregister(t *testing.T) {
	store := dtls.NewMemoryPSKStore(logging.NewNop(), nil)
	mux, _ := newTestMux(t, store)

	rec := do(mux, http.MethodPost, "/api/v1/admin/psk/register", pskRegisterRequest{Identity: "device-1", Memo: "lab"}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var reg pskRegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.True(t, reg.Success)
	assert.Len(t, reg.PSK, 2*dtls.DefaultPSKLength)

	key, err := store.LookupPSK(context.Background(), []byte("device-1"))
	require.NoError(t, err)
	want, err := dtls.DecodePSK(reg.PSK)
	require.NoError(t, err)
	assert.Equal(t, want, key)

	rec = do(mux, http.MethodPost, "/api/v1/admin/psk/unregister", pskUnregisterRequest{Identity: "device-1"}, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(mux, http.MethodPost, "/api/v1/admin/psk/unregister", pskUnregisterRequest{Identity: "device-1"}, testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodPost, "/api/v1/admin/psk/register", pskRegisterRequest{Identity: "  "}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodGet, "/api/v1/admin/psk/register", nil, testAPIKey)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPSKEndpointsWithoutCredentials(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := do(mux, http.MethodPost, "/api/v1/admin/psk/register", pskRegisterRequest{Identity: "a"}, testAPIKey)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestNormalizeIdentity(t *testing.T) {
	id, err := normalizeIdentity("  dupa ")
	require.NoError(t, err)
	assert.Equal(t, "dupa", id)

	_, err = normalizeIdentity("bad\nid")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = normalizeIdentity(string(make([]byte, maxIdentityLength+1)))
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer(":0", http.NewServeMux())
	assert.Equal(t, ":0", srv.Addr)
	assert.NotNil(t, srv.TLSNextProto)
}
