package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambassador/internal/aaa"
	"ambassador/internal/audit"
	"ambassador/internal/authz"
	"ambassador/internal/keys"
	"ambassador/internal/killswitch"
	"ambassador/internal/reload"
	"ambassador/internal/router"
	"ambassador/internal/sharedpool"
	"ambassador/internal/store"
	"ambassador/internal/userpool"
	"ambassador/internal/vault"
)

type discardSink struct{}

func (discardSink) AppendAuditEvents(ctx context.Context, events []store.AuditEvent) error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keysMgr, err := keys.New(st)
	require.NoError(t, err)

	masterKey := make([]byte, 32)
	v, err := vault.New(t.TempDir(), masterKey)
	require.NoError(t, err)

	ks := killswitch.New()
	shared := sharedpool.New()
	perUser := userpool.New(userpool.Config{})
	t.Cleanup(func() { perUser.Shutdown(context.Background()) })
	r := router.New(st, shared, perUser, ks)
	reloader := reload.New(st, shared, perUser)

	buf, err := audit.New(audit.Config{Size: 64}, discardSink{})
	require.NoError(t, err)

	authzEngine := authz.New(st)
	pipeline := aaa.New(keysMgr, authzEngine, r, st, buf)

	return New(st, keysMgr, v, ks, reloader, pipeline, t.TempDir()), st
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAdminGenerateKey_SucceedsOnceThenConflicts(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/admin/keys/generate", nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env["ok"].(bool))

	rec2 := doJSON(t, s, http.MethodPost, "/v1/admin/keys/generate", nil, nil)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestAdminRoutes_RejectMissingAdminKey(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/admin/mcps", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env["ok"].(bool))
}

func TestAdminCreateAndPublishMcp_SucceedsWithAdminKey(t *testing.T) {
	s, _ := newTestServer(t)

	genRec := doJSON(t, s, http.MethodPost, "/v1/admin/keys/generate", nil, nil)
	require.Equal(t, http.StatusCreated, genRec.Code)
	env := decodeEnvelope(t, genRec)
	adminKey := env["data"].(map[string]interface{})["admin_key"].(string)

	headers := map[string]string{"X-Admin-Key": adminKey}
	createRec := doJSON(t, s, http.MethodPost, "/v1/admin/mcps", map[string]interface{}{
		"name":           "search",
		"transport_type": "http",
		"isolation_mode": "shared",
		"config":         base64.StdEncoding.EncodeToString([]byte(`{"url":"https://example.invalid/mcp"}`)),
	}, headers)
	require.Equal(t, http.StatusCreated, createRec.Code, createRec.Body.String())
	created := decodeEnvelope(t, createRec)["data"].(map[string]interface{})
	mcpID := created["mcp_id"].(string)

	validateRec := doJSON(t, s, http.MethodPost, "/v1/admin/mcps/"+mcpID+"/validate", nil, headers)
	assert.Equal(t, http.StatusOK, validateRec.Code)

	publishRec := doJSON(t, s, http.MethodPost, "/v1/admin/mcps/"+mcpID+"/publish", nil, headers)
	assert.Equal(t, http.StatusOK, publishRec.Code, publishRec.Body.String())

	marketRec := doJSON(t, s, http.MethodGet, "/v1/marketplace", nil, nil)
	assert.Equal(t, http.StatusOK, marketRec.Code)
	data := decodeEnvelope(t, marketRec)["data"].([]interface{})
	assert.Len(t, data, 1)
}

func TestAuthLoginThenSession_RoundTrips(t *testing.T) {
	s, st := newTestServer(t)

	hash := keys.HashPassword("hunter2")
	_, err := st.CreateUser(context.Background(), store.User{Username: "alice", PasswordHash: hash})
	require.NoError(t, err)

	loginRec := doJSON(t, s, http.MethodPost, "/v1/auth/login", map[string]string{
		"username": "alice", "password": "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, loginRec.Code, loginRec.Body.String())
	cookies := loginRec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/session", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "alice", data["username"])
}

func TestAuthLogin_RejectsWrongPassword(t *testing.T) {
	s, st := newTestServer(t)
	hash := keys.HashPassword("correct")
	_, err := st.CreateUser(context.Background(), store.User{Username: "bob", PasswordHash: hash})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/v1/auth/login", map[string]string{
		"username": "bob", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvokeTool_FailsClosedWithoutCredentials(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/tools/search/invoke", map[string]interface{}{"arguments": map[string]interface{}{}}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminKillSwitch_TogglesMcpBlock(t *testing.T) {
	s, _ := newTestServer(t)
	genRec := doJSON(t, s, http.MethodPost, "/v1/admin/keys/generate", nil, nil)
	adminKey := decodeEnvelope(t, genRec)["data"].(map[string]interface{})["admin_key"].(string)
	headers := map[string]string{"X-Admin-Key": adminKey}

	rec := doJSON(t, s, http.MethodPost, "/v1/admin/kill-switch/mcp:abc", map[string]bool{"enabled": true}, headers)
	assert.Equal(t, http.StatusOK, rec.Code)
}
