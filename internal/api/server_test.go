package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"upgateway/internal/auth"
	"upgateway/internal/gateway"
	"upgateway/internal/limiter"
	"upgateway/internal/metering"
	"upgateway/internal/models"
	"upgateway/internal/policy"
	"upgateway/internal/proxy"
	"upgateway/internal/store"
	"upgateway/internal/tasks"
)

type inlineTasks struct{}

func (inlineTasks) Go(_ string, fn tasks.Func) bool {
	_ = fn(context.Background())
	return true
}

var apiNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

type testServer struct {
	srv     *httptest.Server
	mem     *store.Memory
	backend *httptest.Server
}

func newTestServer(t *testing.T, withAdmin bool) *testServer {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`","tenant":"`+r.Header.Get("X-Tenant-Slug")+`"}`)
	}))
	t.Cleanup(backend.Close)

	mem := store.NewMemory()
	logger := zap.NewNop()
	runner := inlineTasks{}
	lim := limiter.NewMemory(time.Minute, 0)
	t.Cleanup(lim.Stop)
	tracker := metering.NewTracker(mem, time.Second, policy.FailOpen)
	px, err := proxy.New(proxy.Options{BaseURL: backend.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)

	s := &Server{
		Store: mem,
		Usage: tracker,
		Gateway: &gateway.Handler{
			Validator: auth.NewValidator(mem, runner, logger, time.Second),
			Limiter:   lim,
			Usage:     tracker,
			Proxy:     px,
			Tasks:     runner,
			Logger:    logger,
		},
		Routes: gateway.DefaultRoutes(),
		Logger: logger,
		Now:    func() time.Time { return apiNow },
	}
	if withAdmin {
		hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
		require.NoError(t, err)
		s.Admin = AdminCredentials{Username: "ops", PasswordHash: string(hash), JWTSecret: "jwt-secret", TokenTTL: time.Hour}
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, mem: mem, backend: backend}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/admin/login", "", `{"username":"ops","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	for _, path := range []string{"/health", "/v1/health"} {
		resp, body := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "upgrade-gateway", body["service"])
		assert.Equal(t, "2026-10-18T09:30:00Z", body["timestamp"])
		assert.Equal(t, Version, body["version"])
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts := newTestServer(t, false)
	resp, body := ts.do(t, http.MethodGet, "/v1/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"].(map[string]interface{})["code"])

	resp, _ = ts.do(t, http.MethodDelete, "/v1/log", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminDisabledWithoutCredentials(t *testing.T) {
	ts := newTestServer(t, false)
	resp, _ := ts.do(t, http.MethodPost, "/admin/login", "", `{"username":"ops","password":"hunter2"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t, true)
	resp, body := ts.do(t, http.MethodPost, "/admin/login", "", `{"username":"ops","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", body["error"].(map[string]interface{})["code"])

	resp, _ = ts.do(t, http.MethodPost, "/admin/tenants", "", `{"name":"x","slug":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminPreflight(t *testing.T) {
	ts := newTestServer(t, true)
	req, err := http.NewRequest(http.MethodOptions, ts.srv.URL+"/admin/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAdminTenantLifecycle(t *testing.T) {
	ts := newTestServer(t, true)
	token := ts.login(t)

	resp, body := ts.do(t, http.MethodPost, "/admin/tenants", token, `{"name":"Acme","slug":"Not A Slug"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"].(map[string]interface{})["message"], "Slug failed slug")

	resp, body = ts.do(t, http.MethodPost, "/admin/tenants", token, `{"name":"Acme","slug":"acme","plan":"growth"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tenantID := body["id"].(string)
	assert.Equal(t, "growth", body["plan"])
	assert.Equal(t, "active", body["status"])
	assert.EqualValues(t, models.DefaultMonthlyAPICalls, body["max_monthly_api_calls"])

	resp, body = ts.do(t, http.MethodPost, "/admin/tenants/"+tenantID+"/keys", token, `{"name":"web","environment":"test"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plaintext := body["key"].(string)
	assert.True(t, strings.HasPrefix(plaintext, "upg_test_"))
	apiKey := body["api_key"].(map[string]interface{})
	keyID := apiKey["id"].(string)
	assert.NotContains(t, apiKey, "key_hash")
	assert.EqualValues(t, models.DefaultRateLimitPerMinute, apiKey["rate_limit_per_minute"])

	// The new key drives the gateway.
	resp, body = ts.do(t, http.MethodPost, "/v1/log", plaintext, `{"userId":"u-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/v6/log", body["path"])
	assert.Equal(t, "acme", body["tenant"])
	assert.Equal(t, "999", resp.Header.Get("X-RateLimit-Remaining"))

	resp, body = ts.do(t, http.MethodGet, "/admin/tenants/"+tenantID+"/usage?from=2026-01-01T00:00:00Z&to=2030-01-01T00:00:00Z", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_api_calls"])
	assert.EqualValues(t, 1, body["log_calls"])
	assert.EqualValues(t, 1, body["unique_users"])

	resp, _ = ts.do(t, http.MethodGet, "/admin/tenants/"+tenantID+"/usage?from=yesterday", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPut, "/admin/tenants/"+tenantID+"/status", token, `{"status":"suspended"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/v1/log", plaintext, `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPut, "/admin/tenants/"+tenantID+"/status", token, `{"status":"active"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/admin/keys/"+keyID, token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/v1/log", plaintext, `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/admin/keys/"+keyID+"-missing", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/admin/tenants/"+tenantID+"/keys", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var keys []models.APIKey
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&keys))
	require.Len(t, keys, 1)
	assert.False(t, keys[0].IsActive)
}

func TestAdminUnknownTenant(t *testing.T) {
	ts := newTestServer(t, true)
	token := ts.login(t)

	resp, _ := ts.do(t, http.MethodGet, "/admin/tenants/missing", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPut, "/admin/tenants/missing/status", token, `{"status":"active"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPut, "/admin/tenants/missing/status", token, `{"status":"deleted"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayPreflightBypassesAdminCORS(t *testing.T) {
	ts := newTestServer(t, true)
	req, err := http.NewRequest(http.MethodOptions, ts.srv.URL+"/v1/assign", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
}
