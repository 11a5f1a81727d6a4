package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminProbe(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var seen string
	h := AdminAuth("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AdminFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &seen
}

func TestAdminAuthAcceptsIssuedToken(t *testing.T) {
	h, seen := adminProbe(t)
	token, err := NewAdminToken("s3cret", "ops", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/tenants/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "ops", *seen)
}

func TestAdminAuthRejects(t *testing.T) {
	expired, err := NewAdminToken("s3cret", "ops", -time.Minute)
	require.NoError(t, err)
	wrongSecret, err := NewAdminToken("other", "ops", time.Hour)
	require.NoError(t, err)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "ops"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic b3BzOnB3",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + wrongSecret,
		"alg none":     "Bearer " + unsigned,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h, seen := adminProbe(t)
			req := httptest.NewRequest(http.MethodGet, "/admin/tenants/x", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"authentication_error"`)
			assert.Empty(t, *seen)
		})
	}
}

func TestRequestID(t *testing.T) {
	var forwarded string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = r.Header.Get(RequestIDHeader)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.NotEmpty(t, forwarded)
	assert.Len(t, forwarded, 27)
	assert.Equal(t, forwarded, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", forwarded)
	assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))
}
