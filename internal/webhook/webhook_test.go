package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upgateway/internal/models"
	"upgateway/internal/tasks"
)

type syncRunner struct{ errs []error }

func (r *syncRunner) Go(_ string, fn tasks.Func) bool {
	r.errs = append(r.errs, fn(context.Background()))
	return true
}

func TestQuotaExceededOncePerMonth(t *testing.T) {
	type delivery struct {
		sig  string
		body []byte
	}
	got := make(chan delivery, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- delivery{sig: r.Header.Get("X-Gateway-Signature"), body: b}
	}))
	defer srv.Close()

	runner := &syncRunner{}
	n := New(runner)
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	n.Now = func() time.Time { return now }

	tenant := &models.Tenant{ID: "tenant-1", Slug: "acme", Settings: map[string]any{SettingURL: srv.URL, SettingSecret: "s3cret"}}

	assert.True(t, n.QuotaExceeded(tenant, 100, 100))
	assert.False(t, n.QuotaExceeded(tenant, 101, 100))

	d := <-got
	assert.Equal(t, Sign("s3cret", d.body), d.sig)
	var ev Event
	require.NoError(t, json.Unmarshal(d.body, &ev))
	assert.Equal(t, EventQuotaExceeded, ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "2026-10", data["month"])
	assert.EqualValues(t, 100, data["used"])

	now = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, n.QuotaExceeded(tenant, 100, 100))
	<-got
	for _, err := range runner.errs {
		assert.NoError(t, err)
	}
}

func TestQuotaExceededWithoutURL(t *testing.T) {
	runner := &syncRunner{}
	n := New(runner)
	assert.False(t, n.QuotaExceeded(&models.Tenant{ID: "tenant-1"}, 5, 5))
	assert.Empty(t, runner.errs)
}

func TestSendReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	runner := &syncRunner{}
	n := New(runner)
	n.QuotaExceeded(&models.Tenant{ID: "t", Settings: map[string]any{SettingURL: srv.URL}}, 1, 1)
	require.Len(t, runner.errs, 1)
	assert.Error(t, runner.errs[0])
}

// flakyRunner refuses the first submission, as a full queue would.
type flakyRunner struct {
	refused bool
	syncRunner
}

func (r *flakyRunner) Go(name string, fn tasks.Func) bool {
	if !r.refused {
		r.refused = true
		return false
	}
	return r.syncRunner.Go(name, fn)
}

func TestQuotaExceededRetriesAfterDroppedTask(t *testing.T) {
	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	runner := &flakyRunner{}
	n := New(runner)
	tenant := &models.Tenant{ID: "tenant-1", Settings: map[string]any{SettingURL: srv.URL}}

	assert.False(t, n.QuotaExceeded(tenant, 10, 10))
	assert.True(t, n.QuotaExceeded(tenant, 11, 10))
	<-hits
	assert.False(t, n.QuotaExceeded(tenant, 12, 10))
	require.Len(t, runner.errs, 1)
	assert.NoError(t, runner.errs[0])
}

func TestQuotaExceededRetriesAfterFailedDelivery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	runner := &syncRunner{}
	n := New(runner)
	tenant := &models.Tenant{ID: "tenant-1", Settings: map[string]any{SettingURL: srv.URL}}

	assert.True(t, n.QuotaExceeded(tenant, 10, 10))
	assert.True(t, n.QuotaExceeded(tenant, 11, 10))
	assert.False(t, n.QuotaExceeded(tenant, 12, 10))
	require.Len(t, runner.errs, 2)
	assert.Error(t, runner.errs[0])
	assert.NoError(t, runner.errs[1])
	assert.EqualValues(t, 2, calls.Load())
}
