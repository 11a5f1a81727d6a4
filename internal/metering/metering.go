// Package metering records hourly usage per tenant and answers monthly quota
// checks against it.
package metering

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"upgateway/internal/models"
	"upgateway/internal/policy"
	"upgateway/internal/store"
)

type EndpointKind string

const (
	KindGeneric EndpointKind = "generic"
	KindAssign  EndpointKind = "assign"
	KindLog     EndpointKind = "log"
)

// ClassifyEndpoint maps a logical gateway path to the counter it feeds.
func ClassifyEndpoint(path string) EndpointKind {
	switch {
	case strings.Contains(path, "/assign"):
		return KindAssign
	case strings.Contains(path, "/log"):
		return KindLog
	}
	return KindGeneric
}

func (k EndpointKind) delta() store.UsageDelta {
	d := store.UsageDelta{APICalls: 1}
	switch k {
	case KindAssign:
		d.AssignmentCalls = 1
	case KindLog:
		d.LogCalls = 1
	}
	return d
}

// HourBucket truncates t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// HashUserID keeps raw end-user identifiers out of the usage tables.
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

type UsageStore interface {
	IncrementUsage(ctx context.Context, tenantID string, bucket time.Time, delta store.UsageDelta, userHash string) error
	SumAPICalls(ctx context.Context, tenantID string, since time.Time) (int64, error)
	UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*models.UsageSummary, error)
}

type QuotaResult struct {
	Allowed bool
	Used    int64
	Limit   int64
}

type Tracker struct {
	Store   UsageStore
	Timeout time.Duration
	OnError policy.Failure
	Now     func() time.Time
}

func NewTracker(st UsageStore, timeout time.Duration, onError policy.Failure) *Tracker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Tracker{Store: st, Timeout: timeout, OnError: onError, Now: time.Now}
}

// Record adds one call to the tenant's current hour bucket. It is meant to
// run as a background task; the caller only logs the returned error.
func (t *Tracker) Record(ctx context.Context, tenantID string, kind EndpointKind, userID string) error {
	var userHash string
	if userID != "" {
		userHash = HashUserID(userID)
	}
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	if err := t.Store.IncrementUsage(ctx, tenantID, HourBucket(t.Now()), kind.delta(), userHash); err != nil {
		return fmt.Errorf("record usage for tenant %s: %w", tenantID, err)
	}
	return nil
}

// CheckQuota sums the current calendar month. When the store fails the
// result follows OnError and the error is returned for logging only.
func (t *Tracker) CheckQuota(ctx context.Context, tenant *models.Tenant) (QuotaResult, error) {
	res := QuotaResult{Limit: tenant.MaxMonthlyAPICalls}
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	used, err := t.Store.SumAPICalls(ctx, tenant.ID, MonthStart(t.Now()))
	if err != nil {
		res.Allowed = t.OnError.Admit()
		return res, fmt.Errorf("check quota for tenant %s: %w", tenant.ID, err)
	}
	res.Used = used
	res.Allowed = used < res.Limit
	return res, nil
}

// Summary totals the tenant's buckets in [from, to).
func (t *Tracker) Summary(ctx context.Context, tenantID string, from, to time.Time) (*models.UsageSummary, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("empty usage range %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return t.Store.UsageSummary(ctx, tenantID, from.UTC(), to.UTC())
}
