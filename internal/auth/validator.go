// Package auth generates, hashes and validates tenant API keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"upgateway/internal/models"
	"upgateway/internal/store"
	"upgateway/internal/tasks"
)

// ErrInvalidKey covers every routine rejection: malformed, unknown, inactive,
// expired, or owned by a tenant that is not active. Callers cannot tell them apart.
var ErrInvalidKey = errors.New("invalid api key")

type KeyStore interface {
	FindAPIKeyByHash(ctx context.Context, hash string) (*store.KeyRecord, error)
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
}

type TaskRunner interface {
	Go(name string, fn tasks.Func) bool
}

type Validator struct {
	Store   KeyStore
	Tasks   TaskRunner
	Logger  *zap.Logger
	Timeout time.Duration
	Now     func() time.Time

	lookups singleflight.Group
}

func NewValidator(st KeyStore, runner TaskRunner, logger *zap.Logger, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Validator{Store: st, Tasks: runner, Logger: logger, Timeout: timeout, Now: time.Now}
}

// Validate resolves raw to a tenant context. Lookup failures are returned as
// wrapped errors and must be treated as a denial; the key store gates access.
func (v *Validator) Validate(ctx context.Context, raw string) (*models.TenantContext, error) {
	if !ValidFormat(raw) {
		return nil, ErrInvalidKey
	}
	hash := HashAPIKey(raw)

	// Concurrent requests with the same key share one lookup. The shared call
	// is detached from any single caller's cancellation.
	ch := v.lookups.DoChan(hash, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.Timeout)
		defer cancel()
		return v.Store.FindAPIKeyByHash(lctx, hash)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		if errors.Is(res.Err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		v.Logger.Warn("api key lookup failed", zap.Error(res.Err), zap.Bool("shared", res.Shared))
		return nil, fmt.Errorf("lookup api key: %w", res.Err)
	}
	rec := res.Val.(*store.KeyRecord)

	now := v.Now()
	if !rec.Key.Usable(now) || rec.Tenant.Status != models.TenantActive {
		return nil, ErrInvalidKey
	}

	v.touch(rec.Key.ID, now)

	return &models.TenantContext{
		Tenant: rec.Tenant,
		APIKey: rec.Key,
		Scopes: append([]string(nil), rec.Key.Scopes...),
	}, nil
}

func (v *Validator) touch(keyID string, at time.Time) {
	if v.Tasks == nil {
		return
	}
	v.Tasks.Go("touch_api_key", func(ctx context.Context) error {
		if err := v.Store.TouchAPIKey(ctx, keyID, at); err != nil {
			return fmt.Errorf("key %s: %w", keyID, err)
		}
		return nil
	})
}
