package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"upgateway/internal/models"
)

type usageKey struct {
	tenantID string
	bucket   int64
}

type userKey struct {
	usageKey
	userHash string
}

// Memory is an in-process implementation of the store, used for local
// development and tests. Methods are safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	tenants     map[string]models.Tenant
	keys        map[string]models.APIKey
	keysByHash  map[string]string
	usage       map[usageKey]*models.UsageRecord
	uniqueUsers map[userKey]struct{}

	// Err, when set, is returned by every call. Tests use it to simulate an outage.
	Err error
}

func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[string]models.Tenant),
		keys:        make(map[string]models.APIKey),
		keysByHash:  make(map[string]string),
		usage:       make(map[usageKey]*models.UsageRecord),
		uniqueUsers: make(map[userKey]struct{}),
	}
}

func (m *Memory) FindAPIKeyByHash(ctx context.Context, hash string) (*KeyRecord, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keysByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	k := m.keys[id]
	t, ok := m.tenants[k.TenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &KeyRecord{Tenant: t, Key: cloneKey(k)}, nil
}

func (m *Memory) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	if err := m.fail(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	k.LastUsedAt = &at
	m.keys[keyID] = k
	return nil
}

func (m *Memory) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if err := m.fail(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return errors.New("tenant already exists")
	}
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return errors.New("tenant slug already exists")
		}
	}
	if t.Settings == nil {
		t.Settings = map[string]any{}
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *Memory) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus) error {
	if err := m.fail(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	m.tenants[id] = t
	return nil
}

func (m *Memory) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	if err := m.fail(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keysByHash[k.Hash]; ok {
		return errors.New("api key hash already exists")
	}
	if _, ok := m.tenants[k.TenantID]; !ok {
		return ErrNotFound
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	m.keys[k.ID] = cloneKey(*k)
	m.keysByHash[k.Hash] = k.ID
	return nil
}

func (m *Memory) ListAPIKeys(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.APIKey
	for _, k := range m.keys {
		if k.TenantID == tenantID {
			out = append(out, cloneKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := m.fail(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	k.IsActive = false
	m.keys[keyID] = k
	return nil
}

func (m *Memory) IncrementUsage(ctx context.Context, tenantID string, bucket time.Time, delta UsageDelta, userHash string) error {
	if err := m.fail(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey{tenantID: tenantID, bucket: bucket.Unix()}
	rec, ok := m.usage[key]
	if !ok {
		rec = &models.UsageRecord{TenantID: tenantID, BucketHour: bucket.UTC()}
		m.usage[key] = rec
	}
	rec.APICalls += delta.APICalls
	rec.AssignmentCalls += delta.AssignmentCalls
	rec.LogCalls += delta.LogCalls
	if userHash != "" {
		uk := userKey{usageKey: key, userHash: userHash}
		if _, seen := m.uniqueUsers[uk]; !seen {
			m.uniqueUsers[uk] = struct{}{}
			rec.UniqueUsers++
		}
	}
	return nil
}

func (m *Memory) SumAPICalls(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	if err := m.fail(ctx); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for k, rec := range m.usage {
		if k.tenantID == tenantID && k.bucket >= since.Unix() {
			total += rec.APICalls
		}
	}
	return total, nil
}

func (m *Memory) GetUsageRecord(ctx context.Context, tenantID string, bucket time.Time) (*models.UsageRecord, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.usage[usageKey{tenantID: tenantID, bucket: bucket.Unix()}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *Memory) UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*models.UsageSummary, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := models.UsageSummary{TenantID: tenantID, From: from, To: to}
	for k, rec := range m.usage {
		if k.tenantID != tenantID || k.bucket < from.Unix() || k.bucket >= to.Unix() {
			continue
		}
		out.TotalAPICalls += rec.APICalls
		out.AssignmentCalls += rec.AssignmentCalls
		out.LogCalls += rec.LogCalls
		out.UniqueUsers += rec.UniqueUsers
	}
	return &out, nil
}

func (m *Memory) fail(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Err
}

// SetErr changes the simulated outage error.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

func cloneKey(k models.APIKey) models.APIKey {
	k.Scopes = append([]string(nil), k.Scopes...)
	return k
}
