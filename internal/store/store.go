package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"upgateway/internal/models"
	"upgateway/internal/secrets"
)

var ErrNotFound = errors.New("not found")

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// KeyRecord is an API key joined with its owning tenant.
type KeyRecord struct {
	Tenant models.Tenant
	Key    models.APIKey
}

// UsageDelta is added to an hourly usage bucket.
type UsageDelta struct {
	APICalls        int64
	AssignmentCalls int64
	LogCalls        int64
}

// Store is the Postgres-backed key and usage store.
type Store struct {
	DB  DB
	Box *secrets.Box
}

func New(db DB, box *secrets.Box) *Store {
	if box == nil {
		box = &secrets.Box{}
	}
	return &Store{DB: db, Box: box}
}

const tenantColumns = `t.id::text, t.name, t.slug, COALESCE(t.neon_branch_id,''), COALESCE(t.database_url_encrypted,''), t.plan, t.max_monthly_api_calls, t.max_experiments, t.max_users, t.status, t.settings, t.created_at, t.updated_at`

const keyColumns = `k.id::text, k.tenant_id::text, k.key_prefix, k.key_hash, k.name, k.scopes, k.rate_limit_per_minute, k.is_active, k.last_used_at, k.expires_at, k.created_at`

func scanTenant(t *models.Tenant, plan, status *string) []any {
	return []any{&t.ID, &t.Name, &t.Slug, &t.BranchID, &t.DatabaseURL, plan, &t.MaxMonthlyAPICalls, &t.MaxExperiments, &t.MaxUsers, status, &t.Settings, &t.CreatedAt, &t.UpdatedAt}
}

func scanKey(k *models.APIKey) []any {
	return []any{&k.ID, &k.TenantID, &k.Prefix, &k.Hash, &k.Name, &k.Scopes, &k.RateLimitPerMinute, &k.IsActive, &k.LastUsedAt, &k.ExpiresAt, &k.CreatedAt}
}

func (s *Store) finishTenant(t *models.Tenant, plan, status string) error {
	t.Plan = models.Plan(plan)
	t.Status = models.TenantStatus(status)
	if t.Settings == nil {
		t.Settings = map[string]any{}
	}
	url, err := s.Box.Open(t.DatabaseURL)
	if err != nil {
		return fmt.Errorf("tenant %s database url: %w", t.ID, err)
	}
	t.DatabaseURL = url
	return nil
}

// FindAPIKeyByHash returns the key and tenant for a hash regardless of their
// status; callers decide whether the pair may authenticate.
func (s *Store) FindAPIKeyByHash(ctx context.Context, hash string) (*KeyRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+tenantColumns+`, `+keyColumns+` FROM api_keys k JOIN tenants t ON k.tenant_id = t.id WHERE k.key_hash = $1`, hash)
	var rec KeyRecord
	var plan, status string
	dest := append(scanTenant(&rec.Tenant, &plan, &status), scanKey(&rec.Key)...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.finishTenant(&rec.Tenant, plan, status); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE api_keys SET last_used_at=$2 WHERE id=$1`, keyID, at)
	return err
}

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	sealed, err := s.Box.Seal(t.DatabaseURL)
	if err != nil {
		return err
	}
	if t.Settings == nil {
		t.Settings = map[string]any{}
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO tenants (id, name, slug, neon_branch_id, database_url_encrypted, plan, max_monthly_api_calls, max_experiments, max_users, status, settings, created_at, updated_at)
	VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$12)`,
		t.ID, t.Name, t.Slug, t.BranchID, sealed, string(t.Plan), t.MaxMonthlyAPICalls, t.MaxExperiments, t.MaxUsers, string(t.Status), t.Settings, t.CreatedAt)
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants t WHERE t.id::text=$1`, id)
	var t models.Tenant
	var plan, status string
	if err := row.Scan(scanTenant(&t, &plan, &status)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.finishTenant(&t, plan, status); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus) error {
	tag, err := s.DB.Exec(ctx, `UPDATE tenants SET status=$2, updated_at=NOW() WHERE id::text=$1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO api_keys (id, tenant_id, key_prefix, key_hash, name, scopes, rate_limit_per_minute, is_active, expires_at, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		k.ID, k.TenantID, k.Prefix, k.Hash, k.Name, k.Scopes, k.RateLimitPerMinute, k.IsActive, k.ExpiresAt, k.CreatedAt)
	return err
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+keyColumns+` FROM api_keys k WHERE k.tenant_id::text=$1 ORDER BY k.created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(scanKey(&k)...); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates a key; keys are never physically deleted.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE api_keys SET is_active=false WHERE id::text=$1`, keyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage adds delta to the tenant's bucket and, when userHash is set,
// records the unique-user marker. A marker that already exists leaves the
// bucket's unique_users untouched.
func (s *Store) IncrementUsage(ctx context.Context, tenantID string, bucket time.Time, delta UsageDelta, userHash string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO usage_records (tenant_id, bucket_hour, api_calls, assignment_calls, log_calls) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (tenant_id, bucket_hour) DO UPDATE SET api_calls = usage_records.api_calls + EXCLUDED.api_calls, assignment_calls = usage_records.assignment_calls + EXCLUDED.assignment_calls, log_calls = usage_records.log_calls + EXCLUDED.log_calls`,
		tenantID, bucket, delta.APICalls, delta.AssignmentCalls, delta.LogCalls); err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	if userHash != "" {
		tag, err := tx.Exec(ctx, `INSERT INTO unique_users_hourly (tenant_id, bucket_hour, user_hash) VALUES ($1,$2,$3) ON CONFLICT (tenant_id, bucket_hour, user_hash) DO NOTHING`, tenantID, bucket, userHash)
		if err != nil {
			return fmt.Errorf("insert unique user: %w", err)
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, `UPDATE usage_records SET unique_users = unique_users + 1 WHERE tenant_id=$1 AND bucket_hour=$2`, tenantID, bucket); err != nil {
				return fmt.Errorf("count unique user: %w", err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SumAPICalls(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	row := s.DB.QueryRow(ctx, `SELECT COALESCE(SUM(api_calls),0)::bigint FROM usage_records WHERE tenant_id=$1 AND bucket_hour >= $2`, tenantID, since)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) GetUsageRecord(ctx context.Context, tenantID string, bucket time.Time) (*models.UsageRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT tenant_id::text, bucket_hour, api_calls, assignment_calls, log_calls, unique_users FROM usage_records WHERE tenant_id=$1 AND bucket_hour=$2`, tenantID, bucket)
	var r models.UsageRecord
	if err := row.Scan(&r.TenantID, &r.BucketHour, &r.APICalls, &r.AssignmentCalls, &r.LogCalls, &r.UniqueUsers); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*models.UsageSummary, error) {
	row := s.DB.QueryRow(ctx, `SELECT COALESCE(SUM(api_calls),0)::bigint, COALESCE(SUM(assignment_calls),0)::bigint, COALESCE(SUM(log_calls),0)::bigint, COALESCE(SUM(unique_users),0)::bigint
	FROM usage_records WHERE tenant_id=$1 AND bucket_hour >= $2 AND bucket_hour < $3`, tenantID, from, to)
	out := models.UsageSummary{TenantID: tenantID, From: from, To: to}
	if err := row.Scan(&out.TotalAPICalls, &out.AssignmentCalls, &out.LogCalls, &out.UniqueUsers); err != nil {
		return nil, err
	}
	return &out, nil
}
