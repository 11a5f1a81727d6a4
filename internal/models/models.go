package models

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

type TenantStatus string

const (
	TenantActive       TenantStatus = "active"
	TenantSuspended    TenantStatus = "suspended"
	TenantPendingSetup TenantStatus = "pending_setup"
)

func (s TenantStatus) Valid() bool {
	switch s {
	case TenantActive, TenantSuspended, TenantPendingSetup:
		return true
	}
	return false
}

// Default scopes granted to a key created without an explicit list.
var DefaultScopes = []string{"sdk:read", "sdk:write"}

const (
	DefaultRateLimitPerMinute = 1000
	DefaultMonthlyAPICalls    = 10000
)

type Tenant struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Slug               string         `json:"slug"`
	BranchID           string         `json:"branch_id,omitempty"`
	DatabaseURL        string         `json:"-"`
	Plan               Plan           `json:"plan"`
	MaxMonthlyAPICalls int64          `json:"max_monthly_api_calls"`
	MaxExperiments     int            `json:"max_experiments"`
	MaxUsers           int            `json:"max_users"`
	Status             TenantStatus   `json:"status"`
	Settings           map[string]any `json:"settings"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Setting returns a string setting or "" when absent.
func (t *Tenant) Setting(key string) string {
	if t == nil || t.Settings == nil {
		return ""
	}
	v, _ := t.Settings[key].(string)
	return v
}

// APIKey never carries the plaintext secret, only its hash and display prefix.
type APIKey struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	Prefix             string     `json:"key_prefix"`
	Hash               string     `json:"-"`
	Name               string     `json:"name"`
	Scopes             []string   `json:"scopes"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	IsActive           bool       `json:"is_active"`
	LastUsedAt         *time.Time `json:"last_used_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Usable reports whether the key itself may authenticate at now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// TenantContext is derived per request and never persisted.
type TenantContext struct {
	Tenant Tenant
	APIKey APIKey
	Scopes []string
}

// HasScope matches exact scopes and trailing wildcards sharing the same
// segment before ':' ("sdk:*" satisfies "sdk:read").
func (c *TenantContext) HasScope(required string) bool {
	if required == "" {
		return true
	}
	reqPrefix, _, _ := strings.Cut(required, ":")
	for _, scope := range c.Scopes {
		if scope == required {
			return true
		}
		prefix, rest, ok := strings.Cut(scope, ":")
		if ok && rest == "*" && prefix == reqPrefix {
			return true
		}
	}
	return false
}

type UsageRecord struct {
	TenantID        string    `json:"tenant_id"`
	BucketHour      time.Time `json:"bucket_hour"`
	APICalls        int64     `json:"api_calls"`
	AssignmentCalls int64     `json:"assignment_calls"`
	LogCalls        int64     `json:"log_calls"`
	UniqueUsers     int64     `json:"unique_users"`
}

type UsageSummary struct {
	TenantID        string    `json:"tenant_id"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	TotalAPICalls   int64     `json:"total_api_calls"`
	AssignmentCalls int64     `json:"assignment_calls"`
	LogCalls        int64     `json:"log_calls"`
	UniqueUsers     int64     `json:"unique_users"`
}

type ErrorDetail struct {
	Message       string `json:"message"`
	Type          string `json:"type"`
	Code          string `json:"code"`
	RequiredScope string `json:"required_scope,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
	Used  *int64      `json:"used,omitempty"`
	Limit *int64      `json:"limit,omitempty"`
}
