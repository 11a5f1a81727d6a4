package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"upgateway/internal/api"
	"upgateway/internal/auth"
	"upgateway/internal/middleware"
	"upgateway/internal/models"
	"upgateway/internal/secrets"
	"upgateway/internal/store"
	"upgateway/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("db connect failed: %w", err)
		}
		defer pool.Close()
		applied, err := migrations.Apply(ctx, pool)
		if err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
		for _, name := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a development tenant and print a one-time test key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		box, err := secrets.NewBox(cfg.Secrets.Key)
		if err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("db connect failed: %w", err)
		}
		defer pool.Close()
		tenant, key, err := seedDev(ctx, store.New(pool, box), time.Now())
		if err != nil {
			return fmt.Errorf("seed failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tenant  %s (%s)\n", tenant.ID, tenant.Slug)
		fmt.Fprintf(out, "api key %s\n", key)
		fmt.Fprintln(out, "the key is shown once; store it now")
		return nil
	},
}

var (
	keygenEnv     string
	keygenSecrets bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and print its plaintext, prefix and hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenSecrets {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		}
		gen, err := auth.GenerateAPIKey(keygenEnv)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key    %s\n", gen.Plaintext)
		fmt.Fprintf(out, "prefix %s\n", gen.Prefix)
		fmt.Fprintf(out, "hash   %s\n", gen.Hash)
		return nil
	},
}

var adminTokenTTL time.Duration

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin JWT signed with admin.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is not configured")
		}
		ttl := adminTokenTTL
		if ttl <= 0 {
			ttl = cfg.Admin.TokenTTL
		}
		token, err := middleware.NewAdminToken(cfg.Admin.JWTSecret, cfg.Admin.Username, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenEnv, "env", auth.EnvTest, "key environment (live or test)")
	keygenCmd.Flags().BoolVar(&keygenSecrets, "secrets-key", false, "print a fresh base64 value for secrets.key instead")
	adminTokenCmd.Flags().DurationVar(&adminTokenTTL, "ttl", 0, "token lifetime (default admin.token_ttl)")
}

const devTenantSlug = "dev-tenant"

// seedDev creates an active tenant with a full-scope test key and returns the
// key's plaintext.
func seedDev(ctx context.Context, st api.AdminStore, now time.Time) (*models.Tenant, string, error) {
	now = now.UTC()
	tenant := &models.Tenant{
		ID:                 uuid.NewString(),
		Name:               "Development Tenant",
		Slug:               devTenantSlug,
		Plan:               models.PlanFree,
		MaxMonthlyAPICalls: models.DefaultMonthlyAPICalls,
		MaxExperiments:     10,
		MaxUsers:           1000,
		Status:             models.TenantActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		return nil, "", fmt.Errorf("create tenant: %w", err)
	}
	gen, err := auth.GenerateAPIKey(auth.EnvTest)
	if err != nil {
		return nil, "", err
	}
	key := &models.APIKey{
		ID:                 uuid.NewString(),
		TenantID:           tenant.ID,
		Prefix:             gen.Prefix,
		Hash:               gen.Hash,
		Name:               "Development key",
		Scopes:             []string{"sdk:*"},
		RateLimitPerMinute: models.DefaultRateLimitPerMinute,
		IsActive:           true,
		CreatedAt:          now,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	return tenant, gen.Plaintext, nil
}
