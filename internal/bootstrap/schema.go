package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS xero_grants (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'xero',
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		refresh_token_issued_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_xero_grants_org ON xero_grants (org_id)`,
	`CREATE TABLE IF NOT EXISTS xero_tenant_bindings (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'xero',
		tenant_id TEXT NOT NULL,
		tenant_name TEXT NOT NULL DEFAULT '',
		active_grant_id BIGINT NOT NULL REFERENCES xero_grants(id),
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (provider, tenant_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_xero_tenant_bindings_org ON xero_tenant_bindings (org_id)`,
}

// EnsureSchema creates the credential tables on startup if absent.
// Idempotent; real deployments run migrations, this keeps dev/e2e working
// against an empty database.
func EnsureSchema(lc fx.Lifecycle, pool *pgxpool.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return Migrate(ctx, pool, logger)
		},
	})
}

// Migrate applies the schema statements directly.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	if logger != nil {
		logger.Info("schema bootstrap complete")
	}
	return nil
}
