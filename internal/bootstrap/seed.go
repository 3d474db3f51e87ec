package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/xero-connect/internal/cipher"
	"github.com/smallbiznis/xero-connect/internal/config"
	"github.com/smallbiznis/xero-connect/internal/domain"
	"github.com/smallbiznis/xero-connect/internal/repository"
)

// EnsureSeedConnection imports a connection from XERO_SEED_* env vars for
// dev/e2e if the tenant is not bound yet. No-op when the vars are unset.
func EnsureSeedConnection(lc fx.Lifecycle, cfg config.Config, ciph *cipher.Cipher, grants repository.GrantStore, bindings repository.BindingStore, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureSeedConnection(ctx, cfg, ciph, grants, bindings, logger)
		},
	})
}

func ensureSeedConnection(ctx context.Context, cfg config.Config, ciph *cipher.Cipher, grants repository.GrantStore, bindings repository.BindingStore, logger *zap.Logger) error {
	tenantID := strings.TrimSpace(cfg.SeedTenantID)
	refreshToken := strings.TrimSpace(cfg.SeedRefreshToken)
	if tenantID == "" || refreshToken == "" || cfg.SeedOrgID == 0 {
		return nil
	}

	existing, err := bindings.ListBindings(ctx, cfg.SeedOrgID)
	if err != nil {
		return fmt.Errorf("seed binding lookup: %w", err)
	}
	for _, binding := range existing {
		if binding.TenantID == tenantID {
			return nil
		}
	}

	accessCipher, err := ciph.Encrypt(cfg.SeedAccessToken)
	if err != nil {
		return fmt.Errorf("seed encrypt access token: %w", err)
	}
	refreshCipher, err := ciph.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("seed encrypt refresh token: %w", err)
	}

	issuedAt := time.Now().UTC()
	grant, err := grants.CreateGrant(ctx, domain.Grant{
		OrgID:                cfg.SeedOrgID,
		Provider:             "xero",
		AccessTokenCipher:    accessCipher,
		RefreshTokenCipher:   refreshCipher,
		RefreshTokenIssuedAt: &issuedAt,
		// An already-expired access token forces a refresh on first use.
		ExpiresAt: issuedAt,
		Status:    domain.GrantStatusActive,
	})
	if err != nil {
		return fmt.Errorf("seed create grant: %w", err)
	}

	binding, err := bindings.CreateBinding(ctx, domain.TenantBinding{
		OrgID:         cfg.SeedOrgID,
		Provider:      "xero",
		TenantID:      tenantID,
		TenantName:    cfg.SeedTenantName,
		ActiveGrantID: grant.ID,
		Status:        domain.BindingStatusActive,
	})
	if err != nil {
		return fmt.Errorf("seed create binding: %w", err)
	}

	logger.Info("bootstrap seed connection created",
		zap.Int64("org_id", cfg.SeedOrgID),
		zap.String("tenant_id", tenantID),
		zap.Int64("binding_id", binding.ID),
	)
	return nil
}
