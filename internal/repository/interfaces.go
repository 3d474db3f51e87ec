package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/xero-connect/internal/domain"
)

// TokenUpdate carries the rewritten credential fields after a successful
// refresh. Token fields are ciphertext.
type TokenUpdate struct {
	AccessTokenCipher    string
	RefreshTokenCipher   string
	ExpiresAt            time.Time
	RefreshTokenIssuedAt time.Time
}

// GrantTx exposes the writes allowed while the grant row lock is held.
type GrantTx interface {
	// UpdateTokens rewrites the credential pair, expiry, and issued-at,
	// and resets status to active.
	UpdateTokens(ctx context.Context, grantID int64, update TokenUpdate) (domain.Grant, error)
	// MarkRefreshFailed flips the grant to refresh_failed and every
	// binding pointing at it to needs_reauth. Both writes commit or roll
	// back together.
	MarkRefreshFailed(ctx context.Context, grantID int64) error
}

// GrantStore persists OAuth grants.
type GrantStore interface {
	GetGrant(ctx context.Context, grantID int64) (domain.Grant, error)
	CreateGrant(ctx context.Context, grant domain.Grant) (domain.Grant, error)
	TouchGrantUsage(ctx context.Context, grantID int64) error
	// WithGrantLock runs fn inside a transaction holding an exclusive
	// row lock on the grant. The grant passed to fn is re-fetched under
	// the lock, so fn observes any competing writer's committed state.
	WithGrantLock(ctx context.Context, grantID int64, fn func(ctx context.Context, grant domain.Grant, tx GrantTx) error) error
}

// SweepLocker dedupes proactive sweeps across process replicas. Advisory
// only; correctness never depends on it.
type SweepLocker interface {
	TryLock(ctx context.Context, orgID int64, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, orgID int64) error
}

// BindingStore persists tenant bindings.
type BindingStore interface {
	GetBinding(ctx context.Context, orgID, bindingID int64) (domain.TenantBinding, error)
	ListBindings(ctx context.Context, orgID int64) ([]domain.TenantBinding, error)
	ListActiveBindings(ctx context.Context, orgID int64) ([]domain.TenantBinding, error)
	CreateBinding(ctx context.Context, binding domain.TenantBinding) (domain.TenantBinding, error)
	RepointBinding(ctx context.Context, bindingID, grantID int64) error
}
