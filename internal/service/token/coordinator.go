package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/xero-connect/internal/adapter/xero"
	"github.com/smallbiznis/xero-connect/internal/cipher"
	"github.com/smallbiznis/xero-connect/internal/domain"
	"github.com/smallbiznis/xero-connect/internal/repository"
)

// CoordinatorConfig tunes the single-flight refresh machinery.
type CoordinatorConfig struct {
	// RefreshBuffer is re-applied when re-checking expiry under the row
	// lock; it must match the accessor's buffer or the re-check and the
	// trigger disagree.
	RefreshBuffer time.Duration
	// ThrottleWindow absorbs request bursts right after a refresh
	// settles: callers inside the window re-read the store instead of
	// taking any lock.
	ThrottleWindow time.Duration
	// RefreshTimeout bounds one whole attempt. Without it a hung
	// attempt would wedge every future caller for that grant behind the
	// in-flight entry.
	RefreshTimeout time.Duration
	// RefreshTokenMaxAge is re-applied when re-checking under the row
	// lock, so an aging-triggered rotation survives the re-check even
	// though the access token itself is still fresh.
	RefreshTokenMaxAge time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 10 * time.Minute
	}
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = 5 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	if c.RefreshTokenMaxAge <= 0 {
		c.RefreshTokenMaxAge = 45 * 24 * time.Hour
	}
	return c
}

// refreshAttempt is the future concurrent callers join. The fields are
// written once before done closes and read only after.
type refreshAttempt struct {
	done  chan struct{}
	grant domain.Grant
	err   error
}

// Coordinator guarantees at most one refresh per grant at a time: an
// in-memory attempt map collapses intra-process contention without I/O,
// and the store's row lock arbitrates between process replicas.
type Coordinator struct {
	grants    repository.GrantStore
	refresher xero.Refresher
	cipher    *cipher.Cipher
	cfg       CoordinatorConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	inflight map[int64]*refreshAttempt
	settled  map[int64]time.Time
}

// NewCoordinator wires the refresh coordinator.
func NewCoordinator(grants repository.GrantStore, refresher xero.Refresher, ciph *cipher.Cipher, cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.L()
	}
	return &Coordinator{
		grants:    grants,
		refresher: refresher,
		cipher:    ciph,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/xero-connect/internal/service/token"),
		now:       time.Now,
		inflight:  make(map[int64]*refreshAttempt),
		settled:   make(map[int64]time.Time),
	}
}

// RefreshGrant refreshes the grant's credential pair, collapsing
// concurrent callers onto one underlying attempt.
//
// Fast paths, in order: join an in-flight attempt for the same grant;
// inside the post-settle throttle window, re-read the store without
// locking. Otherwise a new attempt registers itself before any I/O, takes
// the row lock, re-checks expiry under it, and only then calls the
// refresh endpoint.
func (c *Coordinator) RefreshGrant(ctx context.Context, grantID int64, force bool) (domain.Grant, error) {
	c.mu.Lock()
	if attempt, ok := c.inflight[grantID]; ok {
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.grant, attempt.err
		case <-ctx.Done():
			return domain.Grant{}, ctx.Err()
		}
	}
	if !force {
		if settledAt, ok := c.settled[grantID]; ok && c.now().Sub(settledAt) < c.cfg.ThrottleWindow {
			c.mu.Unlock()
			return c.grants.GetGrant(ctx, grantID)
		}
	}
	attempt := &refreshAttempt{done: make(chan struct{})}
	c.inflight[grantID] = attempt
	c.mu.Unlock()

	grant, err := c.runAttempt(ctx, grantID, force)

	attempt.grant, attempt.err = grant, err
	close(attempt.done)

	c.mu.Lock()
	delete(c.inflight, grantID)
	if err == nil {
		now := c.now()
		// Expired entries are dead weight; drop them while we hold the
		// lock anyway so the map stays bounded by recent activity.
		for id, settledAt := range c.settled {
			if now.Sub(settledAt) >= c.cfg.ThrottleWindow {
				delete(c.settled, id)
			}
		}
		c.settled[grantID] = now
	}
	c.mu.Unlock()

	return grant, err
}

func (c *Coordinator) runAttempt(ctx context.Context, grantID int64, force bool) (domain.Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "token.refresh",
		trace.WithAttributes(attribute.Int64("grant.id", grantID), attribute.Bool("forced", force)))
	defer span.End()

	var result domain.Grant
	err := c.grants.WithGrantLock(ctx, grantID, func(ctx context.Context, grant domain.Grant, tx repository.GrantTx) error {
		// Re-check under the lock: a competing process may have
		// committed a refresh while we waited for the row. Aging counts
		// too, or a rotation-triggered attempt would bail out here; a
		// competitor's refresh resets issued-at, so its work is still
		// recognized.
		now := c.now()
		if !force &&
			!NeedsRefresh(grant, false, c.cfg.RefreshBuffer, now) &&
			!RefreshTokenAging(grant, c.cfg.RefreshTokenMaxAge, now) {
			result = grant
			return nil
		}
		if !grant.Refreshable() {
			return domain.ErrReauthRequired
		}

		refreshToken, err := c.cipher.Decrypt(grant.RefreshTokenCipher)
		if err != nil {
			return err
		}

		pair, err := c.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			if domain.IsPermanentRefreshFailure(err) {
				// The paired writes ride this transaction so a
				// binding can never silently point at a dead
				// grant.
				if markErr := tx.MarkRefreshFailed(ctx, grantID); markErr != nil {
					return fmt.Errorf("mark refresh failed: %w", markErr)
				}
				c.logger.Warn("grant refresh permanently failed",
					zap.Int64("grant_id", grantID),
					zap.Int64("org_id", grant.OrgID),
					zap.Error(err),
				)
			}
			return err
		}

		accessCipher, err := c.cipher.Encrypt(pair.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		refreshCipher, err := c.cipher.Encrypt(pair.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}

		updated, err := tx.UpdateTokens(ctx, grantID, repository.TokenUpdate{
			AccessTokenCipher:    accessCipher,
			RefreshTokenCipher:   refreshCipher,
			ExpiresAt:            pair.ExpiresAt,
			RefreshTokenIssuedAt: c.now().UTC(),
		})
		if err != nil {
			return err
		}

		c.logger.Info("grant refreshed",
			zap.Int64("grant_id", grantID),
			zap.Int64("org_id", grant.OrgID),
			zap.Time("expires_at", updated.ExpiresAt),
		)
		result = updated
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.Grant{}, err
	}
	return result, nil
}
