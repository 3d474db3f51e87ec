package token

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/xero-connect/internal/adapter/xero"
	"github.com/smallbiznis/xero-connect/internal/cipher"
	"github.com/smallbiznis/xero-connect/internal/config"
	"github.com/smallbiznis/xero-connect/internal/domain"
	"github.com/smallbiznis/xero-connect/internal/repository"
)

// sweepLockTTL bounds how long one replica's proactive sweep suppresses
// the others when it crashes before unlocking.
const sweepLockTTL = time.Minute

// SweepError reports one binding's failure during a proactive sweep.
type SweepError struct {
	BindingID  int64  `json:"binding_id"`
	TenantName string `json:"tenant_name"`
	Error      string `json:"error"`
}

// SweepResult summarizes a proactive refresh sweep.
type SweepResult struct {
	RefreshedCount int          `json:"refreshed_count"`
	Errors         []SweepError `json:"errors"`
}

// Service is the public entry point of the credential lifecycle: it hands
// out authenticated, tenant-scoped API clients and triggers the
// coordinator when the expiry policy says so.
type Service struct {
	bindings    repository.BindingStore
	grants      repository.GrantStore
	coordinator *Coordinator
	cipher      *cipher.Cipher
	sweepLock   repository.SweepLocker
	httpClient  *http.Client
	cfg         config.Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewService wires the token service. sweepLock may be nil when no Redis
// is configured; the sweep then runs on every replica.
func NewService(
	bindings repository.BindingStore,
	grants repository.GrantStore,
	coordinator *Coordinator,
	ciph *cipher.Cipher,
	sweepLock repository.SweepLocker,
	cfg config.Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		bindings:    bindings,
		grants:      grants,
		coordinator: coordinator,
		cipher:      ciph,
		sweepLock:   sweepLock,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// GetClientForTenantBinding returns an authenticated Xero client for the
// binding, refreshing the underlying grant first when the expiry policy
// requires it. The access token is decrypted only at the moment the
// client is constructed.
func (s *Service) GetClientForTenantBinding(ctx context.Context, bindingID, orgID int64, forceRefresh bool) (*xero.Client, error) {
	binding, err := s.bindings.GetBinding(ctx, orgID, bindingID)
	if err != nil {
		return nil, err
	}
	switch binding.Status {
	case domain.BindingStatusActive:
	case domain.BindingStatusNeedsReauth:
		// Fail fast: re-attempting a refresh on a dead grant only
		// burns token-endpoint quota. The user has to reconnect.
		return nil, domain.ErrReauthRequired
	default:
		return nil, fmt.Errorf("%w: status %s", domain.ErrBindingInactive, binding.Status)
	}

	grant, err := s.grants.GetGrant(ctx, binding.ActiveGrantID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if forceRefresh ||
		NeedsRefresh(grant, false, s.cfg.RefreshBuffer, now) ||
		RefreshTokenAging(grant, s.cfg.RefreshTokenMaxAge, now) {
		grant, err = s.coordinator.RefreshGrant(ctx, grant.ID, forceRefresh)
		if err != nil {
			return nil, fmt.Errorf("refresh grant for binding %d: %w", bindingID, err)
		}
	}

	accessToken, err := s.cipher.Decrypt(grant.AccessTokenCipher)
	if err != nil {
		return nil, err
	}

	if err := s.grants.TouchGrantUsage(ctx, grant.ID); err != nil {
		s.logger.Warn("touch grant usage", zap.Int64("grant_id", grant.ID), zap.Error(err))
	}

	return xero.NewClient(s.httpClient, s.cfg.XeroAPIBaseURL, accessToken, binding.TenantID), nil
}

// Do runs fn with an authenticated client and retries exactly once with a
// forced refresh when the API rejects the token with a 401. That covers
// access revoked out-of-band: the token looked fresh by our bookkeeping
// but the provider had already invalidated it.
func (s *Service) Do(ctx context.Context, bindingID, orgID int64, fn func(ctx context.Context, client *xero.Client) error) error {
	client, err := s.GetClientForTenantBinding(ctx, bindingID, orgID, false)
	if err != nil {
		return err
	}
	err = fn(ctx, client)
	if err == nil || !xero.IsUnauthorized(err) {
		return err
	}

	client, err = s.GetClientForTenantBinding(ctx, bindingID, orgID, true)
	if err != nil {
		return err
	}
	return fn(ctx, client)
}

// ProactiveRefreshForOrg warms every active binding's credentials ahead of
// user-visible latency. Per-binding failures are collected, never thrown;
// only a failure to enumerate bindings is an error.
func (s *Service) ProactiveRefreshForOrg(ctx context.Context, orgID int64) (*SweepResult, error) {
	result := &SweepResult{}

	if s.sweepLock != nil {
		ok, err := s.sweepLock.TryLock(ctx, orgID, sweepLockTTL)
		if err != nil {
			// Lock trouble must not break a best-effort path.
			s.logger.Warn("sweep lock unavailable", zap.Int64("org_id", orgID), zap.Error(err))
		} else if !ok {
			// Another replica is already warming this org.
			return result, nil
		} else {
			defer func() {
				if err := s.sweepLock.Unlock(context.WithoutCancel(ctx), orgID); err != nil {
					s.logger.Warn("sweep unlock", zap.Int64("org_id", orgID), zap.Error(err))
				}
			}()
		}
	}

	bindings, err := s.bindings.ListActiveBindings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list active bindings: %w", err)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SweepConcurrency)

	for _, binding := range bindings {
		binding := binding
		g.Go(func() error {
			refreshed, err := s.refreshBindingIfDue(ctx, binding)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, SweepError{
					BindingID:  binding.ID,
					TenantName: binding.TenantName,
					Error:      err.Error(),
				})
				return nil
			}
			if refreshed {
				result.RefreshedCount++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("proactive refresh sweep finished",
		zap.Int64("org_id", orgID),
		zap.Int("bindings", len(bindings)),
		zap.Int("refreshed", result.RefreshedCount),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// ConnectionStatus is the read model the platform UI renders per tenant
// binding, including whether a "reconnect" prompt is due.
type ConnectionStatus struct {
	BindingID     int64                `json:"binding_id"`
	TenantID      string               `json:"tenant_id"`
	TenantName    string               `json:"tenant_name"`
	BindingStatus domain.BindingStatus `json:"binding_status"`
	GrantStatus   domain.GrantStatus   `json:"grant_status"`
	ExpiresAt     time.Time            `json:"expires_at"`
	RefreshDue    bool                 `json:"refresh_due"`
}

// ListConnections reports every binding for the org with its grant's
// expiry bookkeeping. Token ciphertext never leaves the store here.
func (s *Service) ListConnections(ctx context.Context, orgID int64) ([]ConnectionStatus, error) {
	bindings, err := s.bindings.ListBindings(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	statuses := make([]ConnectionStatus, 0, len(bindings))
	for _, binding := range bindings {
		status := ConnectionStatus{
			BindingID:     binding.ID,
			TenantID:      binding.TenantID,
			TenantName:    binding.TenantName,
			BindingStatus: binding.Status,
		}
		grant, err := s.grants.GetGrant(ctx, binding.ActiveGrantID)
		if err != nil {
			s.logger.Warn("binding without resolvable grant",
				zap.Int64("binding_id", binding.ID),
				zap.Int64("grant_id", binding.ActiveGrantID),
				zap.Error(err),
			)
			statuses = append(statuses, status)
			continue
		}
		status.GrantStatus = grant.Status
		status.ExpiresAt = grant.ExpiresAt
		status.RefreshDue = NeedsRefresh(grant, false, s.cfg.RefreshBuffer, now) ||
			RefreshTokenAging(grant, s.cfg.RefreshTokenMaxAge, now)
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *Service) refreshBindingIfDue(ctx context.Context, binding domain.TenantBinding) (bool, error) {
	grant, err := s.grants.GetGrant(ctx, binding.ActiveGrantID)
	if err != nil {
		return false, err
	}
	now := s.now()
	if !NeedsRefresh(grant, false, s.cfg.RefreshBuffer, now) &&
		!RefreshTokenAging(grant, s.cfg.RefreshTokenMaxAge, now) {
		return false, nil
	}
	if _, err := s.coordinator.RefreshGrant(ctx, grant.ID, false); err != nil {
		return false, err
	}
	return true, nil
}
