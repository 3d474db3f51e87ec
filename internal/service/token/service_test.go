package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/xero-connect/internal/adapter/xero"
	"github.com/smallbiznis/xero-connect/internal/config"
	"github.com/smallbiznis/xero-connect/internal/domain"
	"github.com/smallbiznis/xero-connect/internal/repository"
)

func TestService_RefreshesNearExpiryToken(t *testing.T) {
	h := newServiceHarness(t)
	grant := h.seedGrant(t, time.Now().Add(2*time.Minute), nil)
	binding := h.seedBinding(t, grant)

	client, err := h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID, false)
	require.NoError(t, err)
	require.Equal(t, binding.TenantID, client.TenantID())
	require.Equal(t, 1, h.refresher.callCount())

	stored, err := h.store.GetGrant(context.Background(), grant.ID)
	require.NoError(t, err)
	access, err := h.cipher.Decrypt(stored.AccessTokenCipher)
	require.NoError(t, err)
	require.Equal(t, "access-new", access)
}

func TestService_SkipsRefreshForFreshToken(t *testing.T) {
	h := newServiceHarness(t)
	grant := h.seedGrant(t, time.Now().Add(time.Hour), nil)
	binding := h.seedBinding(t, grant)

	_, err := h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID, false)
	require.NoError(t, err)
	require.Equal(t, 0, h.refresher.callCount())
}

func TestService_RefreshesAgingRefreshToken(t *testing.T) {
	h := newServiceHarness(t)
	// Access token is fresh, but the refresh token itself is 50 days
	// old. Rotate it before the provider's family window closes.
	issuedAt := time.Now().Add(-50 * 24 * time.Hour)
	grant := h.seedGrant(t, time.Now().Add(time.Hour), &issuedAt)
	binding := h.seedBinding(t, grant)

	_, err := h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID, false)
	require.NoError(t, err)
	require.Equal(t, 1, h.refresher.callCount())
}

func TestService_RevokedGrantFailsFastAfterFirstAttempt(t *testing.T) {
	h := newServiceHarness(t)
	grant := h.seedGrant(t, time.Now().Add(-time.Minute), nil)
	binding := h.seedBinding(t, grant)
	h.refresher.result = func(string) (*xero.TokenPair, error) {
		return nil, &domain.RefreshError{Kind: domain.FailurePermanent, Code: "invalid_grant", StatusCode: 400}
	}

	_, err := h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID, false)
	require.True(t, domain.IsPermanentRefreshFailure(err))
	require.Equal(t, 1, h.refresher.callCount())

	// The binding now carries needs_reauth, so the second call never
	// reaches the refresh endpoint.
	_, err = h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID, false)
	require.ErrorIs(t, err, domain.ErrReauthRequired)
	require.Equal(t, 1, h.refresher.callCount())
}

func TestService_BindingLookupErrors(t *testing.T) {
	h := newServiceHarness(t)
	grant := h.seedGrant(t, time.Now().Add(time.Hour), nil)
	binding := h.seedBinding(t, grant)

	_, err := h.svc.GetClientForTenantBinding(context.Background(), 9999, binding.OrgID, false)
	require.ErrorIs(t, err, domain.ErrBindingNotFound)

	// A binding is scoped to its org; another org must not see it.
	_, err = h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID+1, false)
	require.ErrorIs(t, err, domain.ErrBindingNotFound)

	suspended, err := h.store.CreateBinding(context.Background(), domain.TenantBinding{
		OrgID:         binding.OrgID,
		Provider:      "xero",
		TenantID:      "tenant-suspended",
		ActiveGrantID: grant.ID,
		Status:        domain.BindingStatusSuspended,
	})
	require.NoError(t, err)
	_, err = h.svc.GetClientForTenantBinding(context.Background(), suspended.ID, suspended.OrgID, false)
	require.ErrorIs(t, err, domain.ErrBindingInactive)

	orphan, err := h.store.CreateBinding(context.Background(), domain.TenantBinding{
		OrgID:         binding.OrgID,
		Provider:      "xero",
		TenantID:      "tenant-orphan",
		ActiveGrantID: 424242,
		Status:        domain.BindingStatusActive,
	})
	require.NoError(t, err)
	_, err = h.svc.GetClientForTenantBinding(context.Background(), orphan.ID, orphan.OrgID, false)
	require.ErrorIs(t, err, domain.ErrGrantNotFound)
}

func TestService_DoRetriesOnceOnUnauthorized(t *testing.T) {
	h := newServiceHarness(t)

	var hits int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer access-new" {
			// The stored token looked fresh but the provider had
			// already revoked it out-of-band.
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()
	h.svc.cfg.XeroAPIBaseURL = api.URL

	grant := h.seedGrant(t, time.Now().Add(time.Hour), nil)
	binding := h.seedBinding(t, grant)

	err := h.svc.Do(context.Background(), binding.ID, binding.OrgID, func(ctx context.Context, client *xero.Client) error {
		_, err := client.Get(ctx, "/connections")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
	require.Equal(t, 1, h.refresher.callCount())
}

func TestService_ProactiveRefreshSweep(t *testing.T) {
	h := newServiceHarness(t)

	due := h.seedGrant(t, time.Now().Add(2*time.Minute), nil)
	h.seedBinding(t, due)
	fresh := h.seedGrant(t, time.Now().Add(time.Hour), nil)
	freshBinding, err := h.store.CreateBinding(context.Background(), domain.TenantBinding{
		OrgID:         fresh.OrgID,
		Provider:      "xero",
		TenantID:      "tenant-fresh",
		ActiveGrantID: fresh.ID,
		Status:        domain.BindingStatusActive,
	})
	require.NoError(t, err)
	_, err = h.store.CreateBinding(context.Background(), domain.TenantBinding{
		OrgID:         fresh.OrgID,
		Provider:      "xero",
		TenantID:      "tenant-orphan",
		TenantName:    "Orphan Co",
		ActiveGrantID: 424242,
		Status:        domain.BindingStatusActive,
	})
	require.NoError(t, err)

	result, err := h.svc.ProactiveRefreshForOrg(context.Background(), freshBinding.OrgID)
	require.NoError(t, err)
	require.Equal(t, 1, result.RefreshedCount)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "Orphan Co", result.Errors[0].TenantName)
	require.Equal(t, 1, h.refresher.callCount())
}

func TestService_SweepSkipsWhenAnotherReplicaHoldsLock(t *testing.T) {
	h := newServiceHarness(t)
	h.svc.sweepLock = &fakeSweepLocker{held: true}

	due := h.seedGrant(t, time.Now().Add(-time.Minute), nil)
	h.seedBinding(t, due)

	result, err := h.svc.ProactiveRefreshForOrg(context.Background(), due.OrgID)
	require.NoError(t, err)
	require.Equal(t, 0, result.RefreshedCount)
	require.Equal(t, 0, h.refresher.callCount())
}

func TestService_SweepAndRequestCollapseOntoOneRefresh(t *testing.T) {
	h := newServiceHarness(t)
	h.refresher.delay = 50 * time.Millisecond

	grant := h.seedGrant(t, time.Now().Add(-time.Minute), nil)
	binding := h.seedBinding(t, grant)

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		_, err := h.svc.ProactiveRefreshForOrg(context.Background(), binding.OrgID)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := h.svc.GetClientForTenantBinding(context.Background(), binding.ID, binding.OrgID, false)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.refresher.callCount())
}

func TestService_ListConnections(t *testing.T) {
	h := newServiceHarness(t)

	due := h.seedGrant(t, time.Now().Add(2*time.Minute), nil)
	dueBinding := h.seedBinding(t, due)
	fresh := h.seedGrant(t, time.Now().Add(time.Hour), nil)
	_, err := h.store.CreateBinding(context.Background(), domain.TenantBinding{
		OrgID:         fresh.OrgID,
		Provider:      "xero",
		TenantID:      "tenant-fresh",
		TenantName:    "Fresh Co",
		ActiveGrantID: fresh.ID,
		Status:        domain.BindingStatusActive,
	})
	require.NoError(t, err)

	statuses, err := h.svc.ListConnections(context.Background(), dueBinding.OrgID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byTenant := map[string]ConnectionStatus{}
	for _, status := range statuses {
		byTenant[status.TenantID] = status
	}
	require.True(t, byTenant[dueBinding.TenantID].RefreshDue)
	require.False(t, byTenant["tenant-fresh"].RefreshDue)
	require.Equal(t, domain.GrantStatusActive, byTenant["tenant-fresh"].GrantStatus)
	// Listing is a read model; it must never trigger refresh traffic.
	require.Equal(t, 0, h.refresher.callCount())
}

// ---- Test harness and fakes ----

type serviceHarness struct {
	*coordinatorHarness
	svc *Service
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	ch := newCoordinatorHarness(t)
	cfg := config.Config{
		XeroAPIBaseURL:     "https://api.example.test",
		RefreshBuffer:      10 * time.Minute,
		RefreshTokenMaxAge: 45 * 24 * time.Hour,
		SweepConcurrency:   4,
	}
	svc := NewService(ch.store, ch.store, ch.coord, ch.cipher, nil, cfg, zap.NewNop())
	return &serviceHarness{coordinatorHarness: ch, svc: svc}
}

type fakeSweepLocker struct {
	mu   sync.Mutex
	held bool
}

var _ repository.SweepLocker = (*fakeSweepLocker)(nil)

func (f *fakeSweepLocker) TryLock(context.Context, int64, time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeSweepLocker) Unlock(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	return nil
}
