package token

import (
	"time"

	"github.com/smallbiznis/xero-connect/internal/domain"
)

// NeedsRefresh reports whether the grant's access token must be refreshed
// now. The buffer widens the expiry window so a token never goes stale
// mid-request from clock skew or transport latency.
func NeedsRefresh(grant domain.Grant, force bool, buffer time.Duration, now time.Time) bool {
	if force {
		return true
	}
	return !now.Before(grant.ExpiresAt.Add(-buffer))
}

// RefreshTokenAging reports whether the refresh token itself is close
// enough to its rolling expiry window that it must be rotated even though
// the access token is still fresh. A grant without a recorded issued-at
// (legacy rows) never counts as aging.
func RefreshTokenAging(grant domain.Grant, maxAge time.Duration, now time.Time) bool {
	if grant.RefreshTokenIssuedAt == nil {
		return false
	}
	return now.Sub(*grant.RefreshTokenIssuedAt) > maxAge
}
