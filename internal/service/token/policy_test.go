package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/xero-connect/internal/domain"
)

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	buffer := 5 * time.Minute

	tests := []struct {
		name      string
		expiresAt time.Time
		force     bool
		want      bool
	}{
		{"well before buffer", now.Add(time.Hour), false, false},
		{"just outside buffer", now.Add(5*time.Minute + time.Second), false, false},
		{"exactly at buffer edge", now.Add(5 * time.Minute), false, true},
		{"inside buffer", now.Add(2 * time.Minute), false, true},
		{"already expired", now.Add(-time.Minute), false, true},
		{"forced despite fresh token", now.Add(time.Hour), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant := domain.Grant{ExpiresAt: tt.expiresAt}
			require.Equal(t, tt.want, NeedsRefresh(grant, tt.force, buffer, now))
		})
	}
}

func TestRefreshTokenAging(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	maxAge := 45 * 24 * time.Hour

	issuedRecent := now.Add(-10 * 24 * time.Hour)
	issuedOld := now.Add(-50 * 24 * time.Hour)
	issuedAtEdge := now.Add(-maxAge)

	tests := []struct {
		name     string
		issuedAt *time.Time
		want     bool
	}{
		{"recent refresh token", &issuedRecent, false},
		{"aged past the window", &issuedOld, true},
		{"exactly at the ceiling", &issuedAtEdge, false},
		{"legacy grant without issued-at", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant := domain.Grant{RefreshTokenIssuedAt: tt.issuedAt}
			require.Equal(t, tt.want, RefreshTokenAging(grant, maxAge, now))
		})
	}
}
