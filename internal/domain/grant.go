package domain

import "time"

// GrantStatus tracks the lifecycle of an OAuth credential pair.
type GrantStatus string

const (
	GrantStatusActive        GrantStatus = "active"
	GrantStatusSuperseded    GrantStatus = "superseded"
	GrantStatusRevoked       GrantStatus = "revoked"
	GrantStatusRefreshFailed GrantStatus = "refresh_failed"
)

// Grant is one OAuth credential issued by the provider to an org. Token
// fields hold ciphertext; plaintext exists only inside the call that
// consumes it.
type Grant struct {
	ID                    int64
	OrgID                 int64
	Provider              string
	AccessTokenCipher     string
	RefreshTokenCipher    string
	RefreshTokenIssuedAt  *time.Time
	ExpiresAt             time.Time
	Status                GrantStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LastUsedAt            *time.Time
}

// Refreshable reports whether a refresh attempt could ever succeed for this
// grant. A refresh_failed or revoked grant requires user re-authorization.
func (g Grant) Refreshable() bool {
	return g.Status == GrantStatusActive || g.Status == GrantStatusSuperseded
}
